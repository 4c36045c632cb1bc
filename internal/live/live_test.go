package live

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/broker"
	"tradedesk/internal/channel"
	"tradedesk/internal/domain"
)

type fakeState struct {
	accounts []domain.Account
}

func (f *fakeState) Accounts() []domain.Account {
	return append([]domain.Account(nil), f.accounts...)
}

func (f *fakeState) Positions(id string) []domain.Position {
	return []domain.Position{{AccountID: id, InstrumentID: "AAPL", Quantity: 10}}
}

func newState() *fakeState {
	return &fakeState{accounts: []domain.Account{
		{AccountMeta: domain.AccountMeta{ID: "A"}, Snapshot: domain.Snapshot{AvailableFunds: 100}, Sequence: 1},
		{AccountMeta: domain.AccountMeta{ID: "B"}, Snapshot: domain.Snapshot{AvailableFunds: 200}, Sequence: 1},
	}}
}

func acctMsg(id string, seq uint64, funds float64) broadcast.Message {
	return broadcast.AccountMessage(domain.Account{
		AccountMeta: domain.AccountMeta{ID: id},
		Snapshot:    domain.Snapshot{AvailableFunds: funds},
		Sequence:    seq,
		UpdatedAt:   time.Now(),
	}, nil)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readReceived(t *testing.T, c *websocket.Conn) Received {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Received
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestWebsocketSnapshotThenLive(t *testing.T) {
	hub := broadcast.New(16, nil)
	srv := httptest.NewServer(NewWSServer(hub, newState(), nil))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(Control{Action: ActionSnapshot}))
	first := readReceived(t, c)
	second := readReceived(t, c)
	assert.Equal(t, broadcast.TypeAccountUpdate, first.Type)
	assert.Equal(t, "A", first.SubjectID)
	assert.Equal(t, "B", second.SubjectID)

	var payload broadcast.AccountPayload
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, 100.0, payload.Account.AvailableFunds)
	require.Len(t, payload.Positions, 1)

	require.Equal(t, 1, hub.Publish(acctMsg("A", 2, 150)))
	live := readReceived(t, c)
	assert.Equal(t, "A", live.SubjectID)
	assert.Equal(t, uint64(2), live.Sequence)
}

func TestWebsocketSubscribeFilters(t *testing.T) {
	hub := broadcast.New(16, nil)
	srv := httptest.NewServer(NewWSServer(hub, newState(), nil))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(Control{Action: ActionSubscribe, Subjects: []string{"B"}}))
	require.NoError(t, c.WriteJSON(Control{Action: ActionSnapshot}))
	snap := readReceived(t, c)
	assert.Equal(t, "B", snap.SubjectID)

	hub.Publish(acctMsg("A", 5, 1))
	hub.Publish(acctMsg("B", 6, 2))
	next := readReceived(t, c)
	assert.Equal(t, "B", next.SubjectID)
	assert.Equal(t, uint64(6), next.Sequence)
}

func TestWebsocketPresetSubjects(t *testing.T) {
	hub := broadcast.New(16, nil)
	srv := httptest.NewServer(NewWSServer(hub, newState(), nil))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?subjects=A", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(Control{Action: ActionSnapshot}))
	snap := readReceived(t, c)
	assert.Equal(t, "A", snap.SubjectID)

	hub.Publish(acctMsg("B", 3, 1))
	hub.Publish(acctMsg("A", 3, 1))
	assert.Equal(t, "A", readReceived(t, c).SubjectID)
}

func TestWebsocketNoRegressionAfterSnapshot(t *testing.T) {
	hub := broadcast.New(16, nil)
	state := &fakeState{accounts: []domain.Account{
		{AccountMeta: domain.AccountMeta{ID: "A"}, Snapshot: domain.Snapshot{AvailableFunds: 100}, Sequence: 5},
	}}
	srv := httptest.NewServer(NewWSServer(hub, state, nil))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(Control{Action: ActionSnapshot}))
	snap := readReceived(t, c)
	require.Equal(t, uint64(5), snap.Sequence)

	// A late delivery of an older observation must not reach the observer.
	hub.Publish(acctMsg("A", 3, 1))
	hub.Publish(acctMsg("A", 6, 2))
	got := readReceived(t, c)
	assert.Equal(t, uint64(6), got.Sequence)
}

func TestWatcherOverWebsocket(t *testing.T) {
	hub := broadcast.New(16, nil)
	srv := httptest.NewServer(NewWSServer(hub, newState(), nil))
	defer srv.Close()

	var (
		mu   sync.Mutex
		got  []Received
		open = make(chan struct{}, 1)
	)
	w := NewWatcher(WSDialer{URL: wsURL(srv)}, []string{"A"}, channel.Options{BaseDelay: 10 * time.Millisecond},
		func(m Received) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
		func(s channel.State, _ error) {
			if s == channel.StateOpen {
				select {
				case open <- struct{}{}:
				default:
				}
			}
		})
	w.Start(context.Background())
	defer w.Close()

	select {
	case <-open:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never opened")
	}

	// The snapshot reply proves the subscription is live on the server.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(acctMsg("B", 10, 1))
	hub.Publish(acctMsg("A", 10, 1))
	hub.Publish(acctMsg("A", 10, 1)) // duplicate, filtered server side

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, m := range got {
		assert.Equal(t, "A", m.SubjectID)
	}
	assert.Equal(t, uint64(10), got[len(got)-1].Sequence)
}

func TestWatcherDropsOlderSequences(t *testing.T) {
	w := &Watcher{last: make(map[string]uint64)}
	assert.True(t, w.accept(Received{Type: broadcast.TypeAccountUpdate, SubjectID: "A", Sequence: 5}))
	assert.False(t, w.accept(Received{Type: broadcast.TypeAccountUpdate, SubjectID: "A", Sequence: 5}))
	assert.False(t, w.accept(Received{Type: broadcast.TypeAccountUpdate, SubjectID: "A", Sequence: 3}))
	assert.True(t, w.accept(Received{Type: broadcast.TypeTradeUpdate, SubjectID: "A", Sequence: 3}))
	assert.True(t, w.accept(Received{Type: broadcast.TypeBehind}))
}

func TestGRPCStream(t *testing.T) {
	hub := broadcast.New(16, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	NewGRPCServer(hub, newState(), nil).RegisterGRPC(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := GRPCDialer{Addr: lis.Addr().String(), Subjects: []string{"A"}}.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.Recv(ctx)
	require.NoError(t, err)
	var snap Received
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, broadcast.TypeAccountUpdate, snap.Type)
	assert.Equal(t, "A", snap.SubjectID)
	assert.Equal(t, uint64(1), snap.Sequence)

	hub.Publish(acctMsg("B", 9, 1))
	hub.Publish(acctMsg("A", 9, 42))
	data, err = conn.Recv(ctx)
	require.NoError(t, err)
	var live Received
	require.NoError(t, json.Unmarshal(data, &live))
	assert.Equal(t, "A", live.SubjectID)
	assert.Equal(t, uint64(9), live.Sequence)

	var payload broadcast.AccountPayload
	require.NoError(t, json.Unmarshal(live.Payload, &payload))
	assert.Equal(t, 42.0, payload.Account.AvailableFunds)

	assert.ErrorIs(t, conn.Send(ctx, []byte("{}")), ErrReceiveOnly)
}

func TestGRPCNoRegressionAfterSnapshot(t *testing.T) {
	hub := broadcast.New(16, nil)
	state := &fakeState{accounts: []domain.Account{
		{AccountMeta: domain.AccountMeta{ID: "A"}, Sequence: 5},
	}}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	NewGRPCServer(hub, state, nil).RegisterGRPC(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := GRPCDialer{Addr: lis.Addr().String()}.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	recv := func() Received {
		data, err := conn.Recv(ctx)
		require.NoError(t, err)
		var m Received
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
	require.Equal(t, uint64(5), recv().Sequence)

	hub.Publish(acctMsg("A", 4, 1))
	hub.Publish(acctMsg("A", 7, 1))
	assert.Equal(t, uint64(7), recv().Sequence)
}

func TestParseStreamRequest(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{
		"subjects": []any{"A", "", "B"},
		"snapshot": true,
	})
	require.NoError(t, err)
	subjects, snap := parseStreamRequest(req)
	assert.Equal(t, []string{"A", "B"}, subjects)
	assert.True(t, snap)

	subjects, snap = parseStreamRequest(nil)
	assert.Nil(t, subjects)
	assert.False(t, snap)
}

func TestSplitSubjects(t *testing.T) {
	assert.Nil(t, splitSubjects(""))
	assert.Equal(t, []string{"A", "B"}, splitSubjects(" A, ,B"))
}

type fixedInstruments []string

func (f fixedInstruments) Instruments() []string { return f }

func TestPricePublisher(t *testing.T) {
	hub := broadcast.New(16, nil)
	sub := hub.Subscribe(nil)
	sim := broker.NewSimulatorBroker()
	sim.SetPrice("AAPL", 190)

	p := NewPricePublisher(sim, fixedInstruments{"AAPL", "MSFT"}, hub, time.Second, nil)
	ctx := context.Background()

	n, err := p.PublishOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.PublishOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged prices are not republished")

	sim.SetPrice("AAPL", 191)
	n, err = p.PublishOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var last broadcast.Message
	for sub.Pending() > 0 {
		last, err = sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, broadcast.TypePriceUpdate, last.Type)
	}
	assert.Equal(t, "AAPL", last.SubjectID)
	assert.Equal(t, 191.0, last.Payload.(PricePayload).Price)

	empty := NewPricePublisher(sim, fixedInstruments{}, hub, 0, nil)
	n, err = empty.PublishOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
