package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/util"
)

func full(id string, seq uint64, funds float64) domain.StateUpdate {
	return domain.StateUpdate{
		AccountID: id,
		Sequence:  seq,
		Origin:    domain.OriginPoll,
		Snapshot:  &domain.Snapshot{AvailableFunds: funds, MarginUsed: funds / 10},
	}
}

func TestApplyIdempotent(t *testing.T) {
	r := New(nil)
	u := full("A", 3, 1000)

	require.True(t, r.Apply(u))
	first, _ := r.Account("A")
	assert.False(t, r.Apply(u))
	second, _ := r.Account("A")

	assert.Equal(t, first, second)
}

func TestApplyMonotonic(t *testing.T) {
	r := New(nil)
	seqs := []uint64{1, 4, 2, 7, 3, 7, 5, 9, 8}
	var applied []uint64
	for _, s := range seqs {
		if r.Apply(full("A", s, float64(s))) {
			applied = append(applied, s)
		}
	}

	acct, ok := r.Account("A")
	require.True(t, ok)
	assert.Equal(t, uint64(9), acct.Sequence)
	assert.Equal(t, 9.0, acct.AvailableFunds)
	assert.Equal(t, []uint64{1, 4, 7, 9}, applied)
}

func TestApplyStaleLeavesState(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(full("A", 10, 500)))

	assert.False(t, r.Apply(full("A", 9, 1)))
	assert.False(t, r.Apply(full("A", 10, 1)))

	acct, _ := r.Account("A")
	assert.Equal(t, 500.0, acct.AvailableFunds)
	assert.Equal(t, uint64(10), acct.Sequence)
}

func TestApplyZeroSequenceIgnored(t *testing.T) {
	r := New(nil)
	assert.False(t, r.Apply(full("A", 0, 1)))
	_, ok := r.Account("A")
	assert.False(t, ok)
}

func TestDeltaTouchesOnlyPresentFields(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(domain.StateUpdate{
		AccountID: "A",
		Sequence:  1,
		Snapshot: &domain.Snapshot{
			AvailableFunds:  1000,
			MarginUsed:      100,
			MarginAvailable: 900,
			RealizedPnL:     5,
			UnrealizedPnL:   -2,
		},
	}))
	require.True(t, r.Apply(domain.StateUpdate{
		AccountID: "A",
		Sequence:  2,
		Origin:    domain.OriginPush,
		Delta:     &domain.SnapshotDelta{MarginUsed: domain.Float(250)},
	}))

	acct, _ := r.Account("A")
	assert.Equal(t, domain.Snapshot{
		AvailableFunds:  1000,
		MarginUsed:      250,
		MarginAvailable: 900,
		RealizedPnL:     5,
		UnrealizedPnL:   -2,
	}, acct.Snapshot)
}

func TestFirstUpdateCreatesInactiveEntry(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(domain.StateUpdate{AccountID: "new", Sequence: 1, Delta: &domain.SnapshotDelta{RealizedPnL: domain.Float(3)}}))

	acct, ok := r.Account("new")
	require.True(t, ok)
	assert.False(t, acct.Active)
	assert.Equal(t, 3.0, acct.RealizedPnL)
	assert.Empty(t, r.Active())
}

func TestTrackAndRestore(t *testing.T) {
	r := New(nil)
	r.Track(domain.AccountMeta{ID: "A", Name: "Alice", Broker: "simulator", Active: true})
	r.Restore(domain.Account{
		AccountMeta: domain.AccountMeta{ID: "A", Name: "Alice", Broker: "simulator", Active: true},
		Snapshot:    domain.Snapshot{AvailableFunds: 42},
	})

	acct, _ := r.Account("A")
	assert.Equal(t, 42.0, acct.AvailableFunds)
	assert.Equal(t, uint64(0), acct.Sequence)

	// Any live observation supersedes the restored snapshot.
	require.True(t, r.Apply(full("A", 1, 7)))
	r.Restore(domain.Account{AccountMeta: acct.AccountMeta, Snapshot: domain.Snapshot{AvailableFunds: 42}})
	acct, _ = r.Account("A")
	assert.Equal(t, 7.0, acct.AvailableFunds)

	require.NoError(t, r.SetActive("A", false))
	assert.Empty(t, r.Active())
	assert.ErrorIs(t, r.SetActive("zzz", true), domain.ErrUnknownAccount)
}

func TestPositionsReplaceAndFills(t *testing.T) {
	r := New(nil)
	var changes []Change
	r.OnChange(func(c Change) { changes = append(changes, c) })

	require.True(t, r.Apply(domain.StateUpdate{
		AccountID:        "A",
		Sequence:         1,
		ReplacePositions: true,
		Positions: []domain.Position{
			{InstrumentID: "X", Quantity: 100, AvgPrice: 10},
			{InstrumentID: "Y", Quantity: 0},
		},
	}))
	assert.Len(t, r.Positions("A"), 1)

	fill := domain.Fill{InstrumentID: "X", TradeID: "t1", Side: domain.SideSell, Quantity: 100, Price: 11}
	require.True(t, r.Apply(domain.StateUpdate{AccountID: "A", Sequence: 2, Fills: []domain.Fill{fill}}))
	assert.Empty(t, r.Positions("A"))

	// Same trade again under a newer sequence: sequence advances, position
	// does not change.
	require.True(t, r.Apply(domain.StateUpdate{AccountID: "A", Sequence: 3, Fills: []domain.Fill{
		{InstrumentID: "Z", TradeID: "t2", Side: domain.SideBuy, Quantity: 5, Price: 1},
	}}))
	require.True(t, r.Apply(domain.StateUpdate{AccountID: "A", Sequence: 4, Fills: []domain.Fill{
		{InstrumentID: "Z", TradeID: "t2", Side: domain.SideBuy, Quantity: 5, Price: 1},
	}}))
	pos := r.Positions("A")
	require.Len(t, pos, 1)
	assert.Equal(t, int64(5), pos[0].Quantity)

	require.Len(t, changes, 4)
	assert.True(t, changes[0].PositionsChanged)
	assert.Len(t, changes[0].Positions, 1)
	assert.Empty(t, changes[1].Positions)
	assert.Len(t, changes[1].Fills, 1)
	assert.False(t, changes[3].PositionsChanged)
	assert.Empty(t, changes[3].Fills)
}

func TestPositionsAreCopies(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(domain.StateUpdate{AccountID: "A", Sequence: 1, Fills: []domain.Fill{
		{InstrumentID: "X", TradeID: "t1", Side: domain.SideBuy, Quantity: 1, Price: 1},
	}}))
	pos := r.Positions("A")
	pos[0].TradeIDs[0] = "mutated"
	pos[0].Quantity = 99

	again := r.Positions("A")
	assert.Equal(t, "t1", again[0].TradeIDs[0])
	assert.Equal(t, int64(1), again[0].Quantity)
}

func TestConcurrentAppliesPerAccount(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for a := 0; a < 8; a++ {
		id := fmt.Sprintf("acct-%d", a)
		for s := 1; s <= 50; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Apply(full(id, uint64(s), float64(s)))
			}()
		}
	}
	wg.Wait()

	accounts := r.Accounts()
	require.Len(t, accounts, 8)
	for _, a := range accounts {
		assert.Equal(t, uint64(50), a.Sequence)
		assert.Equal(t, 50.0, a.AvailableFunds)
	}
}

func TestListenerSeesSequenceOrder(t *testing.T) {
	r := New(nil)
	var mu sync.Mutex
	var seen []uint64
	r.OnChange(func(c Change) {
		mu.Lock()
		seen = append(seen, c.Account.Sequence)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for s := 1; s <= 100; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Apply(full("A", uint64(s), 1))
		}()
	}
	wg.Wait()

	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

// A slow poll issued before a push event must not overwrite the push
// result when it finally completes.
func TestPollIssuedBeforePushLoses(t *testing.T) {
	r := New(nil)
	seq := NewSequencer()
	for i := 0; i < 4; i++ {
		seq.Next("A")
	}

	pollSeq := seq.Next("A") // 5: poll issued
	seq.Next("A")            // 6: unrelated observation
	pushSeq := seq.Next("A") // 7: push received while poll in flight
	require.Equal(t, uint64(5), pollSeq)
	require.Equal(t, uint64(7), pushSeq)

	require.True(t, r.Apply(domain.StateUpdate{
		AccountID: "A",
		Sequence:  pushSeq,
		Origin:    domain.OriginPush,
		Delta:     &domain.SnapshotDelta{AvailableFunds: domain.Float(900)},
	}))
	assert.False(t, r.Apply(domain.StateUpdate{
		AccountID: "A",
		Sequence:  pollSeq,
		Origin:    domain.OriginPoll,
		Snapshot:  &domain.Snapshot{AvailableFunds: 1000},
	}))

	acct, _ := r.Account("A")
	assert.Equal(t, 900.0, acct.AvailableFunds)
	assert.Equal(t, uint64(7), acct.Sequence)
}

// A push that arrives after a refresh already saw its fill must not add
// the fill a second time.
func TestPushFillAfterRefreshNotDoubled(t *testing.T) {
	r := New(nil)
	require.True(t, r.Apply(domain.StateUpdate{
		AccountID:        "A",
		Sequence:         5,
		Origin:           domain.OriginPoll,
		ReplacePositions: true,
		Positions:        []domain.Position{{InstrumentID: "AAPL", Quantity: 100, AvgPrice: 50}},
	}))

	after := int64(100)
	require.True(t, r.Apply(domain.StateUpdate{
		AccountID: "A",
		Sequence:  6,
		Origin:    domain.OriginPush,
		Fills: []domain.Fill{{
			InstrumentID: "AAPL", TradeID: "o1:1", Side: domain.SideBuy,
			Quantity: 100, Price: 50, PositionQty: &after,
		}},
	}))

	positions := r.Positions("A")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(100), positions[0].Quantity)
	assert.Equal(t, []string{"o1:1"}, positions[0].TradeIDs)
}

type recorder struct {
	mu    sync.Mutex
	calls [][]domain.Account
}

func (rc *recorder) RecordSnapshots(_ context.Context, accounts []domain.Account) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.calls = append(rc.calls, accounts)
	return nil
}

func newPollFixture(t *testing.T) (*Reconciler, *broker.SimulatorBroker, *Poller, *recorder) {
	t.Helper()
	r := New(nil)
	sim := broker.NewSimulatorBroker()
	for _, id := range []string{"A", "B", "C"} {
		r.Track(domain.AccountMeta{ID: id, Broker: "simulator", Active: true})
		sim.Seed(id, domain.Snapshot{AvailableFunds: 1000})
	}
	rc := &recorder{}
	p := NewPoller(r, broker.NewRegistry(sim), NewSequencer(), nil, rc, PollOptions{
		Timeout:  50 * time.Millisecond,
		Deadline: time.Second,
	}, nil)
	return r, sim, p, rc
}

func TestPollerIsolatesFailures(t *testing.T) {
	r, sim, p, rc := newPollFixture(t)
	sim.FailWith("B", errors.New("session expired"))
	sim.SetLatency("C", time.Second)

	report := p.RefreshAll(context.Background())
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Updated)
	assert.Contains(t, report.Errors["B"], "session expired")
	assert.Contains(t, report.Errors, "C")

	a, _ := r.Account("A")
	assert.Equal(t, 1000.0, a.AvailableFunds)
	assert.Equal(t, uint64(1), a.Sequence)

	require.Len(t, rc.calls, 1)
	assert.Len(t, rc.calls[0], 1)
}

func TestPollerRefreshNow(t *testing.T) {
	r, sim, p, _ := newPollFixture(t)
	sim.Seed("A", domain.Snapshot{AvailableFunds: 5}, domain.Position{InstrumentID: "X", Quantity: 3, AvgPrice: 2})

	report := p.RefreshNow(context.Background(), []string{"A", "ghost"})
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, domain.ErrUnknownAccount.Error(), report.Errors["ghost"])

	a, _ := r.Account("A")
	assert.Equal(t, 5.0, a.AvailableFunds)
	require.Len(t, r.Positions("A"), 1)
}

func TestPollerSkipsInactive(t *testing.T) {
	r, _, p, _ := newPollFixture(t)
	require.NoError(t, r.SetActive("C", false))
	report := p.RefreshAll(context.Background())
	assert.Equal(t, 2, report.Total)
}

func TestPollerInterval(t *testing.T) {
	_, _, p, _ := newPollFixture(t)
	assert.Equal(t, 5*time.Minute, p.Interval(time.Now()))
}

func TestPollerStopsOnPermanentError(t *testing.T) {
	r := New(nil)
	r.Track(domain.AccountMeta{ID: "A", Broker: "simulator", Active: true})
	sim := broker.NewSimulatorBroker()
	sim.FailWith("A", fmt.Errorf("bad key: %w", util.ErrPermanent))
	p := NewPoller(r, broker.NewRegistry(sim), NewSequencer(), nil, nil, PollOptions{
		Retries:    5,
		RetryDelay: time.Hour,
		Deadline:   5 * time.Second,
	}, nil)

	start := time.Now()
	report := p.RefreshAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, report.Errors["A"], "bad key")
}

func TestPollerIntervalFollowsSession(t *testing.T) {
	cal, err := util.NewTradingCalendar(time.UTC, "09:30", "16:00", nil)
	require.NoError(t, err)
	p := NewPoller(New(nil), broker.NewRegistry(broker.NewSimulatorBroker()), NewSequencer(), cal, nil, PollOptions{}, nil)

	// Wednesday 2026-10-14.
	at := func(hh, mm int) time.Time { return time.Date(2026, 10, 14, hh, mm, 0, 0, time.UTC) }

	assert.Equal(t, 5*time.Minute, p.Interval(at(11, 0)))
	assert.Equal(t, 2*time.Minute, p.Interval(at(15, 58)), "last tick lands on the close")
	assert.Equal(t, 30*time.Minute, p.Interval(at(20, 0)))
	assert.Equal(t, 10*time.Minute, p.Interval(at(9, 20)), "first tick lands on the open")
}

func TestPushFeedAppliesFills(t *testing.T) {
	r := New(nil)
	sim := broker.NewSimulatorBroker()
	acct := domain.AccountMeta{ID: "A", Broker: "simulator", Active: true}
	r.Track(acct)
	sim.Seed("A", domain.Snapshot{AvailableFunds: 1000})
	seq := NewSequencer()

	feed := NewPushFeed(r, broker.NewRegistry(sim), seq, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, []domain.AccountMeta{acct}) }()

	// The stream registers asynchronously; place until its fill lands.
	require.Eventually(t, func() bool {
		if len(r.Positions("A")) > 0 {
			return true
		}
		_, _ = sim.PlaceOrder(ctx, acct, broker.Order{InstrumentID: "X", Side: domain.SideBuy, Quantity: 1})
		return false
	}, time.Second, 5*time.Millisecond)

	a, _ := r.Account("A")
	assert.Equal(t, seq.Last("A"), a.Sequence)
	assert.Less(t, a.AvailableFunds, 1000.0)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(time.Second, time.Minute, 0))
	assert.Equal(t, 4*time.Second, backoff(time.Second, time.Minute, 2))
	assert.Equal(t, time.Minute, backoff(time.Second, time.Minute, 10))
}
