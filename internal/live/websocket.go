// Package live carries broadcast messages to remote observers over
// websocket and gRPC, and dials those streams from the client side.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/channel"
	"tradedesk/internal/domain"
)

// Control frame actions sent by observers.
const (
	ActionSubscribe = "subscribe"
	ActionSnapshot  = "snapshot"
)

// Control is a client-to-server frame.
type Control struct {
	Action   string   `json:"action"`
	Subjects []string `json:"subjects,omitempty"`
}

// StateSource supplies the current state for snapshot requests.
type StateSource interface {
	Accounts() []domain.Account
	Positions(id string) []domain.Position
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsMaxFrame     = 64 << 10
)

// WSServer serves the push stream over websocket. Each connection gets its
// own broadcast subscription; subjects may be preset with ?subjects=a,b.
type WSServer struct {
	hub      *broadcast.Broadcaster
	state    StateSource
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSServer creates a websocket handler.
func NewWSServer(hub *broadcast.Broadcaster, state StateSource, log *slog.Logger) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		hub:   hub,
		state: state,
		log:   log.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and pumps messages until either side
// goes away.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(splitSubjects(r.URL.Query().Get("subjects")))
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots := make(chan struct{}, 1)
	go s.readControl(ctx, cancel, conn, sub, snapshots)

	msgs := make(chan broadcast.Message)
	go func() {
		defer close(msgs)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.log.Info("observer connected", "remote", r.RemoteAddr, "sub", sub.ID)
	defer s.log.Info("observer disconnected", "remote", r.RemoteAddr, "sub", sub.ID, "dropped", sub.Dropped())

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshots:
			for _, msg := range broadcast.Snapshot(sub, s.state.Accounts(), s.state.Positions) {
				if !sub.Admit(msg) {
					continue
				}
				if err := writeJSON(conn, msg); err != nil {
					return
				}
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if !sub.Admit(msg) {
				continue
			}
			if err := writeJSON(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readControl handles inbound frames. It owns the read side of conn and
// cancels the connection on any read error.
func (s *WSServer) readControl(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *broadcast.Subscription, snapshots chan<- struct{}) {
	defer cancel()
	conn.SetReadLimit(wsMaxFrame)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for ctx.Err() == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var c Control
		if err := json.Unmarshal(data, &c); err != nil {
			s.log.Debug("bad control frame", "sub", sub.ID, "error", err)
			continue
		}
		switch c.Action {
		case ActionSubscribe:
			sub.SetInterest(c.Subjects)
		case ActionSnapshot:
			select {
			case snapshots <- struct{}{}:
			default: // one already pending
			}
		default:
			s.log.Debug("unknown control action", "sub", sub.ID, "action", c.Action)
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func splitSubjects(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// WSDialer dials the push stream for a channel.Channel.
type WSDialer struct {
	URL    string
	Header http.Header
}

var _ channel.Dialer = WSDialer{}

// Dial opens one websocket connection.
func (d WSDialer) Dial(ctx context.Context) (channel.Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}
	c.SetReadLimit(wsMaxFrame * 16)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex // gorilla allows one concurrent writer
}

// Recv reads the next text or binary frame. Close unblocks a pending Recv.
func (w *wsConn) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.c.SetWriteDeadline(deadline)
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.c.Close()
}
