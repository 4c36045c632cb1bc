package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/channel"
)

// Received is a message as decoded on the observer side.
type Received struct {
	Type      broadcast.MessageType `json:"type"`
	SubjectID string                `json:"subject_id,omitempty"`
	Sequence  uint64                `json:"sequence,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
}

// Watcher keeps a remote subscription alive over a channel.Channel. On
// every (re)connect it resubscribes and asks for a snapshot; a behind
// notice triggers another snapshot. Messages older than the last one seen
// for the same type and subject are dropped.
type Watcher struct {
	subjects []string
	handle   func(Received)
	log      *slog.Logger
	ch       *channel.Channel

	mu   sync.Mutex
	last map[string]uint64
}

// NewWatcher creates a Watcher. handle is called from the connection reader
// and must not block for long.
func NewWatcher(dialer channel.Dialer, subjects []string, opts channel.Options, handle func(Received), onState func(channel.State, error)) *Watcher {
	w := &Watcher{
		subjects: subjects,
		handle:   handle,
		log:      opts.Log,
		last:     make(map[string]uint64),
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.ch = channel.New(dialer, channel.Handler{
		OnOpen:    w.onOpen,
		OnMessage: w.onMessage,
		OnState:   onState,
	}, opts)
	return w
}

// Start begins connecting.
func (w *Watcher) Start(ctx context.Context) { w.ch.Start(ctx) }

// Close stops the watcher for good.
func (w *Watcher) Close() error { return w.ch.Close() }

// Done is closed once the watcher is closed or exhausted its retries.
func (w *Watcher) Done() <-chan struct{} { return w.ch.Done() }

// Err reports channel.ErrChannelExhausted after exhaustion.
func (w *Watcher) Err() error { return w.ch.Err() }

func (w *Watcher) onOpen(c *channel.Channel) {
	// A new connection may be to a restarted server whose sequences
	// started over.
	w.mu.Lock()
	w.last = make(map[string]uint64)
	w.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.control(ctx, c, Control{Action: ActionSubscribe, Subjects: w.subjects})
		w.control(ctx, c, Control{Action: ActionSnapshot})
	}()
}

func (w *Watcher) control(ctx context.Context, c *channel.Channel, ctl Control) {
	data, _ := json.Marshal(ctl)
	if err := c.Send(ctx, data); err != nil {
		w.log.Debug("control frame not sent", "action", ctl.Action, "error", err)
	}
}

func (w *Watcher) onMessage(data []byte) {
	var msg Received
	if err := json.Unmarshal(data, &msg); err != nil {
		w.log.Debug("undecodable message", "error", err)
		return
	}
	if msg.Type == broadcast.TypeBehind {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			w.control(ctx, w.ch, Control{Action: ActionSnapshot})
		}()
	}
	if !w.accept(msg) {
		return
	}
	if w.handle != nil {
		w.handle(msg)
	}
}

func (w *Watcher) accept(msg Received) bool {
	if msg.Sequence == 0 {
		return true
	}
	key := string(msg.Type) + "/" + msg.SubjectID
	w.mu.Lock()
	defer w.mu.Unlock()
	if msg.Sequence <= w.last[key] {
		return false
	}
	w.last[key] = msg.Sequence
	return true
}
