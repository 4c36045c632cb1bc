// Package channel implements the observer side of the push stream: a
// transport-agnostic connection that reconnects with capped exponential
// backoff and gives up after a bounded number of consecutive failures.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrChannelExhausted is surfaced once max attempts consecutive
	// reconnections failed. The channel is CLOSED and will not retry.
	ErrChannelExhausted = errors.New("channel: reconnect attempts exhausted")
	// ErrChannelDisconnected is returned by Send while not OPEN.
	ErrChannelDisconnected = errors.New("channel: disconnected")
)

// State is the connection state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateBackoff:
		return "BACKOFF"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is one established transport connection.
type Conn interface {
	// Recv blocks for the next message. Any error ends the connection.
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Timer is the subset of *time.Timer the channel needs.
type Timer interface {
	Stop() bool
}

// Clock schedules backoff timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Handler receives channel callbacks. OnState and OnOpen run on the event
// loop and must not block; OnMessage runs on the connection's reader.
type Handler struct {
	// OnOpen is called on every transition to OPEN. Owners use it to
	// (re)subscribe and request a full snapshot.
	OnOpen func(c *Channel)
	// OnMessage receives every inbound message.
	OnMessage func(data []byte)
	// OnState is called on every state change; err is set on the
	// transition to CLOSED by exhaustion.
	OnState func(s State, err error)
}

// Options configures a Channel.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Clock       Clock
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 3 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Delay returns the backoff before reconnect number attempt (0-based),
// base * 2^attempt capped at max.
func Delay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type event interface{}

type (
	dialDone struct {
		gen  int
		conn Conn
		err  error
	}
	connLost struct {
		gen int
		err error
	}
	timerFired struct{ gen int }
	closeReq   struct{}
)

// Channel is a reconnecting connection driven by a single event loop that
// owns all state transitions.
type Channel struct {
	dialer  Dialer
	handler Handler
	opts    Options
	log     *slog.Logger

	events chan event
	done   chan struct{}
	start  sync.Once
	stop   sync.Once

	// Loop-owned.
	gen     int
	attempt int
	timer   Timer
	cancel  context.CancelFunc

	mu    sync.RWMutex
	state State
	conn  Conn
	err   error
}

// New creates a Channel. Call Start to begin connecting.
func New(dialer Dialer, handler Handler, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		dialer:  dialer,
		handler: handler,
		opts:    opts,
		log:     opts.Log.With("component", "channel"),
		events:  make(chan event, 16),
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
}

// Start launches the event loop and the first dial. ctx bounds the whole
// channel; cancelling it is equivalent to Close.
func (c *Channel) Start(ctx context.Context) {
	c.start.Do(func() {
		go c.loop(ctx)
	})
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns ErrChannelExhausted after exhaustion, nil otherwise.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed when the channel reaches CLOSED.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send writes to the open connection.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()
	if state != StateOpen || conn == nil {
		return ErrChannelDisconnected
	}
	return conn.Send(ctx, data)
}

// Close moves the channel to CLOSED, cancelling any pending reconnect. It
// blocks until the event loop has exited.
func (c *Channel) Close() error {
	// Never started: nothing to stop.
	c.start.Do(func() {
		c.setState(StateClosed, nil)
		close(c.done)
	})
	c.stop.Do(func() {
		c.post(closeReq{})
	})
	<-c.done
	return nil
}

func (c *Channel) post(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()
	if prev != s || err != nil {
		c.log.Debug("channel state", "from", prev, "to", s, "attempt", c.attempt)
		if c.handler.OnState != nil {
			c.handler.OnState(s, err)
		}
	}
}

func (c *Channel) loop(ctx context.Context) {
	defer close(c.done)

	c.dial(ctx)
	for {
		var e event
		select {
		case <-ctx.Done():
			e = closeReq{}
		case e = <-c.events:
		}

		switch ev := e.(type) {
		case dialDone:
			if ev.gen != c.gen {
				if ev.conn != nil {
					ev.conn.Close()
				}
				continue
			}
			if ev.err != nil {
				c.log.Warn("dial failed", "attempt", c.attempt, "error", ev.err)
				if c.attempt >= c.opts.MaxAttempts {
					c.shutdown(ErrChannelExhausted)
					return
				}
				c.backoff()
				continue
			}
			c.open(ctx, ev.conn)

		case connLost:
			if ev.gen != c.gen {
				continue
			}
			c.log.Warn("connection lost", "error", ev.err)
			c.dropConn()
			c.backoff()

		case timerFired:
			if ev.gen != c.gen {
				continue
			}
			c.timer = nil
			c.dial(ctx)

		case closeReq:
			c.shutdown(nil)
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) {
	c.gen++
	gen := c.gen
	c.setState(StateConnecting, nil)
	go func() {
		dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
		conn, err := c.dialer.Dial(dctx)
		c.post(dialDone{gen: gen, conn: conn, err: err})
	}()
}

func (c *Channel) open(ctx context.Context, conn Conn) {
	c.attempt = 0
	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen, nil)

	gen := c.gen
	go func() {
		for {
			data, err := conn.Recv(rctx)
			if err != nil {
				c.post(connLost{gen: gen, err: err})
				return
			}
			if c.handler.OnMessage != nil {
				c.handler.OnMessage(data)
			}
		}
	}()

	if c.handler.OnOpen != nil {
		c.handler.OnOpen(c)
	}
}

func (c *Channel) backoff() {
	delay := Delay(c.opts.BaseDelay, c.opts.MaxDelay, c.attempt)
	c.attempt++
	c.gen++
	gen := c.gen
	c.setState(StateBackoff, nil)
	c.log.Info("reconnecting", "in", delay, "attempt", c.attempt)
	c.timer = c.opts.Clock.AfterFunc(delay, func() {
		c.post(timerFired{gen: gen})
	})
}

func (c *Channel) dropConn() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) shutdown(err error) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.dropConn()
	c.setState(StateClosed, err)
}
