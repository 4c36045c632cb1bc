package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
)

// PushFeed subscribes to broker event streams and turns events into
// StateUpdates stamped at receipt time. Streams follow the account
// lifecycle: Ensure starts one for an account activated while running and
// stops it on deactivation.
type PushFeed struct {
	rec     *Reconciler
	brokers *broker.Registry
	seq     *Sequencer
	log     *slog.Logger

	// Reconnect backoff for failed broker streams.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Resync, when set, is asked to refresh an account after a fill that
	// does not report the resulting position.
	Resync func(ctx context.Context, accountID string)

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	streams map[string]context.CancelFunc
	pending map[string]domain.AccountMeta // Ensure calls made before Run
	wg      sync.WaitGroup
}

// NewPushFeed creates a PushFeed.
func NewPushFeed(rec *Reconciler, brokers *broker.Registry, seq *Sequencer, log *slog.Logger) *PushFeed {
	if log == nil {
		log = slog.Default()
	}
	return &PushFeed{
		rec:       rec,
		brokers:   brokers,
		seq:       seq,
		log:       log.With("component", "push"),
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		streams:   make(map[string]context.CancelFunc),
		pending:   make(map[string]domain.AccountMeta),
	}
}

// Handle applies one broker event and reports whether it was accepted.
func (f *PushFeed) Handle(evt broker.Event) bool {
	if evt.AccountID == "" {
		return false
	}
	u := domain.StateUpdate{
		AccountID:  evt.AccountID,
		Sequence:   f.seq.Next(evt.AccountID),
		Origin:     domain.OriginPush,
		Delta:      evt.Delta,
		ObservedAt: time.Now(),
	}
	if evt.Fill != nil {
		u.Fills = []domain.Fill{*evt.Fill}
	}
	return f.rec.Apply(u)
}

// Run streams events for the given accounts, and for any account later
// passed to Ensure, until ctx is done. Failed streams are reopened with
// capped exponential backoff.
func (f *PushFeed) Run(ctx context.Context, accounts []domain.AccountMeta) error {
	f.mu.Lock()
	if f.ctx != nil {
		f.mu.Unlock()
		return errors.New("push: already running")
	}
	f.ctx = ctx
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, acct := range accounts {
		if _, later := pending[acct.ID]; !later {
			f.Ensure(acct)
		}
	}
	for _, acct := range pending {
		f.Ensure(acct)
	}
	<-ctx.Done()

	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.wg.Wait()
	return ctx.Err()
}

// Ensure makes the account's stream match its metadata: an active account
// with a push-capable broker gets a stream, an inactive one loses it. It
// reports whether a stream runs for the account afterwards. Calls made
// before Run are applied when it starts; after Run returns, Ensure does
// nothing.
func (f *PushFeed) Ensure(acct domain.AccountMeta) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx == nil {
		f.pending[acct.ID] = acct
		return false
	}
	if f.stopped || f.ctx.Err() != nil {
		return false
	}

	cancel, running := f.streams[acct.ID]
	if !acct.Active {
		if running {
			cancel()
			delete(f.streams, acct.ID)
			f.log.Info("push stream stopped", "account", acct.ID)
		}
		return false
	}
	if running {
		return true
	}

	client, err := f.brokers.For(acct)
	if err != nil {
		f.log.Warn("no broker for account", "account", acct.ID, "error", err)
		return false
	}
	src, ok := client.(broker.PushSource)
	if !ok {
		return false
	}
	sctx, cancel := context.WithCancel(f.ctx)
	f.streams[acct.ID] = cancel
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.stream(sctx, src, acct)
	}()
	f.log.Info("push stream started", "account", acct.ID, "broker", client.Name())
	return true
}

// Streaming returns the ids of accounts with a running stream, sorted.
func (f *PushFeed) Streaming() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.streams))
	for id := range f.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *PushFeed) stream(ctx context.Context, src broker.PushSource, acct domain.AccountMeta) {
	attempt := 0
	for {
		start := time.Now()
		err := src.Stream(ctx, acct, func(evt broker.Event) {
			if evt.AccountID == "" {
				evt.AccountID = acct.ID
			}
			if f.Handle(evt) && evt.Fill != nil && evt.Fill.PositionQty == nil && f.Resync != nil {
				f.wg.Add(1)
				go func() {
					defer f.wg.Done()
					f.Resync(ctx, acct.ID)
				}()
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			f.log.Warn("push stream ended", "account", acct.ID, "error", err)
		}
		// A stream that stayed up for a while starts over from the base delay.
		if time.Since(start) > f.MaxDelay {
			attempt = 0
		}
		delay := backoff(f.BaseDelay, f.MaxDelay, attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
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
