package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/scatter"
	"tradedesk/internal/util"
)

// Recorder receives the accounts refreshed by one bulk poll, e.g. to append
// them to a history archive.
type Recorder interface {
	RecordSnapshots(ctx context.Context, accounts []domain.Account) error
}

// PollOptions configures the bulk refresh loop.
type PollOptions struct {
	MarketInterval   time.Duration
	OffHoursInterval time.Duration
	Concurrency      int
	Timeout          time.Duration // per account
	Deadline         time.Duration // per bulk refresh
	Retries          int
	RetryDelay       time.Duration
	RateLimitPerMin  int
}

func (o PollOptions) withDefaults() PollOptions {
	if o.MarketInterval <= 0 {
		o.MarketInterval = 5 * time.Minute
	}
	if o.OffHoursInterval <= 0 {
		o.OffHoursInterval = 30 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Deadline <= 0 {
		o.Deadline = time.Minute
	}
	if o.Retries <= 0 {
		o.Retries = 1
	}
	return o
}

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	Total   int               `json:"total"`
	Updated int               `json:"updated"`
	Stale   int               `json:"stale"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Poller periodically fetches snapshot and positions for every active
// account and feeds them to the Reconciler.
type Poller struct {
	rec      *Reconciler
	brokers  *broker.Registry
	seq      *Sequencer
	cal      *util.TradingCalendar
	recorder Recorder
	limiter  *util.RateLimiter
	opts     PollOptions
	log      *slog.Logger
	now      func() time.Time

	// Serializes bulk passes so manual and periodic refreshes don't overlap.
	runMu sync.Mutex
}

// NewPoller creates a Poller. cal and recorder may be nil; without a
// calendar the market interval is always used.
func NewPoller(rec *Reconciler, brokers *broker.Registry, seq *Sequencer, cal *util.TradingCalendar, recorder Recorder, opts PollOptions, log *slog.Logger) *Poller {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		rec:      rec,
		brokers:  brokers,
		seq:      seq,
		cal:      cal,
		recorder: recorder,
		limiter:  util.NewRateLimiter(opts.RateLimitPerMin, opts.Concurrency),
		opts:     opts,
		log:      log.With("component", "poller"),
		now:      time.Now,
	}
}

// Interval returns the refresh interval in effect at t.
func (p *Poller) Interval(t time.Time) time.Duration {
	if p.cal == nil {
		return p.opts.MarketInterval
	}
	if !p.cal.IsMarketOpen(t) {
		return clampUntil(p.opts.OffHoursInterval, t, p.cal.NextOpen(t))
	}
	return clampUntil(p.opts.MarketInterval, t, p.cal.NextClose(t))
}

// clampUntil shortens d so the next tick lands no later than the session
// boundary at edge. A zero edge leaves d unchanged.
func clampUntil(d time.Duration, t, edge time.Time) time.Duration {
	if edge.IsZero() {
		return d
	}
	if until := edge.Sub(t); until > 0 && until < d {
		return until
	}
	return d
}

// Run refreshes immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		report := p.RefreshAll(ctx)
		p.log.Info("bulk refresh done",
			"total", report.Total,
			"updated", report.Updated,
			"stale", report.Stale,
			"errors", len(report.Errors),
		)

		interval := p.Interval(p.now())
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RefreshAll refreshes every active account.
func (p *Poller) RefreshAll(ctx context.Context) RefreshReport {
	return p.refresh(ctx, p.rec.Active())
}

// RefreshNow refreshes the given accounts immediately, or every active
// account when ids is empty. Unknown ids are reported as errors.
func (p *Poller) RefreshNow(ctx context.Context, ids []string) RefreshReport {
	if len(ids) == 0 {
		return p.RefreshAll(ctx)
	}
	var metas []domain.AccountMeta
	missing := make(map[string]string)
	for _, id := range ids {
		acct, ok := p.rec.Account(id)
		if !ok {
			missing[id] = domain.ErrUnknownAccount.Error()
			continue
		}
		metas = append(metas, acct.AccountMeta)
	}
	report := p.refresh(ctx, metas)
	report.Total += len(missing)
	if len(missing) > 0 && report.Errors == nil {
		report.Errors = make(map[string]string)
	}
	for id, msg := range missing {
		report.Errors[id] = msg
	}
	return report
}

type pollResult struct {
	applied bool
}

func (p *Poller) refresh(ctx context.Context, accounts []domain.AccountMeta) RefreshReport {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	report := RefreshReport{Total: len(accounts)}
	if len(accounts) == 0 {
		return report
	}

	opts := scatter.Options{
		Concurrency: p.opts.Concurrency,
		TaskTimeout: p.opts.Timeout,
		Deadline:    p.opts.Deadline,
	}
	outcomes := scatter.Gather(ctx, accounts, opts, p.pollOne)

	var refreshed []domain.Account
	for i, o := range outcomes {
		id := accounts[i].ID
		switch {
		case o.Err != nil:
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[id] = o.Err.Error()
			p.log.Warn("refresh failed", "account", id, "error", o.Err)
		case o.Value.applied:
			report.Updated++
			if acct, ok := p.rec.Account(id); ok {
				refreshed = append(refreshed, acct)
			}
		default:
			report.Stale++
		}
	}

	if p.recorder != nil && len(refreshed) > 0 {
		if err := p.recorder.RecordSnapshots(ctx, refreshed); err != nil {
			p.log.Warn("recording snapshots", "error", err)
		}
	}
	return report
}

// pollOne takes the sequence before issuing the fetch, so that push events
// received while the fetch is in flight supersede it.
func (p *Poller) pollOne(ctx context.Context, account domain.AccountMeta) (pollResult, error) {
	client, err := p.brokers.For(account)
	if err != nil {
		return pollResult{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return pollResult{}, err
	}

	observed := p.now()
	seq := p.seq.Next(account.ID)

	var snap domain.Snapshot
	var positions []domain.Position
	err = util.Retry(ctx, p.opts.Retries, p.opts.RetryDelay, func() error {
		var ferr error
		snap, ferr = client.FetchSnapshot(ctx, account)
		if ferr != nil {
			return ferr
		}
		positions, ferr = client.FetchPositions(ctx, account)
		return ferr
	})
	if err != nil {
		return pollResult{}, err
	}

	applied := p.rec.Apply(domain.StateUpdate{
		AccountID:        account.ID,
		Sequence:         seq,
		Origin:           domain.OriginPoll,
		Snapshot:         &snap,
		ReplacePositions: true,
		Positions:        positions,
		ObservedAt:       observed,
	})
	return pollResult{applied: applied}, nil
}
