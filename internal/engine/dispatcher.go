package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
	"tradedesk/internal/scatter"
)

// DispatchOptions bounds one fan-out.
type DispatchOptions struct {
	Concurrency    int
	AccountTimeout time.Duration
	Deadline       time.Duration
}

// Dispatcher fans one request out to every target account concurrently and
// aggregates the outcomes. One account's failure, timeout or panic never
// affects another's entry.
type Dispatcher struct {
	exec *Executor
	risk *RiskManager
	opts DispatchOptions
	log  *slog.Logger
	now  func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(exec *Executor, risk *RiskManager, opts DispatchOptions, log *slog.Logger) *Dispatcher {
	if opts.AccountTimeout <= 0 {
		opts.AccountTimeout = 10 * time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		exec: exec,
		risk: risk,
		opts: opts,
		log:  log.With("component", "dispatcher"),
		now:  time.Now,
	}
}

// Execute validates req and, if valid, dispatches it. Validation failures
// return a *domain.ValidationError and nothing is dispatched. Otherwise the
// result holds exactly one entry per requested account, in request order,
// even when the overall deadline cut dispatch short.
func (d *Dispatcher) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if err := Validate(req, d.risk); err != nil {
		return domain.ExecutionResult{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	result := domain.ExecutionResult{
		RequestID: req.ID,
		Intent:    req.Intent,
		StartedAt: d.now(),
	}

	opts := scatter.Options{
		Concurrency: d.opts.Concurrency,
		TaskTimeout: d.opts.AccountTimeout,
		Deadline:    d.opts.Deadline,
	}
	outcomes := scatter.Gather(ctx, req.Targets, opts, func(ctx context.Context, t domain.Target) (domain.ExecutionEntry, error) {
		return d.exec.Execute(ctx, req.ID, req.Intent, t, req.Exit)
	})

	entries := make([]domain.ExecutionEntry, 0, len(req.Targets))
	for i, o := range outcomes {
		t := req.Targets[i]
		if o.Err != nil {
			entry := o.Value
			if entry.AccountID == "" {
				entry = domain.ExecutionEntry{AccountID: t.AccountID, Side: t.Side, Quantity: t.Quantity}
				if entry.Side == "" {
					entry.Side = req.Intent.Side
				}
			}
			entry.Status, entry.Error = classify(o.Err)
			entries = append(entries, entry)
			continue
		}
		entries = append(entries, o.Value)
	}
	result.Entries = mergeUnresolved(entries, req)
	result.FinishedAt = d.now()
	result.Tally()
	d.log.Info("request dispatched",
		"request", req.ID,
		"instrument", req.Intent.InstrumentID,
		"accounts", len(result.Entries),
		"submitted", result.Submitted,
		"rejected", result.Rejected,
		"errors", result.Errors,
		"elapsed", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

// mergeUnresolved places each unresolved account at its Index and the
// target entries, in order, in the remaining slots.
func mergeUnresolved(targets []domain.ExecutionEntry, req domain.ExecutionRequest) []domain.ExecutionEntry {
	if len(req.Unresolved) == 0 {
		return targets
	}
	n := len(targets) + len(req.Unresolved)
	out := make([]domain.ExecutionEntry, n)
	taken := make([]bool, n)
	var late []domain.ExecutionEntry
	for _, u := range req.Unresolved {
		reason := u.Reason
		if reason == nil {
			reason = domain.ErrNoOpenPosition
		}
		entry := domain.ExecutionEntry{AccountID: u.AccountID, Side: req.Intent.Side}
		entry.Status, entry.Error = classify(reason)
		if u.Index >= 0 && u.Index < n && !taken[u.Index] {
			out[u.Index] = entry
			taken[u.Index] = true
			continue
		}
		late = append(late, entry)
	}
	slot := 0
	for _, e := range append(targets, late...) {
		for taken[slot] {
			slot++
		}
		out[slot] = e
		taken[slot] = true
	}
	return out
}
