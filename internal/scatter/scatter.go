// Package scatter runs one task per item concurrently and gathers every
// outcome, with a concurrency bound, a per-task timeout and an overall
// deadline.
package scatter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrDeadlineExceeded marks items still pending when the overall
	// deadline elapsed.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrTaskTimeout marks a task that ran past its own timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrPanic wraps a recovered panic from a task.
	ErrPanic = errors.New("task panicked")
)

// Options bounds a Gather call. Zero values mean unbounded.
type Options struct {
	Concurrency int
	TaskTimeout time.Duration
	Deadline    time.Duration
}

// Outcome is the result of one task.
type Outcome[R any] struct {
	Value   R
	Err     error
	Elapsed time.Duration
}

type indexed[R any] struct {
	idx int
	out Outcome[R]
}

// Gather calls fn once per item and returns outcomes in input order. It
// returns when every task has finished or the deadline elapsed, whichever
// comes first; tasks still running or waiting for a slot at that moment get
// ErrDeadlineExceeded (or the parent context's error if ctx was cancelled).
// A task that overruns TaskTimeout gets ErrTaskTimeout even if fn ignores
// its context; its goroutine is abandoned and its eventual result dropped.
func Gather[T, R any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) (R, error)) []Outcome[R] {
	out := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return out
	}

	gctx, cancel := withTimeout(ctx, opts.Deadline)
	defer cancel()

	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrDeadlineExceeded
	}

	limit := opts.Concurrency
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	sem := semaphore.NewWeighted(int64(limit))

	// Buffered so that no task blocks on send after Gather returned.
	results := make(chan indexed[R], len(items))
	for i, item := range items {
		go func() {
			if err := sem.Acquire(gctx, 1); err != nil {
				results <- indexed[R]{idx: i, out: Outcome[R]{Err: expired()}}
				return
			}
			defer sem.Release(1)
			results <- indexed[R]{idx: i, out: runOne(gctx, item, opts.TaskTimeout, expired, fn)}
		}()
	}

	done := make([]bool, len(items))
	pending := len(items)
	for pending > 0 {
		select {
		case r := <-results:
			out[r.idx] = r.out
			done[r.idx] = true
			pending--
		case <-gctx.Done():
			// Keep whatever already finished.
			for drained := false; !drained; {
				select {
				case r := <-results:
					out[r.idx] = r.out
					done[r.idx] = true
				default:
					drained = true
				}
			}
			err := expired()
			for i := range out {
				if !done[i] {
					out[i] = Outcome[R]{Err: err}
				}
			}
			return out
		}
	}
	return out
}

func runOne[T, R any](ctx context.Context, item T, timeout time.Duration, expired func() error, fn func(context.Context, T) (R, error)) Outcome[R] {
	tctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan Outcome[R], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Outcome[R]{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(tctx, item)
		ch <- Outcome[R]{Value: v, Err: err}
	}()

	select {
	case o := <-ch:
		o.Elapsed = time.Since(start)
		if o.Err != nil && errors.Is(o.Err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				o.Err = expired()
			} else {
				o.Err = fmt.Errorf("%w: %w", ErrTaskTimeout, o.Err)
			}
		}
		return o
	case <-tctx.Done():
		err := ErrTaskTimeout
		if ctx.Err() != nil {
			err = expired()
		}
		return Outcome[R]{Err: err, Elapsed: time.Since(start)}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
