package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/noticeguard/pkg/observability"
)

// ErrSaturated is returned when a Runner is already at its in-flight limit
var ErrSaturated = errors.New("async runner saturated")

// SafeGo executes fn in a goroutine with panic recovery and a timeout.
//
// The task context keeps the parent's values (request id, logger, trace) but
// not its cancellation, so work started on behalf of a request survives the
// response being written.
//
//	SafeGo(r.Context(), 2*time.Second, "permission cache fill", logger, func(ctx context.Context) error {
//	    return cache.Put(ctx, subject, snapshot, ttl)
//	})
func SafeGo(parent context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	go run(parent, timeout, taskName, logger, fn)
}

func run(parent context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()
	defer observability.RecoverPanic(logger, taskName)

	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Warn("background task failed")
	}
}

// Runner bounds the number of background tasks in flight and lets callers
// wait for them, e.g. before shutdown or in tests
type Runner struct {
	logger  *observability.Logger
	timeout time.Duration
	slots   chan struct{}
	wg      sync.WaitGroup

	started atomic.Int64
	dropped atomic.Int64
}

// RunnerStats is a snapshot of Runner counters
type RunnerStats struct {
	Started  int64 `json:"started"`
	Dropped  int64 `json:"dropped"`
	InFlight int   `json:"in_flight"`
}

// NewRunner creates a runner allowing at most maxInFlight concurrent tasks,
// each bounded by timeout
func NewRunner(logger *observability.Logger, maxInFlight int, timeout time.Duration) *Runner {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Runner{
		logger:  logger,
		timeout: timeout,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// Go starts fn unless the runner is saturated, in which case the task is
// dropped and ErrSaturated returned. It never blocks the caller.
func (r *Runner) Go(parent context.Context, taskName string, fn func(context.Context) error) error {
	select {
	case r.slots <- struct{}{}:
	default:
		r.dropped.Add(1)
		r.logger.WithField("task", taskName).Warn("background task dropped, runner saturated")
		return ErrSaturated
	}

	r.started.Add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		run(parent, r.timeout, taskName, r.logger, fn)
	}()
	return nil
}

// Wait blocks until every started task has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown waits for in-flight tasks up to the context deadline
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("async runner shutdown: %w", ctx.Err())
	}
}

// Stats returns the runner counters
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Started:  r.started.Load(),
		Dropped:  r.dropped.Load(),
		InFlight: len(r.slots),
	}
}

// Batch processes items with at most workers concurrent calls and returns
// every error encountered. A failing item does not cancel the others; a
// cancelled ctx stops items that have not started.
//
//	errs := Batch(ctx, subjects, 8, "cache warmup", time.Second, func(ctx context.Context, s string) error {
//	    return warm(ctx, s)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			record(fmt.Errorf("%s: %w", taskName, ctx.Err()))
			break
		}
		g.Go(func() error {
			defer func() {
				if perr := observability.AsError(recover()); perr != nil {
					record(fmt.Errorf("%s: %w", taskName, perr))
				}
			}()
			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
