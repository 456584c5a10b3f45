package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Log after Close
var ErrClosed = errors.New("audit: logger closed")

// maxPendingErrors bounds the async failures kept for Errors
const maxPendingErrors = 64

// MultiLogger fans security events out to several sinks. Every sink sees
// every event even when an earlier one fails.
type MultiLogger struct {
	loggers []Logger
	async   atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending []error
}

// NewMultiLogger creates a synchronous multi-logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// SetAsync switches between writing in the caller's goroutine and writing in
// the background. Background failures are collected for Errors.
func (m *MultiLogger) SetAsync(async bool) {
	m.async.Store(async)
}

// Log writes event to every sink
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(m.loggers) == 0 {
		return nil
	}
	if !m.async.Load() {
		var errs []error
		for _, l := range m.loggers {
			if err := l.Log(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	// late sinks still write after the request is cancelled
	ctx = context.WithoutCancel(ctx)
	for _, l := range m.loggers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := l.Log(ctx, event); err != nil {
				m.record(err)
			}
		}()
	}
	return nil
}

func (m *MultiLogger) record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) < maxPendingErrors {
		m.pending = append(m.pending, err)
	}
}

// Wait blocks until background writes finish
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors drains the failures of background writes
func (m *MultiLogger) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.pending
	m.pending = nil
	return errs
}

// Close refuses further events, waits for pending writes and closes every sink
func (m *MultiLogger) Close() error {
	m.closed.Store(true)
	m.wg.Wait()

	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}
