// Package dispatch runs calls to external collaborators (the repository and
// the event bus) off the claim path. Each job is attempted at most once per
// id, bounded by a per-call deadline and rate limited. Only errors marked
// transient are retried, with exponential backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/telemetry"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyDispatched is returned when a job id has been seen before.
	ErrAlreadyDispatched = errors.New("job already dispatched")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("dispatcher stopped")

	// ErrQueueFull is returned by Submit when the job's queue has no room.
	ErrQueueFull = errors.New("dispatch queue full")
)

// dedupeTTL bounds how long a job id is remembered.
const dedupeTTL = 24 * time.Hour

// Job is one collaborator call.
type Job struct {
	// ID makes the job at-most-once; an empty ID disables deduplication.
	ID string

	// Jobs with the same Key run one at a time in submission order.
	Key string

	Collaborator string
	Operation    string
	Do           func(ctx context.Context) error
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Dispatcher executes jobs on a fixed pool of workers, each draining its own
// queue.
type Dispatcher struct {
	cache       domain.Cache
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	mu      sync.RWMutex
	queues  []chan Job
	next    atomic.Uint64
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBackOff replaces the retry schedule.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(d *Dispatcher) { d.newBackOff = f }
}

// WithMetrics records failed jobs.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher. A nil cache disables deduplication.
func New(cfg domain.DispatchConfig, cache domain.Cache, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RatePerSec))
	}

	d := &Dispatcher{
		cache:       cache,
		limiter:     rate.NewLimiter(limit, burst),
		timeout:     cfg.Timeout,
		maxAttempts: uint(cfg.MaxAttempts),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: slog.Default(),
		queues: make([]chan Job, cfg.Workers),
	}
	perWorker := max(1, cfg.QueueSize/cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan Job, perWorker)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool. Jobs run under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, queue := range d.queues {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for job := range queue {
				if err := d.Call(ctx, job); err != nil && !errors.Is(err, ErrAlreadyDispatched) {
					d.logger.Error("dispatch failed",
						"job_id", job.ID,
						"collaborator", job.Collaborator,
						"operation", job.Operation,
						"error", err,
					)
				}
			}
		}()
	}
}

// Submit queues a job without blocking. When the job's queue is full the job
// is dropped, counted as a dispatch error and ErrQueueFull is returned.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queues[d.queueFor(job.Key)] <- job:
		return nil
	default:
		d.metrics.DispatchDropped(ctx, job.Collaborator)
		return ErrQueueFull
	}
}

// queueFor hashes key onto a worker queue. Jobs without a key are spread
// round robin.
func (d *Dispatcher) queueFor(key string) int {
	n := uint64(len(d.queues))
	if key == "" {
		return int(d.next.Add(1) % n)
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % n)
}

// Call runs job synchronously. A call that misses its deadline returns
// *domain.ExternalCollaboratorTimeoutError and is not retried.
func (d *Dispatcher) Call(ctx context.Context, job Job) error {
	if job.ID != "" && d.cache != nil {
		first, err := d.cache.SetIfAbsent(ctx, "dispatch:"+job.ID, []byte(job.Operation), dedupeTTL)
		if err != nil {
			return fmt.Errorf("dedupe %s: %w", job.ID, err)
		}
		if !first {
			return ErrAlreadyDispatched
		}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := d.attempt(ctx, job)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsTransient(err):
			d.logger.Warn("collaborator call failed, retrying",
				"job_id", job.ID,
				"collaborator", job.Collaborator,
				"error", err,
			)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(d.maxAttempts),
	)
	if err != nil {
		d.metrics.DispatchError(ctx, job.Collaborator, errors.Is(err, domain.ErrCollaboratorTimeout))
	}
	return err
}

func (d *Dispatcher) attempt(ctx context.Context, job Job) error {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- job.Do(callCtx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return d.timeoutError(job)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.timeoutError(job)
	}
}

func (d *Dispatcher) timeoutError(job Job) error {
	return &domain.ExternalCollaboratorTimeoutError{
		Collaborator: job.Collaborator,
		Operation:    job.Operation,
		Timeout:      d.timeout,
	}
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Stop rejects new jobs and waits for queued ones to finish or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}
