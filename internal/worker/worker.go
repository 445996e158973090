// Package worker consumes claims published on the event bus and feeds them
// to the engine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/engine"
)

// Submitter scores one raw claim payload.
type Submitter interface {
	SubmitClaim(ctx context.Context, payload []byte) (engine.Outcome, error)
}

// Worker processes claims asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	submitter Submitter
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, submitter Submitter, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		submitter: submitter,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the claim intake topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicClaimIngested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("worker started", "topic", domain.TopicClaimIngested)
	return nil
}

// handleMessage scores one claim. Malformed claims and claims that are closed
// are dropped after logging. Other errors are returned to the bus, which logs
// them; the Kafka bus also retries the message before committing it.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	out, err := w.submitter.SubmitClaim(ctx, msg.Payload)
	switch {
	case errors.Is(err, domain.ErrMalformedInput), errors.Is(err, domain.ErrInvalidTransition):
		w.rejected.Add(1)
		w.logger.Warn("claim rejected",
			"message_id", msg.ID,
			"key", msg.Key,
			"error", err,
		)
		return nil
	case err != nil:
		w.failed.Add(1)
		w.logger.Error("claim processing failed",
			"message_id", msg.ID,
			"key", msg.Key,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	w.logger.Info("claim processed",
		"claim_id", out.ClaimID,
		"status", out.Status,
		"score", out.Score.CompositeScore,
		"action", out.Decision.Action,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	w.logger.Info("worker stopped")
	return errors.Join(errs...)
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
