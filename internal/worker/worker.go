// Package worker evaluates submissions asynchronously from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/semaphore"
)

// Evaluator runs the evaluation pipeline. *pipeline.Pipeline satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, sub *domain.Submission) (*domain.FraudAssessment, error)
	Rescore(ctx context.Context, submissionID, assessmentID string) (*domain.FraudAssessment, error)
}

// Recorder stores an ingested submission so later evaluations can see it.
// *history.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, sub *domain.Submission) error
}

// Worker consumes ingestion and rescore requests from the EventBus.
type Worker struct {
	bus       domain.EventBus
	recorder  Recorder
	evaluator Evaluator
	sem       *semaphore.Weighted

	processed atomic.Int64
	failed    atomic.Int64

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount bounds how many messages are evaluated concurrently.
	WorkerCount int
}

// NewWorker creates a new async worker. recorder may be nil when
// submissions are stored by the publisher.
func NewWorker(bus domain.EventBus, recorder Recorder, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		recorder:  recorder,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion and rescore topics.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	w.sem = semaphore.NewWeighted(int64(cfg.WorkerCount))

	handlers := map[string]func(context.Context, *domain.Message) error{
		domain.TopicSubmissionIngested: w.processSubmission,
		domain.TopicRescoreRequested:   w.processRescore,
	}
	for _, topic := range []string{domain.TopicSubmissionIngested, domain.TopicRescoreRequested} {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.dispatch(handlers[topic]))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	slog.Info("workers started",
		"worker_count", cfg.WorkerCount,
		"topics", []string{domain.TopicSubmissionIngested, domain.TopicRescoreRequested},
	)
	return nil
}

// dispatch hands each message to a bounded pool so a slow evaluation does
// not stall the subscription.
func (w *Worker) dispatch(handle func(context.Context, *domain.Message) error) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			return err
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			if err := handle(w.ctx, msg); err != nil {
				w.failed.Add(1)
				slog.Error("message processing failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
				return
			}
			w.processed.Add(1)
		}()
		return nil
	}
}

// processSubmission records an ingested submission and evaluates it.
func (w *Worker) processSubmission(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sub domain.Submission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		return fmt.Errorf("parse submission message: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	slog.Debug("processing submission",
		"submission_id", sub.ID,
		"enumerator_id", sub.EnumeratorID,
		"message_id", msg.ID,
	)

	if w.recorder != nil {
		if err := w.recorder.Record(ctx, &sub); err != nil {
			return fmt.Errorf("record submission %s: %w", sub.ID, err)
		}
	}

	a, err := w.evaluator.Evaluate(ctx, &sub)
	if err != nil {
		return fmt.Errorf("evaluate submission %s: %w", sub.ID, err)
	}

	slog.Info("submission processed",
		"submission_id", sub.ID,
		"assessment_id", a.ID,
		"severity", a.Severity,
		"score", a.CompositeScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processRescore re-evaluates a stored submission on request.
func (w *Worker) processRescore(ctx context.Context, msg *domain.Message) error {
	var req domain.RescoreRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("parse rescore message: %w", err)
	}
	if req.SubmissionID == "" {
		return fmt.Errorf("%w: rescore request without submission id", domain.ErrInvalidInput)
	}

	a, err := w.evaluator.Rescore(ctx, req.SubmissionID, req.AssessmentID)
	if err != nil {
		return fmt.Errorf("rescore submission %s: %w", req.SubmissionID, err)
	}

	slog.Info("submission rescored",
		"submission_id", req.SubmissionID,
		"assessment_id", a.ID,
		"pinned_to", req.AssessmentID,
		"requested_by", req.RequestedBy,
		"severity", a.Severity,
	)
	return nil
}

// Stop gracefully stops all workers and waits for in-flight evaluations.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
