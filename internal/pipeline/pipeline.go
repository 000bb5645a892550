// Package pipeline runs one evaluation: pin a threshold snapshot, fan the
// submission out to the detectors, fuse the results, persist the assessment
// and notify subscribers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/composite"
	"github.com/opensource-finance/kestrel/internal/detectors"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Thresholds supplies pinned snapshots. *thresholds.Registry satisfies it.
type Thresholds interface {
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
	PinnedSnapshot(ctx context.Context, versions map[string]int) (*domain.Snapshot, error)
}

// Store is the persistence the pipeline needs.
type Store interface {
	GetSubmission(ctx context.Context, id string) (*domain.Submission, error)
	SaveAssessment(ctx context.Context, a *domain.FraudAssessment) error
	GetAssessment(ctx context.Context, id string) (*domain.FraudAssessment, error)
}

// Options tune the pipeline.
type Options struct {
	DetectorTimeout time.Duration // per detector; zero means no deadline
	Logger          *slog.Logger
}

// Pipeline evaluates submissions. It is safe for concurrent use.
type Pipeline struct {
	detectors  []detectors.Detector
	thresholds Thresholds
	scorer     *composite.Scorer
	store      Store
	bus        domain.EventBus
	opts       Options
	logger     *slog.Logger
}

// New creates a pipeline. bus may be nil.
func New(dets []detectors.Detector, thresholds Thresholds, store Store, bus domain.EventBus, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		detectors:  dets,
		thresholds: thresholds,
		scorer:     composite.NewScorer(),
		store:      store,
		bus:        bus,
		opts:       opts,
		logger:     logger,
	}
}

// run flags recorded in assessment metadata.
type runMode struct {
	rescore bool
	pinned  bool
}

// Evaluate scores a submission against the active thresholds. Detector
// faults and snapshot failures degrade the verdict instead of failing it:
// an assessment is returned whenever sub is well-formed, even if persisting
// it failed (the error is returned alongside).
func (p *Pipeline) Evaluate(ctx context.Context, sub *domain.Submission) (*domain.FraudAssessment, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("%w: submission id is required", domain.ErrInvalidInput)
	}
	snap, snapErr := p.snapshot(ctx)
	return p.run(ctx, sub, snap, snapErr, runMode{})
}

// EvaluateWithSnapshot scores a submission against a caller-supplied snapshot.
func (p *Pipeline) EvaluateWithSnapshot(ctx context.Context, sub *domain.Submission, snap *domain.Snapshot) (*domain.FraudAssessment, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("%w: submission id is required", domain.ErrInvalidInput)
	}
	return p.run(ctx, sub, snap, nil, runMode{pinned: true})
}

// Rescore re-evaluates a stored submission as a new, independent run. When
// assessmentID is set, the thresholds that assessment used are pinned so
// the verdict can be reproduced; otherwise the active thresholds apply.
func (p *Pipeline) Rescore(ctx context.Context, submissionID, assessmentID string) (*domain.FraudAssessment, error) {
	sub, err := p.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", submissionID, err)
	}

	if assessmentID == "" {
		snap, snapErr := p.snapshot(ctx)
		return p.run(ctx, sub, snap, snapErr, runMode{rescore: true})
	}

	prev, err := p.store.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load assessment %s: %w", assessmentID, err)
	}
	if prev.SubmissionID != submissionID {
		return nil, fmt.Errorf("%w: assessment %s belongs to submission %s", domain.ErrInvalidInput, assessmentID, prev.SubmissionID)
	}
	snap, err := p.thresholds.PinnedSnapshot(ctx, prev.ThresholdVersionsUsed)
	if err != nil {
		return nil, fmt.Errorf("pin thresholds of %s: %w", assessmentID, err)
	}
	return p.run(ctx, sub, snap, nil, runMode{rescore: true, pinned: true})
}

// snapshot retries once on a race; any remaining error degrades the run.
func (p *Pipeline) snapshot(ctx context.Context) (*domain.Snapshot, error) {
	snap, err := p.thresholds.Snapshot(ctx)
	if errors.Is(err, domain.ErrSnapshotRace) {
		p.logger.Warn("threshold snapshot race, retrying", "error", err)
		snap, err = p.thresholds.Snapshot(ctx)
	}
	return snap, err
}

func (p *Pipeline) run(ctx context.Context, sub *domain.Submission, snap *domain.Snapshot, snapErr error, mode runMode) (*domain.FraudAssessment, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "pipeline.evaluate", tracing.SubmissionID(sub.ID))
	defer span.End()

	logger := p.logger.With("submission_id", sub.ID)

	var results []domain.DetectionResult
	if snapErr != nil {
		logger.Error("threshold snapshot unavailable, faulting all detectors", "error", snapErr)
		span.RecordError(snapErr)
		results = p.faultAll(sub, "threshold snapshot unavailable: "+snapErr.Error())
		snap = &domain.Snapshot{TakenAt: time.Now().UTC(), Rules: map[string]*domain.ThresholdConfig{}}
	} else {
		results = p.fanOut(ctx, logger, sub, snap)
	}
	detectorsMs := time.Since(start).Milliseconds()

	a := p.scorer.Score(ctx, &composite.Input{
		Submission: sub,
		Detections: results,
		Snapshot:   snap,
		TraceID:    span.SpanContext().TraceID().String(),
		StartTime:  start,
	})
	a.Metadata.DetectorsMs = detectorsMs
	a.Metadata.Rescore = mode.rescore
	a.Metadata.Pinned = mode.pinned

	span.SetAttributes(tracing.Severity(a.Severity), attribute.Float64("assessment.score", a.CompositeScore))
	metrics.AssessmentsTotal.WithLabelValues(string(a.Severity)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	var saveErr error
	if p.store != nil {
		if err := p.store.SaveAssessment(ctx, a); err != nil {
			logger.Error("failed to save assessment", "assessment_id", a.ID, "error", err)
			span.SetStatus(codes.Error, "persist assessment")
			saveErr = fmt.Errorf("save assessment: %w", err)
		}
	}
	if saveErr == nil {
		p.notify(ctx, logger, a)
	}

	logger.Info("submission evaluated",
		"assessment_id", a.ID,
		"severity", a.Severity,
		"score", a.CompositeScore,
		"contributing", len(a.ContributingRules),
		"faulted", a.Metadata.DetectorsFaulted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, saveErr
}

// fanOut runs every detector concurrently and waits for all of them.
// Results keep detector order.
func (p *Pipeline) fanOut(ctx context.Context, logger *slog.Logger, sub *domain.Submission, snap *domain.Snapshot) []domain.DetectionResult {
	results := make([]domain.DetectionResult, len(p.detectors))

	var g errgroup.Group
	for i, d := range p.detectors {
		g.Go(func() error {
			results[i] = p.runDetector(ctx, logger, d, sub, snap)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Pipeline) runDetector(ctx context.Context, logger *slog.Logger, d detectors.Detector, sub *domain.Submission, snap *domain.Snapshot) (res domain.DetectionResult) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "detector."+d.Key(), tracing.Detector(d.Key()))
	defer span.End()

	if p.opts.DetectorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.DetectorTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = domain.Faulted(d.Key(), d.Category(), fmt.Sprintf("panic: %v", r))
			logger.Warn("detector panicked", "detector", d.Key(), "panic", r)
		}
		res.SubmissionID = sub.ID
		res.ComputedAt = time.Now().UTC()
		if res.RuleKey == "" {
			res.RuleKey, res.Category = d.Key(), d.Category()
		}
		if res.Outcome == domain.OutcomeFaulted {
			span.SetStatus(codes.Error, res.Reason)
		}
		metrics.DetectorOutcomesTotal.WithLabelValues(d.Key(), string(res.Outcome)).Inc()
		metrics.DetectorDuration.WithLabelValues(d.Key()).Observe(time.Since(start).Seconds())
	}()

	res, err := d.Detect(ctx, sub, snap)
	if err != nil {
		logger.Warn("detector faulted", "detector", d.Key(), "error", err)
		span.RecordError(err)
		return domain.Faulted(d.Key(), d.Category(), err.Error())
	}
	return res
}

func (p *Pipeline) faultAll(sub *domain.Submission, reason string) []domain.DetectionResult {
	now := time.Now().UTC()
	out := make([]domain.DetectionResult, len(p.detectors))
	for i, d := range p.detectors {
		out[i] = domain.Faulted(d.Key(), d.Category(), reason)
		out[i].SubmissionID = sub.ID
		out[i].ComputedAt = now
		metrics.DetectorOutcomesTotal.WithLabelValues(d.Key(), string(domain.OutcomeFaulted)).Inc()
	}
	return out
}

// notify publishes the assessment and, for high or critical verdicts, an alert.
// Publishing is fire-and-forget: failures are logged and counted.
func (p *Pipeline) notify(ctx context.Context, logger *slog.Logger, a *domain.FraudAssessment) {
	if p.bus == nil {
		return
	}

	if payload, err := json.Marshal(a.ToResponse()); err == nil {
		p.publish(ctx, logger, domain.TopicAssessmentCreated, payload)
	}

	if !composite.ShouldAlert(a) {
		return
	}
	reasons := composite.Reasons(a)
	logger.Warn("fraud alert raised", "assessment_id", a.ID, "severity", a.Severity, "reasons", reasons)

	payload, err := json.Marshal(domain.Alert{
		AssessmentID:   a.ID,
		SubmissionID:   a.SubmissionID,
		EnumeratorID:   a.EnumeratorID,
		Severity:       a.Severity,
		CompositeScore: a.CompositeScore,
		Reasons:        reasons,
	})
	if err == nil {
		p.publish(ctx, logger, domain.TopicAlertRaised, payload)
	}
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, topic string, payload []byte) {
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(topic).Inc()
		logger.Error("failed to publish", "topic", topic, "error", err)
	}
}
