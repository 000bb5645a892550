// Package history serves the read-only collaborators the detectors consult:
// an enumerator's recent submissions, per-form completion-time statistics,
// and the respondent identity index.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/identity"
)

// Options tune the history service.
type Options struct {
	IdentityFields []string
	SampleLimit    int           // most recent durations per form
	OthersLimit    int           // other enumerators' submissions per duplicate-coordinate check
	StatsTTL       time.Duration // cache lifetime of form statistics
	Logger         *slog.Logger
}

// Service reads submission history and the respondent index from the repository.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	forms map[string]struct{} // forms seen since start, refreshed in the background
}

// NewService creates a history service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache, opts Options) *Service {
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = 5000
	}
	if opts.OthersLimit <= 0 {
		opts.OthersLimit = 200
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		opts:   opts,
		logger: logger,
		forms:  make(map[string]struct{}),
	}
}

// Record stores an ingested submission and indexes its respondent.
func (s *Service) Record(ctx context.Context, sub *domain.Submission) error {
	if err := s.repo.SaveSubmission(ctx, sub); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	s.track(sub.FormID)

	if sub.RespondentID == "" {
		return nil
	}
	fields := identity.Fields(sub.Identity, s.opts.IdentityFields)
	if len(fields) == 0 {
		return nil
	}
	if err := s.repo.SaveRespondent(ctx, sub.RespondentID, identity.Hash(fields), fields, sub.SubmittedAt); err != nil {
		return fmt.Errorf("index respondent: %w", err)
	}
	return nil
}

// RecentByEnumerator returns an enumerator's submissions in [since, before).
func (s *Service) RecentByEnumerator(ctx context.Context, enumeratorID string, since, before time.Time) ([]*domain.Submission, error) {
	return s.repo.ListSubmissionsByEnumerator(ctx, enumeratorID, since, before)
}

// RecentByOthers returns other enumerators' submissions in [since, before),
// capped at OthersLimit.
func (s *Service) RecentByOthers(ctx context.Context, enumeratorID string, since, before time.Time) ([]*domain.Submission, error) {
	return s.repo.ListSubmissionsByOthers(ctx, enumeratorID, since, before, s.opts.OthersLimit)
}

// ExactMatches returns respondents with the same identity hash created in [since, before).
func (s *Service) ExactMatches(ctx context.Context, identityHash string, since, before time.Time) ([]string, error) {
	return s.repo.FindRespondentsByHash(ctx, identityHash, since, before)
}

// FieldMatches returns respondents sharing at least one normalized identity field.
func (s *Service) FieldMatches(ctx context.Context, fields map[string]string, since, before time.Time) ([]domain.RespondentMatch, error) {
	return s.repo.FindRespondentsByFields(ctx, fields, since, before)
}

// FormDurations returns the cached completion-time aggregate for a form,
// computing it from the repository on a miss.
func (s *Service) FormDurations(ctx context.Context, formID string) (*domain.FormDurationStats, error) {
	s.track(formID)

	if stats := s.cached(ctx, formID); stats != nil {
		return stats, nil
	}
	return s.Refresh(ctx, formID)
}

// Refresh recomputes and caches the aggregate for one form.
func (s *Service) Refresh(ctx context.Context, formID string) (*domain.FormDurationStats, error) {
	durations, err := s.repo.ListFormDurations(ctx, formID, s.opts.SampleLimit)
	if err != nil {
		return nil, fmt.Errorf("list form durations: %w", err)
	}

	stats := Summarize(formID, durations, time.Now().UTC())
	if s.cache != nil {
		if data, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, domain.CacheKeyFormDurations+formID, data, s.opts.StatsTTL); err != nil {
				s.logger.Warn("failed to cache form durations", "form_id", formID, "error", err)
			}
		}
	}
	return stats, nil
}

// RunRefresher recomputes every tracked form's aggregate on each tick until ctx is done.
func (s *Service) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, formID := range s.trackedForms() {
				if _, err := s.Refresh(ctx, formID); err != nil {
					s.logger.Warn("form duration refresh failed", "form_id", formID, "error", err)
				}
			}
		}
	}
}

// Summarize builds the aggregate for a set of durations in seconds.
func Summarize(formID string, durations []float64, now time.Time) *domain.FormDurationStats {
	stats := &domain.FormDurationStats{FormID: formID, N: len(durations), UpdatedAt: now}
	if len(durations) == 0 {
		return stats
	}
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		stats.Median = sorted[n/2]
	} else {
		stats.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	stats.Samples = sorted
	return stats
}

func (s *Service) cached(ctx context.Context, formID string) *domain.FormDurationStats {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, domain.CacheKeyFormDurations+formID)
	if err != nil || data == nil {
		return nil
	}
	var stats domain.FormDurationStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil
	}
	return &stats
}

func (s *Service) track(formID string) {
	if formID == "" {
		return
	}
	s.mu.Lock()
	s.forms[formID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) trackedForms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.forms))
	for f := range s.forms {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
