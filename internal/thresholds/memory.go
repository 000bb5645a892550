package thresholds

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is an in-process append-only ThresholdStore.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []*domain.ThresholdConfig
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func clone(c *domain.ThresholdConfig) *domain.ThresholdConfig {
	cp := *c
	if c.Weight != nil {
		w := *c.Weight
		cp.Weight = &w
	}
	if c.SeverityFloor != nil {
		f := *c.SeverityFloor
		cp.SeverityFloor = &f
	}
	if c.EffectiveUntil != nil {
		u := *c.EffectiveUntil
		cp.EffectiveUntil = &u
	}
	return &cp
}

// ListCurrentThresholds returns every open row.
func (s *MemoryStore) ListCurrentThresholds(ctx context.Context) ([]*domain.ThresholdConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ThresholdConfig
	for _, r := range s.rows {
		if r.Current() {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// ListThresholdHistory returns all versions of a rule, ascending.
func (s *MemoryStore) ListThresholdHistory(ctx context.Context, ruleKey string) ([]*domain.ThresholdConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ThresholdConfig
	for _, r := range s.rows {
		if r.RuleKey == ruleKey {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// GetThresholdVersion returns one historical version.
func (s *MemoryStore) GetThresholdVersion(ctx context.Context, ruleKey string, version int) (*domain.ThresholdConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rows {
		if r.RuleKey == ruleKey && r.Version == version {
			return clone(r), nil
		}
	}
	return nil, domain.ErrNotFound
}

// InsertThreshold stores a first version.
func (s *MemoryStore) InsertThreshold(ctx context.Context, cfg *domain.ThresholdConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.RuleKey == cfg.RuleKey {
			return fmt.Errorf("%w: rule %s already exists", domain.ErrInvalidInput, cfg.RuleKey)
		}
	}
	s.rows = append(s.rows, clone(cfg))
	return nil
}

// AppendThresholdVersion closes prev and inserts next under one lock.
func (s *MemoryStore) AppendThresholdVersion(ctx context.Context, prev, next *domain.ThresholdConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open *domain.ThresholdConfig
	for _, r := range s.rows {
		if r.ID == prev.ID {
			open = r
			break
		}
	}
	if open == nil || !open.Current() || open.Version != next.Version-1 {
		return fmt.Errorf("%w: %s v%d is not current", domain.ErrVersionConflict, prev.RuleKey, prev.Version)
	}

	closedAt := next.EffectiveFrom
	open.EffectiveUntil = &closedAt
	s.rows = append(s.rows, clone(next))
	return nil
}

// Len returns the number of stored rows, open and closed.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
