// Package thresholds is the versioned, append-only store of fraud rule
// configuration consulted by every evaluation.
package thresholds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"golang.org/x/sync/singleflight"
)

// DefaultSnapshotTTL is how long an active snapshot stays cached.
const DefaultSnapshotTTL = 300 * time.Second

// Registry reads and versions threshold configuration.
type Registry struct {
	store  domain.ThresholdStore
	cache  domain.Cache
	engine *rules.Engine
	ttl    time.Duration
	now    func() time.Time

	// updates are serialized; snapshots never take this lock
	mu    sync.Mutex
	gen   atomic.Uint64
	group singleflight.Group

	// cacheMu orders snapshot cache writes (read side) against the
	// generation bump and invalidation of a committed change (write side).
	cacheMu sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache caches the active snapshot under domain.CacheKeyActiveThresholds.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(r *Registry) {
		r.cache = c
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over store. engine validates rule domains.
func NewRegistry(store domain.ThresholdStore, engine *rules.Engine, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		engine: engine,
		ttl:    DefaultSnapshotTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed inserts version 1 of every rule key not yet present and returns how many were added.
func (r *Registry) Seed(ctx context.Context, seed []*domain.ThresholdConfig, actor string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.ListCurrentThresholds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list thresholds: %w", err)
	}
	existing := make(map[string]bool, len(current))
	values := make(map[string]float64, len(current)+len(seed))
	for _, c := range current {
		existing[c.RuleKey] = true
		values[c.RuleKey] = c.ThresholdValue
	}
	for _, s := range seed {
		if !existing[s.RuleKey] {
			values[s.RuleKey] = s.ThresholdValue
		}
	}

	now := r.now().UTC()
	added := 0
	for _, s := range seed {
		if existing[s.RuleKey] {
			continue
		}
		row := *s
		row.ID = uuid.New().String()
		row.Version = 1
		row.EffectiveFrom = now
		row.EffectiveUntil = nil
		row.CreatedAt = now
		row.CreatedBy = actor

		if err := r.engine.Validate(&row, values); err != nil {
			return added, fmt.Errorf("seed %s: %w", s.RuleKey, err)
		}
		if err := r.store.InsertThreshold(ctx, &row); err != nil {
			return added, fmt.Errorf("seed %s: %w", s.RuleKey, err)
		}
		added++
	}

	if added > 0 {
		r.changed(ctx)
		slog.Info("thresholds seeded", "added", added, "actor", actor)
	}
	return added, nil
}

// ActiveThresholds returns the active row per rule key, optionally filtered by category.
func (r *Registry) ActiveThresholds(ctx context.Context, category domain.Category) (map[string]*domain.ThresholdConfig, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*domain.ThresholdConfig)
	for k, row := range snap.Rules {
		if !row.IsActive {
			continue
		}
		if category != "" && row.Category != category {
			continue
		}
		out[k] = row
	}
	return out, nil
}

// Snapshot returns a consistent point-in-time view of every current rule.
// The returned snapshot is shared and must not be mutated.
func (r *Registry) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	if snap := r.cached(ctx); snap != nil {
		metrics.SnapshotLoadsTotal.WithLabelValues("cache").Inc()
		return snap, nil
	}

	v, err, _ := r.group.Do("snapshot", func() (any, error) {
		gen := r.gen.Load()

		rows, err := r.store.ListCurrentThresholds(ctx)
		if err != nil {
			return nil, fmt.Errorf("list thresholds: %w", err)
		}
		snap, err := domain.NewSnapshot(rows, r.now().UTC())
		if err != nil {
			return nil, err
		}

		r.remember(ctx, snap, gen)
		return snap, nil
	})
	if err != nil {
		metrics.SnapshotLoadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SnapshotLoadsTotal.WithLabelValues("store").Inc()
	return v.(*domain.Snapshot), nil
}

// PinnedSnapshot rebuilds the exact rule versions recorded on a past assessment.
func (r *Registry) PinnedSnapshot(ctx context.Context, versions map[string]int) (*domain.Snapshot, error) {
	rows := make([]*domain.ThresholdConfig, 0, len(versions))
	for key, version := range versions {
		row, err := r.store.GetThresholdVersion(ctx, key, version)
		if err != nil {
			return nil, fmt.Errorf("load %s v%d: %w", key, version, err)
		}
		rows = append(rows, row)
	}
	return domain.NewSnapshot(rows, r.now().UTC())
}

// UpdateThreshold validates the change, closes the current version of ruleKey
// and inserts its successor. The new row is returned.
func (r *Registry) UpdateThreshold(ctx context.Context, ruleKey string, upd domain.ThresholdUpdate, actor string) (*domain.ThresholdConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.ListCurrentThresholds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}

	var prev *domain.ThresholdConfig
	active := make(map[string]float64, len(current))
	for _, c := range current {
		if c.RuleKey == ruleKey {
			prev = c
		}
		if c.IsActive {
			active[c.RuleKey] = c.ThresholdValue
		}
	}
	if prev == nil {
		metrics.ThresholdUpdatesTotal.WithLabelValues("unknown", "unknown_rule").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRuleKey, ruleKey)
	}

	if err := upd.Check(ruleKey); err != nil {
		metrics.ThresholdUpdatesTotal.WithLabelValues(string(prev.Category), "invalid").Inc()
		return nil, err
	}

	next := upd.Successor(prev, actor, r.now().UTC())
	next.ID = uuid.New().String()

	if err := r.engine.Validate(next, active); err != nil {
		metrics.ThresholdUpdatesTotal.WithLabelValues(string(prev.Category), "invalid").Inc()
		return nil, err
	}

	if err := r.store.AppendThresholdVersion(ctx, prev, next); err != nil {
		metrics.ThresholdUpdatesTotal.WithLabelValues(string(prev.Category), "error").Inc()
		return nil, fmt.Errorf("append %s v%d: %w", ruleKey, next.Version, err)
	}

	r.changed(ctx)
	metrics.ThresholdUpdatesTotal.WithLabelValues(string(prev.Category), "ok").Inc()

	slog.Info("threshold updated",
		"rule_key", ruleKey,
		"old_value", prev.ThresholdValue,
		"new_value", next.ThresholdValue,
		"old_version", prev.Version,
		"new_version", next.Version,
		"actor", actor,
	)

	return next, nil
}

// History returns every version of a rule, oldest first.
func (r *Registry) History(ctx context.Context, ruleKey string) ([]*domain.ThresholdConfig, error) {
	rows, err := r.store.ListThresholdHistory(ctx, ruleKey)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRuleKey, ruleKey)
	}
	return rows, nil
}

// CategoryGroup is one category's rules for presentation.
type CategoryGroup struct {
	Category domain.Category           `json:"category"`
	Rules    []*domain.ThresholdConfig `json:"rules"`
}

// Grouped returns the current rules grouped by category, inactive ones included.
func (r *Registry) Grouped(ctx context.Context) ([]CategoryGroup, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	groups := make([]CategoryGroup, 0, len(domain.Categories))
	for _, cat := range domain.Categories {
		g := CategoryGroup{Category: cat, Rules: []*domain.ThresholdConfig{}}
		for _, key := range snap.Keys() {
			if row := snap.Rules[key]; row.Category == cat {
				g.Rules = append(g.Rules, row)
			}
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// ConfigVersion returns the highest version number among current rules.
func (r *Registry) ConfigVersion(ctx context.Context) (int, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, row := range snap.Rules {
		if row.Version > max {
			max = row.Version
		}
	}
	return max, nil
}

func (r *Registry) cached(ctx context.Context) *domain.Snapshot {
	if r.cache == nil {
		return nil
	}
	data, err := r.cache.Get(ctx, domain.CacheKeyActiveThresholds)
	if err != nil {
		slog.Warn("threshold cache read failed", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("discarding undecodable threshold snapshot", "error", err)
		return nil
	}
	return &snap
}

// remember caches snap read at generation gen. It is a no-op once a change
// has committed since the read, and a change committing during the write
// waits for it and then deletes the entry.
func (r *Registry) remember(ctx context.Context, snap *domain.Snapshot, gen uint64) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if r.gen.Load() != gen {
		return
	}
	if err := r.cache.Set(ctx, domain.CacheKeyActiveThresholds, data, r.ttl); err != nil {
		slog.Warn("threshold cache write failed", "error", err)
	}
}

// changed records a committed change to the rule set.
func (r *Registry) changed(ctx context.Context) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.gen.Add(1)
	r.invalidate(ctx)
}

func (r *Registry) invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, domain.CacheKeyActiveThresholds); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("threshold cache invalidation failed", "error", err)
	}
}

// Sorted orders rows by rule key for stable output.
func Sorted(rows map[string]*domain.ThresholdConfig) []*domain.ThresholdConfig {
	out := make([]*domain.ThresholdConfig, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleKey < out[j].RuleKey })
	return out
}
