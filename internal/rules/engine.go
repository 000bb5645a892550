// Package rules holds the threshold rule catalog and the CEL engine that
// enforces each rule's value domain.
package rules

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine validates threshold values against compiled rule domains.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled domain program.
type CompiledRule struct {
	Definition Definition
	Program    cel.Program
}

// NewEngine compiles the given definitions. Passing nil compiles Catalog.
func NewEngine(defs []Definition) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DoubleType),
		cel.Variable("active", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:      env,
		compiled: make(map[string]*CompiledRule),
	}

	if defs == nil {
		defs = Catalog
	}
	for _, s := range defs {
		if err := e.Load(s); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Load compiles and registers one rule domain, replacing any previous one.
func (e *Engine) Load(s Definition) error {
	compiled, err := e.compile(s)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[s.Key] = compiled
	e.mu.Unlock()
	return nil
}

// Definition returns the declared definition for a rule key.
func (e *Engine) Definition(ruleKey string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.compiled[ruleKey]
	if !ok {
		return Definition{}, false
	}
	return c.Definition, true
}

// RulesCount returns the number of compiled domains.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Validate checks a proposed threshold row. active holds the current values of
// the other rules, used by cross-rule domains such as cutoff ordering.
// Rule keys without a declared domain only need a finite value.
func (e *Engine) Validate(cfg *domain.ThresholdConfig, active map[string]float64) error {
	if math.IsNaN(cfg.ThresholdValue) || math.IsInf(cfg.ThresholdValue, 0) {
		return &domain.InvalidThresholdError{RuleKey: cfg.RuleKey, Field: "thresholdValue", Reason: "must be a finite number"}
	}
	if cfg.Weight != nil {
		w := *cfg.Weight
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return &domain.InvalidThresholdError{RuleKey: cfg.RuleKey, Field: "weight", Reason: "must be a finite number >= 0"}
		}
	}
	if cfg.SeverityFloor != nil && !cfg.SeverityFloor.Valid() {
		return &domain.InvalidThresholdError{RuleKey: cfg.RuleKey, Field: "severityFloor", Reason: fmt.Sprintf("unknown severity %q", *cfg.SeverityFloor)}
	}

	e.mu.RLock()
	compiled, ok := e.compiled[cfg.RuleKey]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	if compiled.Definition.Category != cfg.Category {
		return &domain.InvalidThresholdError{RuleKey: cfg.RuleKey, Field: "ruleCategory", Reason: fmt.Sprintf("must be %s", compiled.Definition.Category)}
	}

	others := make(map[string]float64, len(active))
	for k, v := range active {
		if k != cfg.RuleKey {
			others[k] = v
		}
	}

	out, _, err := compiled.Program.Eval(map[string]any{
		"value":  cfg.ThresholdValue,
		"active": others,
	})
	if err != nil {
		return &domain.InvalidThresholdError{RuleKey: cfg.RuleKey, Field: "thresholdValue", Reason: compiled.Definition.Reason}
	}
	if b, ok := out.(types.Bool); !ok || !bool(b) {
		return &domain.InvalidThresholdError{RuleKey: cfg.RuleKey, Field: "thresholdValue", Reason: compiled.Definition.Reason}
	}
	return nil
}

func (e *Engine) compile(s Definition) (*CompiledRule, error) {
	ast, issues := e.env.Compile(s.Domain)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile domain for %s: %w", s.Key, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: domain must return bool, got %s", s.Key, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", s.Key, err)
	}

	return &CompiledRule{
		Definition: s,
		Program:    program,
	}, nil
}
