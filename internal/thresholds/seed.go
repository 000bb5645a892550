package thresholds

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed seed/default.toml
var seedFS embed.FS

type seedFile struct {
	Rules []seedRule `toml:"rules" yaml:"rules" json:"rules"`
}

type seedRule struct {
	Key           string   `toml:"key" yaml:"key" json:"key"`
	Category      string   `toml:"category" yaml:"category" json:"category"`
	DisplayName   string   `toml:"display_name" yaml:"display_name" json:"displayName"`
	Value         float64  `toml:"value" yaml:"value" json:"value"`
	Weight        *float64 `toml:"weight" yaml:"weight" json:"weight"`
	SeverityFloor string   `toml:"severity_floor" yaml:"severity_floor" json:"severityFloor"`
	Active        *bool    `toml:"active" yaml:"active" json:"active"`
	Notes         string   `toml:"notes" yaml:"notes" json:"notes"`
}

// DefaultSeed returns the embedded default thresholds.
func DefaultSeed() ([]*domain.ThresholdConfig, error) {
	data, err := seedFS.ReadFile("seed/default.toml")
	if err != nil {
		return nil, fmt.Errorf("read embedded seed: %w", err)
	}
	return parseSeed(data, ".toml")
}

// LoadSeed reads thresholds from a TOML, YAML or JSON file.
// An empty path returns the embedded defaults.
func LoadSeed(path string) ([]*domain.ThresholdConfig, error) {
	if path == "" {
		return DefaultSeed()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return parseSeed(data, filepath.Ext(path))
}

func parseSeed(data []byte, ext string) ([]*domain.ThresholdConfig, error) {
	var f seedFile

	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported seed format %q", ext)
	}

	out := make([]*domain.ThresholdConfig, 0, len(f.Rules))
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if r.Key == "" {
			return nil, fmt.Errorf("seed rule %d: key is required", i)
		}
		if seen[r.Key] {
			return nil, fmt.Errorf("seed rule %s: duplicate key", r.Key)
		}
		seen[r.Key] = true

		cat := domain.Category(r.Category)
		if !cat.Valid() {
			return nil, fmt.Errorf("seed rule %s: unknown category %q", r.Key, r.Category)
		}

		cfg := &domain.ThresholdConfig{
			RuleKey:        r.Key,
			Category:       cat,
			DisplayName:    r.DisplayName,
			ThresholdValue: r.Value,
			Weight:         r.Weight,
			IsActive:       true,
			Notes:          r.Notes,
		}
		if r.Active != nil {
			cfg.IsActive = *r.Active
		}
		if r.SeverityFloor != "" {
			floor := domain.Severity(r.SeverityFloor)
			cfg.SeverityFloor = &floor
		}
		out = append(out, cfg)
	}
	return out, nil
}
