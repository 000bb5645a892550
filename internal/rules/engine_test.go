package rules

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func threshold(key string, cat domain.Category, v float64) *domain.ThresholdConfig {
	return &domain.ThresholdConfig{RuleKey: key, Category: cat, ThresholdValue: v, IsActive: true}
}

func TestCatalogCompiles(t *testing.T) {
	engine, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.RulesCount() != len(Catalog) {
		t.Errorf("expected %d rules, got %d", len(Catalog), engine.RulesCount())
	}

	for _, s := range Catalog {
		if !s.Category.Valid() {
			t.Errorf("%s: invalid category %q", s.Key, s.Category)
		}
	}
}

func TestInvalidDomain(t *testing.T) {
	_, err := NewEngine([]Definition{{Key: "bad", Category: domain.CategoryGPS, Domain: "this is not valid CEL !!!"}})
	if err == nil {
		t.Fatal("expected compile error")
	}

	_, err = NewEngine([]Definition{{Key: "notbool", Category: domain.CategoryGPS, Domain: "value * 2.0"}})
	if err == nil {
		t.Fatal("expected non-bool domain to be rejected")
	}
}

func TestValidate(t *testing.T) {
	engine, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	cutoffs := map[string]float64{
		SeverityLowMin:      25,
		SeverityMediumMin:   50,
		SeverityHighMin:     70,
		SeverityCriticalMin: 85,
	}

	tests := []struct {
		name   string
		cfg    *domain.ThresholdConfig
		field  string
		wantOK bool
	}{
		{"radius positive", threshold(GPSClusterRadius, domain.CategoryGPS, 75), "", true},
		{"radius zero", threshold(GPSClusterRadius, domain.CategoryGPS, 0), "thresholdValue", false},
		{"radius NaN", threshold(GPSClusterRadius, domain.CategoryGPS, math.NaN()), "thresholdValue", false},
		{"radius Inf", threshold(GPSClusterRadius, domain.CategoryGPS, math.Inf(1)), "thresholdValue", false},
		{"minPts fractional", threshold(GPSClusterMinSamples, domain.CategoryGPS, 2.5), "thresholdValue", false},
		{"minPts integer", threshold(GPSClusterMinSamples, domain.CategoryGPS, 3), "", true},
		{"ratio above one", threshold(SpeedRatioThreshold, domain.CategorySpeed, 1.2), "thresholdValue", false},
		{"ratio in range", threshold(SpeedRatioThreshold, domain.CategorySpeed, 0.5), "", true},
		{"confidence one", threshold(SpeedBootstrapConf, domain.CategorySpeed, 1), "thresholdValue", false},
		{"pir one", threshold(StraightLinePIR, domain.CategoryStraightLine, 1), "", true},
		{"hour 24", threshold(TimingNightStart, domain.CategoryTiming, 24), "thresholdValue", false},
		{"weekend mask", threshold(TimingWeekendMask, domain.CategoryTiming, 65), "", true},
		{"weight negative", threshold(GPSWeight, domain.CategoryGPS, -1), "thresholdValue", false},
		{"wrong category", threshold(GPSClusterRadius, domain.CategoryTiming, 50), "ruleCategory", false},
		{"cutoff keeps order", threshold(SeverityHighMin, domain.CategoryComposite, 75), "", true},
		{"cutoff crosses critical", threshold(SeverityHighMin, domain.CategoryComposite, 90), "thresholdValue", false},
		{"cutoff crosses low", threshold(SeverityMediumMin, domain.CategoryComposite, 20), "thresholdValue", false},
		{"critical above 100", threshold(SeverityCriticalMin, domain.CategoryComposite, 101), "thresholdValue", false},
		{"uncatalogued finite", threshold("custom_rule", domain.CategoryGPS, -5), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(tt.cfg, cutoffs)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidThresholdValue) {
				t.Fatalf("expected ErrInvalidThresholdValue, got %v", err)
			}
			var ite *domain.InvalidThresholdError
			if !errors.As(err, &ite) {
				t.Fatalf("expected *InvalidThresholdError, got %T", err)
			}
			if ite.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, ite.Field)
			}
			if ite.Reason == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestValidateWeightAndFloor(t *testing.T) {
	engine, _ := NewEngine(nil)

	cfg := threshold(GPSClusterRadius, domain.CategoryGPS, 50)
	w := -0.5
	cfg.Weight = &w

	var ite *domain.InvalidThresholdError
	if err := engine.Validate(cfg, nil); !errors.As(err, &ite) || ite.Field != "weight" {
		t.Fatalf("expected weight error, got %v", err)
	}

	cfg.Weight = nil
	floor := domain.Severity("severe")
	cfg.SeverityFloor = &floor
	if err := engine.Validate(cfg, nil); !errors.As(err, &ite) || ite.Field != "severityFloor" {
		t.Fatalf("expected severityFloor error, got %v", err)
	}

	high := domain.SeverityHigh
	cfg.SeverityFloor = &high
	if err := engine.Validate(cfg, nil); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestCutoffsWithoutNeighbours(t *testing.T) {
	engine, _ := NewEngine(nil)

	// Seeding validates each cutoff before the others exist.
	if err := engine.Validate(threshold(SeverityMediumMin, domain.CategoryComposite, 50), nil); err != nil {
		t.Fatalf("expected valid without neighbours, got %v", err)
	}
}
