package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// Rule keys consulted by the detectors and the composite scorer.
const (
	GPSClusterRadius        = "gps_cluster_radius_m"
	GPSClusterMinSamples    = "gps_cluster_min_samples"
	GPSClusterWindow        = "gps_cluster_time_window_h"
	GPSTeleportSpeed        = "gps_teleport_speed_kmh"
	GPSDuplicateCoordRadius = "gps_duplicate_coord_threshold_m"
	GPSWeight               = "gps_weight"

	SpeedRatioThreshold     = "speed_run_ratio_threshold"
	SpeedMinPopulation      = "speed_min_population_n"
	SpeedBootstrapResamples = "speed_bootstrap_resamples"
	SpeedBootstrapConf      = "speed_bootstrap_confidence"
	SpeedWeight             = "speed_weight"

	StraightLinePIR        = "straightline_pir_threshold"
	StraightLineLIS        = "straightline_lis_threshold"
	StraightLineEntropy    = "straightline_entropy_threshold"
	StraightLineMinBattery = "straightline_min_battery_size"
	StraightLineWeight     = "straightline_weight"

	DuplicateMinOverlap   = "duplicate_min_field_overlap"
	DuplicateLookbackDays = "duplicate_lookback_days"
	DuplicateWeight       = "duplicate_weight"

	TimingNightStart   = "timing_night_start_hour"
	TimingNightEnd     = "timing_night_end_hour"
	TimingNightScore   = "timing_night_score"
	TimingWeekendMask  = "timing_weekend_days_mask"
	TimingWeekendScore = "timing_weekend_score"
	TimingWeight       = "timing_weight"

	SeverityLowMin      = "severity_low_min"
	SeverityMediumMin   = "severity_medium_min"
	SeverityHighMin     = "severity_high_min"
	SeverityCriticalMin = "severity_critical_min"
)

// Sub-rule keys reported in DetectionResult.TriggeredRules. A threshold row
// with the same key may carry a severity floor for that sub-rule.
const (
	SubRuleGPSCluster       = "gps_cluster"
	SubRuleGPSTeleport      = "gps_teleport"
	SubRuleGPSDuplicateFix  = "gps_duplicate_coords"
	SubRuleSpeedRun         = "speed_run"
	SubRulePIR              = "straightline_pir"
	SubRuleLIS              = "straightline_lis"
	SubRuleEntropy          = "straightline_entropy"
	SubRuleDuplicateExact   = "duplicate_exact"
	SubRuleDuplicatePartial = "duplicate_partial"
	SubRuleNightHours       = "timing_night"
	SubRuleWeekend          = "timing_weekend"
)

// Definition declares one rule key's category and the domain its value must satisfy.
// Domain is a CEL expression over `value` (double) and `active`
// (map of the other active rule values) that must evaluate to true.
type Definition struct {
	Key      string
	Category domain.Category
	Domain   string
	Reason   string
}

const integral = " && value == double(int(value))"

// Catalog lists the rule keys Kestrel knows how to validate.
var Catalog = []Definition{
	{GPSClusterRadius, domain.CategoryGPS, "value > 0.0", "must be greater than 0"},
	{GPSClusterMinSamples, domain.CategoryGPS, "value >= 2.0" + integral, "must be an integer >= 2"},
	{GPSClusterWindow, domain.CategoryGPS, "value > 0.0", "must be greater than 0"},
	{GPSTeleportSpeed, domain.CategoryGPS, "value > 0.0", "must be greater than 0"},
	{GPSDuplicateCoordRadius, domain.CategoryGPS, "value > 0.0", "must be greater than 0"},
	{GPSWeight, domain.CategoryGPS, "value >= 0.0", "must be >= 0"},

	{SpeedRatioThreshold, domain.CategorySpeed, "value > 0.0 && value <= 1.0", "must be in (0, 1]"},
	{SpeedMinPopulation, domain.CategorySpeed, "value >= 1.0" + integral, "must be an integer >= 1"},
	{SpeedBootstrapResamples, domain.CategorySpeed, "value >= 1.0 && value <= 100000.0" + integral, "must be an integer in [1, 100000]"},
	{SpeedBootstrapConf, domain.CategorySpeed, "value > 0.0 && value < 1.0", "must be in (0, 1)"},
	{SpeedWeight, domain.CategorySpeed, "value >= 0.0", "must be >= 0"},

	{StraightLinePIR, domain.CategoryStraightLine, "value >= 0.0 && value <= 1.0", "must be in [0, 1]"},
	{StraightLineLIS, domain.CategoryStraightLine, "value >= 0.0 && value <= 1.0", "must be in [0, 1]"},
	{StraightLineEntropy, domain.CategoryStraightLine, "value >= 0.0 && value <= 1.0", "must be in [0, 1]"},
	{StraightLineMinBattery, domain.CategoryStraightLine, "value >= 2.0" + integral, "must be an integer >= 2"},
	{StraightLineWeight, domain.CategoryStraightLine, "value >= 0.0", "must be >= 0"},

	{DuplicateMinOverlap, domain.CategoryDuplicate, "value >= 1.0" + integral, "must be an integer >= 1"},
	{DuplicateLookbackDays, domain.CategoryDuplicate, "value >= 1.0 && value <= 36500.0", "must be in [1, 36500]"},
	{DuplicateWeight, domain.CategoryDuplicate, "value >= 0.0", "must be >= 0"},

	{TimingNightStart, domain.CategoryTiming, "value >= 0.0 && value <= 23.0" + integral, "must be an hour in [0, 23]"},
	{TimingNightEnd, domain.CategoryTiming, "value >= 0.0 && value <= 23.0" + integral, "must be an hour in [0, 23]"},
	{TimingNightScore, domain.CategoryTiming, "value >= 0.0 && value <= 100.0", "must be in [0, 100]"},
	{TimingWeekendMask, domain.CategoryTiming, "value >= 0.0 && value <= 127.0" + integral, "must be a weekday bitmask in [0, 127]"},
	{TimingWeekendScore, domain.CategoryTiming, "value >= 0.0 && value <= 100.0", "must be in [0, 100]"},
	{TimingWeight, domain.CategoryTiming, "value >= 0.0", "must be >= 0"},

	{SeverityLowMin, domain.CategoryComposite,
		"value > 0.0 && (!('severity_medium_min' in active) || value < active['severity_medium_min'])",
		"must be in (0, severity_medium_min)"},
	{SeverityMediumMin, domain.CategoryComposite,
		"(!('severity_low_min' in active) || value > active['severity_low_min']) && (!('severity_high_min' in active) || value < active['severity_high_min'])",
		"must be in (severity_low_min, severity_high_min)"},
	{SeverityHighMin, domain.CategoryComposite,
		"(!('severity_medium_min' in active) || value > active['severity_medium_min']) && (!('severity_critical_min' in active) || value < active['severity_critical_min'])",
		"must be in (severity_medium_min, severity_critical_min)"},
	{SeverityCriticalMin, domain.CategoryComposite,
		"value <= 100.0 && (!('severity_high_min' in active) || value > active['severity_high_min'])",
		"must be in (severity_high_min, 100]"},
}

// DetectorWeightKeys maps each detector to the rule carrying its composite weight.
var DetectorWeightKeys = map[string]string{
	domain.DetectorGPS:          GPSWeight,
	domain.DetectorSpeedRun:     SpeedWeight,
	domain.DetectorStraightLine: StraightLineWeight,
	domain.DetectorDuplicate:    DuplicateWeight,
	domain.DetectorTiming:       TimingWeight,
}

// DetectorPrimaryKeys maps each detector to its primary threshold rule. A
// Weight set on that row overrides the detector's weight rule.
var DetectorPrimaryKeys = map[string]string{
	domain.DetectorGPS:          GPSClusterRadius,
	domain.DetectorSpeedRun:     SpeedRatioThreshold,
	domain.DetectorStraightLine: StraightLinePIR,
	domain.DetectorDuplicate:    DuplicateMinOverlap,
	domain.DetectorTiming:       TimingNightScore,
}

// SeverityCutoffs lists the composite cutoff keys from lowest to highest tier.
var SeverityCutoffs = []struct {
	Key      string
	Severity domain.Severity
}{
	{SeverityLowMin, domain.SeverityLow},
	{SeverityMediumMin, domain.SeverityMedium},
	{SeverityHighMin, domain.SeverityHigh},
	{SeverityCriticalMin, domain.SeverityCritical},
}
