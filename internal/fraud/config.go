package fraud

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Threshold is an amount band with its own daily limit.
type Threshold struct {
	Min        float64 `json:"min" mapstructure:"min"`
	Max        float64 `json:"max" mapstructure:"max"`
	DailyLimit float64 `json:"dailyLimit" mapstructure:"daily_limit"`
}

// VelocityCap bounds activity inside a rolling window.
type VelocityCap struct {
	Window   time.Duration `json:"window" mapstructure:"window"`
	MaxCount int           `json:"maxCount" mapstructure:"max_count"`
	MaxSum   float64       `json:"maxSum" mapstructure:"max_sum"`
}

// Config holds the amount validator thresholds.
type Config struct {
	SuspiciousAmounts []float64 `json:"suspiciousAmounts" mapstructure:"suspicious_amounts"`
	RoundUnit         float64   `json:"roundUnit" mapstructure:"round_unit"`
	MaxDecimalPlaces  int       `json:"maxDecimalPlaces" mapstructure:"max_decimal_places"`
	Ceiling           float64   `json:"ceiling" mapstructure:"ceiling"`

	Thresholds   []Threshold   `json:"thresholds" mapstructure:"thresholds"`
	VelocityCaps []VelocityCap `json:"velocityCaps" mapstructure:"velocity_caps"`

	PatternLookback    int `json:"patternLookback" mapstructure:"pattern_lookback"`
	IdenticalThreshold int `json:"identicalThreshold" mapstructure:"identical_threshold"`
	IncrementRun       int `json:"incrementRun" mapstructure:"increment_run"`

	MinStatisticalPoints int     `json:"minStatisticalPoints" mapstructure:"min_statistical_points"`
	OutlierZ             float64 `json:"outlierZ" mapstructure:"outlier_z"`
	AnomalyZ             float64 `json:"anomalyZ" mapstructure:"anomaly_z"`
	MedianRatioHigh      float64 `json:"medianRatioHigh" mapstructure:"median_ratio_high"`
	MedianRatioLow       float64 `json:"medianRatioLow" mapstructure:"median_ratio_low"`

	ReportingThreshold float64 `json:"reportingThreshold" mapstructure:"reporting_threshold"`
	StructuringMargin  float64 `json:"structuringMargin" mapstructure:"structuring_margin"`

	FlagWeights map[domain.AmountFlag]float64 `json:"flagWeights" mapstructure:"flag_weights"`

	LargeAmount       float64 `json:"largeAmount" mapstructure:"large_amount"`
	LargeAdjustment   float64 `json:"largeAdjustment" mapstructure:"large_adjustment"`
	CeilingAdjustment float64 `json:"ceilingAdjustment" mapstructure:"ceiling_adjustment"`
	SmallAmount       float64 `json:"smallAmount" mapstructure:"small_amount"`
	SmallAdjustment   float64 `json:"smallAdjustment" mapstructure:"small_adjustment"`
	BatchIdenticalMin int     `json:"batchIdenticalMin" mapstructure:"batch_identical_min"`
	BatchEscalation   float64 `json:"batchEscalation" mapstructure:"batch_escalation"`
}

// DefaultConfig returns thresholds calibrated for NGN retail and corporate accounts.
func DefaultConfig() Config {
	return Config{
		SuspiciousAmounts: []float64{1_000_000, 2_000_000, 5_000_000, 10_000_000, 4_999_999, 9_999_999},
		RoundUnit:         1_000_000,
		MaxDecimalPlaces:  2,
		Ceiling:           50_000_000,

		Thresholds: []Threshold{
			{Min: 0, Max: 1_000_000, DailyLimit: 5_000_000},
			{Min: 1_000_000, Max: 10_000_000, DailyLimit: 20_000_000},
			{Min: 10_000_000, Max: 50_000_000, DailyLimit: 100_000_000},
		},
		VelocityCaps: []VelocityCap{
			{Window: velocity.Hour, MaxCount: 10, MaxSum: 5_000_000},
			{Window: velocity.Day, MaxCount: 50, MaxSum: 20_000_000},
			{Window: velocity.Week, MaxCount: 200, MaxSum: 100_000_000},
		},

		PatternLookback:    10,
		IdenticalThreshold: 3,
		IncrementRun:       3,

		MinStatisticalPoints: 10,
		OutlierZ:             3,
		AnomalyZ:             2,
		MedianRatioHigh:      10,
		MedianRatioLow:       0.1,

		ReportingThreshold: 5_000_000,
		StructuringMargin:  0.10,

		FlagWeights: DefaultFlagWeights(),

		LargeAmount:       10_000_000,
		LargeAdjustment:   0.1,
		CeilingAdjustment: 0.4,
		SmallAmount:       10,
		SmallAdjustment:   0.05,
		BatchIdenticalMin: 5,
		BatchEscalation:   0.15,
	}
}

// DefaultFlagWeights returns the risk weight of each flag.
func DefaultFlagWeights() map[domain.AmountFlag]float64 {
	return map[domain.AmountFlag]float64{
		domain.FlagLimitExceeded:        0.4,
		domain.FlagSuspectedStructuring: 0.35,
		domain.FlagVelocityExceeded:     0.3,
		domain.FlagDailyLimitExceeded:   0.25,
		domain.FlagStatisticalOutlier:   0.25,
		domain.FlagPatternAnomaly:       0.2,
		domain.FlagRoundNumber:          0.1,
		domain.FlagUnusualDecimal:       0.05,
	}
}
