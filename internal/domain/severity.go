package domain

// Severity grades a validation issue or a business rule.
type Severity string

const (
	SeverityInfo                Severity = "info"
	SeverityWarning             Severity = "warning"
	SeverityError               Severity = "error"
	SeverityCritical            Severity = "critical"
	SeverityRegulatoryViolation Severity = "regulatory_violation"
)

// Rank orders severities from least to most severe. Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	case SeverityRegulatoryViolation:
		return 5
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// RiskLevel grades fraud risk.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very_low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from lowest to highest.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskVeryLow:
		return 1
	case RiskLow:
		return 2
	case RiskMedium:
		return 3
	case RiskHigh:
		return 4
	case RiskVeryHigh:
		return 5
	case RiskCritical:
		return 6
	default:
		return 0
	}
}

// AtLeast reports whether r is as high as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RiskLevelForScore maps a [0,1] risk score to a level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskVeryHigh
	case score >= 0.4:
		return RiskHigh
	case score >= 0.2:
		return RiskMedium
	case score >= 0.1:
		return RiskLow
	default:
		return RiskVeryLow
	}
}
