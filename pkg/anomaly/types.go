package anomaly

import "time"

// RiskLevel buckets a risk score
type RiskLevel string

const (
	RiskMinimal RiskLevel = "MINIMAL"
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
)

// Check names
const (
	CheckFrequency = "frequency"
	CheckIP        = "ip_change"
	CheckDevice    = "device_change"
)

// PointsPerWarning is the score contributed by each warning
const PointsPerWarning = 25

// MaxRiskScore caps the aggregate score
const MaxRiskScore = 100

// UsageSample is one observed use of a credential
type UsageSample struct {
	SubjectID       string
	TokenID         string
	OriginIP        string
	DeviceSignature string
	At              time.Time
}

// Warning is a single advisory finding
type Warning struct {
	Check     string `json:"check"`
	Message   string `json:"message"`
	Observed  int64  `json:"observed"`
	Threshold int64  `json:"threshold"`
}

// Report is the advisory result of CheckUsage
type Report struct {
	Warnings  []Warning `json:"warnings"`
	RiskScore int       `json:"risk_score"`
	RiskLevel RiskLevel `json:"risk_level"`
	// Skipped lists checks that were not evaluated
	Skipped []string `json:"skipped,omitempty"`
}

// High reports whether the report is HIGH risk
func (r Report) High() bool {
	return r.RiskLevel == RiskHigh
}

// Score returns the aggregate score for n warnings
func Score(n int) int {
	s := n * PointsPerWarning
	if s > MaxRiskScore {
		return MaxRiskScore
	}
	return s
}

// LevelFor buckets a score
func LevelFor(score int) RiskLevel {
	switch {
	case score < 25:
		return RiskMinimal
	case score < 50:
		return RiskLow
	case score < 75:
		return RiskMedium
	default:
		return RiskHigh
	}
}
