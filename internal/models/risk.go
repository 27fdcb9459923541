package models

import "time"

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskFactor is one independently-scored fraud signal.
type RiskFactor struct {
	Name        string `json:"name"`
	Triggered   bool   `json:"triggered"`
	Score       int    `json:"score"`
	Description string `json:"description"`
}

// RiskAssessment is the transient result of scoring one payment attempt.
// Recomputed per attempt, never persisted or reused.
type RiskAssessment struct {
	TransactionID   string       `json:"transaction_id"`
	Score           int          `json:"score"`
	Level           RiskLevel    `json:"level"`
	Factors         []RiskFactor `json:"factors"`
	Blocked         bool         `json:"blocked"`
	Recommendations []string     `json:"recommendations"`
	Timestamp       time.Time    `json:"timestamp"`
}

// TriggeredFactorNames returns the names of factors that fired, for
// persisting onto the transaction record.
func (a *RiskAssessment) TriggeredFactorNames() []string {
	var names []string
	for _, f := range a.Factors {
		if f.Triggered {
			names = append(names, f.Name)
		}
	}
	return names
}

// RiskContext carries the request-scoped signals the engine scores against.
type RiskContext struct {
	IPAddress             string
	UserAgent             string
	Country               string
	Email                 string
	InstrumentFingerprint string
	HighRiskOverride      bool
}
