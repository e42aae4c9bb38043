package models

import "time"

// SessionStatus is the lifecycle state of a monitored session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether the status accepts no further appends.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionTerminated
}

// RiskLevel is the discrete banding of a 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SessionState is the derived, mutable view of one session. It is a
// cache over the ledger: replaying the session's records through the
// risk fold reproduces it exactly.
type SessionState struct {
	SessionID         string        `json:"session_id"`
	Status            SessionStatus `json:"status"`
	RiskScore         int           `json:"risk_score"`
	RiskLevel         RiskLevel     `json:"risk_level"`
	TotalEvents       int64         `json:"total_events"`
	ThreatsDetected   int64         `json:"threats_detected"`
	PIIExposures      int64         `json:"pii_exposures"`
	LastEventSequence int64         `json:"last_event_sequence"`
	StartedAt         time.Time     `json:"started_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clone returns a copy safe to hand across goroutines.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
