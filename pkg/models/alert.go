package models

import "time"

// RiskAlert is emitted when a session's risk score crosses the
// terminate threshold and the session is forced to terminated.
type RiskAlert struct {
	AlertID     string    `json:"alert_id"`
	SessionID   string    `json:"session_id"`
	RiskScore   int       `json:"risk_score"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Threshold   int       `json:"threshold"`
	Sequence    int64     `json:"sequence"`
	RaisedAt    time.Time `json:"raised_at"`
	TopConcerns []Concern `json:"top_concerns,omitempty"`
}
