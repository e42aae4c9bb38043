package models

import "time"

// Report is an immutable point-in-time projection of a session's chain
// and risk state. Final is false when the session was still active at
// generation time.
type Report struct {
	ReportID    string         `json:"report_id"`
	SessionID   string         `json:"session_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Final       bool           `json:"final"`
	Summary     ReportSummary  `json:"summary"`
	Analysis    ReportAnalysis `json:"analysis"`
}

// ReportSummary carries the headline numbers and ranked concerns.
type ReportSummary struct {
	RiskScore       int       `json:"risk_score"`
	RiskLevel       RiskLevel `json:"risk_level"`
	TotalEvents     int64     `json:"total_events"`
	ThreatsDetected int64     `json:"threats_detected"`
	PIIExposures    int64     `json:"pii_exposures"`
	PrimaryConcerns []Concern `json:"primary_concerns"`
}

// Concern is one ranked finding reference; Sequence anchors recency.
type Concern struct {
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Sequence    int64    `json:"sequence"`
}

// ReportAnalysis is the narrative half of a report.
type ReportAnalysis struct {
	AttackVectors    []AttackVector    `json:"attack_vectors"`
	BehaviorPatterns []BehaviorPattern `json:"behavior_patterns"`
	Timeline         []TimelineEntry   `json:"timeline"`
	Recommendations  []string          `json:"recommendations"`
}

// AttackVector aggregates one threat category across the session.
type AttackVector struct {
	Category      string   `json:"category"`
	Occurrences   int      `json:"occurrences"`
	MaxSeverity   Severity `json:"max_severity"`
	FirstSequence int64    `json:"first_sequence"`
	LastSequence  int64    `json:"last_sequence"`
}

// BehaviorPattern describes a recurring shape in the event stream.
type BehaviorPattern struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Occurrences int    `json:"occurrences"`
}

// TimelineEntry is one row of the chronological event digest.
type TimelineEntry struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Summary   string    `json:"summary"`
}
