package models

// Severity grades a single finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for sorting; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Threat is a detector finding over scanned text (prompt injection,
// exfiltration attempt, instruction override, and the like).
type Threat struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	RuleID   string   `json:"rule_id,omitempty"`
}

// PIISpan marks leaked personal or secret material inside scanned text.
// Start/End are byte offsets into the scanned text; the text itself is
// never persisted, only the offsets and a masked token.
type PIISpan struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Masked   string   `json:"masked,omitempty"`
}

// Anomaly is a detector finding over an executed action.
type Anomaly struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
	RuleID   string   `json:"rule_id,omitempty"`
}

// ScanFindings is the detection gateway's response for a text scan.
type ScanFindings struct {
	Threats          []Threat  `json:"threats,omitempty"`
	PII              []PIISpan `json:"pii,omitempty"`
	RiskContribution int       `json:"risk_contribution,omitempty"`
}

// ActionFindings is the detection gateway's response for an action check.
type ActionFindings struct {
	IsAnomalous bool      `json:"is_anomalous"`
	Anomalies   []Anomaly `json:"anomalies,omitempty"`
}
