package models

import (
	"encoding/json"
	"fmt"
)

// ScanPayload is the payload variant for scan_input / scan_output
// records. The scanned text is not stored, only its length and the
// findings the gateway produced.
type ScanPayload struct {
	Direction        string    `json:"direction"`
	TextLength       int       `json:"text_length"`
	Threats          []Threat  `json:"threats,omitempty"`
	PII              []PIISpan `json:"pii,omitempty"`
	RiskContribution int       `json:"risk_contribution,omitempty"`
}

// ActionRequest is what an agent reports for one executed action.
type ActionRequest struct {
	Name    string            `json:"name"`
	Target  string            `json:"target,omitempty"`
	Command string            `json:"command,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// ActionPayload is the payload variant for action / anomaly records.
type ActionPayload struct {
	Name      string            `json:"name"`
	Target    string            `json:"target,omitempty"`
	Command   string            `json:"command,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Anomalies []Anomaly         `json:"anomalies,omitempty"`
}

// DecodeScanPayload unmarshals the payload of a scan record.
func DecodeScanPayload(raw json.RawMessage) (*ScanPayload, error) {
	var p ScanPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode scan payload: %w", err)
	}
	return &p, nil
}

// DecodeActionPayload unmarshals the payload of an action or anomaly record.
func DecodeActionPayload(raw json.RawMessage) (*ActionPayload, error) {
	var p ActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode action payload: %w", err)
	}
	return &p, nil
}
