package models

import (
	"encoding/json"
	"time"
)

// EventType tags the payload variant carried by an EventRecord.
type EventType string

const (
	EventScanInput  EventType = "scan_input"
	EventScanOutput EventType = "scan_output"
	EventAction     EventType = "action"
	EventAnomaly    EventType = "anomaly"
)

// Valid reports whether t is one of the four ledger event types.
func (t EventType) Valid() bool {
	switch t {
	case EventScanInput, EventScanOutput, EventAction, EventAnomaly:
		return true
	}
	return false
}

// EventRecord is one immutable entry in a session's hash chain.
// Sequence starts at 0 and is unique per session; PreviousHash is the
// Hash of the preceding record or the genesis sentinel for sequence 0.
type EventRecord struct {
	SessionID    string          `json:"session_id"`
	Sequence     int64           `json:"sequence"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Clone returns a deep copy so callers can hold records without
// aliasing the store's buffers.
func (r *EventRecord) Clone() *EventRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &cp
}
