// Package intake is the asynchronous ingestion path: agents push
// scan/action envelopes onto a redis list and a worker pool dispatches
// them into the session registry. Envelopes that fail on a detection
// outage are requeued up to a retry cap and then parked on a
// dead-letter list; nothing is ever silently dropped.
package intake

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agenttrail/internal/detect"
	"agenttrail/pkg/models"
)

// Envelope kinds.
const (
	KindScan   = "scan"
	KindAction = "action"
)

// Envelope is one queued scan or action request. Attempts counts
// dispatch tries that failed on detection unavailability.
type Envelope struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	Kind      string                `json:"kind"`
	Direction string                `json:"direction,omitempty"`
	Text      string                `json:"text,omitempty"`
	Action    *models.ActionRequest `json:"action,omitempty"`
	Attempts  int                   `json:"attempts,omitempty"`
}

// ParseEnvelope decodes and validates one queued payload. An envelope
// without an id gets one assigned so retries and dead letters stay
// traceable.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.SessionID) == "" {
		return nil, fmt.Errorf("envelope missing session_id")
	}
	switch env.Kind {
	case KindScan:
		if env.Direction != detect.DirectionInput && env.Direction != detect.DirectionOutput {
			return nil, fmt.Errorf("scan envelope has unknown direction %q", env.Direction)
		}
	case KindAction:
		if env.Action == nil || strings.TrimSpace(env.Action.Name) == "" {
			return nil, fmt.Errorf("action envelope missing action name")
		}
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	return &env, nil
}

// Marshal renders the envelope for requeueing.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}
