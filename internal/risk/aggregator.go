// Package risk turns ledger records into a session's risk posture.
// Fold is a pure, order-dependent function of (state, record): no wall
// clock, no decay, no call history. Replaying a chain from genesis
// therefore reproduces the incrementally maintained state exactly.
package risk

import (
	"fmt"

	"agenttrail/pkg/models"
)

// Aggregator applies a Policy to session states.
type Aggregator struct {
	policy Policy
}

// NewAggregator returns an Aggregator over the policy, with missing
// weights filled from the defaults.
func NewAggregator(policy Policy) *Aggregator {
	return &Aggregator{policy: policy.withDefaults()}
}

// Policy returns the effective (default-filled) policy.
func (a *Aggregator) Policy() Policy { return a.policy }

// NewState is the zero posture a session starts from; replays seed
// from it. LastEventSequence of -1 means no events yet.
func NewState(sessionID string) *models.SessionState {
	return &models.SessionState{
		SessionID:         sessionID,
		Status:            models.SessionActive,
		RiskScore:         0,
		RiskLevel:         models.RiskLow,
		LastEventSequence: -1,
	}
}

// Fold returns the state after applying one record. The input state is
// not mutated. Records must be applied in ledger sequence order; the
// first folded record also stamps StartedAt so replay needs no outside
// clock.
func (a *Aggregator) Fold(state *models.SessionState, rec *models.EventRecord) (*models.SessionState, error) {
	if state == nil {
		return nil, fmt.Errorf("fold: nil state")
	}
	if rec == nil {
		return nil, fmt.Errorf("fold: nil record")
	}

	next := state.Clone()
	delta, threats, pii, err := a.score(rec)
	if err != nil {
		return nil, err
	}

	if next.TotalEvents == 0 {
		next.StartedAt = rec.Timestamp
	}
	next.TotalEvents++
	next.ThreatsDetected += int64(threats)
	next.PIIExposures += int64(pii)
	next.LastEventSequence = rec.Sequence
	next.RiskScore = clamp(next.RiskScore + delta)
	next.RiskLevel = Band(next.RiskScore)
	next.UpdatedAt = rec.Timestamp
	return next, nil
}

// Breached reports whether a score has reached the terminate
// threshold. The registry owns the actual status transition.
func (a *Aggregator) Breached(score int) bool {
	return score >= a.policy.TerminateThreshold
}

// Replay folds a full record slice from the zero state. Status is
// derived: breached chains come back terminated, everything else
// active. Close facts are not ledger events, so callers overlay any
// persisted terminal status themselves.
func (a *Aggregator) Replay(sessionID string, recs []*models.EventRecord) (*models.SessionState, error) {
	state := NewState(sessionID)
	for _, rec := range recs {
		next, err := a.Fold(state, rec)
		if err != nil {
			return nil, fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}
		state = next
		if a.Breached(state.RiskScore) {
			state.Status = models.SessionTerminated
		}
	}
	return state, nil
}

// score computes the weighted contribution of one record plus its
// threat and PII finding counts.
func (a *Aggregator) score(rec *models.EventRecord) (delta, threats, pii int, err error) {
	switch rec.Type {
	case models.EventScanInput, models.EventScanOutput:
		payload, err := models.DecodeScanPayload(rec.Payload)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("fold sequence %d: %w", rec.Sequence, err)
		}
		for _, threat := range payload.Threats {
			delta += a.policy.ThreatWeights[threat.Severity]
		}
		for _, span := range payload.PII {
			delta += a.policy.PIIWeights[span.Severity]
		}
		return delta, len(payload.Threats), len(payload.PII), nil

	case models.EventAction, models.EventAnomaly:
		payload, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("fold sequence %d: %w", rec.Sequence, err)
		}
		for _, anomaly := range payload.Anomalies {
			delta += a.policy.AnomalyWeights[anomaly.Severity]
		}
		return delta, 0, 0, nil

	default:
		return 0, 0, 0, fmt.Errorf("fold sequence %d: unknown event type %q", rec.Sequence, rec.Type)
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
