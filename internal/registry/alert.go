package registry

import (
	"sort"

	"github.com/google/uuid"

	"agenttrail/pkg/models"
)

const maxAlertConcerns = 3

// buildAlert snapshots the breach. Concerns come from the record that
// tipped the score; consumers wanting the full picture compile a
// report.
func (r *Registry) buildAlert(state *models.SessionState, rec *models.EventRecord) *models.RiskAlert {
	return &models.RiskAlert{
		AlertID:     uuid.NewString(),
		SessionID:   state.SessionID,
		RiskScore:   state.RiskScore,
		RiskLevel:   state.RiskLevel,
		Threshold:   r.agg.Policy().TerminateThreshold,
		Sequence:    rec.Sequence,
		RaisedAt:    rec.Timestamp,
		TopConcerns: concernsFromRecord(rec),
	}
}

func concernsFromRecord(rec *models.EventRecord) []models.Concern {
	var out []models.Concern

	switch rec.Type {
	case models.EventScanInput, models.EventScanOutput:
		p, err := models.DecodeScanPayload(rec.Payload)
		if err != nil {
			return nil
		}
		for _, t := range p.Threats {
			out = append(out, models.Concern{
				Description: t.Name,
				Category:    t.Category,
				Severity:    t.Severity,
				Sequence:    rec.Sequence,
			})
		}
		for _, span := range p.PII {
			out = append(out, models.Concern{
				Description: "pii:" + span.Kind,
				Category:    "pii",
				Severity:    span.Severity,
				Sequence:    rec.Sequence,
			})
		}

	case models.EventAction, models.EventAnomaly:
		p, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			return nil
		}
		for _, a := range p.Anomalies {
			out = append(out, models.Concern{
				Description: a.Name,
				Category:    "anomaly",
				Severity:    a.Severity,
				Sequence:    rec.Sequence,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() > out[j].Severity.Rank()
	})
	if len(out) > maxAlertConcerns {
		out = out[:maxAlertConcerns]
	}
	return out
}
