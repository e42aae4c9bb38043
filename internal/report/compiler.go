// Package report compiles audit reports from a session's chain and
// risk state. Compilation is a read-only projection: given the same
// chain and state, the summary and analysis content is always
// identical (report id and generation time aside).
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"agenttrail/internal/risk"
	"agenttrail/internal/store"
	"agenttrail/pkg/models"
)

const maxPrimaryConcerns = 5

// recommendationByCategory is the fixed finding-category to guidance
// map. Unknown categories fall back to a generic review line.
var recommendationByCategory = map[string]string{
	"injection":    "Harden the system prompt and strip untrusted instructions from tool and user inputs.",
	"exfiltration": "Restrict outbound network access and review data egress paths for this agent.",
	"probing":      "Rate-limit interrogation of agent internals and audit prompt disclosure attempts.",
	"obfuscation":  "Decode and inspect encoded payloads before acting on them.",
	"pii":          "Enable output redaction and review PII handling policies for this agent.",
	"anomaly":      "Review the flagged actions and tighten the agent's execution allowlist.",
}

// Compiler builds and persists reports.
type Compiler struct {
	store store.Store
	agg   *risk.Aggregator
	now   func() time.Time
	newID func() string
}

// NewCompiler builds a compiler over the store. The aggregator is used
// to re-derive state when the stored copy is missing or lags the chain.
func NewCompiler(st store.Store, agg *risk.Aggregator) *Compiler {
	return &Compiler{
		store: st,
		agg:   agg,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Compile walks the session's chain once and produces a report. The
// report is persisted before it is returned. Unknown sessions return
// store.ErrNotFound; a known session with zero events compiles to a
// degenerate report.
func (c *Compiler) Compile(ctx context.Context, sessionID string) (*models.Report, error) {
	recs, err := c.store.Records(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	state, err := c.resolveState(ctx, sessionID, recs)
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		ReportID:    c.newID(),
		SessionID:   sessionID,
		GeneratedAt: c.now().UTC(),
		Final:       state.Status.Terminal(),
		Summary: models.ReportSummary{
			RiskScore:       state.RiskScore,
			RiskLevel:       state.RiskLevel,
			TotalEvents:     state.TotalEvents,
			ThreatsDetected: state.ThreatsDetected,
			PIIExposures:    state.PIIExposures,
			PrimaryConcerns: rankConcerns(collectConcerns(recs)),
		},
		Analysis: models.ReportAnalysis{
			AttackVectors:    attackVectors(recs),
			BehaviorPatterns: behaviorPatterns(recs),
			Timeline:         timeline(recs),
			Recommendations:  recommendations(recs),
		},
	}

	if err := c.store.SaveReport(ctx, report); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	return report, nil
}

// resolveState prefers the stored state but never trusts one that has
// missed appends; terminal status survives a replay.
func (c *Compiler) resolveState(ctx context.Context, sessionID string, recs []*models.EventRecord) (*models.SessionState, error) {
	stored, err := c.store.GetState(ctx, sessionID)
	switch {
	case err == nil:
		if len(recs) == 0 || recs[len(recs)-1].Sequence <= stored.LastEventSequence {
			return stored, nil
		}
		replayed, replayErr := c.agg.Replay(sessionID, recs)
		if replayErr != nil {
			return nil, replayErr
		}
		if stored.Status.Terminal() {
			replayed.Status = stored.Status
		}
		return replayed, nil

	case errors.Is(err, store.ErrNotFound):
		if len(recs) == 0 {
			return nil, store.ErrNotFound
		}
		return c.agg.Replay(sessionID, recs)

	default:
		return nil, err
	}
}

// collectConcerns flattens every finding in the chain into concern
// entries anchored to their sequence.
func collectConcerns(recs []*models.EventRecord) []models.Concern {
	var out []models.Concern
	for _, rec := range recs {
		switch rec.Type {
		case models.EventScanInput, models.EventScanOutput:
			p, err := models.DecodeScanPayload(rec.Payload)
			if err != nil {
				continue
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
				continue
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
	}
	return out
}

// rankConcerns orders by severity, then recency (a later sequence
// outranks an earlier one at equal severity), then description to make
// the order total.
func rankConcerns(concerns []models.Concern) []models.Concern {
	sort.SliceStable(concerns, func(i, j int) bool {
		a, b := concerns[i], concerns[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Sequence != b.Sequence {
			return a.Sequence > b.Sequence
		}
		return a.Description < b.Description
	})
	if len(concerns) > maxPrimaryConcerns {
		concerns = concerns[:maxPrimaryConcerns]
	}
	return concerns
}

// attackVectors groups scan threats by category.
func attackVectors(recs []*models.EventRecord) []models.AttackVector {
	byCategory := make(map[string]*models.AttackVector)
	for _, rec := range recs {
		if rec.Type != models.EventScanInput && rec.Type != models.EventScanOutput {
			continue
		}
		p, err := models.DecodeScanPayload(rec.Payload)
		if err != nil {
			continue
		}
		for _, t := range p.Threats {
			v, ok := byCategory[t.Category]
			if !ok {
				v = &models.AttackVector{
					Category:      t.Category,
					MaxSeverity:   t.Severity,
					FirstSequence: rec.Sequence,
					LastSequence:  rec.Sequence,
				}
				byCategory[t.Category] = v
			}
			v.Occurrences++
			if t.Severity.Rank() > v.MaxSeverity.Rank() {
				v.MaxSeverity = t.Severity
			}
			if rec.Sequence < v.FirstSequence {
				v.FirstSequence = rec.Sequence
			}
			if rec.Sequence > v.LastSequence {
				v.LastSequence = rec.Sequence
			}
		}
	}

	out := make([]models.AttackVector, 0, len(byCategory))
	for _, v := range byCategory {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// behaviorPatterns surfaces recurring anomalies and repeated actions.
func behaviorPatterns(recs []*models.EventRecord) []models.BehaviorPattern {
	type group struct {
		count  int
		reason string
	}
	anomalies := make(map[string]*group)
	actions := make(map[string]int)

	for _, rec := range recs {
		if rec.Type != models.EventAction && rec.Type != models.EventAnomaly {
			continue
		}
		p, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			continue
		}
		actions[p.Name]++
		for _, a := range p.Anomalies {
			g, ok := anomalies[a.Name]
			if !ok {
				g = &group{reason: a.Reason}
				anomalies[a.Name] = g
			}
			g.count++
		}
	}

	var out []models.BehaviorPattern
	for name, g := range anomalies {
		out = append(out, models.BehaviorPattern{
			Name:        name,
			Description: g.reason,
			Occurrences: g.count,
		})
	}
	for name, count := range actions {
		if count < 3 {
			continue
		}
		out = append(out, models.BehaviorPattern{
			Name:        "repeated_action:" + name,
			Description: fmt.Sprintf("action %q executed %d times", name, count),
			Occurrences: count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// timeline digests every record into one chronological row.
func timeline(recs []*models.EventRecord) []models.TimelineEntry {
	out := make([]models.TimelineEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.TimelineEntry{
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp,
			Type:      rec.Type,
			Summary:   recordSummary(rec),
		})
	}
	return out
}

func recordSummary(rec *models.EventRecord) string {
	switch rec.Type {
	case models.EventScanInput, models.EventScanOutput:
		p, err := models.DecodeScanPayload(rec.Payload)
		if err != nil {
			return string(rec.Type)
		}
		return fmt.Sprintf("%s scan, %d bytes, threats=%d pii=%d",
			p.Direction, p.TextLength, len(p.Threats), len(p.PII))

	case models.EventAction:
		p, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			return string(rec.Type)
		}
		return fmt.Sprintf("action %s", p.Name)

	case models.EventAnomaly:
		p, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			return string(rec.Type)
		}
		return fmt.Sprintf("anomalous action %s, anomalies=%d", p.Name, len(p.Anomalies))
	}
	return string(rec.Type)
}

// recommendations maps every observed finding category through the
// fixed template table, deduplicated and sorted.
func recommendations(recs []*models.EventRecord) []string {
	categories := make(map[string]bool)
	for _, concern := range collectConcerns(recs) {
		categories[concern.Category] = true
	}

	keys := make([]string, 0, len(categories))
	for cat := range categories {
		keys = append(keys, cat)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, cat := range keys {
		if rec, ok := recommendationByCategory[cat]; ok {
			out = append(out, rec)
		} else {
			out = append(out, fmt.Sprintf("Review detection coverage for finding category %q.", cat))
		}
	}
	return out
}
