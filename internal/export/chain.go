// Package export renders a session's chain into analyst-facing
// formats: flat chain rows (CSV, JSONL) and a session graph document.
// All renderings are byte-for-byte reproducible for a fixed chain, so
// exports can be diffed and re-verified downstream.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"agenttrail/pkg/models"
)

// ChainRow is one flat export row per ledger record.
type ChainRow struct {
	Sequence     int64  `json:"sequence"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
	Timestamp    string `json:"timestamp"`
}

// RowFromRecord flattens one record. Name carries the most useful
// label for the row: the dominant finding for scans, the action name
// for actions.
func RowFromRecord(rec *models.EventRecord) ChainRow {
	return ChainRow{
		Sequence:     rec.Sequence,
		Type:         string(rec.Type),
		Name:         rowName(rec),
		Hash:         rec.Hash,
		PreviousHash: rec.PreviousHash,
		Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// SessionRow is a chain row tagged with its session, the shape the
// streaming export pipeline ships to analytics sinks where rows from
// many sessions interleave.
type SessionRow struct {
	SessionID string `json:"session_id"`
	ChainRow
}

// SessionRowFromRecord flattens one record for the streaming export.
func SessionRowFromRecord(rec *models.EventRecord) SessionRow {
	return SessionRow{
		SessionID: rec.SessionID,
		ChainRow:  RowFromRecord(rec),
	}
}

// RowsFromRecords flattens a chain in sequence order.
func RowsFromRecords(recs []*models.EventRecord) []ChainRow {
	rows := make([]ChainRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, RowFromRecord(rec))
	}
	return rows
}

// rowName picks the row label. Scans are labelled by their highest
// severity threat, then by their highest severity PII kind, then
// "clean"; actions are labelled by the action name.
func rowName(rec *models.EventRecord) string {
	switch rec.Type {
	case models.EventScanInput, models.EventScanOutput:
		p, err := models.DecodeScanPayload(rec.Payload)
		if err != nil {
			return ""
		}
		if t, ok := dominantThreat(p.Threats); ok {
			return t.Name
		}
		if s, ok := dominantPII(p.PII); ok {
			return "pii:" + s.Kind
		}
		return "clean"

	case models.EventAction, models.EventAnomaly:
		p, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			return ""
		}
		return p.Name
	}
	return ""
}

func dominantThreat(threats []models.Threat) (models.Threat, bool) {
	if len(threats) == 0 {
		return models.Threat{}, false
	}
	best := threats[0]
	for _, t := range threats[1:] {
		if t.Severity.Rank() > best.Severity.Rank() {
			best = t
		}
	}
	return best, true
}

func dominantPII(spans []models.PIISpan) (models.PIISpan, bool) {
	if len(spans) == 0 {
		return models.PIISpan{}, false
	}
	best := spans[0]
	for _, s := range spans[1:] {
		if s.Severity.Rank() > best.Severity.Rank() {
			best = s
		}
	}
	return best, true
}

// csvHeader is the fixed column order of the CSV rendering.
var csvHeader = []string{"sequence", "type", "name", "hash", "previous_hash", "timestamp"}

// WriteCSV renders rows as CSV with a header line.
func WriteCSV(w io.Writer, rows []ChainRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.Sequence, 10),
			row.Type,
			row.Name,
			row.Hash,
			row.PreviousHash,
			row.Timestamp,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", row.Sequence, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONL renders rows as JSON Lines, one object per row.
func WriteJSONL(w io.Writer, rows []ChainRow) error {
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", row.Sequence, err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("write row %d: %w", row.Sequence, err)
		}
	}
	return nil
}
