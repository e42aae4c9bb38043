package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"agenttrail/pkg/models"
)

// SQLStore implements Store on database/sql. It runs against SQLite
// (modernc driver, including :memory: DSNs) and Postgres (lib/pq); the
// schema and $N placeholders are accepted by both.
type SQLStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	session_id    TEXT   NOT NULL,
	sequence      BIGINT NOT NULL,
	event_type    TEXT   NOT NULL,
	payload       TEXT   NOT NULL,
	created_at    TEXT   NOT NULL,
	previous_hash TEXT   NOT NULL,
	hash          TEXT   NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS session_states (
	session_id          TEXT PRIMARY KEY,
	status              TEXT    NOT NULL,
	risk_score          INTEGER NOT NULL,
	risk_level          TEXT    NOT NULL,
	total_events        BIGINT  NOT NULL,
	threats_detected    BIGINT  NOT NULL,
	pii_exposures       BIGINT  NOT NULL,
	last_event_sequence BIGINT  NOT NULL,
	started_at          TEXT    NOT NULL,
	updated_at          TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS session_reports (
	report_id    TEXT PRIMARY KEY,
	session_id   TEXT    NOT NULL,
	generated_at TEXT    NOT NULL,
	final        INTEGER NOT NULL,
	body         TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_reports_session
	ON session_reports (session_id);
`

// OpenSQL opens the database, verifies connectivity, and creates the
// schema if missing. driver is "sqlite" or "postgres".
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writes; a single connection avoids
		// table-lock errors and keeps :memory: DSNs on one database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) AppendRecord(ctx context.Context, rec *models.EventRecord) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("append: record without session id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events
			(session_id, sequence, event_type, payload, created_at, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.SessionID, rec.Sequence, string(rec.Type), string(rec.Payload),
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.PreviousHash, rec.Hash,
	)
	if err != nil {
		if s.recordExists(ctx, rec.SessionID, rec.Sequence) {
			return fmt.Errorf("%w: session %s sequence %d already stored",
				ErrSequenceConflict, rec.SessionID, rec.Sequence)
		}
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (s *SQLStore) recordExists(ctx context.Context, sessionID string, seq int64) bool {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM session_events WHERE session_id = $1 AND sequence = $2`,
		sessionID, seq,
	).Scan(&n)
	return err == nil && n > 0
}

func (s *SQLStore) Records(ctx context.Context, sessionID string, from int64) ([]*models.EventRecord, error) {
	if from < 0 {
		from = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, event_type, payload, created_at, previous_hash, hash
		FROM session_events
		WHERE session_id = $1 AND sequence >= $2
		ORDER BY sequence ASC`,
		sessionID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]*models.EventRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLStore) LastRecord(ctx context.Context, sessionID string) (*models.EventRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, sequence, event_type, payload, created_at, previous_hash, hash
		FROM session_events
		WHERE session_id = $1
		ORDER BY sequence DESC
		LIMIT 1`,
		sessionID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("last record: session %s: %w", sessionID, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EventRecord, error) {
	var (
		rec       models.EventRecord
		eventType string
		payload   string
		createdAt string
	)
	if err := row.Scan(&rec.SessionID, &rec.Sequence, &eventType, &payload,
		&createdAt, &rec.PreviousHash, &rec.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse record timestamp %q: %w", createdAt, err)
	}
	rec.Type = models.EventType(eventType)
	rec.Payload = json.RawMessage(payload)
	rec.Timestamp = ts
	return &rec, nil
}

func (s *SQLStore) SaveState(ctx context.Context, state *models.SessionState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("save state: state without session id")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_states SET
			status = $2, risk_score = $3, risk_level = $4, total_events = $5,
			threats_detected = $6, pii_exposures = $7, last_event_sequence = $8,
			started_at = $9, updated_at = $10
		WHERE session_id = $1`,
		state.SessionID, string(state.Status), state.RiskScore, string(state.RiskLevel),
		state.TotalEvents, state.ThreatsDetected, state.PIIExposures,
		state.LastEventSequence,
		state.StartedAt.UTC().Format(time.RFC3339Nano),
		state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_states
			(session_id, status, risk_score, risk_level, total_events,
			 threats_detected, pii_exposures, last_event_sequence, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		state.SessionID, string(state.Status), state.RiskScore, string(state.RiskLevel),
		state.TotalEvents, state.ThreatsDetected, state.PIIExposures,
		state.LastEventSequence,
		state.StartedAt.UTC().Format(time.RFC3339Nano),
		state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

func (s *SQLStore) GetState(ctx context.Context, sessionID string) (*models.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, risk_score, risk_level, total_events,
		       threats_detected, pii_exposures, last_event_sequence, started_at, updated_at
		FROM session_states
		WHERE session_id = $1`,
		sessionID,
	)
	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("state: session %s: %w", sessionID, ErrNotFound)
		}
		return nil, err
	}
	return state, nil
}

func (s *SQLStore) ListStates(ctx context.Context) ([]*models.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, status, risk_score, risk_level, total_events,
		       threats_detected, pii_exposures, last_event_sequence, started_at, updated_at
		FROM session_states
		ORDER BY session_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	out := make([]*models.SessionState, 0)
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate states: %w", err)
	}
	return out, nil
}

func scanState(row rowScanner) (*models.SessionState, error) {
	var (
		state     models.SessionState
		status    string
		level     string
		startedAt string
		updatedAt string
	)
	if err := row.Scan(&state.SessionID, &status, &state.RiskScore, &level,
		&state.TotalEvents, &state.ThreatsDetected, &state.PIIExposures,
		&state.LastEventSequence, &startedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan state: %w", err)
	}
	var err error
	if state.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse state started_at %q: %w", startedAt, err)
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse state updated_at %q: %w", updatedAt, err)
	}
	state.Status = models.SessionStatus(status)
	state.RiskLevel = models.RiskLevel(level)
	return &state, nil
}

func (s *SQLStore) SaveReport(ctx context.Context, report *models.Report) error {
	if report == nil || report.ReportID == "" {
		return fmt.Errorf("save report: report without id")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	finalFlag := 0
	if report.Final {
		finalFlag = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_reports (report_id, session_id, generated_at, final, body)
		VALUES ($1, $2, $3, $4, $5)`,
		report.ReportID, report.SessionID,
		report.GeneratedAt.UTC().Format(time.RFC3339Nano), finalFlag, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM session_reports WHERE report_id = $1`, reportID,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
		}
		return nil, fmt.Errorf("query report: %w", err)
	}
	var report models.Report
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", reportID, err)
	}
	return &report, nil
}

func (s *SQLStore) ListReports(ctx context.Context, sessionID string) ([]*models.Report, error) {
	query := `SELECT body FROM session_reports ORDER BY generated_at DESC, report_id ASC`
	args := []any{}
	if sessionID != "" {
		query = `SELECT body FROM session_reports WHERE session_id = $1
			ORDER BY generated_at DESC, report_id ASC`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Report, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var report models.Report
		if err := json.Unmarshal([]byte(body), &report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}
