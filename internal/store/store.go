// Package store persists the ledger's records, the derived session
// states, and generated reports. Implementations must be safe for
// concurrent use; per-session write ordering is the caller's job.
package store

import (
	"context"
	"errors"

	"agenttrail/pkg/models"
)

var (
	// ErrNotFound is returned when a session state, record, or report
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSequenceConflict is returned when an append does not carry the
	// next sequence for its session. It is the storage-level backstop
	// against double appends.
	ErrSequenceConflict = errors.New("sequence conflict")
)

// EventStore is the append-only record store, one chain per session.
type EventStore interface {
	// AppendRecord persists rec. rec.Sequence must equal the current
	// chain length for its session.
	AppendRecord(ctx context.Context, rec *models.EventRecord) error

	// Records returns the session's records with sequence >= from, in
	// sequence order. An unknown session yields an empty slice.
	Records(ctx context.Context, sessionID string, from int64) ([]*models.EventRecord, error)

	// LastRecord returns the highest-sequence record of the session, or
	// ErrNotFound for an empty chain.
	LastRecord(ctx context.Context, sessionID string) (*models.EventRecord, error)
}

// StateStore holds the derived per-session state cache.
type StateStore interface {
	SaveState(ctx context.Context, state *models.SessionState) error
	GetState(ctx context.Context, sessionID string) (*models.SessionState, error)
	ListStates(ctx context.Context) ([]*models.SessionState, error)
}

// ReportStore holds generated reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, reportID string) (*models.Report, error)
	// ListReports returns reports for one session, or all reports when
	// sessionID is empty, newest first.
	ListReports(ctx context.Context, sessionID string) ([]*models.Report, error)
}

// Store is the full persistence surface the daemon wires up.
type Store interface {
	EventStore
	StateStore
	ReportStore
}
