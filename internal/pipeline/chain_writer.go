package pipeline

import "agenttrail/internal/export"

// ChainWriter writes batches of chain export rows.
type ChainWriter interface {
	WriteRows(rows []export.SessionRow) error
	Close() error
}
