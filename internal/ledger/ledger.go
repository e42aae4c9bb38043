// Package ledger implements the append-only, hash-chained event log.
// Each session owns an independent chain: sequences start at 0, every
// record links to its predecessor's hash, and the first record links
// to the genesis sentinel. The ledger itself is stateless over the
// event store; per-session append serialization is the caller's
// responsibility (the registry holds a lock per session).
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agenttrail/internal/store"
	"agenttrail/pkg/models"
)

var (
	// ErrChainCorrupted is the base error for verification failures.
	// Use errors.As with *CorruptionError to obtain the sequence.
	ErrChainCorrupted = errors.New("chain corrupted")

	// ErrInvalidSequence is returned by Read for offsets outside
	// [0, chain length].
	ErrInvalidSequence = errors.New("invalid sequence request")
)

// CorruptionError identifies the first record that fails verification.
// Later records are unverifiable until it is remediated; the chain is
// never repaired or truncated here.
type CorruptionError struct {
	SessionID string
	Sequence  int64
	Reason    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("chain corrupted: session %s sequence %d: %s",
		e.SessionID, e.Sequence, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrChainCorrupted }

// Ledger appends, reads, and verifies session chains.
type Ledger struct {
	events store.EventStore
}

// New returns a Ledger over the given event store.
func New(events store.EventStore) *Ledger {
	return &Ledger{events: events}
}

// Append creates the session's next record: it assigns the next
// sequence, links previous_hash, enforces per-session timestamp
// monotonicity, computes the digest, and persists the record. Callers
// must serialize Append per session.
func (l *Ledger) Append(ctx context.Context, sessionID string, typ models.EventType, payload json.RawMessage, at time.Time) (*models.EventRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("append: empty session id")
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("append: unknown event type %q", typ)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("append: payload is not valid JSON")
	}

	var (
		sequence int64
		prevHash = GenesisHash
	)
	last, err := l.events.LastRecord(ctx, sessionID)
	switch {
	case err == nil:
		sequence = last.Sequence + 1
		prevHash = last.Hash
		if at.Before(last.Timestamp) {
			at = last.Timestamp
		}
	case errors.Is(err, store.ErrNotFound):
		// first record for this session
	default:
		return nil, fmt.Errorf("append: read chain head: %w", err)
	}

	rec := &models.EventRecord{
		SessionID:    sessionID,
		Sequence:     sequence,
		Type:         typ,
		Payload:      payload,
		Timestamp:    at.UTC(),
		PreviousHash: prevHash,
	}
	hash, err := Digest(rec)
	if err != nil {
		return nil, err
	}
	rec.Hash = hash

	if err := l.events.AppendRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("append: persist sequence %d: %w", sequence, err)
	}
	return rec, nil
}

// Read returns the session's records from the given sequence onward.
// from must lie in [0, chain length]; reading at exactly the chain
// length returns an empty slice, a valid restart point for pollers.
func (l *Ledger) Read(ctx context.Context, sessionID string, from int64) ([]*models.EventRecord, error) {
	if from < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidSequence, from)
	}
	length, err := l.Length(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if from > length {
		return nil, fmt.Errorf("%w: offset %d beyond chain length %d", ErrInvalidSequence, from, length)
	}
	return l.events.Records(ctx, sessionID, from)
}

// Length returns the session's next sequence number (0 for an empty
// or unknown session).
func (l *Ledger) Length(ctx context.Context, sessionID string) (int64, error) {
	last, err := l.events.LastRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("chain length: %w", err)
	}
	return last.Sequence + 1, nil
}

// Verify walks the chain from genesis and recomputes every digest.
// It fails fast at the first record whose linkage or content hash does
// not match, returning a *CorruptionError with that sequence. An empty
// chain verifies clean. Verification is read-only and respects ctx
// cancellation between records.
func (l *Ledger) Verify(ctx context.Context, sessionID string) error {
	recs, err := l.events.Records(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("verify: read chain: %w", err)
	}

	expectPrev := GenesisHash
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Sequence != int64(i) {
			return &CorruptionError{
				SessionID: sessionID,
				Sequence:  int64(i),
				Reason:    fmt.Sprintf("expected sequence %d, found %d", i, rec.Sequence),
			}
		}
		if rec.PreviousHash != expectPrev {
			return &CorruptionError{
				SessionID: sessionID,
				Sequence:  rec.Sequence,
				Reason:    "previous hash does not match predecessor",
			}
		}
		sum, err := Digest(rec)
		if err != nil {
			return fmt.Errorf("verify: sequence %d: %w", rec.Sequence, err)
		}
		if sum != rec.Hash {
			return &CorruptionError{
				SessionID: sessionID,
				Sequence:  rec.Sequence,
				Reason:    "content hash mismatch",
			}
		}
		expectPrev = rec.Hash
	}
	return nil
}
