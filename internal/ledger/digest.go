package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"agenttrail/pkg/models"
)

// GenesisHash is the previous_hash sentinel of every chain's first record.
const GenesisHash = "genesis"

// hashPrefix marks the digest algorithm in stored hashes.
const hashPrefix = "sha256:"

// hashable is the canonical digest input: every record field except
// Hash itself. Timestamps are fixed to UTC RFC3339Nano so the digest
// does not depend on the zone the record was created in.
type hashable struct {
	SessionID    string          `json:"session_id"`
	Sequence     int64           `json:"sequence"`
	Type         models.EventType `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
}

// Digest computes the content hash of a record: SHA-256 over the
// RFC 8785 canonical JSON of the record's fields, excluding Hash.
// Records with byte-different but semantically identical payload JSON
// (key order, whitespace) digest identically.
func Digest(rec *models.EventRecord) (string, error) {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	raw, err := json.Marshal(hashable{
		SessionID:    rec.SessionID,
		Sequence:     rec.Sequence,
		Type:         rec.Type,
		Payload:      payload,
		Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: rec.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("digest: marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("digest: canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hashPrefix + hex.EncodeToString(sum[:]), nil
}
