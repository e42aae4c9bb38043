package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"agenttrail/internal/store"
	"agenttrail/pkg/models"
)

var testBase = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func scanPayload(t *testing.T, threats []models.Threat) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(models.ScanPayload{
		Direction:  "input",
		TextLength: 42,
		Threats:    threats,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func buildChain(t *testing.T, l *Ledger, sessionID string, n int) []*models.EventRecord {
	t.Helper()
	recs := make([]*models.EventRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := l.Append(context.Background(), sessionID, models.EventScanInput,
			scanPayload(t, []models.Threat{{Name: "probe", Category: "prompt_injection", Severity: models.SeverityLow}}),
			testBase.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		recs = append(recs, rec)
	}
	return recs
}

// reseed copies a chain into a fresh store, applying mutate to the
// record at the given sequence. This models external tampering with
// stored data.
func reseed(t *testing.T, recs []*models.EventRecord, seq int64, mutate func(*models.EventRecord)) *Ledger {
	t.Helper()
	tampered := store.NewMemory()
	for _, rec := range recs {
		cp := rec.Clone()
		if cp.Sequence == seq {
			mutate(cp)
		}
		if err := tampered.AppendRecord(context.Background(), cp); err != nil {
			t.Fatalf("reseed sequence %d: %v", cp.Sequence, err)
		}
	}
	return New(tampered)
}

func TestAppendBuildsLinkedChain(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-chain", 4)

	if recs[0].PreviousHash != GenesisHash {
		t.Fatalf("first record previous_hash = %q, want %q", recs[0].PreviousHash, GenesisHash)
	}
	for i, rec := range recs {
		if rec.Sequence != int64(i) {
			t.Fatalf("record %d has sequence %d", i, rec.Sequence)
		}
		if !strings.HasPrefix(rec.Hash, "sha256:") {
			t.Fatalf("record %d hash %q lacks algorithm prefix", i, rec.Hash)
		}
		if i > 0 && rec.PreviousHash != recs[i-1].Hash {
			t.Fatalf("record %d previous_hash does not link to record %d", i, i-1)
		}
	}
	if err := l.Verify(context.Background(), "sess-chain"); err != nil {
		t.Fatalf("verify fresh chain: %v", err)
	}
}

func TestDigestReproducibleFromStoredFields(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-digest", 3)

	for _, rec := range recs {
		sum, err := Digest(rec)
		if err != nil {
			t.Fatalf("digest sequence %d: %v", rec.Sequence, err)
		}
		if sum != rec.Hash {
			t.Fatalf("sequence %d: recomputed digest %q != stored %q", rec.Sequence, sum, rec.Hash)
		}
	}
}

func TestDigestIgnoresPayloadKeyOrder(t *testing.T) {
	a := &models.EventRecord{
		SessionID:    "sess-jcs",
		Sequence:     0,
		Type:         models.EventAction,
		Payload:      json.RawMessage(`{"name":"fetch","target":"https://example.com"}`),
		Timestamp:    testBase,
		PreviousHash: GenesisHash,
	}
	b := a.Clone()
	b.Payload = json.RawMessage(`{"target":"https://example.com","name":"fetch"}`)

	ha, err := Digest(a)
	if err != nil {
		t.Fatalf("digest a: %v", err)
	}
	hb, err := Digest(b)
	if err != nil {
		t.Fatalf("digest b: %v", err)
	}
	if ha != hb {
		t.Fatalf("semantically equal payloads digest differently: %q vs %q", ha, hb)
	}
}

func TestAppendForcesTimestampMonotonicity(t *testing.T) {
	l := New(store.NewMemory())
	ctx := context.Background()

	first, err := l.Append(ctx, "sess-ts", models.EventAction,
		json.RawMessage(`{"name":"read_file"}`), testBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	// wall clock stepped backwards between appends
	second, err := l.Append(ctx, "sess-ts", models.EventAction,
		json.RawMessage(`{"name":"read_file"}`), testBase)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("timestamp went backwards: %v then %v", first.Timestamp, second.Timestamp)
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	l := New(store.NewMemory())
	ctx := context.Background()

	if _, err := l.Append(ctx, "", models.EventAction, nil, testBase); err == nil {
		t.Fatal("append with empty session id succeeded")
	}
	if _, err := l.Append(ctx, "sess-bad", models.EventType("bogus"), nil, testBase); err == nil {
		t.Fatal("append with unknown event type succeeded")
	}
	if _, err := l.Append(ctx, "sess-bad", models.EventAction, json.RawMessage(`{not json`), testBase); err == nil {
		t.Fatal("append with invalid payload JSON succeeded")
	}
}

func TestVerifyEmptyChainIsClean(t *testing.T) {
	l := New(store.NewMemory())
	if err := l.Verify(context.Background(), "never-seen"); err != nil {
		t.Fatalf("verify empty chain: %v", err)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-tamper", 5)

	tampered := reseed(t, recs, 2, func(rec *models.EventRecord) {
		rec.Payload = json.RawMessage(`{"direction":"input","text_length":42}`)
	})
	err := tampered.Verify(context.Background(), "sess-tamper")
	if err == nil {
		t.Fatal("verify accepted tampered payload")
	}
	if !errors.Is(err, ErrChainCorrupted) {
		t.Fatalf("error %v is not ErrChainCorrupted", err)
	}
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v carries no CorruptionError", err)
	}
	if ce.Sequence != 2 {
		t.Fatalf("corruption reported at sequence %d, want 2", ce.Sequence)
	}
}

func TestVerifyDetectsRewrittenHash(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-hash", 4)

	tampered := reseed(t, recs, 1, func(rec *models.EventRecord) {
		rec.Hash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	})
	var ce *CorruptionError
	err := tampered.Verify(context.Background(), "sess-hash")
	if !errors.As(err, &ce) || ce.Sequence != 1 {
		t.Fatalf("want corruption at sequence 1, got %v", err)
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-link", 4)

	tampered := reseed(t, recs, 3, func(rec *models.EventRecord) {
		rec.PreviousHash = "sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	})
	var ce *CorruptionError
	err := tampered.Verify(context.Background(), "sess-link")
	if !errors.As(err, &ce) || ce.Sequence != 3 {
		t.Fatalf("want corruption at sequence 3, got %v", err)
	}
}

func TestVerifyDetectsTamperedTimestamp(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-time", 3)

	tampered := reseed(t, recs, 0, func(rec *models.EventRecord) {
		rec.Timestamp = rec.Timestamp.Add(time.Hour)
	})
	var ce *CorruptionError
	err := tampered.Verify(context.Background(), "sess-time")
	if !errors.As(err, &ce) || ce.Sequence != 0 {
		t.Fatalf("want corruption at sequence 0, got %v", err)
	}
}

func TestVerifyReportsFirstCorruptedSequence(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-first", 6)

	tampered := store.NewMemory()
	for _, rec := range recs {
		cp := rec.Clone()
		if cp.Sequence == 1 || cp.Sequence == 4 {
			cp.Payload = json.RawMessage(`{"mutated":true}`)
		}
		if err := tampered.AppendRecord(context.Background(), cp); err != nil {
			t.Fatalf("reseed: %v", err)
		}
	}
	var ce *CorruptionError
	err := New(tampered).Verify(context.Background(), "sess-first")
	if !errors.As(err, &ce) || ce.Sequence != 1 {
		t.Fatalf("want first corruption at sequence 1, got %v", err)
	}
}

func TestReadOffsets(t *testing.T) {
	l := New(store.NewMemory())
	buildChain(t, l, "sess-read", 5)
	ctx := context.Background()

	all, err := l.Read(ctx, "sess-read", 0)
	if err != nil {
		t.Fatalf("read from 0: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("read from 0 returned %d records, want 5", len(all))
	}

	tail, err := l.Read(ctx, "sess-read", 3)
	if err != nil {
		t.Fatalf("read from 3: %v", err)
	}
	if len(tail) != 2 || tail[0].Sequence != 3 {
		t.Fatalf("read from 3 returned wrong slice: %+v", tail)
	}

	empty, err := l.Read(ctx, "sess-read", 5)
	if err != nil {
		t.Fatalf("read at chain length: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("read at chain length returned %d records", len(empty))
	}

	if _, err := l.Read(ctx, "sess-read", 6); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("read beyond chain length: %v, want ErrInvalidSequence", err)
	}
	if _, err := l.Read(ctx, "sess-read", -1); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("read negative offset: %v, want ErrInvalidSequence", err)
	}
}

// rawStore returns records exactly as seeded, bypassing the memory
// store's append contiguity check, so gap corruption is testable.
type rawStore struct {
	recs []*models.EventRecord
}

func (s *rawStore) AppendRecord(ctx context.Context, rec *models.EventRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func (s *rawStore) Records(ctx context.Context, sessionID string, from int64) ([]*models.EventRecord, error) {
	return s.recs, nil
}

func (s *rawStore) LastRecord(ctx context.Context, sessionID string) (*models.EventRecord, error) {
	if len(s.recs) == 0 {
		return nil, store.ErrNotFound
	}
	return s.recs[len(s.recs)-1], nil
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	l := New(store.NewMemory())
	recs := buildChain(t, l, "sess-gap", 4)

	// drop record 2 entirely; the hole shows up at index 2
	gapped := &rawStore{recs: []*models.EventRecord{recs[0], recs[1], recs[3]}}
	var ce *CorruptionError
	err := New(gapped).Verify(context.Background(), "sess-gap")
	if !errors.As(err, &ce) || ce.Sequence != 2 {
		t.Fatalf("want corruption at sequence 2, got %v", err)
	}
}

func TestChainsAreIndependentAcrossSessions(t *testing.T) {
	l := New(store.NewMemory())
	buildChain(t, l, "sess-a", 3)
	buildChain(t, l, "sess-b", 2)

	a, err := l.Read(context.Background(), "sess-a", 0)
	if err != nil {
		t.Fatalf("read sess-a: %v", err)
	}
	b, err := l.Read(context.Background(), "sess-b", 0)
	if err != nil {
		t.Fatalf("read sess-b: %v", err)
	}
	if len(a) != 3 || len(b) != 2 {
		t.Fatalf("chain lengths %d/%d, want 3/2", len(a), len(b))
	}
	if b[0].PreviousHash != GenesisHash {
		t.Fatal("sess-b chain does not start at genesis")
	}
	for _, rec := range b {
		for _, other := range a {
			if rec.Hash == other.Hash {
				t.Fatalf("hash %q appears in both chains", rec.Hash)
			}
		}
	}
}
