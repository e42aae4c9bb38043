package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"agenttrail/internal/store"
	"agenttrail/pkg/models"
)

// appendAll builds a chain from arbitrary action names, one record per
// name, and returns the records.
func appendAll(names []string) ([]*models.EventRecord, *Ledger, error) {
	l := New(store.NewMemory())
	recs := make([]*models.EventRecord, 0, len(names))
	for i, name := range names {
		payload, err := json.Marshal(models.ActionPayload{Name: name})
		if err != nil {
			return nil, nil, err
		}
		rec, err := l.Append(context.Background(), "sess-prop", models.EventAction,
			payload, testBase.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			return nil, nil, err
		}
		recs = append(recs, rec)
	}
	return recs, l, nil
}

func TestChainVerifiesForArbitraryAppendSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("every append sequence yields a verifiable chain", prop.ForAll(
		func(names []string) bool {
			recs, l, err := appendAll(names)
			if err != nil {
				return false
			}
			if err := l.Verify(context.Background(), "sess-prop"); err != nil {
				return false
			}
			for i, rec := range recs {
				if rec.Sequence != int64(i) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestTamperingAnyRecordIsLocalized(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("payload mutation at index i is reported at i", prop.ForAll(
		func(names []string, pick uint8) bool {
			if len(names) == 0 {
				return true
			}
			recs, _, err := appendAll(names)
			if err != nil {
				return false
			}
			target := int64(int(pick) % len(recs))

			tampered := store.NewMemory()
			for _, rec := range recs {
				cp := rec.Clone()
				if cp.Sequence == target {
					// ActionPayload never marshals a "tampered" key, so the
					// digest is guaranteed to change.
					cp.Payload = json.RawMessage(fmt.Sprintf(`{"name":"x","tampered":%d}`, target))
				}
				if err := tampered.AppendRecord(context.Background(), cp); err != nil {
					return false
				}
			}
			err = New(tampered).Verify(context.Background(), "sess-prop")
			var ce *CorruptionError
			return errors.As(err, &ce) && ce.Sequence == target
		},
		gen.SliceOfN(8, gen.Identifier()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
