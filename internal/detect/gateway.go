// Package detect is the detection gateway: it inspects text passing
// through an agent session and the actions the agent executes, and
// returns findings for the ledger. Implementations must be safe for
// concurrent use; the registry calls them outside any session lock.
package detect

import (
	"context"
	"errors"
	"fmt"

	"agenttrail/pkg/models"
)

// Scan directions.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// ErrUnavailable is the base failure class for the gateway. Callers
// treat any error wrapping it as "nothing was recorded, retry later".
var ErrUnavailable = errors.New("detection gateway unavailable")

var (
	// ErrTimeout marks a scan or action check that hit its deadline.
	ErrTimeout = fmt.Errorf("detection timed out: %w", ErrUnavailable)

	// ErrMalformed marks a gateway response that could not be decoded
	// or that the gateway rejected as invalid.
	ErrMalformed = fmt.Errorf("malformed detection exchange: %w", ErrUnavailable)
)

// Gateway inspects session traffic. Scan analyzes one body of text
// moving in the given direction; CheckAction analyzes one executed
// agent action. Both return findings only, never verdicts: deciding
// what a finding does to the session is the risk policy's job.
type Gateway interface {
	Scan(ctx context.Context, text, direction string) (*models.ScanFindings, error)
	CheckAction(ctx context.Context, req models.ActionRequest) (*models.ActionFindings, error)
}
