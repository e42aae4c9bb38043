package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"agenttrail/internal/detect"
	"agenttrail/internal/ledger"
	"agenttrail/internal/logger"
	"agenttrail/internal/registry"
	"agenttrail/internal/store"
)

// ProblemDetail is the RFC 7807 error body every failing response
// carries. Sequence is an extension member set only for chain
// corruption so operators can localize the first bad record.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Sequence *int64 `json:"sequence,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://agenttrail.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblemDetail(w, r, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblemDetail(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeDomainError maps the core error taxonomy onto HTTP statuses.
// Corruption is distinguishable from absence (409 vs 404), detection
// outages are retryable (503 with Retry-After), and anything outside
// the taxonomy is a 500 whose internals never reach the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var corruption *ledger.CorruptionError
	switch {
	case errors.As(err, &corruption):
		seq := corruption.Sequence
		writeProblemDetail(w, r, &ProblemDetail{
			Type:     problemType(http.StatusConflict),
			Title:    "Chain Corrupted",
			Status:   http.StatusConflict,
			Detail:   fmt.Sprintf("integrity verification failed at sequence %d", seq),
			Sequence: &seq,
		})

	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Not Found", "session or report does not exist")

	case errors.Is(err, registry.ErrSessionClosed):
		writeProblem(w, r, http.StatusConflict, "Session Closed", "the session no longer accepts events")

	case errors.Is(err, ledger.ErrInvalidSequence):
		writeProblem(w, r, http.StatusBadRequest, "Invalid Sequence Request", err.Error())

	case errors.Is(err, detect.ErrUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(5))
		title := "Detection Unavailable"
		if errors.Is(err, detect.ErrTimeout) {
			title = "Detection Timed Out"
		}
		writeProblem(w, r, http.StatusServiceUnavailable, title, "detection gateway failed; the event was not recorded and the request can be retried")

	default:
		logger.Errorf("server: internal error on %s %s: %v", r.Method, r.URL.Path, err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
	}
}
