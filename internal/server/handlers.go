package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"agenttrail/internal/detect"
	"agenttrail/internal/export"
	"agenttrail/pkg/models"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "request body is not valid JSON")
		return false
	}
	return true
}

type scanRequest struct {
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

type recordResponse struct {
	Record  *models.EventRecord  `json:"record"`
	Session *models.SessionState `json:"session"`
}

func (s *Server) recordScan(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req scanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Direction != detect.DirectionInput && req.Direction != detect.DirectionOutput {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "direction must be input or output")
		return
	}

	rec, state, err := s.registry.RecordScan(r.Context(), sessionID, req.Direction, req.Text)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{Record: rec, Session: state})
}

func (s *Server) recordAction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req models.ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "action name is required")
		return
	}

	rec, state, err := s.registry.RecordAction(r.Context(), sessionID, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{Record: rec, Session: state})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	states, err := s.registry.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": states})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.registry.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.registry.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) verifySession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.registry.Verify(r.Context(), sessionID); err != nil {
		s.metrics.IncVerifyFailure()
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "valid": true})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "Bad Request", "from must be an integer sequence")
			return
		}
		from = parsed
	}

	events, err := s.registry.Events(r.Context(), sessionID, from)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "from": from, "events": events})
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.compiler.Compile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListReports(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) exportChain(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	recs, err := s.registry.Events(r.Context(), sessionID, 0)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	rows := export.RowsFromRecords(recs)

	switch format := r.URL.Query().Get("format"); format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := export.WriteJSONL(w, rows); err != nil {
			// Headers are gone; nothing more useful to send.
			return
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		if err := export.WriteCSV(w, rows); err != nil {
			return
		}
	default:
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "format must be csv or jsonl")
	}
}

func (s *Server) exportGraph(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	recs, err := s.registry.Events(r.Context(), sessionID, 0)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	graph := export.BuildSessionGraph(sessionID, recs)
	canonical, err := graph.MarshalCanonical()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(canonical)
}
