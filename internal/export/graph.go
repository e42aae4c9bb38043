package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"agenttrail/pkg/models"
)

// Vertex and edge type labels of the session graph.
const (
	VertexSession = "Session"
	VertexEvent   = "Event"
	VertexFinding = "Finding"

	EdgeHasEvent = "HAS_EVENT"
	EdgeNext     = "NEXT"
	EdgeDetected = "DETECTED"
)

// Vertex is one graph node. Props carries node-type specific fields.
type Vertex struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Props map[string]any `json:"props,omitempty"`
}

// Edge is one directed relation between two vertices.
type Edge struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// SessionGraph is the graph rendering of one session's chain: the
// session vertex, one event vertex per record linked by NEXT edges,
// and deduplicated finding vertices linked by DETECTED edges.
type SessionGraph struct {
	SessionID string   `json:"session_id"`
	Vertices  []Vertex `json:"vertices"`
	Edges     []Edge   `json:"edges"`
}

// BuildSessionGraph maps a chain into its graph. Vertices appear in
// first-encounter order and edges in chain order, so the graph is
// identical across builds for a fixed chain.
func BuildSessionGraph(sessionID string, recs []*models.EventRecord) *SessionGraph {
	g := &SessionGraph{
		SessionID: sessionID,
		Vertices:  []Vertex{},
		Edges:     []Edge{},
	}

	sessionID = strings.TrimSpace(sessionID)
	sessID := sessionVertexID(sessionID)
	g.Vertices = append(g.Vertices, Vertex{
		ID:   sessID,
		Type: VertexSession,
		Props: map[string]any{
			"event_count": len(recs),
		},
	})

	seenFindings := make(map[string]bool)
	prevEventID := ""

	for _, rec := range recs {
		evID := eventVertexID(sessionID, rec.Sequence)
		g.Vertices = append(g.Vertices, Vertex{
			ID:   evID,
			Type: VertexEvent,
			Props: map[string]any{
				"sequence":  rec.Sequence,
				"type":      string(rec.Type),
				"hash":      rec.Hash,
				"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
		g.Edges = append(g.Edges, Edge{Type: EdgeHasEvent, From: sessID, To: evID})
		if prevEventID != "" {
			g.Edges = append(g.Edges, Edge{Type: EdgeNext, From: prevEventID, To: evID})
		}
		prevEventID = evID

		for _, f := range findingsFromRecord(rec) {
			if !seenFindings[f.ID] {
				seenFindings[f.ID] = true
				g.Vertices = append(g.Vertices, f)
			}
			g.Edges = append(g.Edges, Edge{Type: EdgeDetected, From: evID, To: f.ID})
		}
	}

	return g
}

// MarshalCanonical renders the graph as RFC 8785 canonical JSON.
func (g *SessionGraph) MarshalCanonical() ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize graph: %w", err)
	}
	return canonical, nil
}

// findingsFromRecord extracts finding vertices in payload order.
func findingsFromRecord(rec *models.EventRecord) []Vertex {
	var out []Vertex
	switch rec.Type {
	case models.EventScanInput, models.EventScanOutput:
		p, err := models.DecodeScanPayload(rec.Payload)
		if err != nil {
			return nil
		}
		for _, t := range p.Threats {
			out = append(out, Vertex{
				ID:   threatVertexID(t.Category, t.Name),
				Type: VertexFinding,
				Props: map[string]any{
					"kind":     "threat",
					"name":     t.Name,
					"category": t.Category,
					"severity": string(t.Severity),
				},
			})
		}
		for _, s := range p.PII {
			out = append(out, Vertex{
				ID:   piiVertexID(s.Kind),
				Type: VertexFinding,
				Props: map[string]any{
					"kind":     "pii",
					"name":     s.Kind,
					"severity": string(s.Severity),
				},
			})
		}

	case models.EventAction, models.EventAnomaly:
		p, err := models.DecodeActionPayload(rec.Payload)
		if err != nil {
			return nil
		}
		for _, a := range p.Anomalies {
			out = append(out, Vertex{
				ID:   anomalyVertexID(a.Name),
				Type: VertexFinding,
				Props: map[string]any{
					"kind":     "anomaly",
					"name":     a.Name,
					"severity": string(a.Severity),
				},
			})
		}
	}
	return out
}

func sessionVertexID(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func eventVertexID(sessionID string, sequence int64) string {
	return fmt.Sprintf("event:%s:%d", sessionID, sequence)
}

func threatVertexID(category, name string) string {
	return fmt.Sprintf("threat:%s:%s", strings.ToLower(category), strings.ToLower(name))
}

func piiVertexID(kind string) string {
	return fmt.Sprintf("pii:%s", strings.ToLower(kind))
}

func anomalyVertexID(name string) string {
	return fmt.Sprintf("anomaly:%s", strings.ToLower(name))
}
