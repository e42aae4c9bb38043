package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agenttrail/pkg/models"
)

// MemoryStore is the in-process Store used for tests and single-node
// development runs. All returned values are clones, so callers cannot
// mutate stored chains through them.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[string][]*models.EventRecord
	states  map[string]*models.SessionState
	reports map[string]*models.Report
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string][]*models.EventRecord),
		states:  make(map[string]*models.SessionState),
		reports: make(map[string]*models.Report),
	}
}

func (m *MemoryStore) AppendRecord(ctx context.Context, rec *models.EventRecord) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("append: record without session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.events[rec.SessionID]
	if rec.Sequence != int64(len(chain)) {
		return fmt.Errorf("%w: session %s got sequence %d, next is %d",
			ErrSequenceConflict, rec.SessionID, rec.Sequence, len(chain))
	}
	m.events[rec.SessionID] = append(chain, rec.Clone())
	return nil
}

func (m *MemoryStore) Records(ctx context.Context, sessionID string, from int64) ([]*models.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.events[sessionID]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(chain)) {
		return []*models.EventRecord{}, nil
	}
	out := make([]*models.EventRecord, 0, int64(len(chain))-from)
	for _, rec := range chain[from:] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *MemoryStore) LastRecord(ctx context.Context, sessionID string) (*models.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.events[sessionID]
	if len(chain) == 0 {
		return nil, fmt.Errorf("last record: session %s: %w", sessionID, ErrNotFound)
	}
	return chain[len(chain)-1].Clone(), nil
}

func (m *MemoryStore) SaveState(ctx context.Context, state *models.SessionState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("save state: state without session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SessionID] = state.Clone()
	return nil
}

func (m *MemoryStore) GetState(ctx context.Context, sessionID string) (*models.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[sessionID]
	if !ok {
		return nil, fmt.Errorf("state: session %s: %w", sessionID, ErrNotFound)
	}
	return state.Clone(), nil
}

func (m *MemoryStore) ListStates(ctx context.Context) ([]*models.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.SessionState, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MemoryStore) SaveReport(ctx context.Context, report *models.Report) error {
	if report == nil || report.ReportID == "" {
		return fmt.Errorf("save report: report without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *report
	m.reports[report.ReportID] = &cp
	return nil
}

func (m *MemoryStore) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report, ok := m.reports[reportID]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	cp := *report
	return &cp, nil
}

func (m *MemoryStore) ListReports(ctx context.Context, sessionID string) ([]*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Report, 0, len(m.reports))
	for _, report := range m.reports {
		if sessionID != "" && report.SessionID != sessionID {
			continue
		}
		cp := *report
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.After(out[j].GeneratedAt)
		}
		return out[i].ReportID < out[j].ReportID
	})
	return out, nil
}
