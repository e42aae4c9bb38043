// Package registry is the single owner of per-session mutable state.
// Every operation that touches one session's ledger or risk state is
// serialized on that session's lock; operations on different sessions
// never contend. Detection runs before the lock is taken so a slow
// detector on one session cannot stall another.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agenttrail/internal/detect"
	"agenttrail/internal/ledger"
	"agenttrail/internal/logger"
	"agenttrail/internal/metrics"
	"agenttrail/internal/risk"
	"agenttrail/internal/store"
	"agenttrail/pkg/models"
)

// ErrSessionClosed rejects appends to completed or terminated sessions.
var ErrSessionClosed = errors.New("session closed")

// StateCache mirrors session state into a fast external store. Cache
// writes are best effort; a failing cache never fails the append path.
type StateCache interface {
	Put(ctx context.Context, state *models.SessionState) error
}

// Config wires the registry's collaborators.
type Config struct {
	Store      store.Store
	Gateway    detect.Gateway
	Aggregator *risk.Aggregator

	// DetectionTimeout bounds each gateway call. Zero means 5s.
	DetectionTimeout time.Duration

	// Now is the clock; nil means time.Now. Injected for tests.
	Now func() time.Time

	// Records, if set, receives every appended record (for the export
	// pipeline). Sends never block; a full channel drops with a log.
	Records chan<- *models.EventRecord

	// Alerts, if set, receives risk-breach alerts. Same drop policy.
	Alerts chan<- *models.RiskAlert

	// Cache, if set, mirrors state after every change.
	Cache StateCache

	// Metrics, if set, counts appends, detection outcomes and
	// terminations.
	Metrics *metrics.Metrics
}

// Registry routes session operations: detect, append, fold, persist.
type Registry struct {
	store            store.Store
	ledger           *ledger.Ledger
	agg              *risk.Aggregator
	gateway          detect.Gateway
	detectionTimeout time.Duration
	now              func() time.Time
	records          chan<- *models.EventRecord
	alerts           chan<- *models.RiskAlert
	cache            StateCache
	metrics          *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// session carries one session's lock and cached state. state is nil
// until first loaded; all access happens under mu.
type session struct {
	mu    sync.Mutex
	state *models.SessionState
}

// New builds a registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("registry: detection gateway is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("registry: risk aggregator is required")
	}
	timeout := cfg.DetectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:            cfg.Store,
		ledger:           ledger.New(cfg.Store),
		agg:              cfg.Aggregator,
		gateway:          cfg.Gateway,
		detectionTimeout: timeout,
		now:              now,
		records:          cfg.Records,
		alerts:           cfg.Alerts,
		cache:            cfg.Cache,
		metrics:          cfg.Metrics,
		sessions:         make(map[string]*session),
	}, nil
}

// handle returns the session slot, creating an empty one if needed.
// Only the map access is guarded here; state loading happens under the
// session's own lock.
func (r *Registry) handle(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{}
		r.sessions[sessionID] = s
	}
	return s
}

// loadLocked populates s.state. Caller holds s.mu.
//
// Resolution order: cached in-memory state, then the stored state
// (replayed instead when the chain has records the stored state has
// not seen), then a rebuild from records alone, then a fresh state if
// create is set. The stored status wins over replay for terminal
// sessions; every numeric field always comes from the fold.
func (r *Registry) loadLocked(ctx context.Context, s *session, sessionID string, create bool) error {
	if s.state != nil {
		return nil
	}

	stored, err := r.store.GetState(ctx, sessionID)
	switch {
	case err == nil:
		last, lastErr := r.store.LastRecord(ctx, sessionID)
		if lastErr != nil && !errors.Is(lastErr, store.ErrNotFound) {
			return lastErr
		}
		if lastErr == nil && last.Sequence > stored.LastEventSequence {
			rebuilt, rebuildErr := r.rebuild(ctx, sessionID, stored)
			if rebuildErr != nil {
				return rebuildErr
			}
			s.state = rebuilt
			return nil
		}
		s.state = stored
		return nil

	case errors.Is(err, store.ErrNotFound):
		if _, lastErr := r.store.LastRecord(ctx, sessionID); lastErr == nil {
			rebuilt, rebuildErr := r.rebuild(ctx, sessionID, nil)
			if rebuildErr != nil {
				return rebuildErr
			}
			s.state = rebuilt
			return nil
		} else if !errors.Is(lastErr, store.ErrNotFound) {
			return lastErr
		}
		if !create {
			return store.ErrNotFound
		}
		fresh := risk.NewState(sessionID)
		if saveErr := r.store.SaveState(ctx, fresh); saveErr != nil {
			return saveErr
		}
		s.state = fresh
		return nil

	default:
		return err
	}
}

// rebuild replays the full chain through the aggregator. A terminal
// stored status survives the replay; everything else is derived.
func (r *Registry) rebuild(ctx context.Context, sessionID string, stored *models.SessionState) (*models.SessionState, error) {
	recs, err := r.store.Records(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	replayed, err := r.agg.Replay(sessionID, recs)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.Status.Terminal() {
		replayed.Status = stored.Status
	}
	if err := r.store.SaveState(ctx, replayed); err != nil {
		logger.Warnf("registry: persist rebuilt state session=%s: %v", sessionID, err)
	}
	return replayed, nil
}

// GetOrCreate returns the session's state, creating and persisting a
// fresh active state when the session is new.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("registry: empty session id")
	}
	s := r.handle(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := r.loadLocked(ctx, s, sessionID, true); err != nil {
		return nil, err
	}
	return s.state.Clone(), nil
}

// Status returns the session's current state, rebuilding it from the
// chain when no trustworthy cached copy exists.
func (r *Registry) Status(ctx context.Context, sessionID string) (*models.SessionState, error) {
	s := r.handle(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := r.loadLocked(ctx, s, sessionID, false); err != nil {
		return nil, err
	}
	return s.state.Clone(), nil
}

// List returns all known session states ordered by session id.
func (r *Registry) List(ctx context.Context) ([]*models.SessionState, error) {
	return r.store.ListStates(ctx)
}

// RecordScan runs detection over the text and appends one scan record.
// Detection failure leaves the chain and state untouched: a retry
// lands at the same next sequence.
func (r *Registry) RecordScan(ctx context.Context, sessionID, direction, text string) (*models.EventRecord, *models.SessionState, error) {
	if direction != detect.DirectionInput && direction != detect.DirectionOutput {
		return nil, nil, fmt.Errorf("registry: unknown scan direction %q", direction)
	}

	s := r.handle(sessionID)
	if err := r.admit(ctx, s, sessionID); err != nil {
		return nil, nil, err
	}

	findings, err := r.detectScan(ctx, text, direction)
	if err != nil {
		return nil, nil, err
	}

	typ := models.EventScanInput
	if direction == detect.DirectionOutput {
		typ = models.EventScanOutput
	}
	payload, err := json.Marshal(models.ScanPayload{
		Direction:        direction,
		TextLength:       len(text),
		Threats:          findings.Threats,
		PII:              findings.PII,
		RiskContribution: findings.RiskContribution,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("registry: marshal scan payload: %w", err)
	}

	return r.append(ctx, s, sessionID, typ, payload)
}

// RecordAction runs the action check and appends one action record,
// typed anomaly when the gateway flags it.
func (r *Registry) RecordAction(ctx context.Context, sessionID string, action models.ActionRequest) (*models.EventRecord, *models.SessionState, error) {
	if action.Name == "" {
		return nil, nil, fmt.Errorf("registry: action name is required")
	}

	s := r.handle(sessionID)
	if err := r.admit(ctx, s, sessionID); err != nil {
		return nil, nil, err
	}

	findings, err := r.detectAction(ctx, action)
	if err != nil {
		return nil, nil, err
	}

	typ := models.EventAction
	if findings.IsAnomalous {
		typ = models.EventAnomaly
	}
	payload, err := json.Marshal(models.ActionPayload{
		Name:      action.Name,
		Target:    action.Target,
		Command:   action.Command,
		Params:    action.Params,
		Anomalies: findings.Anomalies,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("registry: marshal action payload: %w", err)
	}

	return r.append(ctx, s, sessionID, typ, payload)
}

// admit loads (or creates) state and rejects terminal sessions before
// any detection work is spent on them. The check repeats under the
// lock in append; this one only keeps doomed requests off the gateway.
func (r *Registry) admit(ctx context.Context, s *session, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := r.loadLocked(ctx, s, sessionID, true); err != nil {
		return err
	}
	if s.state.Status.Terminal() {
		return ErrSessionClosed
	}
	return nil
}

func (r *Registry) detectScan(ctx context.Context, text, direction string) (*models.ScanFindings, error) {
	dctx, cancel := context.WithTimeout(ctx, r.detectionTimeout)
	defer cancel()
	start := time.Now()
	findings, err := r.gateway.Scan(dctx, text, direction)
	if err != nil {
		err = normalizeDetectErr(err)
		r.metrics.ObserveDetection(detectOutcome(err), time.Since(start).Seconds())
		return nil, err
	}
	r.metrics.ObserveDetection(metrics.OutcomeOK, time.Since(start).Seconds())
	if findings == nil {
		findings = &models.ScanFindings{}
	}
	return findings, nil
}

func (r *Registry) detectAction(ctx context.Context, action models.ActionRequest) (*models.ActionFindings, error) {
	dctx, cancel := context.WithTimeout(ctx, r.detectionTimeout)
	defer cancel()
	start := time.Now()
	findings, err := r.gateway.CheckAction(dctx, action)
	if err != nil {
		err = normalizeDetectErr(err)
		r.metrics.ObserveDetection(detectOutcome(err), time.Since(start).Seconds())
		return nil, err
	}
	r.metrics.ObserveDetection(metrics.OutcomeOK, time.Since(start).Seconds())
	if findings == nil {
		findings = &models.ActionFindings{}
	}
	return findings, nil
}

func detectOutcome(err error) string {
	switch {
	case errors.Is(err, detect.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, detect.ErrMalformed):
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeUnavailable
	}
}

// normalizeDetectErr forces every gateway failure into the detect
// taxonomy so callers can always branch on detect.ErrUnavailable.
func normalizeDetectErr(err error) error {
	if errors.Is(err, detect.ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", detect.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", detect.ErrUnavailable, err)
}

// append is the serialized tail of a composite record operation:
// status recheck, ledger append, fold, breach handling, persistence.
func (r *Registry) append(ctx context.Context, s *session, sessionID string, typ models.EventType, payload json.RawMessage) (*models.EventRecord, *models.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have been closed or terminated while detection
	// was running outside the lock.
	if err := r.loadLocked(ctx, s, sessionID, true); err != nil {
		return nil, nil, err
	}
	if s.state.Status.Terminal() {
		return nil, nil, ErrSessionClosed
	}

	appendStart := time.Now()
	rec, err := r.ledger.Append(ctx, sessionID, typ, payload, r.now())
	if err != nil {
		return nil, nil, err
	}
	r.metrics.IncAppend(string(typ))
	r.metrics.ObserveAppend(time.Since(appendStart).Seconds())

	next, err := r.agg.Fold(s.state, rec)
	if err != nil {
		// The record is durable but the fold rejected it; state will
		// be rebuilt on next load. Should not happen for payloads this
		// registry builds itself.
		return nil, nil, fmt.Errorf("registry: fold appended record: %w", err)
	}

	var alert *models.RiskAlert
	if next.Status == models.SessionActive && r.agg.Breached(next.RiskScore) {
		next.Status = models.SessionTerminated
		alert = r.buildAlert(next, rec)
		r.metrics.IncSessionTerminated()
	}

	// State is a cache over the chain: a failed write here is logged
	// and healed by the drift check on next load, never surfaced as an
	// append failure.
	if err := r.store.SaveState(ctx, next); err != nil {
		logger.Errorf("registry: persist state session=%s seq=%d: %v", sessionID, rec.Sequence, err)
	}
	s.state = next

	r.mirror(ctx, next)
	r.publishRecord(rec)
	if alert != nil {
		logger.Warnf("registry: session %s terminated at score %d (threshold %d)", sessionID, next.RiskScore, r.agg.Policy().TerminateThreshold)
		r.publishAlert(alert)
	}

	return rec.Clone(), next.Clone(), nil
}

// Close marks an active session completed. Closing a session that is
// already terminal returns its state unchanged.
func (r *Registry) Close(ctx context.Context, sessionID string) (*models.SessionState, error) {
	s := r.handle(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.loadLocked(ctx, s, sessionID, false); err != nil {
		return nil, err
	}
	if s.state.Status.Terminal() {
		return s.state.Clone(), nil
	}

	next := s.state.Clone()
	next.Status = models.SessionCompleted
	if err := r.store.SaveState(ctx, next); err != nil {
		return nil, err
	}
	s.state = next
	r.mirror(ctx, next)
	return next.Clone(), nil
}

// Events reads the session's chain from the given sequence.
func (r *Registry) Events(ctx context.Context, sessionID string, from int64) ([]*models.EventRecord, error) {
	if err := r.ensureKnown(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.ledger.Read(ctx, sessionID, from)
}

// Verify recomputes the session's chain from genesis.
func (r *Registry) Verify(ctx context.Context, sessionID string) error {
	if err := r.ensureKnown(ctx, sessionID); err != nil {
		return err
	}
	return r.ledger.Verify(ctx, sessionID)
}

func (r *Registry) ensureKnown(ctx context.Context, sessionID string) error {
	s := r.handle(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.loadLocked(ctx, s, sessionID, false)
}

func (r *Registry) mirror(ctx context.Context, state *models.SessionState) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(ctx, state); err != nil {
		logger.Warnf("registry: mirror state session=%s: %v", state.SessionID, err)
	}
}

func (r *Registry) publishRecord(rec *models.EventRecord) {
	if r.records == nil {
		return
	}
	select {
	case r.records <- rec.Clone():
	default:
		logger.Warnf("registry: export feed full, dropping record session=%s seq=%d", rec.SessionID, rec.Sequence)
	}
}

func (r *Registry) publishAlert(alert *models.RiskAlert) {
	if r.alerts == nil {
		return
	}
	select {
	case r.alerts <- alert:
	default:
		logger.Warnf("registry: alert feed full, dropping alert session=%s", alert.SessionID)
	}
}
