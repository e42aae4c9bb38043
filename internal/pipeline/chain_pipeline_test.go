package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"agenttrail/internal/export"
	"agenttrail/pkg/models"
)

type captureWriter struct {
	mu     sync.Mutex
	rows   []export.SessionRow
	fail   int
	writes int
	closed bool
}

func (w *captureWriter) WriteRows(rows []export.SessionRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.fail > 0 {
		w.fail--
		return errors.New("sink down")
	}
	w.rows = append(w.rows, rows...)
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *captureWriter) snapshot() []export.SessionRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]export.SessionRow, len(w.rows))
	copy(out, w.rows)
	return out
}

type captureAlertWriter struct {
	mu     sync.Mutex
	alerts []*models.RiskAlert
}

func (w *captureAlertWriter) WriteAlerts(alerts []*models.RiskAlert) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alerts = append(w.alerts, alerts...)
	return nil
}

func (w *captureAlertWriter) Close() error { return nil }

func (w *captureAlertWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.alerts)
}

func testRecord(sessionID string, seq int64) *models.EventRecord {
	payload, _ := json.Marshal(models.ActionPayload{Name: "read_file"})
	return &models.EventRecord{
		SessionID:    sessionID,
		Sequence:     seq,
		Type:         models.EventAction,
		Payload:      payload,
		Timestamp:    time.Date(2025, 3, 14, 10, 0, int(seq), 0, time.UTC),
		PreviousHash: "genesis",
		Hash:         "sha256:test",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	records := make(chan *models.EventRecord, 8)
	writer := &captureWriter{}
	p := NewChainExportPipeline(Config{
		Records:       records,
		Writer:        writer,
		BatchSize:     3,
		FlushInterval: time.Hour, // only the batch size can trigger a flush
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for i := int64(0); i < 3; i++ {
		records <- testRecord("sess-batch", i)
	}

	waitFor(t, func() bool { return len(writer.snapshot()) == 3 })

	rows := writer.snapshot()
	for i, row := range rows {
		if row.SessionID != "sess-batch" {
			t.Errorf("row %d session = %q, want sess-batch", i, row.SessionID)
		}
		if row.Sequence != int64(i) {
			t.Errorf("row %d sequence = %d, want %d", i, row.Sequence, i)
		}
		if row.Name != "read_file" {
			t.Errorf("row %d name = %q, want read_file", i, row.Name)
		}
	}

	cancel()
	<-done
}

func TestPipelineFlushesOnTicker(t *testing.T) {
	records := make(chan *models.EventRecord, 8)
	writer := &captureWriter{}
	p := NewChainExportPipeline(Config{
		Records:       records,
		Writer:        writer,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	records <- testRecord("sess-tick", 0)
	waitFor(t, func() bool { return len(writer.snapshot()) == 1 })

	cancel()
	<-done
}

func TestPipelineRetriesFailedFlush(t *testing.T) {
	records := make(chan *models.EventRecord, 8)
	writer := &captureWriter{fail: 2}
	p := NewChainExportPipeline(Config{
		Records:       records,
		Writer:        writer,
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	p.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	records <- testRecord("sess-retry", 0)
	waitFor(t, func() bool { return len(writer.snapshot()) == 1 })

	writer.mu.Lock()
	writes := writer.writes
	writer.mu.Unlock()
	if writes != 3 {
		t.Errorf("writes = %d, want 3 (two failures then success)", writes)
	}

	cancel()
	<-done
}

func TestPipelineFinalFlushOnCancel(t *testing.T) {
	records := make(chan *models.EventRecord, 8)
	writer := &captureWriter{}
	p := NewChainExportPipeline(Config{
		Records:       records,
		Writer:        writer,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	records <- testRecord("sess-final", 0)
	records <- testRecord("sess-final", 1)

	// Give the loop a moment to buffer both rows, then stop it.
	waitFor(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return len(records) == 0
	})
	cancel()
	<-done

	if got := len(writer.snapshot()); got != 2 {
		t.Fatalf("rows after final flush = %d, want 2", got)
	}
}

func TestPipelineDeliversAlertsImmediately(t *testing.T) {
	records := make(chan *models.EventRecord, 8)
	alerts := make(chan *models.RiskAlert, 8)
	writer := &captureWriter{}
	alertWriter := &captureAlertWriter{}
	p := NewChainExportPipeline(Config{
		Records:       records,
		Alerts:        alerts,
		Writer:        writer,
		AlertWriter:   alertWriter,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	alerts <- &models.RiskAlert{AlertID: "a-1", SessionID: "sess-alert", RiskScore: 95}
	waitFor(t, func() bool { return alertWriter.count() == 1 })

	cancel()
	<-done
}

func TestPipelineCloseClosesWriters(t *testing.T) {
	writer := &captureWriter{}
	p := NewChainExportPipeline(Config{Writer: writer})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !writer.closed {
		t.Errorf("chain writer not closed")
	}
}
