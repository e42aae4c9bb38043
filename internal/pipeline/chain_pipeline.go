// Package pipeline streams freshly appended ledger records to
// analytics sinks. The registry publishes records and alerts onto
// buffered channels; the pipeline batches rows and flushes them on
// size or on a ticker, retrying failed flushes until the batch lands
// or the pipeline is stopped. The ledger store stays the source of
// truth: sinks here are projections and may lag.
package pipeline

import (
	"context"
	"time"

	"agenttrail/internal/export"
	"agenttrail/internal/logger"
	"agenttrail/internal/metrics"
	"agenttrail/pkg/models"
)

// ChainExportPipeline fans appended records out to a chain sink and
// risk alerts out to an alert sink.
type ChainExportPipeline struct {
	records       <-chan *models.EventRecord
	alerts        <-chan *models.RiskAlert
	writer        ChainWriter
	alertWriter   AlertWriter
	metrics       *metrics.Metrics
	batchSize     int
	flushInterval time.Duration
	retryDelay    time.Duration
}

// Config wires the pipeline. Every field is optional: a nil writer
// skips that sink, a nil channel never fires.
type Config struct {
	Records       <-chan *models.EventRecord
	Alerts        <-chan *models.RiskAlert
	Writer        ChainWriter
	AlertWriter   AlertWriter
	Metrics       *metrics.Metrics
	BatchSize     int
	FlushInterval time.Duration
}

// NewChainExportPipeline creates a pipeline over the given feeds.
func NewChainExportPipeline(cfg Config) *ChainExportPipeline {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &ChainExportPipeline{
		records:       cfg.Records,
		alerts:        cfg.Alerts,
		writer:        cfg.Writer,
		alertWriter:   cfg.AlertWriter,
		metrics:       cfg.Metrics,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryDelay:    time.Second,
	}
}

// Run drains the feeds until ctx is cancelled, then performs a final
// flush of whatever is buffered.
func (p *ChainExportPipeline) Run(ctx context.Context) error {
	logger.Infof("chain export pipeline started (batch=%d flush=%s)", p.batchSize, p.flushInterval)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var batchRows []export.SessionRow
	var batchAlerts []*models.RiskAlert

	flush := func(stopping bool) {
		batchRows = p.flushRows(ctx, batchRows, stopping)
		batchAlerts = p.flushAlerts(ctx, batchAlerts, stopping)
	}

	for {
		select {
		case <-ctx.Done():
			flush(true)
			return ctx.Err()

		case <-ticker.C:
			flush(false)

		case rec, ok := <-p.records:
			if !ok {
				flush(true)
				return nil
			}
			batchRows = append(batchRows, export.SessionRowFromRecord(rec))
			if len(batchRows) >= p.batchSize {
				flush(false)
			}

		case alert, ok := <-p.alerts:
			if !ok {
				flush(true)
				return nil
			}
			batchAlerts = append(batchAlerts, alert)
			// Alerts are rare and urgent; never hold them for a ticker.
			flush(false)
		}
	}
}

// flushRows writes the batch, retrying until it lands. When stopping,
// one failed attempt drops the batch rather than blocking shutdown.
func (p *ChainExportPipeline) flushRows(ctx context.Context, rows []export.SessionRow, stopping bool) []export.SessionRow {
	if p.writer == nil || len(rows) == 0 {
		return rows[:0]
	}
	for {
		err := p.writer.WriteRows(rows)
		if err == nil {
			p.metrics.IncExportFlush("chain", metrics.FlushOK)
			return rows[:0]
		}
		p.metrics.IncExportFlush("chain", metrics.FlushError)
		logger.Errorf("pipeline: write %d chain rows: %v", len(rows), err)
		if stopping {
			logger.Warnf("pipeline: dropping %d chain rows on shutdown", len(rows))
			return rows[:0]
		}
		select {
		case <-ctx.Done():
			return rows
		case <-time.After(p.retryDelay):
		}
	}
}

func (p *ChainExportPipeline) flushAlerts(ctx context.Context, alerts []*models.RiskAlert, stopping bool) []*models.RiskAlert {
	if p.alertWriter == nil || len(alerts) == 0 {
		return alerts[:0]
	}
	for {
		err := p.alertWriter.WriteAlerts(alerts)
		if err == nil {
			p.metrics.IncExportFlush("alert", metrics.FlushOK)
			return alerts[:0]
		}
		p.metrics.IncExportFlush("alert", metrics.FlushError)
		logger.Errorf("pipeline: write %d alerts: %v", len(alerts), err)
		if stopping {
			logger.Warnf("pipeline: dropping %d alerts on shutdown", len(alerts))
			return alerts[:0]
		}
		select {
		case <-ctx.Done():
			return alerts
		case <-time.After(p.retryDelay):
		}
	}
}

// Close releases the sinks.
func (p *ChainExportPipeline) Close() error {
	if p.alertWriter != nil {
		if err := p.alertWriter.Close(); err != nil {
			logger.Errorf("pipeline: close alert writer: %v", err)
		}
	}
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
