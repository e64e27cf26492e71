package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"risk-pipeline/internal/schema"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

type pendingAnalysis struct {
	event    eventRow
	analysis analysisRow
}

// BatchWriter buffers analyzed events and inserts them into the events and
// risk_analyses tables in batches.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	mu      sync.Mutex
	buffer  []pendingAnalysis
	closed  bool
	flushMu sync.Mutex // serializes inserts

	flushTimer *time.Timer

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]pendingAnalysis, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write queues the analysis of event. A full buffer is flushed
// synchronously.
func (bw *BatchWriter) Write(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis) error {
	if event == nil || analysis == nil {
		return WrapInvalidDataError("Write", tableAnalyses, "nil event or analysis")
	}
	row, err := newAnalysisRow(event.ChainID, event.From, analysis, time.Now())
	if err != nil {
		return &StorageError{Op: "Write", Table: tableAnalyses, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	}

	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrClosed
	}
	bw.buffer = append(bw.buffer, pendingAnalysis{event: newEventRow(event), analysis: row})
	full := len(bw.buffer) >= bw.config.BatchSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	if err := bw.Flush(context.Background()); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()
	if !bw.closed {
		bw.flushTimer.Reset(bw.config.FlushInterval)
	}
}

// Flush inserts everything buffered so far, retrying with a linear backoff.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = make([]pendingAnalysis, 0, bw.config.BatchSize)
	bw.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = bw.config.MaxRetries + 1
				continue
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := bw.insert(ctx, pending); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(pending)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(pending)))
	return &StorageError{Op: "Flush", Table: tableAnalyses, Err: lastErr, Retries: bw.config.MaxRetries}
}

func (bw *BatchWriter) insert(ctx context.Context, pending []pendingAnalysis) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events := make([][]any, len(pending))
	analyses := make([][]any, len(pending))
	for i, p := range pending {
		events[i] = p.event.values()
		analyses[i] = p.analysis.values()
	}

	if err := insertRows(ctx, bw.client, tableEvents, eventColumns, events...); err != nil {
		return err
	}
	if err := insertRows(ctx, bw.client, tableAnalyses, analysisColumns, analyses...); err != nil {
		return err
	}
	bw.logger.Debug("batch inserted", "count", len(pending))
	return nil
}

// Close stops the timer and flushes what is left.
func (bw *BatchWriter) Close(ctx context.Context) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	return bw.Flush(ctx)
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
