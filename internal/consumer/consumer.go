// Package consumer drains the envelope queue through the pipeline with a
// fixed pool of workers.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"risk-pipeline/internal/pipeline"
	"risk-pipeline/internal/queue"
	"risk-pipeline/internal/schema"
)

// Config holds the worker pool configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Processor runs one envelope through the pipeline.
type Processor interface {
	ProcessEnvelope(ctx context.Context, env *schema.Envelope) (*pipeline.Result, error)
}

// Flusher is flushed once after the workers stop.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Consumer pops envelopes from the queue and processes them.
type Consumer struct {
	queue     *queue.RingBuffer
	processor Processor
	flusher   Flusher
	config    Config
	logger    *slog.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	consumed atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64
}

// New creates a Consumer. flusher may be nil.
func New(q *queue.RingBuffer, p Processor, flusher Flusher, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = DefaultConfig().ShutdownWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:     q,
		processor: p,
		flusher:   flusher,
		config:    cfg,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start starts the workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info("queue consumer started", "workers", c.config.Workers)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		env, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			c.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		c.process(ctx, id, env)
	}
}

func (c *Consumer) process(ctx context.Context, id int, env *schema.Envelope) {
	res, err := c.processor.ProcessEnvelope(ctx, env)
	if err != nil {
		c.errors.Add(1)
		attrs := []any{"worker_id", id, "chain", env.ChainID, "source", env.Source, "error", err}
		var se *pipeline.StageError
		if errors.As(err, &se) {
			attrs = append(attrs, "trace_id", se.TraceID, "stage", se.Stage)
		}
		c.logger.Error("event processing failed", attrs...)
		return
	}
	if res == nil || res.Event == nil {
		c.dropped.Add(1)
		return
	}
	c.consumed.Add(1)
}

// Stop signals the workers, waits up to ShutdownWait for them and then
// flushes the flusher. It is safe to call more than once.
func (c *Consumer) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.done)

		finished := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			c.logger.Info("queue consumer stopped gracefully")
		case <-time.After(c.config.ShutdownWait):
			c.logger.Warn("queue consumer shutdown timed out")
		}

		if c.flusher != nil {
			if err := c.flusher.Flush(ctx); err != nil {
				c.logger.Error("final flush failed", "error", err)
			}
		}
	})
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Dropped:  c.dropped.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics. Dropped counts envelopes the
// pipeline discarded without error in non-strict mode.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
}
