package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned by Publish after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes alert messages to config.AlertsTopic.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	retries  atomic.Int64
	errors   atomic.Int64
}

// ProducerMetrics are running totals for a Producer.
type ProducerMetrics struct {
	Produced int64
	Retries  int64
	Errors   int64
}

// NewProducer creates a producer for config.AlertsTopic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.AlertsTopic == "" {
		return nil, errors.New("kafka: alerts_topic is required for producing")
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := config.transport()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.AlertsTopic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           config.ProducerBatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
		Compression:            config.GetCompression(),
		Transport:              transport,
		AllowAutoTopicCreation: false,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.AlertsTopic,
	)
	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: config, logger: logger}
}

// Publish writes one keyed message, retrying transient failures with
// exponential backoff.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}
	backoff := p.config.ProducerRetryBackoff
	attempts := p.config.ProducerMaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.produced.Add(1)
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.logger.Warn("kafka publish failed",
			"topic", p.config.AlertsTopic,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"error", err,
		)
		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", attempts, lastErr)
}

// Metrics returns running totals.
func (p *Producer) Metrics() ProducerMetrics {
	return ProducerMetrics{
		Produced: p.produced.Load(),
		Retries:  p.retries.Load(),
		Errors:   p.errors.Load(),
	}
}

// Close flushes pending writes. It is safe to call more than once.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryableError(err error) bool {
	for _, e := range []kafka.Error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.GroupAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
