package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"risk-pipeline/internal/queue"
	"risk-pipeline/internal/schema"
)

// ErrInvalidMessage marks a message that can never be decoded. Such messages
// are committed and skipped.
var ErrInvalidMessage = errors.New("kafka: invalid message")

// MessageHandler processes one consumed message. Returning nil commits the
// offset.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the events topic and hands each message to a handler.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	started atomic.Bool

	consumed atomic.Int64
	skipped  atomic.Int64
	errors   atomic.Int64
}

// ConsumerMetrics are running totals for a Consumer.
type ConsumerMetrics struct {
	Consumed int64
	Skipped  int64
	Errors   int64
}

// NewConsumer creates a consumer-group reader on config.Topic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Topic == "" {
		return nil, errors.New("kafka: topic is required for consuming")
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.ConsumerGroup,
	)
	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{reader: r, config: config, handler: handler, logger: logger}
}

// Run consumes until ctx is canceled. It may be called once.
func (c *Consumer) Run(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errors.Add(1)
			c.logger.Error("failed to fetch message", "topic", c.config.Topic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.handler(ctx, msg); err != nil {
			if !errors.Is(err, ErrInvalidMessage) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.errors.Add(1)
				c.logger.Error("failed to handle message",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
				continue
			}
			c.skipped.Add(1)
			c.logger.Warn("skipping undecodable message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		} else {
			c.consumed.Add(1)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.errors.Add(1)
			c.logger.Error("failed to commit offset", "offset", msg.Offset, "error", err)
		}
	}
}

// Metrics returns running totals.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Skipped:  c.skipped.Load(),
		Errors:   c.errors.Load(),
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// eventMessage is the JSON layout of an events topic message.
type eventMessage struct {
	ChainID      string          `json:"chainId"`
	ChainIDSnake string          `json:"chain_id"`
	Event        schema.RawEvent `json:"event"`
}

// DecodeEnvelope turns a {chainId, event} message into an envelope.
func DecodeEnvelope(value []byte) (*schema.Envelope, error) {
	var m eventMessage
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	chain := strings.TrimSpace(m.ChainID)
	if chain == "" {
		chain = strings.TrimSpace(m.ChainIDSnake)
	}
	if chain == "" {
		return nil, fmt.Errorf("%w: missing chainId", ErrInvalidMessage)
	}
	if len(m.Event) == 0 {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidMessage)
	}
	return &schema.Envelope{ChainID: chain, Raw: m.Event, Source: "kafka"}, nil
}

// Enqueuer accepts envelopes for the workers.
type Enqueuer interface {
	Push(env *schema.Envelope) error
}

// EnvelopeHandler decodes each message and pushes it onto q. A full queue is
// retried every backoff until it accepts the envelope or ctx ends, so the
// offset is committed only once the envelope is queued.
func EnvelopeHandler(q Enqueuer, backoff time.Duration) MessageHandler {
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	return func(ctx context.Context, msg kafka.Message) error {
		env, err := DecodeEnvelope(msg.Value)
		if err != nil {
			return err
		}
		if !msg.Time.IsZero() {
			env.ReceivedAt = msg.Time.UTC()
		}
		for {
			err := q.Push(env)
			if !errors.Is(err, queue.ErrQueueFull) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
}
