package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"risk-pipeline/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ----------------------------------------------------------------------------
// Config
// ----------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Topic == "" || cfg.AlertsTopic == "" {
		t.Error("expected default topics")
	}
	if cfg.ConsumerGroup == "" {
		t.Error("expected default consumer group")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topics", func(c *Config) { c.Topic = ""; c.AlertsTopic = "" }, true},
		{"alerts only", func(c *Config) { c.Topic = "" }, false},
		{"invalid partitions", func(c *Config) { c.Partitions = 0 }, true},
		{"invalid replication factor", func(c *Config) { c.ReplicationFactor = 0 }, true},
		{"invalid security protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{
			"SASL without credentials",
			func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			true,
		},
		{
			"unknown SASL mechanism",
			func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "GSSAPI"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			true,
		},
		{
			"SCRAM-SHA-512",
			func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		want        kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{"snappy", kafka.Snappy},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"none", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression
			if got := cfg.GetCompression(); got != tt.want {
				t.Errorf("GetCompression() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("Timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
	}
	if dialer.TLS != nil || dialer.SASLMechanism != nil {
		t.Error("plaintext dialer should not carry TLS or SASL")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "SCRAM-SHA-256"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"
	dialer, err = cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Error("expected TLS config for SASL_SSL")
	}
	if dialer.SASLMechanism == nil || dialer.SASLMechanism.Name() != "SCRAM-SHA-256" {
		t.Errorf("SASLMechanism = %v", dialer.SASLMechanism)
	}

	tr, err := cfg.transport()
	if err != nil {
		t.Fatalf("transport() error = %v", err)
	}
	if tr.TLS == nil || tr.SASL == nil {
		t.Error("transport should mirror the dialer security settings")
	}
}

func TestTopicConfigs(t *testing.T) {
	cfg := DefaultConfig()
	admin, err := NewAdmin(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}

	topics := admin.TopicConfigs()
	if len(topics) != 2 {
		t.Fatalf("TopicConfigs() = %d topics, want 2", len(topics))
	}
	if topics[0].Topic != cfg.Topic || topics[1].Topic != cfg.AlertsTopic {
		t.Errorf("topics = %s, %s", topics[0].Topic, topics[1].Topic)
	}
	if topics[0].NumPartitions != cfg.Partitions {
		t.Errorf("NumPartitions = %d", topics[0].NumPartitions)
	}

	cfg.AlertsTopic = ""
	if got := admin.TopicConfigs(); len(got) != 1 {
		t.Errorf("TopicConfigs() without alerts topic = %d, want 1", len(got))
	}
}

// ----------------------------------------------------------------------------
// Decoding
// ----------------------------------------------------------------------------

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantChain string
		wantErr   bool
	}{
		{"camel case", `{"chainId":"ethereum","event":{"hash":"0x1"}}`, "ethereum", false},
		{"snake case", `{"chain_id":"base","event":{"hash":"0x1"}}`, "base", false},
		{"missing chain", `{"event":{"hash":"0x1"}}`, "", true},
		{"missing event", `{"chainId":"ethereum"}`, "", true},
		{"empty event", `{"chainId":"ethereum","event":{}}`, "", true},
		{"not json", `chainId=ethereum`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.value))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMessage) {
					t.Errorf("error = %v, want ErrInvalidMessage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEnvelope() error = %v", err)
			}
			if env.ChainID != tt.wantChain || env.Source != "kafka" {
				t.Errorf("envelope = %+v", env)
			}
			if h, _ := env.Raw.String("hash"); h != "0x1" {
				t.Errorf("raw hash = %q", h)
			}
		})
	}
}

func TestEnvelopeHandler_WaitsForQueueSpace(t *testing.T) {
	q := queue.NewRingBuffer(1)
	first, _ := DecodeEnvelope([]byte(`{"chainId":"ethereum","event":{"hash":"0xa"}}`))
	if err := q.Push(first); err != nil {
		t.Fatal(err)
	}

	handler := EnvelopeHandler(q, time.Millisecond)
	done := make(chan error, 1)
	go func() {
		done <- handler(context.Background(), kafka.Message{
			Value: []byte(`{"chainId":"ethereum","event":{"hash":"0xb"}}`),
		})
	}()

	select {
	case err := <-done:
		t.Fatalf("handler returned %v while the queue was full", err)
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := q.Pop(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not finish after space was freed")
	}

	env, err := q.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if h, _ := env.Raw.String("hash"); h != "0xb" {
		t.Errorf("queued hash = %q, want 0xb", h)
	}
}

func TestEnvelopeHandler_CanceledWhileFull(t *testing.T) {
	q := queue.NewRingBuffer(1)
	env, _ := DecodeEnvelope([]byte(`{"chainId":"ethereum","event":{"hash":"0xa"}}`))
	_ = q.Push(env)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := EnvelopeHandler(q, time.Millisecond)(ctx, kafka.Message{
		Value: []byte(`{"chainId":"ethereum","event":{"hash":"0xb"}}`),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestEnvelopeHandler_ClosedQueue(t *testing.T) {
	q := queue.NewRingBuffer(1)
	q.Close()

	err := EnvelopeHandler(q, time.Millisecond)(context.Background(), kafka.Message{
		Value: []byte(`{"chainId":"ethereum","event":{"hash":"0xb"}}`),
	})
	if !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("error = %v, want ErrQueueClosed", err)
	}
}

// ----------------------------------------------------------------------------
// Consumer
// ----------------------------------------------------------------------------

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.cancel()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		messages: []kafka.Message{
			{Offset: 1, Value: []byte("ok")},
			{Offset: 2, Value: []byte("bad")},
			{Offset: 3, Value: []byte("fail")},
			{Offset: 4, Value: []byte("ok")},
		},
	}
	handler := func(_ context.Context, msg kafka.Message) error {
		switch string(msg.Value) {
		case "bad":
			return ErrInvalidMessage
		case "fail":
			return errors.New("downstream unavailable")
		}
		return nil
	}

	c := newConsumer(reader, DefaultConfig(), handler, discardLogger())
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	want := []int64{1, 2, 4}
	if len(reader.committed) != len(want) {
		t.Fatalf("committed = %v, want %v", reader.committed, want)
	}
	for i := range want {
		if reader.committed[i] != want[i] {
			t.Errorf("committed = %v, want %v", reader.committed, want)
		}
	}

	m := c.Metrics()
	if m.Consumed != 2 || m.Skipped != 1 || m.Errors != 1 {
		t.Errorf("Metrics() = %+v", m)
	}

	if err := c.Run(context.Background()); err == nil {
		t.Error("expected error when starting twice")
	}
}

func TestNewConsumer_RequiresHandlerAndTopic(t *testing.T) {
	if _, err := NewConsumer(DefaultConfig(), nil, discardLogger()); err == nil {
		t.Error("expected error without handler")
	}

	cfg := DefaultConfig()
	cfg.Topic = ""
	noop := func(context.Context, kafka.Message) error { return nil }
	if _, err := NewConsumer(cfg, noop, discardLogger()); err == nil {
		t.Error("expected error without topic")
	}
}

// ----------------------------------------------------------------------------
// Producer
// ----------------------------------------------------------------------------

type fakeWriter struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return err
		}
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testProducer(w *fakeWriter) *Producer {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	return newProducer(w, cfg, discardLogger())
}

func TestProducerPublish(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		w := &fakeWriter{errs: []error{errors.New("leader not available"), nil}}
		p := testProducer(w)

		if err := p.Publish(context.Background(), []byte("trace-1"), []byte(`{"score":0.9}`)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if w.calls != 2 {
			t.Errorf("calls = %d, want 2", w.calls)
		}
		if string(w.messages[0].Key) != "trace-1" {
			t.Errorf("key = %s", w.messages[0].Key)
		}
		if m := p.Metrics(); m.Produced != 1 || m.Retries != 1 || m.Errors != 1 {
			t.Errorf("Metrics() = %+v", m)
		}
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		w := &fakeWriter{errs: []error{kafka.MessageSizeTooLarge}}
		p := testProducer(w)

		err := p.Publish(context.Background(), nil, []byte("x"))
		if !errors.Is(err, kafka.MessageSizeTooLarge) {
			t.Errorf("error = %v", err)
		}
		if w.calls != 1 {
			t.Errorf("calls = %d, want 1", w.calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		fail := errors.New("broker down")
		w := &fakeWriter{errs: []error{fail, fail, fail, fail, fail}}
		p := testProducer(w)

		if err := p.Publish(context.Background(), nil, []byte("x")); !errors.Is(err, fail) {
			t.Errorf("error = %v", err)
		}
		if w.calls != p.config.ProducerMaxRetries+1 {
			t.Errorf("calls = %d, want %d", w.calls, p.config.ProducerMaxRetries+1)
		}
	})
}

func TestProducerClosed(t *testing.T) {
	p := testProducer(&fakeWriter{})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	err := p.Publish(context.Background(), []byte("key"), []byte("value"))
	if !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

// ----------------------------------------------------------------------------
// Integration (skipped without a broker)
// ----------------------------------------------------------------------------

func skipIfNoKafka(t *testing.T) {
	t.Helper()
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
}

func TestAdminIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}
	suffix := time.Now().Format("20060102150405")
	cfg.Topic = "test-events-" + suffix
	cfg.AlertsTopic = "test-alerts-" + suffix

	admin, err := NewAdmin(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}

	ctx := context.Background()
	if status := admin.HealthCheck(ctx); !status.Healthy {
		t.Fatalf("expected healthy cluster: %s", status.Error)
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		t.Fatalf("EnsureTopics() error = %v", err)
	}

	producer, err := NewProducer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	defer producer.Close()

	if err := producer.Publish(ctx, []byte("key"), []byte(`{"score":0.95}`)); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
