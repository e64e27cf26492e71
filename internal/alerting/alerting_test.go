package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"risk-pipeline/internal/schema"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// mockChannel is a test double that records every alert it receives.
type mockChannel struct {
	name       string
	sendFunc   func(ctx context.Context, alert *Alert) error
	sentAlerts []*Alert
	mu         sync.Mutex
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name}
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, alert *Alert) error {
	m.mu.Lock()
	m.sentAlerts = append(m.sentAlerts, alert)
	fn := m.sendFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, alert)
	}
	return nil
}

func (m *mockChannel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentAlerts)
}

func fastDelivery() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		RetryTimeout:   time.Second,
	}
}

func testEvent() *schema.NormalizedEvent {
	return &schema.NormalizedEvent{
		TraceID:         "trace-42",
		ChainID:         "1",
		TransactionHash: "0xdeadbeef",
		From:            "0x1111111111111111111111111111111111111111",
		To:              "0x2222222222222222222222222222222222222222",
		Value:           "1500000000000000000",
		MethodName:      "flashLoan",
	}
}

func testAnalysis() *schema.EnhancedRiskAnalysis {
	return &schema.EnhancedRiskAnalysis{
		TraceID: "trace-42",
		Score:   0.93,
		Level:   schema.LevelCritical,
		Action:  schema.ActionBlock,
		Factors: []string{"mev_activity", "large_value"},
		AIAnalysis: schema.AIAnalysis{
			Summary: "risk 0.93 (critical)",
		},
	}
}

// ---------------------------------------------------------------------------
// Alert construction
// ---------------------------------------------------------------------------

func TestNewAlert(t *testing.T) {
	a := NewAlert(testEvent(), testAnalysis())

	if a.ValueETH != "1.5" {
		t.Errorf("ValueETH = %q, want 1.5", a.ValueETH)
	}
	if a.TraceID != "trace-42" || a.TxHash != "0xdeadbeef" || a.Chain != "1" {
		t.Errorf("identity fields = %+v", a)
	}
	if a.Level != schema.LevelCritical || a.Action != schema.ActionBlock {
		t.Errorf("verdict = %s/%s", a.Level, a.Action)
	}
	if len(a.Factors) != 2 {
		t.Errorf("Factors = %v", a.Factors)
	}
	if !strings.Contains(a.Title, "critical") {
		t.Errorf("Title = %q", a.Title)
	}
	if len(a.ShortID()) != 8 {
		t.Errorf("ShortID = %q", a.ShortID())
	}
}

// ---------------------------------------------------------------------------
// Channel selection
// ---------------------------------------------------------------------------

func TestChannels_InclusiveBounds(t *testing.T) {
	cfg := NotificationConfig{
		RiskThresholds: Thresholds{Medium: 0.4, High: 0.7, Critical: 0.9},
		Channels: ChannelSets{
			Low:      []string{"low"},
			Medium:   []string{"medium"},
			High:     []string{"high"},
			Critical: []string{"critical"},
		},
	}

	tests := []struct {
		score float64
		want  string
	}{
		{0, "low"},
		{0.399, "low"},
		{0.4, "medium"},
		{0.699, "medium"},
		{0.7, "high"},
		{0.899, "high"},
		{0.9, "critical"},
		{1, "critical"},
	}
	for _, tt := range tests {
		got := Channels(tt.score, cfg)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("Channels(%v) = %v, want [%s]", tt.score, got, tt.want)
		}
	}
}

func TestChannels_ReturnsCopy(t *testing.T) {
	cfg := DefaultNotificationConfig()
	got := Channels(1, cfg)
	got[0] = "mutated"
	if cfg.Channels.Critical[0] == "mutated" {
		t.Error("Channels returned the configured slice")
	}
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

func TestRouterSendToMultipleChannels(t *testing.T) {
	a, b := newMockChannel("a"), newMockChannel("b")
	r := NewRouter([]NotificationChannel{a, b}, fastDelivery(), nil)

	r.Send(context.Background(), testEvent(), testAnalysis(), []string{"a", "b", "a", "missing"})

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("deliveries a=%d b=%d, want 1 each", a.count(), b.count())
	}
}

func TestRouterFailureDoesNotBlockOthers(t *testing.T) {
	failing := newMockChannel("failing")
	failing.sendFunc = func(context.Context, *Alert) error { return errors.New("boom") }
	ok := newMockChannel("ok")

	r := NewRouter([]NotificationChannel{failing, ok}, fastDelivery(), nil)
	r.Send(context.Background(), testEvent(), testAnalysis(), []string{"failing", "ok"})

	if ok.count() != 1 {
		t.Errorf("ok channel deliveries = %d, want 1", ok.count())
	}
	if failing.count() != 3 {
		t.Errorf("failing channel attempts = %d, want 3", failing.count())
	}
	dlq := r.Dispatcher().DeadLetterQueue()
	if len(dlq) != 1 || dlq[0].ChannelName != "failing" {
		t.Fatalf("dead letter queue = %+v", dlq)
	}

	failing.mu.Lock()
	failing.sendFunc = nil
	failing.mu.Unlock()
	if err := r.RetryDeadLetter(context.Background(), dlq[0].ID); err != nil {
		t.Errorf("RetryDeadLetter() error = %v", err)
	}
	if n := len(r.Dispatcher().DeadLetterQueue()); n != 0 {
		t.Errorf("dead letter queue after retry = %d, want 0", n)
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	var calls int32
	ch := newMockChannel("flaky")
	ch.sendFunc = func(context.Context, *Alert) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("temporary")
		}
		return nil
	}

	d := NewReliableDispatcher(fastDelivery(), nil)
	alert := NewAlert(testEvent(), testAnalysis())
	if err := d.Deliver(context.Background(), ch, alert); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	records := d.Records(alert.ID)
	if len(records) != 1 || records[0].Status != DeliverySent || records[0].Attempts != 2 {
		t.Errorf("records = %+v", records)
	}
}

func TestDispatcherStopped(t *testing.T) {
	d := NewReliableDispatcher(fastDelivery(), nil)
	d.Stop()
	d.Stop()
	err := d.Deliver(context.Background(), newMockChannel("x"), NewAlert(testEvent(), testAnalysis()))
	if !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("Deliver() error = %v, want ErrDispatcherStopped", err)
	}
}

func TestDispatcherDeadLetterIsBounded(t *testing.T) {
	cfg := fastDelivery()
	cfg.MaxRetries = 1
	cfg.MaxRecords = 2
	d := NewReliableDispatcher(cfg, nil)

	ch := newMockChannel("down")
	ch.sendFunc = func(context.Context, *Alert) error { return errors.New("unreachable") }

	var alerts []*Alert
	for i := 0; i < 5; i++ {
		alert := NewAlert(testEvent(), testAnalysis())
		alerts = append(alerts, alert)
		if err := d.Deliver(context.Background(), ch, alert); err == nil {
			t.Fatal("Deliver() to a failing channel succeeded")
		}
	}

	dlq := d.DeadLetterQueue()
	if len(dlq) != 2 {
		t.Fatalf("dead letter queue = %d records, want 2", len(dlq))
	}
	if dlq[0].AlertID != alerts[3].ID || dlq[1].AlertID != alerts[4].ID {
		t.Errorf("dead letter queue kept %v/%v, want the two newest", dlq[0].AlertID, dlq[1].AlertID)
	}
}

func TestDispatcherStopInterruptsBackoff(t *testing.T) {
	cfg := fastDelivery()
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = time.Minute
	d := NewReliableDispatcher(cfg, nil)

	ch := newMockChannel("down")
	ch.sendFunc = func(context.Context, *Alert) error { return errors.New("unreachable") }

	done := make(chan error, 1)
	go func() {
		done <- d.Deliver(context.Background(), ch, NewAlert(testEvent(), testAnalysis()))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ch.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDispatcherStopped) {
			t.Errorf("Deliver() error = %v, want ErrDispatcherStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver() still waiting on backoff after Stop")
	}
}

// ---------------------------------------------------------------------------
// Channels over HTTP
// ---------------------------------------------------------------------------

func TestWebhookChannelSendSuccess(t *testing.T) {
	var decoded Alert
	var header string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Custom-Header")
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel("hook", server.URL, map[string]string{"X-Custom-Header": "custom-value"})
	if err := ch.Send(context.Background(), NewAlert(testEvent(), testAnalysis())); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if header != "custom-value" {
		t.Errorf("X-Custom-Header = %q", header)
	}
	if decoded.TxHash != "0xdeadbeef" || decoded.ValueETH != "1.5" {
		t.Errorf("decoded alert = %+v", decoded)
	}
}

func TestWebhookChannelNon2xxResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer server.Close()

	err := NewWebhookChannel("fail-hook", server.URL, nil).Send(context.Background(), NewAlert(testEvent(), testAnalysis()))
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status code 500: %v", err)
	}
}

func TestChatChannelsPayloads(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload = nil
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	alert := NewAlert(testEvent(), testAnalysis())

	t.Run("slack", func(t *testing.T) {
		if err := NewSlackChannel(server.URL, "#risk", "risk-bot").Send(context.Background(), alert); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		attachments, ok := payload["attachments"].([]interface{})
		if !ok || len(attachments) == 0 {
			t.Fatal("expected at least one attachment")
		}
		if att := attachments[0].(map[string]interface{}); att["color"] != "#FF0000" {
			t.Errorf("color = %v, want #FF0000", att["color"])
		}
		if payload["channel"] != "#risk" {
			t.Errorf("channel = %v", payload["channel"])
		}
	})

	t.Run("dingtalk", func(t *testing.T) {
		if err := NewDingTalkChannel(server.URL).Send(context.Background(), alert); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if payload["msgtype"] != "markdown" {
			t.Errorf("msgtype = %v", payload["msgtype"])
		}
		md := payload["markdown"].(map[string]interface{})
		if !strings.Contains(md["text"].(string), "0xdeadbeef") {
			t.Errorf("markdown text = %v", md["text"])
		}
	})

	t.Run("feishu", func(t *testing.T) {
		if err := NewFeishuChannel(server.URL).Send(context.Background(), alert); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if payload["msg_type"] != "interactive" {
			t.Errorf("msg_type = %v", payload["msg_type"])
		}
	})

	t.Run("telegram", func(t *testing.T) {
		ch := NewTelegramChannel("token", "chat")
		ch.baseURL = server.URL
		if err := ch.Send(context.Background(), alert); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if payload["chat_id"] != "chat" {
			t.Errorf("chat_id = %v", payload["chat_id"])
		}
	})
}

type recordingPublisher struct {
	key, value []byte
}

func (p *recordingPublisher) Publish(_ context.Context, key, value []byte) error {
	p.key, p.value = key, value
	return nil
}

func TestKafkaChannel(t *testing.T) {
	p := &recordingPublisher{}
	if err := NewKafkaChannel(p).Send(context.Background(), NewAlert(testEvent(), testAnalysis())); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if string(p.key) != "0xdeadbeef" {
		t.Errorf("key = %s", p.key)
	}
	var decoded Alert
	if err := json.Unmarshal(p.value, &decoded); err != nil || decoded.Level != schema.LevelCritical {
		t.Errorf("value = %s (%v)", p.value, err)
	}
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

func TestHandlerStatsAndDeadLetter(t *testing.T) {
	failing := newMockChannel("failing")
	failing.sendFunc = func(context.Context, *Alert) error { return errors.New("down") }
	r := NewRouter([]NotificationChannel{failing}, fastDelivery(), nil)
	r.Send(context.Background(), testEvent(), testAnalysis(), []string{"failing"})

	mux := http.NewServeMux()
	NewHandler(r).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/notifications/dead-letter", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Total != 1 {
		t.Errorf("dead letter body total = %d (%v)", body.Total, err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/notifications/dead-letter/not-a-uuid/retry", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("retry with bad id status = %d, want 400", rec.Code)
	}
}
