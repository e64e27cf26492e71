package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"risk-pipeline/internal/alerting"
	"risk-pipeline/internal/schema"
)

// Pipeline stages used as metric labels.
const (
	StageReceived     = "received"
	StageNormalized   = "normalized"
	StageProfiled     = "profiled"
	StageAnalyzed     = "analyzed"
	StageNotified     = "notified"
	StageProfile      = "profile"
	StageRiskAnalysis = "risk_analysis"
	StageNotification = "notification"
	StageTotal        = "total"
)

// ErrInvalidMetric is wrapped by MetricValidationError.
var ErrInvalidMetric = errors.New("invalid metric value")

// MetricValidationError reports a latency that cannot be recorded.
type MetricValidationError struct {
	Metric string
	Value  float64
}

func (e *MetricValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for metric %s: must be a non-negative number", e.Value, e.Metric)
}

func (e *MetricValidationError) Unwrap() error {
	return ErrInvalidMetric
}

// Webhooks holds the chat webhook URLs used by NotifyHighRisk.
type Webhooks struct {
	Slack    string
	DingTalk string
	Feishu   string
}

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	Webhooks Webhooks
}

// Monitor records pipeline metrics on an injected Registry.
type Monitor struct {
	registry *Registry
	events   *CounterVec
	errors   *CounterVec
	levels   *CounterVec
	latency  *HistogramVec
	channels []alerting.NotificationChannel
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New creates a Monitor. Webhook channels are built for every configured URL.
func New(reg *Registry, cfg Config, logger *slog.Logger) *Monitor {
	var channels []alerting.NotificationChannel
	if cfg.Webhooks.Slack != "" {
		channels = append(channels, alerting.NewSlackChannel(cfg.Webhooks.Slack, "", ""))
	}
	if cfg.Webhooks.DingTalk != "" {
		channels = append(channels, alerting.NewDingTalkChannel(cfg.Webhooks.DingTalk))
	}
	if cfg.Webhooks.Feishu != "" {
		channels = append(channels, alerting.NewFeishuChannel(cfg.Webhooks.Feishu))
	}
	return NewWithChannels(reg, cfg.Interval, channels, logger)
}

// NewWithChannels creates a Monitor notifying the given channels.
func NewWithChannels(reg *Registry, interval time.Duration, channels []alerting.NotificationChannel, logger *slog.Logger) *Monitor {
	if reg == nil {
		reg = NewRegistry("", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		registry: reg,
		events:   reg.NewCounterVec("events_total", "Events by pipeline stage", "stage"),
		errors:   reg.NewCounterVec("errors_total", "Errors by kind", "kind"),
		levels:   reg.NewCounterVec("risk_levels_total", "Analyses by risk level", "level"),
		latency:  reg.NewHistogramVec("latency_seconds", "Stage latency in seconds", "stage"),
		channels: channels,
		interval: interval,
		logger:   logger,
	}
}

// Registry returns the underlying registry.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// RecordEvent counts an event reaching stage.
func (m *Monitor) RecordEvent(stage, traceID string) {
	m.events.Inc(stage)
	m.logger.Debug("pipeline stage", "stage", stage, "trace_id", traceID)
}

// RecordError counts a failure of kind.
func (m *Monitor) RecordError(kind, traceID string) {
	m.errors.Inc(kind)
	m.logger.Debug("pipeline error recorded", "kind", kind, "trace_id", traceID)
}

// RecordRiskLevel counts an analysis at level.
func (m *Monitor) RecordRiskLevel(level schema.Level, traceID string) {
	m.levels.Inc(string(level))
	m.logger.Debug("risk level recorded", "level", level, "trace_id", traceID)
}

// RecordProfileLatency records profile lookup latency in seconds.
func (m *Monitor) RecordProfileLatency(seconds float64, traceID string) error {
	return m.observe(StageProfile, seconds, traceID)
}

// RecordRiskAnalysisLatency records risk analysis latency in seconds.
func (m *Monitor) RecordRiskAnalysisLatency(seconds float64, traceID string) error {
	return m.observe(StageRiskAnalysis, seconds, traceID)
}

// RecordNotificationLatency records notification latency in seconds.
func (m *Monitor) RecordNotificationLatency(seconds float64, traceID string) error {
	return m.observe(StageNotification, seconds, traceID)
}

// RecordTotalLatency records end-to-end latency in seconds.
func (m *Monitor) RecordTotalLatency(seconds float64, traceID string) error {
	return m.observe(StageTotal, seconds, traceID)
}

func (m *Monitor) observe(stage string, seconds float64, traceID string) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		m.logger.Error("rejected latency sample", "stage", stage, "value", seconds, "trace_id", traceID)
		return &MetricValidationError{Metric: "latency_seconds{stage=" + stage + "}", Value: seconds}
	}
	m.latency.Observe(stage, seconds)
	return nil
}

// NotifyHighRisk posts the alert to every configured webhook concurrently,
// except channels named in skip. Without webhooks it does nothing. Channel
// failures do not affect each other; they are logged, counted and returned
// joined.
func (m *Monitor) NotifyHighRisk(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis, skip ...string) error {
	if len(m.channels) == 0 {
		return nil
	}
	alert := alerting.NewAlert(event, analysis)

	errs := make([]error, len(m.channels))
	var wg sync.WaitGroup
	for i, ch := range m.channels {
		if slices.Contains(skip, ch.Name()) {
			continue
		}
		wg.Add(1)
		go func(i int, ch alerting.NotificationChannel) {
			defer wg.Done()
			if err := ch.Send(ctx, alert); err != nil {
				m.logger.Error("high risk notification failed",
					"channel", ch.Name(),
					"trace_id", alert.TraceID,
					"error", err,
				)
				m.RecordError("notification_"+ch.Name(), alert.TraceID)
				errs[i] = fmt.Errorf("%s: %w", ch.Name(), err)
			}
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Metrics renders the registry in Prometheus text format.
func (m *Monitor) Metrics() string {
	var b strings.Builder
	if err := m.registry.WritePrometheus(&b); err != nil {
		m.logger.Error("failed to render metrics", "error", err)
	}
	return b.String()
}

// Handler serves the Prometheus exposition.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if err := m.registry.WritePrometheus(w); err != nil {
			m.logger.Error("failed to write metrics", "error", err)
		}
	})
}

// Summary is a point-in-time view of the counters.
type Summary struct {
	Events     map[string]uint64 `json:"events"`
	Errors     map[string]uint64 `json:"errors"`
	RiskLevels map[string]uint64 `json:"risk_levels"`
	Uptime     time.Duration     `json:"uptime"`
}

// Summary returns the current counter values.
func (m *Monitor) Summary() Summary {
	return Summary{
		Events:     m.events.Snapshot(),
		Errors:     m.errors.Snapshot(),
		RiskLevels: m.levels.Snapshot(),
		Uptime:     m.registry.Uptime(),
	}
}

// LatencySnapshot returns the latency histogram for stage.
func (m *Monitor) LatencySnapshot(stage string) HistogramSnapshot {
	return m.latency.Snapshot(stage)
}

// Start logs a summary every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s := m.Summary()
				m.logger.Info("pipeline metrics",
					"events", s.Events,
					"errors", s.Errors,
					"risk_levels", s.RiskLevels,
					"uptime", s.Uptime.Round(time.Second).String(),
				)
			}
		}
	}(m.stopCh)
}

// Stop ends periodic logging and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}
