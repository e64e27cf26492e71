package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"risk-pipeline/internal/schema"
)

// Thresholds are the inclusive lower bounds of the risk buckets.
type Thresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// ChannelSets names the channels used for each bucket.
type ChannelSets struct {
	Low      []string `yaml:"low"`
	Medium   []string `yaml:"medium"`
	High     []string `yaml:"high"`
	Critical []string `yaml:"critical"`
}

// NotificationConfig maps scores onto channel names.
type NotificationConfig struct {
	RiskThresholds Thresholds  `yaml:"risk_thresholds"`
	Channels       ChannelSets `yaml:"channels"`
}

// DefaultNotificationConfig returns the default routing table.
func DefaultNotificationConfig() NotificationConfig {
	return NotificationConfig{
		RiskThresholds: Thresholds{Medium: 0.4, High: 0.7, Critical: 0.9},
		Channels: ChannelSets{
			Low:      []string{},
			Medium:   []string{"log"},
			High:     []string{"log", "slack"},
			Critical: []string{"log", "slack", "dingtalk", "feishu", "kafka"},
		},
	}
}

// Channels returns the channel names for the bucket score falls into.
// Each bucket includes its lower bound.
func Channels(score float64, cfg NotificationConfig) []string {
	var names []string
	switch t := cfg.RiskThresholds; {
	case score >= t.Critical:
		names = cfg.Channels.Critical
	case score >= t.High:
		names = cfg.Channels.High
	case score >= t.Medium:
		names = cfg.Channels.Medium
	default:
		names = cfg.Channels.Low
	}
	return append([]string{}, names...)
}

// Router sends alerts to named channels through a ReliableDispatcher.
type Router struct {
	channels   map[string]NotificationChannel
	dispatcher *ReliableDispatcher
	logger     *slog.Logger
}

// NewRouter creates a Router over channels, keyed by their names.
func NewRouter(channels []NotificationChannel, delivery DeliveryConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]NotificationChannel, len(channels))
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		byName[ch.Name()] = ch
	}
	return &Router{
		channels:   byName,
		dispatcher: NewReliableDispatcher(delivery, logger),
		logger:     logger,
	}
}

// Dispatcher exposes delivery records and the dead-letter queue.
func (r *Router) Dispatcher() *ReliableDispatcher {
	return r.dispatcher
}

// Has reports whether a channel is registered under name.
func (r *Router) Has(name string) bool {
	_, ok := r.channels[name]
	return ok
}

// Send delivers the alert for event to every named channel concurrently and
// waits for all of them. Failures are logged and never returned; unknown
// channel names are skipped.
func (r *Router) Send(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis, names []string) {
	if len(names) == 0 {
		return
	}
	alert := NewAlert(event, analysis)

	var wg sync.WaitGroup
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		ch, ok := r.channels[name]
		if !ok {
			r.logger.Warn("unknown notification channel", "channel", name, "trace_id", alert.TraceID)
			continue
		}

		wg.Add(1)
		go func(ch NotificationChannel) {
			defer wg.Done()
			if err := r.dispatcher.Deliver(ctx, ch, alert); err != nil {
				r.logger.Error("notification failed",
					"channel", ch.Name(),
					"trace_id", alert.TraceID,
					"error", err,
				)
			}
		}(ch)
	}
	wg.Wait()
}

// RetryDeadLetter re-delivers a dead-lettered record through its channel.
func (r *Router) RetryDeadLetter(ctx context.Context, recordID uuid.UUID) error {
	for _, rec := range r.dispatcher.DeadLetterQueue() {
		if rec.ID != recordID {
			continue
		}
		ch, ok := r.channels[rec.ChannelName]
		if !ok {
			return fmt.Errorf("channel not found: %s", rec.ChannelName)
		}
		return r.dispatcher.RetryDeadLetter(ctx, recordID, ch)
	}
	return fmt.Errorf("dead letter record not found: %s", recordID)
}
