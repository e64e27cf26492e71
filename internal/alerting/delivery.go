package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the delivery state of a notification.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// ErrDispatcherStopped is returned for deliveries started after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DeliveryRecord tracks the delivery of an alert to one channel.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	TraceID     string         `json:"trace_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DeliveryConfig configures retries.
type DeliveryConfig struct {
	MaxRetries     int           // attempts per channel (default 3)
	InitialBackoff time.Duration // first retry delay (default 1s)
	MaxBackoff     time.Duration // backoff cap (default 30s)
	BackoffFactor  float64       // multiplier (default 2.0)
	RetryTimeout   time.Duration // per-attempt timeout (default 10s)
	MaxRecords     int           // delivery records kept for inspection (default 10000)
}

// DefaultDeliveryConfig returns the default retry settings.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		RetryTimeout:   10 * time.Second,
		MaxRecords:     10000,
	}
}

// ReliableDispatcher delivers alerts with retries and keeps a dead-letter
// queue of deliveries that exhausted them.
type ReliableDispatcher struct {
	config     DeliveryConfig
	records    map[uuid.UUID]*DeliveryRecord
	order      []uuid.UUID
	alerts     map[uuid.UUID]*Alert
	deadLetter []*DeliveryRecord
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

// NewReliableDispatcher creates a dispatcher. Zero config fields take defaults.
func NewReliableDispatcher(cfg DeliveryConfig, logger *slog.Logger) *ReliableDispatcher {
	def := DefaultDeliveryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = def.RetryTimeout
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = def.MaxRecords
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReliableDispatcher{
		config:  cfg,
		records: make(map[uuid.UUID]*DeliveryRecord),
		alerts:  make(map[uuid.UUID]*Alert),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
}

// Deliver sends alert to ch, retrying with exponential backoff. It returns
// the last error once retries are exhausted; the delivery is then in the
// dead-letter queue.
func (d *ReliableDispatcher) Deliver(ctx context.Context, ch NotificationChannel, alert *Alert) error {
	select {
	case <-d.stopCh:
		return ErrDispatcherStopped
	default:
	}

	record := &DeliveryRecord{
		ID:          uuid.New(),
		AlertID:     alert.ID,
		TraceID:     alert.TraceID,
		ChannelName: ch.Name(),
		Status:      DeliveryPending,
		CreatedAt:   time.Now(),
	}
	d.track(record, alert)
	return d.deliverWithRetry(ctx, ch, alert, record)
}

func (d *ReliableDispatcher) track(record *DeliveryRecord, alert *Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[record.ID] = record
	d.alerts[alert.ID] = alert
	d.order = append(d.order, record.ID)
	for len(d.order) > d.config.MaxRecords {
		oldest := d.order[0]
		d.order = d.order[1:]
		if rec, ok := d.records[oldest]; ok {
			delete(d.alerts, rec.AlertID)
		}
		delete(d.records, oldest)
	}
}

func (d *ReliableDispatcher) deliverWithRetry(ctx context.Context, ch NotificationChannel, alert *Alert, record *DeliveryRecord) error {
	backoff := d.config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		record.LastAttempt = time.Now()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.RetryTimeout)
		err := ch.Send(attemptCtx, alert)
		cancel()

		if err == nil {
			now := time.Now()
			d.mu.Lock()
			record.Status = DeliverySent
			record.DeliveredAt = &now
			d.mu.Unlock()

			d.logger.Debug("notification delivered",
				"channel", ch.Name(),
				"trace_id", alert.TraceID,
				"attempts", attempt,
			)
			return nil
		}
		lastErr = err

		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()

		d.logger.Warn("notification delivery failed",
			"channel", ch.Name(),
			"trace_id", alert.TraceID,
			"attempt", attempt,
			"max_retries", d.config.MaxRetries,
			"error", err,
		)

		if attempt == d.config.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			d.moveToDeadLetter(record, "context cancelled")
			return fmt.Errorf("deliver to %s: %w", ch.Name(), ctx.Err())
		case <-d.stopCh:
			d.moveToDeadLetter(record, "dispatcher stopped")
			return fmt.Errorf("deliver to %s: %w", ch.Name(), ErrDispatcherStopped)
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
		if backoff > d.config.MaxBackoff {
			backoff = d.config.MaxBackoff
		}
	}

	d.moveToDeadLetter(record, record.LastError)
	return fmt.Errorf("deliver to %s after %d attempts: %w", ch.Name(), d.config.MaxRetries, lastErr)
}

func (d *ReliableDispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	record.Status = DeliveryDeadLetter
	record.LastError = reason
	d.deadLetter = append(d.deadLetter, record)
	if over := len(d.deadLetter) - d.config.MaxRecords; over > 0 {
		n := copy(d.deadLetter, d.deadLetter[over:])
		clear(d.deadLetter[n:])
		d.deadLetter = d.deadLetter[:n]
	}
	d.mu.Unlock()

	d.logger.Error("notification moved to dead letter queue",
		"trace_id", record.TraceID,
		"channel", record.ChannelName,
		"attempts", record.Attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns the failed delivery records, at most MaxRecords,
// oldest first.
func (d *ReliableDispatcher) DeadLetterQueue() []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*DeliveryRecord, len(d.deadLetter))
	copy(result, d.deadLetter)
	return result
}

// RetryDeadLetter re-delivers a dead-lettered record through ch.
func (d *ReliableDispatcher) RetryDeadLetter(ctx context.Context, recordID uuid.UUID, ch NotificationChannel) error {
	d.mu.Lock()
	idx := -1
	for i, rec := range d.deadLetter {
		if rec.ID == recordID {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return fmt.Errorf("dead letter record not found: %s", recordID)
	}
	target := d.deadLetter[idx]
	alert, ok := d.alerts[target.AlertID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("alert for dead letter record %s is no longer retained", recordID)
	}
	if ch == nil || ch.Name() != target.ChannelName {
		d.mu.Unlock()
		return fmt.Errorf("channel mismatch for dead letter record %s: want %s", recordID, target.ChannelName)
	}

	d.deadLetter = append(d.deadLetter[:idx], d.deadLetter[idx+1:]...)
	target.Status = DeliveryPending
	target.Attempts = 0
	target.LastError = ""
	d.mu.Unlock()

	return d.deliverWithRetry(ctx, ch, alert, target)
}

// Records returns the delivery records for an alert.
func (d *ReliableDispatcher) Records(alertID uuid.UUID) []DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var records []DeliveryRecord
	for _, id := range d.order {
		if rec := d.records[id]; rec.AlertID == alertID {
			records = append(records, *rec)
		}
	}
	return records
}

// Stats returns delivery statistics.
func (d *ReliableDispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	statusCounts := make(map[string]int)
	channelCounts := make(map[string]map[string]int)

	for _, rec := range d.records {
		statusCounts[string(rec.Status)]++

		if _, ok := channelCounts[rec.ChannelName]; !ok {
			channelCounts[rec.ChannelName] = make(map[string]int)
		}
		channelCounts[rec.ChannelName][string(rec.Status)]++
	}

	return map[string]interface{}{
		"total_deliveries":  len(d.records),
		"dead_letter_count": len(d.deadLetter),
		"by_status":         statusCounts,
		"by_channel":        channelCounts,
	}
}

// Stop aborts pending retries. It is safe to call more than once.
func (d *ReliableDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
