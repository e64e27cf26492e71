package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin creates the pipeline topics and checks broker health.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates an Admin.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// TopicConfigs returns the topics the pipeline reads and writes.
func (a *Admin) TopicConfigs() []kafka.TopicConfig {
	var out []kafka.TopicConfig
	for _, name := range []string{a.config.Topic, a.config.AlertsTopic} {
		if name == "" {
			continue
		}
		out = append(out, kafka.TopicConfig{
			Topic:             name,
			NumPartitions:     a.config.Partitions,
			ReplicationFactor: a.config.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(a.config.RetentionMs, 10)},
			},
		})
	}
	return out
}

// EnsureTopics creates any pipeline topic that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: failed to read partitions: %w", err)
	}
	existing := make(map[string]bool)
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, tc := range a.TopicConfigs() {
		if existing[tc.Topic] {
			a.logger.Debug("topic already exists", "topic", tc.Topic)
			continue
		}
		missing = append(missing, tc)
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	dialer, err := a.config.GetDialer()
	if err != nil {
		return err
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: failed to create topics: %w", err)
	}
	for _, tc := range missing {
		a.logger.Info("kafka topic created",
			"topic", tc.Topic,
			"partitions", tc.NumPartitions,
			"replication_factor", tc.ReplicationFactor,
		)
	}
	return nil
}

// HealthCheck lists brokers and reports latency.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	conn, err := a.dial(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Latency = time.Since(start)
	status.BrokerCount = len(brokers)
	status.Healthy = len(brokers) > 0
	return status
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, err
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	return conn, nil
}
