package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin creates the fleet topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a new Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Admin{
		config: config,
		logger: logger,
	}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	CleanupPolicy     string // "delete" or "compact"
	MaxMessageBytes   int
}

// FleetTopics returns the report and host topic definitions. Host results
// are compacted so the latest result per host is retained.
func (c *Config) FleetTopics() []TopicConfig {
	return []TopicConfig{
		{
			Name:              c.ReportTopic,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.Retention.Milliseconds(),
			CleanupPolicy:     "delete",
			MaxMessageBytes:   c.MaxMessageBytes,
		},
		{
			Name:              c.HostTopic,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.Retention.Milliseconds(),
			CleanupPolicy:     "compact",
		},
	}
}

// configEntries builds the broker-side settings of a topic.
func (cfg TopicConfig) configEntries() []kafka.ConfigEntry {
	entries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10)},
	}
	if cfg.CleanupPolicy != "" {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "cleanup.policy",
			ConfigValue: cfg.CleanupPolicy,
		})
	}
	if cfg.MaxMessageBytes > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: strconv.Itoa(cfg.MaxMessageBytes),
		})
	}
	return entries
}

// CreateTopic creates a new Kafka topic on the cluster controller.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     cfg.configEntries(),
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)

	return nil
}

// ListTopics returns the cluster's topics, sorted.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	var topics []string
	for _, p := range partitions {
		if !slices.Contains(topics, p.Topic) {
			topics = append(topics, p.Topic)
		}
	}
	slices.Sort(topics)

	return topics, nil
}

// EnsureFleetTopics creates the report and host topics if they do not exist.
func (a *Admin) EnsureFleetTopics(ctx context.Context) error {
	existing, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}

	for _, cfg := range a.config.FleetTopics() {
		if slices.Contains(existing, cfg.Name) {
			a.logger.Debug("topic already exists", "topic", cfg.Name)
			continue
		}
		if err := a.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}
