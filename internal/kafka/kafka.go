// Package kafka publishes fleet reports and per-host collection results
// to Kafka topics.
package kafka

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/scram"
)

const (
	dialTimeout  = 10 * time.Second
	batchTimeout = 10 * time.Millisecond
)

// Config holds the publication settings.
type Config struct {
	Brokers []string `yaml:"brokers"`

	// ReportTopic receives one message per fleet report.
	ReportTopic string `yaml:"report_topic"`

	// HostTopic receives one message per host collection result, keyed by host.
	HostTopic string `yaml:"host_topic"`

	// Topic settings applied by EnsureFleetTopics.
	Partitions        int           `yaml:"partitions"`
	ReplicationFactor int           `yaml:"replication_factor"`
	Retention         time.Duration `yaml:"retention"`
	MaxMessageBytes   int           `yaml:"max_message_bytes"`

	// CompressionType: none, gzip, snappy, lz4, zstd.
	CompressionType string `yaml:"compression_type"`

	// TLS dials brokers over TLS using the system roots.
	TLS bool `yaml:"tls"`

	// Username and Password enable SASL/SCRAM-SHA-512 when both are set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the default publication settings.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		ReportTopic:       "fleet-reports",
		HostTopic:         "fleet-host-results",
		Partitions:        3,
		ReplicationFactor: 1,
		Retention:         30 * 24 * time.Hour,
		MaxMessageBytes:   4 << 20, // reports carry every cluster
		CompressionType:   "lz4",
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		WriteTimeout:      30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.ReportTopic == "" {
		return errors.New("kafka: report topic is required")
	}
	if c.HostTopic == "" {
		return errors.New("kafka: host topic is required")
	}
	if c.Partitions < 1 {
		return errors.New("kafka: partitions must be at least 1")
	}
	if c.ReplicationFactor < 1 {
		return errors.New("kafka: replication factor must be at least 1")
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("kafka: username and password must be set together")
	}
	return nil
}

// GetCompression returns the kafka-go compression codec.
func (c *Config) GetCompression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0 // No compression
	}
}

// GetDialer returns a dialer carrying the configured TLS and SCRAM settings.
func (c *Config) GetDialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   dialTimeout,
		DualStack: true,
	}

	if c.TLS {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if c.Username != "" {
		mechanism, err := scram.Mechanism(scram.SHA512, c.Username, c.Password)
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

// Metrics holds Kafka producer metrics.
type Metrics struct {
	MessagesProduced int64     `json:"messages_produced"`
	BytesProduced    int64     `json:"bytes_produced"`
	Errors           int64     `json:"errors"`
	Retries          int64     `json:"retries"`
	LastError        error     `json:"-"`
	LastErrorTime    time.Time `json:"last_error_time,omitzero"`
}
