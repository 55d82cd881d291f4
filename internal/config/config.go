// Package config handles configuration loading for fleet-triage.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Fleet     FleetConfig     `yaml:"fleet"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Cache     CacheConfig     `yaml:"cache"`
	Extract   ExtractConfig   `yaml:"extract"`
	Collector CollectorConfig `yaml:"collector"`
	Triage    TriageConfig    `yaml:"triage"`
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Lease     LeaseConfig     `yaml:"lease"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// FleetConfig lists the hosts and channels to collect.
type FleetConfig struct {
	Hosts    []string `yaml:"hosts" validate:"dive,required,max=256"`
	Channels []string `yaml:"channels" validate:"min=1,dive,channel_token"`
}

// ResolverConfig holds the administrative share candidates, in probe order.
// Each template contains one {host} placeholder.
type ResolverConfig struct {
	Templates []string `yaml:"templates" validate:"min=1,dive,contains={host}"`
}

// CacheConfig holds local collection cache settings.
type CacheConfig struct {
	Dir     string `yaml:"dir" validate:"required"`
	Enabled bool   `yaml:"enabled"`
}

// ExtractConfig holds extraction tool settings.
type ExtractConfig struct {
	MaxEvents int           `yaml:"max_events" validate:"min=1"`
	Shell     string        `yaml:"shell" validate:"required"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CollectorConfig holds fleet run concurrency settings.
type CollectorConfig struct {
	HostWorkers    int           `yaml:"host_workers" validate:"min=1"`
	ChannelWorkers int           `yaml:"channel_workers" validate:"min=1"`
	HostTimeout    time.Duration `yaml:"host_timeout"`
}

// TriageConfig holds classification and scoring settings.
type TriageConfig struct {
	Policy        string   `yaml:"policy" validate:"oneof=pattern-count weighted-severity raw-event error-warning"`
	KBFile        string   `yaml:"kb_file"`
	NoisePhrases  []string `yaml:"noise_phrases"`
	KillerPhrases []string `yaml:"killer_phrases"`
	Hotspots      int      `yaml:"hotspots" validate:"min=0"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RateLimitConfig limits how often a collection can be triggered over HTTP.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Every   time.Duration `yaml:"every"` // Minimum interval between collect triggers
	Burst   int           `yaml:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// KafkaConfig holds report publication settings.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	ReportTopic     string   `yaml:"report_topic"`
	HostTopic       string   `yaml:"host_topic"`
	CompressionType string   `yaml:"compression_type"`
	TLS             bool     `yaml:"tls"`
	Username        string   `yaml:"username"` // SCRAM-SHA-512 when set
	Password        string   `yaml:"password"`
}

// ArchiveConfig holds S3 archival settings for export batches.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LeaseConfig holds the per-host collection lease settings.
type LeaseConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// SchedulerConfig holds scheduled collection settings.
type SchedulerConfig struct {
	Cron string `yaml:"cron"` // Empty disables scheduled runs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Fleet: FleetConfig{
			Channels: []string{"Application", "Security", "Setup", "System", "ForwardedEvents"},
		},
		Resolver: ResolverConfig{
			Templates: []string{
				`\\{host}\C$\Windows\System32\winevt\Logs`,
				`\\{host}\ADMIN$\System32\winevt\Logs`,
			},
		},
		Cache: CacheConfig{
			Dir:     "Fleet_Logs",
			Enabled: true,
		},
		Extract: ExtractConfig{
			MaxEvents: 500,
			Shell:     "powershell",
			Timeout:   2 * time.Minute,
		},
		Collector: CollectorConfig{
			HostWorkers:    4,
			ChannelWorkers: 1,
			HostTimeout:    10 * time.Minute,
		},
		Triage: TriageConfig{
			Policy:   "pattern-count",
			Hotspots: 10,
		},
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 15 * time.Minute, // Collect requests block until the fleet run ends
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Every:   time.Minute,
			Burst:   1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Kafka: KafkaConfig{
			Enabled:         false,
			Brokers:         []string{"localhost:9092"},
			ReportTopic:     "fleet-reports",
			HostTopic:       "fleet-host-results",
			CompressionType: "lz4",
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Region:  "us-east-1",
			Prefix:  "fleet-logs",
		},
		Lease: LeaseConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     15 * time.Minute,
		},
	}
}

// Load loads configuration from the file named by FLEET_CONFIG_PATH,
// or configs/config.yaml, or returns defaults when neither exists.
func Load() (*Config, error) {
	configPath := os.Getenv("FLEET_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if hosts := os.Getenv("FLEET_HOSTS"); hosts != "" {
		c.Fleet.Hosts = splitAndTrim(hosts, ",")
	}

	if dir := os.Getenv("FLEET_CACHE_DIR"); dir != "" {
		c.Cache.Dir = dir
	}

	if enabled := os.Getenv("FLEET_CACHE_ENABLED"); enabled == "false" {
		c.Cache.Enabled = false
	}

	if policy := os.Getenv("FLEET_SCORE_POLICY"); policy != "" {
		c.Triage.Policy = policy
	}

	if port := os.Getenv("FLEET_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}

	if workers := os.Getenv("FLEET_HOST_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			c.Collector.HostWorkers = n
		}
	}

	if level := os.Getenv("FLEET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	// Kafka settings
	if enabled := os.Getenv("FLEET_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if user := os.Getenv("KAFKA_USERNAME"); user != "" {
		c.Kafka.Username = user
	}

	if pass := os.Getenv("KAFKA_PASSWORD"); pass != "" {
		c.Kafka.Password = pass
	}

	// Archive settings
	if enabled := os.Getenv("FLEET_ARCHIVE_ENABLED"); enabled == "true" {
		c.Archive.Enabled = true
	}

	if bucket := os.Getenv("FLEET_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
	}

	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		c.Archive.AccessKeyID = key
	}

	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		c.Archive.SecretAccessKey = secret
	}

	// Lease settings
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Lease.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Lease.Password = pass
	}

	if spec := os.Getenv("FLEET_SCHEDULE"); spec != "" {
		c.Scheduler.Cron = spec
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// channelToken mirrors the batch file name rule: no underscores, separators or spaces.
func channelToken(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s != "" && !strings.ContainsAny(s, "_/\\ \t")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterValidation("channel_token", channelToken)

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.RateLimit.Enabled && c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}

	if c.Kafka.Enabled && (c.Kafka.Username == "") != (c.Kafka.Password == "") {
		return errors.New("kafka.username and kafka.password must be set together")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive is enabled")
	}

	if c.Lease.Enabled && c.Lease.TTL <= 0 {
		return errors.New("lease.ttl must be positive")
	}

	return nil
}
