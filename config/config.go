package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/overtonx/edgebox"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "EDGEBOX_"

// maxPayloadLimit bounds queue.max_payload well below the largest record the
// file store can frame.
const maxPayloadLimit = 16 << 20

const (
	StorageFile  = "file"
	StorageBolt  = "bolt"
	StorageMySQL = "mysql"

	SinkKafka = "kafka"
	SinkMQTT  = "mqtt"
	SinkHTTP  = "http"
	SinkNop   = "nop"
)

type QueueOptions struct {
	MaxEvents          int           `yaml:"max_events" env:"MAX_EVENTS"`
	MaxBytes           int64         `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxPayload         int64         `yaml:"max_payload" env:"MAX_PAYLOAD"`
	DeadLetterCapacity int           `yaml:"dead_letter_capacity" env:"DEAD_LETTER_CAPACITY"`
	MaxAttempts        int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type PublisherOptions struct {
	BaseBackoff   time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff    time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	BatchMaxCount int           `yaml:"batch_max_count" env:"BATCH_MAX_COUNT"`
	BatchMaxBytes int64         `yaml:"batch_max_bytes" env:"BATCH_MAX_BYTES"`
	SendTimeout   time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type ProbeOptions struct {
	// Address is dialed to decide whether the sink is reachable. Empty
	// disables the probe.
	Address  string        `yaml:"address" env:"ADDRESS"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type SupervisorOptions struct {
	HeartbeatTTL          time.Duration `yaml:"heartbeat_ttl" env:"HEARTBEAT_TTL"`
	CheckInterval         time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	MaxRestarts           int           `yaml:"max_restarts" env:"MAX_RESTARTS"`
	StopTimeout           time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	StorageErrorThreshold int           `yaml:"storage_error_threshold" env:"STORAGE_ERROR_THRESHOLD"`
	ExitOnFatal           bool          `yaml:"exit_on_fatal" env:"EXIT_ON_FATAL"`
}

type MaintenanceOptions struct {
	LeaseInterval       time.Duration `yaml:"lease_interval" env:"LEASE_INTERVAL"`
	CompactionInterval  time.Duration `yaml:"compaction_interval" env:"COMPACTION_INTERVAL"`
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention" env:"DEAD_LETTER_RETENTION"`
	PurgeInterval       time.Duration `yaml:"purge_interval" env:"PURGE_INTERVAL"`
	ReportInterval      time.Duration `yaml:"report_interval" env:"REPORT_INTERVAL"`
}

type StorageOptions struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the queue directory for the file driver and the database file
	// for the bolt driver.
	Path string `yaml:"path" env:"PATH"`
	DSN  string `yaml:"dsn" env:"DSN"`
	// CompactionThreshold is the number of dead log entries after which the
	// file driver rewrites its log.
	CompactionThreshold int `yaml:"compaction_threshold" env:"COMPACTION_THRESHOLD"`
}

type SinkOptions struct {
	Kind string `yaml:"kind" env:"KIND"`
	// Topic is the Kafka topic or the MQTT topic.
	Topic string `yaml:"topic" env:"TOPIC"`

	KafkaBrokers string `yaml:"kafka_brokers" env:"KAFKA_BROKERS"`

	MQTTBroker     string `yaml:"mqtt_broker" env:"MQTT_BROKER"`
	MQTTClientID   string `yaml:"mqtt_client_id" env:"MQTT_CLIENT_ID"`
	MQTTMaxPayload int    `yaml:"mqtt_max_payload" env:"MQTT_MAX_PAYLOAD"`

	URL     string            `yaml:"url" env:"URL"`
	Headers map[string]string `yaml:"headers" env:"HEADERS"`
}

type AdminOptions struct {
	// Listen is the address of the admin HTTP server. Empty disables it.
	Listen      string `yaml:"listen" env:"LISTEN"`
	MaxBodySize int64  `yaml:"max_body_size" env:"MAX_BODY_SIZE"`
}

type LogOptions struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Config is the configuration of the edgeboxd daemon.
type Config struct {
	Queue       QueueOptions       `yaml:"queue" envPrefix:"QUEUE_"`
	Publisher   PublisherOptions   `yaml:"publisher" envPrefix:"PUBLISHER_"`
	Probe       ProbeOptions       `yaml:"probe" envPrefix:"PROBE_"`
	Supervisor  SupervisorOptions  `yaml:"supervisor" envPrefix:"SUPERVISOR_"`
	Maintenance MaintenanceOptions `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
	Storage     StorageOptions     `yaml:"storage" envPrefix:"STORAGE_"`
	Sink        SinkOptions        `yaml:"sink" envPrefix:"SINK_"`
	Admin       AdminOptions       `yaml:"admin" envPrefix:"ADMIN_"`
	Log         LogOptions         `yaml:"log" envPrefix:"LOG_"`
}

// Default returns the configuration used for every option that is set
// neither in the file nor in the environment.
func Default() Config {
	d := edgebox.DefaultConfig()
	return Config{
		Queue: QueueOptions{
			MaxEvents:          100000,
			MaxBytes:           256 << 20,
			MaxPayload:         1 << 20,
			DeadLetterCapacity: d.DeadLetterCapacity,
			MaxAttempts:        d.MaxAttempts,
			VisibilityTimeout:  d.VisibilityTimeout,
			WriteTimeout:       d.WriteTimeout,
		},
		Publisher: PublisherOptions{
			BaseBackoff:   d.BaseBackoff,
			MaxBackoff:    d.MaxBackoff,
			BatchMaxCount: d.BatchMaxCount,
			BatchMaxBytes: d.BatchMaxBytes,
			SendTimeout:   d.SendTimeout,
			PollInterval:  d.PollInterval,
		},
		Probe: ProbeOptions{
			Interval: d.ProbeInterval,
			CacheTTL: d.ProbeCacheTTL,
			Timeout:  d.ProbeTimeout,
		},
		Supervisor: SupervisorOptions{
			HeartbeatTTL:          d.HeartbeatTTL,
			CheckInterval:         d.CheckInterval,
			MaxRestarts:           d.MaxRestarts,
			StopTimeout:           d.StopTimeout,
			StorageErrorThreshold: d.StorageErrorThreshold,
			ExitOnFatal:           true,
		},
		Maintenance: MaintenanceOptions{
			LeaseInterval:       d.LeaseInterval,
			CompactionInterval:  d.CompactionInterval,
			DeadLetterRetention: d.DeadLetterRetention,
			PurgeInterval:       d.PurgeInterval,
			ReportInterval:      d.ReportInterval,
		},
		Storage: StorageOptions{
			Driver: StorageFile,
			Path:   "/var/lib/edgebox/queue",
		},
		Sink: SinkOptions{
			Kind:         SinkKafka,
			Topic:        "edgebox-events",
			KafkaBrokers: "localhost:9092",
			MQTTClientID: "edgeboxd",
		},
		Admin: AdminOptions{
			Listen:      "127.0.0.1:8086",
			MaxBodySize: 1 << 20,
		},
		Log: LogOptions{
			Level: "info",
		},
	}
}

// LoadEnv loads the env files that exist, in order. It returns how many
// were found.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return 0, fmt.Errorf("failed to load env files: %w", err)
	}
	return len(existing), nil
}

// Load builds the configuration from the defaults, the YAML file at path
// (optional) and EDGEBOX_* environment variables, in increasing priority.
// Env files are loaded first; variables already set in the environment win.
func Load(path string, envFiles ...string) (Config, error) {
	if _, err := LoadEnv(envFiles); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// Validate checks option ranges and the options each driver and sink kind
// requires. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Queue.MaxEvents >= 0, "queue.max_events must be non-negative, got %d", c.Queue.MaxEvents)
	check(c.Queue.MaxBytes >= 0, "queue.max_bytes must be non-negative, got %d", c.Queue.MaxBytes)
	check(c.Queue.MaxPayload >= 0 && c.Queue.MaxPayload <= maxPayloadLimit,
		"queue.max_payload must be between 0 and %d, got %d", maxPayloadLimit, c.Queue.MaxPayload)
	check(c.Queue.MaxBytes == 0 || c.Queue.MaxPayload <= c.Queue.MaxBytes,
		"queue.max_payload (%d) must not exceed queue.max_bytes (%d)", c.Queue.MaxPayload, c.Queue.MaxBytes)
	check(c.Queue.MaxAttempts >= 1, "queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	check(c.Queue.DeadLetterCapacity >= 1, "queue.dead_letter_capacity must be at least 1, got %d", c.Queue.DeadLetterCapacity)
	check(c.Queue.VisibilityTimeout > 0, "queue.visibility_timeout must be positive")

	check(c.Publisher.BaseBackoff > 0, "publisher.base_backoff must be positive")
	check(c.Publisher.MaxBackoff >= c.Publisher.BaseBackoff,
		"publisher.max_backoff (%s) must not be below base_backoff (%s)", c.Publisher.MaxBackoff, c.Publisher.BaseBackoff)
	check(c.Publisher.BatchMaxCount >= 1, "publisher.batch_max_count must be at least 1, got %d", c.Publisher.BatchMaxCount)
	check(c.Publisher.SendTimeout > 0, "publisher.send_timeout must be positive")
	check(c.Publisher.SendTimeout < c.Queue.VisibilityTimeout,
		"publisher.send_timeout (%s) must be shorter than queue.visibility_timeout (%s)", c.Publisher.SendTimeout, c.Queue.VisibilityTimeout)
	check(c.Publisher.SendTimeout < c.Supervisor.HeartbeatTTL,
		"publisher.send_timeout (%s) must be shorter than supervisor.heartbeat_ttl (%s)", c.Publisher.SendTimeout, c.Supervisor.HeartbeatTTL)

	check(c.Supervisor.HeartbeatTTL > 0, "supervisor.heartbeat_ttl must be positive")
	check(c.Supervisor.CheckInterval > 0 && c.Supervisor.CheckInterval <= c.Supervisor.HeartbeatTTL,
		"supervisor.check_interval must be positive and not above heartbeat_ttl")
	check(c.Supervisor.MaxRestarts >= 0, "supervisor.max_restarts must be non-negative, got %d", c.Supervisor.MaxRestarts)

	switch c.Storage.Driver {
	case StorageFile, StorageBolt:
		check(c.Storage.Path != "", "storage.path is required for the %s driver", c.Storage.Driver)
	case StorageMySQL:
		check(c.Storage.DSN != "", "storage.dsn is required for the mysql driver")
	default:
		check(false, "storage.driver must be one of file, bolt, mysql, got %q", c.Storage.Driver)
	}

	switch c.Sink.Kind {
	case SinkKafka:
		check(c.Sink.KafkaBrokers != "", "sink.kafka_brokers is required for the kafka sink")
		check(c.Sink.Topic != "", "sink.topic is required for the kafka sink")
	case SinkMQTT:
		check(c.Sink.MQTTBroker != "", "sink.mqtt_broker is required for the mqtt sink")
		check(c.Sink.Topic != "", "sink.topic is required for the mqtt sink")
	case SinkHTTP:
		check(strings.HasPrefix(c.Sink.URL, "http://") || strings.HasPrefix(c.Sink.URL, "https://"),
			"sink.url must be an http or https URL, got %q", c.Sink.URL)
	case SinkNop:
	default:
		check(false, "sink.kind must be one of kafka, mqtt, http, nop, got %q", c.Sink.Kind)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// Node converts the configuration into the pipeline configuration.
func (c *Config) Node() edgebox.Config {
	return edgebox.Config{
		MaxEvents:             c.Queue.MaxEvents,
		MaxBytes:              c.Queue.MaxBytes,
		MaxPayload:            c.Queue.MaxPayload,
		DeadLetterCapacity:    c.Queue.DeadLetterCapacity,
		MaxAttempts:           c.Queue.MaxAttempts,
		VisibilityTimeout:     c.Queue.VisibilityTimeout,
		WriteTimeout:          c.Queue.WriteTimeout,
		BaseBackoff:           c.Publisher.BaseBackoff,
		MaxBackoff:            c.Publisher.MaxBackoff,
		BatchMaxCount:         c.Publisher.BatchMaxCount,
		BatchMaxBytes:         c.Publisher.BatchMaxBytes,
		SendTimeout:           c.Publisher.SendTimeout,
		PollInterval:          c.Publisher.PollInterval,
		ProbeAddress:          c.Probe.Address,
		ProbeInterval:         c.Probe.Interval,
		ProbeCacheTTL:         c.Probe.CacheTTL,
		ProbeTimeout:          c.Probe.Timeout,
		HeartbeatTTL:          c.Supervisor.HeartbeatTTL,
		CheckInterval:         c.Supervisor.CheckInterval,
		MaxRestarts:           c.Supervisor.MaxRestarts,
		StopTimeout:           c.Supervisor.StopTimeout,
		StorageErrorThreshold: c.Supervisor.StorageErrorThreshold,
		ExitOnFatal:           c.Supervisor.ExitOnFatal,
		LeaseInterval:         c.Maintenance.LeaseInterval,
		CompactionInterval:    c.Maintenance.CompactionInterval,
		DeadLetterRetention:   c.Maintenance.DeadLetterRetention,
		PurgeInterval:         c.Maintenance.PurgeInterval,
		ReportInterval:        c.Maintenance.ReportInterval,
	}
}

// Logger builds the zap logger described by the log options.
func (o LogOptions) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if o.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
