package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/internal/journal"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Broker drivers
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerMemory   = "memory"
)

// Notifier backends
const (
	NotifierMemory = "memory"
	NotifierRedis  = "redis"
)

// Database drivers
const (
	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Worker     WorkerConfig     `yaml:"worker"`
	Job        JobConfig        `yaml:"job"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Journal    JournalConfig    `yaml:"journal"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// CORSConfig holds allowed origins for cross-origin requests
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig holds the API token bucket settings. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// DatabaseConfig holds SQL connection configuration. An empty driver means
// no database is used.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Enabled reports whether a database is configured
func (d DatabaseConfig) Enabled() bool {
	return d.Driver != ""
}

// RabbitMQConfig holds broker connection and queue topology configuration
type RabbitMQConfig struct {
	Driver      string           `yaml:"driver"`
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Queues      QueuesConfig     `yaml:"queues"`
	MaxPriority int              `yaml:"max_priority"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
	Consumer    ConsumerConfig   `yaml:"consumer"`
}

// QueuesConfig names the main, dead-letter and delay queues
type QueuesConfig struct {
	Main       string `yaml:"main"`
	DeadLetter string `yaml:"dead_letter"`
	Delay      string `yaml:"delay"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobConfig holds job defaults
type JobConfig struct {
	DefaultFaultTolerance int `yaml:"default_fault_tolerance"`

	// Priorities overrides the broker priority of named levels.
	Priorities map[string]int `yaml:"priorities"`
}

// DispatcherConfig holds wait bridge settings
type DispatcherConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	DefaultWaitTimeout time.Duration `yaml:"default_wait_timeout"`
}

// NotifierConfig selects and tunes the completion notifier
type NotifierConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// JournalConfig holds write-ahead journal settings
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RelayInterval time.Duration `yaml:"relay_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MinAge        time.Duration `yaml:"min_age"`
	Retention     time.Duration `yaml:"retention"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.RabbitMQ.Driver == "" {
		c.RabbitMQ.Driver = BrokerRabbitMQ
	}
	if c.RabbitMQ.Queues.Main == "" {
		c.RabbitMQ.Queues.Main = "jobs"
	}
	if c.RabbitMQ.Queues.DeadLetter == "" {
		c.RabbitMQ.Queues.DeadLetter = c.RabbitMQ.Queues.Main + ".dead_letter"
	}
	if c.RabbitMQ.Queues.Delay == "" {
		c.RabbitMQ.Queues.Delay = c.RabbitMQ.Queues.Main + ".delay"
	}
	if c.RabbitMQ.MaxPriority == 0 {
		c.RabbitMQ.MaxPriority = job.MaxBrokerPriority
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
	if c.Job.DefaultFaultTolerance == 0 {
		c.Job.DefaultFaultTolerance = job.DefaultFaultTolerance
	}
	if c.Notifier.Backend == "" {
		c.Notifier.Backend = NotifierMemory
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Journal.RelayInterval == 0 {
		c.Journal.RelayInterval = journal.DefaultRelayInterval
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = journal.DefaultRelayBatchSize
	}
	if c.Journal.MinAge == 0 {
		c.Journal.MinAge = journal.DefaultRelayMinAge
	}
	if c.Journal.Retention == 0 {
		c.Journal.Retention = journal.DefaultRelayRetention
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	switch c.RabbitMQ.Driver {
	case BrokerRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("unsupported rabbitmq driver %q", c.RabbitMQ.Driver)
	}

	if c.RabbitMQ.Queues.Main == "" {
		return fmt.Errorf("rabbitmq main queue name is required")
	}
	if c.RabbitMQ.Queues.Main == c.RabbitMQ.Queues.DeadLetter {
		return fmt.Errorf("rabbitmq dead-letter queue must differ from the main queue")
	}
	if c.RabbitMQ.MaxPriority < 1 || c.RabbitMQ.MaxPriority > 255 {
		return fmt.Errorf("invalid rabbitmq max_priority: %d", c.RabbitMQ.MaxPriority)
	}

	if c.Job.DefaultFaultTolerance < 1 {
		return fmt.Errorf("job default_fault_tolerance must be greater than 0")
	}
	if _, err := c.PriorityMap(); err != nil {
		return fmt.Errorf("invalid job priorities: %w", err)
	}

	switch c.Notifier.Backend {
	case NotifierMemory:
	case NotifierRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis notifier")
		}
	default:
		return fmt.Errorf("unsupported notifier backend %q", c.Notifier.Backend)
	}

	if c.Database.Enabled() {
		if err := c.Database.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case DatabasePostgres:
		if d.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if d.Port < MinPort || d.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", d.Port, MinPort, MaxPort)
		}
		if d.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DatabaseSQLite:
		if d.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", d.Driver)
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server rate_limit requests_per_second must not be negative")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Journal.Enabled && !c.Database.Enabled() {
		return fmt.Errorf("journal requires a database")
	}

	if c.Journal.BatchSize < 0 {
		return fmt.Errorf("journal batch_size must not be negative")
	}

	if c.Journal.MinAge < 0 {
		return fmt.Errorf("journal min_age must not be negative")
	}

	return nil
}

// PriorityMap builds the level to broker priority mapping
func (c *Config) PriorityMap() (job.PriorityMap, error) {
	m, err := job.PriorityMapFromNames(c.Job.Priorities)
	if err != nil {
		return nil, err
	}
	for p, v := range m {
		if v < 0 || v > c.RabbitMQ.MaxPriority {
			return nil, fmt.Errorf("priority %s maps to %d, outside 0..%d", p, v, c.RabbitMQ.MaxPriority)
		}
	}
	return m, nil
}
