package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "enricher/pkg/platform/strings"
)

// Config is the full engine configuration, built from environment variables
// so main stays lean.
type Config struct {
	Server   Server
	Batch    Batch
	Breaker  Breaker
	Registry Registry
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Logging  Logging
}

// Server captures operator HTTP surface configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Batch tunes claiming, concurrency, pacing and recovery.
type Batch struct {
	BatchSize          int
	ThreadPoolSize     int
	RateLimitPerSecond float64
	RateLimitBurst     int
	AcquireTimeout     time.Duration
	AdaptiveRate       bool
	ScheduleInterval   time.Duration
	BatchTimeout       time.Duration
	StoreTimeout       time.Duration
	StuckThreshold     time.Duration
	RecoveryInterval   time.Duration
	MaxRetries         int
	ScheduledEnabled   bool
	EscalateExhausted  bool
}

// Breaker tunes the registry circuit breaker.
type Breaker struct {
	FailureThreshold         int
	OpenDuration             time.Duration
	HalfOpenSuccessThreshold int
}

// Registry points at the external registry.
type Registry struct {
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration // 0 disables the result cache
}

// DatabaseConfig selects the record store. An empty URL keeps work items in
// memory.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig holds outcome event settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers      []string
	OutcomeTopic string
	ClientID     string
}

// Logging selects slog level and handler.
type Logging struct {
	Level  string
	Format string
}

// FromEnv reads every setting, applying defaults for unset variables.
// Malformed values are reported together.
func FromEnv() (Config, error) {
	r := &envReader{}
	cfg := Config{
		Server: Server{
			Addr:            r.str("ENRICHER_ADDR", ":8080"),
			ShutdownTimeout: r.duration("ENRICHER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Batch: Batch{
			BatchSize:          r.integer("BATCH_SIZE", 1000),
			ThreadPoolSize:     r.integer("BATCH_THREAD_POOL_SIZE", 20),
			RateLimitPerSecond: r.float("BATCH_RATE_LIMIT_PER_SECOND", 40),
			RateLimitBurst:     r.integer("BATCH_RATE_LIMIT_BURST", 1),
			AcquireTimeout:     r.duration("BATCH_RATE_ACQUIRE_TIMEOUT", 30*time.Second),
			AdaptiveRate:       r.boolean("BATCH_RATE_ADAPTIVE", true),
			ScheduleInterval:   r.millis("BATCH_SCHEDULE_INTERVAL_MS", 120_000),
			BatchTimeout:       r.minutes("BATCH_TIMEOUT_MINUTES", 15),
			StoreTimeout:       r.duration("BATCH_STORE_TIMEOUT", 10*time.Second),
			StuckThreshold:     r.minutes("BATCH_STUCK_THRESHOLD_MINUTES", 20),
			RecoveryInterval:   r.millis("BATCH_RECOVERY_INTERVAL_MS", 300_000),
			MaxRetries:         r.integer("BATCH_MAX_RETRIES", 3),
			ScheduledEnabled:   r.boolean("BATCH_SCHEDULED_ENABLED", false),
			EscalateExhausted:  r.boolean("BATCH_ESCALATE_EXHAUSTED", true),
		},
		Breaker: Breaker{
			FailureThreshold:         r.integer("CB_FAILURE_THRESHOLD", 10),
			OpenDuration:             r.millis("CB_OPEN_DURATION_MS", 60_000),
			HalfOpenSuccessThreshold: r.integer("CB_HALF_OPEN_SUCCESS_THRESHOLD", 5),
		},
		Registry: Registry{
			URL:      r.str("REGISTRY_URL", ""),
			Timeout:  r.duration("REGISTRY_TIMEOUT", 10*time.Second),
			CacheTTL: r.duration("REGISTRY_CACHE_TTL", 0),
		},
		Database: DatabaseConfig{
			URL:             r.str("DATABASE_URL", ""),
			MaxOpenConns:    r.integer("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    r.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:      r.list("KAFKA_BROKERS"),
			OutcomeTopic: r.str("KAFKA_OUTCOME_TOPIC", "enricher.outcomes"),
			ClientID:     r.str("KAFKA_CLIENT_ID", "enricher"),
		},
		Logging: Logging{
			Level:  r.str("LOG_LEVEL", "info"),
			Format: r.str("LOG_FORMAT", "json"),
		},
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate checks that the configuration can run the engine.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}

	positive("BATCH_SIZE", c.Batch.BatchSize)
	positive("BATCH_THREAD_POOL_SIZE", c.Batch.ThreadPoolSize)
	if c.Batch.RateLimitPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_RATE_LIMIT_PER_SECOND must be positive, got %v", c.Batch.RateLimitPerSecond))
	}
	positive("BATCH_RATE_LIMIT_BURST", c.Batch.RateLimitBurst)
	positiveDur("BATCH_RATE_ACQUIRE_TIMEOUT", c.Batch.AcquireTimeout)
	positiveDur("BATCH_TIMEOUT_MINUTES", c.Batch.BatchTimeout)
	positiveDur("BATCH_STORE_TIMEOUT", c.Batch.StoreTimeout)
	positiveDur("BATCH_STUCK_THRESHOLD_MINUTES", c.Batch.StuckThreshold)
	// Recovery must not reclaim items a batch is still allowed to finish.
	if limit := c.Batch.BatchTimeout + c.Batch.StoreTimeout; c.Batch.StuckThreshold > 0 && c.Batch.StuckThreshold <= limit {
		errs = append(errs, fmt.Errorf("BATCH_STUCK_THRESHOLD_MINUTES (%s) must exceed the batch timeout plus store timeout (%s)",
			c.Batch.StuckThreshold, limit))
	}
	if c.Batch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_RETRIES must not be negative, got %d", c.Batch.MaxRetries))
	}
	if c.Batch.ScheduledEnabled {
		positiveDur("BATCH_SCHEDULE_INTERVAL_MS", c.Batch.ScheduleInterval)
		positiveDur("BATCH_RECOVERY_INTERVAL_MS", c.Batch.RecoveryInterval)
	}

	positive("CB_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	positiveDur("CB_OPEN_DURATION_MS", c.Breaker.OpenDuration)
	positive("CB_HALF_OPEN_SUCCESS_THRESHOLD", c.Breaker.HalfOpenSuccessThreshold)

	if c.Registry.URL == "" {
		errs = append(errs, errors.New("REGISTRY_URL is required"))
	}
	positiveDur("REGISTRY_TIMEOUT", c.Registry.Timeout)
	if c.Registry.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("REGISTRY_CACHE_TTL must not be negative, got %s", c.Registry.CacheTTL))
	}
	if c.Registry.CacheTTL > 0 && c.Redis.URL == "" {
		errs = append(errs, errors.New("REGISTRY_CACHE_TTL requires REDIS_URL"))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.OutcomeTopic == "" {
		errs = append(errs, errors.New("KAFKA_OUTCOME_TOPIC is required when KAFKA_BROKERS is set"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// envReader collects parse errors so FromEnv can report them all at once.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (r *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (r *envReader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (r *envReader) millis(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Millisecond
}

func (r *envReader) minutes(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Minute
}

func (r *envReader) list(key string) []string {
	return platformstrings.SplitList(os.Getenv(key), ",")
}
