package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalops/order-execution-engine/internal/queue"
	"github.com/signalops/order-execution-engine/internal/store"
	"github.com/signalops/order-execution-engine/internal/venue"
)

// Config holds runtime configuration. Values come from the defaults, then
// the optional YAML file named by CONFIG_FILE, then the environment.
type Config struct {
	HTTPPort string `yaml:"httpPort"`
	GRPCPort string `yaml:"grpcPort"`

	// Persistence
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	// Redis
	RedisURL      string `yaml:"redisURL"`
	RedisPassword string `yaml:"redisPassword"`
	QueueName     string `yaml:"queueName"`

	// Workers
	WorkerConcurrency int           `yaml:"workerConcurrency"`
	Job               JobConfig     `yaml:"job"`
	ExecutionTimeout  time.Duration `yaml:"executionTimeout"`

	// Observers
	ObserverGracePeriod time.Duration `yaml:"observerGracePeriod"`

	// Venues
	QuoteTimeout time.Duration         `yaml:"quoteTimeout"`
	Venues       []venue.Config        `yaml:"venues"`
	Simulator    venue.SimulatorConfig `yaml:"simulator"`
}

// JobConfig is the queue retry policy.
type JobConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	BackoffMax        time.Duration `yaml:"backoffMax"`
	RetainFailed      bool          `yaml:"retainFailed"`
	DiscardCompleted  bool          `yaml:"discardCompleted"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
}

// Policy converts the job settings into a queue policy.
func (j JobConfig) Policy() queue.Policy {
	return queue.Policy{
		MaxAttempts:          j.MaxAttempts,
		BackoffBase:          j.BackoffBase,
		BackoffMultiplier:    j.BackoffMultiplier,
		BackoffMax:           j.BackoffMax,
		RetainOnFinalFailure: j.RetainFailed,
		DiscardOnSuccess:     j.DiscardCompleted,
		VisibilityTimeout:    j.VisibilityTimeout,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	p := queue.DefaultPolicy()
	return Config{
		HTTPPort:          "3000",
		GRPCPort:          "50050",
		DatabaseDriver:    store.DriverPostgres,
		RedisURL:          "localhost:6379",
		QueueName:         queue.DefaultName,
		WorkerConcurrency: 10,
		Job: JobConfig{
			MaxAttempts:       p.MaxAttempts,
			BackoffBase:       p.BackoffBase,
			BackoffMultiplier: p.BackoffMultiplier,
			BackoffMax:        p.BackoffMax,
			RetainFailed:      p.RetainOnFinalFailure,
			DiscardCompleted:  p.DiscardOnSuccess,
			VisibilityTimeout: p.VisibilityTimeout,
		},
		ExecutionTimeout:    10 * time.Second,
		ObserverGracePeriod: time.Second,
		QuoteTimeout:        2 * time.Second,
		Venues:              venue.DefaultVenues(),
		Simulator:           venue.DefaultSimulatorConfig(),
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.DatabaseDriver = strings.ToLower(getEnv("DATABASE_DRIVER", c.DatabaseDriver))
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.QueueName = getEnv("QUEUE_NAME", c.QueueName)

	c.WorkerConcurrency = parseIntEnv("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.Job.MaxAttempts = parseIntEnv("JOB_MAX_ATTEMPTS", c.Job.MaxAttempts)
	c.Job.BackoffBase = parseDurationEnv("JOB_BACKOFF_BASE", c.Job.BackoffBase)
	c.Job.BackoffMultiplier = parseFloatEnv("JOB_BACKOFF_MULTIPLIER", c.Job.BackoffMultiplier)
	c.Job.BackoffMax = parseDurationEnv("JOB_BACKOFF_MAX", c.Job.BackoffMax)
	c.Job.RetainFailed = parseBoolEnv("JOB_RETAIN_FAILED", c.Job.RetainFailed)
	c.Job.DiscardCompleted = parseBoolEnv("JOB_DISCARD_COMPLETED", c.Job.DiscardCompleted)
	c.Job.VisibilityTimeout = parseDurationEnv("JOB_VISIBILITY_TIMEOUT", c.Job.VisibilityTimeout)
	c.ExecutionTimeout = parseDurationEnv("EXECUTION_TIMEOUT", c.ExecutionTimeout)

	c.ObserverGracePeriod = parseDurationEnv("OBSERVER_GRACE_PERIOD", c.ObserverGracePeriod)
	c.QuoteTimeout = parseDurationEnv("QUOTE_TIMEOUT", c.QuoteTimeout)

	if os.Getenv("SIM_QUOTE_LATENCY") != "" {
		latency := parseDurationEnv("SIM_QUOTE_LATENCY", 0)
		for i := range c.Venues {
			c.Venues[i].Latency = latency
		}
	}
	c.Simulator.MinLatency = parseDurationEnv("SIM_EXEC_MIN_LATENCY", c.Simulator.MinLatency)
	c.Simulator.MaxLatency = parseDurationEnv("SIM_EXEC_MAX_LATENCY", c.Simulator.MaxLatency)
	c.Simulator.Tolerance = parseFloatEnv("SIM_SLIPPAGE_TOLERANCE", c.Simulator.Tolerance)
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency))
	}
	if err := c.Job.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	// an attempt still inside its timeouts must not be handed to another worker
	if vt := c.Job.VisibilityTimeout; vt > 0 && vt <= c.QuoteTimeout+c.ExecutionTimeout {
		errs = append(errs, fmt.Errorf("JOB_VISIBILITY_TIMEOUT %s must exceed QUOTE_TIMEOUT plus EXECUTION_TIMEOUT (%s)", vt, c.QuoteTimeout+c.ExecutionTimeout))
	}
	switch c.DatabaseDriver {
	case store.DriverPostgres, store.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.Simulator.MaxLatency < c.Simulator.MinLatency {
		errs = append(errs, fmt.Errorf("SIM_EXEC_MAX_LATENCY %s below minimum %s", c.Simulator.MaxLatency, c.Simulator.MinLatency))
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			errs = append(errs, errors.New("venue without a name"))
			continue
		}
		if seen[v.Name] {
			errs = append(errs, fmt.Errorf("duplicate venue %q", v.Name))
		}
		seen[v.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// parseDurationEnv accepts Go durations and bare integers as milliseconds.
func parseDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return def
}
