package main

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FLEETROLL_"

type DispatchConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	PerAgentRate  float64       `yaml:"per_agent_rate"`
	PerAgentBurst int           `yaml:"per_agent_burst"`
	AgentPort     int           `yaml:"agent_port"`
	Timeout       time.Duration `yaml:"timeout"`

	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	NodeID      string   `yaml:"node_id"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Store is "memory" or "postgres".
	Store       string `yaml:"store"`
	PostgresURL string `yaml:"postgres_url"`

	// Redis is optional. When set it backs execution locks, leader election
	// and idempotency records.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	LeaderTTL     time.Duration `yaml:"leader_ttl"`

	MonitoringPeriodHours int           `yaml:"monitoring_period_hours"`
	MonitorInterval       time.Duration `yaml:"monitor_interval"`
	AutoAdvance           bool          `yaml:"auto_advance"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`

	Dispatch DispatchConfig `yaml:"dispatch"`

	// Result callback storm protection.
	ResultRate  float64 `yaml:"result_rate"`
	ResultBurst int     `yaml:"result_burst"`

	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "fleetroll"
	}
	return Config{
		ListenAddr:            ":8080",
		NodeID:                host,
		Store:                 "memory",
		LockTTL:               30 * time.Second,
		LeaderTTL:             15 * time.Second,
		MonitoringPeriodHours: 24,
		MonitorInterval:       30 * time.Second,
		AutoAdvance:           false,
		HeartbeatTimeout:      2 * time.Minute,
		LivenessInterval:      15 * time.Second,
		Dispatch: DispatchConfig{
			Workers:       8,
			QueueSize:     1024,
			RatePerSecond: 50,
			Burst:         100,
			PerAgentRate:  5,
			PerAgentBurst: 10,
			AgentPort:     8081,
			Timeout:       5 * time.Second,

			BreakerThreshold: 20,
			BreakerCooldown:  30 * time.Second,
		},
		ResultRate:     100,
		ResultBurst:    200,
		IdempotencyTTL: time.Hour,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadConfig layers defaults, the optional YAML file and FLEETROLL_*
// environment variables, in that order. A .env file found upward from the
// working directory is loaded into the environment first.
func LoadConfig(path string) (Config, error) {
	loadDotEnv()

	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("postgres store requires postgres_url")
		}
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	if c.MonitoringPeriodHours <= 0 {
		return errors.New("monitoring_period_hours must be positive")
	}
	if c.MonitorInterval <= 0 || c.LivenessInterval <= 0 {
		return errors.New("monitor intervals must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return errors.New("dispatch.workers must be positive")
	}
	if c.Dispatch.BreakerThreshold <= 0 {
		return errors.New("dispatch.breaker_threshold must be positive")
	}
	if c.Dispatch.Burst <= 0 || c.Dispatch.PerAgentBurst <= 0 || c.ResultBurst <= 0 {
		return errors.New("rate limiter bursts must be positive")
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	list := func(dst *[]string) func(string) error {
		return func(v string) error {
			*dst = nil
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					*dst = append(*dst, item)
				}
			}
			return nil
		}
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		}
	}
	float := func(dst *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			*dst = f
			return err
		}
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		}
	}

	setters := []struct {
		name string
		set  func(string) error
	}{
		{"LISTEN_ADDR", str(&cfg.ListenAddr)},
		{"NODE_ID", str(&cfg.NodeID)},
		{"CORS_ORIGINS", list(&cfg.CORSOrigins)},
		{"STORE", str(&cfg.Store)},
		{"POSTGRES_URL", str(&cfg.PostgresURL)},
		{"REDIS_ADDR", str(&cfg.RedisAddr)},
		{"REDIS_PASSWORD", str(&cfg.RedisPassword)},
		{"REDIS_DB", num(&cfg.RedisDB)},
		{"LOCK_TTL", dur(&cfg.LockTTL)},
		{"LEADER_TTL", dur(&cfg.LeaderTTL)},
		{"MONITORING_PERIOD_HOURS", num(&cfg.MonitoringPeriodHours)},
		{"MONITOR_INTERVAL", dur(&cfg.MonitorInterval)},
		{"AUTO_ADVANCE", boolean(&cfg.AutoAdvance)},
		{"HEARTBEAT_TIMEOUT", dur(&cfg.HeartbeatTimeout)},
		{"LIVENESS_INTERVAL", dur(&cfg.LivenessInterval)},
		{"DISPATCH_WORKERS", num(&cfg.Dispatch.Workers)},
		{"DISPATCH_QUEUE_SIZE", num(&cfg.Dispatch.QueueSize)},
		{"DISPATCH_RATE", float(&cfg.Dispatch.RatePerSecond)},
		{"DISPATCH_BURST", num(&cfg.Dispatch.Burst)},
		{"DISPATCH_PER_AGENT_RATE", float(&cfg.Dispatch.PerAgentRate)},
		{"DISPATCH_PER_AGENT_BURST", num(&cfg.Dispatch.PerAgentBurst)},
		{"AGENT_PORT", num(&cfg.Dispatch.AgentPort)},
		{"DISPATCH_TIMEOUT", dur(&cfg.Dispatch.Timeout)},
		{"DISPATCH_BREAKER_THRESHOLD", num(&cfg.Dispatch.BreakerThreshold)},
		{"DISPATCH_BREAKER_COOLDOWN", dur(&cfg.Dispatch.BreakerCooldown)},
		{"RESULT_RATE", float(&cfg.ResultRate)},
		{"RESULT_BURST", num(&cfg.ResultBurst)},
		{"IDEMPOTENCY_TTL", dur(&cfg.IdempotencyTTL)},
		{"LOG_LEVEL", str(&cfg.LogLevel)},
		{"LOG_FORMAT", str(&cfg.LogFormat)},
	}
	for _, s := range setters {
		v, ok := lookup(envPrefix + s.name)
		if !ok || v == "" {
			continue
		}
		if err := s.set(v); err != nil {
			return errors.Wrapf(err, "parse %s%s", envPrefix, s.name)
		}
	}
	return nil
}

func loadDotEnv() {
	path, err := findDotEnv()
	if err != nil {
		log.Debug().Err(err).Msg("search .env failed")
		return
	}
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("load .env failed")
		return
	}
	log.Debug().Str("dotenv", path).Msg("loaded .env")
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !stderrors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}
