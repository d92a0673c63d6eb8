// Package config loads the engine configuration: a YAML file for structure
// (markets, tunables) with environment variable overrides for deployment
// secrets and addresses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"kirby/internal/model"
)

// Config is the full engine configuration.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Buffer     Buffer     `yaml:"buffer"`
	Collector  Collector  `yaml:"collector"`
	Session    Session    `yaml:"session"`
	Supervisor Supervisor `yaml:"supervisor"`
	Exchange   Exchange   `yaml:"exchange"`
	Redis      Redis      `yaml:"redis"`
	Log        Log        `yaml:"log"`

	// Markets is the boot-time catalog. The engine does not mutate it;
	// changes require a restart.
	Markets []model.Market `yaml:"markets"`
}

type Storage struct {
	Driver          string `yaml:"driver"`            // "sqlite3" or "postgres"
	DSN             string `yaml:"dsn"`
	PoolSize        int    `yaml:"pool_size"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	QueueSize       int    `yaml:"queue_size"`
}

type Buffer struct {
	MinuteFlushIntervalMs int `yaml:"minute_flush_interval_ms"`
}

type Collector struct {
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffCapMs  int `yaml:"backoff_cap_ms"`
	IdleTimeoutS  int `yaml:"idle_timeout_s"`
}

type Session struct {
	ListenAddr        string `yaml:"listen_addr"`
	OutboundQueueSize int    `yaml:"outbound_queue_size"`
	MaxSubscriptions  int    `yaml:"max_subscriptions"`
	MaxSessions       int    `yaml:"max_sessions"`
	HeartbeatS        int    `yaml:"heartbeat_s"`
}

type Supervisor struct {
	LivenessIntervalS int `yaml:"liveness_interval_s"`
	ShutdownGraceS    int `yaml:"shutdown_grace_s"`
}

type Exchange struct {
	HyperliquidWSURL string `yaml:"hyperliquid_ws_url"`
}

type Redis struct {
	// Enabled turns the commit mirror on. Addr etc. follow the usual
	// go-redis options.
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Log struct {
	Level  string `yaml:"level"`  // trace..panic, default info
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// Defaults returns the configuration with every tunable at its default.
func Defaults() Config {
	return Config{
		Storage: Storage{
			Driver:          "sqlite3",
			DSN:             "data/kirby.db",
			PoolSize:        10,
			BatchSize:       500,
			FlushIntervalMs: 200,
			QueueSize:       4096,
		},
		Buffer:    Buffer{MinuteFlushIntervalMs: 1000},
		Collector: Collector{BackoffBaseMs: 1000, BackoffCapMs: 60000, IdleTimeoutS: 60},
		Session: Session{
			ListenAddr:        ":8080",
			OutboundQueueSize: 1024,
			MaxSubscriptions:  100,
			MaxSessions:       100,
			HeartbeatS:        30,
		},
		Supervisor: Supervisor{LivenessIntervalS: 30, ShutdownGraceS: 30},
		Redis:      Redis{Addr: "localhost:6379"},
		Log:        Log{Level: "info"},
	}
}

// Load reads the YAML file (optional) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Storage.Driver, "KIRBY_STORAGE_DRIVER")
	setStr(&c.Storage.DSN, "KIRBY_STORAGE_DSN")
	setInt(&c.Storage.PoolSize, "KIRBY_STORAGE_POOL_SIZE")
	setStr(&c.Session.ListenAddr, "KIRBY_LISTEN_ADDR")
	setStr(&c.Exchange.HyperliquidWSURL, "KIRBY_HL_WS_URL")
	setStr(&c.Redis.Addr, "KIRBY_REDIS_ADDR")
	setStr(&c.Redis.Password, "KIRBY_REDIS_PASSWORD")
	setBool(&c.Redis.Enabled, "KIRBY_REDIS_ENABLED")
	setStr(&c.Log.Level, "KIRBY_LOG_LEVEL")
	setBool(&c.Log.Pretty, "KIRBY_LOG_PRETTY")
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Session.HeartbeatS <= 0 {
		return fmt.Errorf("config: session.heartbeat_s must be positive")
	}
	for i, m := range c.Markets {
		if m.ID <= 0 {
			return fmt.Errorf("config: markets[%d]: id must be positive", i)
		}
		if m.Interval.Seconds <= 0 {
			return fmt.Errorf("config: markets[%d] (%s): interval seconds must be positive", i, m.TupleKey())
		}
	}
	return nil
}

// Convenience duration accessors.

func (s Storage) FlushInterval() time.Duration { return time.Duration(s.FlushIntervalMs) * time.Millisecond }
func (b Buffer) MinuteFlushInterval() time.Duration {
	return time.Duration(b.MinuteFlushIntervalMs) * time.Millisecond
}
func (c Collector) BackoffBase() time.Duration { return time.Duration(c.BackoffBaseMs) * time.Millisecond }
func (c Collector) BackoffCap() time.Duration  { return time.Duration(c.BackoffCapMs) * time.Millisecond }
func (c Collector) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutS) * time.Second }
func (s Session) Heartbeat() time.Duration     { return time.Duration(s.HeartbeatS) * time.Second }
func (s Supervisor) LivenessInterval() time.Duration {
	return time.Duration(s.LivenessIntervalS) * time.Second
}
func (s Supervisor) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceS) * time.Second
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
