// Package config defines all configuration for the streaming core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FNO_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fnostream/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Aggregator  AggregatorConfig  `mapstructure:"aggregator"`
	Hub         HubConfig         `mapstructure:"hub"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AggregatorConfig tunes multi-timeframe OHLC aggregation.
//
//   - Timeframes: ordered set of timeframes to aggregate.
//   - BarRingSize: in-memory bars kept per (instrument, timeframe).
//   - StaleTolerance: out-of-order ticks older than this behind the open
//     bucket are rejected.
//   - PersistQueueSize: high-water mark for the closed-bar persistence queue;
//     beyond it BAR_UPDATE events are shed (closed bars never are).
//   - FlushInterval: how often bars whose bucket has elapsed are force-closed
//     even when no newer tick arrives.
type AggregatorConfig struct {
	Timeframes       []string      `mapstructure:"timeframes"`
	BarRingSize      int           `mapstructure:"bar_ring_size"`
	StaleTolerance   time.Duration `mapstructure:"stale_tolerance"`
	PersistQueueSize int           `mapstructure:"persist_queue_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	Workers          int           `mapstructure:"workers"`
	DeadLetterDir    string        `mapstructure:"dead_letter_dir"`
}

// ParsedTimeframes converts the configured timeframe strings.
func (c AggregatorConfig) ParsedTimeframes() ([]types.Timeframe, error) {
	out := make([]types.Timeframe, 0, len(c.Timeframes))
	for _, s := range c.Timeframes {
		tf, err := types.ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// HubConfig bounds per-subscriber fan-out queues.
//
//   - QueueSize: per-subscriber event buffer.
//   - SlowThresholdRatio: fill ratio above which a subscriber accrues slow
//     strikes; a second strike inside SlowWindow disconnects it.
type HubConfig struct {
	QueueSize          int           `mapstructure:"queue_size"`
	SlowThresholdRatio float64       `mapstructure:"slow_threshold_ratio"`
	SlowWindow         time.Duration `mapstructure:"slow_window"`
}

// PersistenceConfig configures the pgx pool for the time-series store.
// AcquireTimeout is mandatory: unbounded acquire waits hang request handlers.
type PersistenceConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MinConnections int32         `mapstructure:"min_connections"`
	MaxConnections int32         `mapstructure:"max_connections"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig locates the shared key-value store backing the advisory lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BreakerConfig tunes the outbound-call circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ErrorRateWindow  int           `mapstructure:"error_rate_window"`
	ErrorRate        float64       `mapstructure:"error_rate"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// SupervisorConfig tunes restart backoff for long-running tasks.
type SupervisorConfig struct {
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CrashThreshold int           `mapstructure:"crash_threshold"`
	CrashWindow    time.Duration `mapstructure:"crash_window"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

// ReducePolicy selects what happens to protective orders when a position
// shrinks but stays open.
type ReducePolicy string

const (
	ReduceCancelAll   ReducePolicy = "cancel_all"
	ReduceModifyToQty ReducePolicy = "modify_to_new_quantity"
)

// CleanupConfig tunes the orphaned-protective-order cleanup worker.
type CleanupConfig struct {
	OnReducePolicy ReducePolicy  `mapstructure:"on_reduce_policy"`
	LockLease      time.Duration `mapstructure:"lock_lease"`
	LockAcquire    time.Duration `mapstructure:"lock_acquire"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepLookback  time.Duration `mapstructure:"sweep_lookback"`
}

// BrokerConfig locates the broker order API.
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AccessToken    string        `mapstructure:"access_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
}

// FeedConfig locates the upstream ticker service.
//
// Instruments is the universe subscribed on the tick stream. An empty list
// leaves the subscription frame open, which the vendor treats as "all
// instruments the session is entitled to".
type FeedConfig struct {
	TickURL     string   `mapstructure:"tick_url"`
	PositionURL string   `mapstructure:"position_url"`
	AccessToken string   `mapstructure:"access_token"`
	Instruments []string `mapstructure:"instruments"`
}

// ParsedInstruments converts the configured instrument key strings.
func (c FeedConfig) ParsedInstruments() ([]types.InstrumentKey, error) {
	out := make([]types.InstrumentKey, 0, len(c.Instruments))
	for _, s := range c.Instruments {
		ik, err := types.ParseInstrumentKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ik)
	}
	return out, nil
}

// ServerConfig configures the fan-out WebSocket endpoint.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FNO_DB_DSN, FNO_REDIS_ADDR, FNO_JWT_SECRET,
// FNO_BROKER_TOKEN, FNO_FEED_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FNO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("FNO_DB_DSN"); dsn != "" {
		cfg.Persistence.DSN = dsn
	}
	if addr := os.Getenv("FNO_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if secret := os.Getenv("FNO_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if tok := os.Getenv("FNO_BROKER_TOKEN"); tok != "" {
		cfg.Broker.AccessToken = tok
	}
	if tok := os.Getenv("FNO_FEED_TOKEN"); tok != "" {
		cfg.Feed.AccessToken = tok
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aggregator.timeframes", []string{"1m", "5m", "15m", "1h"})
	v.SetDefault("aggregator.bar_ring_size", 240)
	v.SetDefault("aggregator.stale_tolerance", 2*time.Second)
	v.SetDefault("aggregator.persist_queue_size", 10000)
	v.SetDefault("aggregator.flush_interval", time.Second)
	v.SetDefault("aggregator.workers", 8)
	v.SetDefault("aggregator.dead_letter_dir", "data/deadletter")

	v.SetDefault("hub.queue_size", 500)
	v.SetDefault("hub.slow_threshold_ratio", 0.9)
	v.SetDefault("hub.slow_window", 5*time.Second)

	v.SetDefault("persistence.min_connections", 2)
	v.SetDefault("persistence.max_connections", 10)
	v.SetDefault("persistence.acquire_timeout", 5*time.Second)
	v.SetDefault("persistence.query_timeout", 60*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.error_rate_window", 20)
	v.SetDefault("breaker.error_rate", 0.5)
	v.SetDefault("breaker.cooldown", 60*time.Second)

	v.SetDefault("supervisor.min_backoff", 30*time.Second)
	v.SetDefault("supervisor.max_backoff", 300*time.Second)
	v.SetDefault("supervisor.crash_threshold", 5)
	v.SetDefault("supervisor.crash_window", 10*time.Minute)
	v.SetDefault("supervisor.drain_timeout", 30*time.Second)

	v.SetDefault("cleanup.lock_lease", 30*time.Second)
	v.SetDefault("cleanup.lock_acquire", 100*time.Millisecond)
	v.SetDefault("cleanup.sweep_interval", time.Minute)
	v.SetDefault("cleanup.sweep_lookback", 10*time.Minute)

	v.SetDefault("broker.request_timeout", 10*time.Second)
	v.SetDefault("broker.rate_limit_rps", 10)

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.heartbeat_interval", 30*time.Second)
	v.SetDefault("server.auth_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if _, err := c.Aggregator.ParsedTimeframes(); err != nil {
		return fmt.Errorf("aggregator.timeframes: %w", err)
	}
	if len(c.Aggregator.Timeframes) == 0 {
		return fmt.Errorf("aggregator.timeframes must not be empty")
	}
	if c.Aggregator.BarRingSize <= 0 {
		return fmt.Errorf("aggregator.bar_ring_size must be > 0")
	}
	if c.Aggregator.Workers <= 0 {
		return fmt.Errorf("aggregator.workers must be > 0")
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be > 0")
	}
	if c.Hub.SlowThresholdRatio <= 0 || c.Hub.SlowThresholdRatio > 1 {
		return fmt.Errorf("hub.slow_threshold_ratio must be in (0, 1]")
	}
	if c.Persistence.DSN == "" {
		return fmt.Errorf("persistence.dsn is required (set FNO_DB_DSN)")
	}
	if c.Persistence.AcquireTimeout <= 0 {
		return fmt.Errorf("persistence.acquire_timeout must be > 0; unbounded acquire waits are rejected")
	}
	if c.Persistence.MaxConnections < c.Persistence.MinConnections {
		return fmt.Errorf("persistence.max_connections must be >= min_connections")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required (set FNO_REDIS_ADDR)")
	}
	switch c.Cleanup.OnReducePolicy {
	case ReduceCancelAll, ReduceModifyToQty:
	default:
		return fmt.Errorf("cleanup.on_reduce_policy must be %q or %q; there is no default",
			ReduceCancelAll, ReduceModifyToQty)
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (set FNO_JWT_SECRET)")
	}
	if c.Feed.TickURL == "" {
		return fmt.Errorf("feed.tick_url is required")
	}
	if _, err := c.Feed.ParsedInstruments(); err != nil {
		return fmt.Errorf("feed.instruments: %w", err)
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	return nil
}
