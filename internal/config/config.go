package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pumpwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Trending   TrendingConfig   `mapstructure:"trending"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ApplicationName string        `mapstructure:"application_name"`
}

// LedgerConfig covers ledger RPC and pub/sub access.
type LedgerConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"`
	ProgramID      string        `mapstructure:"program_id"`
	Commitment     string        `mapstructure:"commitment"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	FetchRate      float64       `mapstructure:"fetch_rate"`
	FetchBurst     int           `mapstructure:"fetch_burst"`
}

// RetryConfig is a retry policy in config form.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ListenerConfig governs ingestion, catch-up and reconnects.
type ListenerConfig struct {
	CatchUpWindow         uint64        `mapstructure:"catchup_window"`
	CatchUpSignatureLimit int           `mapstructure:"catchup_signature_limit"`
	BatchSize             int           `mapstructure:"batch_size"`
	QueueCapacity         int           `mapstructure:"queue_capacity"`
	DrainInterval         time.Duration `mapstructure:"drain_interval"`
	HealthInterval        time.Duration `mapstructure:"health_interval"`
	HealthLagThreshold    uint64        `mapstructure:"health_lag_threshold"`
	MaxReconnectAttempts  int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay    time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectResetAfter   time.Duration `mapstructure:"reconnect_reset_after"`
	MaxEventAttempts      int           `mapstructure:"max_event_attempts"`
	StoreRetry            RetryConfig   `mapstructure:"store_retry"`
	FetchRetry            RetryConfig   `mapstructure:"fetch_retry"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	AdvisoryLockKey       int64         `mapstructure:"advisory_lock_key"`
}

// AggregatorConfig governs snapshot recompute and caching.
type AggregatorConfig struct {
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl"`
	RemoteSnapshotTTL time.Duration `mapstructure:"remote_snapshot_ttl"`
	ChartTTL          time.Duration `mapstructure:"chart_ttl"`
	StatsWindow       time.Duration `mapstructure:"stats_window"`
	TrendingLimit     int           `mapstructure:"trending_limit"`
}

// TrendingWeights are the relative weights of the score components.
type TrendingWeights struct {
	Volume     float64 `mapstructure:"volume"`
	Volatility float64 `mapstructure:"volatility"`
	Momentum   float64 `mapstructure:"momentum"`
	Social     float64 `mapstructure:"social"`
}

// TrendingConfig tunes the scoring engine.
type TrendingConfig struct {
	Weights            TrendingWeights `mapstructure:"weights"`
	VolumeCeiling      float64         `mapstructure:"volume_ceiling"`
	VolatilityCeiling  float64         `mapstructure:"volatility_ceiling"`
	VolatilityExponent float64         `mapstructure:"volatility_exponent"`
	MomentumCeiling    float64         `mapstructure:"momentum_ceiling"`
	TraderCeiling      float64         `mapstructure:"trader_ceiling"`
	SocialDecay        time.Duration   `mapstructure:"social_decay"`
}

// FanoutConfig configures the subscriber websocket endpoint.
type FanoutConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Path            string        `mapstructure:"path"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// RedisConfig configures the external snapshot cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NATSConfig configures the outbound event stream.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	PumpThreshold float64        `mapstructure:"pump_threshold"`
	Cooldown      time.Duration  `mapstructure:"cooldown"`
	Channels      []string       `mapstructure:"channels"`
	NotifyTraders bool           `mapstructure:"notify_traders"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retry    RetryConfig   `mapstructure:"retry"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. A .env file
// in the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PUMPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pumpwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.application_name", "pumpwatch")

	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.ws_url", "")
	v.SetDefault("ledger.program_id", "")
	v.SetDefault("ledger.commitment", "confirmed")
	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.ping_interval", "30s")
	v.SetDefault("ledger.fetch_rate", 10.0)
	v.SetDefault("ledger.fetch_burst", 5)

	v.SetDefault("listener.catchup_window", 1000)
	v.SetDefault("listener.catchup_signature_limit", 1000)
	v.SetDefault("listener.batch_size", 10)
	v.SetDefault("listener.queue_capacity", 10000)
	v.SetDefault("listener.drain_interval", "1s")
	v.SetDefault("listener.health_interval", "30s")
	v.SetDefault("listener.health_lag_threshold", 150)
	v.SetDefault("listener.max_reconnect_attempts", 5)
	v.SetDefault("listener.reconnect_base_delay", "5s")
	v.SetDefault("listener.reconnect_reset_after", "1m")
	v.SetDefault("listener.max_event_attempts", 3)
	v.SetDefault("listener.store_retry.max_attempts", 3)
	v.SetDefault("listener.store_retry.base_delay", "500ms")
	v.SetDefault("listener.store_retry.max_delay", "5s")
	v.SetDefault("listener.fetch_retry.max_attempts", 3)
	v.SetDefault("listener.fetch_retry.base_delay", "1s")
	v.SetDefault("listener.fetch_retry.max_delay", "10s")
	v.SetDefault("listener.shutdown_timeout", "10s")
	v.SetDefault("listener.advisory_lock_key", int64(0x70756d70))

	v.SetDefault("aggregator.refresh_interval", "10s")
	v.SetDefault("aggregator.snapshot_ttl", "5s")
	v.SetDefault("aggregator.remote_snapshot_ttl", "30s")
	v.SetDefault("aggregator.chart_ttl", "5m")
	v.SetDefault("aggregator.stats_window", "24h")
	v.SetDefault("aggregator.trending_limit", 20)

	v.SetDefault("trending.weights.volume", 0.3)
	v.SetDefault("trending.weights.volatility", 0.25)
	v.SetDefault("trending.weights.momentum", 0.3)
	v.SetDefault("trending.weights.social", 0.15)
	v.SetDefault("trending.volume_ceiling", 10000.0)
	v.SetDefault("trending.volatility_ceiling", 0.5)
	v.SetDefault("trending.volatility_exponent", 0.7)
	v.SetDefault("trending.momentum_ceiling", 0.3)
	v.SetDefault("trending.trader_ceiling", 100.0)
	v.SetDefault("trending.social_decay", "6h")

	v.SetDefault("fanout.listen_addr", ":8080")
	v.SetDefault("fanout.path", "/ws")
	v.SetDefault("fanout.ping_interval", "30s")
	v.SetDefault("fanout.write_timeout", "10s")
	v.SetDefault("fanout.send_buffer", 256)
	v.SetDefault("fanout.max_message_bytes", 64*1024)
	v.SetDefault("fanout.allowed_origins", []string{})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pumpwatch:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "PUMPWATCH_EVENTS")
	v.SetDefault("nats.subject_prefix", "pumpwatch.events")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.pump_threshold", 0.7)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.notify_traders", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.telegram.retry.max_attempts", 3)
	v.SetDefault("alerting.telegram.retry.base_delay", "1s")
	v.SetDefault("alerting.telegram.retry.max_delay", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values. Values
// needed only by the long-running pipeline are checked by ValidateRuntime.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Listener.BatchSize <= 0 {
		return fmt.Errorf("listener.batch_size must be greater than zero")
	}
	if c.Listener.CatchUpWindow == 0 {
		return fmt.Errorf("listener.catchup_window must be greater than zero")
	}
	if c.Listener.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("listener.max_reconnect_attempts must be greater than zero")
	}
	if c.Listener.MaxEventAttempts <= 0 {
		return fmt.Errorf("listener.max_event_attempts must be greater than zero")
	}
	for name, d := range map[string]time.Duration{
		"listener.drain_interval":       c.Listener.DrainInterval,
		"listener.health_interval":      c.Listener.HealthInterval,
		"listener.reconnect_base_delay": c.Listener.ReconnectBaseDelay,
		"aggregator.refresh_interval":   c.Aggregator.RefreshInterval,
		"aggregator.snapshot_ttl":       c.Aggregator.SnapshotTTL,
		"aggregator.chart_ttl":          c.Aggregator.ChartTTL,
		"aggregator.stats_window":       c.Aggregator.StatsWindow,
		"fanout.ping_interval":          c.Fanout.PingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than zero", name)
		}
	}
	if err := c.Trending.Weights.validate(); err != nil {
		return err
	}
	if c.Alerting.PumpThreshold < 0 || c.Alerting.PumpThreshold > 1 {
		return fmt.Errorf("alerting.pump_threshold must be within [0,1]")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (w TrendingWeights) validate() error {
	if w.Volume < 0 || w.Volatility < 0 || w.Momentum < 0 || w.Social < 0 {
		return fmt.Errorf("trending.weights cannot be negative")
	}
	if w.Volume+w.Volatility+w.Momentum+w.Social == 0 {
		return fmt.Errorf("trending.weights cannot all be zero")
	}
	return nil
}

// ValidateRuntime checks the settings the ingestion pipeline cannot run without.
func (c *Config) ValidateRuntime() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url must be configured")
	}
	if c.Ledger.WSURL == "" {
		return fmt.Errorf("ledger.ws_url must be configured")
	}
	if c.Ledger.ProgramID == "" {
		return fmt.Errorf("ledger.program_id must be configured")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
