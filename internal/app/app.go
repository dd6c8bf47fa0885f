package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pumpwatch/internal/aggregator"
	"pumpwatch/internal/alerting"
	"pumpwatch/internal/bus"
	"pumpwatch/internal/cache"
	"pumpwatch/internal/config"
	"pumpwatch/internal/decoder"
	"pumpwatch/internal/fanout"
	"pumpwatch/internal/ledger"
	"pumpwatch/internal/listener"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/retry"
	"pumpwatch/internal/service"
	"pumpwatch/internal/storage"
	"pumpwatch/internal/trending"
	"pumpwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newLedger() *ledger.RPCClient {
	cfg := a.Config.Ledger
	return ledger.NewRPCClient(ledger.Options{
		RPCURL:         cfg.RPCURL,
		WSURL:          cfg.WSURL,
		Commitment:     cfg.Commitment,
		RequestTimeout: cfg.RequestTimeout,
		PingInterval:   cfg.PingInterval,
	}, a.Logger)
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
}

func (a *App) listenerOptions() listener.Options {
	cfg := a.Config.Listener
	return listener.Options{
		ProgramID:            a.Config.Ledger.ProgramID,
		CatchUpWindow:        cfg.CatchUpWindow,
		SignatureLimit:       cfg.CatchUpSignatureLimit,
		BatchSize:            cfg.BatchSize,
		QueueCapacity:        cfg.QueueCapacity,
		DrainInterval:        cfg.DrainInterval,
		HealthInterval:       cfg.HealthInterval,
		HealthLagThreshold:   cfg.HealthLagThreshold,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectResetAfter:  cfg.ReconnectResetAfter,
		MaxEventAttempts:     cfg.MaxEventAttempts,
		StoreRetry:           retryPolicy(cfg.StoreRetry),
		FetchRetry:           retryPolicy(cfg.FetchRetry),
		FetchRate:            a.Config.Ledger.FetchRate,
		FetchBurst:           a.Config.Ledger.FetchBurst,
		ShutdownTimeout:      cfg.ShutdownTimeout,
		AdvisoryLockKey:      cfg.AdvisoryLockKey,
	}
}

func (a *App) newEngine() *trending.Engine {
	cfg := a.Config.Trending
	return trending.New(trending.Config{
		Weights: trending.Weights{
			Volume:     cfg.Weights.Volume,
			Volatility: cfg.Weights.Volatility,
			Momentum:   cfg.Weights.Momentum,
			Social:     cfg.Weights.Social,
		},
		VolumeCeiling:      cfg.VolumeCeiling,
		VolatilityCeiling:  cfg.VolatilityCeiling,
		VolatilityExponent: cfg.VolatilityExponent,
		MomentumCeiling:    cfg.MomentumCeiling,
		TraderCeiling:      cfg.TraderCeiling,
		SocialDecay:        cfg.SocialDecay,
	})
}

func (a *App) newAggregator(reader storage.MarketReader, remote cache.Remote, b *bus.Bus, m *metrics.Metrics) *aggregator.Aggregator {
	cfg := a.Config.Aggregator
	return aggregator.New(reader, remote, a.newEngine(), b, m, aggregator.Options{
		SnapshotTTL:   cfg.SnapshotTTL,
		RemoteTTL:     cfg.RemoteSnapshotTTL,
		ChartTTL:      cfg.ChartTTL,
		StatsWindow:   cfg.StatsWindow,
		TrendingLimit: cfg.TrendingLimit,
	}, a.Logger)
}

// newRemote returns the redis tier, or nil when disabled or unreachable.
func (a *App) newRemote(ctx context.Context) (cache.Remote, func()) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return nil, func() {}
	}
	rc := cache.NewRedis(cache.RedisOptions{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, Prefix: cfg.Prefix})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		a.Logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable; snapshot cache stays local")
		_ = rc.Close()
		return nil, func() {}
	}
	return rc, func() { _ = rc.Close() }
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken: cfg.BotToken,
			ChatID:   cfg.ChatID,
			BaseURL:  cfg.APIBase,
			Timeout:  cfg.Timeout,
			Retry:    retryPolicy(cfg.Retry),
		}, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured")
	}
	return store, closeStore, nil
}

// Run executes the long-running ingestion and fan-out pipeline.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateRuntime(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	remote, closeRemote := a.newRemote(ctx)
	defer closeRemote()

	m := metrics.New()
	health := metrics.NewHealth()
	b := bus.New(m, a.Logger)

	client := a.newLedger()
	defer client.Close()

	agg := a.newAggregator(store, remote, b, m)

	fcfg := a.Config.Fanout
	hub := fanout.NewHub(agg, b, m, fanout.Options{
		PingInterval:    fcfg.PingInterval,
		WriteTimeout:    fcfg.WriteTimeout,
		SendBuffer:      fcfg.SendBuffer,
		MaxMessageBytes: fcfg.MaxMessageBytes,
		AllowedOrigins:  fcfg.AllowedOrigins,
	}, a.Logger)
	agg.SetInterest(hub)

	lst := listener.New(client, store, decoder.New(), agg, b, m, health, a.listenerOptions(), a.Logger)

	components := service.Components{
		Listener:   lst,
		Aggregator: agg,
		Hub:        hub,
		Metrics:    m,
		Health:     health,
	}

	if a.Config.Alerting.Enabled {
		acfg := a.Config.Alerting
		components.Dispatcher = alerting.NewDispatcher(a.newNotifier(), store, hub, agg, b, m, alerting.Options{
			PumpThreshold: acfg.PumpThreshold,
			Cooldown:      acfg.Cooldown,
			Channels:      acfg.Channels,
			NotifyTraders: acfg.NotifyTraders,
		}, a.Logger)
	}

	if a.Config.NATS.Enabled {
		ncfg := a.Config.NATS
		bridge, err := bus.DialNATS(ctx, bus.NATSOptions{URL: ncfg.URL, Stream: ncfg.Stream, SubjectPrefix: ncfg.SubjectPrefix}, b, a.Logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		components.Bridge = bridge
	}

	pipeline := service.New(components, service.Options{
		ListenAddr:      fcfg.ListenAddr,
		WSPath:          fcfg.Path,
		MetricsPath:     a.Config.Metrics.Path,
		MetricsEnabled:  a.Config.Metrics.Enabled,
		RefreshInterval: a.Config.Aggregator.RefreshInterval,
		SweepInterval:   fcfg.PingInterval,
		ShutdownTimeout: a.Config.Listener.ShutdownTimeout,
	}, a.Logger)

	a.Logger.Info().Str("program_id", a.Config.Ledger.ProgramID).Str("build", version.String()).Msg("starting pumpwatch pipeline")
	if err := pipeline.Run(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("pumpwatch pipeline stopped")
	return nil
}

// Migrate applies the database schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

// ExportOptions hold parameters for exporting one outcome's candles.
type ExportOptions struct {
	MarketID  string
	Outcome   int
	Timeframe string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Market string
	// Wide prints full trader keys and signatures.
	Wide bool
}

// TrendingOptions configure the trending command.
type TrendingOptions struct {
	Limit         int
	PumpThreshold float64
}

// CatchUpOptions configure the one-shot catch-up.
type CatchUpOptions struct {
	Window uint64
}

// DecodeOptions configure the decode command.
type DecodeOptions struct {
	Signature string
	Slot      uint64
	Lines     []string
	Store     bool
}
