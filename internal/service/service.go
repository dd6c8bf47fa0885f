package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pumpwatch/internal/metrics"
	"pumpwatch/internal/scheduler"
)

// Runner is a component that runs until ctx is done or it fails.
type Runner interface {
	Run(ctx context.Context) error
}

// Refresher recomputes derived market state on every tick.
type Refresher interface {
	RefreshTick(ctx context.Context, at time.Time) error
}

// Hub is the subscriber endpoint.
type Hub interface {
	http.Handler
	Runner
	SweepTick(ctx context.Context, at time.Time) error
}

// Components are the long-running parts of the pipeline. Dispatcher and
// Bridge are optional.
type Components struct {
	Listener   Runner
	Aggregator Refresher
	Hub        Hub
	Dispatcher Runner
	Bridge     Runner
	Metrics    *metrics.Metrics
	Health     *metrics.Health
}

// Options configure the pipeline's schedules and HTTP surface.
type Options struct {
	ListenAddr      string
	WSPath          string
	MetricsPath     string
	MetricsEnabled  bool
	RefreshInterval time.Duration
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Pipeline supervises ingestion, aggregation, fan-out and alerting.
type Pipeline struct {
	c      Components
	opts   Options
	logger zerolog.Logger
}

// New constructs the pipeline.
func New(c Components, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Pipeline{c: c, opts: opts, logger: logger.With().Str("component", "service").Logger()}
}

// Handler returns the HTTP routes: the websocket endpoint, metrics and
// health probes.
func (p *Pipeline) Handler() http.Handler {
	mux := http.NewServeMux()
	if p.c.Hub != nil {
		mux.Handle(p.opts.WSPath, p.c.Hub)
	}
	if p.opts.MetricsEnabled && p.c.Metrics != nil {
		mux.Handle(p.opts.MetricsPath, promhttp.HandlerFor(p.c.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if p.c.Health != nil {
		mux.HandleFunc("/healthz", p.c.Health.LivenessHandler)
		mux.HandleFunc("/readyz", p.c.Health.ReadinessHandler)
	}
	return mux
}

// Run blocks until ctx is cancelled or a component fails. A component
// failure cancels the others and is returned; cancellation returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.c.Listener == nil {
		return fmt.Errorf("listener not configured")
	}

	var ln net.Listener
	if p.opts.ListenAddr != "" {
		var err error
		if ln, err = net.Listen("tcp", p.opts.ListenAddr); err != nil {
			return fmt.Errorf("listen %s: %w", p.opts.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := p.c.Listener.Run(gctx); err != nil {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})

	if p.c.Aggregator != nil && p.opts.RefreshInterval > 0 {
		refresh := scheduler.New(scheduler.Options{Name: "aggregator_refresh", Interval: p.opts.RefreshInterval, Immediate: true}, p.logger)
		g.Go(func() error { return refresh.Run(gctx, p.c.Aggregator.RefreshTick) })
	}

	if p.c.Hub != nil {
		g.Go(func() error { return p.c.Hub.Run(gctx) })
		if p.opts.SweepInterval > 0 {
			sweep := scheduler.New(scheduler.Options{Name: "fanout_sweep", Interval: p.opts.SweepInterval}, p.logger)
			g.Go(func() error { return sweep.Run(gctx, p.c.Hub.SweepTick) })
		}
	}

	for name, r := range map[string]Runner{"alerting": p.c.Dispatcher, "nats": p.c.Bridge} {
		if r == nil {
			continue
		}
		g.Go(func() error {
			if err := r.Run(gctx); err != nil && !isCancel(err) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	if ln != nil {
		srv := &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 10 * time.Second}
		p.logger.Info().Str("addr", ln.Addr().String()).Str("ws_path", p.opts.WSPath).Msg("http server listening")

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				p.logger.Warn().Err(err).Msg("http server shutdown incomplete")
			}
			return nil
		})
	}

	p.logger.Info().Msg("pipeline started")
	err := g.Wait()
	if err != nil && !isCancel(err) {
		p.logger.Error().Err(err).Msg("pipeline stopped with error")
		return err
	}
	p.logger.Info().Msg("pipeline stopped")
	return nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
