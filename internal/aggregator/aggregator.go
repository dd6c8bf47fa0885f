package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pumpwatch/internal/bus"
	"pumpwatch/internal/cache"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
	"pumpwatch/internal/storage"
	"pumpwatch/internal/trending"
)

var (
	// ErrNotFound means no cached snapshot exists for the market yet.
	ErrNotFound = errors.New("aggregator: snapshot not found")
	// ErrInvalidTimeframe rejects chart timeframes other than 1h, 24h, 7d and 30d.
	ErrInvalidTimeframe = errors.New("aggregator: invalid timeframe")
)

const refreshConcurrency = 4

// Interest reports the markets that currently have subscribers.
type Interest interface {
	ActiveMarkets() []string
}

// Options tune caching and the refresh cycle.
type Options struct {
	SnapshotTTL   time.Duration
	RemoteTTL     time.Duration
	ChartTTL      time.Duration
	StatsWindow   time.Duration
	TrendingLimit int
}

// Aggregator maintains market snapshots and chart series.
type Aggregator struct {
	reader  storage.MarketReader
	remote  cache.Remote
	engine  *trending.Engine
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options

	local  *cache.TTL[model.MarketSnapshot]
	charts *cache.TTL[[]model.Candle]

	mu        sync.RWMutex
	snapshots map[string]model.MarketSnapshot

	interestMu sync.RWMutex
	interest   Interest

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	now func() time.Time
}

// New builds an aggregator. remote, b and m may be nil.
func New(reader storage.MarketReader, remote cache.Remote, engine *trending.Engine, b *bus.Bus, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 5 * time.Second
	}
	if opts.RemoteTTL <= 0 {
		opts.RemoteTTL = 30 * time.Second
	}
	if opts.ChartTTL <= 0 {
		opts.ChartTTL = 5 * time.Minute
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 24 * time.Hour
	}
	if engine == nil {
		engine = trending.New(trending.DefaultConfig())
	}
	return &Aggregator{
		reader:    reader,
		remote:    remote,
		engine:    engine,
		bus:       b,
		metrics:   m,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		opts:      opts,
		local:     cache.NewTTL[model.MarketSnapshot](opts.SnapshotTTL, 10000),
		charts:    cache.NewTTL[[]model.Candle](opts.ChartTTL, 1000),
		snapshots: make(map[string]model.MarketSnapshot),
		dirty:     make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetInterest attaches the subscriber registry that decides which markets are
// refreshed.
func (a *Aggregator) SetInterest(i Interest) {
	a.interestMu.Lock()
	a.interest = i
	a.interestMu.Unlock()
}

// GetMarketData returns the cached snapshot of a market. It never recomputes:
// the local tier is consulted first, then the remote tier, then the last
// refresh result.
func (a *Aggregator) GetMarketData(ctx context.Context, marketID string) (model.MarketSnapshot, error) {
	if snap, ok := a.local.Get(marketID); ok {
		a.countLookup("local")
		return snap, nil
	}

	if a.remote != nil {
		raw, err := a.remote.Get(ctx, snapshotKey(marketID))
		switch {
		case err == nil:
			var snap model.MarketSnapshot
			jsonErr := json.Unmarshal(raw, &snap)
			if jsonErr == nil {
				a.local.Set(marketID, snap)
				a.countLookup("remote")
				return snap, nil
			}
			a.logger.Warn().Err(jsonErr).Str("market_id", marketID).Msg("discarding undecodable remote snapshot")
		case !errors.Is(err, cache.ErrMiss):
			a.logger.Warn().Err(err).Str("market_id", marketID).Msg("remote snapshot lookup failed")
		}
	}

	a.mu.RLock()
	snap, ok := a.snapshots[marketID]
	a.mu.RUnlock()
	if ok {
		a.countLookup("refresh")
		return snap, nil
	}

	a.countLookup("miss")
	return model.MarketSnapshot{}, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
}

// Snapshots returns the latest snapshot of every refreshed market, ordered by id.
func (a *Aggregator) Snapshots() []model.MarketSnapshot {
	a.mu.RLock()
	out := make([]model.MarketSnapshot, 0, len(a.snapshots))
	for _, s := range a.snapshots {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Trending ranks the refreshed markets; limit <= 0 returns all.
func (a *Aggregator) Trending(limit int) []trending.Ranked {
	ranked := a.engine.Rank(a.Snapshots())
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Pumping filters the refreshed markets with the pump criteria.
func (a *Aggregator) Pumping(threshold float64) []trending.Ranked {
	return a.engine.Pumping(a.Snapshots(), threshold)
}

// Score exposes the trending engine for a single snapshot.
func (a *Aggregator) Score(s model.MarketSnapshot) model.TrendingMetrics {
	return a.engine.Score(s)
}

// HandleTrade invalidates the market's cached views and schedules it for the
// next refresh.
func (a *Aggregator) HandleTrade(trade model.TradeEvent) {
	a.invalidate(trade.MarketID)
}

// HandleMarketEvent behaves like HandleTrade for lifecycle events.
func (a *Aggregator) HandleMarketEvent(event model.MarketEvent) {
	a.invalidate(event.MarketID)
}

func (a *Aggregator) invalidate(marketID string) {
	if marketID == "" {
		return
	}
	a.local.Delete(marketID)
	prefix := marketID + ":"
	a.charts.DeleteFunc(func(key string) bool { return strings.HasPrefix(key, prefix) })

	a.dirtyMu.Lock()
	a.dirty[marketID] = struct{}{}
	a.dirtyMu.Unlock()
}

// Refresh recomputes every subscribed, recently traded or invalidated market.
// A failure on one market is logged and does not affect the others.
func (a *Aggregator) Refresh(ctx context.Context) error {
	started := time.Now()
	ids := a.refreshSet(ctx)

	var (
		resultMu sync.Mutex
		fresh    = make(map[string]model.MarketSnapshot, len(ids))
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			snap, err := a.compute(gctx, id)
			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				failed++
				a.logger.Warn().Err(err).Str("market_id", id).Msg("snapshot recompute failed")
				return nil
			}
			fresh[id] = snap
			return nil
		})
	}
	_ = g.Wait()

	a.mu.Lock()
	next := make(map[string]model.MarketSnapshot, len(ids))
	for _, id := range ids {
		if snap, ok := fresh[id]; ok {
			next[id] = snap
		} else if prev, ok := a.snapshots[id]; ok {
			next[id] = prev
		}
	}
	a.snapshots = next
	a.mu.Unlock()

	for _, id := range ids {
		snap, ok := fresh[id]
		if !ok {
			continue
		}
		a.store(ctx, snap)
		if a.bus != nil {
			a.bus.Publish(bus.TopicMarketUpdate, id, snap)
		}
	}

	if a.metrics != nil {
		a.metrics.RefreshDuration.Observe(time.Since(started).Seconds())
		a.metrics.RefreshFailures.Add(float64(failed))
	}
	a.logger.Debug().Int("markets", len(ids)).Int("failed", failed).Dur("elapsed", time.Since(started)).Msg("snapshots refreshed")

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// RefreshTick adapts Refresh to the scheduler.
func (a *Aggregator) RefreshTick(ctx context.Context, _ time.Time) error {
	return a.Refresh(ctx)
}

func (a *Aggregator) refreshSet(ctx context.Context) []string {
	set := make(map[string]struct{})

	a.interestMu.RLock()
	interest := a.interest
	a.interestMu.RUnlock()
	if interest != nil {
		for _, id := range interest.ActiveMarkets() {
			set[id] = struct{}{}
		}
	}

	a.dirtyMu.Lock()
	for id := range a.dirty {
		set[id] = struct{}{}
	}
	a.dirty = make(map[string]struct{})
	a.dirtyMu.Unlock()

	if a.opts.TrendingLimit > 0 && a.reader != nil {
		active, err := a.reader.ActiveMarkets(ctx, a.now().Add(-a.opts.StatsWindow), a.opts.TrendingLimit)
		if err != nil {
			a.logger.Warn().Err(err).Msg("active market lookup failed")
		}
		for _, id := range active {
			set[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Compute builds a fresh snapshot of one market from the store.
func (a *Aggregator) Compute(ctx context.Context, marketID string) (model.MarketSnapshot, error) {
	return a.compute(ctx, marketID)
}

func (a *Aggregator) compute(ctx context.Context, marketID string) (model.MarketSnapshot, error) {
	if a.reader == nil {
		return model.MarketSnapshot{}, storage.ErrNotConfigured
	}
	now := a.now()
	stats, err := a.reader.MarketStats(ctx, marketID, now.Add(-a.opts.StatsWindow))
	if errors.Is(err, storage.ErrMarketNotFound) {
		return model.MarketSnapshot{}, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return model.MarketSnapshot{}, err
	}

	snap := model.MarketSnapshot{
		MarketID:       stats.MarketID,
		ProgramAccount: stats.ProgramAccount,
		Prices:         make([]model.PricePoint, 0, len(stats.Outcomes)),
		TotalVolume:    stats.TotalVolume,
		TraderCount:    stats.TraderCount,
		CreatedAt:      stats.CreatedAt,
		LastTradeAt:    stats.LastTradeAt,
		LastUpdated:    now,
	}
	for _, o := range stats.Outcomes {
		snap.Prices = append(snap.Prices, model.PricePoint{
			OutcomeIndex:   o.OutcomeIndex,
			Price:          o.LastPrice,
			PriceChange24h: o.LastPrice - o.OpenPrice,
			Volume24h:      o.Volume,
		})
	}

	score := a.engine.Score(snap)
	snap.Volatility = score.VolatilityScore
	snap.TrendScore = score.OverallTrendScore
	return snap, nil
}

func (a *Aggregator) store(ctx context.Context, snap model.MarketSnapshot) {
	a.local.Set(snap.MarketID, snap)
	if a.remote == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		a.logger.Warn().Err(err).Str("market_id", snap.MarketID).Msg("snapshot encode failed")
		return
	}
	if err := a.remote.Set(ctx, snapshotKey(snap.MarketID), raw, a.opts.RemoteTTL); err != nil {
		a.logger.Warn().Err(err).Str("market_id", snap.MarketID).Msg("remote snapshot write failed")
	}
}

func (a *Aggregator) countLookup(tier string) {
	if a.metrics != nil {
		a.metrics.SnapshotLookups.WithLabelValues(tier).Inc()
	}
}

func snapshotKey(marketID string) string {
	return "snapshot:" + marketID
}
