package alerting

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pumpwatch/internal/bus"
	"pumpwatch/internal/fanout"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
	"pumpwatch/internal/storage"
	"pumpwatch/internal/trending"
)

// Scorer computes the trending metrics of a snapshot.
type Scorer interface {
	Score(model.MarketSnapshot) model.TrendingMetrics
}

// UserSender delivers a message to every connection of a user.
type UserSender interface {
	SendToUser(userID, msgType string, data any) int
}

// Options 控制告警分发。
type Options struct {
	PumpThreshold float64
	Cooldown      time.Duration
	Channels      []string
	NotifyTraders bool
	NotifyTimeout time.Duration
}

// UserNotice is the payload of a notification pushed to a trader.
type UserNotice struct {
	Kind      Kind              `json:"kind"`
	MarketID  string            `json:"marketId"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Dispatcher turns bus traffic into operator alerts and trader notifications.
type Dispatcher struct {
	notifier Notifier
	traders  storage.TraderDirectory
	users    UserSender
	scorer   Scorer
	bus      *bus.Bus
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	lastPump map[string]time.Time
	now      func() time.Time
}

// NewDispatcher 构造分发器。notifier、traders、users 与 m 均可为 nil。
func NewDispatcher(notifier Notifier, traders storage.TraderDirectory, users UserSender, scorer Scorer, b *bus.Bus, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Minute
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		traders:  traders,
		users:    users,
		scorer:   scorer,
		bus:      b,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "alerting").Logger(),
		lastPump: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes market events and snapshot updates until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.bus.Subscribe(1024, bus.TopicMarketEvent, bus.TopicMarketUpdate)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch payload := msg.Payload.(type) {
			case model.MarketEvent:
				d.HandleMarketEvent(ctx, payload)
			case model.MarketSnapshot:
				d.HandleSnapshot(ctx, payload)
			}
		}
	}
}

// HandleMarketEvent alerts operators and the market's traders when a market
// settles or is disputed. Other lifecycle events are ignored.
func (d *Dispatcher) HandleMarketEvent(ctx context.Context, ev model.MarketEvent) {
	var (
		kind    Kind
		title   string
		message string
	)
	switch ev.EventType {
	case model.MarketSettled:
		kind, title, message = KindSettled, "Market settled", "Market "+ev.MarketID+" has been settled"
	case model.MarketDisputed:
		kind, title, message = KindDisputed, "Market disputed", "Market "+ev.MarketID+" is under dispute"
	default:
		return
	}

	details := map[string]string{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &details); err != nil {
			d.logger.Debug().Err(err).Str("market_id", ev.MarketID).Msg("market event data is not a flat object")
		}
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = d.now()
	}
	d.send(ctx, Notification{
		Kind:     kind,
		MarketID: ev.MarketID,
		Title:    title,
		Details:  details,
		At:       at,
		Channels: d.opts.Channels,
	})

	if !d.opts.NotifyTraders || d.traders == nil || d.users == nil {
		return
	}
	traders, err := d.traders.MarketTraders(ctx, ev.MarketID)
	if err != nil {
		d.logger.Error().Err(err).Str("market_id", ev.MarketID).Msg("查询市场交易者失败")
		return
	}
	notice := UserNotice{Kind: kind, MarketID: ev.MarketID, Message: message, Details: details, Timestamp: at}
	delivered := 0
	for _, trader := range traders {
		delivered += d.users.SendToUser(trader, fanout.TypeNotification, notice)
	}
	d.logger.Info().
		Str("market_id", ev.MarketID).
		Str("kind", string(kind)).
		Int("traders", len(traders)).
		Int("connections", delivered).
		Msg("trader notifications sent")
}

// HandleSnapshot raises a pump alert when the snapshot's metrics pass the
// pump threshold, at most once per market per cooldown. It reports whether
// an alert was raised.
func (d *Dispatcher) HandleSnapshot(ctx context.Context, snap model.MarketSnapshot) bool {
	if d.scorer == nil || d.opts.PumpThreshold <= 0 {
		return false
	}
	m := d.scorer.Score(snap)
	if !trending.IsPumping(m, d.opts.PumpThreshold) {
		return false
	}

	now := d.now()
	d.mu.Lock()
	if last, ok := d.lastPump[snap.MarketID]; ok && now.Sub(last) < d.opts.Cooldown {
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.AlertsSent.WithLabelValues(string(KindPump), "suppressed").Inc()
		}
		return false
	}
	d.lastPump[snap.MarketID] = now
	d.mu.Unlock()

	d.send(ctx, Notification{
		Kind:     KindPump,
		MarketID: snap.MarketID,
		Title:    "Market pumping",
		Metrics:  &m,
		At:       now,
		Channels: d.opts.Channels,
	})
	return true
}

func (d *Dispatcher) send(ctx context.Context, note Notification) {
	result := "logged"
	if d.notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, d.opts.NotifyTimeout)
		err := d.notifier.Notify(nctx, note)
		cancel()
		result = "ok"
		if err != nil {
			result = "error"
			d.logger.Error().Err(err).Str("kind", string(note.Kind)).Str("market_id", note.MarketID).Msg("告警发送失败")
		}
	} else {
		d.logger.Info().Str("kind", string(note.Kind)).Str("market_id", note.MarketID).Str("title", note.Title).Msg("alert raised")
	}
	if d.metrics != nil {
		d.metrics.AlertsSent.WithLabelValues(string(note.Kind), result).Inc()
	}
}
