package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pumpwatch/internal/aggregator"
	"pumpwatch/internal/bus"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
	"pumpwatch/internal/version"
)

// SnapshotSource serves point lookups of market snapshots.
type SnapshotSource interface {
	GetMarketData(ctx context.Context, marketID string) (model.MarketSnapshot, error)
}

// Options tune the websocket endpoint.
type Options struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// Hub tracks subscriber connections and fans market messages out to them.
type Hub struct {
	source  SnapshotSource
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	markets map[string]map[string]*Client
	users   map[string]map[string]*Client
	closed  bool

	now func() time.Time
}

// NewHub builds a hub. source, b and m may be nil.
func NewHub(source SnapshotSource, b *bus.Bus, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	h := &Hub{
		source:  source,
		bus:     b,
		metrics: m,
		logger:  logger.With().Str("component", "fanout").Logger(),
		opts:    opts,
		clients: make(map[string]*Client),
		markets: make(map[string]map[string]*Client),
		users:   make(map[string]map[string]*Client),
		now:     func() time.Time { return time.Now().UTC() },
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and starts serving the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), r.URL.Query().Get("userId"), conn, h.opts.SendBuffer)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.opts.WriteTimeout))
		conn.Close()
		return
	}

	h.reply(c, TypeConnectionEstablished, "", map[string]any{
		"clientId":              c.ID,
		"serverTime":            h.now(),
		"serverVersion":         version.Version,
		"supportedMessageTypes": supportedMessageTypes,
	})

	go c.writePump(h)
	go c.readPump(h)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID] = c
	if c.UserID != "" {
		set, ok := h.users[c.UserID]
		if !ok {
			set = make(map[string]*Client)
			h.users[c.UserID] = set
		}
		set[c.ID] = c
	}
	h.updateGaugesLocked()
	h.logger.Debug().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("client connected")
	return true
}

// unregister removes every trace of the client and closes it. Safe to call
// more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		for _, marketID := range c.markets() {
			h.removeFromMarketLocked(marketID, c.ID)
		}
		if set, ok := h.users[c.UserID]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.users, c.UserID)
			}
		}
		h.updateGaugesLocked()
		h.logger.Debug().Str("client_id", c.ID).Msg("client disconnected")
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) removeFromMarketLocked(marketID, clientID string) {
	set, ok := h.markets[marketID]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(h.markets, marketID)
	}
}

func (h *Hub) updateGaugesLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.FanoutClients.Set(float64(len(h.clients)))
	h.metrics.FanoutMarkets.Set(float64(len(h.markets)))
}

func (h *Hub) handleMessage(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("client_id", c.ID).Msg("message handler panicked")
			h.replyError(c, "", CodeInternalError, "internal error")
		}
	}()

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.replyError(c, "", CodeInvalidJSON, "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeGetMarketData:
		if msg.MarketID == "" {
			h.replyError(c, "", CodeMissingMarketID, "marketId is required")
			return
		}
	}

	switch msg.Type {
	case TypeSubscribe:
		h.handleSubscribe(c, msg)
	case TypeUnsubscribe:
		h.handleUnsubscribe(c, msg)
	case TypeGetMarketData:
		h.handleGetMarketData(c, msg.MarketID)
	case TypePing:
		var data pingData
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				h.replyError(c, "", CodeInvalidJSON, "ping data must be an object")
				return
			}
		}
		h.reply(c, TypePong, "", map[string]any{"serverTime": h.now(), "clientTime": data.ClientTime})
	case TypeGetSubscriptions:
		keys := c.subscriptionKeys()
		h.reply(c, TypeSubscriptionsList, "", map[string]any{"subscriptions": keys, "count": len(keys)})
	default:
		h.replyError(c, msg.MarketID, CodeUnknownMessageType, "unknown message type: "+msg.Type)
	}
}

func parseSubscription(msg Inbound) (Subscription, error) {
	sub := Subscription{MarketID: msg.MarketID, Kind: KindAll}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return sub, nil
	}
	var data subscribeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return Subscription{}, err
	}
	if data.OutcomeIndex != nil && *data.OutcomeIndex < 0 {
		return Subscription{}, errors.New("outcomeIndex must be non-negative")
	}
	sub.OutcomeIndex = data.OutcomeIndex
	if data.Type != "" {
		if !validKind(data.Type) {
			return Subscription{}, errors.New("type must be price, trades or all")
		}
		sub.Kind = data.Type
	}
	return sub, nil
}

func (h *Hub) handleSubscribe(c *Client, msg Inbound) {
	sub, err := parseSubscription(msg)
	if err != nil {
		h.replyError(c, msg.MarketID, CodeInvalidJSON, err.Error())
		return
	}

	h.mu.Lock()
	if _, live := h.clients[c.ID]; !live {
		h.mu.Unlock()
		return
	}
	_, first := c.addSubscription(sub)
	set, ok := h.markets[sub.MarketID]
	if !ok {
		set = make(map[string]*Client)
		h.markets[sub.MarketID] = set
	}
	set[c.ID] = c
	h.updateGaugesLocked()
	h.mu.Unlock()

	h.reply(c, TypeSubscriptionConfirmed, sub.MarketID, map[string]any{"subscriptionKey": sub.Key()})
	if first {
		h.pushSnapshot(c, sub.MarketID)
	}
}

func (h *Hub) handleUnsubscribe(c *Client, msg Inbound) {
	sub, err := parseSubscription(msg)
	if err != nil {
		h.replyError(c, msg.MarketID, CodeInvalidJSON, err.Error())
		return
	}

	h.mu.Lock()
	if _, last := c.removeSubscription(sub); last {
		h.removeFromMarketLocked(sub.MarketID, c.ID)
		h.updateGaugesLocked()
	}
	h.mu.Unlock()

	h.reply(c, TypeUnsubscriptionConfirmed, sub.MarketID, map[string]any{"subscriptionKey": sub.Key()})
}

// pushSnapshot sends the current snapshot after a first subscribe. A market
// without a snapshot yet is left to the next refresh.
func (h *Hub) pushSnapshot(c *Client, marketID string) {
	if h.source == nil {
		return
	}
	snap, err := h.source.GetMarketData(context.Background(), marketID)
	if err != nil {
		if !errors.Is(err, aggregator.ErrNotFound) {
			h.logger.Warn().Err(err).Str("market_id", marketID).Msg("initial snapshot lookup failed")
		}
		return
	}
	h.reply(c, TypeMarketData, marketID, snap)
}

func (h *Hub) handleGetMarketData(c *Client, marketID string) {
	if h.source == nil {
		h.replyError(c, marketID, CodeServiceUnavailable, "market data service unavailable")
		return
	}
	snap, err := h.source.GetMarketData(context.Background(), marketID)
	switch {
	case errors.Is(err, aggregator.ErrNotFound):
		h.replyError(c, marketID, CodeMarketNotFound, "market not found")
	case err != nil:
		h.logger.Warn().Err(err).Str("market_id", marketID).Msg("market data lookup failed")
		h.replyError(c, marketID, CodeDataFetchError, "failed to fetch market data")
	default:
		h.reply(c, TypeMarketData, marketID, snap)
	}
}

func (h *Hub) encode(msgType, marketID string, data any) ([]byte, error) {
	return json.Marshal(Outbound{Type: msgType, MarketID: marketID, Data: data, Timestamp: h.now()})
}

func (h *Hub) reply(c *Client, msgType, marketID string, data any) {
	payload, err := h.encode(msgType, marketID, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("encode outbound message")
		h.replyError(c, marketID, CodeInternalError, "internal error")
		return
	}
	h.deliver(c, msgType, payload)
}

func (h *Hub) replyError(c *Client, marketID, code, message string) {
	payload, err := h.encode(TypeError, marketID, ErrorData{Message: message, Code: code})
	if err != nil {
		return
	}
	h.deliver(c, TypeError, payload)
}

func (h *Hub) deliver(c *Client, msgType string, payload []byte) bool {
	if !c.enqueue(payload) {
		if h.metrics != nil {
			h.metrics.FanoutSendFailures.Inc()
		}
		return false
	}
	if h.metrics != nil {
		h.metrics.FanoutMessages.WithLabelValues(msgType).Inc()
	}
	return true
}

// Broadcast delivers a message to every client subscribed to marketID whose
// subscriptions satisfy want (nil accepts all). It returns the number of
// clients reached and the number of failed sends.
func (h *Hub) Broadcast(marketID, msgType string, data any, want func(Subscription) bool) (delivered, failed int) {
	payload, err := h.encode(msgType, marketID, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("encode broadcast")
		return 0, 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.markets[marketID] {
		if want != nil && !c.matches(marketID, want) {
			continue
		}
		if h.deliver(c, msgType, payload) {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed
}

// SendToUser delivers a message to every connection of userID.
func (h *Hub) SendToUser(userID, msgType string, data any) int {
	payload, err := h.encode(msgType, "", data)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.users[userID] {
		if h.deliver(c, msgType, payload) {
			delivered++
		}
	}
	return delivered
}

// ActiveMarkets lists markets with at least one subscriber.
func (h *Hub) ActiveMarkets() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.markets))
	for id := range h.markets {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Sweep reaps clients that ignored the previous probe and probes the rest.
func (h *Hub) Sweep() int {
	h.mu.RLock()
	var dead, alive []*Client
	for _, c := range h.clients {
		if c.pending.Load() {
			dead = append(dead, c)
		} else {
			alive = append(alive, c)
		}
	}
	h.mu.RUnlock()

	reaped := 0
	for _, c := range dead {
		if !c.pending.Load() {
			continue
		}
		reaped++
		h.logger.Debug().Str("client_id", c.ID).Msg("reaping unresponsive client")
		h.unregister(c)
		if h.metrics != nil {
			h.metrics.FanoutReaped.Inc()
		}
	}
	for _, c := range alive {
		c.pending.Store(true)
		if c.conn == nil {
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
			h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("liveness probe failed")
		}
	}
	return reaped
}

// SweepTick adapts Sweep to the scheduler.
func (h *Hub) SweepTick(context.Context, time.Time) error {
	h.Sweep()
	return nil
}

// Run forwards bus traffic to subscribers until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		h.Shutdown()
		return ctx.Err()
	}

	sub := h.bus.Subscribe(4096, bus.TopicTradeEvent, bus.TopicMarketUpdate)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			h.dispatch(msg)
		}
	}
}

func (h *Hub) dispatch(msg bus.Message) {
	switch payload := msg.Payload.(type) {
	case model.TradeEvent:
		h.Broadcast(payload.MarketID, TypeTradeEvent, payload, func(s Subscription) bool {
			return s.wantsTrades(payload.OutcomeIndex)
		})
	case model.MarketSnapshot:
		h.Broadcast(payload.MarketID, TypeMarketUpdate, payload, Subscription.wantsPrices)
	}
}

// Shutdown tells every client the service is going away and closes it.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.replyError(c, "", CodeConnectionError, "server shutting down")
		h.unregister(c)
	}
	if len(clients) > 0 {
		h.logger.Info().Int("clients", len(clients)).Msg("closed subscriber connections")
	}
}
