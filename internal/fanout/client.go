package fanout

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one subscriber connection.
type Client struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]Subscription

	pending atomic.Bool
}

func newClient(id, userID string, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		subs:   make(map[string]Subscription),
	}
}

// enqueue hands data to the writer without blocking.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// addSubscription reports whether the key is new and whether it is the
// client's first subscription to the market.
func (c *Client) addSubscription(s Subscription) (added, firstForMarket bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := s.Key()
	if _, ok := c.subs[key]; ok {
		return false, false
	}
	firstForMarket = true
	for _, existing := range c.subs {
		if existing.MarketID == s.MarketID {
			firstForMarket = false
			break
		}
	}
	c.subs[key] = s
	return true, firstForMarket
}

// removeSubscription reports whether the key existed and whether the client
// has no subscriptions left on the market.
func (c *Client) removeSubscription(s Subscription) (removed, lastForMarket bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := s.Key()
	if _, ok := c.subs[key]; !ok {
		return false, false
	}
	delete(c.subs, key)
	for _, existing := range c.subs {
		if existing.MarketID == s.MarketID {
			return true, false
		}
	}
	return true, true
}

func (c *Client) subscriptionKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Client) markets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range c.subs {
		if _, ok := seen[s.MarketID]; !ok {
			seen[s.MarketID] = struct{}{}
			out = append(out, s.MarketID)
		}
	}
	return out
}

func (c *Client) matches(marketID string, want func(Subscription) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.MarketID == marketID && want(s) {
			return true
		}
	}
	return false
}

func (c *Client) readPump(h *Hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.pending.Store(false)
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("client connection lost")
			}
			return
		}
		c.pending.Store(false)
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
		h.handleMessage(c, payload)
	}
}

func (c *Client) writePump(h *Hub) {
	defer c.conn.Close()

	write := func(data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		return c.conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(data); err != nil {
				h.unregister(c)
				return
			}
		case <-c.done:
			// flush what is already queued, then say goodbye
			for {
				select {
				case data := <-c.send:
					if write(data) != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(h.opts.WriteTimeout))
					return
				}
			}
		}
	}
}
