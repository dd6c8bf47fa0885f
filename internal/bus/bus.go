package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pumpwatch/internal/metrics"
)

// Topic names an in-process event stream.
type Topic string

const (
	TopicTradeEvent   Topic = "tradeEvent"
	TopicMarketEvent  Topic = "marketEvent"
	TopicMarketUpdate Topic = "marketUpdate"
	TopicHealthCheck  Topic = "healthCheck"
	TopicError        Topic = "error"
)

// AllTopics lists every topic in publication order.
var AllTopics = []Topic{TopicTradeEvent, TopicMarketEvent, TopicMarketUpdate, TopicHealthCheck, TopicError}

// Message is one published event.
type Message struct {
	Topic    Topic     `json:"topic"`
	MarketID string    `json:"marketId,omitempty"`
	Payload  any       `json:"payload"`
	At       time.Time `json:"at"`
}

// Bus fans published messages out to topic subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an empty bus. m may be nil.
func New(m *metrics.Metrics, logger zerolog.Logger) *Bus {
	return &Bus{
		subs:    make(map[int]*Subscription),
		metrics: m,
		logger:  logger.With().Str("component", "bus").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subscription receives messages of its topics until closed.
type Subscription struct {
	id     int
	topics map[Topic]struct{}
	ch     chan Message
	bus    *Bus
	once   sync.Once
}

// Subscribe registers a buffered subscription to the given topics.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	set := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, topics: set, ch: make(chan Message, buffer), bus: b}
	b.subs[sub.id] = sub
	return sub
}

// C is the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers a message to every subscriber of topic and returns how
// many subscribers received it.
func (b *Bus) Publish(topic Topic, marketID string, payload any) int {
	msg := Message{Topic: topic, MarketID: marketID, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			if b.metrics != nil {
				b.metrics.BusDropped.WithLabelValues(string(topic)).Inc()
			}
			b.logger.Debug().Str("topic", string(topic)).Int("subscriber", sub.id).Msg("subscriber buffer full; message dropped")
		}
	}
	return delivered
}
