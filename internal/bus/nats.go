package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSOptions configure the outbound stream bridge.
type NATSOptions struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Publisher is the subset of jetstream.JetStream the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSBridge republishes bus messages on JetStream for downstream consumers.
type NATSBridge struct {
	conn   *nats.Conn
	js     Publisher
	prefix string
	bus    *Bus
	logger zerolog.Logger
}

// DialNATS connects, ensures the stream exists and returns a bridge.
func DialNATS(ctx context.Context, opts NATSOptions, b *Bus, logger zerolog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(opts.URL, nats.Name("pumpwatch"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, opts); err != nil {
		nc.Close()
		return nil, err
	}
	bridge := NewNATSBridge(js, opts.SubjectPrefix, b, logger)
	bridge.conn = nc
	return bridge, nil
}

// NewNATSBridge wraps an existing publisher.
func NewNATSBridge(js Publisher, prefix string, b *Bus, logger zerolog.Logger) *NATSBridge {
	return &NATSBridge{
		js:     js,
		prefix: strings.TrimSuffix(prefix, "."),
		bus:    b,
		logger: logger.With().Str("component", "nats_bridge").Logger(),
	}
}

// EnsureStream creates or updates the outbound stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, opts NATSOptions) error {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{strings.TrimSuffix(opts.SubjectPrefix, ".") + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", opts.Stream, err)
	}
	return nil
}

// Subject builds <prefix>.<topic>.<market>, using "_" when no market applies.
func Subject(prefix string, topic Topic, marketID string) string {
	market := marketID
	if market == "" {
		market = "_"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, topic, sanitizeToken(market))
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

// Run forwards every bus topic until ctx is done. Publish failures are logged
// and skipped.
func (n *NATSBridge) Run(ctx context.Context) error {
	sub := n.bus.Subscribe(1024, AllTopics...)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := n.forward(ctx, msg); err != nil {
				n.logger.Warn().Err(err).Str("topic", string(msg.Topic)).Str("market_id", msg.MarketID).Msg("outbound publish failed")
			}
		}
	}
}

func (n *NATSBridge) forward(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = n.js.Publish(ctx, Subject(n.prefix, msg.Topic, msg.MarketID), data)
	return err
}

// Close drains the NATS connection when the bridge owns one.
func (n *NATSBridge) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}
