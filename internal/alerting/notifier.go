package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pumpwatch/internal/model"
	"pumpwatch/internal/retry"
)

// Kind 告警类型。
type Kind string

const (
	KindPump     Kind = "pump"
	KindSettled  Kind = "settled"
	KindDisputed Kind = "disputed"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind     Kind
	MarketID string
	Title    string
	Metrics  *model.TrendingMetrics
	Details  map[string]string
	At       time.Time
	Channels []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramOptions 配置 Telegram 告警器。
type TelegramOptions struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	// Retry 仅对 429 与 5xx 及网络错误生效。
	Retry retry.Policy
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	opts   TelegramOptions
	client *http.Client
	logger zerolog.Logger
}

// ErrRejected is returned when the Bot API answers ok=false; retrying the
// same payload cannot succeed.
var ErrRejected = errors.New("telegram 返回 ok=false")

// StatusError is a non-2xx reply from the Bot API.
type StatusError struct {
	Code        int
	Description string
}

func (e *StatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram 响应码异常: %d (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("telegram 响应码异常: %d", e.Code)
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = retryableTelegram
	}

	return &TelegramNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.opts.ChatID,
		"text":    renderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	attempts := 0
	err = n.opts.Retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return n.send(ctx, body)
	})
	if err != nil {
		return err
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("market_id", note.MarketID).
		Int("attempts", attempts).
		Msg("告警已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) send(ctx context.Context, body []byte) error {
	endpoint := n.opts.BaseURL + "/bot" + n.opts.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var reply struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&reply)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Description: reply.Description}
	}
	if decodeErr == nil && !reply.OK {
		return fmt.Errorf("%w: %s", ErrRejected, reply.Description)
	}
	return nil
}

func retryableTelegram(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, ErrRejected)
}

func renderMessage(note Notification) string {
	var b strings.Builder
	title := note.Title
	if title == "" {
		title = string(note.Kind)
	}
	fmt.Fprintf(&b, "[pumpwatch] %s\n", title)
	fmt.Fprintf(&b, "Market: %s\n", note.MarketID)
	if !note.At.IsZero() {
		fmt.Fprintf(&b, "At: %s UTC\n", note.At.UTC().Format(time.RFC3339))
	}
	if m := note.Metrics; m != nil {
		fmt.Fprintf(&b, "Trend: %.3f (volume %.3f, volatility %.3f, momentum %.3f, social %.3f)\n",
			m.OverallTrendScore, m.VolumeScore, m.VolatilityScore, m.MomentumScore, m.SocialScore)
	}
	if len(note.Details) > 0 {
		keys := make([]string, 0, len(note.Details))
		for k := range note.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, note.Details[k])
		}
	}
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
