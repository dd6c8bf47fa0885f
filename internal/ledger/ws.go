package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type notificationContext struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
}

// SubscribeProgram streams account changes of every account owned by programID.
func (c *RPCClient) SubscribeProgram(ctx context.Context, programID string, cb func(AccountNotification)) (ethereum.Subscription, error) {
	params := []any{programID, map[string]any{"encoding": "base64", "commitment": c.opts.Commitment}}
	return c.subscribe(ctx, "programSubscribe", "programUnsubscribe", "programNotification", params, func(raw json.RawMessage) error {
		var n struct {
			notificationContext
			Value struct {
				Pubkey  string `json:"pubkey"`
				Account struct {
					Data []string `json:"data"`
				} `json:"account"`
			} `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode program notification: %w", err)
		}
		if len(n.Value.Account.Data) == 0 {
			return errors.New("program notification without account data")
		}
		data, err := base64.StdEncoding.DecodeString(n.Value.Account.Data[0])
		if err != nil {
			return fmt.Errorf("decode account data: %w", err)
		}
		cb(AccountNotification{Pubkey: n.Value.Pubkey, Slot: n.Context.Slot, Data: data})
		return nil
	})
}

// SubscribeLogs streams log output of transactions mentioning programID.
func (c *RPCClient) SubscribeLogs(ctx context.Context, programID string, cb func(LogNotification)) (ethereum.Subscription, error) {
	params := []any{map[string]any{"mentions": []string{programID}}, map[string]any{"commitment": c.opts.Commitment}}
	return c.subscribe(ctx, "logsSubscribe", "logsUnsubscribe", "logsNotification", params, func(raw json.RawMessage) error {
		var n struct {
			notificationContext
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode logs notification: %w", err)
		}
		cb(LogNotification{
			Signature: n.Value.Signature,
			Slot:      n.Context.Slot,
			Failed:    len(n.Value.Err) > 0 && string(n.Value.Err) != "null",
			Logs:      n.Value.Logs,
		})
		return nil
	})
}

// subscribe opens a dedicated connection for one subscription. The returned
// subscription's Err channel yields the transport error that ended it.
func (c *RPCClient) subscribe(ctx context.Context, method, unsubscribeMethod, notification string, params []any, handle func(json.RawMessage) error) (ethereum.Subscription, error) {
	if c.opts.WSURL == "" {
		return nil, errors.New("ledger websocket url not configured")
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.WSURL, err)
	}

	subID, err := c.handshake(conn, method, params)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.logger.Info().Str("method", method).Uint64("subscription", subID).Msg("ledger subscription opened")

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return fn()
	}

	readTimeout := 2 * c.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer conn.Close()

		readErr := make(chan error, 1)
		go func() {
			readErr <- c.readLoop(conn, notification, readTimeout, handle)
		}()

		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				_ = write(func() error {
					return conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: 2, Method: unsubscribeMethod, Params: []any{subID}})
				})
				_ = write(func() error {
					return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				})
				conn.Close()
				<-readErr
				return nil
			case err := <-readErr:
				return fmt.Errorf("%s: %w", method, err)
			case <-ticker.C:
				if err := write(func() error {
					return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				}); err != nil {
					return fmt.Errorf("%s ping: %w", method, err)
				}
			}
		}
	}), nil
}

func (c *RPCClient) handshake(conn *websocket.Conn, method string, params []any) (uint64, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}); err != nil {
		return 0, fmt.Errorf("send %s: %w", method, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return 0, fmt.Errorf("read %s response: %w", method, err)
		}
		if msg.ID == nil || *msg.ID != 1 {
			continue
		}
		if msg.Error != nil {
			return 0, fmt.Errorf("%s rejected (%d): %s", method, msg.Error.Code, msg.Error.Message)
		}
		var id uint64
		if err := json.Unmarshal(msg.Result, &id); err != nil {
			return 0, fmt.Errorf("decode %s id: %w", method, err)
		}
		return id, nil
	}
}

func (c *RPCClient) readLoop(conn *websocket.Conn, notification string, readTimeout time.Duration, handle func(json.RawMessage) error) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("discarding undecodable ledger message")
			continue
		}
		if msg.Method != notification || msg.Params == nil {
			continue
		}
		if err := handle(msg.Params.Result); err != nil {
			c.logger.Warn().Err(err).Str("notification", notification).Msg("discarding ledger notification")
		}
	}
}
