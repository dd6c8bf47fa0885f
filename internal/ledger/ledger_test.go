package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func rpcServer(t *testing.T, handle func(req rpcRequest) (any, *http.Response)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, status := handle(req)
		if status != nil {
			w.WriteHeader(status.StatusCode)
			_, _ = w.Write([]byte(status.Status))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestRPCQueries(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) (any, *http.Response) {
		switch req.Method {
		case "getSlot":
			return 1234, nil
		case "getSignaturesForAddress":
			return []map[string]any{
				{"signature": "sig2", "slot": 1200, "err": nil, "blockTime": 1700000100},
				{"signature": "sig1", "slot": 1100, "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
			}, nil
		case "getTransaction":
			var sig string
			_ = json.Unmarshal(req.Params[0], &sig)
			if sig == "missing" {
				return nil, nil
			}
			return map[string]any{
				"slot":      1200,
				"blockTime": 1700000100,
				"meta":      map[string]any{"err": nil, "logMessages": []string{"Program log: hello"}},
			}, nil
		}
		return nil, &http.Response{StatusCode: http.StatusNotFound, Status: "unknown"}
	})
	defer srv.Close()

	c := NewRPCClient(Options{RPCURL: srv.URL, RequestTimeout: time.Second}, zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	slot, err := c.GetSlot(ctx)
	if err != nil || slot != 1234 {
		t.Fatalf("GetSlot = %d, %v", slot, err)
	}

	sigs, err := c.GetSignaturesForAddress(ctx, "Prog", 10)
	if err != nil {
		t.Fatalf("GetSignaturesForAddress: %v", err)
	}
	if len(sigs) != 2 || sigs[0].Signature != "sig2" || sigs[0].Failed() || !sigs[1].Failed() {
		t.Fatalf("unexpected signatures %+v", sigs)
	}
	if sigs[0].BlockTime == nil || *sigs[0].BlockTime != 1700000100 {
		t.Fatalf("block time not decoded")
	}

	tx, err := c.GetTransaction(ctx, "sig2")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Slot != 1200 || tx.Failed || len(tx.LogMessages) != 1 {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	_, err = c.GetTransaction(ctx, "missing")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("missing transaction should be retryable")
	}
}

func TestIsRetryableClassifiesHTTPStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := rpcServer(t, func(req rpcRequest) (any, *http.Response) {
		return nil, &http.Response{StatusCode: status, Status: "busy"}
	})
	defer srv.Close()

	c := NewRPCClient(Options{RPCURL: srv.URL, RequestTimeout: time.Second}, zerolog.Nop())
	defer c.Close()

	_, err := c.GetSlot(context.Background())
	if err == nil || !IsRetryable(err) {
		t.Fatalf("503 should be retryable, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = c.GetSlot(context.Background())
	if err == nil || IsRetryable(err) {
		t.Fatalf("400 should not be retryable, got %v", err)
	}
}

func TestIsRetryableBasics(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil is not retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Fatal("cancellation is not retryable")
	}
	if IsRetryable(errors.New("bad request")) {
		t.Fatal("plain errors are not retryable")
	}
}

func TestMissingURLs(t *testing.T) {
	c := NewRPCClient(Options{}, zerolog.Nop())
	if _, err := c.GetSlot(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}
	if _, err := c.SubscribeLogs(context.Background(), "Prog", func(LogNotification) {}); err == nil {
		t.Fatal("未配置 websocket 时应报错")
	}
}

// wsServer acknowledges one subscription, pushes the given notifications and
// then either holds the connection open or closes it.
func wsServer(t *testing.T, notifications []map[string]any, closeAfter bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 42})
		for _, n := range notifications {
			_ = conn.WriteJSON(n)
		}
		if closeAfter {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeLogsDeliversNotifications(t *testing.T) {
	srv := wsServer(t, []map[string]any{{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]any{
			"subscription": 42,
			"result": map[string]any{
				"context": map[string]any{"slot": 77},
				"value": map[string]any{
					"signature": "sig1",
					"err":       nil,
					"logs":      []string{"Program log: TradeExecuted market:M1"},
				},
			},
		},
	}}, false)
	defer srv.Close()

	c := NewRPCClient(Options{WSURL: wsURL(srv), PingInterval: time.Second}, zerolog.Nop())
	got := make(chan LogNotification, 1)
	sub, err := c.SubscribeLogs(context.Background(), "Prog", func(n LogNotification) { got <- n })
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}

	select {
	case n := <-got:
		if n.Signature != "sig1" || n.Slot != 77 || n.Failed || len(n.Logs) != 1 {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}

	sub.Unsubscribe()
	if err, ok := <-sub.Err(); ok && err != nil {
		t.Fatalf("unsubscribe should end cleanly, got %v", err)
	}
}

func TestSubscribeProgramDecodesAccountData(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	srv := wsServer(t, []map[string]any{{
		"jsonrpc": "2.0",
		"method":  "programNotification",
		"params": map[string]any{
			"subscription": 42,
			"result": map[string]any{
				"context": map[string]any{"slot": 88},
				"value": map[string]any{
					"pubkey":  "Acct1",
					"account": map[string]any{"data": []string{base64.StdEncoding.EncodeToString(data), "base64"}},
				},
			},
		},
	}}, false)
	defer srv.Close()

	c := NewRPCClient(Options{WSURL: wsURL(srv), PingInterval: time.Second}, zerolog.Nop())
	got := make(chan AccountNotification, 1)
	sub, err := c.SubscribeProgram(context.Background(), "Prog", func(n AccountNotification) { got <- n })
	if err != nil {
		t.Fatalf("SubscribeProgram: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case n := <-got:
		if n.Pubkey != "Acct1" || n.Slot != 88 || string(n.Data) != string(data) {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestSubscriptionReportsTransportLoss(t *testing.T) {
	srv := wsServer(t, nil, true)
	defer srv.Close()

	c := NewRPCClient(Options{WSURL: wsURL(srv), PingInterval: time.Second}, zerolog.Nop())
	sub, err := c.SubscribeLogs(context.Background(), "Prog", func(LogNotification) {})
	if err != nil {
		t.Fatalf("SubscribeLogs: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Err():
		if err == nil {
			t.Fatal("expected a transport error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss was not reported")
	}
}
