package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Options parameterise the ledger client.
type Options struct {
	RPCURL         string
	WSURL          string
	Commitment     string
	RequestTimeout time.Duration
	PingInterval   time.Duration
}

// RPCClient talks JSON-RPC over HTTP for queries and websocket for
// subscriptions.
type RPCClient struct {
	opts      Options
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewRPCClient builds a client; connections are opened lazily.
func NewRPCClient(opts Options, logger zerolog.Logger) *RPCClient {
	if opts.Commitment == "" {
		opts.Commitment = "confirmed"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &RPCClient{opts: opts, logger: logger.With().Str("component", "ledger_client").Logger()}
}

// GetSlot returns the current slot at the configured commitment.
func (c *RPCClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, &slot, "getSlot", c.commitment()); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

// GetSignaturesForAddress lists recent signatures touching programID.
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, programID string, limit int) ([]SignatureInfo, error) {
	if programID == "" {
		return nil, errors.New("program id required")
	}
	cfg := map[string]any{"commitment": c.opts.Commitment}
	if limit > 0 {
		cfg["limit"] = limit
	}
	var out []SignatureInfo
	if err := c.call(ctx, &out, "getSignaturesForAddress", programID, cfg); err != nil {
		return nil, fmt.Errorf("getSignaturesForAddress: %w", err)
	}
	return out, nil
}

type transactionResponse struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
}

// GetTransaction fetches the log output of one transaction.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	cfg := map[string]any{
		"commitment":                     c.opts.Commitment,
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
	}
	var resp *transactionResponse
	if err := c.call(ctx, &resp, "getTransaction", signature, cfg); err != nil {
		return nil, fmt.Errorf("getTransaction %s: %w", signature, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("getTransaction %s: %w", signature, ErrTransactionNotFound)
	}

	tx := &Transaction{Slot: resp.Slot, BlockTime: resp.BlockTime}
	if resp.Meta != nil {
		tx.LogMessages = resp.Meta.LogMessages
		tx.Failed = len(resp.Meta.Err) > 0 && string(resp.Meta.Err) != "null"
	}
	return tx, nil
}

// Close releases the HTTP client.
func (c *RPCClient) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *RPCClient) commitment() map[string]any {
	return map[string]any{"commitment": c.opts.Commitment}
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.CallContext(ctx, result, method, args...)
}

func (c *RPCClient) getClient(ctx context.Context) (*rpc.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ledger rpc url not configured")
	}

	client, err := rpc.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ Client = (*RPCClient)(nil)
