package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrTransactionNotFound is returned when the node has no record of a
// signature yet at the requested commitment.
var ErrTransactionNotFound = errors.New("transaction not found")

// AccountNotification is one program account change.
type AccountNotification struct {
	Pubkey string
	Slot   uint64
	Data   []byte
}

// LogNotification carries the log output of one transaction.
type LogNotification struct {
	Signature string
	Slot      uint64
	Failed    bool
	Logs      []string
}

// SignatureInfo is one entry of getSignaturesForAddress, most recent first.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// Failed reports whether the transaction errored on chain.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Transaction is the subset of getTransaction the listener consumes.
type Transaction struct {
	Slot        uint64
	BlockTime   *int64
	Failed      bool
	LogMessages []string
}

// Client is the ledger access the listener depends on.
type Client interface {
	SubscribeProgram(ctx context.Context, programID string, cb func(AccountNotification)) (ethereum.Subscription, error)
	SubscribeLogs(ctx context.Context, programID string, cb func(LogNotification)) (ethereum.Subscription, error)
	GetSlot(ctx context.Context) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, programID string, limit int) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// IsRetryable classifies ledger errors: rate limiting, server faults,
// transport failures and not-yet-visible transactions are worth another try.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransactionNotFound) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
