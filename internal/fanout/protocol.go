package fanout

import (
	"encoding/json"
	"strconv"
	"time"
)

// Inbound message types.
const (
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeGetMarketData    = "get_market_data"
	TypePing             = "ping"
	TypeGetSubscriptions = "get_subscriptions"
)

// Outbound message types.
const (
	TypeConnectionEstablished   = "connection_established"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeMarketData              = "market_data"
	TypeMarketUpdate            = "market_update"
	TypeTradeEvent              = "trade_event"
	TypeSubscriptionsList       = "subscriptions_list"
	TypePong                    = "pong"
	TypeNotification            = "notification"
	TypeError                   = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeMissingMarketID    = "MISSING_MARKET_ID"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeMarketNotFound     = "MARKET_NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeDataFetchError     = "DATA_FETCH_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeConnectionError    = "CONNECTION_ERROR"
)

// Subscription kinds.
const (
	KindPrice  = "price"
	KindTrades = "trades"
	KindAll    = "all"
)

var supportedMessageTypes = []string{TypeSubscribe, TypeUnsubscribe, TypeGetMarketData, TypePing, TypeGetSubscriptions}

// Inbound is a client request.
type Inbound struct {
	Type     string          `json:"type"`
	MarketID string          `json:"marketId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	OutcomeIndex *int   `json:"outcomeIndex,omitempty"`
	Type         string `json:"type,omitempty"`
}

type pingData struct {
	ClientTime json.RawMessage `json:"clientTime,omitempty"`
}

// Outbound is a server message.
type Outbound struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"marketId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorData is the payload of TypeError.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Subscription is one (market, outcome, kind) interest of a client.
type Subscription struct {
	MarketID     string
	OutcomeIndex *int
	Kind         string
}

// Key renders marketId:outcome|all:kind.
func (s Subscription) Key() string {
	outcome := "all"
	if s.OutcomeIndex != nil {
		outcome = strconv.Itoa(*s.OutcomeIndex)
	}
	kind := s.Kind
	if kind == "" {
		kind = KindAll
	}
	return s.MarketID + ":" + outcome + ":" + kind
}

func (s Subscription) wantsTrades(outcome int) bool {
	if s.Kind != KindTrades && s.Kind != KindAll {
		return false
	}
	return s.OutcomeIndex == nil || *s.OutcomeIndex == outcome
}

func (s Subscription) wantsPrices() bool {
	return s.Kind == KindPrice || s.Kind == KindAll
}

func validKind(kind string) bool {
	switch kind {
	case KindPrice, KindTrades, KindAll:
		return true
	}
	return false
}
