package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pumpwatch/internal/model"
)

const (
	eventTradeExecuted    = "TradeExecuted"
	eventMarketCreated    = "MarketCreated"
	eventMarketSettled    = "MarketSettled"
	eventDisputeSubmitted = "DisputeSubmitted"
)

var decOne = decimal.NewFromInt(1)

func (d *Decoder) decodeProgramLog(meta txMeta, body string) Result {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return unrecognized()
	}

	name := fields[0]
	switch name {
	case eventTradeExecuted, eventMarketCreated, eventMarketSettled, eventDisputeSubmitted:
	default:
		return unrecognized()
	}

	kv, err := parsePairs(fields[1:])
	if err != nil {
		return malformed(fmt.Sprintf("%s: %v", name, err))
	}

	switch name {
	case eventTradeExecuted:
		return d.decodeTrade(meta, kv)
	case eventMarketCreated:
		return d.decodeMarketLog(meta, model.MarketCreated, kv)
	case eventMarketSettled:
		return d.decodeMarketLog(meta, model.MarketSettled, kv)
	default:
		return d.decodeMarketLog(meta, model.MarketDisputed, kv)
	}
}

func parsePairs(tokens []string) (map[string]string, error) {
	kv := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("token %q is not key:value", tok)
		}
		kv[key] = value
	}
	return kv, nil
}

func (d *Decoder) decodeTrade(meta txMeta, kv map[string]string) Result {
	for _, key := range []string{"market", "trader", "type", "outcome", "amount", "price"} {
		if kv[key] == "" {
			return malformed("TradeExecuted: missing " + key)
		}
	}

	tradeType := model.TradeType(strings.ToLower(kv["type"]))
	if !tradeType.Valid() {
		return malformed("TradeExecuted: invalid type " + kv["type"])
	}

	outcome, err := strconv.ParseUint(kv["outcome"], 10, 8)
	if err != nil {
		return malformed("TradeExecuted: invalid outcome " + kv["outcome"])
	}

	amount, err := decimal.NewFromString(kv["amount"])
	if err != nil || !amount.IsPositive() {
		return malformed("TradeExecuted: invalid amount " + kv["amount"])
	}

	price, err := decimal.NewFromString(kv["price"])
	if err != nil || price.IsNegative() || price.GreaterThan(decOne) {
		return malformed("TradeExecuted: price must be within [0,1], got " + kv["price"])
	}

	sol := amount.Mul(price)
	if raw, ok := kv["sol"]; ok {
		sol, err = decimal.NewFromString(raw)
		if err != nil || sol.IsNegative() {
			return malformed("TradeExecuted: invalid sol " + raw)
		}
	}

	explicit, err := parseUnix(kv["ts"])
	if err != nil {
		return malformed("TradeExecuted: invalid ts " + kv["ts"])
	}

	return decoded(model.TradeEvent{
		MarketID:     kv["market"],
		Trader:       kv["trader"],
		TradeType:    tradeType,
		OutcomeIndex: int(outcome),
		TokenAmount:  amount,
		SolAmount:    sol,
		Price:        price,
		Timestamp:    d.timestamp(meta, explicit),
		Slot:         meta.slot,
		Signature:    meta.signature,
	})
}

func (d *Decoder) decodeMarketLog(meta txMeta, eventType model.MarketEventType, kv map[string]string) Result {
	marketID := kv["market"]
	if marketID == "" {
		return malformed(fmt.Sprintf("market %s: missing market", eventType))
	}

	if raw, ok := kv["winning_outcome"]; ok {
		if _, err := strconv.ParseUint(raw, 10, 8); err != nil {
			return malformed("MarketSettled: invalid winning_outcome " + raw)
		}
	}

	explicit, err := parseUnix(kv["ts"])
	if err != nil {
		return malformed(fmt.Sprintf("market %s: invalid ts %s", eventType, kv["ts"]))
	}

	data := make(map[string]string, len(kv))
	for k, v := range kv {
		if k == "market" || k == "ts" || k == "account" {
			continue
		}
		data[k] = v
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return malformed(fmt.Sprintf("market %s: encode data: %v", eventType, err))
	}

	return decoded(model.MarketEvent{
		MarketID:       marketID,
		ProgramAccount: kv["account"],
		EventType:      eventType,
		Data:           payload,
		Timestamp:      d.timestamp(meta, explicit),
		Slot:           meta.slot,
		Signature:      meta.signature,
	})
}

func parseUnix(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
