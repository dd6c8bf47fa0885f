package decoder

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"pumpwatch/internal/model"
)

func fixedDecoder() *Decoder {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Decoder{now: func() time.Time { return now }}
}

func TestDecodeTradeLine(t *testing.T) {
	d := fixedDecoder()
	blockTime := time.Unix(1_700_000_000, 0).UTC()
	line := "Program log: TradeExecuted market:M1 trader:T1 type:buy outcome:0 amount:1000 price:0.65"

	res := d.DecodeLine("sig-1", 42, blockTime, line)
	if res.Kind != Decoded {
		t.Fatalf("expected decoded, got %s (%s)", res.Kind, res.Reason)
	}
	trade, ok := res.Event.(model.TradeEvent)
	if !ok {
		t.Fatalf("expected TradeEvent, got %T", res.Event)
	}
	if trade.MarketID != "M1" || trade.Trader != "T1" || trade.TradeType != model.TradeBuy || trade.OutcomeIndex != 0 {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if !trade.TokenAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("token amount = %s", trade.TokenAmount)
	}
	if !trade.Price.Equal(decimal.RequireFromString("0.65")) {
		t.Fatalf("price = %s", trade.Price)
	}
	if !trade.SolAmount.Equal(decimal.NewFromInt(650)) {
		t.Fatalf("sol amount should default to amount*price, got %s", trade.SolAmount)
	}
	if trade.Signature != "sig-1" || trade.Slot != 42 || !trade.Timestamp.Equal(blockTime) {
		t.Fatalf("unexpected tx metadata: %+v", trade)
	}
}

func TestDecodeTradeExplicitFields(t *testing.T) {
	d := fixedDecoder()
	line := "Program log: TradeExecuted market:M1 trader:T1 type:SELL outcome:1 amount:10 price:0.2 sol:2.5 ts:1700000100"

	res := d.DecodeLine("sig", 1, time.Time{}, line)
	if res.Kind != Decoded {
		t.Fatalf("expected decoded, got %s (%s)", res.Kind, res.Reason)
	}
	trade := res.Event.(model.TradeEvent)
	if trade.TradeType != model.TradeSell || trade.OutcomeIndex != 1 {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if !trade.SolAmount.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("sol = %s", trade.SolAmount)
	}
	if trade.Timestamp.Unix() != 1_700_000_100 {
		t.Fatalf("timestamp = %s", trade.Timestamp)
	}
}

func TestDecodeTradeFallsBackToClock(t *testing.T) {
	d := fixedDecoder()
	res := d.DecodeLine("sig", 1, time.Time{}, "Program log: TradeExecuted market:M trader:T type:buy outcome:0 amount:1 price:1")
	if res.Kind != Decoded {
		t.Fatalf("expected decoded, got %s", res.Kind)
	}
	if !res.Event.(model.TradeEvent).Timestamp.Equal(d.now()) {
		t.Fatal("timestamp should fall back to the clock")
	}
}

func TestDecodeMalformedTrades(t *testing.T) {
	cases := map[string]string{
		"price above one":   "Program log: TradeExecuted market:M1 trader:T1 type:buy outcome:0 amount:1000 price:1.5",
		"negative price":    "Program log: TradeExecuted market:M1 trader:T1 type:buy outcome:0 amount:1000 price:-0.1",
		"missing trader":    "Program log: TradeExecuted market:M1 type:buy outcome:0 amount:1000 price:0.5",
		"bad type":          "Program log: TradeExecuted market:M1 trader:T1 type:hold outcome:0 amount:1000 price:0.5",
		"bad outcome":       "Program log: TradeExecuted market:M1 trader:T1 type:buy outcome:x amount:1000 price:0.5",
		"zero amount":       "Program log: TradeExecuted market:M1 trader:T1 type:buy outcome:0 amount:0 price:0.5",
		"not key value":     "Program log: TradeExecuted market:M1 garbage",
		"bad timestamp":     "Program log: TradeExecuted market:M1 trader:T1 type:buy outcome:0 amount:1 price:0.5 ts:soon",
		"settled no market": "Program log: MarketSettled winning_outcome:1",
	}
	d := fixedDecoder()
	for name, line := range cases {
		res := d.DecodeLine("sig", 1, time.Time{}, line)
		if res.Kind != Malformed {
			t.Errorf("%s: expected malformed, got %s", name, res.Kind)
			continue
		}
		if res.Reason == "" {
			t.Errorf("%s: malformed result should carry a reason", name)
		}
	}
}

func TestDecodeUnrecognized(t *testing.T) {
	d := fixedDecoder()
	lines := []string{
		"Program 11111111111111111111111111111111 invoke [1]",
		"Program log: Instruction: Buy",
		"Program log: ",
		"Program data: not-base64!!",
		"",
	}
	for _, line := range lines {
		if res := d.DecodeLine("sig", 1, time.Time{}, line); res.Kind != Unrecognized {
			t.Errorf("%q: expected unrecognized, got %s", line, res.Kind)
		}
	}
}

func TestDecodeLogsCollectsProgramEvents(t *testing.T) {
	d := fixedDecoder()
	lines := []string{
		"Program Pump111 invoke [1]",
		"Program log: Instruction: CreateMarket",
		"Program log: MarketCreated market:M9 creator:C1 outcomes:2",
		"Program log: TradeExecuted market:M9 trader:C1 type:buy outcome:1 amount:5 price:0.5",
		"Program Pump111 success",
	}
	results := d.DecodeLogs("sig", 7, time.Time{}, lines)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	created, ok := results[0].Event.(model.MarketEvent)
	if !ok || created.EventType != model.MarketCreated || created.MarketID != "M9" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	var data map[string]string
	if err := json.Unmarshal(created.Data, &data); err != nil {
		t.Fatalf("data should be json: %v", err)
	}
	if data["creator"] != "C1" || data["outcomes"] != "2" {
		t.Fatalf("unexpected data: %v", data)
	}
	trade, ok := results[1].Event.(model.TradeEvent)
	if !ok {
		t.Fatalf("second result should be a trade, got %T", results[1].Event)
	}
	if created.Signature != "sig" || trade.Signature != "sig:1" {
		t.Fatalf("signatures = %q, %q", created.Signature, trade.Signature)
	}

	none := d.DecodeLogs("sig", 7, time.Time{}, []string{"Program Pump111 success"})
	if len(none) != 1 || none[0].Kind != Unrecognized {
		t.Fatalf("expected a single unrecognized result, got %+v", none)
	}
}

func TestDecodeMarketLifecycleLogs(t *testing.T) {
	d := fixedDecoder()
	cases := map[string]model.MarketEventType{
		"Program log: MarketSettled market:M1 winning_outcome:1 total_payout:900": model.MarketSettled,
		"Program log: DisputeSubmitted market:M1 disputer:D1 stake:100":           model.MarketDisputed,
	}
	for line, want := range cases {
		res := d.DecodeLine("sig", 3, time.Time{}, line)
		if res.Kind != Decoded {
			t.Fatalf("%q: expected decoded, got %s (%s)", line, res.Kind, res.Reason)
		}
		if got := res.Event.(model.MarketEvent).EventType; got != want {
			t.Fatalf("%q: event type = %s, want %s", line, got, want)
		}
	}
}

func TestDecodeSettledProgramData(t *testing.T) {
	market := bytes.Repeat([]byte{7}, 32)
	var buf bytes.Buffer
	buf.Write(settledEventDiscriminator[:])
	buf.Write(market)
	buf.WriteByte(1)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(5000))
	_ = binary.Write(&buf, binary.LittleEndian, int64(1_700_000_500))

	line := "Program data: " + base64.StdEncoding.EncodeToString(buf.Bytes())
	res := fixedDecoder().DecodeLine("sig-s", 11, time.Time{}, line)
	if res.Kind != Decoded {
		t.Fatalf("expected decoded, got %s (%s)", res.Kind, res.Reason)
	}
	ev := res.Event.(model.MarketEvent)
	if ev.MarketID != base58.Encode(market) || ev.EventType != model.MarketSettled {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.Unix() != 1_700_000_500 {
		t.Fatalf("timestamp = %s", ev.Timestamp)
	}

	truncated := "Program data: " + base64.StdEncoding.EncodeToString(buf.Bytes()[:20])
	if res := fixedDecoder().DecodeLine("sig-s", 11, time.Time{}, truncated); res.Kind != Malformed {
		t.Fatalf("truncated event should be malformed, got %s", res.Kind)
	}
}

type accountBuilder struct{ bytes.Buffer }

func (b *accountBuilder) u8(v uint8)   { b.WriteByte(v) }
func (b *accountBuilder) u16(v uint16) { _ = binary.Write(b, binary.LittleEndian, v) }
func (b *accountBuilder) u32(v uint32) { _ = binary.Write(b, binary.LittleEndian, v) }
func (b *accountBuilder) u64(v uint64) { _ = binary.Write(b, binary.LittleEndian, v) }
func (b *accountBuilder) key(fill byte) {
	b.Write(bytes.Repeat([]byte{fill}, 32))
}
func (b *accountBuilder) str(s string) {
	b.u32(uint32(len(s)))
	b.WriteString(s)
}

func marketAccount(settled bool) []byte {
	var b accountBuilder
	b.Write(marketAccountDiscriminator[:])
	b.key(1)
	b.str("Will it rain tomorrow?")
	b.u64(1_800_000_000)
	b.key(2)
	b.u32(2)
	b.key(3)
	b.key(4)
	b.u64(5000) // initial price 0.5
	b.u64(1000)
	b.u64(1_000_000)
	b.u16(100)
	b.u64(123456)
	if settled {
		b.u8(0)
		b.u8(1)
		b.u8(1)
		b.u8(1)
		b.u8(1)
		b.u64(1_700_000_900)
		b.u8(1)
		b.u8(1)
		b.u64(1_700_000_900)
		b.key(9)
		b.u64(777)
	} else {
		b.u8(1)
		b.u8(0)
		b.u8(0)
		b.u8(0)
		b.u8(0)
	}
	return b.Bytes()
}

func TestParseMarketAccount(t *testing.T) {
	acct, err := ParseMarketAccount(marketAccount(true))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if acct.Description != "Will it rain tomorrow?" || len(acct.OutcomeTokens) != 2 {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.Curve.FeeRateBps != 100 || acct.TotalVolume != 123456 {
		t.Fatalf("unexpected curve/volume: %+v", acct)
	}
	if !acct.Status.IsSettled || acct.Status.WinningOutcome == nil || *acct.Status.WinningOutcome != 1 {
		t.Fatalf("unexpected status: %+v", acct.Status)
	}
	if acct.Settlement == nil || acct.Settlement.TotalPayout != 777 {
		t.Fatalf("unexpected settlement: %+v", acct.Settlement)
	}
	if acct.InitialPrice != 0.5 {
		t.Fatalf("initial price = %v", acct.InitialPrice)
	}
}

func TestDecodeAccountKeysAreStable(t *testing.T) {
	d := fixedDecoder()

	active := d.DecodeAccount("Mkt1", 10, marketAccount(false))
	if active.Kind != Decoded {
		t.Fatalf("expected decoded, got %s (%s)", active.Kind, active.Reason)
	}
	ev := active.Event.(model.MarketEvent)
	if ev.EventType != model.MarketCreated || ev.Signature != "account:Mkt1:created" || ev.Slot != 10 {
		t.Fatalf("unexpected created event: %+v", ev)
	}

	again := d.DecodeAccount("Mkt1", 99, marketAccount(false))
	if again.Event.EventSignature() != ev.Signature {
		t.Fatal("repeated notifications must share a key")
	}

	settled := d.DecodeAccount("Mkt1", 20, marketAccount(true))
	sev := settled.Event.(model.MarketEvent)
	if sev.EventType != model.MarketSettled || sev.Signature != "account:Mkt1:settled" {
		t.Fatalf("unexpected settled event: %+v", sev)
	}
	if sev.Timestamp.Unix() != 1_700_000_900 {
		t.Fatalf("settled timestamp = %s", sev.Timestamp)
	}
}

func TestDecodeAccountRejectsForeignAndTruncatedData(t *testing.T) {
	d := fixedDecoder()
	foreign := append([]byte("otheracc"), make([]byte, 64)...)
	if res := d.DecodeAccount("X", 1, foreign); res.Kind != Unrecognized {
		t.Fatalf("foreign account should be unrecognized, got %s", res.Kind)
	}
	data := marketAccount(false)
	if res := d.DecodeAccount("X", 1, data[:40]); res.Kind != Malformed {
		t.Fatalf("truncated account should be malformed, got %s", res.Kind)
	}
	if !strings.Contains(d.DecodeAccount("X", 1, data[:40]).Reason, "market account") {
		t.Fatal("reason should name the payload")
	}
}

func TestBondingCurvePrice(t *testing.T) {
	params := BondingCurveParams{InitialPrice: 1000, CurveSteepness: 1000}
	cases := []struct {
		supply uint64
		want   uint64
	}{
		{0, 1000},
		{1000, 4000},
		{500, 2250},
	}
	for _, tc := range cases {
		got, err := BondingCurvePrice(params, tc.supply)
		if err != nil {
			t.Fatalf("supply %d: %v", tc.supply, err)
		}
		if got != tc.want {
			t.Fatalf("supply %d: price = %d, want %d", tc.supply, got, tc.want)
		}
	}

	if _, err := BondingCurvePrice(BondingCurveParams{InitialPrice: 1}, 5); err == nil {
		t.Fatal("zero steepness should fail")
	}
	if _, err := BondingCurvePrice(BondingCurveParams{InitialPrice: 1 << 62, CurveSteepness: 1}, 1<<40); err == nil {
		t.Fatal("overflow should be reported")
	}
}
