package decoder

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"pumpwatch/internal/model"
)

var (
	marketAccountDiscriminator = anchorDiscriminator("account:Market")
	settledEventDiscriminator  = anchorDiscriminator("event:MarketSettledEvent")

	errShortBuffer = errors.New("unexpected end of data")
)

func anchorDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte(name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// BondingCurveParams mirrors the on-chain curve configuration.
type BondingCurveParams struct {
	InitialPrice   uint64 `json:"initialPrice"`
	CurveSteepness uint64 `json:"curveSteepness"`
	MaxSupply      uint64 `json:"maxSupply"`
	FeeRateBps     uint16 `json:"feeRateBps"`
}

// MarketStatus mirrors the on-chain market status.
type MarketStatus struct {
	IsActive            bool   `json:"isActive"`
	IsSettled           bool   `json:"isSettled"`
	WinningOutcome      *uint8 `json:"winningOutcome,omitempty"`
	SettlementTimestamp *int64 `json:"settlementTimestamp,omitempty"`
}

// SettlementData mirrors the optional settlement record of a market.
type SettlementData struct {
	WinningOutcome      uint8  `json:"winningOutcome"`
	SettlementTimestamp int64  `json:"settlementTimestamp"`
	OracleDataHash      string `json:"oracleDataHash"`
	TotalPayout         uint64 `json:"totalPayout"`
}

// MarketAccount is the decoded program-owned market account.
type MarketAccount struct {
	Creator        string             `json:"creator"`
	Description    string             `json:"description"`
	ResolutionDate int64              `json:"resolutionDate"`
	OracleSource   string             `json:"oracleSource"`
	OutcomeTokens  []string           `json:"outcomeTokens"`
	Curve          BondingCurveParams `json:"bondingCurve"`
	TotalVolume    uint64             `json:"totalVolume"`
	Status         MarketStatus       `json:"status"`
	Settlement     *SettlementData    `json:"settlement,omitempty"`
	InitialPrice   float64            `json:"initialPrice"`
}

// ParseMarketAccount decodes the Borsh layout of a market account, including
// its 8-byte discriminator.
func ParseMarketAccount(data []byte) (MarketAccount, error) {
	if len(data) < 8 {
		return MarketAccount{}, errShortBuffer
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	if disc != marketAccountDiscriminator {
		return MarketAccount{}, errUnknownDiscriminator
	}

	r := &borshReader{buf: data[8:]}
	acct := MarketAccount{
		Creator:        r.pubkey(),
		Description:    r.str(),
		ResolutionDate: r.i64(),
		OracleSource:   r.pubkey(),
	}
	n := r.u32()
	if r.err == nil && int(n)*32 > r.remaining() {
		return MarketAccount{}, fmt.Errorf("outcome tokens: %w", errShortBuffer)
	}
	acct.OutcomeTokens = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		acct.OutcomeTokens = append(acct.OutcomeTokens, r.pubkey())
	}
	acct.Curve = BondingCurveParams{
		InitialPrice:   r.u64(),
		CurveSteepness: r.u64(),
		MaxSupply:      r.u64(),
		FeeRateBps:     r.u16(),
	}
	acct.TotalVolume = r.u64()
	acct.Status.IsActive = r.flag()
	acct.Status.IsSettled = r.flag()
	if r.option() {
		v := r.u8()
		acct.Status.WinningOutcome = &v
	}
	if r.option() {
		v := r.i64()
		acct.Status.SettlementTimestamp = &v
	}
	if r.option() {
		acct.Settlement = &SettlementData{
			WinningOutcome:      r.u8(),
			SettlementTimestamp: r.i64(),
			OracleDataHash:      base58.Encode(r.bytes(32)),
			TotalPayout:         r.u64(),
		}
	}
	if r.err != nil {
		return MarketAccount{}, r.err
	}

	if price, err := BondingCurvePrice(acct.Curve, 0); err == nil {
		acct.InitialPrice = float64(price) / curveScale
	}
	return acct, nil
}

var errUnknownDiscriminator = errors.New("unknown account discriminator")

// DecodeAccount turns a market account notification into a lifecycle event.
// Keys are derived from the account so repeated notifications collapse onto
// one stored row per transition.
func (d *Decoder) DecodeAccount(pubkey string, slot uint64, data []byte) Result {
	acct, err := ParseMarketAccount(data)
	if errors.Is(err, errUnknownDiscriminator) {
		return unrecognized()
	}
	if err != nil {
		return malformed("market account: " + err.Error())
	}

	payload, err := json.Marshal(acct)
	if err != nil {
		return malformed("market account: encode: " + err.Error())
	}

	ev := model.MarketEvent{
		MarketID:       pubkey,
		ProgramAccount: pubkey,
		Data:           payload,
		Slot:           slot,
	}
	switch {
	case acct.Status.IsSettled:
		ev.EventType = model.MarketSettled
		ev.Signature = "account:" + pubkey + ":settled"
		var explicit time.Time
		if acct.Status.SettlementTimestamp != nil {
			explicit = time.Unix(*acct.Status.SettlementTimestamp, 0)
		}
		ev.Timestamp = d.timestamp(txMeta{}, explicit)
	case acct.Status.IsActive:
		ev.EventType = model.MarketCreated
		ev.Signature = "account:" + pubkey + ":created"
		ev.Timestamp = d.now()
	default:
		return unrecognized()
	}
	return decoded(ev)
}

func (d *Decoder) decodeProgramData(meta txMeta, encoded string) Result {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < 8 {
		return unrecognized()
	}
	var disc [8]byte
	copy(disc[:], raw[:8])

	// payout events are per user and carry no market state
	if disc != settledEventDiscriminator {
		return unrecognized()
	}

	r := &borshReader{buf: raw[8:]}
	market := r.pubkey()
	winning := r.u8()
	payout := r.u64()
	settledAt := r.i64()
	if r.err != nil {
		return malformed("MarketSettledEvent: " + r.err.Error())
	}

	payload, err := json.Marshal(map[string]any{
		"winning_outcome": winning,
		"total_payout":    payout,
	})
	if err != nil {
		return malformed("MarketSettledEvent: " + err.Error())
	}

	var explicit time.Time
	if settledAt > 0 {
		explicit = time.Unix(settledAt, 0)
	}
	return decoded(model.MarketEvent{
		MarketID:  market,
		EventType: model.MarketSettled,
		Data:      payload,
		Timestamp: d.timestamp(meta, explicit),
		Slot:      meta.slot,
		Signature: meta.signature,
	})
}

type borshReader struct {
	buf []byte
	off int
	err error
}

func (r *borshReader) remaining() int { return len(r.buf) - r.off }

func (r *borshReader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.remaining() < n {
		r.err = errShortBuffer
		return make([]byte, n)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *borshReader) u8() uint8    { return r.bytes(1)[0] }
func (r *borshReader) flag() bool   { return r.u8() != 0 }
func (r *borshReader) option() bool { return r.u8() == 1 }
func (r *borshReader) u16() uint16  { return binary.LittleEndian.Uint16(r.bytes(2)) }
func (r *borshReader) u32() uint32  { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *borshReader) u64() uint64  { return binary.LittleEndian.Uint64(r.bytes(8)) }
func (r *borshReader) i64() int64   { return int64(r.u64()) }

func (r *borshReader) pubkey() string {
	return base58.Encode(r.bytes(32))
}

func (r *borshReader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	if int(n) > r.remaining() {
		r.err = errShortBuffer
		return ""
	}
	return string(r.bytes(int(n)))
}
