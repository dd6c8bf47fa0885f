package decoder

import (
	"strconv"
	"strings"
	"time"

	"pumpwatch/internal/model"
)

// Kind classifies the outcome of decoding one payload.
type Kind int

const (
	// Decoded carries a trade or market event.
	Decoded Kind = iota
	// Unrecognized payloads are not program events and are ignored.
	Unrecognized
	// Malformed payloads look like program events but fail validation.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Decoded:
		return "decoded"
	case Unrecognized:
		return "unrecognized"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the outcome of decoding a log line, event blob or account.
type Result struct {
	Kind   Kind
	Event  model.Event
	Reason string
}

func decoded(ev model.Event) Result { return Result{Kind: Decoded, Event: ev} }

func unrecognized() Result { return Result{Kind: Unrecognized} }

func malformed(reason string) Result { return Result{Kind: Malformed, Reason: reason} }

const (
	logPrefix  = "Program log: "
	dataPrefix = "Program data: "
)

// Decoder turns raw ledger payloads into model events.
type Decoder struct {
	now func() time.Time
}

// New constructs a Decoder using the wall clock for events without a timestamp.
func New() *Decoder {
	return &Decoder{now: func() time.Time { return time.Now().UTC() }}
}

// DecodeLogs decodes every program line of a transaction. Lines that are not
// program events are skipped; when nothing is recognised a single
// Unrecognized result is returned. The second and later events of one
// transaction get the signature suffix ":<n>" so each keeps a stable key.
func (d *Decoder) DecodeLogs(signature string, slot uint64, blockTime time.Time, lines []string) []Result {
	results := make([]Result, 0, 1)
	n := 0
	for _, line := range lines {
		res := d.DecodeLine(signature, slot, blockTime, line)
		if res.Kind == Unrecognized {
			continue
		}
		if res.Kind == Decoded {
			if n > 0 {
				res.Event = withSignature(res.Event, signature+":"+strconv.Itoa(n))
			}
			n++
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return []Result{unrecognized()}
	}
	return results
}

// DecodeLine decodes a single log line.
func (d *Decoder) DecodeLine(signature string, slot uint64, blockTime time.Time, line string) Result {
	meta := txMeta{signature: signature, slot: slot, blockTime: blockTime}
	switch {
	case strings.HasPrefix(line, logPrefix):
		return d.decodeProgramLog(meta, strings.TrimPrefix(line, logPrefix))
	case strings.HasPrefix(line, dataPrefix):
		return d.decodeProgramData(meta, strings.TrimSpace(strings.TrimPrefix(line, dataPrefix)))
	default:
		return unrecognized()
	}
}

type txMeta struct {
	signature string
	slot      uint64
	blockTime time.Time
}

func (d *Decoder) timestamp(meta txMeta, explicit time.Time) time.Time {
	if !explicit.IsZero() {
		return explicit.UTC()
	}
	if !meta.blockTime.IsZero() {
		return meta.blockTime.UTC()
	}
	return d.now()
}

func withSignature(ev model.Event, sig string) model.Event {
	switch e := ev.(type) {
	case model.TradeEvent:
		e.Signature = sig
		return e
	case model.MarketEvent:
		e.Signature = sig
		return e
	}
	return ev
}
