package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pumpwatch/internal/decoder"
	"pumpwatch/internal/model"
	"pumpwatch/internal/storage"
)

type decodedLine struct {
	Result string      `json:"result"`
	Reason string      `json:"reason,omitempty"`
	Event  model.Event `json:"event,omitempty"`
	Stored *bool       `json:"stored,omitempty"`
}

// Decode decodes raw program log lines and prints the results as JSON lines.
// With Store set, decoded events are upserted.
func (a *App) Decode(ctx context.Context, opts DecodeOptions) error {
	if len(opts.Lines) == 0 {
		return errors.New("no log lines given")
	}

	var store storage.EventStore
	if opts.Store {
		s, closeStore, err := a.requireStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		store = s
	}

	results := decoder.New().DecodeLogs(opts.Signature, opts.Slot, time.Time{}, opts.Lines)
	return writeDecoded(ctx, os.Stdout, results, store)
}

func writeDecoded(ctx context.Context, out io.Writer, results []decoder.Result, store storage.EventStore) error {
	enc := json.NewEncoder(out)
	for _, res := range results {
		line := decodedLine{Result: res.Kind.String(), Reason: res.Reason, Event: res.Event}
		if store != nil && res.Kind == decoder.Decoded {
			inserted, err := upsertEvent(ctx, store, res.Event)
			if err != nil {
				return err
			}
			line.Stored = &inserted
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func upsertEvent(ctx context.Context, store storage.EventStore, ev model.Event) (bool, error) {
	switch e := ev.(type) {
	case model.TradeEvent:
		return store.UpsertTrade(ctx, e)
	case model.MarketEvent:
		return store.UpsertMarketEvent(ctx, e)
	default:
		return false, fmt.Errorf("unsupported event type %T", ev)
	}
}
