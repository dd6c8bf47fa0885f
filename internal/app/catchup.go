package app

import (
	"context"

	"pumpwatch/internal/decoder"
	"pumpwatch/internal/listener"
)

// CatchUp replays recent program history into the store once and persists
// the checkpoint, without opening live subscriptions.
func (a *App) CatchUp(ctx context.Context, opts CatchUpOptions) error {
	if err := a.Config.ValidateRuntime(); err != nil {
		return err
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	client := a.newLedger()
	defer client.Close()

	lopts := a.listenerOptions()
	if opts.Window > 0 {
		lopts.CatchUpWindow = opts.Window
	}

	lst := listener.New(client, store, decoder.New(), nil, nil, nil, nil, lopts, a.Logger)
	if err := lst.CatchUp(ctx); err != nil {
		return err
	}

	a.Logger.Info().Uint64("checkpoint", lst.Checkpoint()).Int("left_in_queue", lst.QueueDepth()).Msg("catch-up finished")
	return nil
}
