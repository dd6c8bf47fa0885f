package listener

import (
	"context"
	"fmt"
	"time"

	"pumpwatch/internal/ledger"
)

// ReplayStart returns the slot after which history is replayed. When the
// checkpoint trails current by more than window the start is clamped to
// current-window and clamped is true.
func ReplayStart(current, checkpoint, window uint64) (start uint64, clamped bool) {
	if current <= checkpoint {
		return checkpoint, false
	}
	if window > 0 && current-checkpoint > window {
		return current - window, true
	}
	return checkpoint, false
}

// catchUp replays recent program transactions newer than the checkpoint.
// Individual transaction failures are logged and skipped.
func (l *Listener) catchUp(ctx context.Context) (err error) {
	if !l.catchingUp.CompareAndSwap(false, true) {
		return nil
	}
	defer l.catchingUp.Store(false)

	result := "ok"
	defer func() {
		if err != nil {
			result = "failed"
		}
		if l.metrics != nil {
			l.metrics.CatchUps.WithLabelValues(result).Inc()
		}
	}()

	current, err := l.currentSlot(ctx)
	if err != nil {
		return err
	}

	checkpoint := l.checkpoint.Load()
	start, clamped := ReplayStart(current, checkpoint, l.opts.CatchUpWindow)
	if clamped {
		result = "clamped"
		l.logger.Warn().
			Uint64("checkpoint", checkpoint).
			Uint64("current_slot", current).
			Uint64("replay_from", start).
			Uint64("skipped_slots", start-checkpoint).
			Msg("checkpoint too far behind; clamping catch-up window")
	}

	var sigs []ledger.SignatureInfo
	err = l.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		sigs, ferr = l.client.GetSignaturesForAddress(ctx, l.opts.ProgramID, l.opts.SignatureLimit)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("fetch signatures: %w", err)
	}

	// Signatures arrive newest first; replay oldest first.
	replayed, skipped := 0, 0
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Slot <= start || sig.Failed() {
			continue
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		if l.replayTransaction(ctx, sig) {
			replayed++
		} else {
			skipped++
		}
	}

	l.observe(current)
	l.logger.Info().
		Uint64("from_slot", start).
		Uint64("current_slot", current).
		Int("replayed", replayed).
		Int("skipped", skipped).
		Msg("catch-up complete")
	return nil
}

func (l *Listener) replayTransaction(ctx context.Context, sig ledger.SignatureInfo) bool {
	var tx *ledger.Transaction
	err := l.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		tx, ferr = l.client.GetTransaction(ctx, sig.Signature)
		return ferr
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("signature", sig.Signature).Msg("skipping transaction during catch-up")
		return false
	}
	if tx.Failed {
		return false
	}

	var blockTime time.Time
	switch {
	case tx.BlockTime != nil:
		blockTime = time.Unix(*tx.BlockTime, 0).UTC()
	case sig.BlockTime != nil:
		blockTime = time.Unix(*sig.BlockTime, 0).UTC()
	}
	slot := tx.Slot
	if slot == 0 {
		slot = sig.Slot
	}
	for _, res := range l.decoder.DecodeLogs(sig.Signature, slot, blockTime, tx.LogMessages) {
		l.accept("catchup", sig.Signature, res)
	}
	return true
}

func (l *Listener) currentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := l.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		slot, ferr = l.client.GetSlot(ctx)
		return ferr
	})
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// CatchUp replays history once, stores it and persists the checkpoint
// without opening live subscriptions.
func (l *Listener) CatchUp(ctx context.Context) error {
	unlock, err := l.waitForLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.loadCheckpoint(ctx); err != nil {
		return err
	}
	if err := l.catchUp(ctx); err != nil {
		return err
	}
	l.DrainAll(ctx)
	return l.persistCheckpoint(ctx)
}
