package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pumpwatch/internal/bus"
	"pumpwatch/internal/model"
)

func (l *Listener) drainTick(ctx context.Context, _ time.Time) error {
	l.drain(ctx, l.opts.BatchSize)
	return nil
}

// DrainAll processes queued events until the queue is empty or every
// remaining event has exhausted its attempts.
func (l *Listener) DrainAll(ctx context.Context) {
	for round := 0; round <= l.opts.MaxEventAttempts; round++ {
		n := l.queue.len()
		if n == 0 || ctx.Err() != nil {
			return
		}
		l.drain(ctx, n)
	}
}

// drain pops up to limit events in batches of BatchSize. Events that fail
// are requeued until MaxEventAttempts.
func (l *Listener) drain(ctx context.Context, limit int) {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	for limit > 0 && ctx.Err() == nil {
		n := l.opts.BatchSize
		if n > limit {
			n = limit
		}
		batch := l.queue.popBatch(n)
		if len(batch) == 0 {
			break
		}
		limit -= len(batch)
		l.processBatch(ctx, batch)
	}
	if l.metrics != nil {
		l.metrics.QueueDepth.Set(float64(l.queue.len()))
	}
}

func (l *Listener) processBatch(ctx context.Context, batch []item) {
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.BatchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var (
		mu      sync.Mutex
		maxSlot uint64
		g       errgroup.Group
	)
	for _, it := range batch {
		g.Go(func() error {
			err := l.processEvent(ctx, it.event)
			if err == nil {
				mu.Lock()
				if s := it.event.EventSlot(); s > maxSlot {
					maxSlot = s
				}
				mu.Unlock()
				return nil
			}

			if ctx.Err() != nil {
				// 被停止打断的写入不计入重试次数, 交给 shutdown 的最终 flush
				l.queue.requeue(it)
				l.logger.Debug().Str("signature", it.event.EventSignature()).Msg("event write interrupted; kept for final flush")
				return nil
			}

			it.attempts++
			if it.attempts < l.opts.MaxEventAttempts {
				if l.queue.push(it) {
					l.logger.Warn().Err(err).Str("signature", it.event.EventSignature()).Int("attempt", it.attempts).Msg("event processing failed; requeued")
					return nil
				}
			}
			if l.metrics != nil {
				l.metrics.EventsDropped.Inc()
			}
			l.logger.Error().Err(err).Str("signature", it.event.EventSignature()).Int("attempts", it.attempts).Msg("dropping event after repeated failures")
			return nil
		})
	}
	_ = g.Wait()

	if maxSlot > 0 {
		l.advanceCheckpoint(ctx, maxSlot)
	}
}

// processEvent stores ev and, unless it was a duplicate, notifies the sink
// and the bus.
func (l *Listener) processEvent(ctx context.Context, ev model.Event) error {
	var (
		inserted bool
		kind     string
	)
	err := l.opts.StoreRetry.Do(ctx, func(ctx context.Context) error {
		var werr error
		switch e := ev.(type) {
		case model.TradeEvent:
			kind = "trade"
			inserted, werr = l.store.UpsertTrade(ctx, e)
		case model.MarketEvent:
			kind = "market"
			inserted, werr = l.store.UpsertMarketEvent(ctx, e)
		default:
			kind = "unknown"
			return fmt.Errorf("unsupported event type %T", ev)
		}
		return werr
	})

	outcome := "inserted"
	switch {
	case err != nil:
		outcome = "error"
	case !inserted:
		outcome = "duplicate"
	}
	if l.metrics != nil {
		l.metrics.EventsStored.WithLabelValues(kind, outcome).Inc()
	}
	if err != nil {
		return fmt.Errorf("store %s %s: %w", kind, ev.EventSignature(), err)
	}
	if !inserted {
		return nil
	}

	switch e := ev.(type) {
	case model.TradeEvent:
		if l.sink != nil {
			l.sink.HandleTrade(e)
		}
		if l.bus != nil {
			l.bus.Publish(bus.TopicTradeEvent, e.MarketID, e)
		}
	case model.MarketEvent:
		if l.sink != nil {
			l.sink.HandleMarketEvent(e)
		}
		if l.bus != nil {
			l.bus.Publish(bus.TopicMarketEvent, e.MarketID, e)
		}
	}
	return nil
}

func (l *Listener) advanceCheckpoint(ctx context.Context, slot uint64) {
	if slot <= l.checkpoint.Load() {
		return
	}
	var stored uint64
	err := l.opts.StoreRetry.Do(ctx, func(ctx context.Context) error {
		var werr error
		stored, werr = l.store.AdvanceCheckpoint(ctx, l.opts.ProgramID, slot)
		return werr
	})
	if err != nil {
		l.logger.Error().Err(err).Uint64("slot", slot).Msg("checkpoint write failed")
		return
	}
	l.bumpCheckpoint(stored)
}

func (l *Listener) persistCheckpoint(ctx context.Context) error {
	slot := l.checkpoint.Load()
	if slot == 0 {
		return nil
	}
	if _, err := l.store.AdvanceCheckpoint(ctx, l.opts.ProgramID, slot); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// healthTick compares the ledger height to the last slot seen and triggers
// a catch-up when the lag exceeds the threshold.
func (l *Listener) healthTick(ctx context.Context, _ time.Time) error {
	report := bus.HealthReport{
		State:             l.State().String(),
		LastProcessedSlot: l.checkpoint.Load(),
		QueueDepth:        l.queue.len(),
	}

	current, err := l.currentSlot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Msg("health check could not read ledger height")
		report.Error = err.Error()
		l.publishHealth(report)
		return nil
	}
	report.CurrentSlot = current

	seen := max(l.checkpoint.Load(), l.observed.Load())
	if current > seen {
		report.Lag = current - seen
	}
	if l.metrics != nil {
		l.metrics.SlotLag.Set(float64(report.Lag))
	}

	if l.opts.HealthLagThreshold > 0 && report.Lag > l.opts.HealthLagThreshold &&
		l.State() == StateListening && !l.catchingUp.Load() {
		l.logger.Warn().Uint64("lag", report.Lag).Uint64("threshold", l.opts.HealthLagThreshold).Msg("slot lag above threshold; triggering catch-up")
		report.CatchUpTriggered = true
		if err := l.catchUp(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn().Err(err).Msg("health-triggered catch-up failed")
			report.Error = err.Error()
		}
	}

	l.publishHealth(report)
	return nil
}

func (l *Listener) publishHealth(report bus.HealthReport) {
	if l.bus != nil {
		l.bus.Publish(bus.TopicHealthCheck, "", report)
	}
}
