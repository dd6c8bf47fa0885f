package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pumpwatch/internal/bus"
	"pumpwatch/internal/decoder"
	"pumpwatch/internal/ledger"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
	"pumpwatch/internal/retry"
	"pumpwatch/internal/scheduler"
	"pumpwatch/internal/storage"
)

var (
	// ErrReconnectExhausted is the terminal error returned when the ledger
	// subscriptions could not be re-established within the attempt cap.
	ErrReconnectExhausted = errors.New("listener: reconnect attempts exhausted")
	errSubscriptionClosed = errors.New("subscription closed")
)

// Sink is notified synchronously of every newly stored event.
type Sink interface {
	HandleTrade(model.TradeEvent)
	HandleMarketEvent(model.MarketEvent)
}

// Store is the persistence the listener writes to.
type Store interface {
	storage.EventStore
	storage.CheckpointStore
}

// Options tune ingestion.
type Options struct {
	ProgramID            string
	CatchUpWindow        uint64
	SignatureLimit       int
	BatchSize            int
	QueueCapacity        int
	DrainInterval        time.Duration
	HealthInterval       time.Duration
	HealthLagThreshold   uint64
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectResetAfter  time.Duration
	MaxEventAttempts     int
	StoreRetry           retry.Policy
	FetchRetry           retry.Policy
	FetchRate            float64
	FetchBurst           int
	ShutdownTimeout      time.Duration
	AdvisoryLockKey      int64
}

func (o *Options) applyDefaults() {
	if o.CatchUpWindow == 0 {
		o.CatchUpWindow = 1000
	}
	if o.SignatureLimit <= 0 {
		o.SignatureLimit = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 5 * time.Second
	}
	if o.MaxEventAttempts <= 0 {
		o.MaxEventAttempts = 3
	}
	if o.FetchBurst <= 0 {
		o.FetchBurst = 1
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
}

// Listener ingests program events from the ledger into the store.
type Listener struct {
	client  ledger.Client
	store   Store
	locker  storage.AdvisoryLocker
	decoder *decoder.Decoder
	sink    Sink
	bus     *bus.Bus
	metrics *metrics.Metrics
	health  *metrics.Health
	logger  zerolog.Logger
	opts    Options

	queue   *queue
	limiter *rate.Limiter

	state      atomic.Int32
	checkpoint atomic.Uint64
	observed   atomic.Uint64
	accepting  atomic.Bool
	catchingUp atomic.Bool

	drainMu sync.Mutex
	subsMu  sync.Mutex
	subs    []ethereum.Subscription

	now func() time.Time
}

// New wires a listener. sink, b, m and health may be nil.
func New(client ledger.Client, store Store, dec *decoder.Decoder, sink Sink, b *bus.Bus, m *metrics.Metrics, health *metrics.Health, opts Options, logger zerolog.Logger) *Listener {
	opts.applyDefaults()
	if dec == nil {
		dec = decoder.New()
	}
	if opts.StoreRetry.Retryable == nil {
		opts.StoreRetry.Retryable = func(err error) bool { return !errors.Is(err, storage.ErrNotConfigured) }
	}
	if opts.FetchRetry.Retryable == nil {
		opts.FetchRetry.Retryable = ledger.IsRetryable
	}

	limit := rate.Inf
	if opts.FetchRate > 0 {
		limit = rate.Limit(opts.FetchRate)
	}

	l := &Listener{
		client:  client,
		store:   store,
		decoder: dec,
		sink:    sink,
		bus:     b,
		metrics: m,
		health:  health,
		logger:  logger.With().Str("component", "listener").Str("program_id", opts.ProgramID).Logger(),
		opts:    opts,
		queue:   newQueue(opts.QueueCapacity),
		limiter: rate.NewLimiter(limit, opts.FetchBurst),
		now:     time.Now,
	}
	if locker, ok := store.(storage.AdvisoryLocker); ok {
		l.locker = locker
	}
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Checkpoint returns the highest processed slot.
func (l *Listener) Checkpoint() uint64 {
	return l.checkpoint.Load()
}

// QueueDepth returns the number of events waiting to be stored.
func (l *Listener) QueueDepth() int {
	return l.queue.len()
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if l.metrics != nil {
		l.metrics.ListenerState.Set(float64(s))
	}
	if l.health != nil {
		l.health.SetReady(s == StateListening, "listener "+s.String())
	}
	l.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("listener state changed")
}

// Run ingests until ctx is cancelled or reconnects are exhausted. On return
// the queue has been drained once more, subscriptions released and the
// checkpoint persisted.
func (l *Listener) Run(ctx context.Context) error {
	unlock, err := l.waitForLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	l.setState(StateStarting)
	if err := l.loadCheckpoint(ctx); err != nil {
		l.setState(StateStopped)
		return err
	}

	drain := scheduler.New(scheduler.Options{Name: "listener_drain", Interval: l.opts.DrainInterval}, l.logger)
	health := scheduler.New(scheduler.Options{Name: "listener_health", Interval: l.opts.HealthInterval}, l.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.supervise(gctx) })
	g.Go(func() error { return drain.Run(gctx, l.drainTick) })
	g.Go(func() error { return health.Run(gctx, l.healthTick) })
	runErr := g.Wait()

	l.shutdown()
	l.setState(StateStopped)

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return nil
	}
	return runErr
}

func (l *Listener) waitForLock(ctx context.Context) (func(), error) {
	noop := func() {}
	if l.locker == nil || l.opts.AdvisoryLockKey == 0 {
		return noop, nil
	}

	logged := false
	for {
		unlock, acquired, err := l.locker.TryAdvisoryLock(ctx, l.opts.AdvisoryLockKey)
		if err != nil {
			return nil, fmt.Errorf("acquire advisory lock: %w", err)
		}
		if acquired {
			return unlock, nil
		}
		if !logged {
			l.logger.Info().Int64("lock_key", l.opts.AdvisoryLockKey).Msg("another listener holds the ingestion lock; standing by")
			logged = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.opts.ReconnectBaseDelay):
		}
	}
}

func (l *Listener) loadCheckpoint(ctx context.Context) error {
	cp, err := l.store.LoadCheckpoint(ctx, l.opts.ProgramID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	l.bumpCheckpoint(cp.LastProcessedSlot)
	l.logger.Info().Uint64("slot", cp.LastProcessedSlot).Msg("checkpoint loaded")
	return nil
}

// supervise owns the live subscriptions and the reconnect cycle.
func (l *Listener) supervise(ctx context.Context) error {
	attempt := 0
	for {
		l.setState(StateStarting)

		errc, err := l.openSubscriptions(ctx)
		if err == nil {
			l.accepting.Store(true)
			if cuErr := l.catchUp(ctx); cuErr != nil && ctx.Err() == nil {
				l.logger.Warn().Err(cuErr).Msg("catch-up failed; continuing with live events")
			}
			l.setState(StateListening)
			connectedAt := l.now()

			select {
			case <-ctx.Done():
				l.accepting.Store(false)
				return nil
			case err = <-errc:
			}
			l.accepting.Store(false)
			l.releaseSubscriptions()
			if err == nil {
				err = errSubscriptionClosed
			}
			if l.opts.ReconnectResetAfter > 0 && l.now().Sub(connectedAt) >= l.opts.ReconnectResetAfter {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		if l.metrics != nil {
			l.metrics.Reconnects.Inc()
		}
		if attempt > l.opts.MaxReconnectAttempts {
			l.logger.Error().Err(err).Int("attempts", attempt-1).Msg("giving up on ledger subscriptions")
			l.publishError(err, true)
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		l.setState(StateReconnecting)
		delay := l.opts.ReconnectBaseDelay * time.Duration(attempt)
		l.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("ledger subscription lost; reconnecting")
		l.publishError(err, false)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (l *Listener) openSubscriptions(ctx context.Context) (<-chan error, error) {
	programSub, err := l.client.SubscribeProgram(ctx, l.opts.ProgramID, l.onAccount)
	if err != nil {
		return nil, fmt.Errorf("subscribe program: %w", err)
	}
	logsSub, err := l.client.SubscribeLogs(ctx, l.opts.ProgramID, l.onLogs)
	if err != nil {
		programSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	l.subsMu.Lock()
	l.subs = []ethereum.Subscription{programSub, logsSub}
	l.subsMu.Unlock()

	errc := make(chan error, 1)
	go func() {
		select {
		case err := <-programSub.Err():
			errc <- err
		case err := <-logsSub.Err():
			errc <- err
		}
	}()
	return errc, nil
}

func (l *Listener) releaseSubscriptions() {
	l.subsMu.Lock()
	subs := l.subs
	l.subs = nil
	l.subsMu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (l *Listener) onLogs(n ledger.LogNotification) {
	if !l.accepting.Load() || n.Failed {
		return
	}
	l.observe(n.Slot)
	for _, res := range l.decoder.DecodeLogs(n.Signature, n.Slot, time.Time{}, n.Logs) {
		l.accept("logs", n.Signature, res)
	}
}

func (l *Listener) onAccount(n ledger.AccountNotification) {
	if !l.accepting.Load() {
		return
	}
	l.observe(n.Slot)
	l.accept("account", n.Pubkey, l.decoder.DecodeAccount(n.Pubkey, n.Slot, n.Data))
}

// accept routes a decode result: events are queued, malformed input is
// dropped with a warning.
func (l *Listener) accept(source, ref string, res decoder.Result) {
	if l.metrics != nil {
		l.metrics.EventsDecoded.WithLabelValues(source, res.Kind.String()).Inc()
	}
	switch res.Kind {
	case decoder.Decoded:
		l.enqueue(res.Event)
	case decoder.Malformed:
		l.logger.Warn().Str("source", source).Str("ref", ref).Str("reason", res.Reason).Msg("dropping malformed payload")
	case decoder.Unrecognized:
		l.logger.Debug().Str("source", source).Str("ref", ref).Msg("ignoring unrecognized payload")
	}
}

func (l *Listener) enqueue(ev model.Event) {
	if !l.queue.push(item{event: ev}) {
		if l.metrics != nil {
			l.metrics.QueueOverflow.Inc()
		}
		l.logger.Error().Str("signature", ev.EventSignature()).Msg("event queue full; dropping event")
		return
	}
	if l.metrics != nil {
		l.metrics.QueueDepth.Set(float64(l.queue.len()))
	}
}

// observe records a slot seen on the ledger for the health lag.
func (l *Listener) observe(slot uint64) {
	for {
		cur := l.observed.Load()
		if slot <= cur || l.observed.CompareAndSwap(cur, slot) {
			return
		}
	}
}

func (l *Listener) bumpCheckpoint(slot uint64) {
	for {
		cur := l.checkpoint.Load()
		if slot <= cur {
			return
		}
		if l.checkpoint.CompareAndSwap(cur, slot) {
			if l.metrics != nil {
				l.metrics.CheckpointSlot.Set(float64(slot))
			}
			return
		}
	}
}

func (l *Listener) publishError(err error, fatal bool) {
	if l.bus == nil || err == nil {
		return
	}
	l.bus.Publish(bus.TopicError, "", bus.ErrorReport{Component: "listener", Message: err.Error(), Fatal: fatal})
}

// shutdown stops intake, flushes the queue once, releases the subscriptions
// and persists the checkpoint within ShutdownTimeout.
func (l *Listener) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ShutdownTimeout)
	defer cancel()

	l.accepting.Store(false)
	pending := l.queue.len()
	if pending > 0 {
		l.drain(ctx, pending)
	}
	l.releaseSubscriptions()

	if err := l.persistCheckpoint(ctx); err != nil {
		l.logger.Error().Err(err).Msg("final checkpoint write failed")
	}
	if left := l.queue.len(); left > 0 {
		l.logger.Error().Int("left", left).Msg("final flush timed out; unflushed events will be replayed only if above the checkpoint")
	}
	l.logger.Info().Uint64("checkpoint", l.checkpoint.Load()).Int("flushed", pending).Int("left", l.queue.len()).Msg("listener stopped")
}
