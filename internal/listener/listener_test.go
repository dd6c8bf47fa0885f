package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pumpwatch/internal/bus"
	"pumpwatch/internal/ledger"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
	"pumpwatch/internal/retry"
)

var errStore = errors.New("store unavailable")

type fakeLedger struct {
	mu             sync.Mutex
	slot           uint64
	sigs           []ledger.SignatureInfo
	txs            map[string]*ledger.Transaction
	subscribeErr   error
	subscribeCalls int
	logCb          func(ledger.LogNotification)
	kill           chan error
}

func newFakeLedger(slot uint64) *fakeLedger {
	return &fakeLedger{slot: slot, txs: make(map[string]*ledger.Transaction), kill: make(chan error, 1)}
}

func (f *fakeLedger) subscription() ethereum.Subscription {
	kill := f.kill
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-kill:
			return err
		}
	})
}

func (f *fakeLedger) SubscribeProgram(ctx context.Context, programID string, cb func(ledger.AccountNotification)) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.subscription(), nil
}

func (f *fakeLedger) SubscribeLogs(ctx context.Context, programID string, cb func(ledger.LogNotification)) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCb = cb
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (f *fakeLedger) GetSlot(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, nil
}

func (f *fakeLedger) GetSignaturesForAddress(ctx context.Context, programID string, limit int) ([]ledger.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.SignatureInfo(nil), f.sigs...), nil
}

func (f *fakeLedger) GetTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[signature]
	if !ok {
		return nil, errors.New("boom")
	}
	return tx, nil
}

func (f *fakeLedger) emitLogs(n ledger.LogNotification) {
	f.mu.Lock()
	cb := f.logCb
	f.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

type fakeStore struct {
	mu         sync.Mutex
	trades     map[string]model.TradeEvent
	markets    map[string]model.MarketEvent
	checkpoint uint64
	failSig    map[string]bool
	// blockSig 的第一次写入会阻塞到 ctx 结束
	blockSig string
	blocked  chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trades:  make(map[string]model.TradeEvent),
		markets: make(map[string]model.MarketEvent),
		failSig: make(map[string]bool),
	}
}

func (s *fakeStore) UpsertTrade(ctx context.Context, trade model.TradeEvent) (bool, error) {
	s.mu.Lock()
	if s.blockSig != "" && trade.Signature == s.blockSig {
		s.blockSig = ""
		s.mu.Unlock()
		close(s.blocked)
		<-ctx.Done()
		return false, ctx.Err()
	}
	defer s.mu.Unlock()
	if s.failSig[trade.Signature] {
		return false, errStore
	}
	if _, ok := s.trades[trade.Signature]; ok {
		return false, nil
	}
	s.trades[trade.Signature] = trade
	return true, nil
}

func (s *fakeStore) UpsertMarketEvent(ctx context.Context, ev model.MarketEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[ev.Signature]; ok {
		return false, nil
	}
	s.markets[ev.Signature] = ev
	return true, nil
}

func (s *fakeStore) LoadCheckpoint(ctx context.Context, programID string) (model.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SyncCheckpoint{ProgramID: programID, LastProcessedSlot: s.checkpoint}, nil
}

func (s *fakeStore) AdvanceCheckpoint(ctx context.Context, programID string, slot uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot > s.checkpoint {
		s.checkpoint = slot
	}
	return s.checkpoint, nil
}

func (s *fakeStore) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *fakeStore) storedCheckpoint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

type recordingSink struct {
	mu     sync.Mutex
	trades []model.TradeEvent
}

func (r *recordingSink) HandleTrade(t model.TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
}

func (r *recordingSink) HandleMarketEvent(model.MarketEvent) {}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func testOptions() Options {
	return Options{
		ProgramID:            "prog",
		CatchUpWindow:        1000,
		BatchSize:            10,
		DrainInterval:        5 * time.Millisecond,
		HealthInterval:       time.Hour,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		MaxEventAttempts:     3,
		StoreRetry:           retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		FetchRetry:           retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		ShutdownTimeout:      time.Second,
	}
}

func trade(sig string, slot uint64) model.TradeEvent {
	return model.TradeEvent{
		MarketID:     "M1",
		Trader:       "T1",
		TradeType:    model.TradeBuy,
		TokenAmount:  decimal.NewFromInt(10),
		SolAmount:    decimal.NewFromInt(5),
		Price:        decimal.RequireFromString("0.5"),
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
		Slot:         slot,
		Signature:    sig,
		OutcomeIndex: 0,
	}
}

func tradeLog(market string) []string {
	return []string{"Program log: TradeExecuted market:" + market + " trader:T1 type:buy outcome:0 amount:100 price:0.4"}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReplayStart(t *testing.T) {
	cases := []struct {
		name                string
		current, cp, window uint64
		wantStart           uint64
		wantClamped         bool
	}{
		{"within window", 1500, 1000, 1000, 1000, false},
		{"exactly window", 2000, 1000, 1000, 1000, false},
		{"clamped", 5000, 1000, 1000, 4000, true},
		{"fresh checkpoint", 5000, 0, 1000, 4000, true},
		{"ahead of node", 900, 1000, 1000, 1000, false},
		{"no window", 5000, 0, 0, 0, false},
	}
	for _, tc := range cases {
		start, clamped := ReplayStart(tc.current, tc.cp, tc.window)
		if start != tc.wantStart || clamped != tc.wantClamped {
			t.Fatalf("%s: got (%d,%v), want (%d,%v)", tc.name, start, clamped, tc.wantStart, tc.wantClamped)
		}
	}
}

func TestProcessEventIsIdempotent(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	m := metrics.New()
	b := bus.New(m, zerolog.Nop())
	sub := b.Subscribe(8, bus.TopicTradeEvent)
	defer sub.Close()

	l := New(newFakeLedger(0), store, nil, sink, b, m, nil, testOptions(), zerolog.Nop())
	ev := trade("sig-1", 10)
	for i := 0; i < 2; i++ {
		if err := l.processEvent(context.Background(), ev); err != nil {
			t.Fatalf("processEvent #%d: %v", i, err)
		}
	}

	if sink.count() != 1 {
		t.Fatalf("重复事件不应再次通知, sink got %d", sink.count())
	}
	if len(sub.C()) != 1 {
		t.Fatalf("expected one bus message, got %d", len(sub.C()))
	}
	if got := testutil.ToFloat64(m.EventsStored.WithLabelValues("trade", "duplicate")); got != 1 {
		t.Fatalf("duplicate counter = %v", got)
	}
}

func TestDrainRequeuesThenDrops(t *testing.T) {
	store := newFakeStore()
	store.failSig["bad"] = true
	m := metrics.New()
	l := New(newFakeLedger(0), store, nil, nil, nil, m, nil, testOptions(), zerolog.Nop())

	l.enqueue(trade("bad", 5))
	l.enqueue(trade("good", 7))
	l.DrainAll(context.Background())

	if l.QueueDepth() != 0 {
		t.Fatalf("queue should be empty, got %d", l.QueueDepth())
	}
	if store.tradeCount() != 1 {
		t.Fatalf("stored %d trades, want 1", store.tradeCount())
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsStored.WithLabelValues("trade", "error")); got != 3 {
		t.Fatalf("error writes = %v, want 3 attempts", got)
	}
	if l.Checkpoint() != 7 || store.storedCheckpoint() != 7 {
		t.Fatalf("checkpoint = %d/%d, want 7", l.Checkpoint(), store.storedCheckpoint())
	}
}

func TestCheckpointNeverRegresses(t *testing.T) {
	store := newFakeStore()
	l := New(newFakeLedger(0), store, nil, nil, nil, nil, nil, testOptions(), zerolog.Nop())

	l.advanceCheckpoint(context.Background(), 100)
	l.advanceCheckpoint(context.Background(), 50)

	if l.Checkpoint() != 100 || store.storedCheckpoint() != 100 {
		t.Fatalf("checkpoint regressed: %d/%d", l.Checkpoint(), store.storedCheckpoint())
	}
}

func TestCheckpointIsMaxOfProcessedSlots(t *testing.T) {
	cases := []struct {
		name    string
		initial uint64
		slots   []uint64
		want    uint64
	}{
		{"ascending", 0, []uint64{3, 5, 9}, 9},
		{"descending", 0, []uint64{9, 5, 3}, 9},
		{"shuffled", 4, []uint64{7, 2, 11, 6}, 11},
		{"all below initial", 50, []uint64{10, 40, 30}, 50},
		{"max in the middle", 20, []uint64{21, 99, 22}, 99},
	}
	for _, tc := range cases {
		for _, batchSize := range []int{1, 2, 10} {
			store := newFakeStore()
			store.checkpoint = tc.initial
			opts := testOptions()
			opts.BatchSize = batchSize
			l := New(newFakeLedger(0), store, nil, nil, nil, nil, nil, opts, zerolog.Nop())
			if err := l.loadCheckpoint(context.Background()); err != nil {
				t.Fatalf("%s: load checkpoint: %v", tc.name, err)
			}

			for i, slot := range tc.slots {
				l.enqueue(trade(fmt.Sprintf("%s-%d", tc.name, i), slot))
			}
			l.DrainAll(context.Background())

			if l.Checkpoint() != tc.want || store.storedCheckpoint() != tc.want {
				t.Fatalf("%s (batch %d): checkpoint = %d/%d, want %d",
					tc.name, batchSize, l.Checkpoint(), store.storedCheckpoint(), tc.want)
			}
		}
	}
}

func TestInterruptedWriteIsFlushedOnShutdown(t *testing.T) {
	store := newFakeStore()
	store.blockSig = "slow"
	store.blocked = make(chan struct{})
	m := metrics.New()
	opts := testOptions()
	opts.BatchSize = 1
	l := New(newFakeLedger(0), store, nil, nil, nil, m, nil, opts, zerolog.Nop())

	l.enqueue(trade("slow", 5))
	l.enqueue(trade("fast", 9))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-store.blocked
		cancel()
	}()
	l.drain(ctx, 1)

	if got := testutil.ToFloat64(m.EventsDropped); got != 0 {
		t.Fatalf("被停止打断的事件不应丢弃, dropped = %v", got)
	}
	if l.QueueDepth() != 2 {
		t.Fatalf("interrupted event should stay queued, depth = %d", l.QueueDepth())
	}

	l.shutdown()

	if store.tradeCount() != 2 {
		t.Fatalf("final flush stored %d trades, want 2", store.tradeCount())
	}
	if got := store.storedCheckpoint(); got != 9 {
		t.Fatalf("persisted checkpoint = %d, want 9", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 0 {
		t.Fatalf("dropped = %v after shutdown", got)
	}
}

func TestStopFlushesQueuedEvents(t *testing.T) {
	led := newFakeLedger(10)
	store := newFakeStore()
	sink := &recordingSink{}

	opts := testOptions()
	opts.DrainInterval = time.Hour
	opts.BatchSize = 2
	l := New(led, store, nil, sink, nil, nil, nil, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	eventually(t, "listening", func() bool { return l.State() == StateListening })

	const n = 5
	for i := 0; i < n; i++ {
		led.emitLogs(ledger.LogNotification{
			Signature: fmt.Sprintf("queued-%d", i),
			Slot:      uint64(20 + (i*3)%n),
			Logs:      tradeLog("M1"),
		})
	}
	if l.QueueDepth() != n {
		t.Fatalf("queue depth = %d, want %d", l.QueueDepth(), n)
	}
	if store.tradeCount() != 0 {
		t.Fatal("nothing should be stored before stop")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	if store.tradeCount() != n || sink.count() != n {
		t.Fatalf("stored %d, sink %d, want %d", store.tradeCount(), sink.count(), n)
	}
	if got := store.storedCheckpoint(); got != 24 {
		t.Fatalf("persisted checkpoint = %d, want 24", got)
	}
	if l.QueueDepth() != 0 {
		t.Fatalf("queue left %d", l.QueueDepth())
	}
}

func TestQueueOverflowIsCounted(t *testing.T) {
	m := metrics.New()
	opts := testOptions()
	opts.QueueCapacity = 2
	l := New(newFakeLedger(0), newFakeStore(), nil, nil, nil, m, nil, opts, zerolog.Nop())

	for i := 0; i < 3; i++ {
		l.enqueue(trade(string(rune('a'+i)), uint64(i+1)))
	}
	if l.QueueDepth() != 2 {
		t.Fatalf("depth = %d, want 2", l.QueueDepth())
	}
	if got := testutil.ToFloat64(m.QueueOverflow); got != 1 {
		t.Fatalf("overflow = %v, want 1", got)
	}
}

func TestCatchUpReplaysOldestFirst(t *testing.T) {
	led := newFakeLedger(200)
	led.sigs = []ledger.SignatureInfo{
		{Signature: "s4", Slot: 190},
		{Signature: "s3", Slot: 180, Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)},
		{Signature: "s2", Slot: 170},
		{Signature: "s1", Slot: 160},
		{Signature: "s0", Slot: 140},
	}
	led.txs["s4"] = &ledger.Transaction{Slot: 190, LogMessages: tradeLog("M4")}
	led.txs["s3"] = &ledger.Transaction{Slot: 180, LogMessages: tradeLog("M3")}
	led.txs["s1"] = &ledger.Transaction{Slot: 160, LogMessages: tradeLog("M1")}
	led.txs["s0"] = &ledger.Transaction{Slot: 140, LogMessages: tradeLog("M0")}

	store := newFakeStore()
	store.checkpoint = 150
	m := metrics.New()
	l := New(led, store, nil, nil, nil, m, nil, testOptions(), zerolog.Nop())
	if err := l.loadCheckpoint(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.catchUp(context.Background()); err != nil {
		t.Fatalf("catchUp: %v", err)
	}

	batch := l.queue.popBatch(10)
	if len(batch) != 2 {
		t.Fatalf("queued %d events, want 2", len(batch))
	}
	if batch[0].event.EventSignature() != "s1" || batch[1].event.EventSignature() != "s4" {
		t.Fatalf("replay order = %s,%s", batch[0].event.EventSignature(), batch[1].event.EventSignature())
	}
	if got := testutil.ToFloat64(m.CatchUps.WithLabelValues("ok")); got != 1 {
		t.Fatalf("catchups ok = %v", got)
	}
}

func TestCatchUpClampsLongGap(t *testing.T) {
	led := newFakeLedger(5000)
	led.sigs = []ledger.SignatureInfo{
		{Signature: "new", Slot: 4500},
		{Signature: "old", Slot: 3000},
	}
	led.txs["new"] = &ledger.Transaction{Slot: 4500, LogMessages: tradeLog("M")}
	led.txs["old"] = &ledger.Transaction{Slot: 3000, LogMessages: tradeLog("M")}

	m := metrics.New()
	l := New(led, newFakeStore(), nil, nil, nil, m, nil, testOptions(), zerolog.Nop())
	if err := l.catchUp(context.Background()); err != nil {
		t.Fatalf("catchUp: %v", err)
	}
	if l.QueueDepth() != 1 {
		t.Fatalf("only slots after the clamp should replay, got %d", l.QueueDepth())
	}
	if got := testutil.ToFloat64(m.CatchUps.WithLabelValues("clamped")); got != 1 {
		t.Fatalf("clamped = %v", got)
	}
}

func TestHealthTickTriggersCatchUp(t *testing.T) {
	led := newFakeLedger(500)
	led.sigs = []ledger.SignatureInfo{{Signature: "late", Slot: 450}}
	led.txs["late"] = &ledger.Transaction{Slot: 450, LogMessages: tradeLog("M")}

	store := newFakeStore()
	store.checkpoint = 100
	b := bus.New(nil, zerolog.Nop())
	sub := b.Subscribe(4, bus.TopicHealthCheck)
	defer sub.Close()

	opts := testOptions()
	opts.HealthLagThreshold = 50
	l := New(led, store, nil, nil, b, nil, nil, opts, zerolog.Nop())
	if err := l.loadCheckpoint(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.setState(StateListening)

	if err := l.healthTick(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if l.QueueDepth() != 1 {
		t.Fatalf("expected catch-up to queue one event, got %d", l.QueueDepth())
	}

	msg := <-sub.C()
	report := msg.Payload.(bus.HealthReport)
	if !report.CatchUpTriggered || report.Lag != 400 || report.CurrentSlot != 500 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestHealthTickSkipsWhenNotListening(t *testing.T) {
	led := newFakeLedger(500)
	store := newFakeStore()
	opts := testOptions()
	opts.HealthLagThreshold = 50
	m := metrics.New()
	l := New(led, store, nil, nil, nil, m, nil, opts, zerolog.Nop())
	l.setState(StateReconnecting)

	if err := l.healthTick(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.SlotLag); got != 500 {
		t.Fatalf("slot lag = %v", got)
	}
	if got := testutil.CollectAndCount(m.CatchUps); got != 0 {
		t.Fatalf("catch-up should not run while reconnecting, got %d series", got)
	}
}

func TestRunGivesUpAfterMaxReconnects(t *testing.T) {
	led := newFakeLedger(10)
	led.subscribeErr = errors.New("dial refused")
	m := metrics.New()
	b := bus.New(m, zerolog.Nop())
	errs := b.Subscribe(8, bus.TopicError)
	defer errs.Close()

	l := New(led, newFakeStore(), nil, nil, b, m, nil, testOptions(), zerolog.Nop())
	err := l.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %s", l.State())
	}
	if got := testutil.ToFloat64(m.Reconnects); got != 3 {
		t.Fatalf("reconnects = %v, want 3", got)
	}

	var fatal bool
	for len(errs.C()) > 0 {
		if (<-errs.C()).Payload.(bus.ErrorReport).Fatal {
			fatal = true
		}
	}
	if !fatal {
		t.Fatal("expected a fatal error report")
	}
}

func TestRunIngestsLiveLogsAndReconnects(t *testing.T) {
	led := newFakeLedger(10)
	store := newFakeStore()
	sink := &recordingSink{}
	health := metrics.NewHealth()

	opts := testOptions()
	opts.MaxReconnectAttempts = 3
	l := New(led, store, nil, sink, nil, nil, health, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	eventually(t, "listening", func() bool { return l.State() == StateListening })
	if !health.IsReady() {
		t.Fatal("health should be ready while listening")
	}

	led.emitLogs(ledger.LogNotification{Signature: "live-1", Slot: 11, Logs: tradeLog("M1")})
	led.emitLogs(ledger.LogNotification{Signature: "live-1", Slot: 11, Logs: tradeLog("M1")})
	led.emitLogs(ledger.LogNotification{Signature: "failed", Slot: 12, Failed: true, Logs: tradeLog("M1")})
	eventually(t, "trade stored", func() bool { return store.tradeCount() == 1 && l.Checkpoint() == 11 })

	led.kill <- errors.New("socket closed")
	eventually(t, "resubscribe", func() bool { return led.calls() >= 2 && l.State() == StateListening })

	led.emitLogs(ledger.LogNotification{Signature: "live-2", Slot: 13, Logs: tradeLog("M2")})
	eventually(t, "second trade", func() bool { return store.tradeCount() == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if store.storedCheckpoint() != 13 {
		t.Fatalf("persisted checkpoint = %d, want 13", store.storedCheckpoint())
	}
	if sink.count() != 2 {
		t.Fatalf("sink saw %d trades, want 2", sink.count())
	}
	if l.State() != StateStopped || health.IsReady() {
		t.Fatal("listener should report stopped and unready")
	}
}
