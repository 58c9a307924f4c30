package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"polymarket-mm/internal/quality"
	"polymarket-mm/internal/scheduler"
	"polymarket-mm/internal/writer"
	"polymarket-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() *types.ParameterSet {
	return &types.ParameterSet{
		ID:                      1,
		S0Points:                5,
		DeltaPoints:             10,
		PairCapPoints:           90,
		TriggerRule:             types.TriggerASKTouch,
		ReferencePriceSource:    types.ReferenceMidpoint,
		SamplingMode:            types.SamplingFixedInterval,
		CycleIntervalSeconds:    5,
		FeedGapThresholdSeconds: 10,
	}
}

func testMarket() *types.Market {
	return &types.Market{
		MarketID:       "m1",
		CryptoAsset:    "btc",
		ConditionID:    "cond1",
		YesTokenID:     "yestok",
		NoTokenID:      "notok",
		TickSizePoints: 1,
		StartTime:      time.Now(),
		SettlementTime: time.Now().Add(15 * time.Minute),
	}
}

func newTestMonitorWithConfig(t *testing.T, mutate func(*Config)) *Monitor {
	t.Helper()
	w, err := writer.Open(":memory:", 1024, testLogger())
	if err != nil {
		t.Fatalf("writer.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	q := quality.NewManager(1000, testLogger())
	ids := NewIDGenerator(0)

	cfg := Config{
		Market:             testMarket(),
		Params:             testParams(),
		WSURL:              "wss://example.invalid/ws",
		PollBaseURL:        "https://example.invalid",
		PollRequestTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, w, q, ids, testLogger())
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	return newTestMonitorWithConfig(t, nil)
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStarting: "STARTING",
		StateActive:   "ACTIVE",
		StateDraining: "DRAINING",
		StateSettled:  "SETTLED",
		State(99):     "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestIDGeneratorIsMonotonicAndUnique(t *testing.T) {
	g := NewIDGenerator(100)
	seen := make(map[int64]bool)
	prev := int64(100)
	for i := 0; i < 50; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("Next() = %d, want strictly greater than %d", id, prev)
		}
		if seen[id] {
			t.Fatalf("Next() returned duplicate id %d", id)
		}
		seen[id] = true
		prev = id
	}
}

// TestRunCycleTriggersAndPersistsAttempt exercises the reference-lag design
// directly: cycle 1 establishes a YES book of 44/46 (trigger_level 40 once
// S0=5 is subtracted), cycle 2's YES ask has fallen to 39, which crosses that
// level and fires a new attempt.
func TestRunCycleTriggersAndPersistsAttempt(t *testing.T) {
	m := newTestMonitor(t)

	now := time.Now()
	seedTop(t, m, now, types.YES, 44, 46)
	seedTop(t, m, now, types.NO, 52, 55)
	m.runCycle(scheduler.Cycle{Number: 1})

	if len(m.active) != 0 {
		t.Fatalf("cycle 1: active = %d, want 0", len(m.active))
	}
	if !m.priorSeeded {
		t.Fatal("cycle 1: priorSeeded should be true after a non-skipped cycle")
	}

	later := now.Add(5 * time.Second)
	seedTop(t, m, later, types.YES, 38, 39)
	seedTop(t, m, later, types.NO, 53, 55)
	m.runCycle(scheduler.Cycle{Number: 2})

	if len(m.active) != 1 {
		t.Fatalf("cycle 2: active = %d, want 1", len(m.active))
	}
	var attempt *types.Attempt
	for _, a := range m.active {
		attempt = a
	}
	if attempt.FirstLegSide != types.YES {
		t.Errorf("FirstLegSide = %v, want YES", attempt.FirstLegSide)
	}
	if attempt.P1Points != 39 {
		t.Errorf("P1Points = %d, want 39", attempt.P1Points)
	}
	if attempt.AttemptID == 0 {
		t.Error("AttemptID should have been assigned by the monitor's IDGenerator")
	}
	if m.market.TotalAttempts != 1 {
		t.Errorf("TotalAttempts = %d, want 1", m.market.TotalAttempts)
	}
}

func TestRunCyclePairsActiveAttempt(t *testing.T) {
	m := newTestMonitor(t)

	now := time.Now()
	seedTop(t, m, now, types.YES, 44, 46)
	seedTop(t, m, now, types.NO, 52, 55)
	m.runCycle(scheduler.Cycle{Number: 1})

	later := now.Add(5 * time.Second)
	seedTop(t, m, later, types.YES, 38, 39)
	// NO ask stays well above its own trigger level (no spurious NO attempt
	// this cycle) but the wide spread pulls next cycle's NO reference down
	// far enough that cycle 3's ask of 48 won't cross it either.
	seedTop(t, m, later, types.NO, 20, 55)
	m.runCycle(scheduler.Cycle{Number: 2})

	if len(m.active) != 1 {
		t.Fatalf("setup: active = %d, want 1", len(m.active))
	}

	var oppositeTrigger int
	for _, a := range m.active {
		oppositeTrigger = a.OppositeTriggerPoints
	}

	evenLater := later.Add(5 * time.Second)
	seedTop(t, m, evenLater, types.YES, 38, 80) // well off any new YES trigger
	seedTop(t, m, evenLater, types.NO, 40, oppositeTrigger)
	m.runCycle(scheduler.Cycle{Number: 3})

	if len(m.active) != 0 {
		t.Fatalf("active = %d, want 0 after pairing", len(m.active))
	}
	if m.market.TotalPairs != 1 {
		t.Errorf("TotalPairs = %d, want 1", m.market.TotalPairs)
	}
}

func TestFinalizeBulkFailsStillActiveAttempts(t *testing.T) {
	m := newTestMonitor(t)

	now := time.Now()
	seedTop(t, m, now, types.YES, 44, 46)
	seedTop(t, m, now, types.NO, 52, 55)
	m.runCycle(scheduler.Cycle{Number: 1})

	later := now.Add(5 * time.Second)
	seedTop(t, m, later, types.YES, 38, 39)
	seedTop(t, m, later, types.NO, 53, 55)
	m.runCycle(scheduler.Cycle{Number: 2})

	if len(m.active) != 1 {
		t.Fatalf("setup: active = %d, want 1", len(m.active))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.writer.Run(ctx)

	m.finalize(context.Background())

	if len(m.active) != 0 {
		t.Errorf("active = %d, want 0 after finalize", len(m.active))
	}
}

func TestRunCycleCountsDroppedSlots(t *testing.T) {
	m := newTestMonitor(t)

	now := time.Now()
	seedTop(t, m, now, types.YES, 44, 46)
	seedTop(t, m, now, types.NO, 52, 55)

	m.runCycle(scheduler.Cycle{Number: 4, Skipped: 3})

	if m.market.AnomalyCount != 3 {
		t.Errorf("AnomalyCount = %d, want 3 after three dropped slots", m.market.AnomalyCount)
	}
}

// TestAwaitPredecessorGatesStarting checks the one-ACTIVE-per-asset
// discipline: a successor monitor holds in STARTING until its predecessor's
// Settled channel closes.
func TestAwaitPredecessorGatesStarting(t *testing.T) {
	pred := make(chan struct{})
	m := newTestMonitorWithConfig(t, func(cfg *Config) {
		cfg.PredecessorSettled = pred
	})

	released := make(chan struct{})
	go func() {
		m.awaitPredecessor(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("awaitPredecessor returned before the predecessor settled")
	case <-time.After(50 * time.Millisecond):
	}

	close(pred)
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("awaitPredecessor did not release after the predecessor settled")
	}
}

func TestAwaitPredecessorReleasedByDrain(t *testing.T) {
	m := newTestMonitorWithConfig(t, func(cfg *Config) {
		cfg.PredecessorSettled = make(chan struct{}) // never closes
	})

	released := make(chan struct{})
	go func() {
		m.awaitPredecessor(context.Background())
		close(released)
	}()

	m.MarkInactive()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("awaitPredecessor did not release on drain")
	}
}

func TestAwaitPredecessorNoGateWithoutPredecessor(t *testing.T) {
	m := newTestMonitor(t)
	done := make(chan struct{})
	go func() {
		m.awaitPredecessor(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitPredecessor blocked with no predecessor configured")
	}
}

func TestSettledChannelClosesOnSettledState(t *testing.T) {
	m := newTestMonitor(t)

	select {
	case <-m.Settled():
		t.Fatal("Settled() closed before reaching SETTLED")
	default:
	}

	m.setState(StateSettled)
	select {
	case <-m.Settled():
	default:
		t.Fatal("Settled() not closed after SETTLED transition")
	}
}

func TestInitScheduleStampsMarket(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now()

	m.initSchedule(now)

	if m.sched == nil {
		t.Fatal("initSchedule did not build a scheduler")
	}
	if m.market.CycleIntervalSeconds != m.params.CycleIntervalSeconds {
		t.Errorf("CycleIntervalSeconds = %d, want %d", m.market.CycleIntervalSeconds, m.params.CycleIntervalSeconds)
	}
	if m.market.TimeRemainingAtStart <= 0 {
		t.Errorf("TimeRemainingAtStart = %v, want > 0", m.market.TimeRemainingAtStart)
	}
}

// --- helpers ---

func seedTop(t *testing.T, m *Monitor, at time.Time, side types.Side, bid, ask int) {
	t.Helper()
	token := m.market.YesTokenID
	if side == types.NO {
		token = m.market.NoTokenID
	}
	evt := types.WSPriceChangeEvent{
		AssetID: token,
		Market:  m.market.MarketID,
		BestBid: priceString(bid),
		BestAsk: priceString(ask),
	}
	if err := m.mirror.ApplyPriceChange(evt, at); err != nil {
		t.Fatalf("ApplyPriceChange: %v", err)
	}
}

// priceString renders points (1 point = $0.01) as the decimal string the
// wire format uses.
func priceString(points int) string {
	return fmt.Sprintf("%d.%02d", points/100, points%100)
}
