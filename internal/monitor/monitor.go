// Package monitor implements the per-market monitor state machine: one
// goroutine per market, combining a stream reader, a cycle scheduler, and
// the trigger evaluator, driven through the explicit lifecycle
// STARTING -> ACTIVE -> DRAINING -> SETTLED.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-mm/internal/book"
	"polymarket-mm/internal/catalog"
	"polymarket-mm/internal/evaluator"
	"polymarket-mm/internal/metrics"
	"polymarket-mm/internal/quality"
	"polymarket-mm/internal/scheduler"
	"polymarket-mm/internal/stream"
	"polymarket-mm/internal/writer"
	"polymarket-mm/pkg/types"
)

// State is one stage of the monitor's lifecycle.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateSettled:
		return "SETTLED"
	default:
		return "UNKNOWN"
	}
}

// TBoot bounds the wait for the first book on each side before falling back
// to polling.
const TBoot = 5 * time.Second

// IDGenerator hands out process-wide monotonically increasing attempt ids.
// A single generator shared by every monitor keeps each market's chain
// increasing and ids globally unique, since attempt_id is the table's
// primary key.
type IDGenerator struct {
	counter atomic.Int64
}

// NewIDGenerator creates a generator starting after start (use 0 for a fresh
// store, or the store's current max attempt_id when resuming).
func NewIDGenerator(start int64) *IDGenerator {
	g := &IDGenerator{}
	g.counter.Store(start)
	return g
}

// Next returns the next attempt id.
func (g *IDGenerator) Next() int64 { return g.counter.Add(1) }

// Config bundles everything one monitor needs to run one market to
// settlement.
type Config struct {
	Market             *types.Market
	Params             *types.ParameterSet
	WSURL              string
	PollBaseURL        string
	PollRequestTimeout time.Duration
	SnapshotsEnabled   bool
	LifecycleEnabled   bool

	// PredecessorSettled, if non-nil, holds the monitor in STARTING until
	// the same asset's predecessor monitor has settled. At most one monitor
	// per asset may run cycles at a time; a pre-discovered successor boots
	// its stream and mirror but does not go ACTIVE while its predecessor is
	// still running.
	PredecessorSettled <-chan struct{}
}

// Monitor runs one market through STARTING -> ACTIVE -> DRAINING -> SETTLED.
type Monitor struct {
	cfg     Config
	market  *types.Market // owned exclusively by this monitor's goroutine
	params  *types.ParameterSet
	mirror  *book.Mirror
	feed    *stream.Feed
	poll    *catalog.PollingClient
	sched   *scheduler.Scheduler
	writer  *writer.Writer
	quality *quality.Manager
	ids     *IDGenerator
	logger  *slog.Logger

	stateMu sync.RWMutex
	state   State

	active map[int64]*types.Attempt

	// priorYes/priorNo hold the book as of the previous evaluated cycle, the
	// basis the next cycle's reference price is computed from. Seeded to the
	// first cycle's own top (see runCycle).
	priorSeeded bool
	priorYes    book.Top
	priorNo     book.Top

	drainOnce sync.Once
	drainCh   chan struct{}

	settledOnce sync.Once
	settledCh   chan struct{}

	wg sync.WaitGroup
}

// New creates a monitor for one market. The monitor does not start running
// until Run is called; the cycle schedule is laid out at the ACTIVE
// transition, so a successor held in STARTING does not burn slots while it
// waits.
func New(cfg Config, w *writer.Writer, q *quality.Manager, ids *IDGenerator, logger *slog.Logger) *Monitor {
	mirror := book.NewMirror(cfg.Market.MarketID, cfg.Market.YesTokenID, cfg.Market.NoTokenID, cfg.Market.TickSizePoints)

	return &Monitor{
		cfg:       cfg,
		market:    cfg.Market,
		params:    cfg.Params,
		mirror:    mirror,
		feed:      stream.New(cfg.WSURL, cfg.Market.MarketID, []string{cfg.Market.YesTokenID, cfg.Market.NoTokenID}, logger),
		poll:      catalog.NewPollingClient(cfg.PollBaseURL, cfg.PollRequestTimeout),
		writer:    w,
		quality:   q,
		ids:       ids,
		logger:    logger.With("component", "monitor", "market_id", cfg.Market.MarketID),
		state:     StateStarting,
		active:    make(map[int64]*types.Attempt),
		drainCh:   make(chan struct{}),
		settledCh: make(chan struct{}),
	}
}

// MarketID returns the market this monitor owns.
func (m *Monitor) MarketID() string { return m.market.MarketID }

// State returns the monitor's current lifecycle state.
func (m *Monitor) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
	if s == StateSettled {
		m.settledOnce.Do(func() { close(m.settledCh) })
	}
	m.logger.Info("monitor state transition", "state", s.String())
}

// Settled returns a channel closed once the monitor reaches SETTLED. A
// pre-discovered successor for the same asset gates its own ACTIVE
// transition on it.
func (m *Monitor) Settled() <-chan struct{} { return m.settledCh }

// MarkInactive signals the monitor to drain: discovery no longer considers
// this market's window the active one for its asset. Safe to call more than
// once and from any goroutine.
func (m *Monitor) MarkInactive() {
	m.drainOnce.Do(func() { close(m.drainCh) })
}

// Run drives the monitor through its full lifecycle. It returns once the
// market has settled or ctx is cancelled mid-flight (in which case the
// settlement finalizer is skipped — the process is shutting down and the
// writer will have already drained whatever was submitted).
func (m *Monitor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.feed.Run(runCtx); err != nil && runCtx.Err() == nil {
			m.logger.Error("stream feed error", "error", err)
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pumpEvents(runCtx)
	}()

	m.runStarting(runCtx)
	if ctx.Err() != nil {
		cancel()
		m.wg.Wait()
		return
	}

	m.awaitPredecessor(runCtx)
	if ctx.Err() != nil {
		cancel()
		m.wg.Wait()
		return
	}

	m.initSchedule(time.Now())
	m.setState(StateActive)
	m.runActive(runCtx, ctx)

	m.setState(StateDraining)
	// Any in-flight evaluator call has already returned by the time
	// runActive's loop exits; no new cycles are requested from here on.

	m.setState(StateSettled)
	if ctx.Err() == nil {
		m.finalize(context.Background())
	}

	cancel()
	if err := m.feed.Close(); err != nil {
		m.logger.Debug("closing feed", "error", err)
	}
	m.wg.Wait()
}

// pumpEvents applies every stream event to the book mirror for the whole
// monitor lifetime. It runs independently of STARTING/ACTIVE/DRAINING so the
// mirror stays current even while a fallback poll or a settlement write is
// in flight. When the feed reports a reconnect storm, a polling loop keeps
// the mirror current until the stream recovers.
func (m *Monitor) pumpEvents(ctx context.Context) {
	now := func() time.Time { return time.Now() }
	var pollCancel context.CancelFunc
	defer func() {
		if pollCancel != nil {
			pollCancel()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			if pollCancel != nil {
				pollCancel()
			}
			return
		case healthy := <-m.feed.Health():
			if !healthy && pollCancel == nil {
				var pollCtx context.Context
				pollCtx, pollCancel = context.WithCancel(ctx)
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					m.pollLoop(pollCtx)
				}()
			} else if healthy && pollCancel != nil {
				pollCancel()
				pollCancel = nil
			}
		case evt := <-m.feed.BookEvents():
			if err := m.mirror.ApplyBookEvent(evt, now()); err != nil {
				m.logger.Warn("malformed book event, dropping", "error", err)
			}
		case evt := <-m.feed.PriceChangeEvents():
			if err := m.mirror.ApplyPriceChange(evt, now()); err != nil {
				m.logger.Warn("malformed price_change event", "error", err)
			}
		case evt := <-m.feed.LastTradePriceEvents():
			if err := m.mirror.ApplyLastTradePrice(evt, now()); err != nil {
				m.logger.Warn("malformed last_trade_price event", "error", err)
			}
		case evt := <-m.feed.TickSizeChangeEvents():
			tick, err := parseTickSizeChange(evt.NewTick)
			if err != nil {
				m.logger.Warn("malformed tick_size_change event", "error", err)
				continue
			}
			m.mirror.ApplyTickSizeChange(tick)
		}
	}
}

// initSchedule lays out the cycle schedule from now to settlement and
// stamps the market's runway and interval. Called once, at the ACTIVE
// transition, so cycle 1's planned instant is when cycles can actually
// begin rather than when the monitor was spawned.
func (m *Monitor) initSchedule(now time.Time) {
	switch m.params.SamplingMode {
	case types.SamplingFixedCount:
		m.sched = scheduler.NewFixedCount(now, m.market.SettlementTime, m.params.CyclesPerMarket)
	default:
		interval := time.Duration(m.params.CycleIntervalSeconds) * time.Second
		m.sched = scheduler.NewFixedInterval(now, m.market.SettlementTime, interval)
	}
	m.market.TimeRemainingAtStart = m.market.SettlementTime.Sub(now)
	m.market.CycleIntervalSeconds = int(m.sched.Interval() / time.Second)
}

// awaitPredecessor holds the monitor in STARTING until the predecessor
// monitor for the same asset has settled. The stream and mirror are already
// live by this point, so the first ACTIVE cycle sees a warm book. A drain
// signal or cancellation releases the wait; in both cases the ACTIVE phase
// that follows is a no-op.
func (m *Monitor) awaitPredecessor(ctx context.Context) {
	if m.cfg.PredecessorSettled == nil {
		return
	}
	m.logger.Debug("waiting for predecessor to settle")
	select {
	case <-m.cfg.PredecessorSettled:
	case <-m.drainCh:
	case <-ctx.Done():
	}
}

// pollLoop keeps the mirror current from the REST book endpoints while the
// stream is in a reconnect storm. It stops as soon as the feed reports
// recovery (pumpEvents cancels its context).
func (m *Monitor) pollLoop(ctx context.Context) {
	interval := time.Duration(m.params.FeedGapThresholdSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	m.logger.Warn("stream degraded, polling order books until it recovers", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			books := m.poll.BatchBook(ctx, []string{m.market.YesTokenID, m.market.NoTokenID})
			now := time.Now()
			for _, resp := range books {
				if err := m.mirror.ApplyBookResponse(resp, now); err != nil {
					m.logger.Warn("polled book malformed", "error", err)
				}
			}
		}
	}
}

// runStarting waits for a first book on each side, or falls back to a
// one-shot poll after TBoot.
func (m *Monitor) runStarting(ctx context.Context) {
	deadline := time.Now().Add(TBoot)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.bothSidesSeeded() {
			m.logger.Debug("initial book observed from stream")
			return
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	m.logger.Warn("T_boot exceeded, falling back to polling for initial book")
	books := m.poll.BatchBook(ctx, []string{m.market.YesTokenID, m.market.NoTokenID})
	now := time.Now()
	if resp, ok := books[m.market.YesTokenID]; ok {
		if err := m.mirror.ApplyBookResponse(resp, now); err != nil {
			m.logger.Error("polling fallback book malformed", "side", "YES", "error", err)
		}
	} else {
		m.logger.Error("polling fallback produced no YES book")
	}
	if resp, ok := books[m.market.NoTokenID]; ok {
		if err := m.mirror.ApplyBookResponse(resp, now); err != nil {
			m.logger.Error("polling fallback book malformed", "side", "NO", "error", err)
		}
	} else {
		m.logger.Error("polling fallback produced no NO book")
	}
}

func (m *Monitor) bothSidesSeeded() bool {
	yes := m.mirror.YesTop(time.Now(), time.Hour)
	no := m.mirror.NoTop(time.Now(), time.Hour)
	return yes.HasBid && yes.HasAsk && no.HasBid && no.HasAsk
}

// runActive drives the scheduled cycle loop until the scheduler's window is
// exhausted, the monitor is marked inactive, or ctx is cancelled.
func (m *Monitor) runActive(runCtx context.Context, parentCtx context.Context) {
	for {
		select {
		case <-m.drainCh:
			return
		case <-runCtx.Done():
			return
		default:
		}

		cycle, ok, err := m.sched.Next(runCtx)
		if err != nil || !ok {
			return
		}

		select {
		case <-m.drainCh:
			return
		default:
		}

		m.runCycle(cycle)
	}
}

func (m *Monitor) runCycle(cycle scheduler.Cycle) {
	now := time.Now()

	if cycle.Skipped > 0 {
		m.market.AnomalyCount += cycle.Skipped
		m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.MissedCycle})
		m.logger.Warn("scheduler overload dropped cycles", "skipped", cycle.Skipped, "cycle", cycle.Number)
	}
	feedGap := time.Duration(m.params.FeedGapThresholdSeconds) * time.Second

	yesTop := m.mirror.YesTop(now, feedGap)
	noTop := m.mirror.NoTop(now, feedGap)

	priorYes, priorNo := yesTop, noTop
	if m.priorSeeded {
		priorYes, priorNo = m.priorYes, m.priorNo
	}

	in := evaluator.Inputs{
		MarketID:       m.market.MarketID,
		Params:         m.params,
		TickSizePoints: m.mirror.TickSize(),
		YesTop:         yesTop,
		NoTop:          noTop,
		PriorYesTop:    priorYes,
		PriorNoTop:     priorNo,
		Active:         m.activeSlice(),
		CycleNumber:    cycle.Number,
		CycleTime:      now,
		SettlementTime: m.market.SettlementTime,
	}

	result := evaluator.Evaluate(in, m.logger)
	m.market.TotalCyclesRun++
	metrics.IncCyclesRun(m.market.CryptoAsset)

	// Only a cycle that actually evaluated advances the reference anchor;
	// a skipped cycle's book isn't trustworthy enough to become next
	// cycle's reference basis.
	if !result.Skipped {
		m.priorYes, m.priorNo = yesTop, noTop
		m.priorSeeded = true
	}

	if result.Skipped {
		switch result.SkipReason {
		case evaluator.SkipFeedGap:
			m.market.AnomalyCount++
			m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.FeedGap})
			m.persistRunningUpdates()
		case evaluator.SkipOrderbookEmpty:
			m.market.AnomalyCount++
			m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.OrderbookEmpty})
		}
		return
	}

	if result.ReferenceSumAnomaly {
		m.market.AnomalyCount++
		m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.ReferenceSumAnomaly})
	}

	for _, a := range result.NewAttempts {
		a.AttemptID = m.ids.Next()
		m.active[a.AttemptID] = a
		m.market.TotalAttempts++
		metrics.IncAttempt(m.market.CryptoAsset, string(a.FirstLegSide))
		m.reportAttemptAnomalies(a)
		m.writer.Submit(writer.Command{Kind: writer.InsertAttempt, Attempt: a})
		if m.cfg.LifecycleEnabled {
			m.writer.Submit(writer.Command{Kind: writer.InsertLifecycle, Lifecycle: &types.AttemptLifecycle{
				LifecycleID: newLifecycleID(), AttemptID: a.AttemptID, CycleNumber: cycle.Number,
				Timestamp: now, FromStatus: "", ToStatus: types.AttemptActive,
			}})
		}
	}

	terminatedIDs := make(map[int64]bool, len(result.Terminated))
	for _, a := range result.Terminated {
		terminatedIDs[a.AttemptID] = true
		delete(m.active, a.AttemptID)
		if a.Status == types.AttemptCompletedPaired {
			m.market.TotalPairs++
			metrics.IncOutcome(m.market.CryptoAsset, "paired")
		} else {
			m.market.TotalFailed++
			metrics.IncOutcome(m.market.CryptoAsset, "failed")
		}
		m.writer.Submit(writer.Command{Kind: writer.UpdateAttemptTerminal, Attempt: a})
		if m.cfg.LifecycleEnabled {
			m.writer.Submit(writer.Command{Kind: writer.InsertLifecycle, Lifecycle: &types.AttemptLifecycle{
				LifecycleID: newLifecycleID(), AttemptID: a.AttemptID, CycleNumber: cycle.Number,
				Timestamp: now, FromStatus: types.AttemptActive, ToStatus: a.Status, Note: string(a.FailReason),
			}})
		}
	}

	for id, a := range m.active {
		if !terminatedIDs[id] {
			m.writer.Submit(writer.Command{Kind: writer.UpdateAttemptRunning, Attempt: a})
		}
	}

	if len(m.active) > m.market.MaxConcurrentAttempts {
		m.market.MaxConcurrentAttempts = len(m.active)
	}

	m.writer.Submit(writer.Command{Kind: writer.UpsertMarket, Market: m.market})

	if m.cfg.SnapshotsEnabled {
		m.writer.Submit(writer.Command{Kind: writer.InsertSnapshot, Snapshot: &types.Snapshot{
			SnapshotID: newLifecycleID(), MarketID: m.market.MarketID, CycleNumber: cycle.Number, Timestamp: now,
			YesBid: yesTop.BidPoints, YesAsk: yesTop.AskPoints, NoBid: noTop.BidPoints, NoAsk: noTop.AskPoints,
			ReferenceYes: (yesTop.BidPoints + yesTop.AskPoints) / 2, ReferenceNo: (noTop.BidPoints + noTop.AskPoints) / 2,
		}})
	}
}

// persistRunningUpdates flushes had_feed_gap=true to every still-active
// attempt after a feed-gap cycle.
func (m *Monitor) persistRunningUpdates() {
	for _, a := range m.active {
		m.writer.Submit(writer.Command{Kind: writer.UpdateAttemptRunning, Attempt: a})
	}
}

func (m *Monitor) reportAttemptAnomalies(a *types.Attempt) {
	if a.TriggerClampedToMax {
		m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.TriggerClampedToMax})
	}
	if a.TriggerClampedToMin {
		m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.TriggerClampedToMin})
	}
	if a.PairConstraintImpossible {
		m.quality.Report(quality.Report{MarketID: m.market.MarketID, Kind: quality.PairConstraintImposs})
	}
}

func (m *Monitor) activeSlice() []*types.Attempt {
	out := make([]*types.Attempt, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	return out
}
