// Package engine is the central orchestrator of the measurement engine.
//
// It wires together all subsystems:
//
//  1. Discovery finds each configured asset's active 15-minute settlement
//     window and, once within the pre-discovery lead time, its successor.
//  2. Engine starts one monitor goroutine per discovered market and drains
//     it once discovery stops naming that market as current for its asset.
//  3. A single writer goroutine and a single quality manager goroutine serve
//     every monitor.
//
// Lifecycle: New() -> Run(ctx) -> [runs until ctx is cancelled] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"polymarket-mm/internal/catalog"
	"polymarket-mm/internal/config"
	"polymarket-mm/internal/discovery"
	"polymarket-mm/internal/metrics"
	"polymarket-mm/internal/monitor"
	"polymarket-mm/internal/priceutil"
	"polymarket-mm/internal/quality"
	"polymarket-mm/internal/writer"
	"polymarket-mm/pkg/types"
)

// slot represents one market's running monitor.
type slot struct {
	asset   string
	monitor *monitor.Monitor
	cancel  context.CancelFunc
}

// Engine owns discovery, the shared writer and quality manager, and the
// lifecycle of every per-market monitor goroutine: a map of running units
// guarded by a mutex, a reconcile-desired-against-running loop, and a
// context-cancellation tree for shutdown.
type Engine struct {
	cfg       *config.Config
	params    *types.ParameterSet
	discovery *discovery.Loop
	writer    *writer.Writer
	quality   *quality.Manager
	ids       *monitor.IDGenerator
	logger    *slog.Logger

	slotsMu sync.Mutex
	slots   map[string]*slot // keyed by catalog condition id

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all engine components from cfg. The writer is open and the
// parameter set's row is queued on it once New returns; the row is written
// after Run starts the writer, along with discovery and per-market monitors.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	w, err := writer.Open(cfg.Store.DSN, cfg.Store.BufferCap, logger)
	if err != nil {
		return nil, err
	}

	params := cfg.Parameter.ToParameterSet()
	params.CreatedAt = time.Now()
	w.Submit(writer.Command{Kind: writer.InsertParameterSet, ParameterSet: params})

	q := quality.NewManager(cfg.Quality.MaxAnomaliesPerMarket, logger)

	catalogClient := catalog.New(cfg.Catalog.BaseURL, cfg.Catalog.RequestTimeout)
	loop := discovery.New(catalogClient, cfg.Discovery.Assets, cfg.Discovery.SlugPattern, cfg.Discovery.PollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		params:    params,
		discovery: loop,
		writer:    w,
		quality:   q,
		ids:       monitor.NewIDGenerator(0),
		logger:    logger.With("component", "engine"),
		slots:     make(map[string]*slot),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Run starts all background goroutines and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		e.cancel()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writer.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.quality.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.discovery.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sampleMetrics(e.ctx)
	}()

	e.manageMarkets()
}

// Stop cancels every running monitor and waits for them, and every
// background goroutine, to finish before closing the writer.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	e.slotsMu.Lock()
	for _, s := range e.slots {
		s.cancel()
	}
	e.slotsMu.Unlock()

	e.wg.Wait()

	if err := e.writer.Close(); err != nil {
		e.logger.Error("writer close error", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// sampleMetrics periodically publishes gauges that reflect current state
// rather than a discrete event (active market count, writer queue depth).
func (e *Engine) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.slotsMu.Lock()
			n := len(e.slots)
			e.slotsMu.Unlock()
			metrics.SetMarketsActive(n)
			metrics.SetWriterQueueDepth(e.writer.QueueDepth())
		}
	}
}

// manageMarkets is the main engine loop: it reconciles running monitors
// against the latest discovery result until ctx is cancelled.
func (e *Engine) manageMarkets() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case result := <-e.discovery.Results():
			e.reconcile(result)
		}
	}
}

// reconcile starts monitors for newly in-scope windows (the active window
// per asset, plus its successor once within the pre-discovery lead time)
// and marks out-of-scope monitors inactive so they drain. At most one
// ACTIVE-eligible window and one STARTING successor window is ever in
// scope per asset, because Selection carries at most one Active and one
// Next.
func (e *Engine) reconcile(result discovery.Result) {
	lead := time.Duration(e.cfg.Discovery.PreDiscoveryLeadSeconds) * time.Second
	desired := desiredWindows(result, lead)

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for marketID, s := range e.slots {
		if _, ok := desired[marketID]; !ok {
			s.monitor.MarkInactive()
		}
	}

	// Start earlier-settling windows first, so an asset's successor finds
	// its predecessor already running and gates its ACTIVE transition on it.
	for _, marketID := range startOrder(desired) {
		if _, ok := e.slots[marketID]; ok {
			continue
		}
		d := desired[marketID]
		e.startMarketLocked(marketID, d.asset, d.window)
	}
}

// startOrder returns the desired market ids ordered by settlement time.
func startOrder(desired map[string]desiredWindow) []string {
	ids := make([]string, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return desired[ids[i]].window.SettlementTime.Before(desired[ids[j]].window.SettlementTime)
	})
	return ids
}

// desiredWindow is one market this process should currently be running a
// monitor for.
type desiredWindow struct {
	window discovery.Window
	asset  string
}

// desiredWindows computes the set of windows that should be running, keyed
// by condition id: every asset's active window, plus its successor once
// within lead of settlement. Pure function of one discovery result, kept
// separate from reconcile so the selection logic is testable without a
// running Engine.
func desiredWindows(result discovery.Result, lead time.Duration) map[string]desiredWindow {
	desired := make(map[string]desiredWindow)
	for asset, sel := range result.Selections {
		if sel.Active != nil {
			desired[sel.Active.Market.ConditionID] = desiredWindow{*sel.Active, asset}
		}
		if sel.Next != nil && sel.Active != nil && time.Until(sel.Active.SettlementTime) <= lead {
			desired[sel.Next.Market.ConditionID] = desiredWindow{*sel.Next, asset}
		}
	}
	return desired
}

func (e *Engine) startMarketLocked(marketID, asset string, w discovery.Window) {
	yesToken, noToken, ok := yesNoTokens(w.Market)
	if !ok {
		e.logger.Warn("skipping window with missing token ids", "slug", w.Market.MarketSlug)
		return
	}

	tick, err := priceutil.ParsePoints(w.Market.MinimumTickSize)
	if err != nil || tick <= 0 {
		e.logger.Warn("skipping window with unparseable tick size", "slug", w.Market.MarketSlug, "error", err)
		return
	}

	mkt := &types.Market{
		MarketID:       fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(asset), w.SettlementTime.Unix()),
		CryptoAsset:    asset,
		ConditionID:    w.Market.ConditionID,
		YesTokenID:     yesToken,
		NoTokenID:      noToken,
		TickSizePoints: tick,
		StartTime:      time.Now(),
		SettlementTime: w.SettlementTime,
		ParameterSetID: e.params.ID,
	}

	// A still-running monitor for the same asset makes this window its
	// pre-discovered successor: the new monitor boots but holds in STARTING
	// until the predecessor settles, so the asset never has two monitors
	// running cycles at once.
	var predecessorSettled <-chan struct{}
	for _, s := range e.slots {
		if s.asset == asset && s.monitor.State() != monitor.StateSettled {
			predecessorSettled = s.monitor.Settled()
			break
		}
	}

	mcfg := monitor.Config{
		Market:             mkt,
		Params:             e.params,
		WSURL:              e.cfg.Stream.WSURL,
		PollBaseURL:        e.cfg.Catalog.BaseURL,
		PollRequestTimeout: e.cfg.Catalog.PollRequestTimeout,
		SnapshotsEnabled:   e.cfg.Store.SnapshotsEnabled,
		LifecycleEnabled:   e.cfg.Store.LifecycleEnabled,
		PredecessorSettled: predecessorSettled,
	}

	m := monitor.New(mcfg, e.writer, e.quality, e.ids, e.logger)

	ctx, cancel := context.WithCancel(e.ctx)
	e.slots[marketID] = &slot{asset: asset, monitor: m, cancel: cancel}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		m.Run(ctx)
		e.slotsMu.Lock()
		delete(e.slots, marketID)
		e.slotsMu.Unlock()
		cancel()
	}()

	e.logger.Info("market started", "market_id", marketID, "asset", asset, "settlement_time", w.SettlementTime)
}

// yesNoTokens picks the YES/NO token ids by position, not by outcome label:
// the catalog orders the pair with the YES-equivalent first, and real
// records label these outcomes "Up"/"Down" rather than "Yes"/"No".
func yesNoTokens(m types.CatalogMarket) (yes, no string, ok bool) {
	if len(m.Tokens) != 2 {
		return "", "", false
	}
	yes, no = m.Tokens[0].TokenID, m.Tokens[1].TokenID
	return yes, no, yes != "" && no != ""
}
