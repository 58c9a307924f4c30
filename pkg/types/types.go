// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the measurement engine — market
// metadata, order book wire events, and the ParameterSet/Market/Attempt
// persistence model. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies one of the two complementary outcome tokens of a binary
// market.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == YES {
		return NO
	}
	return YES
}

// TriggerRule selects the rule used to decide when a side "triggers" a new
// attempt. ASK_TOUCH is the only rule defined today; it is a tagged variant
// so new rules can be added without touching evaluator call sites.
type TriggerRule string

const (
	TriggerASKTouch TriggerRule = "ASK_TOUCH"
)

// ReferenceSource selects how the per-cycle reference price is derived.
type ReferenceSource string

const (
	ReferenceMidpoint  ReferenceSource = "MIDPOINT"
	ReferenceLastTrade ReferenceSource = "LAST_TRADE"
)

// SamplingMode selects how cycle cadence is computed for a market.
type SamplingMode string

const (
	SamplingFixedInterval SamplingMode = "FIXED_INTERVAL"
	SamplingFixedCount    SamplingMode = "FIXED_COUNT"
)

// AttemptStatus is the lifecycle status of an Attempt.
type AttemptStatus string

const (
	AttemptActive          AttemptStatus = "active"
	AttemptCompletedPaired AttemptStatus = "completed_paired"
	AttemptCompletedFailed AttemptStatus = "completed_failed"
)

// FailReason explains why an attempt ended in completed_failed.
type FailReason string

const (
	FailSettlementReached FailReason = "settlement_reached"
	FailStopLoss          FailReason = "stop_loss"
)

// ————————————————————————————————————————————————————————————————————————
// ParameterSet
// ————————————————————————————————————————————————————————————————————————

// ParameterSet is an immutable configuration snapshot used by attempts.
// Once created it is never mutated; it is referenced by market and attempt
// rows for denormalization and reproducibility.
type ParameterSet struct {
	ID                      int64
	Name                    string
	S0Points                int
	DeltaPoints             int
	PairCapPoints           int // = 100 - DeltaPoints
	TriggerRule             TriggerRule
	ReferencePriceSource    ReferenceSource
	TieBreakRule            string // "distance_then_yes"
	SamplingMode            SamplingMode
	CycleIntervalSeconds    int // set iff SamplingMode == FIXED_INTERVAL
	CyclesPerMarket         int // set iff SamplingMode == FIXED_COUNT
	FeedGapThresholdSeconds int
	StopLossThresholdPoints *int // nil = disabled
	CreatedAt               time.Time
}

// Validate checks the ParameterSet's field-range and derivation invariants.
func (p *ParameterSet) Validate() error {
	if p.S0Points < 1 || p.S0Points > 49 {
		return errInvalid("s0_points must be in [1,49]")
	}
	if p.DeltaPoints < 1 || p.DeltaPoints > 49 {
		return errInvalid("delta_points must be in [1,49]")
	}
	if p.PairCapPoints != 100-p.DeltaPoints {
		return errInvalid("pair_cap_points + delta_points must equal 100")
	}
	if p.TriggerRule != TriggerASKTouch {
		return errInvalid("unsupported trigger_rule")
	}
	switch p.ReferencePriceSource {
	case ReferenceMidpoint, ReferenceLastTrade:
	default:
		return errInvalid("unsupported reference_price_source")
	}
	switch p.SamplingMode {
	case SamplingFixedInterval:
		if p.CycleIntervalSeconds <= 0 {
			return errInvalid("cycle_interval_seconds must be > 0 for FIXED_INTERVAL")
		}
	case SamplingFixedCount:
		if p.CyclesPerMarket <= 0 {
			return errInvalid("cycles_per_market must be > 0 for FIXED_COUNT")
		}
	default:
		return errInvalid("unsupported sampling_mode")
	}
	if p.FeedGapThresholdSeconds <= 0 {
		return errInvalid("feed_gap_threshold_seconds must be > 0")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }
func errInvalid(msg string) error       { return validationError(msg) }

// ————————————————————————————————————————————————————————————————————————
// Market
// ————————————————————————————————————————————————————————————————————————

// Market is one observed 15-minute settlement window.
type Market struct {
	MarketID             string // stable key, e.g. "btc-updown-15m-<settlement_unix>"
	CryptoAsset          string
	ConditionID          string
	YesTokenID           string
	NoTokenID            string
	TickSizePoints       int
	StartTime            time.Time
	SettlementTime       time.Time
	ActualSettlementTime time.Time
	ParameterSetID       int64

	// Rolling counters, mutated only by this market's monitor.
	TotalAttempts      int
	TotalPairs         int
	TotalFailed        int
	SettlementFailures int

	// Final statistics, set once at finalization.
	PairRate                float64
	AvgTimeToPairSeconds    float64
	MedianTimeToPairSeconds float64
	MaxConcurrentAttempts   int
	TotalCyclesRun          int
	CycleIntervalSeconds    int
	TimeRemainingAtStart    time.Duration
	AnomalyCount            int
}

// ————————————————————————————————————————————————————————————————————————
// Attempt
// ————————————————————————————————————————————————————————————————————————

// Attempt is one measurement life: one first-leg trigger tracked until pair,
// stop-loss, or settlement. Immutable after it reaches a terminal status.
type Attempt struct {
	AttemptID      int64
	MarketID       string
	ParameterSetID int64

	// Entry fields — set at creation, never changed.
	T1Timestamp             time.Time
	FirstLegSide            Side
	P1Points                int
	ReferenceYesPoints      int
	ReferenceNoPoints       int
	TimeRemainingAtStart    time.Duration
	YesSpreadEntryPoints    int
	NoSpreadEntryPoints     int
	DeltaPoints             int
	S0Points                int
	StopLossThresholdPoints *int

	// In-memory-only fields used by the evaluator, never persisted.
	OppositeSide          Side
	OppositeTriggerPoints int
	OppositeMaxPoints     int
	StopLossPricePoints   int
	HasStopLoss           bool

	// Diagnostic annotations.
	PairConstraintImpossible bool
	ReferenceSumAnomaly      bool
	TriggerClampedToMax      bool
	TriggerClampedToMin      bool
	HadFeedGap               bool

	// Running state while active.
	MaxAdverseExcursionPoints int // running MAE on the first leg
	ClosestApproachPoints     int // running min(opposite_ask - opposite_trigger)
	maeInitialized            bool
	closestInitialized        bool

	// Terminal fields — set exactly once, on transition to a terminal status.
	Status                    AttemptStatus
	T2Timestamp               time.Time
	TimeToPairSeconds         float64
	ActualOppositePrice       *int
	PairCostPoints            *int
	PairProfitPoints          *int
	FailReason                FailReason
	YesSpreadExitPoints       int
	NoSpreadExitPoints        int
	TimeRemainingAtCompletion time.Duration
}

// IsTerminal reports whether the attempt has reached a terminal status.
func (a *Attempt) IsTerminal() bool {
	return a.Status == AttemptCompletedPaired || a.Status == AttemptCompletedFailed
}

// UpdateMAE folds a new first-leg mark into the running maximum adverse
// excursion. MAE is measured in points lost relative to P1Points (never
// negative); the first observation seeds the running value.
func (a *Attempt) UpdateMAE(firstLegBidPoints int) {
	adverse := a.P1Points - firstLegBidPoints
	if adverse < 0 {
		adverse = 0
	}
	if !a.maeInitialized || adverse > a.MaxAdverseExcursionPoints {
		a.MaxAdverseExcursionPoints = adverse
		a.maeInitialized = true
	}
}

// UpdateClosestApproach folds a new opposite-ask reading into the running
// minimum of opposite_ask - opposite_trigger.
func (a *Attempt) UpdateClosestApproach(oppositeAskPoints int) {
	dist := oppositeAskPoints - a.OppositeTriggerPoints
	if !a.closestInitialized || dist < a.ClosestApproachPoints {
		a.ClosestApproachPoints = dist
		a.closestInitialized = true
	}
}

// Snapshot is an optional diagnostic record of one cycle's market state,
// captured only when snapshot capture is enabled.
type Snapshot struct {
	SnapshotID   string // google/uuid — no ordering invariant applies
	MarketID     string
	CycleNumber  int
	Timestamp    time.Time
	YesBid       int
	YesAsk       int
	NoBid        int
	NoAsk        int
	ReferenceYes int
	ReferenceNo  int
}

// AttemptLifecycle is an optional diagnostic record of one state transition
// of an attempt, captured only when lifecycle capture is enabled.
type AttemptLifecycle struct {
	LifecycleID string // google/uuid
	AttemptID   int64
	CycleNumber int
	Timestamp   time.Time
	FromStatus  AttemptStatus
	ToStatus    AttemptStatus
	Note        string
}

// ————————————————————————————————————————————————————————————————————————
// Order book wire types
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level as it arrives on the wire. Price
// and Size are decimal strings — they must never be parsed as float64.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST polling-fallback response for one token's full
// top-of-book.
type BookResponse struct {
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
}

// WSBookEvent is a full top-of-book snapshot from the market data stream.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChangeEvent is a best-bid/ask delta from the market data stream.
type WSPriceChangeEvent struct {
	EventType string `json:"event_type"` // "price_change"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

// WSLastTradePriceEvent carries the most recent trade price for a token.
type WSLastTradePriceEvent struct {
	EventType string `json:"event_type"` // "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSTickSizeChangeEvent notifies of a change to a market's minimum tick.
type WSTickSizeChangeEvent struct {
	EventType string `json:"event_type"` // "tick_size_change"
	Market    string `json:"market"`
	OldTick   string `json:"old_tick_size"`
	NewTick   string `json:"new_tick_size"`
	Timestamp string `json:"timestamp"`
}

// WSSubscribeMsg is the initial subscription message sent on connect.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "market"
	AssetIDs []string `json:"assets_ids"`
}

// WSUpdateMsg adds or removes token ids from an open subscription.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// ————————————————————————————————————————————————————————————————————————
// Catalog (discovery) wire types
// ————————————————————————————————————————————————————————————————————————

// CatalogToken is one token of a catalog market record.
type CatalogToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// CatalogMarket is one record returned by the discovery/catalog endpoint.
type CatalogMarket struct {
	ConditionID     string         `json:"condition_id"`
	MarketSlug      string         `json:"market_slug"`
	Tokens          []CatalogToken `json:"tokens"` // ordered pair: [YES, NO]
	MinimumTickSize string         `json:"minimum_tick_size"`
	EndDateISO      string         `json:"end_date_iso"`
	Active          bool           `json:"active"`
	AcceptingOrders bool           `json:"accepting_orders"`
}
