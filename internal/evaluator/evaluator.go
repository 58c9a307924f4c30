// Package evaluator implements the trigger evaluator, the core decision
// function of the measurement engine. Evaluate is a pure function over one
// cycle's book snapshot, the active parameter set, and the set of currently
// active attempts — it returns a decision struct describing new attempts
// and terminations. No I/O, logging only, mutation confined to the Attempt
// values it is handed.
package evaluator

import (
	"log/slog"
	"time"

	"polymarket-mm/internal/book"
	"polymarket-mm/internal/priceutil"
	"polymarket-mm/pkg/types"
)

// SkipReason names why a cycle produced no trigger evaluation.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipOrderbookEmpty SkipReason = "orderbook_empty"
	SkipFeedGap        SkipReason = "feed_gap"
)

// Inputs bundles everything one cycle's evaluation needs.
type Inputs struct {
	MarketID       string
	Params         *types.ParameterSet
	TickSizePoints int
	YesTop         book.Top
	NoTop          book.Top
	// PriorYesTop/PriorNoTop are the book as of the previous cycle's
	// evaluation, the basis the reference price and trigger level are
	// computed from. On a market's first cycle, caller seeds these equal to
	// YesTop/NoTop. A reference derived from the same snapshot as the ask it
	// gates would be self-defeating: the midpoint of a side's own bid/ask
	// never exceeds that side's ask, so ask <= mid-S0 could never hold for a
	// non-crossed book. Anchoring the reference one cycle back is what makes
	// "ask fell below recent fair value by S0" a condition that can actually
	// fire.
	PriorYesTop    book.Top
	PriorNoTop     book.Top
	Active         []*types.Attempt // currently-active attempts for this market only
	CycleNumber    int
	CycleTime      time.Time
	SettlementTime time.Time
}

// Result is the evaluator's decision for one cycle.
type Result struct {
	Skipped             bool
	SkipReason          SkipReason
	ReferenceSumAnomaly bool
	NewAttempts         []*types.Attempt // in tie-break order; AttemptID not yet assigned
	Terminated          []*types.Attempt // subset of Inputs.Active that transitioned this cycle
}

// Evaluate runs one cycle of the trigger evaluator.
func Evaluate(in Inputs, logger *slog.Logger) Result {
	if !in.YesTop.Fresh || !in.NoTop.Fresh {
		for _, a := range in.Active {
			a.HadFeedGap = true
		}
		logger.Warn("feed gap covering cycle instant, skipping evaluation", "cycle", in.CycleNumber)
		return Result{Skipped: true, SkipReason: SkipFeedGap}
	}

	if emptySide(in.YesTop) || emptySide(in.NoTop) {
		logger.Debug("orderbook empty or crossed, skipping evaluation", "cycle", in.CycleNumber)
		return Result{Skipped: true, SkipReason: SkipOrderbookEmpty}
	}

	tick := in.TickSizePoints
	refYes := referencePrice(in.PriorYesTop, in.Params.ReferencePriceSource)
	refNo := referencePrice(in.PriorNoTop, in.Params.ReferencePriceSource)

	anomaly := false
	sum := refYes + refNo - 100
	if sum < 0 {
		sum = -sum
	}
	if sum > 2 {
		anomaly = true
		logger.Warn("reference_sum_anomaly", "ref_yes", refYes, "ref_no", refNo, "cycle", in.CycleNumber)
	}

	yesLevel, yesClampMax, yesClampMin := triggerLevel(refYes, in.Params.S0Points, tick)
	noLevel, noClampMax, noClampMin := triggerLevel(refNo, in.Params.S0Points, tick)

	yesTriggers := in.YesTop.AskPoints <= yesLevel
	noTriggers := in.NoTop.AskPoints <= noLevel

	var candidates []*types.Attempt
	if yesTriggers {
		candidates = append(candidates, buildAttempt(in, types.YES, refYes, refNo, yesLevel, yesClampMax, yesClampMin, anomaly, logger))
	}
	if noTriggers {
		candidates = append(candidates, buildAttempt(in, types.NO, refYes, refNo, noLevel, noClampMax, noClampMin, anomaly, logger))
	}

	if len(candidates) == 2 {
		yesDist := absInt(yesLevel - in.YesTop.AskPoints)
		noDist := absInt(noLevel - in.NoTop.AskPoints)
		// YES wins ties; NO moves first only when it struck strictly harder.
		if noDist < yesDist {
			candidates[0], candidates[1] = candidates[1], candidates[0]
		}
	}

	terminated := advanceActive(in, logger)

	return Result{
		ReferenceSumAnomaly: anomaly,
		NewAttempts:         candidates,
		Terminated:          terminated,
	}
}

func emptySide(t book.Top) bool {
	return !t.HasBid || !t.HasAsk || t.Stale
}

func referencePrice(t book.Top, source types.ReferenceSource) int {
	mid := (t.BidPoints + t.AskPoints) / 2
	if source == types.ReferenceLastTrade && t.HasLastTrade {
		return t.LastTradePoints
	}
	return mid
}

// floorToTickSigned floors a possibly-negative value to the nearest
// multiple of tick at or below it (true mathematical floor, unlike Go's
// truncating integer division).
func floorToTickSigned(points, tick int) int {
	if tick <= 0 {
		return points
	}
	q := points / tick
	if points%tick != 0 && points < 0 {
		q--
	}
	return q * tick
}

// triggerLevel computes clamp(floor_to_tick(ref-S0), tick, 99) and reports
// whether either clamp bound was active.
func triggerLevel(ref, s0, tick int) (level int, clampedMax, clampedMin bool) {
	floored := floorToTickSigned(ref-s0, tick)
	clamped := priceutil.Clamp(floored, tick, 99)
	return clamped, clamped == 99 && floored > 99, clamped == tick && floored < tick
}

func buildAttempt(in Inputs, side types.Side, refYes, refNo, level int, clampMax, clampMin, refAnomaly bool, logger *slog.Logger) *types.Attempt {
	var p1 int
	var oppRef int
	var yesSpread, noSpread int
	if side == types.YES {
		p1 = in.YesTop.AskPoints
		oppRef = refNo
	} else {
		p1 = in.NoTop.AskPoints
		oppRef = refYes
	}
	yesSpread = in.YesTop.AskPoints - in.YesTop.BidPoints
	noSpread = in.NoTop.AskPoints - in.NoTop.BidPoints

	tick := in.TickSizePoints
	oppLevel, oppClampMax, oppClampMin := triggerLevel(oppRef, in.Params.S0Points, tick)

	oppMax := floorToTickSigned(in.Params.PairCapPoints-p1, tick)

	oppTrigger := oppLevel
	if oppMax < oppTrigger {
		oppTrigger = oppMax
	}

	// Once the pair cap leaves no room above the tick floor for the
	// opposite leg, pairing is mathematically unlikely; the attempt is
	// still tracked, annotated.
	pairImpossible := false
	if oppMax <= tick {
		oppTrigger = tick
		pairImpossible = true
	}
	if oppMax > 100 {
		logger.Error("ERROR_IMPOSSIBLE_OPPOSITEMAX", "opposite_max", oppMax, "p1", p1, "pair_cap", in.Params.PairCapPoints)
	}

	var stopLossPrice int
	hasStopLoss := in.Params.StopLossThresholdPoints != nil
	if hasStopLoss {
		stopLossPrice = priceutil.Clamp(p1-*in.Params.StopLossThresholdPoints, 0, 99)
	}

	a := &types.Attempt{
		MarketID:                in.MarketID,
		ParameterSetID:          in.Params.ID,
		T1Timestamp:             in.CycleTime,
		FirstLegSide:            side,
		P1Points:                p1,
		ReferenceYesPoints:      refYes,
		ReferenceNoPoints:       refNo,
		TimeRemainingAtStart:    in.SettlementTime.Sub(in.CycleTime),
		YesSpreadEntryPoints:    yesSpread,
		NoSpreadEntryPoints:     noSpread,
		DeltaPoints:             in.Params.DeltaPoints,
		S0Points:                in.Params.S0Points,
		StopLossThresholdPoints: in.Params.StopLossThresholdPoints,

		OppositeSide:          side.Opposite(),
		OppositeTriggerPoints: oppTrigger,
		OppositeMaxPoints:     oppMax,
		StopLossPricePoints:   stopLossPrice,
		HasStopLoss:           hasStopLoss,

		PairConstraintImpossible: pairImpossible,
		ReferenceSumAnomaly:      refAnomaly,
		TriggerClampedToMax:      clampMax || oppClampMax,
		TriggerClampedToMin:      clampMin || oppClampMin,

		Status: types.AttemptActive,
	}
	logger.Debug("new attempt triggered",
		"side", side, "p1", p1, "trigger_level", level,
		"opposite_trigger", oppTrigger, "pair_constraint_impossible", pairImpossible,
	)
	return a
}

// advanceActive advances every active attempt one cycle and returns the
// subset that terminated (paired or failed) this cycle.
func advanceActive(in Inputs, logger *slog.Logger) []*types.Attempt {
	var terminated []*types.Attempt

	for _, a := range in.Active {
		if a.IsTerminal() {
			continue
		}

		var firstLegTop, oppositeTop book.Top
		if a.FirstLegSide == types.YES {
			firstLegTop, oppositeTop = in.YesTop, in.NoTop
		} else {
			firstLegTop, oppositeTop = in.NoTop, in.YesTop
		}

		if a.HasStopLoss && firstLegTop.HasBid && firstLegTop.BidPoints <= a.StopLossPricePoints {
			completeFailed(a, in.CycleTime, in.SettlementTime, firstLegTop.BidPoints, types.FailStopLoss, in.YesTop, in.NoTop)
			logger.Debug("attempt stopped out", "first_leg_side", a.FirstLegSide, "bid", firstLegTop.BidPoints)
			terminated = append(terminated, a)
			continue
		}

		if oppositeTop.HasAsk && oppositeTop.AskPoints <= a.OppositeTriggerPoints {
			completePaired(a, in.CycleTime, in.SettlementTime, oppositeTop.AskPoints, in.YesTop, in.NoTop)
			logger.Debug("attempt paired", "first_leg_side", a.FirstLegSide, "opposite_ask", oppositeTop.AskPoints)
			terminated = append(terminated, a)
			continue
		}

		if firstLegTop.HasBid {
			a.UpdateMAE(firstLegTop.BidPoints)
		}
		if oppositeTop.HasAsk {
			a.UpdateClosestApproach(oppositeTop.AskPoints)
		}
	}

	return terminated
}

// completeFailed transitions an attempt to completed_failed. t2_timestamp is
// a paired-only field, deliberately left zero here along with
// time_to_pair_seconds, which is only meaningful relative to a t2.
func completeFailed(a *types.Attempt, cycleTime, settlementTime time.Time, actualPrice int, reason types.FailReason, yesTop, noTop book.Top) {
	cost := a.P1Points + actualPrice
	profit := 100 - cost
	a.Status = types.AttemptCompletedFailed
	a.ActualOppositePrice = &actualPrice
	a.PairCostPoints = &cost
	a.PairProfitPoints = &profit
	a.FailReason = reason
	a.YesSpreadExitPoints = yesTop.AskPoints - yesTop.BidPoints
	a.NoSpreadExitPoints = noTop.AskPoints - noTop.BidPoints
	a.TimeRemainingAtCompletion = settlementTime.Sub(cycleTime)
}

func completePaired(a *types.Attempt, cycleTime, settlementTime time.Time, oppositeAsk int, yesTop, noTop book.Top) {
	cost := a.P1Points + oppositeAsk
	profit := 100 - cost
	a.Status = types.AttemptCompletedPaired
	a.T2Timestamp = cycleTime
	a.TimeToPairSeconds = cycleTime.Sub(a.T1Timestamp).Seconds()
	a.ActualOppositePrice = &oppositeAsk
	a.PairCostPoints = &cost
	a.PairProfitPoints = &profit
	a.YesSpreadExitPoints = yesTop.AskPoints - yesTop.BidPoints
	a.NoSpreadExitPoints = noTop.AskPoints - noTop.BidPoints
	a.TimeRemainingAtCompletion = settlementTime.Sub(cycleTime)
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
