package writer

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"polymarket-mm/pkg/types"
)

func insertParameterSet(tx *sql.Tx, p *types.ParameterSet) error {
	_, err := tx.Exec(`
		INSERT INTO parameter_sets (
			parameter_set_id, name, s0_points, delta_points, pair_cap_points,
			trigger_rule, reference_price_source, tie_break_rule, sampling_mode,
			cycle_interval_seconds, cycles_per_market, feed_gap_threshold_seconds,
			stop_loss_threshold_points, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parameter_set_id) DO NOTHING`,
		p.ID, p.Name, p.S0Points, p.DeltaPoints, p.PairCapPoints,
		string(p.TriggerRule), string(p.ReferencePriceSource), p.TieBreakRule, string(p.SamplingMode),
		p.CycleIntervalSeconds, p.CyclesPerMarket, p.FeedGapThresholdSeconds,
		nullableIntPtr(p.StopLossThresholdPoints), p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func upsertMarket(tx *sql.Tx, m *types.Market) error {
	_, err := tx.Exec(`
		INSERT INTO markets (
			market_id, crypto_asset, condition_id, yes_token_id, no_token_id,
			tick_size_points, start_time, settlement_time, parameter_set_id,
			cycle_interval_seconds, time_remaining_at_start_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO NOTHING`,
		m.MarketID, m.CryptoAsset, m.ConditionID, m.YesTokenID, m.NoTokenID,
		m.TickSizePoints, m.StartTime.UTC().Format(time.RFC3339Nano),
		m.SettlementTime.UTC().Format(time.RFC3339Nano), m.ParameterSetID,
		m.CycleIntervalSeconds, m.TimeRemainingAtStart.Seconds(),
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		UPDATE markets SET
			total_attempts = ?, total_pairs = ?, total_failed = ?, settlement_failures = ?,
			anomaly_count = ?
		WHERE market_id = ?`,
		m.TotalAttempts, m.TotalPairs, m.TotalFailed, m.SettlementFailures, m.AnomalyCount, m.MarketID,
	)
	return err
}

func insertAttempt(tx *sql.Tx, a *types.Attempt) error {
	res, err := tx.Exec(`
		INSERT INTO attempts (
			attempt_id, market_id, parameter_set_id, t1_timestamp, first_leg_side,
			p1_points, reference_yes_points, reference_no_points, status,
			had_feed_gap, pair_constraint_impossible, reference_sum_anomaly,
			trigger_clamped_to_max, trigger_clamped_to_min,
			yes_spread_entry_points, no_spread_entry_points,
			time_remaining_at_start_seconds, delta_points, s0_points,
			stop_loss_threshold_points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.MarketID, a.ParameterSetID, a.T1Timestamp.UTC().Format(time.RFC3339Nano), string(a.FirstLegSide),
		a.P1Points, a.ReferenceYesPoints, a.ReferenceNoPoints, string(types.AttemptActive),
		boolToInt(a.HadFeedGap), boolToInt(a.PairConstraintImpossible), boolToInt(a.ReferenceSumAnomaly),
		boolToInt(a.TriggerClampedToMax), boolToInt(a.TriggerClampedToMin),
		a.YesSpreadEntryPoints, a.NoSpreadEntryPoints,
		a.TimeRemainingAtStart.Seconds(), a.DeltaPoints, a.S0Points,
		nullableIntPtr(a.StopLossThresholdPoints),
	)
	if err != nil {
		return err
	}
	_, err = res.RowsAffected()
	return err
}

// updateAttemptTerminal applies a terminal transition. The WHERE clause
// guards on the row not already being terminal, so replaying a terminal
// command against an already-terminal attempt is a silent no-op, not an
// error.
func updateAttemptTerminal(tx *sql.Tx, a *types.Attempt) error {
	_, err := tx.Exec(`
		UPDATE attempts SET
			status = ?, t2_timestamp = ?, time_to_pair_seconds = ?,
			time_remaining_at_completion_seconds = ?,
			actual_opposite_price = ?, pair_cost_points = ?, pair_profit_points = ?,
			fail_reason = ?, had_feed_gap = ?,
			closest_approach_points = ?, max_adverse_excursion_points = ?,
			yes_spread_exit_points = ?, no_spread_exit_points = ?
		WHERE attempt_id = ? AND status NOT IN ('completed_paired', 'completed_failed')`,
		string(a.Status), nullableTime(a.T2Timestamp), nullableDuration(time.Duration(a.TimeToPairSeconds*float64(time.Second))),
		nullableDuration(a.TimeRemainingAtCompletion),
		nullableIntPtr(a.ActualOppositePrice), nullableIntPtr(a.PairCostPoints), nullableIntPtr(a.PairProfitPoints),
		nullableFailReason(a.FailReason), boolToInt(a.HadFeedGap),
		a.ClosestApproachPoints, a.MaxAdverseExcursionPoints,
		nullableZeroInt(a.YesSpreadExitPoints), nullableZeroInt(a.NoSpreadExitPoints),
		a.AttemptID,
	)
	return err
}

func updateAttemptRunning(tx *sql.Tx, a *types.Attempt) error {
	_, err := tx.Exec(`
		UPDATE attempts SET
			max_adverse_excursion_points = ?, closest_approach_points = ?, had_feed_gap = ?
		WHERE attempt_id = ? AND status NOT IN ('completed_paired', 'completed_failed')`,
		a.MaxAdverseExcursionPoints, a.ClosestApproachPoints, boolToInt(a.HadFeedGap), a.AttemptID,
	)
	return err
}

func insertSnapshot(tx *sql.Tx, s *types.Snapshot) error {
	_, err := tx.Exec(`
		INSERT INTO snapshots (
			snapshot_id, market_id, cycle_number, timestamp,
			yes_bid, yes_ask, no_bid, no_ask, reference_yes, reference_no
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SnapshotID, s.MarketID, s.CycleNumber, s.Timestamp.UTC().Format(time.RFC3339Nano),
		s.YesBid, s.YesAsk, s.NoBid, s.NoAsk, s.ReferenceYes, s.ReferenceNo,
	)
	return err
}

func insertLifecycle(tx *sql.Tx, l *types.AttemptLifecycle) error {
	_, err := tx.Exec(`
		INSERT INTO attempt_lifecycle (
			lifecycle_id, attempt_id, cycle_number, timestamp, from_status, to_status, note
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.LifecycleID, l.AttemptID, l.CycleNumber, l.Timestamp.UTC().Format(time.RFC3339Nano),
		string(l.FromStatus), string(l.ToStatus), l.Note,
	)
	return err
}

// finalizeMarket settles a market transactionally: bulk-fail every
// still-active attempt with fail_reason=settlement_reached, then write the
// market's final summary. Both happen inside the same sql.Tx that applyOnce
// opened around the whole batch. t2_timestamp, actual_opposite_price,
// pair_cost_points, and pair_profit_points all stay null — a
// settlement-reached failure never simulated an opposite fill.
func finalizeMarket(tx *sql.Tx, m *types.Market, stillActive []*types.Attempt) error {
	now := time.Now()
	for _, a := range stillActive {
		a.Status = types.AttemptCompletedFailed
		a.FailReason = types.FailSettlementReached
		a.TimeRemainingAtCompletion = 0
		if err := updateAttemptTerminal(tx, a); err != nil {
			return fmt.Errorf("finalize: fail still-active attempt %d: %w", a.AttemptID, err)
		}
	}

	// The caller (monitor) already rolled attempts that terminated during the
	// ACTIVE phase into m.TotalFailed/m.TotalPairs; still-active attempts are
	// only accounted for here, at settlement, so
	// total_pairs + total_failed = total_attempts holds once finalization
	// completes. settlement_failures is exactly this batch.
	m.TotalFailed += len(stillActive)
	m.SettlementFailures = len(stillActive)

	times, err := pairedTimeSamples(tx, m.MarketID)
	if err != nil {
		return fmt.Errorf("finalize: read paired time-to-pair samples: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE markets SET
			actual_settlement_time = ?, total_pairs = ?, total_failed = ?, settlement_failures = ?,
			pair_rate = ?, avg_time_to_pair_seconds = ?, median_time_to_pair_seconds = ?,
			max_concurrent_attempts = ?, total_cycles_run = ?, anomaly_count = ?
		WHERE market_id = ?`,
		now.UTC().Format(time.RFC3339Nano), m.TotalPairs, m.TotalFailed, m.SettlementFailures,
		pairRate(m.TotalAttempts, m.TotalPairs), meanSeconds(times), medianSeconds(times),
		m.MaxConcurrentAttempts, m.TotalCyclesRun, m.AnomalyCount,
		m.MarketID,
	)
	return err
}

// pairedTimeSamples reads time_to_pair_seconds for every completed_paired
// attempt of one market, already committed within this same transaction.
// The monitor itself doesn't retain terminated attempts, so the summary's
// mean/median can only be computed from what's already in the store.
func pairedTimeSamples(tx *sql.Tx, marketID string) ([]float64, error) {
	rows, err := tx.Query(
		`SELECT time_to_pair_seconds FROM attempts WHERE market_id = ? AND status = ? AND time_to_pair_seconds IS NOT NULL`,
		marketID, string(types.AttemptCompletedPaired),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []float64
	for rows.Next() {
		var t float64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func pairRate(total, paired int) float64 {
	if total == 0 {
		return 0
	}
	return float64(paired) / float64(total)
}

func meanSeconds(times []float64) float64 {
	if len(times) == 0 {
		return 0
	}
	var sum float64
	for _, t := range times {
		sum += t
	}
	return sum / float64(len(times))
}

func medianSeconds(times []float64) float64 {
	if len(times) == 0 {
		return 0
	}
	sorted := append([]float64(nil), times...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFailReason(r types.FailReason) interface{} {
	if r == "" {
		return nil
	}
	return string(r)
}

func nullableZeroInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
