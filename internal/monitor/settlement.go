package monitor

import (
	"context"
	"time"

	"polymarket-mm/internal/writer"
)

// finalize runs settlement once, right after the SETTLED transition: every
// still-active attempt is bulk-failed with fail_reason=settlement_reached
// and the market summary is upserted, all inside the single transaction the
// writer opens around the batch containing this command. finalize blocks on
// the command's Done channel — the only point where a monitor waits on the
// writer — so Run does not return before the transaction has committed.
// The state already reads SETTLED (and Settled() is already closed) while
// finalize waits.
func (m *Monitor) finalize(ctx context.Context) {
	stillActive := m.activeSlice()

	// Fill exit spreads from the last-known book before handing attempts to
	// the writer. The mirror may be stale at settlement; a stale-but-present
	// top is still the last known value, so no freshness check gates this.
	now := time.Now()
	yesTop := m.mirror.YesTop(now, time.Hour*24*365)
	noTop := m.mirror.NoTop(now, time.Hour*24*365)
	for _, a := range stillActive {
		if yesTop.HasBid && yesTop.HasAsk {
			a.YesSpreadExitPoints = yesTop.AskPoints - yesTop.BidPoints
		}
		if noTop.HasBid && noTop.HasAsk {
			a.NoSpreadExitPoints = noTop.AskPoints - noTop.BidPoints
		}
	}

	done := make(chan error, 1)
	m.writer.Submit(writer.Command{
		Kind:        writer.FinalizeMarket,
		Market:      m.market,
		StillActive: stillActive,
		Done:        done,
	})

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error("settlement finalize failed", "error", err)
		} else {
			m.logger.Info("market settled",
				"total_attempts", m.market.TotalAttempts,
				"total_pairs", m.market.TotalPairs,
				"total_failed", m.market.TotalFailed,
			)
		}
	case <-ctx.Done():
	}

	for id := range m.active {
		delete(m.active, id)
	}
}
