package book

import (
	"testing"
	"time"

	"polymarket-mm/pkg/types"
)

const (
	testYesToken = "yes-token-123"
	testNoToken  = "no-token-456"
	testMarket   = "market-abc"
)

func newTestMirror() *Mirror {
	return NewMirror(testMarket, testYesToken, testNoToken, 1)
}

func TestApplyBookEvent(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	now := time.Now()

	if err := m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "0.44", Size: "100"}},
		Sells:   []types.PriceLevel{{Price: "0.46", Size: "150"}},
	}, now); err != nil {
		t.Fatal(err)
	}

	top := m.YesTop(now, 10*time.Second)
	if !top.HasBid || top.BidPoints != 44 {
		t.Errorf("bid = %+v, want 44", top)
	}
	if !top.HasAsk || top.AskPoints != 46 {
		t.Errorf("ask = %+v, want 46", top)
	}
	if top.Stale {
		t.Errorf("top should not be stale: %+v", top)
	}
}

func TestApplyPriceChange(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	now := time.Now()

	_ = m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testNoToken,
		Buys:    []types.PriceLevel{{Price: "0.52", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.55", Size: "10"}},
	}, now)

	if err := m.ApplyPriceChange(types.WSPriceChangeEvent{
		AssetID: testNoToken,
		BestAsk: "0.47",
	}, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	top := m.NoTop(now.Add(time.Second), 10*time.Second)
	if top.AskPoints != 47 {
		t.Errorf("ask = %d, want 47", top.AskPoints)
	}
	if top.BidPoints != 52 {
		t.Errorf("bid should be untouched by price_change for ask only, got %d", top.BidPoints)
	}
}

func TestStaleOnCrossedBook(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	now := time.Now()

	_ = m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "0.60", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.50", Size: "10"}}, // crossed: bid > ask
	}, now)

	top := m.YesTop(now, 10*time.Second)
	if !top.Stale {
		t.Error("crossed book should be marked stale (empty-side for this cycle)")
	}
}

func TestFeedGapMarksStale(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	t0 := time.Now()

	_ = m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "0.44", Size: "10"}},
		Sells:   []types.PriceLevel{{Price: "0.46", Size: "10"}},
	}, t0)

	// A feed gap covering the cycle instant marks the snapshot unfresh,
	// distinct from the bid>ask staleness signal.
	later := t0.Add(12 * time.Second)
	top := m.YesTop(later, 10*time.Second)
	if top.Fresh {
		t.Error("top should not be fresh once last_event_timestamp exceeds feed_gap_threshold")
	}
	if top.Stale {
		t.Error("Stale should only reflect the crossed-book invariant, not freshness")
	}

	if m.IsFresh(later, 10*time.Second) {
		t.Error("mirror should not report fresh across the feed gap")
	}
}

func TestApplyLastTradePrice(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	now := time.Now()

	if err := m.ApplyLastTradePrice(types.WSLastTradePriceEvent{
		AssetID: testYesToken,
		Price:   "0.48",
	}, now); err != nil {
		t.Fatal(err)
	}

	top := m.YesTop(now, 10*time.Second)
	if !top.HasLastTrade || top.LastTradePoints != 48 {
		t.Errorf("last trade = %+v, want 48", top)
	}
}

func TestApplyTickSizeChange(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	m.ApplyTickSizeChange(5)
	if got := m.TickSize(); got != 5 {
		t.Errorf("TickSize() = %d, want 5", got)
	}
}

func TestMalformedPriceRejected(t *testing.T) {
	t.Parallel()
	m := newTestMirror()
	err := m.ApplyBookEvent(types.WSBookEvent{
		AssetID: testYesToken,
		Buys:    []types.PriceLevel{{Price: "not-a-price", Size: "1"}},
	}, time.Now())
	if err == nil {
		t.Error("expected malformed price error")
	}
}
