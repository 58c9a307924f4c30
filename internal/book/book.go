// Package book maintains the local order-book mirror for one market.
// Mirror owns the YES and NO top-of-book state, fed by streaming events
// (and, when falling back, by polling responses).
package book

import (
	"sync"
	"time"

	"polymarket-mm/internal/priceutil"
	"polymarket-mm/pkg/types"
)

// Top is an immutable snapshot of one token's top-of-book.
type Top struct {
	BidPoints       int
	AskPoints       int
	HasBid          bool
	HasAsk          bool
	BestBidSize     string
	BestAskSize     string
	LastTradePoints int
	HasLastTrade    bool
	LastEventTime   time.Time
	Stale           bool // bid > ask observed; propagated as empty-side
	Fresh           bool // now - LastEventTime <= feed_gap_threshold_seconds
}

// side holds the mutable top-of-book state for one token.
type side struct {
	bidPoints       int
	askPoints       int
	hasBid          bool
	hasAsk          bool
	bestBidSize     string
	bestAskSize     string
	lastTradePoints int
	hasLastTrade    bool
	lastEventTime   time.Time
	stale           bool
}

// Mirror tracks both sides of one market's order book. Concurrency-safe.
type Mirror struct {
	mu       sync.RWMutex
	marketID string
	yesToken string
	noToken  string
	tickSize int
	yes      side
	no       side
}

// NewMirror creates an order-book mirror for one market.
func NewMirror(marketID, yesToken, noToken string, tickSizePoints int) *Mirror {
	return &Mirror{
		marketID: marketID,
		yesToken: yesToken,
		noToken:  noToken,
		tickSize: tickSizePoints,
	}
}

func (m *Mirror) sideFor(assetID string) (*side, bool) {
	switch assetID {
	case m.yesToken:
		return &m.yes, true
	case m.noToken:
		return &m.no, true
	default:
		return nil, false
	}
}

// ApplyBookEvent replaces one token's top-of-book with a full snapshot.
func (m *Mirror) ApplyBookEvent(evt types.WSBookEvent, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sideFor(evt.AssetID)
	if !ok {
		return nil
	}

	var bid, ask int
	var hasBid, hasAsk bool
	var bidSize, askSize string
	if len(evt.Buys) > 0 {
		p, err := priceutil.ParsePoints(evt.Buys[0].Price)
		if err != nil {
			return err
		}
		bid, hasBid, bidSize = p, true, evt.Buys[0].Size
	}
	if len(evt.Sells) > 0 {
		p, err := priceutil.ParsePoints(evt.Sells[0].Price)
		if err != nil {
			return err
		}
		ask, hasAsk, askSize = p, true, evt.Sells[0].Size
	}

	s.bidPoints, s.hasBid, s.bestBidSize = bid, hasBid, bidSize
	s.askPoints, s.hasAsk, s.bestAskSize = ask, hasAsk, askSize
	s.lastEventTime = receivedAt
	s.stale = hasBid && hasAsk && bid > ask
	return nil
}

// ApplyBookResponse applies a polling-fallback full top-of-book response.
func (m *Mirror) ApplyBookResponse(resp *types.BookResponse, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sideFor(resp.AssetID)
	if !ok {
		return nil
	}

	var bid, ask int
	var hasBid, hasAsk bool
	var bidSize, askSize string
	if len(resp.Bids) > 0 {
		p, err := priceutil.ParsePoints(resp.Bids[0].Price)
		if err != nil {
			return err
		}
		bid, hasBid, bidSize = p, true, resp.Bids[0].Size
	}
	if len(resp.Asks) > 0 {
		p, err := priceutil.ParsePoints(resp.Asks[0].Price)
		if err != nil {
			return err
		}
		ask, hasAsk, askSize = p, true, resp.Asks[0].Size
	}

	s.bidPoints, s.hasBid, s.bestBidSize = bid, hasBid, bidSize
	s.askPoints, s.hasAsk, s.bestAskSize = ask, hasAsk, askSize
	s.lastEventTime = receivedAt
	s.stale = hasBid && hasAsk && bid > ask
	return nil
}

// ApplyPriceChange applies a best-bid/ask delta.
func (m *Mirror) ApplyPriceChange(evt types.WSPriceChangeEvent, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sideFor(evt.AssetID)
	if !ok {
		return nil
	}

	if evt.BestBid != "" {
		p, err := priceutil.ParsePoints(evt.BestBid)
		if err != nil {
			return err
		}
		s.bidPoints, s.hasBid = p, true
	}
	if evt.BestAsk != "" {
		p, err := priceutil.ParsePoints(evt.BestAsk)
		if err != nil {
			return err
		}
		s.askPoints, s.hasAsk = p, true
	}
	s.lastEventTime = receivedAt
	s.stale = s.hasBid && s.hasAsk && s.bidPoints > s.askPoints
	return nil
}

// ApplyLastTradePrice records the most recent trade price for one side.
func (m *Mirror) ApplyLastTradePrice(evt types.WSLastTradePriceEvent, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sideFor(evt.AssetID)
	if !ok {
		return nil
	}
	p, err := priceutil.ParsePoints(evt.Price)
	if err != nil {
		return err
	}
	s.lastTradePoints, s.hasLastTrade = p, true
	s.lastEventTime = receivedAt
	return nil
}

// ApplyTickSizeChange updates the mirror's tick size.
func (m *Mirror) ApplyTickSizeChange(newTickPoints int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickSize = newTickPoints
}

// TickSize returns the current tick size in points.
func (m *Mirror) TickSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tickSize
}

// YesTop returns an immutable snapshot of the YES side, freshness-checked
// against feedGapThreshold.
func (m *Mirror) YesTop(now time.Time, feedGapThreshold time.Duration) Top {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshotOf(m.yes, now, feedGapThreshold)
}

// NoTop returns an immutable snapshot of the NO side, freshness-checked
// against feedGapThreshold.
func (m *Mirror) NoTop(now time.Time, feedGapThreshold time.Duration) Top {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshotOf(m.no, now, feedGapThreshold)
}

func snapshotOf(s side, now time.Time, feedGapThreshold time.Duration) Top {
	fresh := !s.lastEventTime.IsZero() && now.Sub(s.lastEventTime) <= feedGapThreshold
	return Top{
		BidPoints:       s.bidPoints,
		AskPoints:       s.askPoints,
		HasBid:          s.hasBid,
		HasAsk:          s.hasAsk,
		BestBidSize:     s.bestBidSize,
		BestAskSize:     s.bestAskSize,
		LastTradePoints: s.lastTradePoints,
		HasLastTrade:    s.hasLastTrade,
		LastEventTime:   s.lastEventTime,
		Stale:           s.stale,
		Fresh:           fresh,
	}
}

// IsFresh reports whether both sides have received an event within
// feedGapThreshold of now.
func (m *Mirror) IsFresh(now time.Time, feedGapThreshold time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	yesFresh := !m.yes.lastEventTime.IsZero() && now.Sub(m.yes.lastEventTime) <= feedGapThreshold
	noFresh := !m.no.lastEventTime.IsZero() && now.Sub(m.no.lastEventTime) <= feedGapThreshold
	return yesFresh && noFresh
}
