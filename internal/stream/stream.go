// Package stream maintains the WebSocket market-data feed for one active
// market. It subscribes to the YES and NO asset IDs, decodes the four event
// kinds the measurement engine consumes — book, price_change,
// last_trade_price, tick_size_change — and republishes them on typed
// channels for the book mirror to apply.
//
// The feed auto-reconnects with exponential backoff (1s doubling up to 60s)
// and re-subscribes to its full current asset set on every reconnection,
// the same discipline the trading feed used, minus the authenticated user
// channel this engine has no use for. A run of consecutive failed
// connections is reported on the Health channel so the owning monitor can
// fall back to polling while the feed keeps redialing in the background.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-mm/internal/metrics"
	"polymarket-mm/pkg/types"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 2 * pingInterval // reconnect if no inbound message for twice the heartbeat
	maxReconnectWait = 60 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256

	// reconnectStormThreshold is the number of consecutive failed
	// connection attempts after which the feed reports itself degraded.
	reconnectStormThreshold = 5
)

// Feed manages a single market-channel WebSocket connection for one market's
// YES and NO token IDs.
type Feed struct {
	url      string
	marketID string

	connMu sync.Mutex
	conn   *websocket.Conn

	assetMu  sync.Mutex
	assetIDs []string

	bookCh     chan types.WSBookEvent
	priceCh    chan types.WSPriceChangeEvent
	tradeCh    chan types.WSLastTradePriceEvent
	tickSizeCh chan types.WSTickSizeChangeEvent

	healthCh chan bool
	degraded bool // touched only by the Run goroutine

	logger *slog.Logger
}

// New creates a market-data feed for one market's two token IDs.
func New(wsURL, marketID string, assetIDs []string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		marketID:   marketID,
		assetIDs:   append([]string(nil), assetIDs...),
		bookCh:     make(chan types.WSBookEvent, eventBufferSize),
		priceCh:    make(chan types.WSPriceChangeEvent, eventBufferSize),
		tradeCh:    make(chan types.WSLastTradePriceEvent, eventBufferSize),
		tickSizeCh: make(chan types.WSTickSizeChangeEvent, eventBufferSize),
		healthCh:   make(chan bool, 1),
		logger:     logger.With("component", "stream", "market_id", marketID),
	}
}

// BookEvents returns a read-only channel of full book snapshot events.
func (f *Feed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns a read-only channel of best bid/ask deltas.
func (f *Feed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceCh }

// LastTradePriceEvents returns a read-only channel of last-trade updates.
func (f *Feed) LastTradePriceEvents() <-chan types.WSLastTradePriceEvent { return f.tradeCh }

// TickSizeChangeEvents returns a read-only channel of tick size updates.
func (f *Feed) TickSizeChangeEvents() <-chan types.WSTickSizeChangeEvent { return f.tickSizeCh }

// Health reports stream health transitions: false when a reconnect storm
// crosses the threshold, true when a connection delivers data again. The
// channel is buffered and coalescing; only the latest transition matters.
func (f *Feed) Health() <-chan bool { return f.healthCh }

func (f *Feed) notifyHealth(ok bool) {
	select {
	case f.healthCh <- ok:
	default:
		// Drop the stale notification so the latest state wins.
		select {
		case <-f.healthCh:
		default:
		}
		select {
		case f.healthCh <- ok:
		default:
		}
	}
}

// Subscribe adds token ids to the live session without tearing it down. The
// ids join the feed's asset set either way, so a reconnect picks them up
// even if the session is currently down.
func (f *Feed) Subscribe(ids ...string) error {
	f.addAssets(ids)
	return f.writeJSON(types.WSUpdateMsg{AssetIDs: ids, Operation: "subscribe"})
}

// Unsubscribe removes token ids from the live session.
func (f *Feed) Unsubscribe(ids ...string) error {
	f.removeAssets(ids)
	return f.writeJSON(types.WSUpdateMsg{AssetIDs: ids, Operation: "unsubscribe"})
}

func (f *Feed) addAssets(ids []string) {
	f.assetMu.Lock()
	defer f.assetMu.Unlock()
	for _, id := range ids {
		known := false
		for _, have := range f.assetIDs {
			if have == id {
				known = true
				break
			}
		}
		if !known {
			f.assetIDs = append(f.assetIDs, id)
		}
	}
}

func (f *Feed) removeAssets(ids []string) {
	f.assetMu.Lock()
	defer f.assetMu.Unlock()
	kept := f.assetIDs[:0]
	for _, have := range f.assetIDs {
		drop := false
		for _, id := range ids {
			if have == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, have)
		}
	}
	f.assetIDs = kept
}

func (f *Feed) currentAssets() []string {
	f.assetMu.Lock()
	defer f.assetMu.Unlock()
	return append([]string(nil), f.assetIDs...)
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	consecutiveFails := 0

	for {
		err := f.connectAndRead(ctx, &consecutiveFails)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		consecutiveFails++
		metrics.IncStreamReconnect()
		if consecutiveFails >= reconnectStormThreshold && !f.degraded {
			f.degraded = true
			f.notifyHealth(false)
			f.logger.Warn("reconnect storm, reporting degraded", "consecutive_failures", consecutiveFails)
		}

		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context, consecutiveFails *int) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	assets := f.currentAssets()
	if err := f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: assets}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("stream connected", "assets", assets)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		// The connection is delivering; a prior reconnect storm is over.
		if *consecutiveFails > 0 {
			*consecutiveFails = 0
			if f.degraded {
				f.degraded = false
				f.notifyHealth(true)
				f.logger.Info("stream recovered")
			}
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json stream message", "data", string(data))
		metrics.IncStreamUnknownEvent("unparseable")
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		select {
		case f.priceCh <- evt:
		default:
			f.logger.Warn("price_change channel full, dropping event", "asset", evt.AssetID)
		}

	case "last_trade_price":
		var evt types.WSLastTradePriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("last_trade_price channel full, dropping event", "asset", evt.AssetID)
		}

	case "tick_size_change":
		var evt types.WSTickSizeChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal tick_size_change event", "error", err)
			return
		}
		select {
		case f.tickSizeCh <- evt:
		default:
			f.logger.Warn("tick_size_change channel full, dropping event", "market", evt.Market)
		}

	default:
		metrics.IncStreamUnknownEvent(envelope.EventType)
		f.logger.Debug("ignoring event", "type", envelope.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
