// Package discovery runs the discovery and rotation loop: a periodic
// catalog fetch that selects, per configured asset, the currently active
// settlement window and (once known) its successor, published on a
// replace-stale-result channel.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	iso8601 "github.com/relvacode/iso8601"

	"polymarket-mm/internal/catalog"
	"polymarket-mm/pkg/types"
)

// Window is one settlement-window market matched for one asset.
type Window struct {
	Market         types.CatalogMarket
	SettlementTime time.Time
}

// Selection is the current and (if known) next window for one asset.
type Selection struct {
	Asset  string
	Active *Window
	Next   *Window
}

// Result is one discovery iteration's output, one Selection per configured
// asset.
type Result struct {
	ScannedAt  time.Time
	Selections map[string]Selection
}

// Loop periodically fetches the catalog and selects the active/next window
// per configured asset.
type Loop struct {
	client      *catalog.Client
	assets      []string
	slugPattern string
	interval    time.Duration
	logger      *slog.Logger
	resultCh    chan Result
}

// New creates a discovery loop. slugPattern is matched as a substring of
// market_slug (e.g. "-updown-15m-").
func New(client *catalog.Client, assets []string, slugPattern string, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		client:      client,
		assets:      assets,
		slugPattern: slugPattern,
		interval:    interval,
		logger:      logger.With("component", "discovery"),
		resultCh:    make(chan Result, 1),
	}
}

// Results returns the channel monitors/the engine read selections from.
func (l *Loop) Results() <-chan Result { return l.resultCh }

// Run starts the polling loop. Blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.scan(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scan(ctx)
		}
	}
}

func (l *Loop) scan(ctx context.Context) {
	markets, err := l.client.FetchMarkets(ctx)
	if err != nil {
		l.logger.Error("discovery scan failed", "error", err)
		return
	}

	now := time.Now()
	selections := make(map[string]Selection, len(l.assets))
	for _, asset := range l.assets {
		selections[asset] = selectWindows(asset, l.slugPattern, markets, now, l.logger)
	}

	result := Result{ScannedAt: now, Selections: selections}

	select {
	case l.resultCh <- result:
	default:
		select {
		case <-l.resultCh:
		default:
		}
		l.resultCh <- result
	}
}

func selectWindows(asset, slugPattern string, markets []types.CatalogMarket, now time.Time, logger *slog.Logger) Selection {
	var windows []Window
	for _, m := range markets {
		if !m.Active || !m.AcceptingOrders {
			continue
		}
		slug := strings.ToLower(m.MarketSlug)
		if !strings.Contains(slug, strings.ToLower(asset)) || !strings.Contains(slug, strings.ToLower(slugPattern)) {
			continue
		}
		end, err := iso8601.ParseString(m.EndDateISO)
		if err != nil {
			logger.Warn("discovery: unparseable end_date_iso", "slug", m.MarketSlug, "error", err)
			continue
		}
		windows = append(windows, Window{Market: m, SettlementTime: end})
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].SettlementTime.Before(windows[j].SettlementTime)
	})

	sel := Selection{Asset: asset}
	for i := range windows {
		if windows[i].SettlementTime.After(now) {
			w := windows[i]
			sel.Active = &w
			if i+1 < len(windows) {
				next := windows[i+1]
				sel.Next = &next
			}
			break
		}
	}
	return sel
}
