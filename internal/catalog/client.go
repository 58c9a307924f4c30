// Package catalog implements the two upstream REST surfaces: the catalog
// client (paginated market discovery) and the polling fallback client
// (per-token top-of-book reads used during a stream reconnect storm). They
// deliberately use two different HTTP stacks because they serve two
// different reliability profiles: discovery can retry slowly in the
// background, polling fallback must fail fast and hand control back to the
// stream.
package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/internal/priceutil"
	"polymarket-mm/pkg/types"
)

const pageSize = 100

// Client fetches the market catalog over a resty REST client, paging
// through the full listing by offset.
type Client struct {
	http *resty.Client
}

// New creates a catalog client against baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{http: http}
}

// FetchMarkets pages through the catalog and returns every market record.
func (c *Client) FetchMarkets(ctx context.Context) ([]types.CatalogMarket, error) {
	var all []types.CatalogMarket
	offset := 0

	for {
		var page []types.CatalogMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(pageSize),
				"offset": strconv.Itoa(offset),
				"active": "true",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("catalog: fetch page at offset %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("catalog: status %d at offset %d", resp.StatusCode(), offset)
		}

		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}

	return all, nil
}

// TickSizePoints parses a catalog market's minimum_tick_size into points.
func TickSizePoints(m types.CatalogMarket) (int, error) {
	return priceutil.ParsePoints(m.MinimumTickSize)
}
