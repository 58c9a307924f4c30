package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"polymarket-mm/internal/priceutil"
	"polymarket-mm/pkg/types"
)

// PollingClient serves per-token full top-of-book reads with a per-request
// timeout, used when the stream client reports a reconnect storm. It
// deliberately uses a distinct HTTP stack (go-retryablehttp instead of
// resty) from the catalog client: a transport retrying aggressively on its
// own schedule must not share a connection pool or backoff policy with the
// discovery loop. Book requests are additionally paced by a token-bucket
// rate limiter so a stream outage across many markets can't turn the
// fallback path itself into a thundering herd against the upstream book
// endpoint.
type PollingClient struct {
	baseURL string
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

// NewPollingClient creates a polling fallback client with a bounded
// per-request timeout.
func NewPollingClient(baseURL string, requestTimeout time.Duration) *PollingClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = requestTimeout
	rc.Logger = nil // quiet by default; callers wire their own slog bridge if needed

	return &PollingClient{baseURL: baseURL, http: rc, limiter: newBookLimiter()}
}

// BookFor fetches the full top-of-book for one asset ID.
func (p *PollingClient) BookFor(ctx context.Context, assetID string) (*types.BookResponse, error) {
	if err := wait(ctx, p.limiter); err != nil {
		return nil, fmt.Errorf("polling: rate limit wait for %s: %w", assetID, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/book?token_id="+assetID, nil)
	if err != nil {
		return nil, fmt.Errorf("polling: build request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling: book request for %s: %w", assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling: book request for %s: status %d", assetID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polling: read body for %s: %w", assetID, err)
	}

	var out types.BookResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("polling: decode book for %s: %w", assetID, err)
	}
	return &out, nil
}

// BatchBook fetches top-of-book for several assets, tolerating partial
// failure: a token that errors is simply omitted from the result, since a
// polling cycle that loses one token's book should not block the others.
func (p *PollingClient) BatchBook(ctx context.Context, assetIDs []string) map[string]*types.BookResponse {
	out := make(map[string]*types.BookResponse, len(assetIDs))
	for _, id := range assetIDs {
		book, err := p.BookFor(ctx, id)
		if err != nil {
			continue
		}
		out[id] = book
	}
	return out
}

// BestPrice fetches one side's best price for a token, in points. side is
// "buy" or "sell".
func (p *PollingClient) BestPrice(ctx context.Context, assetID, side string) (int, error) {
	if err := wait(ctx, p.limiter); err != nil {
		return 0, fmt.Errorf("polling: rate limit wait for %s: %w", assetID, err)
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := p.getJSON(ctx, "/price?token_id="+assetID+"&side="+side, &payload); err != nil {
		return 0, err
	}
	return priceutil.ParsePoints(payload.Price)
}

// Midpoint fetches the midpoint price for a token, in points.
func (p *PollingClient) Midpoint(ctx context.Context, assetID string) (int, error) {
	if err := wait(ctx, p.limiter); err != nil {
		return 0, fmt.Errorf("polling: rate limit wait for %s: %w", assetID, err)
	}
	var payload struct {
		Mid string `json:"mid"`
	}
	if err := p.getJSON(ctx, "/midpoint?token_id="+assetID, &payload); err != nil {
		return 0, err
	}
	return priceutil.ParsePoints(payload.Mid)
}

func (p *PollingClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("polling: build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("polling: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polling: request %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("polling: decode %s: %w", path, err)
	}
	return nil
}

// ServerTime fetches the upstream server clock, for optional skew
// correction.
func (p *PollingClient) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/time", nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("polling: build time request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("polling: time request: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		UnixSeconds int64 `json:"server_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, fmt.Errorf("polling: decode time: %w", err)
	}
	return time.Unix(payload.UnixSeconds, 0).UTC(), nil
}
