package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polymarket-mm/pkg/types"
)

func TestFetchMarketsPaginates(t *testing.T) {
	t.Parallel()

	page1 := make([]types.CatalogMarket, pageSize)
	for i := range page1 {
		page1[i] = types.CatalogMarket{ConditionID: "c", MinimumTickSize: "0.01", Active: true}
	}
	page2 := []types.CatalogMarket{{ConditionID: "last", MinimumTickSize: "0.01", Active: true}}

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		offset := r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		if offset == "0" {
			json.NewEncoder(w).Encode(page1)
		} else {
			json.NewEncoder(w).Encode(page2)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	markets, err := c.FetchMarkets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != pageSize+1 {
		t.Errorf("len(markets) = %d, want %d", len(markets), pageSize+1)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestTickSizePoints(t *testing.T) {
	t.Parallel()
	m := types.CatalogMarket{MinimumTickSize: "0.05"}
	got, err := TickSizePoints(m)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("TickSizePoints = %d, want 5", got)
	}
}

func TestPollingBookFor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := types.BookResponse{
			AssetID: r.URL.Query().Get("token_id"),
			Bids:    []types.PriceLevel{{Price: "0.44", Size: "10"}},
			Asks:    []types.PriceLevel{{Price: "0.46", Size: "10"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewPollingClient(srv.URL, 2*time.Second)
	book, err := p.BookFor(context.Background(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if book.AssetID != "tok-1" {
		t.Errorf("AssetID = %q, want tok-1", book.AssetID)
	}
}

func TestPollingBestPriceAndMidpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price":
			json.NewEncoder(w).Encode(map[string]string{"price": "0.46"})
		case "/midpoint":
			json.NewEncoder(w).Encode(map[string]string{"mid": "0.45"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewPollingClient(srv.URL, 2*time.Second)

	price, err := p.BestPrice(context.Background(), "tok-1", "sell")
	if err != nil {
		t.Fatal(err)
	}
	if price != 46 {
		t.Errorf("BestPrice = %d, want 46", price)
	}

	mid, err := p.Midpoint(context.Background(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if mid != 45 {
		t.Errorf("Midpoint = %d, want 45", mid)
	}
}

func TestPollingBatchBookTolerantOfPartialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.URL.Query().Get("token_id")
		if tok == "bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(types.BookResponse{AssetID: tok})
	}))
	defer srv.Close()

	p := NewPollingClient(srv.URL, 2*time.Second)
	p.http.RetryMax = 0 // keep the failing-token test fast
	out := p.BatchBook(context.Background(), []string{"good", "bad"})

	if _, ok := out["good"]; !ok {
		t.Error("expected good token present")
	}
	if _, ok := out["bad"]; ok {
		t.Error("expected bad token omitted")
	}
}
