package engine

import (
	"testing"
	"time"

	"polymarket-mm/internal/discovery"
	"polymarket-mm/pkg/types"
)

func TestYesNoTokensPicksByPosition(t *testing.T) {
	t.Parallel()

	// Real catalog records label these outcomes "Up"/"Down", not "Yes"/"No";
	// yesNoTokens must not depend on the label string.
	m := types.CatalogMarket{
		Tokens: []types.CatalogToken{
			{TokenID: "111111111111111111111111111111111111111111111111111111111111", Outcome: "Up"},
			{TokenID: "222222222222222222222222222222222222222222222222222222222222", Outcome: "Down"},
		},
	}

	yes, no, ok := yesNoTokens(m)
	if !ok {
		t.Fatalf("yesNoTokens: ok = false, want true")
	}
	if yes != m.Tokens[0].TokenID {
		t.Errorf("yes = %q, want first token %q", yes, m.Tokens[0].TokenID)
	}
	if no != m.Tokens[1].TokenID {
		t.Errorf("no = %q, want second token %q", no, m.Tokens[1].TokenID)
	}
}

func TestYesNoTokensRejectsWrongCount(t *testing.T) {
	t.Parallel()

	m := types.CatalogMarket{Tokens: []types.CatalogToken{{TokenID: "only-one"}}}
	if _, _, ok := yesNoTokens(m); ok {
		t.Errorf("yesNoTokens: ok = true for a single-token market, want false")
	}
}

func TestYesNoTokensRejectsEmptyTokenID(t *testing.T) {
	t.Parallel()

	m := types.CatalogMarket{Tokens: []types.CatalogToken{
		{TokenID: "", Outcome: "Up"},
		{TokenID: "222", Outcome: "Down"},
	}}
	if _, _, ok := yesNoTokens(m); ok {
		t.Errorf("yesNoTokens: ok = true with an empty token id, want false")
	}
}

func testWindow(slug string, settlement time.Time) discovery.Window {
	return discovery.Window{
		Market: types.CatalogMarket{
			ConditionID:     "cond-" + slug,
			MarketSlug:      slug,
			MinimumTickSize: "0.01",
		},
		SettlementTime: settlement,
	}
}

func TestDesiredWindowsActiveOnly(t *testing.T) {
	t.Parallel()
	now := time.Now()
	active := testWindow("btc-updown-15m-100", now.Add(10*time.Minute))

	result := discovery.Result{Selections: map[string]discovery.Selection{
		"btc": {Asset: "btc", Active: &active},
	}}

	desired := desiredWindows(result, 2*time.Minute)
	if len(desired) != 1 {
		t.Fatalf("desired windows = %d, want 1", len(desired))
	}
	d, ok := desired[active.Market.ConditionID]
	if !ok {
		t.Fatalf("desired[%q] missing", active.Market.ConditionID)
	}
	if d.asset != "btc" {
		t.Errorf("asset = %q, want btc", d.asset)
	}
}

// TestDesiredWindowsSuccessorOnlyWithinLead checks that the pre-discovered
// successor only enters scope once the active window has less than
// pre_discovery_lead_seconds of runway left.
func TestDesiredWindowsSuccessorOnlyWithinLead(t *testing.T) {
	t.Parallel()
	now := time.Now()
	lead := 2 * time.Minute

	farActive := testWindow("btc-updown-15m-100", now.Add(10*time.Minute))
	next := testWindow("btc-updown-15m-200", now.Add(25*time.Minute))
	farResult := discovery.Result{Selections: map[string]discovery.Selection{
		"btc": {Asset: "btc", Active: &farActive, Next: &next},
	}}
	if desired := desiredWindows(farResult, lead); len(desired) != 1 {
		t.Fatalf("far-from-settlement: desired windows = %d, want 1 (no successor yet)", len(desired))
	}

	nearActive := testWindow("btc-updown-15m-100", now.Add(time.Minute))
	nearResult := discovery.Result{Selections: map[string]discovery.Selection{
		"btc": {Asset: "btc", Active: &nearActive, Next: &next},
	}}
	desired := desiredWindows(nearResult, lead)
	if len(desired) != 2 {
		t.Fatalf("near-settlement: desired windows = %d, want 2 (active + successor)", len(desired))
	}
	if _, ok := desired[next.Market.ConditionID]; !ok {
		t.Errorf("successor %q not in desired set", next.Market.ConditionID)
	}
}

// TestStartOrderEarlierSettlementFirst checks that reconcile starts an
// asset's active window before its pre-discovered successor, so the
// successor can find the predecessor running and gate on its Settled
// channel.
func TestStartOrderEarlierSettlementFirst(t *testing.T) {
	t.Parallel()
	now := time.Now()
	active := testWindow("btc-updown-15m-100", now.Add(time.Minute))
	next := testWindow("btc-updown-15m-200", now.Add(16*time.Minute))

	desired := map[string]desiredWindow{
		next.Market.ConditionID:   {window: next, asset: "btc"},
		active.Market.ConditionID: {window: active, asset: "btc"},
	}

	order := startOrder(desired)
	if len(order) != 2 {
		t.Fatalf("startOrder returned %d ids, want 2", len(order))
	}
	if order[0] != active.Market.ConditionID || order[1] != next.Market.ConditionID {
		t.Errorf("startOrder = %v, want [%s %s]", order, active.Market.ConditionID, next.Market.ConditionID)
	}
}

func TestDesiredWindowsEmptySelection(t *testing.T) {
	t.Parallel()
	result := discovery.Result{Selections: map[string]discovery.Selection{
		"btc": {Asset: "btc"},
	}}
	if desired := desiredWindows(result, time.Minute); len(desired) != 0 {
		t.Errorf("desired windows = %d, want 0 for an asset with no active window", len(desired))
	}
}
