package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
discovery:
  assets: ["btc", "eth"]
  slug_pattern: "-updown-15m-"
  poll_interval: 30s
  pre_discovery_lead_seconds: 60
catalog:
  base_url: "https://clob.polymarket.com"
stream:
  ws_url: "wss://ws-subscriptions-clob.polymarket.com/ws/market"
store:
  dsn: "file:measurements.db"
parameter:
  name: "baseline"
  s0_points: 5
  delta_points: 10
  trigger_rule: "ASK_TOUCH"
  reference_price_source: "MIDPOINT"
  sampling_mode: "FIXED_INTERVAL"
  cycle_interval_seconds: 5
  feed_gap_threshold_seconds: 10
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quality.MaxAnomaliesPerMarket != 50 {
		t.Errorf("MaxAnomaliesPerMarket = %d, want default 50", cfg.Quality.MaxAnomaliesPerMarket)
	}
	if cfg.Store.BufferCap != 10000 {
		t.Errorf("BufferCap = %d, want default 10000", cfg.Store.BufferCap)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	ps := cfg.Parameter.ToParameterSet()
	if ps.PairCapPoints != 90 {
		t.Errorf("PairCapPoints = %d, want 90 (100 - delta_points)", ps.PairCapPoints)
	}
}

func TestLoadEnvOverridesStoreAndLogging(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	t.Setenv("POLY_STORE_DSN", "file:override.db")
	t.Setenv("POLY_LOG_LEVEL", "debug")
	t.Setenv("POLY_SNAPSHOTS_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DSN != "file:override.db" {
		t.Errorf("Store.DSN = %q, want env override", cfg.Store.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Store.SnapshotsEnabled {
		t.Error("Store.SnapshotsEnabled should be true from env override")
	}
}

func TestLoadRejectsMissingAssets(t *testing.T) {
	body := `
catalog:
  base_url: "https://clob.polymarket.com"
stream:
  ws_url: "wss://example.invalid/ws"
store:
  dsn: "file:measurements.db"
parameter:
  s0_points: 5
  delta_points: 10
  trigger_rule: "ASK_TOUCH"
  reference_price_source: "MIDPOINT"
  sampling_mode: "FIXED_INTERVAL"
  cycle_interval_seconds: 5
  feed_gap_threshold_seconds: 10
`
	path := writeTempConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail with no assets configured")
	}
}

func TestLoadRejectsInvalidParameterSet(t *testing.T) {
	body := `
discovery:
  assets: ["btc"]
catalog:
  base_url: "https://clob.polymarket.com"
stream:
  ws_url: "wss://example.invalid/ws"
store:
  dsn: "file:measurements.db"
parameter:
  s0_points: 0
  delta_points: 10
  trigger_rule: "ASK_TOUCH"
  reference_price_source: "MIDPOINT"
  sampling_mode: "FIXED_INTERVAL"
  cycle_interval_seconds: 5
  feed_gap_threshold_seconds: 10
`
	path := writeTempConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail: s0_points=0 violates ParameterSet.Validate")
	}
}
