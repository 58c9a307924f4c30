// Package config loads the measurement engine's configuration: a YAML file
// consumed via spf13/viper, with POLY_-prefixed environment variables
// layered on top for the operationally sensitive or deployment-varying
// knobs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polymarket-mm/pkg/types"
)

// DiscoveryConfig controls the discovery/rotation loop.
type DiscoveryConfig struct {
	Assets                  []string      `mapstructure:"assets"`
	SlugPattern             string        `mapstructure:"slug_pattern"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	PreDiscoveryLeadSeconds int           `mapstructure:"pre_discovery_lead_seconds"`
}

// CatalogConfig configures the two HTTP stacks used to reach upstream data:
// the discovery catalog client and the polling-fallback client.
type CatalogConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	PollRequestTimeout time.Duration `mapstructure:"poll_request_timeout"`
}

// StreamConfig configures the primary streaming feed.
type StreamConfig struct {
	WSURL string `mapstructure:"ws_url"`
}

// QualityConfig configures the anomaly-aggregation layer.
type QualityConfig struct {
	MaxAnomaliesPerMarket int `mapstructure:"max_anomalies_per_market"`
}

// StoreConfig configures the durable writer.
type StoreConfig struct {
	DSN              string `mapstructure:"dsn"`
	BufferCap        int    `mapstructure:"buffer_cap"`
	SnapshotsEnabled bool   `mapstructure:"snapshots_enabled"`
	LifecycleEnabled bool   `mapstructure:"lifecycle_enabled"`
}

// LoggingConfig configures log/slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// ParameterConfig is the YAML-facing shape of the ParameterSet the engine
// runs every discovered market under. It mirrors types.ParameterSet field
// for field so viper can unmarshal directly into it before conversion.
type ParameterConfig struct {
	Name                    string `mapstructure:"name"`
	S0Points                int    `mapstructure:"s0_points"`
	DeltaPoints             int    `mapstructure:"delta_points"`
	TriggerRule             string `mapstructure:"trigger_rule"`
	ReferencePriceSource    string `mapstructure:"reference_price_source"`
	SamplingMode            string `mapstructure:"sampling_mode"`
	CycleIntervalSeconds    int    `mapstructure:"cycle_interval_seconds"`
	CyclesPerMarket         int    `mapstructure:"cycles_per_market"`
	FeedGapThresholdSeconds int    `mapstructure:"feed_gap_threshold_seconds"`
	StopLossThresholdPoints *int   `mapstructure:"stop_loss_threshold_points"`
}

// ToParameterSet converts the YAML-facing shape into the domain type,
// deriving pair_cap_points = 100 - delta_points.
func (p ParameterConfig) ToParameterSet() *types.ParameterSet {
	return &types.ParameterSet{
		Name:                    p.Name,
		S0Points:                p.S0Points,
		DeltaPoints:             p.DeltaPoints,
		PairCapPoints:           100 - p.DeltaPoints,
		TriggerRule:             types.TriggerRule(p.TriggerRule),
		ReferencePriceSource:    types.ReferenceSource(p.ReferencePriceSource),
		TieBreakRule:            "distance_then_yes",
		SamplingMode:            types.SamplingMode(p.SamplingMode),
		CycleIntervalSeconds:    p.CycleIntervalSeconds,
		CyclesPerMarket:         p.CyclesPerMarket,
		FeedGapThresholdSeconds: p.FeedGapThresholdSeconds,
		StopLossThresholdPoints: p.StopLossThresholdPoints,
	}
}

// Config is the top-level configuration the engine is constructed from.
type Config struct {
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Parameter ParameterConfig `mapstructure:"parameter"`
}

// Load reads path (YAML) and layers POLY_-prefixed environment variables on
// top: a fresh viper instance per call, "." in nested keys replaced with
// "_" for the env lookup, AutomaticEnv so any mapstructure key can be
// overridden, plus explicit overrides for the fields that form the
// process's environment surface (store DSN, log level, snapshot/lifecycle
// capture flags) so they're settable even when absent from the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if dsn := v.GetString("STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if level := v.GetString("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if v.IsSet("SNAPSHOTS_ENABLED") {
		cfg.Store.SnapshotsEnabled = v.GetBool("SNAPSHOTS_ENABLED")
	}
	if v.IsSet("LIFECYCLE_ENABLED") {
		cfg.Store.LifecycleEnabled = v.GetBool("LIFECYCLE_ENABLED")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discovery.slug_pattern", "-updown-15m-")
	v.SetDefault("discovery.poll_interval", 60*time.Second)
	v.SetDefault("discovery.pre_discovery_lead_seconds", 120)
	v.SetDefault("catalog.request_timeout", 10*time.Second)
	v.SetDefault("catalog.poll_request_timeout", 5*time.Second)
	v.SetDefault("quality.max_anomalies_per_market", 50)
	v.SetDefault("store.buffer_cap", 10000)
	v.SetDefault("store.snapshots_enabled", false)
	v.SetDefault("store.lifecycle_enabled", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the top-level fields with one explicit check per field,
// then builds the ParameterSet and runs the ParameterSet's own Validate.
func (c *Config) Validate() error {
	if len(c.Discovery.Assets) == 0 {
		return fmt.Errorf("discovery.assets must not be empty")
	}
	if c.Discovery.SlugPattern == "" {
		return fmt.Errorf("discovery.slug_pattern must not be empty")
	}
	if c.Discovery.PollInterval <= 0 {
		return fmt.Errorf("discovery.poll_interval must be > 0")
	}
	if c.Discovery.PreDiscoveryLeadSeconds <= 0 {
		return fmt.Errorf("discovery.pre_discovery_lead_seconds must be > 0")
	}
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url must be set")
	}
	if c.Stream.WSURL == "" {
		return fmt.Errorf("stream.ws_url must be set")
	}
	if c.Quality.MaxAnomaliesPerMarket <= 0 {
		return fmt.Errorf("quality.max_anomalies_per_market must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if c.Store.BufferCap <= 0 {
		return fmt.Errorf("store.buffer_cap must be > 0")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	ps := c.Parameter.ToParameterSet()
	if err := ps.Validate(); err != nil {
		return fmt.Errorf("parameter: %w", err)
	}

	return nil
}
