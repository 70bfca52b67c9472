package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "100ms" and "1h" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n))
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Cascadeflow CascadeflowConfig `yaml:"cascadeflow"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Engine      EngineConfig      `yaml:"engine"`
	Detection   DetectionConfig   `yaml:"detection"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CascadeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	ChannelSize bool             `yaml:"channel_size"`
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ChannelsConfig struct {
	RawBuffer  int `yaml:"raw_buffer"`
	TickBuffer int `yaml:"tick_buffer"`
}

type EngineConfig struct {
	Shards    int      `yaml:"shards"`
	QueueSize int      `yaml:"queue_size"`
	Cadence   Duration `yaml:"cadence"`
	Symbols   []string `yaml:"symbols"`
}

type DetectionConfig struct {
	Windows          []Duration        `yaml:"windows"`
	DerivativeWindow Duration          `yaml:"derivative_window"`
	Correlation      CorrelationConfig `yaml:"correlation"`
	Risk             RiskConfig        `yaml:"risk"`
	Signal           SignalConfig      `yaml:"signal"`
	Regime           RegimeConfig      `yaml:"regime"`
}

type CorrelationConfig struct {
	Lookback   Duration `yaml:"lookback"`
	Bucket     Duration `yaml:"bucket"`
	MinBuckets int      `yaml:"min_buckets"`
}

type RiskConfig struct {
	VelocityNorm     float64 `yaml:"velocity_norm"`
	AccelerationNorm float64 `yaml:"acceleration_norm"`
	JerkNorm         float64 `yaml:"jerk_norm"`
	VolumeNormUSD    float64 `yaml:"volume_norm_usd"`
	ClusterNorm      float64 `yaml:"cluster_norm"`
	BoostThreshold   float64 `yaml:"boost_threshold"`
	BoostFactor      float64 `yaml:"boost_factor"`
}

type SignalConfig struct {
	WatchProb            float64  `yaml:"watch_prob"`
	AlertProb            float64  `yaml:"alert_prob"`
	CriticalProb         float64  `yaml:"critical_prob"`
	ExtremeProb          float64  `yaml:"extreme_prob"`
	OverrideVelocity     float64  `yaml:"override_velocity"`
	OverrideAcceleration float64  `yaml:"override_acceleration"`
	LatencyBudget        Duration `yaml:"latency_budget"`
	HistoryDepth         int      `yaml:"history_depth"`
}

type RegimeConfig struct {
	Lookback Duration `yaml:"lookback"`
	FastMA   Duration `yaml:"fast_ma"`
	SlowMA   Duration `yaml:"slow_ma"`

	// Classification bands; omitted values keep the detector defaults.
	VolBands      []float64 `yaml:"vol_bands"`      // 5 ascending per-minute realized-vol boundaries
	MomentumBands []float64 `yaml:"momentum_bands"` // 4 ascending momentum boundaries

	DeepSpreadBps    float64 `yaml:"deep_spread_bps"`
	NormalSpreadBps  float64 `yaml:"normal_spread_bps"`
	ShallowSpreadBps float64 `yaml:"shallow_spread_bps"`
	DeepVolumeUSD    float64 `yaml:"deep_volume_usd"`
	ThinVolumeUSD    float64 `yaml:"thin_volume_usd"`
}

type BufferConfig struct {
	MaxWindow     Duration `yaml:"max_window"`
	MaxFutureSkew Duration `yaml:"max_future_skew"`
	DedupTTL      Duration `yaml:"dedup_ttl"`
}

type SourceConfig struct {
	Binance     *VenueConfig     `yaml:"binance"`
	Bybit       *VenueConfig     `yaml:"bybit"`
	Okx         *VenueConfig     `yaml:"okx"`
	Hyperliquid *VenueConfig     `yaml:"hyperliquid"`
	MarkPrice   *MarkPriceConfig `yaml:"mark_price"`
}

type VenueConfig struct {
	Liquidation StreamConfig `yaml:"liquidation"`
	Ticker      StreamConfig `yaml:"ticker"`
}

type StreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

type MarkPriceConfig struct {
	Enabled           bool     `yaml:"enabled"`
	URL               string   `yaml:"url"`
	Interval          Duration `yaml:"interval"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	Symbols           []string `yaml:"symbols"`
}

type StorageConfig struct {
	Cache   CacheConfig  `yaml:"cache"`
	Store   StoreConfig  `yaml:"store"`
	Rollups RollupConfig `yaml:"rollups"`
	Export  ExportConfig `yaml:"export"`
}

type CacheConfig struct {
	MaxCostMB      int64    `yaml:"max_cost_mb"`
	TTL            Duration `yaml:"ttl"`
	PriceBucketPct float64  `yaml:"price_bucket_pct"`
	TimeBucket     Duration `yaml:"time_bucket"`
}

type StoreConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	MinNotionalUSD float64  `yaml:"min_notional_usd"`
	QueueSize      int      `yaml:"queue_size"`
	BatchSize      int      `yaml:"batch_size"`
	FlushInterval  Duration `yaml:"flush_interval"`
	RetentionDays  int      `yaml:"retention_days"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

type RollupConfig struct {
	Interval Duration `yaml:"interval"`
}

type ExportConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	ManifestDir     string `yaml:"manifest_dir"`
}

type DashboardConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Listen     string   `yaml:"listen"`
	StaleAfter Duration `yaml:"stale_after"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	Output         string   `yaml:"output"`
	MaxAge         int      `yaml:"max_age"`
	ReportInterval Duration `yaml:"report_interval"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			ChannelSize: true,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override export credentials from environment variables if available
	if config.Storage.Export.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.Export.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.Export.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.Export.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.Export.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.Export.Bucket = strings.TrimSpace(config.Storage.Export.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Cascadeflow.Name == "" {
		return fmt.Errorf("cascadeflow.name is required")
	}
	if cfg.Cascadeflow.Version == "" {
		return fmt.Errorf("cascadeflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}

	if cfg.Engine.Shards <= 0 {
		return fmt.Errorf("engine.shards must be greater than 0")
	}
	if cfg.Engine.Cadence <= 0 {
		return fmt.Errorf("engine.cadence must be greater than 0")
	}

	for i := 1; i < len(cfg.Detection.Windows); i++ {
		if cfg.Detection.Windows[i] <= cfg.Detection.Windows[i-1] {
			return fmt.Errorf("detection.windows must be strictly increasing")
		}
	}

	if n := len(cfg.Detection.Regime.VolBands); n != 0 && n != 5 {
		return fmt.Errorf("detection.regime.vol_bands needs exactly 5 values, got %d", n)
	}
	if n := len(cfg.Detection.Regime.MomentumBands); n != 0 && n != 4 {
		return fmt.Errorf("detection.regime.momentum_bands needs exactly 4 values, got %d", n)
	}

	if !anyVenueEnabled(cfg.Source) {
		return fmt.Errorf("at least one venue liquidation stream must be enabled")
	}

	if cfg.Storage.Store.Enabled && cfg.Storage.Store.Path == "" {
		return fmt.Errorf("storage.store.path is required when the event store is enabled")
	}

	if cfg.Storage.Export.Enabled {
		if cfg.Storage.Export.Bucket == "" {
			return fmt.Errorf("storage.export.bucket is required when export is enabled")
		}
		if cfg.Storage.Export.Region == "" {
			return fmt.Errorf("storage.export.region is required when export is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.Export.Bucket) {
			return fmt.Errorf("storage.export.bucket '%s' is invalid", cfg.Storage.Export.Bucket)
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	return nil
}

func anyVenueEnabled(src SourceConfig) bool {
	for _, v := range []*VenueConfig{src.Binance, src.Bybit, src.Okx, src.Hyperliquid} {
		if v != nil && v.Liquidation.Enabled {
			return true
		}
	}
	return false
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
