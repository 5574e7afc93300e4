package infra

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Binance endpoints. Single symbol by design; the stream list is fixed.
const (
	FuturesWSURL     = "wss://fstream.binance.com/stream?streams=btcusdt@depth@100ms/btcusdt@aggTrade/!forceOrder@arr"
	SpotWSURL        = "wss://stream.binance.com/stream?streams=btcusdt@depth@100ms/btcusdt@aggTrade"
	FuturesRESTDepth = "https://fapi.binance.com/fapi/v1/depth?symbol=BTCUSDT&limit=1000"
	SpotRESTDepth    = "https://api.binance.com/api/v3/depth?symbol=BTCUSDT&limit=1000"

	Symbol = "BTCUSDT"
)

// Config holds every tunable of the process. Loaded once at startup and
// read-only afterwards.
type Config struct {
	Sink struct {
		Token      string           `yaml:"token"`
		AdminUser  int64            `yaml:"admin_user"`
		ForumGroup int64            `yaml:"forum_group"`
		Topics     map[string]int64 `yaml:"topics"` // topic_key -> message thread id
	} `yaml:"sink"`

	ProxyURL string `yaml:"proxy_url"`

	Thresholds struct {
		WallThresholdUSD          float64 `yaml:"wall_threshold_usd"`
		WallAlertUSD              float64 `yaml:"wall_alert_usd"`
		WallCancelAlertUSD        float64 `yaml:"wall_cancel_alert_usd"`
		ConfirmedWallUSD          float64 `yaml:"confirmed_wall_threshold_usd"`
		ConfirmedWallMaxDistPct   float64 `yaml:"confirmed_wall_max_distance_pct"`
		ConfirmedWallDelaySec     int     `yaml:"confirmed_wall_delay_sec"`
		LargeTradeSpotUSD         float64 `yaml:"large_trade_threshold_usd"`
		LargeTradeFuturesUSD      float64 `yaml:"large_trade_futures_threshold_usd"`
		MegaTradeUSD              float64 `yaml:"mega_trade_usd"`
		LiquidationAlertUSD       float64 `yaml:"liq_alert_usd"`
		MegaLiquidationUSD        float64 `yaml:"mega_liq_usd"`
		CVDSpikeUSD               float64 `yaml:"cvd_spike_usd"`
		ImbalanceAlert            float64 `yaml:"imbalance_alert"`
	} `yaml:"thresholds"`

	Timing struct {
		WatchdogTimeoutSec    int     `yaml:"watchdog_timeout_sec"`
		ReconnectDelaySec     int     `yaml:"reconnect_delay_sec"`
		ReconnectMaxDelaySec  int     `yaml:"reconnect_max_delay_sec"`
		RESTTimeoutSec        int     `yaml:"rest_timeout_sec"`
		SinkTimeoutSec        int     `yaml:"sink_timeout_sec"`
		RecoveryToleranceSec  int     `yaml:"recovery_tolerance_sec"`
		RefreshIntervalSec    int     `yaml:"refresh_interval_sec"`
		BatchWaitMS           int     `yaml:"batch_wait_ms"`
		BatchThreshold        int     `yaml:"batch_threshold"`
		SpoofWindowSec        int     `yaml:"spoof_window_sec"`
		RetentionDays         int     `yaml:"retention_days"`
	} `yaml:"timing"`

	Limits struct {
		DiffBuffer int `yaml:"diff_buffer"`
		AlertQueue int `yaml:"alert_queue"`
	} `yaml:"limits"`

	Cooldowns map[string]int `yaml:"cooldowns_sec"` // alert kind -> seconds

	DigestPeriodsMin []int `yaml:"digest_periods_min"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Ops struct {
		Listen string `yaml:"listen"`
	} `yaml:"ops"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
}

// LoadConfig reads the YAML file, applies .env and environment overrides
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}

	cfg.Thresholds.WallThresholdUSD = 500_000
	cfg.Thresholds.WallAlertUSD = 2_000_000
	cfg.Thresholds.WallCancelAlertUSD = 1_000_000
	cfg.Thresholds.ConfirmedWallUSD = 5_000_000
	cfg.Thresholds.ConfirmedWallMaxDistPct = 2.0
	cfg.Thresholds.ConfirmedWallDelaySec = 60
	cfg.Thresholds.LargeTradeSpotUSD = 100_000
	cfg.Thresholds.LargeTradeFuturesUSD = 500_000
	cfg.Thresholds.MegaTradeUSD = 2_000_000
	cfg.Thresholds.LiquidationAlertUSD = 1_000_000
	cfg.Thresholds.MegaLiquidationUSD = 5_000_000
	cfg.Thresholds.CVDSpikeUSD = 5_000_000
	cfg.Thresholds.ImbalanceAlert = 0.4

	cfg.Timing.WatchdogTimeoutSec = 30
	cfg.Timing.ReconnectDelaySec = 5
	cfg.Timing.ReconnectMaxDelaySec = 300
	cfg.Timing.RESTTimeoutSec = 20
	cfg.Timing.SinkTimeoutSec = 10
	cfg.Timing.RecoveryToleranceSec = 10
	cfg.Timing.RefreshIntervalSec = 3600
	cfg.Timing.BatchWaitMS = 300
	cfg.Timing.BatchThreshold = 3
	cfg.Timing.SpoofWindowSec = 3600
	cfg.Timing.RetentionDays = 90

	cfg.Limits.DiffBuffer = 10_000
	cfg.Limits.AlertQueue = 1_000

	cfg.Cooldowns = map[string]int{
		"wall_new":       30,
		"wall_gone":      30,
		"large_trade":    10,
		"confirmed_wall": 60,
	}

	cfg.DigestPeriodsMin = []int{15, 30, 60}

	cfg.Logging.Level = "info"
	cfg.Logging.File = "logs/app.log"
	cfg.Ops.Listen = "localhost:6060"
	cfg.Storage.Path = "data.db"

	return cfg
}

// Validate checks configuration validity. Failures abort startup.
func (c *Config) Validate() error {
	if c.Sink.Token == "" {
		return fmt.Errorf("sink token is required (SINK_TOKEN)")
	}
	if c.Sink.AdminUser == 0 {
		return fmt.Errorf("sink admin_user is required")
	}
	if c.Sink.ForumGroup == 0 {
		return fmt.Errorf("sink forum_group is required")
	}
	if c.Thresholds.WallThresholdUSD <= 0 {
		return fmt.Errorf("wall_threshold_usd must be positive")
	}
	if c.Timing.BatchThreshold <= 0 {
		return fmt.Errorf("batch_threshold must be positive")
	}
	for _, p := range c.DigestPeriodsMin {
		switch p {
		case 15, 30, 60:
		default:
			return fmt.Errorf("digest period %d not in {15,30,60}", p)
		}
	}
	return nil
}

// overrideWithEnv lets the environment own the secrets.
func overrideWithEnv(cfg *Config) {
	if tok := os.Getenv("SINK_TOKEN"); tok != "" {
		cfg.Sink.Token = tok
	}
	if proxy := os.Getenv("PROXY_URL"); proxy != "" {
		cfg.ProxyURL = proxy
	}
}

// Cooldown returns the configured cooldown for an alert kind, zero when none.
func (c *Config) Cooldown(kind string) time.Duration {
	return time.Duration(c.Cooldowns[kind]) * time.Second
}

// WatchdogTimeout is the silence limit before a forced reconnect.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Timing.WatchdogTimeoutSec) * time.Second
}

// LargeTradeThreshold is per market.
func (c *Config) LargeTradeThreshold(futures bool) float64 {
	if futures {
		return c.Thresholds.LargeTradeFuturesUSD
	}
	return c.Thresholds.LargeTradeSpotUSD
}
