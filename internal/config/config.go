package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	ScaleIn   ScaleInConfig   `yaml:"scale_in"`
	Snipe     SnipeConfig     `yaml:"snipe"`
	Report    ReportConfig    `yaml:"report"`
	Flow      FlowConfig      `yaml:"flow"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ExchangeConfig struct {
	BaseURL    string        `yaml:"base_url"`
	WSURL      string        `yaml:"ws_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RecvWindow time.Duration `yaml:"recv_window"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// SymbolConfig is immutable after startup; one entry per traded pair.
type SymbolConfig struct {
	Pair        string  `yaml:"pair"`
	Leverage    int     `yaml:"leverage"`
	MaxAllocPct float64 `yaml:"max_alloc_pct"`
}

type StrategyConfig struct {
	Symbols              []SymbolConfig `yaml:"symbols"`
	FundingThreshold8h   float64        `yaml:"funding_threshold_8h"`
	EntryBuffer          float64        `yaml:"entry_buffer"`
	SpreadCeiling        float64        `yaml:"spread_ceiling"`
	Leverage             int            `yaml:"leverage"`
	MinFreeBalanceUSDT   float64        `yaml:"min_free_balance_usdt"`
	PollInterval         time.Duration  `yaml:"poll_interval"`
	DynamicThreshold     bool           `yaml:"dynamic_threshold"`
	ThresholdLow         float64        `yaml:"threshold_low"`
	ThresholdHigh        float64        `yaml:"threshold_high"`
	HysteresisMargin     float64        `yaml:"hysteresis_margin"`
	ExitAfterBelowCycles int            `yaml:"exit_after_below_cycles"`
	ExitNegativeFunding  float64        `yaml:"exit_negative_funding"`
	MaxHold              time.Duration  `yaml:"max_hold"`
	ForceCloseAfter      time.Duration  `yaml:"force_close_after"`
	Cooldown             time.Duration  `yaml:"cooldown"`
	MakerFirst           bool           `yaml:"maker_first"`
	TakerFallbackAfter   time.Duration  `yaml:"taker_fallback_after"`
}

type RiskConfig struct {
	MaxAllocPct         float64 `yaml:"max_alloc_pct"`
	PerPairCapPct       float64 `yaml:"per_pair_cap_pct"`
	TotalCapPct         float64 `yaml:"total_cap_pct"`
	DailyDrawdownPct    float64 `yaml:"daily_drawdown_pct"`
	MinEquityForBreaker float64 `yaml:"min_equity_for_breaker"`
	MinOrderEquityFrac  float64 `yaml:"min_order_equity_frac"`
	AutoScale           bool    `yaml:"auto_scale"`
	AutoScaleGain       float64 `yaml:"auto_scale_gain"`
	AutoScaleMaxFactor  float64 `yaml:"auto_scale_max_factor"`
}

type ScaleInConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MinTopUpUSDT  float64 `yaml:"min_top_up_usdt"`
	MaxDailySteps int     `yaml:"max_daily_steps"`
	ExtraBuffer   float64 `yaml:"extra_buffer"`
}

type SnipeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`
	MinRate    float64       `yaml:"min_rate"`
	CloseAfter time.Duration `yaml:"close_after"`
}

type ReportConfig struct {
	TZOffsetHours    int `yaml:"tz_offset_hours"`
	DaytimeStartHour int `yaml:"daytime_start_hour"`
	DaytimeEndHour   int `yaml:"daytime_end_hour"`
	DailySummaryHour int `yaml:"daily_summary_hour"`
}

type FlowConfig struct {
	StartBaseUSDT  float64       `yaml:"start_base_usdt"`
	PnlThreshold   float64       `yaml:"pnl_threshold"`
	ExportShare    float64       `yaml:"export_share"`
	EnableTransfer bool          `yaml:"enable_transfer"`
	SubAccountID   string        `yaml:"sub_account_id"`
	Asset          string        `yaml:"asset"`
	Interval       time.Duration `yaml:"interval"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.bybit.com"
	}
	if cfg.Exchange.WSURL == "" {
		cfg.Exchange.WSURL = "wss://stream.bybit.com/v5/public/spot"
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RecvWindow == 0 {
		cfg.Exchange.RecvWindow = 5 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/carry-bot.db"
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 1
	}
	if cfg.Strategy.PollInterval == 0 {
		cfg.Strategy.PollInterval = 60 * time.Second
	}
	if cfg.Strategy.SpreadCeiling == 0 {
		cfg.Strategy.SpreadCeiling = 0.002
	}
	if cfg.Strategy.ExitAfterBelowCycles == 0 {
		cfg.Strategy.ExitAfterBelowCycles = 3
	}
	if cfg.Strategy.ExitNegativeFunding == 0 {
		cfg.Strategy.ExitNegativeFunding = -0.00005
	}
	if cfg.Strategy.Cooldown == 0 {
		cfg.Strategy.Cooldown = 30 * time.Minute
	}
	if cfg.Strategy.TakerFallbackAfter == 0 {
		cfg.Strategy.TakerFallbackAfter = 1500 * time.Millisecond
	}
	if cfg.Strategy.ThresholdLow == 0 {
		cfg.Strategy.ThresholdLow = cfg.Strategy.FundingThreshold8h / 3
	}
	if cfg.Strategy.ThresholdHigh == 0 {
		cfg.Strategy.ThresholdHigh = cfg.Strategy.FundingThreshold8h * 2
	}
	if cfg.Risk.MaxAllocPct == 0 {
		cfg.Risk.MaxAllocPct = 0.10
	}
	if cfg.Risk.PerPairCapPct == 0 {
		cfg.Risk.PerPairCapPct = 0.20
	}
	if cfg.Risk.TotalCapPct == 0 {
		cfg.Risk.TotalCapPct = 0.60
	}
	if cfg.Risk.MinOrderEquityFrac == 0 {
		cfg.Risk.MinOrderEquityFrac = 0.25
	}
	if cfg.Risk.AutoScaleMaxFactor == 0 {
		cfg.Risk.AutoScaleMaxFactor = 2.0
	}
	if cfg.ScaleIn.MaxDailySteps == 0 {
		cfg.ScaleIn.MaxDailySteps = 2
	}
	if cfg.Snipe.Window == 0 {
		cfg.Snipe.Window = 10 * time.Minute
	}
	if cfg.Snipe.CloseAfter == 0 {
		cfg.Snipe.CloseAfter = 5 * time.Minute
	}
	if cfg.Report.DaytimeStartHour == 0 {
		cfg.Report.DaytimeStartHour = 9
	}
	if cfg.Report.DaytimeEndHour == 0 {
		cfg.Report.DaytimeEndHour = 22
	}
	if cfg.Report.DailySummaryHour == 0 {
		cfg.Report.DailySummaryHour = 10
	}
	if cfg.Flow.Asset == "" {
		cfg.Flow.Asset = "USDT"
	}
	if cfg.Flow.Interval == 0 {
		cfg.Flow.Interval = 5 * time.Minute
	}
	for i := range cfg.Strategy.Symbols {
		if cfg.Strategy.Symbols[i].Leverage == 0 {
			cfg.Strategy.Symbols[i].Leverage = cfg.Strategy.Leverage
		}
		if cfg.Strategy.Symbols[i].MaxAllocPct == 0 {
			cfg.Strategy.Symbols[i].MaxAllocPct = cfg.Risk.MaxAllocPct
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Strategy.Symbols) == 0 {
		return errors.New("strategy.symbols is required")
	}
	for _, sym := range cfg.Strategy.Symbols {
		if !strings.Contains(sym.Pair, "/") {
			return fmt.Errorf("strategy.symbols pair %q must be BASE/QUOTE", sym.Pair)
		}
		if sym.Leverage < 1 {
			return fmt.Errorf("strategy.symbols pair %q leverage must be >= 1", sym.Pair)
		}
	}
	if cfg.Strategy.FundingThreshold8h <= 0 {
		return errors.New("strategy.funding_threshold_8h must be > 0")
	}
	if cfg.Strategy.ThresholdLow > cfg.Strategy.FundingThreshold8h {
		return errors.New("strategy.threshold_low must not exceed the base threshold")
	}
	if cfg.Strategy.ThresholdHigh < cfg.Strategy.FundingThreshold8h {
		return errors.New("strategy.threshold_high must not be below the base threshold")
	}
	if cfg.Risk.MaxAllocPct <= 0 || cfg.Risk.MaxAllocPct > 1 {
		return errors.New("risk.max_alloc_pct must be in (0, 1]")
	}
	if cfg.Risk.PerPairCapPct <= 0 || cfg.Risk.PerPairCapPct > 1 {
		return errors.New("risk.per_pair_cap_pct must be in (0, 1]")
	}
	if cfg.Risk.TotalCapPct <= 0 || cfg.Risk.TotalCapPct > 1 {
		return errors.New("risk.total_cap_pct must be in (0, 1]")
	}
	if cfg.Risk.MaxAllocPct > cfg.Risk.PerPairCapPct {
		return errors.New("risk.max_alloc_pct must not exceed risk.per_pair_cap_pct")
	}
	if cfg.Risk.DailyDrawdownPct < 0 {
		return errors.New("risk.daily_drawdown_pct must be >= 0")
	}
	if cfg.Risk.AutoScale && cfg.Risk.AutoScaleGain <= 0 {
		return errors.New("risk.auto_scale_gain must be > 0 when auto_scale is enabled")
	}
	if cfg.Risk.AutoScaleMaxFactor < 1 {
		return errors.New("risk.auto_scale_max_factor must be >= 1")
	}
	if cfg.ScaleIn.Enabled && cfg.ScaleIn.MinTopUpUSDT <= 0 {
		return errors.New("scale_in.min_top_up_usdt must be > 0 when scale_in is enabled")
	}
	if cfg.Snipe.Enabled && cfg.Snipe.MinRate < cfg.Strategy.FundingThreshold8h {
		return errors.New("snipe.min_rate must be at least the base threshold")
	}
	if cfg.Report.DaytimeStartHour < 0 || cfg.Report.DaytimeStartHour > 23 ||
		cfg.Report.DaytimeEndHour < 0 || cfg.Report.DaytimeEndHour > 23 {
		return errors.New("report daytime hours must be within 0..23")
	}
	if cfg.Flow.ExportShare < 0 || cfg.Flow.ExportShare > 1 {
		return errors.New("flow.export_share must be in [0, 1]")
	}
	if cfg.Flow.PnlThreshold < 0 || cfg.Flow.PnlThreshold > 1 {
		return errors.New("flow.pnl_threshold must be a fraction in [0, 1]")
	}
	return nil
}
