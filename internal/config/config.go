package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds every knob the engine's components read. Fields mirror the
// keys recognised by live_config.py so an operator migrating a JSON config
// file sees familiar names.
type Config struct {
	Leverage           int     `mapstructure:"leverage"`
	MaxPositions       int     `mapstructure:"max_positions"`
	MaxEntriesPerDay   int     `mapstructure:"max_entries_per_day"` // 0 disables; see DESIGN.md
	LiveFixedMarginUSDT float64 `mapstructure:"live_fixed_margin_usdt"`
	MarginMode         string  `mapstructure:"margin_mode"` // "fixed" | "percent"
	MarginPct          float64 `mapstructure:"margin_pct"`
	DailyLossLimitUSDT float64 `mapstructure:"daily_loss_limit_usdt"`

	StopLossPct float64 `mapstructure:"stop_loss_pct"`
	StrongTPPct float64 `mapstructure:"strong_tp_pct"`
	MediumTPPct float64 `mapstructure:"medium_tp_pct"`
	WeakTPPct   float64 `mapstructure:"weak_tp_pct"`
	MaxHoldHours float64 `mapstructure:"max_hold_hours"`

	StrengthEval2hGrowth  float64 `mapstructure:"strength_eval_2h_growth"`
	StrengthEval2hRatio   float64 `mapstructure:"strength_eval_2h_ratio"`
	StrengthEval12hGrowth float64 `mapstructure:"strength_eval_12h_growth"`
	StrengthEval12hRatio  float64 `mapstructure:"strength_eval_12h_ratio"`

	// Early-exit checkpoints beyond the 2h/12h strength evaluation, each
	// independently toggleable and off by default unless the JSON config
	// turns them on.
	Enable2hEarlyStop     bool    `mapstructure:"enable_2h_early_stop"`
	EarlyStop2hThreshold  float64 `mapstructure:"early_stop_2h_threshold"`
	Enable12hEarlyStop    bool    `mapstructure:"enable_12h_early_stop"`
	EarlyStop12hThreshold float64 `mapstructure:"early_stop_12h_threshold"`
	EnableWeak24hExit     bool    `mapstructure:"enable_weak_24h_exit"`
	Weak24hThreshold      float64 `mapstructure:"weak_24h_threshold"`
	EnableMaxGain24hExit  bool    `mapstructure:"enable_max_gain_24h_exit"`
	MaxGain24hThreshold   float64 `mapstructure:"max_gain_24h_threshold"`

	SurgeThreshold     float64 `mapstructure:"surge_threshold"`
	SurgeMaxMultiple   float64 `mapstructure:"surge_max_multiple"`
	ScanIntervalSeconds int    `mapstructure:"scan_interval_seconds"`
	ScannerConcurrency int     `mapstructure:"scanner_concurrency"`

	EnableRiskFilters bool `mapstructure:"enable_risk_filters"`

	PendingPoolDelaySeconds int `mapstructure:"pending_pool_delay_seconds"`
	MonitorIntervalSeconds  int `mapstructure:"monitor_interval_seconds"`
	AutoTradeEnabled        bool `mapstructure:"auto_trade_enabled"`

	DBPath string `mapstructure:"db_path"`
	Testnet bool  `mapstructure:"testnet"`
}

// MutableFields lists the keys an operator may change in the JSON config
// file while the process is running, matching live_config.py's
// MUTABLE_FIELDS. Everything else requires a restart to take effect
// cleanly (symbol universe caches, leverage already set on the exchange,
// etc.) even though viper would technically let it change live.
var MutableFields = []string{
	"leverage",
	"max_positions",
	"margin_mode",
	"margin_pct",
	"live_fixed_margin_usdt",
	"daily_loss_limit_usdt",
}

// Manager owns the live Config value plus the viper instance backing it,
// and re-reads the mutable subset under lock whenever the config file
// changes on disk.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	viper  *viper.Viper
}

// NewManager builds defaults, optionally merges a JSON file at path (if it
// exists — absence is not an error, matching live_config.py falling back
// to hardcoded defaults when CONFIG_PATH is missing), then watches that
// file for live edits to the mutable subset.
func NewManager(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{config: &cfg, viper: v}

	if path != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("config file changed, reloading mutable fields")
			m.reloadMutable()
		})
	}
	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("leverage", 10)
	v.SetDefault("max_positions", 5)
	v.SetDefault("max_entries_per_day", 0)
	v.SetDefault("live_fixed_margin_usdt", 20.0)
	v.SetDefault("margin_mode", "fixed")
	v.SetDefault("margin_pct", 5.0)
	v.SetDefault("daily_loss_limit_usdt", 0.0)

	v.SetDefault("stop_loss_pct", 18.0)
	v.SetDefault("strong_tp_pct", 33.0)
	v.SetDefault("medium_tp_pct", 21.0)
	v.SetDefault("weak_tp_pct", 10.0)
	v.SetDefault("max_hold_hours", 24.0)

	v.SetDefault("strength_eval_2h_growth", 0.02)
	v.SetDefault("strength_eval_2h_ratio", 0.60)
	v.SetDefault("strength_eval_12h_growth", 0.03)
	v.SetDefault("strength_eval_12h_ratio", 0.60)

	v.SetDefault("enable_2h_early_stop", false)
	v.SetDefault("early_stop_2h_threshold", 0.02)
	v.SetDefault("enable_12h_early_stop", false)
	v.SetDefault("early_stop_12h_threshold", 0.03)
	v.SetDefault("enable_weak_24h_exit", false)
	v.SetDefault("weak_24h_threshold", -0.01)
	v.SetDefault("enable_max_gain_24h_exit", false)
	v.SetDefault("max_gain_24h_threshold", 0.30)

	v.SetDefault("surge_threshold", 8.0)
	v.SetDefault("surge_max_multiple", 60.0)
	v.SetDefault("scan_interval_seconds", 3600)
	v.SetDefault("scanner_concurrency", 3)

	v.SetDefault("enable_risk_filters", true)

	v.SetDefault("pending_pool_delay_seconds", 15) // documented default, see DESIGN.md
	v.SetDefault("monitor_interval_seconds", 60)
	v.SetDefault("auto_trade_enabled", true)

	v.SetDefault("db_path", "data/surgebot.db")
	v.SetDefault("testnet", false)
}

// Get returns a read-only snapshot of the current config.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

func (m *Manager) reloadMutable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fresh Config
	if err := m.viper.Unmarshal(&fresh); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload, keeping previous values")
		return
	}
	m.config.Leverage = fresh.Leverage
	m.config.MaxPositions = fresh.MaxPositions
	m.config.MarginMode = fresh.MarginMode
	m.config.MarginPct = fresh.MarginPct
	m.config.LiveFixedMarginUSDT = fresh.LiveFixedMarginUSDT
	m.config.DailyLossLimitUSDT = fresh.DailyLossLimitUSDT
}

// Set applies a runtime override directly, bypassing the file layer —
// used by tests and by any operator tooling invoked in-process.
func (m *Manager) Set(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.config)
}

// PendingPoolDelay returns the entry pipeline's batching delay as a
// Duration.
func (c Config) PendingPoolDelay() time.Duration {
	return time.Duration(c.PendingPoolDelaySeconds) * time.Second
}

// MonitorInterval returns the poll cadence as a Duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// ScanInterval returns the scanner's sweep cadence as a Duration.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Secrets are read directly from the environment rather than the config
// file, so credentials never land on disk in plaintext.
type Secrets struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	TelegramToken    string
	TelegramChatID   string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       string // comma-separated; empty disables the email mirror
}

// LoadSecrets reads environment-only credentials. Call godotenv.Load()
// before this in main so a local .env file populates the process environment
// first.
func LoadSecrets() Secrets {
	return Secrets{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     os.Getenv("SMTP_PORT"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		SMTPTo:       os.Getenv("SMTP_TO"),
	}
}
