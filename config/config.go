package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full static configuration for both the monitor and engine
// processes. It is loaded once at startup from an optional YAML file with
// environment variable overrides applied on top.
type Config struct {
	Kline        KlineConfig        `yaml:"kline"`
	Indicators   IndicatorConfig    `yaml:"indicators"`
	OpenInterest OpenInterestConfig `yaml:"open_interest"`
	Detection    DetectionConfig    `yaml:"detection"`
	Alert        AlertConfig        `yaml:"alert"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	API          APIConfig          `yaml:"api"`
	Symbols      SymbolsConfig      `yaml:"symbols"`
	Trading      TradingConfig      `yaml:"trading"`
	Simulator    SimulatorConfig    `yaml:"simulator"`
	Paths        PathsConfig        `yaml:"paths"`
	Server       ServerConfig       `yaml:"server"`
	SMTP         SMTPConfig         `yaml:"smtp"`
	Env          EnvConfig          `yaml:"env"`
}

// KlineConfig controls the bar timeframe and window depth.
type KlineConfig struct {
	Interval    string `yaml:"interval"`     // e.g. "5m", "15m", "1h"
	HistorySize int    `yaml:"history_size"` // rolling window capacity
	WarmupSize  int    `yaml:"warmup_size"`  // REST warmup depth
}

// IndicatorConfig holds all indicator periods and thresholds.
type IndicatorConfig struct {
	ATRPeriod              int     `yaml:"atr_period"`
	StdDevPeriod           int     `yaml:"stddev_period"`
	VolumeMAPeriod         int     `yaml:"volume_ma_period"`
	BBPeriod               int     `yaml:"bb_period"`
	BBStdMultiplier        float64 `yaml:"bb_std_multiplier"`
	RSIPeriod              int     `yaml:"rsi_period"`
	EMAFastPeriod          int     `yaml:"ema_fast_period"`
	EMASlowPeriod          int     `yaml:"ema_slow_period"`
	OIMAPeriod             int     `yaml:"oi_ma_period"`
	OIMomentumPeriod       int     `yaml:"oi_momentum_period"`
	OIDivergenceWindow     int     `yaml:"oi_divergence_window"`
	LongWickRatioThreshold float64 `yaml:"long_wick_ratio_threshold"`
	EngulfingStrictMode    bool    `yaml:"engulfing_strict_mode"`
}

// OpenInterestConfig toggles open-interest polling.
type OpenInterestConfig struct {
	Enabled     bool `yaml:"enabled"`
	HistorySize int  `yaml:"history_size"`
}

// DetectionConfig holds the dual-gate detector thresholds.
type DetectionConfig struct {
	MinGroupA          int     `yaml:"min_group_a"`
	MinGroupB          int     `yaml:"min_group_b"`
	ATRZScore          float64 `yaml:"atr_zscore"`
	PriceZScore        float64 `yaml:"price_zscore"`
	VolumeZScore       float64 `yaml:"volume_zscore"`
	BBWidthZScore      float64 `yaml:"bb_width_zscore"`
	OIZScore           float64 `yaml:"oi_zscore"`
	MADeviationZScore  float64 `yaml:"ma_deviation_zscore"`
	RSIOverbought      float64 `yaml:"rsi_overbought"`
	RSIOversold        float64 `yaml:"rsi_oversold"`
	StrongZScoreMargin float64 `yaml:"strong_zscore_margin"`
}

// AlertConfig controls the aggregator and mail toggle.
type AlertConfig struct {
	CooldownMinutes  int    `yaml:"cooldown_minutes"`
	SendDelaySeconds int    `yaml:"send_delay_seconds"`
	MaxBatchSize     int    `yaml:"max_batch_size"`
	SendEmail        bool   `yaml:"send_email"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatId   string `yaml:"telegram_chat_id"`
}

// WebSocketConfig holds kline fleet parameters.
type WebSocketConfig struct {
	BaseURL                 string `yaml:"base_url"`
	ReconnectDelaySeconds   int    `yaml:"reconnect_delay"`
	MaxReconnectAttempts    int    `yaml:"max_reconnect_attempts"`
	MaxStreamsPerConnection int    `yaml:"max_streams_per_connection"`
}

// APIConfig holds REST client parameters.
type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout"`
	RetryTimes     int    `yaml:"retry_times"`
}

// SymbolsConfig controls the tradable universe filter.
type SymbolsConfig struct {
	MinVolume24h          float64  `yaml:"min_volume_24h"`
	Exclude               []string `yaml:"exclude"`
	UpdateIntervalMinutes int      `yaml:"update_interval_minutes"`
}

// TradingConfig selects the execution backend.
type TradingConfig struct {
	Mode string `yaml:"mode"` // "live" or "simulator"
}

// SimulatorConfig holds the paper-trading economics.
type SimulatorConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	TakerFeeRate   float64 `yaml:"taker_fee_rate"`
	MaxLeverage    int     `yaml:"max_leverage"`
}

// PathsConfig holds locations of the persisted state files.
type PathsConfig struct {
	TradeState      string `yaml:"trade_state_path"`
	PositionHistory string `yaml:"position_history_path"`
	TradeRecords    string `yaml:"trade_records_path"`
	PendingOrders   string `yaml:"pending_orders_path"`
	LinkedOrders    string `yaml:"linked_orders_path"`
	AlertLog        string `yaml:"alert_log_path"`
}

// ServerConfig holds the read-only status HTTP server settings.
type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

// SMTPConfig holds outbound mail settings for alert notifications.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	FromName string   `yaml:"from_name"`
	To       []string `yaml:"to"`
}

// EnvConfig holds credentials and logging, always overridable from env.
type EnvConfig struct {
	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceAPISecret string `yaml:"binance_api_secret"`
	LogLevel         string `yaml:"log_level"`
}

// Load reads the YAML config file if present, applies defaults and then
// environment overrides. A missing file is not an error; env-only setups
// are supported.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks invariants that must hold before any external call is made.
// Missing live credentials are fatal at init.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "simulator" {
		return fmt.Errorf("trading.mode must be \"live\" or \"simulator\", got %q", c.Trading.Mode)
	}
	if c.Trading.Mode == "live" {
		if c.Env.BinanceAPIKey == "" || c.Env.BinanceAPISecret == "" {
			return fmt.Errorf("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
	}
	if c.Kline.HistorySize < 2 {
		return fmt.Errorf("kline.history_size must be >= 2, got %d", c.Kline.HistorySize)
	}
	if c.WebSocket.MaxStreamsPerConnection < 1 {
		return fmt.Errorf("websocket.max_streams_per_connection must be >= 1")
	}
	return nil
}

// APITimeout returns the REST client timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

func defaults() *Config {
	return &Config{
		Kline: KlineConfig{
			Interval:    "5m",
			HistorySize: 30,
			WarmupSize:  30,
		},
		Indicators: IndicatorConfig{
			ATRPeriod:              14,
			StdDevPeriod:           20,
			VolumeMAPeriod:         20,
			BBPeriod:               20,
			BBStdMultiplier:        2.0,
			RSIPeriod:              14,
			EMAFastPeriod:          12,
			EMASlowPeriod:          26,
			OIMAPeriod:             20,
			OIMomentumPeriod:       10,
			OIDivergenceWindow:     5,
			LongWickRatioThreshold: 2.0,
			EngulfingStrictMode:    true,
		},
		OpenInterest: OpenInterestConfig{
			Enabled:     true,
			HistorySize: 30,
		},
		Detection: DetectionConfig{
			MinGroupA:          2,
			MinGroupB:          1,
			ATRZScore:          3.0,
			PriceZScore:        3.0,
			VolumeZScore:       3.5,
			BBWidthZScore:      3.0,
			OIZScore:           2.5,
			MADeviationZScore:  2.5,
			RSIOverbought:      75,
			RSIOversold:        25,
			StrongZScoreMargin: 1.0,
		},
		Alert: AlertConfig{
			CooldownMinutes:  15,
			SendDelaySeconds: 3,
			MaxBatchSize:     20,
			SendEmail:        false,
		},
		WebSocket: WebSocketConfig{
			BaseURL:                 "wss://fstream.binance.com",
			ReconnectDelaySeconds:   5,
			MaxReconnectAttempts:    10,
			MaxStreamsPerConnection: 200,
		},
		API: APIConfig{
			BaseURL:        "https://fapi.binance.com",
			TimeoutSeconds: 15,
			RetryTimes:     3,
		},
		Symbols: SymbolsConfig{
			MinVolume24h:          0,
			Exclude:               nil,
			UpdateIntervalMinutes: 15,
		},
		Trading: TradingConfig{
			Mode: "simulator",
		},
		Simulator: SimulatorConfig{
			InitialBalance: 10000,
			TakerFeeRate:   0.0005,
			MaxLeverage:    20,
		},
		Paths: PathsConfig{
			TradeState:      "data/trade_state.json",
			PositionHistory: "data/position_history.json",
			TradeRecords:    "data/trade_records.json",
			PendingOrders:   "data/pending_orders.json",
			LinkedOrders:    "data/linked_orders.json",
			AlertLog:        "data/alerts.jsonl",
		},
		Server: ServerConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8090,
			AllowedOrigins: "*",
		},
		Env: EnvConfig{
			LogLevel: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Env.BinanceAPIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Env.BinanceAPIKey)
	cfg.Env.BinanceAPISecret = getEnvOrDefault("BINANCE_API_SECRET", cfg.Env.BinanceAPISecret)
	cfg.Env.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.Env.LogLevel)

	cfg.Kline.Interval = getEnvOrDefault("KLINE_INTERVAL", cfg.Kline.Interval)
	cfg.Kline.HistorySize = getEnvIntOrDefault("KLINE_HISTORY_SIZE", cfg.Kline.HistorySize)
	cfg.Kline.WarmupSize = getEnvIntOrDefault("KLINE_WARMUP_SIZE", cfg.Kline.WarmupSize)

	cfg.API.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.API.BaseURL)
	cfg.WebSocket.BaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.WebSocket.BaseURL)

	cfg.Trading.Mode = getEnvOrDefault("TRADING_MODE", cfg.Trading.Mode)

	cfg.Alert.SendEmail = getEnvBoolOrDefault("ALERT_SEND_EMAIL", cfg.Alert.SendEmail)
	cfg.OpenInterest.Enabled = getEnvBoolOrDefault("OPEN_INTEREST_ENABLED", cfg.OpenInterest.Enabled)

	cfg.SMTP.Host = getEnvOrDefault("SMTP_HOST", cfg.SMTP.Host)
	cfg.SMTP.Port = getEnvOrDefault("SMTP_PORT", cfg.SMTP.Port)
	cfg.SMTP.Username = getEnvOrDefault("SMTP_USERNAME", cfg.SMTP.Username)
	cfg.SMTP.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.SMTP.Password)
	cfg.SMTP.From = getEnvOrDefault("SMTP_FROM", cfg.SMTP.From)
	if to := os.Getenv("SMTP_TO"); to != "" {
		cfg.SMTP.To = splitAndTrim(to)
	}

	cfg.Server.Enabled = getEnvBoolOrDefault("STATUS_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Port = getEnvIntOrDefault("STATUS_SERVER_PORT", cfg.Server.Port)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
