package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"candlebot/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	InstanceID string

	// Market data
	Symbol         string
	Timeframes     []string // first entry is the primary (evaluated) timeframe
	DerivedTFs     []string // built locally from the primary series
	CandleCapacity int
	WarmupLimit    int
	StreamURL      string
	RestURL        string
	RestRatePerSec float64

	WatchdogSilence   time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// Strategy
	EvalInterval time.Duration
	Strategy     string
	StrategyFile string

	// Risk, all in percent
	StopLossPct        float64
	StopGainPct        float64
	TrailPct           float64
	TrailActivationPct float64
	MinProfitPct       float64
	FeePct             float64

	// Infrastructure
	SQLitePath     string
	ArchiveCandles bool
	RedisAddr      string
	RedisPassword  string
	MetricsAddr    string

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	AdminTOTPSecret string

	LogLevel string
	LogFile  string
}

// PrimaryTimeframe returns the timeframe the strategy is evaluated on.
func (c *Config) PrimaryTimeframe() string {
	if len(c.Timeframes) == 0 {
		return ""
	}
	return c.Timeframes[0]
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("config: read .env: %w", err)
		}
		log.Printf("[config] loaded .env")
	}

	var errs []error
	cfg := &Config{
		InstanceID: getEnv("INSTANCE_ID", "candlebot"),
		Symbol:     strings.ToLower(strings.TrimSpace(os.Getenv("SYMBOL"))),

		CandleCapacity: getInt("CANDLE_CAPACITY", 1000, &errs),
		WarmupLimit:    getInt("WARMUP_LIMIT", 500, &errs),
		StreamURL:      getEnv("STREAM_URL", "wss://stream.binance.com:9443/ws"),
		RestURL:        getEnv("REST_URL", "https://api.binance.com"),
		RestRatePerSec: getFloat("REST_RATE_PER_SEC", 5, &errs),

		WatchdogSilence:   getDuration("WATCHDOG_SILENCE", 60*time.Second, &errs),
		ReconnectDelay:    getDuration("RECONNECT_DELAY", time.Second, &errs),
		MaxReconnectDelay: getDuration("MAX_RECONNECT_DELAY", 30*time.Second, &errs),

		EvalInterval: getDuration("EVAL_INTERVAL", time.Second, &errs),
		Strategy:     getEnv("STRATEGY", "sma_cross"),
		StrategyFile: getEnv("STRATEGY_FILE", ""),

		StopLossPct:        getFloat("STOP_LOSS_PCT", 0, &errs),
		StopGainPct:        getFloat("STOP_GAIN_PCT", 0, &errs),
		TrailPct:           getFloat("TRAIL_PCT", 0, &errs),
		TrailActivationPct: getFloat("TRAIL_ACTIVATION_PCT", 0, &errs),
		MinProfitPct:       getFloat("MIN_PROFIT_PCT", 0, &errs),
		FeePct:             getFloat("FEE_PCT", 0.1, &errs),

		SQLitePath:     getEnv("SQLITE_PATH", "data/candlebot.db"),
		ArchiveCandles: getBool("ARCHIVE_CANDLES", false, &errs),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	if cfg.Symbol == "" {
		errs = append(errs, errors.New("SYMBOL is required"))
	}

	tfs, err := model.ParseTimeframes(getEnv("TIMEFRAMES", "1m"))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("TIMEFRAMES: %w", err))
	case len(tfs) == 0:
		errs = append(errs, errors.New("TIMEFRAMES: at least one timeframe is required"))
	}
	cfg.Timeframes = tfs

	derived, err := model.ParseTimeframes(getEnv("DERIVED_TFS", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("DERIVED_TFS: %w", err))
	}
	cfg.DerivedTFs = derived

	if cfg.CandleCapacity <= 0 {
		errs = append(errs, fmt.Errorf("CANDLE_CAPACITY must be positive, got %d", cfg.CandleCapacity))
	}
	if cfg.EvalInterval <= 0 {
		errs = append(errs, fmt.Errorf("EVAL_INTERVAL must be positive, got %s", cfg.EvalInterval))
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		errs = append(errs, fmt.Errorf("MAX_RECONNECT_DELAY %s below RECONNECT_DELAY %s", cfg.MaxReconnectDelay, cfg.ReconnectDelay))
	}
	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	if f < 0 {
		*errs = append(*errs, fmt.Errorf("%s: must not be negative, got %v", key, f))
		return fallback
	}
	return f
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}
