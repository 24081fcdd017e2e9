// Package config provides configuration management functionality.
//
// This package loads configuration from environment variables (and an
// optional .env file) following the same precedence and parsing rules as
// the rest of this codebase's ambient stack: typed helpers with sane
// defaults, never a hard failure for a missing optional key.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billpwchan/hk-tick-collector/internal/timeutil"
	"github.com/joho/godotenv"
)

// Config holds the full set of tunables for the collector process.
type Config struct {
	// Upstream
	UpstreamHost    string
	UpstreamPort    int
	UpstreamSession string
	Symbols         []string

	// Reconnect
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// Backfill
	BackfillEnabled bool
	BackfillN       int

	// Store
	DataRoot         string
	JournalMode      string
	Synchronous      string
	TempStore        string
	BusyTimeoutMs    int
	WALAutocheckpoint int

	// Queue
	BatchSize    int
	MaxWaitMs    int
	MaxQueueSize int

	// Retry
	PersistRetryMaxAttempts    int
	PersistRetryBackoffSec     float64
	PersistRetryBackoffMaxSec  float64

	// Poll
	PollEnabled     bool
	PollIntervalSec int
	PollNum         int
	PollStaleSec    int

	// Watchdog
	WatchdogStallSec             int
	WatchdogUpstreamWindowSec    int
	WatchdogQueueThresholdRows   int
	WatchdogRecoveryMaxFailures  int
	WatchdogRecoveryJoinTimeoutS int

	// Quality
	GapEnabled        bool
	GapThresholdSec   float64
	GapActiveWindowSec int
	GapActiveMinTicks int
	GapStallWarnSec   float64
	TradingTZ         string
	TradingSessions   string
	HolidayFile       string

	// Notifier
	NotifierEnabled       bool
	TelegramBotToken      string
	TelegramChatID        string
	TelegramThreadID      string
	RateLimitPerMin       int
	AlertCooldownSec      int
	AlertEscalationSteps  []int
	DigestOnly            bool

	// Health server
	HealthEnabled bool
	HealthHost    string
	HealthPort    int

	// Archive (added)
	ArchiveEnabled  bool
	ArchiveDir      string
	ArchiveKeepDays int
	ArchiveS3Bucket string
	ArchiveS3Prefix string

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables, tolerating a
// missing .env file exactly as godotenv.Load() does elsewhere in this
// codebase.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		UpstreamHost:    getEnv("UPSTREAM_HOST", "127.0.0.1"),
		UpstreamPort:    getEnvAsInt("UPSTREAM_PORT", 11111),
		UpstreamSession: getEnv("UPSTREAM_SESSION", ""),
		Symbols:         getEnvAsCSV("SYMBOLS", nil),

		ReconnectMinDelay: getEnvAsDuration("RECONNECT_MIN_DELAY_SEC", 1*time.Second, time.Second),
		ReconnectMaxDelay: getEnvAsDuration("RECONNECT_MAX_DELAY_SEC", 60*time.Second, time.Second),

		BackfillEnabled: getEnvAsBool("BACKFILL_ENABLED", false),
		BackfillN:       getEnvAsInt("BACKFILL_N", 0),

		DataRoot:          getEnv("DATA_ROOT", "./data"),
		JournalMode:       getEnv("JOURNAL_MODE", "WAL"),
		Synchronous:       getEnv("SYNCHRONOUS", "NORMAL"),
		TempStore:         getEnv("TEMP_STORE", "MEMORY"),
		BusyTimeoutMs:     getEnvAsInt("BUSY_TIMEOUT_MS", 5000),
		WALAutocheckpoint: getEnvAsInt("WAL_AUTOCHECKPOINT", 1000),

		BatchSize:    getEnvAsInt("QUEUE_BATCH_SIZE", 200),
		MaxWaitMs:    getEnvAsInt("QUEUE_MAX_WAIT_MS", 250),
		MaxQueueSize: getEnvAsInt("QUEUE_MAX_SIZE", 20000),

		PersistRetryMaxAttempts:   getEnvAsInt("PERSIST_RETRY_MAX_ATTEMPTS", 8),
		PersistRetryBackoffSec:    getEnvAsFloat("PERSIST_RETRY_BACKOFF_SEC", 0.5),
		PersistRetryBackoffMaxSec: getEnvAsFloat("PERSIST_RETRY_BACKOFF_MAX_SEC", 30.0),

		PollEnabled:     getEnvAsBool("POLL_ENABLED", true),
		PollIntervalSec: getEnvAsInt("POLL_INTERVAL_SEC", 5),
		PollNum:         getEnvAsInt("POLL_NUM", 50),
		PollStaleSec:    getEnvAsInt("POLL_STALE_SEC", 10),

		WatchdogStallSec:             getEnvAsInt("WATCHDOG_STALL_SEC", 30),
		WatchdogUpstreamWindowSec:    getEnvAsInt("WATCHDOG_UPSTREAM_WINDOW_SEC", 60),
		WatchdogQueueThresholdRows:   getEnvAsInt("WATCHDOG_QUEUE_THRESHOLD_ROWS", 100),
		WatchdogRecoveryMaxFailures:  getEnvAsInt("WATCHDOG_RECOVERY_MAX_FAILURES", 3),
		WatchdogRecoveryJoinTimeoutS: getEnvAsInt("WATCHDOG_RECOVERY_JOIN_TIMEOUT_SEC", 10),

		GapEnabled:         getEnvAsBool("GAP_ENABLED", true),
		GapThresholdSec:    maxFloat(0.1, getEnvAsFloat("GAP_THRESHOLD_SEC", 10.0)),
		GapActiveWindowSec: maxInt(1, getEnvAsInt("GAP_ACTIVE_WINDOW_SEC", 300)),
		GapActiveMinTicks:  maxInt(1, getEnvAsInt("GAP_ACTIVE_MIN_TICKS", 50)),
		GapStallWarnSec:    maxFloat(0.1, getEnvAsFloat("GAP_STALL_WARN_SEC", 30.0)),
		TradingTZ:          getEnv("TRADING_TZ", "Asia/Hong_Kong"),
		TradingSessions:    getEnv("TRADING_SESSIONS", "09:30-12:00,13:00-16:00"),
		HolidayFile:        getEnv("HOLIDAY_FILE", ""),

		NotifierEnabled:      getEnvAsBool("NOTIFIER_ENABLED", false),
		TelegramBotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:       getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramThreadID:     getEnv("TELEGRAM_THREAD_ID", ""),
		RateLimitPerMin:      getEnvAsInt("NOTIFIER_RATE_LIMIT_PER_MIN", 20),
		AlertCooldownSec:     getEnvAsInt("NOTIFIER_ALERT_COOLDOWN_SEC", 600),
		AlertEscalationSteps: getEnvAsIntCSV("NOTIFIER_ALERT_ESCALATION_STEPS_SEC", []int{300, 900, 1800}),

		HealthEnabled: getEnvAsBool("HEALTH_ENABLED", true),
		HealthHost:    getEnv("HEALTH_HOST", "0.0.0.0"),
		HealthPort:    getEnvAsInt("HEALTH_PORT", 8090),

		ArchiveEnabled:  getEnvAsBool("ARCHIVE_ENABLED", false),
		ArchiveDir:      getEnv("ARCHIVE_DIR", "./archive"),
		ArchiveKeepDays: getEnvAsInt("ARCHIVE_KEEP_DAYS", 14),
		ArchiveS3Bucket: getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Prefix: getEnv("ARCHIVE_S3_PREFIX", "hk-tick-collector"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants that must hold before any
// component starts; a failure here is a fatal startup error.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must not be empty")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("config: QUEUE_MAX_SIZE must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: QUEUE_BATCH_SIZE must be positive")
	}
	if _, err := timeutil.ParseTradingSessions(c.TradingSessions); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !allowedPragmaValue(c.JournalMode, "WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "OFF") {
		return fmt.Errorf("config: unsupported JOURNAL_MODE %q", c.JournalMode)
	}
	if !allowedPragmaValue(c.Synchronous, "OFF", "NORMAL", "FULL", "EXTRA") {
		return fmt.Errorf("config: unsupported SYNCHRONOUS %q", c.Synchronous)
	}
	if !allowedPragmaValue(c.TempStore, "DEFAULT", "FILE", "MEMORY") {
		return fmt.Errorf("config: unsupported TEMP_STORE %q", c.TempStore)
	}
	return nil
}

func allowedPragmaValue(value string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return true
		}
	}
	return false
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsBool accepts 1|true|yes|y|on for true and 0|false|no|n|off for
// false (case-insensitive); anything else falls back to defaultValue.
// Matches original_source/hk_tick_collector/quality/config.py's _get_env_bool.
func getEnvAsBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvAsDuration(key string, defaultValue time.Duration, unit time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(unit))
		}
	}
	return defaultValue
}

func getEnvAsCSV(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsIntCSV(key string, defaultValue []int) []int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
