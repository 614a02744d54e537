// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64
	MaxSubscriptions int
	MetricsAddr      string

	TickInterval           time.Duration
	CycleTimeout           time.Duration
	Workers                int
	MaxListings            int
	MaxItemsPerBatch       int
	MaxBatchChars          int
	BatchPause             time.Duration
	FirstRunPolicy         string
	MaxConsecutiveFailures int

	FetchRetryAttempts    int
	DeliveryRetryAttempts int
	DeliveryRetryBase     time.Duration
	SendRate              float64

	SeenRetention   time.Duration
	EventRetention  time.Duration
	CleanupSchedule string
}

type source struct {
	file map[string]string
}

// lookup prefers the environment over the config file.
func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) str(key, def string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return def
}

func (s source) integer(key string, def, lo, hi int) (int, error) {
	raw := s.lookup(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", key, lo, hi, n)
	}
	return n, nil
}

func (s source) duration(key string, def time.Duration) (time.Duration, error) {
	raw := s.lookup(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// Load reads configuration from environment variables. When CONFIG_FILE is
// set, the YAML file it names provides values for keys missing from the
// environment.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		TelegramBotToken: src.lookup("TELEGRAM_BOT_TOKEN"),
		DatabasePath:     src.str("DATABASE_PATH", "./data/bot.db"),
		LogLevel:         src.str("LOG_LEVEL", "info"),
		MetricsAddr:      src.lookup("METRICS_ADDR"),
		FirstRunPolicy:   strings.ToLower(src.str("FIRST_RUN_POLICY", "seed")),
		CleanupSchedule:  src.str("CLEANUP_SCHEDULE", "17 3 * * *"),
	}
	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	if raw := src.lookup("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	var err error
	ints := []struct {
		dst          *int
		key          string
		def, lo, hi int
	}{
		{&cfg.MaxSubscriptions, "MAX_SUBSCRIPTIONS", 10, 1, 1000},
		{&cfg.Workers, "WORKERS", 4, 1, 64},
		{&cfg.MaxListings, "MAX_LISTINGS", 100, 1, 1000},
		{&cfg.MaxItemsPerBatch, "MAX_ITEMS_PER_BATCH", 10, 1, 100},
		{&cfg.MaxBatchChars, "MAX_BATCH_CHARS", 4096, 64, 1 << 20},
		{&cfg.MaxConsecutiveFailures, "MAX_CONSECUTIVE_FAILURES", 3, 1, 100},
		{&cfg.FetchRetryAttempts, "FETCH_RETRY_ATTEMPTS", 1, 1, 10},
		{&cfg.DeliveryRetryAttempts, "DELIVERY_RETRY_ATTEMPTS", 3, 1, 10},
	}
	for _, it := range ints {
		if *it.dst, err = src.integer(it.key, it.def, it.lo, it.hi); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.TickInterval, "TICK_INTERVAL", time.Minute},
		{&cfg.CycleTimeout, "CYCLE_TIMEOUT", 10 * time.Minute},
		{&cfg.BatchPause, "BATCH_PAUSE", time.Second},
		{&cfg.DeliveryRetryBase, "DELIVERY_RETRY_BASE", 500 * time.Millisecond},
		{&cfg.SeenRetention, "SEEN_RETENTION", 30 * 24 * time.Hour},
		{&cfg.EventRetention, "EVENT_RETENTION", 90 * 24 * time.Hour},
	}
	for _, it := range durations {
		if *it.dst, err = src.duration(it.key, it.def); err != nil {
			return nil, err
		}
	}
	if cfg.TickInterval == 0 {
		return nil, fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if cfg.CycleTimeout == 0 {
		return nil, fmt.Errorf("CYCLE_TIMEOUT must be positive")
	}

	cfg.SendRate = 25
	if raw := src.lookup("SEND_RATE"); raw != "" {
		r, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid SEND_RATE %q", raw)
		}
		cfg.SendRate = r
	}

	switch cfg.FirstRunPolicy {
	case "seed", "notify":
	default:
		return nil, fmt.Errorf("FIRST_RUN_POLICY must be seed or notify, got %q", cfg.FirstRunPolicy)
	}

	if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
		return nil, fmt.Errorf("invalid CLEANUP_SCHEDULE %q: %w", cfg.CleanupSchedule, err)
	}

	return cfg, nil
}

// readFile loads a flat YAML mapping whose keys are the environment
// variable names, e.g. "WORKERS: 8".
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
