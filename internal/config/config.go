// Package config loads server configuration from an optional YAML file,
// a .env file, and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stockguessr/match-engine/internal/match"
	"github.com/stockguessr/match-engine/internal/risk"
	"github.com/stockguessr/match-engine/internal/scenario"
	"github.com/stockguessr/match-engine/internal/schedule"
	"github.com/stockguessr/match-engine/internal/transport"
)

var ErrInvalid = errors.New("config: invalid value")

// Config holds application configuration
type Config struct {
	Port           string        `yaml:"port"`
	DatabaseURL    string        `yaml:"database_url"`
	RedisURL       string        `yaml:"redis_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	LogLevel       string        `yaml:"log_level"`  // debug, info, warn, error
	LogFormat      string        `yaml:"log_format"` // json or text
	AllowedOrigins []string      `yaml:"allowed_origins"`

	Match     MatchConfig     `yaml:"match"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// MatchConfig tunes match pacing and accounts.
type MatchConfig struct {
	Countdown      time.Duration `yaml:"countdown"`
	Round          time.Duration `yaml:"round"`    // reveal + decision
	Decision       time.Duration `yaml:"decision"` // tail of each round
	Weeks          int           `yaml:"weeks"`
	DaysPerWeek    int           `yaml:"days_per_week"`
	StartingCash   string        `yaml:"starting_cash"`
	Leverage       []int         `yaml:"leverage"`
	MaxShares      int64         `yaml:"max_shares"` // 0 = no cap
	LobbyTimeout   time.Duration `yaml:"lobby_timeout"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// WebSocketConfig tunes client connections.
type WebSocketConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	PongWait      time.Duration `yaml:"pong_wait"`
	SendBuffer    int           `yaml:"send_buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      "8080",
		CacheTTL:  30 * time.Second,
		LogLevel:  "info",
		LogFormat: "json",
		Match: MatchConfig{
			Countdown:      10 * time.Second,
			Round:          24 * time.Second,
			Decision:       18 * time.Second,
			Weeks:          4,
			DaysPerWeek:    5,
			StartingCash:   "100000",
			Leverage:       append([]int(nil), risk.DefaultLeverage...),
			LobbyTimeout:   10 * time.Minute,
			PersistTimeout: 5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			RatePerSecond: 5,
			Burst:         10,
			PongWait:      60 * time.Second,
			SendBuffer:    64,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. Environment variables override file values.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.Match.StartingCash, "STARTING_CASH")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"COUNTDOWN_DURATION", &c.Match.Countdown},
		{"ROUND_DURATION", &c.Match.Round},
		{"DECISION_DURATION", &c.Match.Decision},
		{"LOBBY_TIMEOUT", &c.Match.LobbyTimeout},
		{"CACHE_TTL", &c.CacheTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, d.key, v, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("LEVERAGE_OPTIONS"); v != "" {
		var opts []int
		for _, s := range splitList(v) {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("%w: LEVERAGE_OPTIONS=%q", ErrInvalid, v)
			}
			opts = append(opts, n)
		}
		c.Match.Leverage = opts
	}
	return nil
}

// Validate checks values that cannot be caught later by the components
// they configure.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.LogFormat)
	}
	cash, err := decimal.NewFromString(c.Match.StartingCash)
	if err != nil || !cash.IsPositive() {
		return fmt.Errorf("%w: starting cash %q", ErrInvalid, c.Match.StartingCash)
	}
	if c.Match.Weeks <= 0 || c.Match.DaysPerWeek <= 0 {
		return fmt.Errorf("%w: match needs at least one week and one day per week", ErrInvalid)
	}
	return nil
}

// MatchSettings returns the coordinator configuration.
func (c *Config) MatchSettings() (match.Config, error) {
	cash, err := decimal.NewFromString(c.Match.StartingCash)
	if err != nil {
		return match.Config{}, fmt.Errorf("%w: starting cash %q", ErrInvalid, c.Match.StartingCash)
	}
	mc := match.DefaultConfig()
	mc.Timing = schedule.Timing{
		Countdown: c.Match.Countdown,
		Round:     c.Match.Round,
		Decision:  c.Match.Decision,
		Weeks:     c.Match.Weeks,
	}
	if err := mc.Timing.Validate(); err != nil {
		return match.Config{}, err
	}
	mc.Layout = scenario.Layout{Weeks: c.Match.Weeks, DaysPerWeek: c.Match.DaysPerWeek}
	mc.StartingCash = cash
	mc.Policy = risk.NewPolicy(c.Match.Leverage, c.Match.MaxShares)
	mc.LobbyTimeout = c.Match.LobbyTimeout
	if c.Match.PersistTimeout > 0 {
		mc.PersistTimeout = c.Match.PersistTimeout
	}
	return mc, nil
}

// HubConfig returns the WebSocket hub configuration.
func (c *Config) HubConfig() transport.HubConfig {
	hc := transport.DefaultHubConfig()
	hc.AllowedOrigins = c.AllowedOrigins
	if c.WebSocket.RatePerSecond > 0 {
		hc.RatePerSecond = c.WebSocket.RatePerSecond
	}
	if c.WebSocket.Burst > 0 {
		hc.Burst = c.WebSocket.Burst
	}
	if c.WebSocket.PongWait > 0 {
		hc.PongWait = c.WebSocket.PongWait
		hc.PingInterval = c.WebSocket.PongWait / 2
	}
	if c.WebSocket.SendBuffer > 0 {
		hc.SendBuffer = c.WebSocket.SendBuffer
	}
	return hc
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return level, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
