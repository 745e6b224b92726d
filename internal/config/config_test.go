package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockguessr/match-engine/internal/schedule"
)

var envKeys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "LOG_LEVEL", "LOG_FORMAT",
	"STARTING_CASH", "ALLOWED_ORIGINS", "COUNTDOWN_DURATION", "ROUND_DURATION",
	"DECISION_DURATION", "LOBBY_TIMEOUT", "CACHE_TTL", "LEVERAGE_OPTIONS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)

	mc, err := cfg.MatchSettings()
	require.NoError(t, err)
	assert.Equal(t, schedule.DefaultTiming, mc.Timing)
	assert.Equal(t, 6*time.Second, mc.Timing.Reveal())
	assert.Equal(t, 20, mc.Layout.Days())
	assert.Equal(t, "100000", mc.StartingCash.String())
	assert.Equal(t, []int{1, 2, 3, 5, 10}, mc.Policy.AllowedLeverage)
	assert.Equal(t, 10*time.Minute, mc.LobbyTimeout)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
log_level: debug
match:
  countdown: 5s
  round: 20s
  decision: 15s
  starting_cash: "50000"
  leverage: [1, 2]
  max_shares: 500
websocket:
  burst: 3
`), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("DECISION_DURATION", "12s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "env beats file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)

	mc, err := cfg.MatchSettings()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, mc.Timing.Countdown)
	assert.Equal(t, 20*time.Second, mc.Timing.Round)
	assert.Equal(t, 12*time.Second, mc.Timing.Decision)
	assert.Equal(t, "50000", mc.StartingCash.String())
	assert.Equal(t, []int{1, 2}, mc.Policy.AllowedLeverage)
	assert.Equal(t, int64(500), mc.Policy.MaxSharesPerTrade)

	hc := cfg.HubConfig()
	assert.Equal(t, 3, hc.Burst)
	assert.Equal(t, float64(5), hc.RatePerSecond)
	assert.Len(t, hc.AllowedOrigins, 2)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad duration", "ROUND_DURATION", "soon"},
		{"bad level", "LOG_LEVEL", "loud"},
		{"bad format", "LOG_FORMAT", "xml"},
		{"bad cash", "STARTING_CASH", "-5"},
		{"bad leverage", "LEVERAGE_OPTIONS", "1,two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMatchSettings_RejectsBadTiming(t *testing.T) {
	clearEnv(t)
	t.Setenv("DECISION_DURATION", "30s")

	cfg, err := Load("")
	require.NoError(t, err)
	_, err = cfg.MatchSettings()
	assert.ErrorIs(t, err, schedule.ErrInvalidTiming)
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogFormat = "text"
	cfg.LogLevel = "warn"

	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "match", "m1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "match=m1")
}
