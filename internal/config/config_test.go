package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
event_log:
  redis_addr: "localhost:6379"
aggregation:
  tier_s_sources: ["tg:bwenews"]
  official_sources: ["tg:binance_en"]
  tier_1_exchanges: ["binance", "upbit"]
scoring:
  source_scores:
    tg_alpha_intel: 100
  exchange_scores:
    binance: 90
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "events:raw", cfg.EventLog.RawStream)
	assert.Equal(t, "events:fused", cfg.EventLog.FusedStream)
	assert.Equal(t, int64(50000), cfg.EventLog.MaxLen)
	assert.Equal(t, 600*time.Second, cfg.Aggregation.Window())
	assert.Equal(t, 500, cfg.Aggregation.MaxPendingEvents)
	assert.Equal(t, 1800, cfg.Trigger.Cooldowns.Default)
	assert.Equal(t, 900, cfg.Trigger.Cooldowns.HighScore)
	assert.Equal(t, 300, cfg.Trigger.Cooldowns.KoreanArb)
	assert.Equal(t, 2, cfg.Trigger.MaxTriggersPerSymbol)
	assert.Equal(t, time.Hour, cfg.Trigger.TriggerWindow())
	assert.InDelta(t, 0.7, cfg.Trigger.PositionSizes.TierSTier1, 0.001)
	assert.Equal(t, 3, cfg.Pusher.Workers)
	assert.Equal(t, 3, cfg.Pusher.MaxRetries)
	assert.Equal(t, []string{"binance", "okx", "bybit", "coinbase", "upbit", "gate", "kucoin"},
		cfg.Trigger.ExchangePriority)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis-prod:6379")
	body := `
event_log:
  redis_addr: "${TEST_REDIS_ADDR}"
aggregation:
  tier_s_sources: ["tg:bwenews"]
  tier_1_exchanges: ["binance"]
scoring:
  source_scores:
    tg_alpha_intel: 100
  exchange_scores:
    binance: 90
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "redis-prod:6379", cfg.EventLog.RedisAddr)
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing redis", func(c *Config) { c.EventLog.RedisAddr = "" }, "redis_addr"},
		{"empty tier-s", func(c *Config) { c.Aggregation.TierSSources = nil }, "tier_s_sources"},
		{"empty tier-1", func(c *Config) { c.Aggregation.Tier1Exchanges = nil }, "tier_1_exchanges"},
		{"empty source scores", func(c *Config) { c.Scoring.SourceScores = nil }, "source_scores"},
		{"empty exchange scores", func(c *Config) { c.Scoring.ExchangeScores = nil }, "exchange_scores"},
		{"bad shard index", func(c *Config) { c.Aggregation.ShardIndex = 5 }, "shard_index"},
		{"inverted watermarks", func(c *Config) { c.EventLog.LowWaterMark = 99999 }, "low_water_mark"},
		{"short heartbeat ttl", func(c *Config) { c.Heartbeat.TTLSeconds = 10 }, "heartbeat ttl"},
		{"position size out of range", func(c *Config) { c.Trigger.PositionSizes.AlphaOnly = 1.5 }, "position size"},
		{"sink without url", func(c *Config) {
			c.Pusher.Sinks = []SinkConfig{{Name: "hook", Kind: "webhook"}}
		}, "missing url"},
		{"sink unknown kind", func(c *Config) {
			c.Pusher.Sinks = []SinkConfig{{Name: "hook", Kind: "smtp", URL: "http://x"}}
		}, "unknown kind"},
		{"telegram without token", func(c *Config) { c.Monitors.Telegram.Enabled = true }, "bot_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestPollInterval_Tiered(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	fast := RestMonitorConfig{Exchange: "binance", PollSeconds: 5}
	assert.Equal(t, 5*time.Second, cfg.PollInterval(fast))

	unset := RestMonitorConfig{Exchange: "gate"}
	assert.Equal(t, 30*time.Second, cfg.PollInterval(unset), "falls back to the default tier")
}
