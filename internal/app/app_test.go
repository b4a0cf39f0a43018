package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/models"
	"github.com/sigfuse/sigfuse/internal/pusher"
)

const smokeYAML = `
event_log:
  redis_addr: "localhost:6379"
aggregation:
  tier_s_sources: ["tg:bwenews"]
  official_sources: ["tg:binance_en"]
  tier_1_exchanges: ["binance", "coinbase", "upbit"]
scoring:
  source_scores:
    tg_alpha_intel: 100
  exchange_scores:
    binance: 90
trigger:
  korean_exchanges: ["upbit", "bithumb"]
`

func smokeConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smokeYAML), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// A tier-S raw event appended to the log flows through fusion into the fused
// stream and is drained by the dry-run pusher, end to end.
func TestRunWith_FusionAndPusherSmoke(t *testing.T) {
	cfg := smokeConfig(t)
	l := eventlog.NewMemoryLog(cfg.EventLog.MaxLen)

	ev := &models.RawEvent{
		SourceType: models.SourceTypeTelegram,
		Source:     "tg:bwenews",
		Exchange:   "binance",
		Symbol:     "XYZ",
		RawText:    "Binance will list XYZ",
		DetectedAt: time.Now().UnixMilli(),
	}
	_, err := l.Append(context.Background(), cfg.EventLog.RawStream, ev.Fields())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runWith(ctx, cfg, l, Options{DryRun: true, Only: []string{"fusion", "pusher"}})
	}()

	assert.Eventually(t, func() bool {
		n, err := l.Len(context.Background(), cfg.EventLog.FusedStream)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond, "fused event never appeared")

	assert.Eventually(t, func() bool {
		return l.PendingCount(cfg.EventLog.FusedStream, pusher.Group) == 0
	}, 5*time.Second, 20*time.Millisecond, "pusher never acked the delivery")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

// The component filter keeps unrequested subsystems off; with only the
// pusher running nothing consumes the raw stream.
func TestRunWith_OnlyFilter(t *testing.T) {
	cfg := smokeConfig(t)
	l := eventlog.NewMemoryLog(cfg.EventLog.MaxLen)

	ev := &models.RawEvent{
		SourceType: models.SourceTypeTelegram,
		Source:     "tg:bwenews",
		Symbol:     "ABC",
		DetectedAt: time.Now().UnixMilli(),
	}
	_, err := l.Append(context.Background(), cfg.EventLog.RawStream, ev.Fields())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runWith(ctx, cfg, l, Options{DryRun: true, Only: []string{"pusher"}})
	}()

	time.Sleep(300 * time.Millisecond)
	n, err := l.Len(context.Background(), cfg.EventLog.FusedStream)
	require.NoError(t, err)
	assert.Zero(t, n, "fusion must not run when filtered out")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestBuildSinks_DryRunUsesLogSink(t *testing.T) {
	cfg := smokeConfig(t)
	cfg.Pusher.Sinks = []config.SinkConfig{
		{Name: "hook", Kind: "webhook", URL: "http://example.invalid/hook"},
	}

	sinks, err := buildSinks(cfg, nil, true)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.IsType(t, pusher.LogSink{}, sinks[0])
}

func TestBuildSinks_EmptyFallsBackToLogSink(t *testing.T) {
	cfg := smokeConfig(t)
	cfg.Pusher.Sinks = nil

	sinks, err := buildSinks(cfg, nil, false)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.IsType(t, pusher.LogSink{}, sinks[0])
}
