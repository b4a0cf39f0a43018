package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/models"
)

func telegramTestConfig() config.TelegramConfig {
	return config.TelegramConfig{
		Enabled:       true,
		BotToken:      "test-token",
		ChannelIDs:    []int64{-100123},
		ChannelNames:  map[string]string{"-100123": "bwenews"},
		SkipMediaOnly: true,
		MinTextLength: 10,
		PollSeconds:   1,
	}
}

func newTelegramMonitor(t *testing.T, cfg config.TelegramConfig, apiBase string) (*TelegramMonitor, *eventlog.MemoryLog) {
	t.Helper()
	core, l := newTestCore(t, "telegram", "")
	m := NewTelegramMonitor(core, testClient(), cfg)
	m.SetAPIBase(apiBase)
	return m, l
}

// drainRaw reads everything currently on the raw stream.
func drainRaw(t *testing.T, l *eventlog.MemoryLog) []eventlog.Entry {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.EnsureGroup(ctx, "events:raw", "test_group"))
	entries, err := l.Consume(ctx, "events:raw", "test_group", "t", 100, 0)
	if err == eventlog.ErrNoEntries {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func updatesBody(updateID int64, chatID int64, text string) string {
	return fmt.Sprintf(`{"ok": true, "result": [
		{"update_id": %d, "channel_post": {"chat": {"id": %d}, "text": %q, "date": 1700000000}}
	]}`, updateID, chatID, text)
}

func TestTelegram_PollEmitsListing(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(updatesBody(7, -100123, "Binance will list $XYZ today")))
	}))
	defer server.Close()

	m, l := newTelegramMonitor(t, telegramTestConfig(), server.URL)
	wait, err := m.pollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)

	entries := drainRaw(t, l)
	require.Len(t, entries, 1)
	ev, err := models.RawEventFromFields(entries[0].ID, entries[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, models.SourceTypeTelegram, ev.SourceType)
	assert.Equal(t, "tg:bwenews", ev.Source)
	assert.Equal(t, "binance", ev.Exchange, "venue inferred from the message text")
	assert.Equal(t, "XYZ", ev.Symbol)
}

func TestTelegram_OffsetAdvances(t *testing.T) {
	ctx := context.Background()

	var lastOffset atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastOffset.Store(r.URL.Query().Get("offset"))
		w.Write([]byte(updatesBody(41, -100123, "Upbit lists $ABC on KRW market")))
	}))
	defer server.Close()

	m, _ := newTelegramMonitor(t, telegramTestConfig(), server.URL)

	_, err := m.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", lastOffset.Load())

	_, err = m.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", lastOffset.Load(), "next poll must ask past the seen update")
}

func TestTelegram_FloodWaitHonored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok": false, "parameters": {"retry_after": 30}}`))
	}))
	defer server.Close()

	m, _ := newTelegramMonitor(t, telegramTestConfig(), server.URL)
	wait, err := m.pollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 30*time.Second, wait)
}

func TestTelegram_UnwatchedChannelIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(updatesBody(7, -999, "Binance will list $XYZ today")))
	}))
	defer server.Close()

	m, l := newTelegramMonitor(t, telegramTestConfig(), server.URL)
	_, err := m.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drainRaw(t, l))
}

func TestTelegram_Preprocess(t *testing.T) {
	cfg := telegramTestConfig()
	cfg.QuickFilterKeywords = []string{"listing", "상장"}
	core, _ := newTestCore(t, "telegram", "")
	m := NewTelegramMonitor(core, testClient(), cfg)

	tests := []struct {
		name string
		msg  telegramMessage
		want string
	}{
		{"media only rejected", telegramMessage{}, ""},
		{"caption accepted", telegramMessage{Caption: "New listing: $XYZ on Binance"}, "New listing: $XYZ on Binance"},
		{"too short rejected", telegramMessage{Text: "gm"}, ""},
		{"keyword miss rejected", telegramMessage{Text: "market update, nothing else"}, ""},
		{"keyword hit passes", telegramMessage{Text: "Binance Listing: XYZ spot pair"}, "Binance Listing: XYZ spot pair"},
		{"korean keyword hit", telegramMessage{Text: "업비트 XYZ 원화 마켓 상장 안내"}, "업비트 XYZ 원화 마켓 상장 안내"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.preprocess(&tt.msg))
		})
	}
}
