package fusion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		EventLog: config.EventLogConfig{
			RedisAddr:     "localhost:6379",
			RawStream:     "events:raw",
			FusedStream:   "events:fused",
			MaxLen:        50000,
			HighWaterMark: 40000,
			LowWaterMark:  20000,
		},
		Aggregation: config.AggregationConfig{
			WindowSeconds:    600,
			MaxPendingEvents: 500,
			TierSSources:     []string{"tg:bwenews", "formula_news"},
			TierOfficial:     []string{"tg:binance_en", "binance_announcements"},
			Tier1Exchanges:   []string{"binance", "coinbase", "upbit", "okx", "bybit"},
			Shards:           1,
		},
		Trigger: config.TriggerConfig{
			Cooldowns: config.CooldownConfig{Default: 1800, HighScore: 900, KoreanArb: 300},
			PositionSizes: config.PositionSizeConfig{
				TierSTier1:    0.7,
				KoreanArb:     0.5,
				AlphaOnly:     0.49,
				MultiExchange: 0.5,
				HighScore:     0.3,
				Default:       0.2,
			},
			MaxTriggersPerSymbol: 2,
			TriggerWindowSeconds: 3600,
			KoreanExchanges:      []string{"upbit", "bithumb"},
			ExchangePriority:     []string{"binance", "okx", "bybit", "coinbase", "upbit", "gate", "kucoin"},
		},
		Heartbeat: config.HeartbeatConfig{IntervalSeconds: 30, TTLSeconds: 60},
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(testConfig().Aggregation)

	cases := []struct {
		name string
		ev   models.RawEvent
		want models.SourceTag
	}{
		{"tier-s channel", models.RawEvent{SourceType: models.SourceTypeTelegram, Source: "tg:bwenews"}, models.TagAlphaIntel},
		{"tier-s without prefix", models.RawEvent{SourceType: models.SourceTypeTelegram, Source: "formula_news"}, models.TagAlphaIntel},
		{"official channel", models.RawEvent{SourceType: models.SourceTypeTelegram, Source: "tg:binance_en"}, models.TagExchangeOfficial},
		{"plain telegram", models.RawEvent{SourceType: models.SourceTypeTelegram, Source: "tg:random_chat"}, models.TagSocialTelegram},
		{"rest", models.RawEvent{SourceType: models.SourceTypeRest, Source: "rest_okx", Exchange: "okx"}, models.RestAPITag("okx")},
		{"websocket", models.RawEvent{SourceType: models.SourceTypeWebSocket, Source: "binance_ws", Exchange: "binance"}, models.WebSocketTag("binance")},
		{"announcement", models.RawEvent{SourceType: models.SourceTypeAnnouncement, Source: "binance_cms"}, models.TagExchangeOfficial},
		{"news", models.RawEvent{SourceType: models.SourceTypeNews, Source: "news:coindesk"}, models.TagNews},
		{"chain", models.RawEvent{SourceType: models.SourceTypeChain, Source: "eth_rpc"}, models.TagChainContract},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(&tc.ev))
		})
	}
}

func TestScorer_TimingDecay(t *testing.T) {
	s := NewScorer(config.ScoringConfig{}, 600*time.Second)

	assert.InDelta(t, 100, s.timingScore(0), 0.01)
	assert.InDelta(t, 75, s.timingScore(150*time.Second), 0.01)
	assert.InDelta(t, 50, s.timingScore(300*time.Second), 0.01)
	assert.InDelta(t, 35, s.timingScore(450*time.Second), 0.01)
	assert.InDelta(t, 20, s.timingScore(600*time.Second), 0.01)
	assert.InDelta(t, 20, s.timingScore(2*time.Hour), 0.01)
}

func TestScorer_TierMapping(t *testing.T) {
	cases := []struct {
		total  float64
		tier   models.Tier
		action models.SignalAction
	}{
		{95, models.TierS, models.SignalImmediateBuy},
		{90, models.TierS, models.SignalImmediateBuy},
		{80, models.TierA, models.SignalQuickBuy},
		{65, models.TierB, models.SignalWatch},
		{45, models.TierC, models.SignalWatch},
		{30, models.TierNoise, models.SignalIgnore},
	}
	for _, tc := range cases {
		tier, action := tierFor(tc.total)
		assert.Equal(t, tc.tier, tier)
		assert.Equal(t, tc.action, action)
	}
}

func TestScorer_Pure(t *testing.T) {
	s := NewScorer(config.ScoringConfig{}, 600*time.Second)
	now := time.Unix(1_700_000_000, 0)
	ev := &models.AggregatedEvent{
		Symbol:    "XYZ",
		Exchange:  "binance",
		Exchanges: []string{"binance", "okx"},
		Sources:   []models.SourceTag{models.TagAlphaIntel, models.RestAPITag("okx")},
		Status:    models.StatusAlert,
		FirstSeen: now.Add(-30 * time.Second),
	}

	a := s.Score(ev, now)
	b := s.Score(ev, now)
	require.NotNil(t, a)
	assert.Equal(t, a, b, "same input at the same instant yields the same signal")
}

func TestScorer_ConfigOverridesTable(t *testing.T) {
	s := NewScorer(config.ScoringConfig{
		SourceScores:   map[string]float64{string(models.TagNews): 90},
		ExchangeScores: map[string]float64{"mexc": 80},
	}, 600*time.Second)

	now := time.Unix(1_700_000_000, 0)
	sig := s.Score(&models.AggregatedEvent{
		Symbol:    "ABC",
		Exchange:  "mexc",
		Exchanges: []string{"mexc"},
		Sources:   []models.SourceTag{models.TagNews},
		FirstSeen: now,
	}, now)
	require.NotNil(t, sig)
	assert.InDelta(t, 90, sig.SourceScore, 0.01)
	assert.InDelta(t, 80, sig.ExchangeScore, 0.01)
}

func TestAggregator_GroupMonotonicity(t *testing.T) {
	clk := newFakeClock()
	agg := NewAggregator(testConfig().Aggregation, clk.Now)

	for i := 0; i < 30; i++ {
		agg.Observe(&models.RawEvent{
			SourceType: models.SourceTypeRest,
			Source:     "rest_gate",
			Exchange:   "gate",
			Symbol:     "XYZ",
			DetectedAt: clk.Now().UnixMilli(),
		})
		g := agg.groups["XYZ"]
		require.NotNil(t, g)
		assert.False(t, g.FirstSeen.After(g.LastUpdated), "first_seen <= last_updated")
		assert.LessOrEqual(t, len(g.Events), 10, "provenance bounded")
		assert.Len(t, g.Sources, 1, "identical tag never duplicated")
		clk.Advance(time.Second)
	}
}

func TestAggregator_TriggerUniqueness(t *testing.T) {
	clk := newFakeClock()
	agg := NewAggregator(testConfig().Aggregation, clk.Now)

	alerts, confirms := 0, 0
	for i := 0; i < 5; i++ {
		agg.Observe(&models.RawEvent{
			SourceType: models.SourceTypeTelegram,
			Source:     "tg:bwenews",
			Exchange:   "binance",
			Symbol:     "XYZ",
			DetectedAt: clk.Now().UnixMilli(),
		})
		for _, out := range agg.Evaluate() {
			switch out.Status {
			case models.StatusAlert:
				alerts++
			case models.StatusTradingStarted:
				confirms++
			}
		}
		clk.Advance(time.Second)
	}
	assert.Equal(t, 1, alerts, "primary emission at most once")
	assert.Equal(t, 0, confirms)

	// Repeated WS observations confirm exactly once.
	for i := 0; i < 5; i++ {
		agg.Observe(&models.RawEvent{
			SourceType: models.SourceTypeWebSocket,
			Source:     "binance_ws",
			Exchange:   "binance",
			Symbol:     "XYZ",
			DetectedAt: clk.Now().UnixMilli(),
		})
		for _, out := range agg.Evaluate() {
			if out.Status == models.StatusTradingStarted {
				confirms++
				assert.True(t, out.WSConfirmed)
			}
		}
		clk.Advance(time.Second)
	}
	assert.Equal(t, 1, confirms, "ws follow-up at most once")
}

func TestAggregator_ExpiryNeverEmits(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig().Aggregation
	cfg.MaxPendingEvents = 3
	agg := NewAggregator(cfg, clk.Now)

	// Four never-firing single-venue groups; cap is 3.
	for _, sym := range []string{"AAA", "BBB", "CCC", "DDD"} {
		agg.Observe(&models.RawEvent{
			SourceType: models.SourceTypeRest,
			Source:     "rest_gate",
			Exchange:   "gate",
			Symbol:     sym,
			DetectedAt: clk.Now().UnixMilli(),
		})
		clk.Advance(time.Minute)
	}

	out := agg.Evaluate()
	assert.Empty(t, out, "expiry is silent")
	assert.Equal(t, 3, agg.Pending())
}

func TestAggregator_ShardOwnership(t *testing.T) {
	cfg := testConfig().Aggregation
	cfg.Shards = 4
	cfg.ShardIndex = ShardOf("XYZ", 4)
	agg := NewAggregator(cfg, newFakeClock().Now)

	agg.Observe(&models.RawEvent{
		SourceType: models.SourceTypeRest,
		Source:     "rest_gate",
		Exchange:   "gate",
		Symbol:     "XYZ",
		DetectedAt: 1,
	})
	assert.Equal(t, 1, agg.Pending())

	// A symbol hashing to a different shard is ignored by this owner.
	other := ""
	for _, cand := range []string{"AAA", "BBB", "CCC", "QQQ", "ZZZ"} {
		if ShardOf(cand, 4) != cfg.ShardIndex {
			other = cand
			break
		}
	}
	require.NotEmpty(t, other)
	agg.Observe(&models.RawEvent{
		SourceType: models.SourceTypeRest,
		Source:     "rest_gate",
		Exchange:   "gate",
		Symbol:     other,
		DetectedAt: 1,
	})
	assert.Equal(t, 1, agg.Pending())
}

func newTestDecider(l eventlog.Log) *Decider {
	cfg := testConfig()
	return NewDecider(cfg.Trigger, cfg.Aggregation, l)
}

func alphaSignal(symbol string, score float64) *models.Signal {
	return &models.Signal{
		Symbol:     symbol,
		Exchange:   "binance",
		Exchanges:  []string{"binance"},
		Sources:    []models.SourceTag{models.TagAlphaIntel},
		TotalScore: score,
		Tier:       models.TierA,
		Status:     models.StatusAlert,
	}
}

func TestDecider_CooldownCorrectness(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	d := newTestDecider(eventlog.NewMemoryLog(0))

	first := d.Decide(ctx, alphaSignal("XYZ", 78), clk.Now())
	require.Equal(t, models.ActionBuy, first.Action)

	// Any qualifying input inside the cooldown window is suppressed.
	for _, dt := range []time.Duration{time.Second, 5 * time.Minute, 899 * time.Second} {
		dec := d.Decide(ctx, alphaSignal("XYZ", 78), clk.Now().Add(dt))
		assert.Equal(t, models.ActionSkip, dec.Action)
		assert.Contains(t, dec.Reason, "cooldown")
	}

	// After the cooldown, decisions resume.
	dec := d.Decide(ctx, alphaSignal("XYZ", 78), clk.Now().Add(901*time.Second))
	assert.Equal(t, models.ActionBuy, dec.Action)
}

func TestDecider_RepeatLimit(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	d := newTestDecider(eventlog.NewMemoryLog(0))

	// Two BUYs inside the rolling hour, each after the previous cooldown.
	dec := d.Decide(ctx, alphaSignal("DEF", 78), clk.Now())
	require.Equal(t, models.ActionBuy, dec.Action)
	clk.Advance(1000 * time.Second)
	dec = d.Decide(ctx, alphaSignal("DEF", 78), clk.Now())
	require.Equal(t, models.ActionBuy, dec.Action)

	// Third qualifying input within the window is rate-limited.
	clk.Advance(1000 * time.Second)
	dec = d.Decide(ctx, alphaSignal("DEF", 78), clk.Now())
	assert.Equal(t, models.ActionSkip, dec.Action)
	assert.Contains(t, dec.Reason, "rate-limited")

	// The window rolls: once the first BUY ages out, buying resumes.
	clk.Advance(2 * time.Hour)
	dec = d.Decide(ctx, alphaSignal("DEF", 78), clk.Now())
	assert.Equal(t, models.ActionBuy, dec.Action)
}

func TestDecider_KoreanPumpWinsLadder(t *testing.T) {
	ctx := context.Background()
	d := newTestDecider(eventlog.NewMemoryLog(0))

	sig := &models.Signal{
		Symbol:     "KIM",
		Exchange:   "upbit",
		Exchanges:  []string{"upbit", "binance"},
		Sources:    []models.SourceTag{models.TagAlphaIntel, models.RestAPITag("upbit")},
		TotalScore: 85,
		Status:     models.StatusAlert,
	}
	dec := d.Decide(ctx, sig, newFakeClock().Now())
	require.Equal(t, models.ActionBuy, dec.Action)
	assert.Equal(t, StrategyKoreanPump, dec.Strategy)
	assert.Equal(t, "upbit", dec.Exchange)
	assert.Equal(t, models.UrgencyHigh, dec.Urgency)
	assert.Equal(t, "0.5", dec.PositionSize.String())
}

func TestDecider_AlphaOnlyWithoutTier1(t *testing.T) {
	ctx := context.Background()
	d := newTestDecider(eventlog.NewMemoryLog(0))

	sig := &models.Signal{
		Symbol:     "LMN",
		Exchange:   "gate",
		Exchanges:  []string{"gate"},
		Sources:    []models.SourceTag{models.TagAlphaIntel},
		TotalScore: 68,
		Status:     models.StatusAlert,
	}
	dec := d.Decide(ctx, sig, newFakeClock().Now())
	require.Equal(t, models.ActionBuy, dec.Action)
	assert.Equal(t, StrategyAlphaOnly, dec.Strategy)
	assert.Equal(t, models.UrgencyHigh, dec.Urgency)
	assert.Equal(t, "0.49", dec.PositionSize.String())
}

func TestDecider_CooldownMirror(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog(0)
	d := newTestDecider(l)

	dec := d.Decide(ctx, alphaSignal("XYZ", 78), newFakeClock().Now())
	require.Equal(t, models.ActionBuy, dec.Action)

	v, ok, err := l.Get(ctx, "cooldown:XYZ")
	require.NoError(t, err)
	require.True(t, ok, "cooldown mirrored to kv")
	assert.Equal(t, StrategyAlphaTier1, v)
}

func TestDecider_HistoryRing(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	d := newTestDecider(eventlog.NewMemoryLog(0))

	for i := 0; i < historySize+10; i++ {
		sym := "S" + string(rune('A'+i%26)) + string(rune('A'+(i/26)%26))
		d.Decide(ctx, alphaSignal(sym, 78), clk.Now())
		clk.Advance(time.Hour)
	}
	h := d.History()
	assert.Len(t, h, historySize)
	assert.True(t, h[0].Timestamp.Before(h[len(h)-1].Timestamp), "newest last")
}
