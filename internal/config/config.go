package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the unified runner. Tier
// tables are authoritative here; the pipeline refuses to start without them.
type Config struct {
	EventLog     EventLogConfig     `yaml:"event_log"`
	Aggregation  AggregationConfig  `yaml:"aggregation"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Trigger      TriggerConfig      `yaml:"trigger"`
	Monitors     MonitorsConfig     `yaml:"monitors"`
	Pusher       PusherConfig       `yaml:"pusher"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	HTTP         HTTPConfig         `yaml:"http"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Latency      LatencyThresholds  `yaml:"latency_thresholds"`
}

// EventLogConfig describes the durable log provider.
type EventLogConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RawStream     string `yaml:"raw_stream"`
	FusedStream   string `yaml:"fused_stream"`
	MaxLen        int64  `yaml:"max_len"`        // per-stream retention cap
	HighWaterMark int64  `yaml:"high_water_mark"` // backpressure on
	LowWaterMark  int64  `yaml:"low_water_mark"`  // backpressure off
}

// AggregationConfig controls the event aggregator.
type AggregationConfig struct {
	WindowSeconds    int      `yaml:"aggregation_window"` // seconds
	MaxPendingEvents int      `yaml:"max_pending_events"`
	TierSSources     []string `yaml:"tier_s_sources"`
	TierOfficial     []string `yaml:"official_sources"`
	Tier1Exchanges   []string `yaml:"tier_1_exchanges"`
	Shards           int      `yaml:"shards"`
	ShardIndex       int      `yaml:"shard_index"`
}

// Window returns the aggregation window as a duration.
func (a AggregationConfig) Window() time.Duration {
	return time.Duration(a.WindowSeconds) * time.Second
}

// ScoringConfig holds the alpha scorer tables. Values are authoritative
// over any built-in defaults.
type ScoringConfig struct {
	SourceScores   map[string]float64 `yaml:"source_scores"`   // tag -> score
	ExchangeScores map[string]float64 `yaml:"exchange_scores"` // venue -> score
}

// TriggerConfig controls the smart trigger decider.
type TriggerConfig struct {
	Cooldowns            CooldownConfig     `yaml:"cooldown"`       // seconds
	PositionSizes        PositionSizeConfig `yaml:"position_sizes"` // fractions
	MaxTriggersPerSymbol int                `yaml:"max_triggers_per_symbol"`
	TriggerWindowSeconds int                `yaml:"trigger_window"` // seconds
	KoreanExchanges      []string           `yaml:"korean_exchanges"`
	ExchangePriority     []string           `yaml:"exchange_priority"`
}

// TriggerWindow returns the rolling repeat-limit window.
func (t TriggerConfig) TriggerWindow() time.Duration {
	return time.Duration(t.TriggerWindowSeconds) * time.Second
}

// CooldownConfig holds per-class cooldown durations in seconds.
type CooldownConfig struct {
	Default   int `yaml:"default"`
	HighScore int `yaml:"high_score"`
	KoreanArb int `yaml:"korean_arb"`
}

// PositionSizeConfig holds per-strategy position fractions.
type PositionSizeConfig struct {
	TierSTier1    float64 `yaml:"tier_s_tier1"`
	KoreanArb     float64 `yaml:"korean_arb"`
	AlphaOnly     float64 `yaml:"alpha_only"`
	MultiExchange float64 `yaml:"multi_exchange"`
	HighScore     float64 `yaml:"high_score"`
	Default       float64 `yaml:"default"`
}

// MonitorsConfig enumerates the ingestion side.
type MonitorsConfig struct {
	Rest          []RestMonitorConfig `yaml:"rest"`
	WebSocket     []WSMonitorConfig   `yaml:"websocket"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	News          []NewsFeedConfig    `yaml:"news"`
	Chain         ChainProbeConfig    `yaml:"chain"`
	DefaultPollSeconds int             `yaml:"default_poll_interval"`
	RestTimeoutSeconds int             `yaml:"rest_timeout"` // default 15
}

// RestMonitorConfig describes one REST-polled exchange.
type RestMonitorConfig struct {
	Exchange     string `yaml:"exchange"`
	URL          string `yaml:"url"`
	ParserSpec   string `yaml:"parser_spec"`   // named spec in the registry
	PollSeconds  int    `yaml:"poll_interval"` // tiered: 3-8 / 10-15 / 20-60
	Disabled     bool   `yaml:"disabled"`
}

// WSMonitorConfig describes one WebSocket listing feed.
type WSMonitorConfig struct {
	Exchange       string   `yaml:"exchange"`
	URL            string   `yaml:"url"`
	SubscribeJSON  string   `yaml:"subscribe_json"` // raw frame sent on connect
	ParserSpec     string   `yaml:"parser_spec"`
	ReconnectDelay int      `yaml:"reconnect_delay"` // seconds, default 5
	Disabled       bool     `yaml:"disabled"`
}

// TelegramConfig describes the Telegram push source.
type TelegramConfig struct {
	Enabled        bool     `yaml:"enabled"`
	BotToken       string   `yaml:"bot_token"`
	ChannelIDs     []int64  `yaml:"channel_ids"` // resolved numeric ids
	ChannelNames   map[string]string `yaml:"channel_names"` // id -> stable name
	QuickFilterKeywords []string `yaml:"quick_filter_keywords"`
	SkipMediaOnly  bool     `yaml:"skip_media_only"`
	MinTextLength  int      `yaml:"min_text_length"`
	PollSeconds    int      `yaml:"poll_interval"`
}

// NewsFeedConfig describes one RSS/Atom feed.
type NewsFeedConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	PollSeconds int    `yaml:"poll_interval"`
	Disabled    bool   `yaml:"disabled"`
}

// ChainProbeConfig describes the EVM JSON-RPC liveness probe.
type ChainProbeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	RPCURL      string `yaml:"rpc_url"`
	PollSeconds int    `yaml:"poll_interval"`
}

// PusherConfig controls delivery fan-out.
type PusherConfig struct {
	Workers     int          `yaml:"workers"`
	MaxRetries  int          `yaml:"max_retries"`
	QueueDepth  int          `yaml:"queue_depth"`
	SendTimeout int          `yaml:"send_timeout"` // seconds, default 10
	Sinks       []SinkConfig `yaml:"sinks"`
}

// SinkConfig describes one outbound delivery target.
type SinkConfig struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"` // "webhook" (markdown) or "json"
	URL           string `yaml:"url"`
	MinPriority   string `yaml:"min_priority"`    // CRITICAL | HIGH | NORMAL
	SuccessBody   string `yaml:"success_body"`    // optional substring predicate
	Disabled      bool   `yaml:"disabled"`
}

// HeartbeatConfig controls liveness reporting.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval"` // default 30
	TTLSeconds      int `yaml:"ttl"`      // must be >= 2*interval
}

// HTTPConfig is the ops surface (health + metrics).
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// PostgresConfig is the optional trigger-history archive.
type PostgresConfig struct {
	DSN string `yaml:"dsn"` // empty disables archiving
}

// LatencyThresholds are heartbeat warn/crit latencies in milliseconds.
type LatencyThresholds struct {
	TelegramWarn int64 `yaml:"telegram_warn"`
	TelegramCrit int64 `yaml:"telegram_crit"`
	RestAPIWarn  int64 `yaml:"rest_api_warn"`
	RestAPICrit  int64 `yaml:"rest_api_crit"`
	FusionWarn   int64 `yaml:"fusion_warn"`
	FusionCrit   int64 `yaml:"fusion_crit"`
}

// Load reads the YAML config at path, overlaying a .env file when present
// and expanding ${VAR} references in the file body.
func Load(path string) (*Config, error) {
	// .env carries secrets (bot tokens, webhook URLs); absence is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	content := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EventLog.RawStream == "" {
		c.EventLog.RawStream = "events:raw"
	}
	if c.EventLog.FusedStream == "" {
		c.EventLog.FusedStream = "events:fused"
	}
	if c.EventLog.MaxLen == 0 {
		c.EventLog.MaxLen = 50000
	}
	if c.EventLog.HighWaterMark == 0 {
		c.EventLog.HighWaterMark = 40000
	}
	if c.EventLog.LowWaterMark == 0 {
		c.EventLog.LowWaterMark = 20000
	}
	if c.Aggregation.WindowSeconds == 0 {
		c.Aggregation.WindowSeconds = 600
	}
	if c.Aggregation.MaxPendingEvents == 0 {
		c.Aggregation.MaxPendingEvents = 500
	}
	if c.Aggregation.Shards == 0 {
		c.Aggregation.Shards = 1
	}
	if c.Trigger.Cooldowns.Default == 0 {
		c.Trigger.Cooldowns.Default = 1800
	}
	if c.Trigger.Cooldowns.HighScore == 0 {
		c.Trigger.Cooldowns.HighScore = 900
	}
	if c.Trigger.Cooldowns.KoreanArb == 0 {
		c.Trigger.Cooldowns.KoreanArb = 300
	}
	if c.Trigger.MaxTriggersPerSymbol == 0 {
		c.Trigger.MaxTriggersPerSymbol = 2
	}
	if c.Trigger.TriggerWindowSeconds == 0 {
		c.Trigger.TriggerWindowSeconds = 3600
	}
	if len(c.Trigger.ExchangePriority) == 0 {
		c.Trigger.ExchangePriority = []string{"binance", "okx", "bybit", "coinbase", "upbit", "gate", "kucoin"}
	}
	ps := &c.Trigger.PositionSizes
	if ps.TierSTier1 == 0 {
		ps.TierSTier1 = 0.7
	}
	if ps.KoreanArb == 0 {
		ps.KoreanArb = 0.5
	}
	if ps.AlphaOnly == 0 {
		ps.AlphaOnly = 0.49
	}
	if ps.MultiExchange == 0 {
		ps.MultiExchange = 0.5
	}
	if ps.HighScore == 0 {
		ps.HighScore = 0.3
	}
	if ps.Default == 0 {
		ps.Default = 0.2
	}
	if c.Monitors.DefaultPollSeconds == 0 {
		c.Monitors.DefaultPollSeconds = 30
	}
	if c.Monitors.RestTimeoutSeconds == 0 {
		c.Monitors.RestTimeoutSeconds = 15
	}
	if c.Monitors.Telegram.PollSeconds == 0 {
		c.Monitors.Telegram.PollSeconds = 2
	}
	if c.Monitors.Telegram.MinTextLength == 0 {
		c.Monitors.Telegram.MinTextLength = 10
	}
	if c.Pusher.Workers == 0 {
		c.Pusher.Workers = 3
	}
	if c.Pusher.MaxRetries == 0 {
		c.Pusher.MaxRetries = 3
	}
	if c.Pusher.QueueDepth == 0 {
		c.Pusher.QueueDepth = 256
	}
	if c.Pusher.SendTimeout == 0 {
		c.Pusher.SendTimeout = 10
	}
	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = 30
	}
	if c.Heartbeat.TTLSeconds == 0 {
		c.Heartbeat.TTLSeconds = 2 * c.Heartbeat.IntervalSeconds
	}
}

// Validate refuses configurations the pipeline cannot run safely with.
// Tier tables are mandatory: scoring without them silently misranks.
func (c *Config) Validate() error {
	if c.EventLog.RedisAddr == "" {
		return fmt.Errorf("config: event_log.redis_addr is required")
	}
	if len(c.Aggregation.TierSSources) == 0 {
		return fmt.Errorf("config: aggregation.tier_s_sources must be non-empty")
	}
	if len(c.Aggregation.Tier1Exchanges) == 0 {
		return fmt.Errorf("config: aggregation.tier_1_exchanges must be non-empty")
	}
	if len(c.Scoring.SourceScores) == 0 {
		return fmt.Errorf("config: scoring.source_scores must be non-empty")
	}
	if len(c.Scoring.ExchangeScores) == 0 {
		return fmt.Errorf("config: scoring.exchange_scores must be non-empty")
	}
	if c.Aggregation.ShardIndex < 0 || c.Aggregation.ShardIndex >= c.Aggregation.Shards {
		return fmt.Errorf("config: shard_index %d out of range for %d shards",
			c.Aggregation.ShardIndex, c.Aggregation.Shards)
	}
	if c.EventLog.LowWaterMark >= c.EventLog.HighWaterMark {
		return fmt.Errorf("config: low_water_mark must be below high_water_mark")
	}
	if c.Heartbeat.TTLSeconds < 2*c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("config: heartbeat ttl %ds must be >= 2x interval %ds",
			c.Heartbeat.TTLSeconds, c.Heartbeat.IntervalSeconds)
	}
	for _, ps := range []float64{
		c.Trigger.PositionSizes.TierSTier1,
		c.Trigger.PositionSizes.KoreanArb,
		c.Trigger.PositionSizes.AlphaOnly,
		c.Trigger.PositionSizes.MultiExchange,
		c.Trigger.PositionSizes.HighScore,
		c.Trigger.PositionSizes.Default,
	} {
		if ps < 0 || ps > 1 {
			return fmt.Errorf("config: position size %v outside [0,1]", ps)
		}
	}
	for _, s := range c.Pusher.Sinks {
		if s.Disabled {
			continue
		}
		if s.URL == "" {
			return fmt.Errorf("config: sink %q missing url", s.Name)
		}
		switch s.Kind {
		case "webhook", "json":
		default:
			return fmt.Errorf("config: sink %q has unknown kind %q", s.Name, s.Kind)
		}
	}
	for _, m := range c.Monitors.Rest {
		if m.Disabled {
			continue
		}
		if m.Exchange == "" || m.URL == "" {
			return fmt.Errorf("config: rest monitor missing exchange or url")
		}
	}
	if c.Monitors.Telegram.Enabled && c.Monitors.Telegram.BotToken == "" {
		return fmt.Errorf("config: telegram enabled without bot_token")
	}
	return nil
}

// PollInterval resolves the tiered poll interval for a REST monitor.
func (c *Config) PollInterval(m RestMonitorConfig) time.Duration {
	if m.PollSeconds > 0 {
		return time.Duration(m.PollSeconds) * time.Second
	}
	return time.Duration(c.Monitors.DefaultPollSeconds) * time.Second
}
