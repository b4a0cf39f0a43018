package fusion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Strategy names carried on BUY decisions.
const (
	StrategyKoreanPump = "korean_pump"
	StrategyAlphaTier1 = "alpha_tier1"
	StrategyAlphaOnly  = "alpha_only"
	StrategyMultiConf  = "multi_confirm"
	StrategyHighScore  = "high_score"
	StrategyScorePass  = "score_pass"
	StrategyWSConfirm  = "ws_confirm"
)

// historySize bounds the in-memory trigger history ring.
const historySize = 64

// TriggerRecord is one entry of the decider's recent-BUY history.
type TriggerRecord struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Score     float64   `json:"score"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// Decider is the stateful smart trigger: cooldowns, repeat limits, and the
// action ladder. Single-writer; exactly one instance owns this state.
type Decider struct {
	cfg    config.TriggerConfig
	tier1  map[string]struct{}
	korean map[string]struct{}
	kv     eventlog.Log // optional cooldown mirror, may be nil

	cooldownUntil map[string]time.Time
	buyTimes      map[string][]time.Time
	history       []TriggerRecord
}

// NewDecider builds the decider. kv mirrors cooldowns under cooldown:<symbol>
// for external visibility; pass nil to keep cooldowns in-process only.
func NewDecider(cfg config.TriggerConfig, agg config.AggregationConfig, kv eventlog.Log) *Decider {
	tier1 := make(map[string]struct{}, len(agg.Tier1Exchanges))
	for _, ex := range agg.Tier1Exchanges {
		tier1[ex] = struct{}{}
	}
	korean := make(map[string]struct{}, len(cfg.KoreanExchanges))
	for _, ex := range cfg.KoreanExchanges {
		korean[ex] = struct{}{}
	}
	return &Decider{
		cfg:           cfg,
		tier1:         tier1,
		korean:        korean,
		kv:            kv,
		cooldownUntil: make(map[string]time.Time),
		buyTimes:      make(map[string][]time.Time),
	}
}

// Decide produces the decision for one signal. WS confirmations pass through
// without touching cooldown or repeat-limit state.
func (d *Decider) Decide(ctx context.Context, sig *models.Signal, now time.Time) *models.Decision {
	if sig.Status == models.StatusTradingStarted {
		return &models.Decision{
			Action:       models.ActionBuy,
			Reason:       "trading started on " + sig.Exchange,
			Urgency:      models.UrgencyHigh,
			PositionSize: decimal.Zero,
			Strategy:     StrategyWSConfirm,
			Exchange:     sig.Exchange,
			DecidedAt:    now,
		}
	}

	if until, ok := d.cooldownUntil[sig.Symbol]; ok && now.Before(until) {
		remaining := until.Sub(now).Round(time.Second)
		return &models.Decision{
			Action:    models.ActionSkip,
			Reason:    fmt.Sprintf("cooldown, remaining %s", remaining),
			Urgency:   models.UrgencyLow,
			Exchange:  sig.Exchange,
			DecidedAt: now,
		}
	}

	if d.recentBuys(sig.Symbol, now) >= d.cfg.MaxTriggersPerSymbol {
		return &models.Decision{
			Action:    models.ActionSkip,
			Reason:    fmt.Sprintf("rate-limited: %d triggers within %s", d.cfg.MaxTriggersPerSymbol, d.cfg.TriggerWindow()),
			Urgency:   models.UrgencyLow,
			Exchange:  sig.Exchange,
			DecidedAt: now,
		}
	}

	if sig.TotalScore < 60 {
		return &models.Decision{
			Action:    models.ActionWatch,
			Reason:    fmt.Sprintf("score %.1f below buy threshold", sig.TotalScore),
			Urgency:   models.UrgencyLow,
			Exchange:  sig.Exchange,
			DecidedAt: now,
		}
	}

	dec := d.selectAction(sig, now)
	if dec.Action == models.ActionBuy {
		d.recordBuy(ctx, sig, dec, now)
	}
	return dec
}

// selectAction walks the strategy ladder; first match wins.
func (d *Decider) selectAction(sig *models.Signal, now time.Time) *models.Decision {
	ps := d.cfg.PositionSizes
	hasAlpha := d.hasTag(sig, models.TagAlphaIntel)

	if ex := d.firstExchangeIn(sig, d.korean); ex != "" {
		return d.buy(sig, now, ex, StrategyKoreanPump, models.UrgencyHigh, ps.KoreanArb,
			"korean venue listing, arbitrage window")
	}
	if hasAlpha {
		if ex := d.firstExchangeIn(sig, d.tier1); ex != "" {
			return d.buy(sig, now, ex, StrategyAlphaTier1, models.UrgencyImmediate, ps.TierSTier1,
				"tier-s intel with tier-1 venue")
		}
		return d.buy(sig, now, sig.Exchange, StrategyAlphaOnly, models.UrgencyHigh, ps.AlphaOnly,
			"tier-s intel, no tier-1 confirmation")
	}
	if len(sig.Exchanges) >= 2 {
		return d.buy(sig, now, d.bestExchange(sig.Exchanges), StrategyMultiConf, models.UrgencyNormal, ps.MultiExchange,
			"corroborated on multiple venues")
	}
	if sig.TotalScore >= 80 {
		return d.buy(sig, now, sig.Exchange, StrategyHighScore, models.UrgencyNormal, ps.HighScore,
			fmt.Sprintf("high composite score %.1f", sig.TotalScore))
	}
	return d.buy(sig, now, sig.Exchange, StrategyScorePass, models.UrgencyLow, ps.Default,
		fmt.Sprintf("score %.1f over threshold", sig.TotalScore))
}

func (d *Decider) buy(sig *models.Signal, now time.Time, exchange, strategy string, urgency models.Urgency, size float64, reason string) *models.Decision {
	return &models.Decision{
		Action:       models.ActionBuy,
		Reason:       reason,
		Urgency:      urgency,
		PositionSize: decimal.NewFromFloat(size),
		Strategy:     strategy,
		Exchange:     exchange,
		DecidedAt:    now,
	}
}

// recordBuy updates cooldown, the rolling repeat window, the history ring,
// and the optional KV mirror.
func (d *Decider) recordBuy(ctx context.Context, sig *models.Signal, dec *models.Decision, now time.Time) {
	cd := d.cooldownFor(dec)
	d.cooldownUntil[sig.Symbol] = now.Add(cd)
	d.buyTimes[sig.Symbol] = append(d.buyTimes[sig.Symbol], now)

	d.history = append(d.history, TriggerRecord{
		Symbol:    sig.Symbol,
		Exchange:  dec.Exchange,
		Score:     sig.TotalScore,
		Strategy:  dec.Strategy,
		Timestamp: now,
	})
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}

	if d.kv != nil {
		key := "cooldown:" + sig.Symbol
		if err := d.kv.Set(ctx, key, dec.Strategy, cd); err != nil {
			log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("cooldown mirror write failed")
		}
	}
}

// cooldownFor picks the cooldown class: korean arb overrides, then urgency.
func (d *Decider) cooldownFor(dec *models.Decision) time.Duration {
	c := d.cfg.Cooldowns
	switch {
	case dec.Strategy == StrategyKoreanPump:
		return time.Duration(c.KoreanArb) * time.Second
	case dec.Urgency == models.UrgencyImmediate || dec.Urgency == models.UrgencyHigh:
		return time.Duration(c.HighScore) * time.Second
	default:
		return time.Duration(c.Default) * time.Second
	}
}

// recentBuys counts BUYs for symbol inside the rolling window, pruning as it
// goes.
func (d *Decider) recentBuys(symbol string, now time.Time) int {
	cutoff := now.Add(-d.cfg.TriggerWindow())
	times := d.buyTimes[symbol]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(d.buyTimes, symbol)
	} else {
		d.buyTimes[symbol] = kept
	}
	return len(kept)
}

// firstExchangeIn returns the signal's highest-priority venue present in set.
func (d *Decider) firstExchangeIn(sig *models.Signal, set map[string]struct{}) string {
	for _, ex := range d.cfg.ExchangePriority {
		if _, ok := set[ex]; !ok {
			continue
		}
		if sigHasExchange(sig, ex) {
			return ex
		}
	}
	// Venues outside the priority list still count for set membership.
	for _, ex := range sig.Exchanges {
		if _, ok := set[strings.ToLower(ex)]; ok {
			return ex
		}
	}
	if _, ok := set[strings.ToLower(sig.Exchange)]; ok {
		return sig.Exchange
	}
	return ""
}

// bestExchange picks the highest-priority venue among those seen.
func (d *Decider) bestExchange(exchanges []string) string {
	seen := make(map[string]struct{}, len(exchanges))
	for _, ex := range exchanges {
		seen[strings.ToLower(ex)] = struct{}{}
	}
	for _, ex := range d.cfg.ExchangePriority {
		if _, ok := seen[ex]; ok {
			return ex
		}
	}
	if len(exchanges) > 0 {
		return exchanges[0]
	}
	return ""
}

func sigHasExchange(sig *models.Signal, ex string) bool {
	if strings.EqualFold(sig.Exchange, ex) {
		return true
	}
	for _, e := range sig.Exchanges {
		if strings.EqualFold(e, ex) {
			return true
		}
	}
	return false
}

func (d *Decider) hasTag(sig *models.Signal, tag models.SourceTag) bool {
	for _, t := range sig.Sources {
		if t == tag {
			return true
		}
	}
	return false
}

// History returns a copy of the recent BUY ring, newest last.
func (d *Decider) History() []TriggerRecord {
	out := make([]TriggerRecord, len(d.history))
	copy(out, d.history)
	return out
}
