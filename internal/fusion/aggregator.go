package fusion

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Trigger reasons carried on fired groups.
const (
	ReasonTierSImmediate = "tier_s_immediate"
	ReasonOfficialTier1  = "official_tier1"
	ReasonMultiExchange  = "multi_exchange"
	ReasonWSConfirmation = "ws_confirmation"
)

// Aggregator correlates raw events into per-symbol groups and fires them on
// the trigger conditions. It is single-owner state: one goroutine calls
// Observe and Evaluate, sharded by symbol hash across instances.
type Aggregator struct {
	cfg        config.AggregationConfig
	classifier *Classifier
	tier1      map[string]struct{}
	now        func() time.Time

	groups map[string]*models.AggregationGroup // keyed by symbol
}

// NewAggregator builds an aggregator. now is injectable for tests; pass nil
// for the wall clock.
func NewAggregator(cfg config.AggregationConfig, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	tier1 := make(map[string]struct{}, len(cfg.Tier1Exchanges))
	for _, ex := range cfg.Tier1Exchanges {
		tier1[ex] = struct{}{}
	}
	return &Aggregator{
		cfg:        cfg,
		classifier: NewClassifier(cfg),
		tier1:      tier1,
		now:        now,
		groups:     make(map[string]*models.AggregationGroup),
	}
}

// ShardOf maps a symbol onto one of n shards. Every aggregator instance must
// agree on this function so each key has exactly one owner.
func ShardOf(symbol string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(shards))
}

// Mine reports whether this instance owns the symbol's shard.
func (a *Aggregator) Mine(symbol string) bool {
	return ShardOf(symbol, a.cfg.Shards) == a.cfg.ShardIndex
}

// Observe folds one raw event into its group. It never emits; firing happens
// in Evaluate so events landing in the same cycle corroborate each other.
func (a *Aggregator) Observe(ev *models.RawEvent) {
	symbols := ev.Symbols
	if len(symbols) == 0 && ev.Symbol != "" {
		symbols = []string{ev.Symbol}
	}

	tag := a.classifier.Classify(ev)
	now := a.now()

	for _, sym := range symbols {
		if !a.Mine(sym) {
			continue
		}
		g, ok := a.groups[sym]
		if !ok {
			g = models.NewAggregationGroup(sym, ev.Exchange, now)
			a.groups[sym] = g
		}
		g.LastUpdated = now
		g.AddSource(tag)
		g.AddEvent(ev)
		if ev.Exchange != "" {
			g.Exchanges[ev.Exchange] = struct{}{}
			if g.Exchange == "" {
				g.Exchange = ev.Exchange
			}
		}
	}
}

// Evaluate runs one aggregation cycle: fires groups whose trigger conditions
// hold, emits WS confirmations for already-fired groups, and prunes stale
// state when the pending set is over its cap. Output is ordered by first_seen
// so scoring ties break toward the earliest group.
func (a *Aggregator) Evaluate() []*models.AggregatedEvent {
	var out []*models.AggregatedEvent

	for _, g := range a.groups {
		if !g.Fired {
			if reason := a.triggerReason(g); reason != "" {
				g.Fired = true
				g.TriggerReason = reason
				if g.HasWebSocketSource() {
					// Trading already observable at fire time; no
					// separate follow-up later.
					g.WSConfirmed = true
				}
				out = append(out, a.emit(g, models.StatusAlert, reason))
			}
			continue
		}
		if !g.WSConfirmed && g.HasWebSocketSource() {
			g.WSConfirmed = true
			out = append(out, a.emit(g, models.StatusTradingStarted, ReasonWSConfirmation))
		}
	}

	a.prune()

	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// triggerReason returns the first matching fire condition, or "".
func (a *Aggregator) triggerReason(g *models.AggregationGroup) string {
	if g.HasSource(models.TagAlphaIntel) {
		return ReasonTierSImmediate
	}
	if g.HasSource(models.TagExchangeOfficial) {
		for ex := range g.Exchanges {
			if _, ok := a.tier1[ex]; ok {
				return ReasonOfficialTier1
			}
		}
	}
	if len(g.Exchanges) >= 2 {
		return ReasonMultiExchange
	}
	return ""
}

func (a *Aggregator) emit(g *models.AggregationGroup, status models.AggregationStatus, reason string) *models.AggregatedEvent {
	exchanges := make([]string, 0, len(g.Exchanges))
	for ex := range g.Exchanges {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)

	sources := make([]models.SourceTag, len(g.Sources))
	copy(sources, g.Sources)

	return &models.AggregatedEvent{
		Symbol:          g.Symbol,
		Exchange:        g.Exchange,
		Exchanges:       exchanges,
		Sources:         sources,
		Status:          status,
		TriggerReason:   reason,
		FirstSeen:       g.FirstSeen,
		LastUpdated:     g.LastUpdated,
		WSConfirmed:     g.WSConfirmed,
		ContractAddress: g.ContractAddress,
		Chain:           g.Chain,
		EventCount:      len(g.Events),
	}
}

// prune drops stale groups lazily once the pending set exceeds the cap.
// Expiry never emits a terminal event.
func (a *Aggregator) prune() {
	max := a.cfg.MaxPendingEvents
	if max <= 0 || len(a.groups) <= max {
		return
	}

	window := a.cfg.Window()
	cutoff := a.now().Add(-window)
	for sym, g := range a.groups {
		if g.LastUpdated.Before(cutoff) {
			delete(a.groups, sym)
		}
	}
	if len(a.groups) <= max {
		log.Debug().Int("pending", len(a.groups)).Msg("aggregator pruned stale groups")
		return
	}

	// Still over cap: evict oldest-updated first.
	type aged struct {
		sym string
		at  time.Time
	}
	all := make([]aged, 0, len(a.groups))
	for sym, g := range a.groups {
		all = append(all, aged{sym, g.LastUpdated})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	evict := len(all) - max
	for _, e := range all[:evict] {
		delete(a.groups, e.sym)
	}
	log.Warn().Int("pending", len(a.groups)).Msg("aggregator over capacity, evicted oldest groups")
}

// Pending returns the number of live groups. Heartbeat and test hook.
func (a *Aggregator) Pending() int { return len(a.groups) }
