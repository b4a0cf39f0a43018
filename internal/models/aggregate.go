package models

import "time"

// AggregationStatus marks whether an aggregated emission is the primary fire
// or the later WebSocket confirmation follow-up.
type AggregationStatus string

const (
	StatusAlert          AggregationStatus = "alert"
	StatusTradingStarted AggregationStatus = "trading_started"
)

// maxProvenanceEvents bounds the raw events a group keeps for provenance.
const maxProvenanceEvents = 10

// AggregationGroup is the in-memory correlation state for one
// (symbol, exchange) key. The aggregator is its single owner.
type AggregationGroup struct {
	Symbol      string
	Exchange    string
	FirstSeen   time.Time
	LastUpdated time.Time
	Sources     []SourceTag         // ordered, distinct
	Exchanges   map[string]struct{} // exchanges seen for the same symbol
	Events      []*RawEvent         // bounded provenance, len <= 10
	Fired       bool
	WSConfirmed bool
	TriggerReason string
	ContractAddress string
	Chain           string
}

// NewAggregationGroup starts a group from its first event.
func NewAggregationGroup(symbol, exchange string, now time.Time) *AggregationGroup {
	return &AggregationGroup{
		Symbol:      symbol,
		Exchange:    exchange,
		FirstSeen:   now,
		LastUpdated: now,
		Exchanges:   make(map[string]struct{}),
	}
}

// AddSource appends a tag if not already present. Returns true when added.
func (g *AggregationGroup) AddSource(tag SourceTag) bool {
	for _, s := range g.Sources {
		if s == tag {
			return false
		}
	}
	g.Sources = append(g.Sources, tag)
	return true
}

// HasSource reports membership of a tag in the group's source list.
func (g *AggregationGroup) HasSource(tag SourceTag) bool {
	for _, s := range g.Sources {
		if s == tag {
			return true
		}
	}
	return false
}

// HasWebSocketSource reports whether any ws_<exchange> tag contributed.
func (g *AggregationGroup) HasWebSocketSource() bool {
	for _, s := range g.Sources {
		if s.IsWebSocket() {
			return true
		}
	}
	return false
}

// AddEvent records provenance, dropping the oldest beyond the cap.
func (g *AggregationGroup) AddEvent(e *RawEvent) {
	g.Events = append(g.Events, e)
	if len(g.Events) > maxProvenanceEvents {
		g.Events = g.Events[len(g.Events)-maxProvenanceEvents:]
	}
	if e.ContractAddress != "" && g.ContractAddress == "" {
		g.ContractAddress = e.ContractAddress
		g.Chain = e.Chain
	}
}

// AggregatedEvent is the aggregator's output for a fired group, consumed by
// the alpha scorer.
type AggregatedEvent struct {
	Symbol          string            `json:"symbol"`
	Exchange        string            `json:"exchange"`
	Exchanges       []string          `json:"exchanges"`
	Sources         []SourceTag       `json:"sources"`
	Status          AggregationStatus `json:"status"`
	TriggerReason   string            `json:"trigger_reason"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastUpdated     time.Time         `json:"last_updated"`
	WSConfirmed     bool              `json:"ws_confirmed"`
	ContractAddress string            `json:"contract_address,omitempty"`
	Chain           string            `json:"chain,omitempty"`
	EventCount      int               `json:"event_count"`
}
