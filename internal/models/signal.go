package models

import "time"

// Tier buckets a scored signal by composite strength.
type Tier string

const (
	TierS     Tier = "S"
	TierA     Tier = "A"
	TierB     Tier = "B"
	TierC     Tier = "C"
	TierNoise Tier = "NOISE"
)

// SignalAction is the scorer's recommended handling for a signal.
type SignalAction string

const (
	SignalImmediateBuy SignalAction = "IMMEDIATE_BUY"
	SignalQuickBuy     SignalAction = "QUICK_BUY"
	SignalWatch        SignalAction = "WATCH"
	SignalIgnore       SignalAction = "IGNORE"
)

// Signal is the alpha scorer's output for a fired aggregation group.
// Sub-scores live in [0,100]; the composite can exceed 100 through bonuses.
type Signal struct {
	Symbol    string      `json:"symbol"`
	Exchange  string      `json:"exchange"`
	Exchanges []string    `json:"exchanges"`
	Sources   []SourceTag `json:"sources"`

	SourceScore      float64 `json:"source_score"`
	ExchangeScore    float64 `json:"exchange_score"`
	TimingScore      float64 `json:"timing_score"`
	MultiSourceBonus float64 `json:"multi_source_bonus"`
	TotalScore       float64 `json:"total_score"`

	Tier       Tier         `json:"tier"`
	Action     SignalAction `json:"action"`
	Confidence float64      `json:"confidence"` // [0,1]

	ContractAddress string `json:"contract_address,omitempty"`
	Chain           string `json:"chain,omitempty"`

	Status      AggregationStatus `json:"status"`
	WSConfirmed bool              `json:"ws_confirmed"`
	FirstSeen   time.Time         `json:"first_seen"`
	LatencyMS   int64             `json:"latency_ms"` // first_seen to emission
}
