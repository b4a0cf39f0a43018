package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DecisionAction is the smart trigger's verdict on a signal.
type DecisionAction string

const (
	ActionBuy   DecisionAction = "BUY"
	ActionWatch DecisionAction = "WATCH"
	ActionSkip  DecisionAction = "SKIP"
)

// Urgency is the coarse priority class a decision carries into delivery.
type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE"
	UrgencyHigh      Urgency = "HIGH"
	UrgencyNormal    Urgency = "NORMAL"
	UrgencyLow       Urgency = "LOW"
)

// Decision is the smart trigger decider's action record.
type Decision struct {
	Action       DecisionAction  `json:"action"`
	Reason       string          `json:"reason"`
	Urgency      Urgency         `json:"urgency"`
	PositionSize decimal.Decimal `json:"position_size"` // fraction in [0,1]
	Strategy     string          `json:"strategy"`      // e.g. alpha_tier1, multi_confirm
	Exchange     string          `json:"exchange"`      // venue the action targets
	DecidedAt    time.Time       `json:"decided_at"`
}

// FusedEvent is Signal merged with Decision, appended to the fused stream for
// the pusher. ID is the stable idempotency key.
type FusedEvent struct {
	ID       string   `json:"id"`
	Signal   Signal   `json:"signal"`
	Decision Decision `json:"decision"`
}

// fusedBucket is the idempotency window: first_seen truncated to this size.
const fusedBucket = 600 * time.Second

// FusedEventID derives the stable idempotency key
// (symbol, exchange, first_seen_bucket).
func FusedEventID(symbol, exchange string, firstSeen time.Time) string {
	bucket := firstSeen.Unix() / int64(fusedBucket/time.Second)
	return fmt.Sprintf("%s:%s:%d", symbol, exchange, bucket)
}

// Fields serializes the fused event for stream append.
func (f *FusedEvent) Fields() (map[string]string, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal fused event: %w", err)
	}
	return map[string]string{
		"id":      f.ID,
		"payload": string(payload),
	}, nil
}

// FusedEventFromFields rebuilds a fused event from stream fields.
func FusedEventFromFields(fields map[string]string) (*FusedEvent, error) {
	payload, ok := fields["payload"]
	if !ok {
		return nil, fmt.Errorf("fused event missing payload field")
	}
	var f FusedEvent
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("unmarshal fused event: %w", err)
	}
	return &f, nil
}
