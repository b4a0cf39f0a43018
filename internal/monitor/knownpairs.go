package monitor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sigfuse/sigfuse/internal/eventlog"
)

// KnownPairSet tracks already-observed (exchange, symbol) pairs in the
// auxiliary KV store. Members are never removed except by operator action;
// a duplicate new-pair event is harmless because downstream dedupes.
type KnownPairSet struct {
	kv eventlog.Log
}

// NewKnownPairSet wraps the KV capability of the event log.
func NewKnownPairSet(kv eventlog.Log) *KnownPairSet {
	return &KnownPairSet{kv: kv}
}

func pairKey(exchange string) string { return "known_pairs:" + exchange }

// MarkNew atomically adds the symbol and reports whether it was unseen.
// True means the caller observed a genuinely new listing.
func (k *KnownPairSet) MarkNew(ctx context.Context, exchange, symbol string) (bool, error) {
	added, err := k.kv.SAdd(ctx, pairKey(exchange), symbol)
	if err != nil {
		return false, errors.Wrapf(err, "mark pair %s:%s", exchange, symbol)
	}
	return added, nil
}

// Seen reports membership without mutating the set.
func (k *KnownPairSet) Seen(ctx context.Context, exchange, symbol string) (bool, error) {
	ok, err := k.kv.SIsMember(ctx, pairKey(exchange), symbol)
	if err != nil {
		return false, errors.Wrapf(err, "check pair %s:%s", exchange, symbol)
	}
	return ok, nil
}
