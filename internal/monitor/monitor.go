// Package monitor implements the ingestion side: per-source long-running
// monitors that normalize observations into RawEvents, deduplicate new
// trading pairs, and append to the raw event stream.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/heartbeat"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Core is the shared monitor skeleton: every concrete monitor embeds one and
// uses it to dedupe, emit, and report liveness.
type Core struct {
	Name       string
	Exchange   string
	SourceType models.SourceType
	Log        eventlog.Log
	RawStream  string
	Pairs      *KnownPairSet
	HB         *heartbeat.Reporter
	BP         *Backpressure

	logger zerolog.Logger
}

// NewCore wires the skeleton.
func NewCore(name, exchange string, st models.SourceType, l eventlog.Log, rawStream string, pairs *KnownPairSet, hb *heartbeat.Reporter, bp *Backpressure) *Core {
	return &Core{
		Name:       name,
		Exchange:   exchange,
		SourceType: st,
		Log:        l,
		RawStream:  rawStream,
		Pairs:      pairs,
		HB:         hb,
		BP:         bp,
		logger:     log.With().Str("monitor", name).Logger(),
	}
}

// Logger returns the monitor-scoped logger.
func (c *Core) Logger() zerolog.Logger { return c.logger }

// EmitNewPair dedupes against the known-pair set and appends a RawEvent for
// a genuinely new symbol. Returns true when an event was emitted. The
// read-only membership check comes first: steady-state scans re-observe the
// whole listing every poll, and only unseen symbols warrant a write.
func (c *Core) EmitNewPair(ctx context.Context, symbol string, ev *models.RawEvent) (bool, error) {
	seen, err := c.Pairs.Seen(ctx, c.Exchange, symbol)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	isNew, err := c.Pairs.MarkNew(ctx, c.Exchange, symbol)
	if err != nil {
		return false, err
	}
	if !isNew {
		return false, nil
	}
	return true, c.Emit(ctx, ev)
}

// Emit appends a RawEvent without pair dedup (push sources dedupe upstream
// or rely on downstream aggregation).
func (c *Core) Emit(ctx context.Context, ev *models.RawEvent) error {
	if ev.DetectedAt == 0 {
		ev.DetectedAt = time.Now().UnixMilli()
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	id, err := c.Log.Append(ctx, c.RawStream, ev.Fields())
	if err != nil {
		return err
	}
	if c.HB != nil {
		c.HB.IncrEvents()
	}
	c.logger.Info().
		Str("event_id", id).
		Str("symbol", ev.Symbol).
		Str("exchange", ev.Exchange).
		Str("source", ev.Source).
		Msg("raw event emitted")
	return nil
}

// Backpressure watches the raw stream length and doubles poll intervals
// while it sits above the high-water mark, restoring them once it drops
// below the low-water mark. The length check is cached briefly so dozens of
// monitors do not turn backpressure itself into load.
type Backpressure struct {
	log       eventlog.Log
	stream    string
	highWater int64
	lowWater  int64

	mu        sync.Mutex
	slowed    bool
	lastCheck time.Time
	checkTTL  time.Duration
}

// NewBackpressure creates the shared watermark checker.
func NewBackpressure(l eventlog.Log, stream string, high, low int64) *Backpressure {
	return &Backpressure{
		log:       l,
		stream:    stream,
		highWater: high,
		lowWater:  low,
		checkTTL:  5 * time.Second,
	}
}

// Factor returns the interval multiplier: 2 while slowed, else 1.
func (b *Backpressure) Factor(ctx context.Context) int {
	if b == nil {
		return 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Since(b.lastCheck) < b.checkTTL {
		if b.slowed {
			return 2
		}
		return 1
	}
	b.lastCheck = time.Now()

	n, err := b.log.Len(ctx, b.stream)
	if err != nil {
		// Length unavailable: keep the previous verdict.
		if b.slowed {
			return 2
		}
		return 1
	}

	switch {
	case !b.slowed && n > b.highWater:
		b.slowed = true
		log.Warn().Int64("len", n).Int64("high_water", b.highWater).
			Str("stream", b.stream).Msg("raw log above high-water mark, slowing monitors")
	case b.slowed && n < b.lowWater:
		b.slowed = false
		log.Info().Int64("len", n).Int64("low_water", b.lowWater).
			Str("stream", b.stream).Msg("raw log drained, restoring poll intervals")
	}

	if b.slowed {
		return 2
	}
	return 1
}
