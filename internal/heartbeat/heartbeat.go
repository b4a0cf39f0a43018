// Package heartbeat publishes per-module liveness hashes to the auxiliary KV
// store. A module whose heartbeat key expires is considered offline by the
// supervisor; counters are monotonic within a process lifetime.
package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sigfuse/sigfuse/internal/eventlog"
)

// Reporter accumulates counters for one module and writes them on a fixed
// interval under node:heartbeat:<module> with a TTL.
type Reporter struct {
	module   string
	kv       eventlog.Log
	interval time.Duration
	ttl      time.Duration

	scans      atomic.Int64
	events     atomic.Int64
	errors     atomic.Int64
	reconnects atomic.Int64
	latencyMS  atomic.Int64 // last observed pipeline latency
}

// NewReporter creates a reporter for module. TTL must be >= 2x interval;
// config validation enforces that before we get here.
func NewReporter(module string, kv eventlog.Log, interval, ttl time.Duration) *Reporter {
	return &Reporter{module: module, kv: kv, interval: interval, ttl: ttl}
}

// IncrScans, IncrEvents, IncrErrors, IncrReconnects bump the counters.
func (r *Reporter) IncrScans()      { r.scans.Add(1) }
func (r *Reporter) IncrEvents()     { r.events.Add(1) }
func (r *Reporter) IncrErrors()     { r.errors.Add(1) }
func (r *Reporter) IncrReconnects() { r.reconnects.Add(1) }

// ObserveLatency records the most recent pipeline latency in ms.
func (r *Reporter) ObserveLatency(ms int64) { r.latencyMS.Store(ms) }

// Key returns the KV key the reporter writes to.
func (r *Reporter) Key() string { return "node:heartbeat:" + r.module }

// Run publishes heartbeats until the context ends. Heartbeats cease
// immediately on cancellation; the key then expires on its own.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First beat immediately so the module shows up without waiting a
	// full interval.
	r.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	fields := map[string]string{
		"module":     r.module,
		"ts":         strconv.FormatInt(time.Now().UnixMilli(), 10),
		"scans":      strconv.FormatInt(r.scans.Load(), 10),
		"events":     strconv.FormatInt(r.events.Load(), 10),
		"errors":     strconv.FormatInt(r.errors.Load(), 10),
		"reconnects": strconv.FormatInt(r.reconnects.Load(), 10),
		"latency_ms": strconv.FormatInt(r.latencyMS.Load(), 10),
	}
	if err := r.kv.HSet(ctx, r.Key(), fields); err != nil {
		log.Warn().Err(err).Str("module", r.module).Msg("heartbeat write failed")
		return
	}
	if err := r.kv.Expire(ctx, r.Key(), r.ttl); err != nil {
		log.Warn().Err(err).Str("module", r.module).Msg("heartbeat expire failed")
	}
}

// Snapshot reads a module's last heartbeat from the KV store.
func Snapshot(ctx context.Context, kv eventlog.Log, module string) (map[string]string, error) {
	h, err := kv.HGetAll(ctx, "node:heartbeat:"+module)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat %s: %w", module, err)
	}
	return h, nil
}

// Alive reports whether a module heartbeat exists and is fresher than ttl.
func Alive(ctx context.Context, kv eventlog.Log, module string, ttl time.Duration) bool {
	h, err := Snapshot(ctx, kv, module)
	if err != nil || len(h) == 0 {
		return false
	}
	ts, err := strconv.ParseInt(h["ts"], 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.UnixMilli(ts)) < ttl
}
