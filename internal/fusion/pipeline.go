package fusion

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/extract"
	"github.com/sigfuse/sigfuse/internal/heartbeat"
	"github.com/sigfuse/sigfuse/internal/metrics"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Group is the fusion stage's consumer group on the raw stream.
const Group = "fusion_group"

const consumeBatch = 64

// Pipeline consumes the raw stream, runs aggregation cycles, and appends
// scored-and-decided fused events. One pipeline per shard.
type Pipeline struct {
	cfg      *config.Config
	log      eventlog.Log
	agg      *Aggregator
	scorer   *Scorer
	decider  *Decider
	hb       *heartbeat.Reporter
	met      *metrics.Metrics
	now      func() time.Time
	consumer string
	logger   zerolog.Logger
}

// NewPipeline wires the fusion stage. now is injectable for tests; nil means
// the wall clock. met may be nil.
func NewPipeline(cfg *config.Config, l eventlog.Log, hb *heartbeat.Reporter, met *metrics.Metrics, now func() time.Time) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		cfg:      cfg,
		log:      l,
		agg:      NewAggregator(cfg.Aggregation, now),
		scorer:   NewScorer(cfg.Scoring, cfg.Aggregation.Window()),
		decider:  NewDecider(cfg.Trigger, cfg.Aggregation, l),
		hb:       hb,
		met:      met,
		now:      now,
		consumer: "fusion-" + strconv.Itoa(cfg.Aggregation.ShardIndex),
		logger:   log.With().Str("component", "fusion").Int("shard", cfg.Aggregation.ShardIndex).Logger(),
	}
}

// Decider exposes the trigger state for history archiving.
func (p *Pipeline) Decider() *Decider { return p.decider }

// Run consumes until the context ends. Entries are acked after processing;
// crash-restart replays the unacked tail at most once.
func (p *Pipeline) Run(ctx context.Context) error {
	raw := p.cfg.EventLog.RawStream
	if err := p.log.EnsureGroup(ctx, raw, Group); err != nil {
		return err
	}
	p.logger.Info().Str("stream", raw).Msg("fusion pipeline started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := p.log.Consume(ctx, raw, Group, p.consumer, consumeBatch, time.Second)
		switch {
		case err == eventlog.ErrNoEntries:
			// Idle cycle still evaluates so time-based firing is not
			// starved by a quiet stream.
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.hb.IncrErrors()
			p.logger.Warn().Err(err).Msg("consume failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		default:
			for _, e := range entries {
				p.handleEntry(e)
				if err := p.log.Ack(ctx, raw, Group, e.ID); err != nil {
					p.logger.Warn().Err(err).Str("id", e.ID).Msg("ack failed")
				}
			}
		}

		if err := p.flush(ctx); err != nil {
			return err
		}
	}
}

// handleEntry folds one raw entry into the aggregator. Drops are documented
// rules, never errors.
func (p *Pipeline) handleEntry(e eventlog.Entry) {
	p.hb.IncrScans()

	ev, err := models.RawEventFromFields(e.ID, e.Fields)
	if err != nil {
		p.hb.IncrErrors()
		p.drop("malformed")
		p.logger.Warn().Err(err).Str("id", e.ID).Msg("malformed raw entry dropped")
		return
	}
	if p.met != nil {
		p.met.RawEventsTotal.WithLabelValues(string(ev.SourceType)).Inc()
	}

	if ev.Symbol == "" && len(ev.Symbols) == 0 {
		ev.Symbols = extract.Symbols(ev.RawText)
		if len(ev.Symbols) == 0 {
			// Expected input variance.
			p.drop("no_symbol")
			return
		}
		ev.Symbol = ev.Symbols[0]
	}

	p.agg.Observe(ev)
}

// flush runs one aggregation cycle and publishes the resulting decisions.
func (p *Pipeline) flush(ctx context.Context) error {
	fired := p.agg.Evaluate()
	if p.met != nil {
		p.met.PendingGroups.Set(float64(p.agg.Pending()))
	}
	if len(fired) == 0 {
		return nil
	}

	now := p.now()
	for _, agg := range fired {
		sig := p.scorer.Score(agg, now)
		if sig == nil {
			p.drop("noise")
			p.logger.Debug().Str("symbol", agg.Symbol).Msg("group scored as noise")
			continue
		}

		dec := p.decider.Decide(ctx, sig, now)
		if dec.Action == models.ActionSkip {
			p.drop("skip")
			p.logger.Info().
				Str("symbol", sig.Symbol).
				Str("reason", dec.Reason).
				Msg("signal suppressed")
			continue
		}

		if err := p.publish(ctx, sig, dec); err != nil {
			return err
		}
	}

	p.watchFusedBacklog(ctx)
	return nil
}

func (p *Pipeline) publish(ctx context.Context, sig *models.Signal, dec *models.Decision) error {
	id := models.FusedEventID(sig.Symbol, sig.Exchange, sig.FirstSeen)
	if sig.Status == models.StatusTradingStarted {
		// The confirmation shares the primary alert's group bucket; without
		// its own suffix the pusher's replay dedupe would swallow it.
		id += ":confirm"
	}
	fe := &models.FusedEvent{
		ID:       id,
		Signal:   *sig,
		Decision: *dec,
	}
	fields, err := fe.Fields()
	if err != nil {
		p.hb.IncrErrors()
		p.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("fused event marshal failed")
		return nil
	}

	if _, err := p.log.Append(ctx, p.cfg.EventLog.FusedStream, fields); err != nil {
		p.hb.IncrErrors()
		p.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("fused append failed")
		return nil
	}

	p.hb.IncrEvents()
	p.hb.ObserveLatency(sig.LatencyMS)
	if p.met != nil {
		p.met.FusedEventsTotal.WithLabelValues(string(dec.Action)).Inc()
		p.met.FusionLatency.Observe(float64(sig.LatencyMS) / 1000)
		if dec.Action == models.ActionBuy {
			p.met.TriggersTotal.WithLabelValues(dec.Strategy).Inc()
		}
	}

	p.logger.Info().
		Str("symbol", sig.Symbol).
		Str("exchange", dec.Exchange).
		Str("action", string(dec.Action)).
		Str("strategy", dec.Strategy).
		Float64("score", sig.TotalScore).
		Int64("latency_ms", sig.LatencyMS).
		Msg("fused event published")
	return nil
}

// watchFusedBacklog warns when the fused stream is over its high-water mark.
// The pusher catches up by parallelism; nothing is dropped here.
func (p *Pipeline) watchFusedBacklog(ctx context.Context) {
	n, err := p.log.Len(ctx, p.cfg.EventLog.FusedStream)
	if err != nil {
		return
	}
	if p.met != nil {
		p.met.StreamLength.WithLabelValues(p.cfg.EventLog.FusedStream).Set(float64(n))
	}
	if n > p.cfg.EventLog.HighWaterMark {
		p.logger.Warn().Int64("len", n).Msg("fused stream over high-water mark")
	}
}

func (p *Pipeline) drop(reason string) {
	if p.met != nil {
		p.met.DropsTotal.WithLabelValues(reason).Inc()
	}
}
