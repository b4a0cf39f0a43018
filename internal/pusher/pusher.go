package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/heartbeat"
	"github.com/sigfuse/sigfuse/internal/metrics"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Group is the pusher's consumer group on the fused stream.
const Group = "pusher_group"

const (
	consumeBatch = 32
	// dedupeWindow bounds the recently-delivered id set used to collapse
	// at-least-once replays.
	dedupeWindow = 1024
	// emaAlpha weights the newest latency sample.
	emaAlpha = 0.2
)

// baseRetryDelay is the first retry backoff; doubled per attempt.
var baseRetryDelay = 500 * time.Millisecond

// item is one queued delivery: the fused event plus its remaining sinks and
// retry budget. The log entry is acked only when the item terminates.
type item struct {
	entryID string
	event   *models.FusedEvent
	pri     Priority
	sinks   []Sink
	retries int
}

// Pusher drains the fused stream through priority queues into sinks.
type Pusher struct {
	cfg      config.PusherConfig
	stream   string
	log      eventlog.Log
	sinks    []Sink
	hb       *heartbeat.Reporter
	met      *metrics.Metrics
	consumer string
	logger   zerolog.Logger

	// queues[PriorityCritical] etc.; workers always drain the highest
	// non-empty class first.
	queues [3]chan *item
	wake   chan struct{}

	mu         sync.Mutex
	emaLatency float64
	delivered  map[string]struct{}
	deliverLog []string
}

// New builds the pusher. sinks must be non-empty; use LogSink for dry runs.
func New(cfg config.PusherConfig, stream string, l eventlog.Log, sinks []Sink, hb *heartbeat.Reporter, met *metrics.Metrics) *Pusher {
	// Consumer names must be unique per process so parallel pushers share
	// the group without stealing each other's pending entries.
	consumer := "pusher-" + uuid.NewString()[:8]
	p := &Pusher{
		cfg:       cfg,
		stream:    stream,
		log:       l,
		sinks:     sinks,
		hb:        hb,
		met:       met,
		consumer:  consumer,
		logger:    log.With().Str("component", "pusher").Str("consumer", consumer).Logger(),
		wake:      make(chan struct{}, 1),
		delivered: make(map[string]struct{}, dedupeWindow),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *item, cfg.QueueDepth)
	}
	return p
}

// Run starts the consumer loop and the worker pool, returning when the
// context ends and all workers have stopped.
func (p *Pusher) Run(ctx context.Context) error {
	if err := p.log.EnsureGroup(ctx, p.stream, Group); err != nil {
		return err
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Int("sinks", len(p.sinks)).Msg("pusher started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.worker(ctx, n)
		}(i)
	}

	err := p.consumeLoop(ctx)
	wg.Wait()
	return err
}

func (p *Pusher) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := p.log.Consume(ctx, p.stream, Group, p.consumer, consumeBatch, time.Second)
		if err == eventlog.ErrNoEntries {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.hb.IncrErrors()
			p.logger.Warn().Err(err).Msg("fused consume failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, e := range entries {
			p.admit(ctx, e)
		}
	}
}

// admit classifies one fused entry and enqueues it, acking immediately when
// it is a replay of an already-delivered id or no sink wants it.
func (p *Pusher) admit(ctx context.Context, e eventlog.Entry) {
	p.hb.IncrScans()

	fe, err := models.FusedEventFromFields(e.Fields)
	if err != nil {
		p.hb.IncrErrors()
		p.logger.Warn().Err(err).Str("id", e.ID).Msg("malformed fused entry dropped")
		p.ack(ctx, e.ID)
		return
	}

	if p.seen(fe.ID) {
		p.logger.Debug().Str("fused_id", fe.ID).Msg("duplicate fused id skipped")
		p.ack(ctx, e.ID)
		return
	}

	pri := Classify(fe)
	var eligible []Sink
	for _, s := range p.sinks {
		if s.Accepts(pri) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		p.ack(ctx, e.ID)
		return
	}

	it := &item{entryID: e.ID, event: fe, pri: pri, sinks: eligible}
	select {
	case p.queues[pri] <- it:
		p.notify()
	case <-ctx.Done():
	}
}

// worker drains queues highest class first; within a class FIFO holds.
func (p *Pusher) worker(ctx context.Context, n int) {
	for {
		it := p.dequeue()
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		p.deliver(ctx, it)
	}
}

// dequeue picks the highest-priority non-empty queue without blocking.
func (p *Pusher) dequeue() *item {
	for pri := PriorityCritical; pri >= PriorityNormal; pri-- {
		select {
		case it := <-p.queues[pri]:
			return it
		default:
		}
	}
	return nil
}

func (p *Pusher) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// deliver attempts every remaining sink once. Failed sinks are requeued with
// backoff until the retry budget is spent; the log entry is acked only when
// the item terminates either way.
func (p *Pusher) deliver(ctx context.Context, it *item) {
	start := time.Now()
	var failed []Sink

	for _, s := range it.sinks {
		if err := s.Send(ctx, it.event, it.pri); err != nil {
			p.hb.IncrErrors()
			p.countPush(s.Name(), "error")
			p.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("symbol", it.event.Signal.Symbol).
				Int("retries", it.retries).
				Msg("delivery failed")
			failed = append(failed, s)
			continue
		}
		p.hb.IncrEvents()
		p.countPush(s.Name(), "ok")
	}

	p.observeLatency(time.Since(start))

	if len(failed) == 0 {
		p.markDelivered(it.event.ID)
		p.ack(ctx, it.entryID)
		return
	}

	it.sinks = failed
	it.retries++
	if it.retries >= p.cfg.MaxRetries {
		p.logger.Error().
			Str("symbol", it.event.Signal.Symbol).
			Int("retries", it.retries).
			Msg("delivery dropped after retry budget")
		p.markDelivered(it.event.ID)
		p.ack(ctx, it.entryID)
		return
	}

	// Backoff happens off-worker so the pool keeps draining; the requeue
	// keeps the original priority.
	delay := baseRetryDelay * (1 << it.retries)
	time.AfterFunc(delay, func() {
		select {
		case p.queues[it.pri] <- it:
			p.notify()
		case <-ctx.Done():
		}
	})
}

func (p *Pusher) ack(ctx context.Context, entryID string) {
	if err := p.log.Ack(ctx, p.stream, Group, entryID); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Str("id", entryID).Msg("fused ack failed")
	}
}

func (p *Pusher) seen(fusedID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.delivered[fusedID]
	return ok
}

func (p *Pusher) markDelivered(fusedID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.delivered[fusedID]; ok {
		return
	}
	p.delivered[fusedID] = struct{}{}
	p.deliverLog = append(p.deliverLog, fusedID)
	if len(p.deliverLog) > dedupeWindow {
		oldest := p.deliverLog[0]
		p.deliverLog = p.deliverLog[1:]
		delete(p.delivered, oldest)
	}
}

// observeLatency folds one send latency into the EMA and the heartbeat.
func (p *Pusher) observeLatency(d time.Duration) {
	p.mu.Lock()
	ms := float64(d.Milliseconds())
	if p.emaLatency == 0 {
		p.emaLatency = ms
	} else {
		p.emaLatency = emaAlpha*ms + (1-emaAlpha)*p.emaLatency
	}
	ema := p.emaLatency
	p.mu.Unlock()

	p.hb.ObserveLatency(int64(ema))
	if p.met != nil {
		p.met.PushLatency.Observe(d.Seconds())
	}
}

func (p *Pusher) countPush(sink, outcome string) {
	if p.met != nil {
		p.met.PushTotal.WithLabelValues(sink, outcome).Inc()
	}
}

// EMALatency returns the current send latency EMA in milliseconds.
func (p *Pusher) EMALatency() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emaLatency
}
