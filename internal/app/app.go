// Package app wires configuration, the event log, monitors, the fusion
// pipeline, the pusher and the ops surface into one supervised runner.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/fusion"
	"github.com/sigfuse/sigfuse/internal/heartbeat"
	"github.com/sigfuse/sigfuse/internal/metrics"
	"github.com/sigfuse/sigfuse/internal/models"
	"github.com/sigfuse/sigfuse/internal/monitor"
	"github.com/sigfuse/sigfuse/internal/netx"
	"github.com/sigfuse/sigfuse/internal/persistence"
	"github.com/sigfuse/sigfuse/internal/pusher"
)

// Options are the CLI-level switches.
type Options struct {
	ConfigPath string
	DryRun     bool
	Only       []string // component filter: monitors, fusion, pusher, http
}

// Run loads config, connects the event log and supervises all components
// until the context ends. Invalid configuration and an unreachable event log
// are fatal.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	l := eventlog.NewRedisLog(eventlog.RedisOptions{
		Addr:     cfg.EventLog.RedisAddr,
		Password: cfg.EventLog.RedisPassword,
		DB:       cfg.EventLog.RedisDB,
		MaxLen:   cfg.EventLog.MaxLen,
	})
	defer l.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.Ping(pingCtx); err != nil {
		return fmt.Errorf("event log unreachable at %s: %w", cfg.EventLog.RedisAddr, err)
	}

	return runWith(ctx, cfg, l, opts)
}

// runWith is the log-agnostic core, separated so tests can drive it with the
// in-memory provider.
func runWith(ctx context.Context, cfg *config.Config, l eventlog.Log, opts Options) error {
	met := metrics.New()
	hbInterval := time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second
	hbTTL := time.Duration(cfg.Heartbeat.TTLSeconds) * time.Second

	only := make(map[string]struct{}, len(opts.Only))
	for _, c := range opts.Only {
		only[c] = struct{}{}
	}
	enabled := func(component string) bool {
		if len(only) == 0 {
			return true
		}
		_, ok := only[component]
		return ok
	}

	g, gctx := errgroup.WithContext(ctx)
	var modules []string

	startHB := func(name string) *heartbeat.Reporter {
		hb := heartbeat.NewReporter(name, l, hbInterval, hbTTL)
		modules = append(modules, name)
		g.Go(func() error { return hb.Run(gctx) })
		return hb
	}

	client := netx.NewClient(netx.ClientConfig{
		RequestTimeout: time.Duration(cfg.Monitors.RestTimeoutSeconds) * time.Second,
	})
	bp := monitor.NewBackpressure(l, cfg.EventLog.RawStream, cfg.EventLog.HighWaterMark, cfg.EventLog.LowWaterMark)
	pairs := monitor.NewKnownPairSet(l)

	if enabled("monitors") {
		if err := startMonitors(gctx, g, cfg, l, client, bp, pairs, startHB); err != nil {
			return err
		}
	}

	var pipe *fusion.Pipeline
	if enabled("fusion") {
		hb := startHB("fusion")
		pipe = fusion.NewPipeline(cfg, l, hb, met, nil)
		g.Go(func() error { return pipe.Run(gctx) })

		if cfg.Postgres.DSN != "" && !opts.DryRun {
			repo, err := persistence.Open(gctx, cfg.Postgres.DSN)
			if err != nil {
				// Archive is best-effort; the pipeline runs without it.
				log.Error().Err(err).Msg("trigger archive unavailable, continuing without")
			} else {
				g.Go(func() error { return archiveLoop(gctx, repo, pipe.Decider()) })
			}
		}
	}

	if enabled("pusher") {
		sinks, err := buildSinks(cfg, client, opts.DryRun)
		if err != nil {
			return err
		}
		hb := startHB("pusher")
		pu := pusher.New(cfg.Pusher, cfg.EventLog.FusedStream, l, sinks, hb, met)
		g.Go(func() error { return pu.Run(gctx) })
	}

	if enabled("http") && cfg.HTTP.Addr != "" {
		srv := metrics.NewServer(cfg.HTTP.Addr, l, modules, hbTTL, cfg.Latency, met)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error { return watchStreams(gctx, l, cfg, met) })

	log.Info().
		Strs("modules", modules).
		Bool("dry_run", opts.DryRun).
		Msg("sigfuse running")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startMonitors builds every configured ingestion source. Unknown parser
// specs are configuration errors and fatal.
func startMonitors(ctx context.Context, g *errgroup.Group, cfg *config.Config, l eventlog.Log,
	client *netx.Client, bp *monitor.Backpressure, pairs *monitor.KnownPairSet,
	startHB func(string) *heartbeat.Reporter) error {

	raw := cfg.EventLog.RawStream

	for _, mc := range cfg.Monitors.Rest {
		if mc.Disabled {
			continue
		}
		spec, ok := monitor.Specs[mc.ParserSpec]
		if !ok {
			return fmt.Errorf("config: rest monitor %s references unknown parser spec %q", mc.Exchange, mc.ParserSpec)
		}
		name := "rest_" + mc.Exchange
		core := monitor.NewCore(name, mc.Exchange, models.SourceTypeRest, l, raw, pairs, startHB(name), bp)
		m := monitor.NewRestMonitor(core, client, mc.URL, spec, cfg.PollInterval(mc))
		g.Go(func() error { return m.Run(ctx) })
	}

	for _, mc := range cfg.Monitors.WebSocket {
		if mc.Disabled {
			continue
		}
		spec, ok := monitor.Specs[mc.ParserSpec]
		if !ok {
			return fmt.Errorf("config: ws monitor %s references unknown parser spec %q", mc.Exchange, mc.ParserSpec)
		}
		name := "ws_" + mc.Exchange
		core := monitor.NewCore(name, mc.Exchange, models.SourceTypeWebSocket, l, raw, pairs, startHB(name), bp)
		m := monitor.NewWSMonitor(core, mc.URL, []byte(mc.SubscribeJSON), spec,
			time.Duration(mc.ReconnectDelay)*time.Second)
		g.Go(func() error { return m.Run(ctx) })
	}

	if cfg.Monitors.Telegram.Enabled {
		core := monitor.NewCore("telegram", "", models.SourceTypeTelegram, l, raw, pairs, startHB("telegram"), bp)
		m := monitor.NewTelegramMonitor(core, client, cfg.Monitors.Telegram)
		g.Go(func() error { return m.Run(ctx) })
	}

	for _, fc := range cfg.Monitors.News {
		if fc.Disabled {
			continue
		}
		name := "news_" + fc.Name
		core := monitor.NewCore(name, "", models.SourceTypeNews, l, raw, pairs, startHB(name), bp)
		m := monitor.NewNewsMonitor(core, fc.Name, fc.URL, time.Duration(fc.PollSeconds)*time.Second)
		g.Go(func() error { return m.Run(ctx) })
	}

	if cfg.Monitors.Chain.Enabled {
		core := monitor.NewCore("chain_probe", "", models.SourceTypeChain, l, raw, pairs, startHB("chain_probe"), bp)
		m := monitor.NewChainProbe(core, client, cfg.Monitors.Chain.RPCURL,
			time.Duration(cfg.Monitors.Chain.PollSeconds)*time.Second)
		g.Go(func() error { return m.Run(ctx) })
	}

	return nil
}

// buildSinks assembles the outbound set; --dry-run swaps everything for the
// logging sink.
func buildSinks(cfg *config.Config, client *netx.Client, dryRun bool) ([]pusher.Sink, error) {
	if dryRun {
		return []pusher.Sink{pusher.LogSink{}}, nil
	}
	timeout := time.Duration(cfg.Pusher.SendTimeout) * time.Second
	var sinks []pusher.Sink
	for _, sc := range cfg.Pusher.Sinks {
		if sc.Disabled {
			continue
		}
		s, err := pusher.NewSink(sc, client, timeout)
		if err != nil {
			return nil, fmt.Errorf("config: sink %q: %w", sc.Name, err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		log.Warn().Msg("no outbound sinks configured, deliveries will only be logged")
		sinks = []pusher.Sink{pusher.LogSink{}}
	}
	return sinks, nil
}

// archiveLoop periodically drains new decider history into Postgres.
func archiveLoop(ctx context.Context, repo persistence.Repo, d *fusion.Decider) error {
	defer repo.Close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastSaved time.Time
	flush := func(ctx context.Context) {
		for _, rec := range d.History() {
			if !rec.Timestamp.After(lastSaved) {
				continue
			}
			row := persistence.TriggerRow{
				Symbol:      rec.Symbol,
				Exchange:    rec.Exchange,
				Score:       rec.Score,
				Strategy:    rec.Strategy,
				TriggeredAt: rec.Timestamp,
			}
			if err := repo.SaveTrigger(ctx, row); err != nil {
				log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("trigger archive write failed")
				continue
			}
			lastSaved = rec.Timestamp
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain with a short independent deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// watchStreams keeps the raw stream length gauge fresh.
func watchStreams(ctx context.Context, l eventlog.Log, cfg *config.Config, met *metrics.Metrics) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := l.Len(ctx, cfg.EventLog.RawStream); err == nil {
				met.StreamLength.WithLabelValues(cfg.EventLog.RawStream).Set(float64(n))
			}
		}
	}
}
