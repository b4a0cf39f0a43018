package monitor

import (
	"context"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"

	"github.com/sigfuse/sigfuse/internal/extract"
	"github.com/sigfuse/sigfuse/internal/models"
)

// NewsMonitor polls one RSS/Atom feed and emits RawEvents for items whose
// text yields candidate symbols. Item GUIDs are deduplicated in the KV
// store so restarts do not replay old headlines.
type NewsMonitor struct {
	core     *Core
	parser   *gofeed.Parser
	feedName string
	url      string
	interval time.Duration
}

// NewNewsMonitor builds an RSS monitor.
func NewNewsMonitor(core *Core, feedName, url string, interval time.Duration) *NewsMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &NewsMonitor{
		core:     core,
		parser:   gofeed.NewParser(),
		feedName: feedName,
		url:      url,
		interval: interval,
	}
}

func (m *NewsMonitor) seenKey() string { return "news_seen:" + m.feedName }

// Run polls the feed until the context ends.
func (m *NewsMonitor) Run(ctx context.Context) error {
	logger := m.core.Logger()
	logger.Info().Str("feed", m.url).Dur("interval", m.interval).Msg("news monitor started")

	for {
		cycleStart := time.Now()
		m.core.HB.IncrScans()

		if err := m.poll(ctx); err != nil && ctx.Err() == nil {
			m.core.HB.IncrErrors()
			logger.Warn().Err(err).Msg("feed poll failed")
		}

		interval := m.interval * time.Duration(m.core.BP.Factor(ctx))
		sleep := time.Until(cycleStart.Add(interval))
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (m *NewsMonitor) poll(ctx context.Context) error {
	feed, err := m.parser.ParseURLWithContext(m.url, ctx)
	if err != nil {
		return errors.Wrapf(err, "parse feed %s", m.feedName)
	}

	for _, item := range feed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}
		fresh, err := m.core.Log.SAdd(ctx, m.seenKey(), guid)
		if err != nil {
			return errors.Wrap(err, "dedupe feed item")
		}
		if !fresh {
			continue
		}

		text := item.Title
		if item.Description != "" {
			text += " " + item.Description
		}
		symbols := extract.Symbols(text)
		if len(symbols) == 0 {
			continue
		}

		ev := &models.RawEvent{
			SourceType: models.SourceTypeNews,
			Source:     "news:" + m.feedName,
			Exchange:   extract.Exchange(text),
			Symbol:     symbols[0],
			Symbols:    symbols,
			RawText:    text,
			URL:        item.Link,
			DetectedAt: time.Now().UnixMilli(),
		}
		if c, ok := extract.ContractAddress(text); ok {
			ev.ContractAddress = c.Address
			ev.Chain = c.Chain
		}
		if err := m.core.Emit(ctx, ev); err != nil {
			m.core.HB.IncrErrors()
			logger := m.core.Logger()
			logger.Error().Err(err).Msg("news emit failed")
		}
	}
	return nil
}
