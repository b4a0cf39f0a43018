// Package fusion implements the middle of the pipeline: classification of raw
// sources into a stable tag taxonomy, aggregation of events into per-symbol
// groups, alpha scoring of fired groups, and the smart trigger decider.
package fusion

import (
	"strings"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Classifier maps free-form source strings onto the closed SourceTag
// taxonomy. Tier-S and official sets come from configuration and are
// authoritative; transport-derived tags are the fallback.
type Classifier struct {
	tierS    map[string]struct{}
	official map[string]struct{}
}

// NewClassifier builds a classifier from the aggregation config.
func NewClassifier(cfg config.AggregationConfig) *Classifier {
	c := &Classifier{
		tierS:    make(map[string]struct{}, len(cfg.TierSSources)),
		official: make(map[string]struct{}, len(cfg.TierOfficial)),
	}
	for _, s := range cfg.TierSSources {
		c.tierS[normalizeSourceKey(s)] = struct{}{}
	}
	for _, s := range cfg.TierOfficial {
		c.official[normalizeSourceKey(s)] = struct{}{}
	}
	return c
}

// normalizeSourceKey lets config entries match with or without the transport
// prefix ("tg:bwenews" and "bwenews" are the same channel).
func normalizeSourceKey(s string) string {
	return strings.TrimPrefix(strings.ToLower(s), "tg:")
}

// Classify assigns the tag for one raw event. Configured set membership wins
// over the transport-derived default.
func (c *Classifier) Classify(ev *models.RawEvent) models.SourceTag {
	key := normalizeSourceKey(ev.Source)
	if _, ok := c.tierS[key]; ok {
		return models.TagAlphaIntel
	}
	if _, ok := c.official[key]; ok {
		return models.TagExchangeOfficial
	}

	switch ev.SourceType {
	case models.SourceTypeRest:
		if ev.Exchange != "" {
			return models.RestAPITag(ev.Exchange)
		}
		return models.TagRestAPI
	case models.SourceTypeWebSocket:
		if ev.Exchange != "" {
			return models.WebSocketTag(ev.Exchange)
		}
		return models.TagWebSocket
	case models.SourceTypeAnnouncement:
		return models.TagExchangeOfficial
	case models.SourceTypeTelegram:
		return models.TagSocialTelegram
	case models.SourceTypeNews:
		return models.TagNews
	case models.SourceTypeChain:
		return models.TagChainContract
	}
	return models.TagUnknown
}
