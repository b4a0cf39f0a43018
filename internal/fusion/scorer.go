package fusion

import (
	"strings"
	"time"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/models"
)

// Built-in score tables. Config entries override per key; the defaults keep
// the scorer total even when operators only pin a few sources.
var defaultSourceScores = map[string]float64{
	string(models.TagAlphaIntel):       100,
	string(models.TagExchangeOfficial): 80,
	"rest_api_binance":                 65,
	"rest_api_coinbase":                65,
	"rest_api_upbit":                   65,
	"rest_api_okx":                     65,
	"rest_api_bybit":                   65,
	string(models.TagChainContract):    45,
	string(models.TagSocialTelegram):   40,
	string(models.TagNews):             35,
	string(models.TagUnknown):          10,
}

var defaultExchangeScores = map[string]float64{
	"binance":  90,
	"coinbase": 90,
	"upbit":    90,
	"okx":      75,
	"bybit":    75,
	"kraken":   75,
	"gate":     55,
	"kucoin":   55,
	"bithumb":  55,
}

const (
	restAPIFallbackScore  = 55
	webSocketScore        = 50
	exchangeFallbackScore = 30
	wsConfirmBonus        = 10
)

// Composite weights.
const (
	weightSource   = 0.35
	weightExchange = 0.25
	weightTiming   = 0.20
	weightMulti    = 0.20
)

// Scorer turns fired aggregation groups into ranked signals. Pure: same
// inputs at the same instant always produce the same signal.
type Scorer struct {
	sourceScores   map[string]float64
	exchangeScores map[string]float64
	window         time.Duration
}

// NewScorer builds a scorer with config tables overlaid on the defaults.
func NewScorer(cfg config.ScoringConfig, window time.Duration) *Scorer {
	s := &Scorer{
		sourceScores:   make(map[string]float64, len(defaultSourceScores)+len(cfg.SourceScores)),
		exchangeScores: make(map[string]float64, len(defaultExchangeScores)+len(cfg.ExchangeScores)),
		window:         window,
	}
	for k, v := range defaultSourceScores {
		s.sourceScores[k] = v
	}
	for k, v := range cfg.SourceScores {
		s.sourceScores[k] = v
	}
	for k, v := range defaultExchangeScores {
		s.exchangeScores[k] = v
	}
	for k, v := range cfg.ExchangeScores {
		s.exchangeScores[k] = v
	}
	return s
}

// Score produces the signal for one aggregated event, or nil when the
// composite lands in the NOISE band.
func (s *Scorer) Score(ev *models.AggregatedEvent, now time.Time) *models.Signal {
	src := s.sourceScore(ev.Sources)
	exch := s.exchangeScore(ev.Exchanges, ev.Exchange)
	timing := s.timingScore(now.Sub(ev.FirstSeen))
	multi := multiSourceBonus(len(ev.Sources), len(ev.Exchanges))

	total := weightSource*src + weightExchange*exch + weightTiming*timing + weightMulti*multi
	if ev.WSConfirmed {
		total += wsConfirmBonus
	}

	tier, action := tierFor(total)
	if tier == models.TierNoise {
		return nil
	}

	confidence := total / 100
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	n := len(ev.Sources)
	if n > 5 {
		n = 5
	}
	confidence *= 0.5 + 0.1*float64(n)

	return &models.Signal{
		Symbol:    ev.Symbol,
		Exchange:  ev.Exchange,
		Exchanges: ev.Exchanges,
		Sources:   ev.Sources,

		SourceScore:      src,
		ExchangeScore:    exch,
		TimingScore:      timing,
		MultiSourceBonus: multi,
		TotalScore:       total,

		Tier:       tier,
		Action:     action,
		Confidence: confidence,

		ContractAddress: ev.ContractAddress,
		Chain:           ev.Chain,

		Status:      ev.Status,
		WSConfirmed: ev.WSConfirmed,
		FirstSeen:   ev.FirstSeen,
		LatencyMS:   now.Sub(ev.FirstSeen).Milliseconds(),
	}
}

// sourceScore is the max over contributing tags.
func (s *Scorer) sourceScore(tags []models.SourceTag) float64 {
	var best float64
	for _, tag := range tags {
		v, ok := s.sourceScores[string(tag)]
		if !ok {
			switch {
			case tag.IsWebSocket():
				v = webSocketScore
			case tag.IsRestAPI():
				v = restAPIFallbackScore
			default:
				v = s.sourceScores[string(models.TagUnknown)]
			}
		}
		if v > best {
			best = v
		}
	}
	return best
}

// exchangeScore is the max over venues seen; a group with no venue at all
// contributes zero.
func (s *Scorer) exchangeScore(exchanges []string, primary string) float64 {
	if len(exchanges) == 0 && primary != "" {
		exchanges = []string{primary}
	}
	var best float64
	for _, ex := range exchanges {
		v, ok := s.exchangeScores[strings.ToLower(ex)]
		if !ok {
			v = exchangeFallbackScore
		}
		if v > best {
			best = v
		}
	}
	return best
}

// timingScore decays linearly: 100 at age 0, 50 at half the window, 20 at the
// full window, flat after.
func (s *Scorer) timingScore(age time.Duration) float64 {
	if age <= 0 {
		return 100
	}
	w := s.window
	if w <= 0 {
		w = 600 * time.Second
	}
	half := w / 2
	switch {
	case age <= half:
		return 100 - 50*float64(age)/float64(half)
	case age <= w:
		return 50 - 30*float64(age-half)/float64(half)
	default:
		return 20
	}
}

func multiSourceBonus(sources, exchanges int) float64 {
	if sources < 1 {
		sources = 1
	}
	if exchanges < 1 {
		exchanges = 1
	}
	b := 10*float64(sources-1) + 5*float64(exchanges-1)
	if b > 40 {
		b = 40
	}
	return b
}

// tierFor maps the composite onto a tier and its recommended action.
func tierFor(total float64) (models.Tier, models.SignalAction) {
	switch {
	case total >= 90:
		return models.TierS, models.SignalImmediateBuy
	case total >= 75:
		return models.TierA, models.SignalQuickBuy
	case total >= 60:
		return models.TierB, models.SignalWatch
	case total >= 40:
		return models.TierC, models.SignalWatch
	default:
		return models.TierNoise, models.SignalIgnore
	}
}
