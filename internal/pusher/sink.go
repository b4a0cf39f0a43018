// Package pusher drains the fused stream into outbound delivery sinks with
// priority queues, bounded retries and per-sink circuit breakers.
package pusher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/models"
	"github.com/sigfuse/sigfuse/internal/netx"
)

// Priority is the delivery class, ordered ascending.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps a config string onto a Priority, defaulting to NORMAL.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Classify buckets a fused event into its delivery class.
func Classify(f *models.FusedEvent) Priority {
	switch {
	case f.Decision.Urgency == models.UrgencyImmediate,
		f.Decision.Urgency == models.UrgencyHigh,
		f.Signal.Tier == models.TierS:
		return PriorityCritical
	case f.Signal.TotalScore >= 60:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Sink is one outbound delivery target.
type Sink interface {
	Name() string
	// Accepts reports whether the sink wants events of this class.
	Accepts(p Priority) bool
	// Send delivers one event. An error means the attempt failed and may be
	// retried.
	Send(ctx context.Context, f *models.FusedEvent, p Priority) error
}

// httpSink is the shared HTTP POST delivery core: webhook and JSON sinks
// differ only in payload shape.
type httpSink struct {
	name        string
	url         string
	minPriority Priority
	successBody string
	client      *netx.Client
	timeout     time.Duration
	breaker     *gobreaker.CircuitBreaker
	render      func(f *models.FusedEvent, p Priority) ([]byte, string, error)
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("sink", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("sink breaker state change")
		},
	})
}

// NewSink builds a sink from config. Kind "webhook" posts a Markdown message
// envelope; kind "json" posts the full structured envelope.
func NewSink(cfg config.SinkConfig, client *netx.Client, timeout time.Duration) (Sink, error) {
	s := &httpSink{
		name:        cfg.Name,
		url:         cfg.URL,
		minPriority: ParsePriority(cfg.MinPriority),
		successBody: cfg.SuccessBody,
		client:      client,
		timeout:     timeout,
		breaker:     newBreaker(cfg.Name),
	}
	switch cfg.Kind {
	case "webhook":
		s.render = renderMarkdown
	case "json":
		s.render = renderJSON
	default:
		return nil, errors.Errorf("unknown sink kind %q", cfg.Kind)
	}
	return s, nil
}

func (s *httpSink) Name() string            { return s.name }
func (s *httpSink) Accepts(p Priority) bool { return p >= s.minPriority }

func (s *httpSink) Send(ctx context.Context, f *models.FusedEvent, p Priority) error {
	body, contentType, err := s.render(f, p)
	if err != nil {
		return errors.Wrap(err, "render payload")
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, body, contentType)
	})
	return err
}

func (s *httpSink) post(ctx context.Context, body []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post to %s", s.name)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("sink %s status %d", s.name, resp.StatusCode)
	}
	if s.successBody != "" && !strings.Contains(string(respBody), s.successBody) {
		return errors.Errorf("sink %s response missing success marker", s.name)
	}
	return nil
}

// renderMarkdown formats the messaging-webhook envelope.
func renderMarkdown(f *models.FusedEvent, p Priority) ([]byte, string, error) {
	var b strings.Builder

	header := "📡 Listing Signal"
	if p == PriorityCritical {
		header = "🚨 Listing Signal"
	}
	if f.Signal.Status == models.StatusTradingStarted {
		header = "✅ Trading Started"
	}

	fmt.Fprintf(&b, "*%s: %s*\n", header, f.Signal.Symbol)
	fmt.Fprintf(&b, "*Action:* %s (%s)\n", f.Decision.Action, f.Decision.Strategy)
	fmt.Fprintf(&b, "*Exchange:* %s\n", f.Decision.Exchange)
	fmt.Fprintf(&b, "*Tier:* %s | *Score:* %.1f | *Confidence:* %.0f%%\n",
		f.Signal.Tier, f.Signal.TotalScore, f.Signal.Confidence*100)
	if f.Decision.Action == models.ActionBuy && !f.Decision.PositionSize.IsZero() {
		fmt.Fprintf(&b, "*Position:* %s\n", f.Decision.PositionSize)
	}
	if f.Signal.ContractAddress != "" {
		fmt.Fprintf(&b, "*Contract:* `%s` (%s)\n", f.Signal.ContractAddress, f.Signal.Chain)
	}
	fmt.Fprintf(&b, "*Latency:* %dms\n", f.Signal.LatencyMS)
	fmt.Fprintf(&b, "_%s_", f.Decision.Reason)

	payload, err := jsoniter.Marshal(map[string]string{
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
	return payload, "application/json", err
}

// jsonEnvelope is the language-neutral sink payload.
type jsonEnvelope struct {
	ID       string          `json:"id"`
	Priority string          `json:"priority"`
	Signal   models.Signal   `json:"signal"`
	Decision models.Decision `json:"decision"`
	SentAt   time.Time       `json:"sent_at"`
}

func renderJSON(f *models.FusedEvent, p Priority) ([]byte, string, error) {
	payload, err := jsoniter.Marshal(jsonEnvelope{
		ID:       f.ID,
		Priority: p.String(),
		Signal:   f.Signal,
		Decision: f.Decision,
		SentAt:   time.Now().UTC(),
	})
	return payload, "application/json", err
}

// LogSink logs deliveries instead of sending them. Used by --dry-run.
type LogSink struct{}

func (LogSink) Name() string          { return "dry-run" }
func (LogSink) Accepts(Priority) bool { return true }

func (LogSink) Send(_ context.Context, f *models.FusedEvent, p Priority) error {
	log.Info().
		Str("priority", p.String()).
		Str("symbol", f.Signal.Symbol).
		Str("action", string(f.Decision.Action)).
		Str("strategy", f.Decision.Strategy).
		Msg("dry-run delivery")
	return nil
}
