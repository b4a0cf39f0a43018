package monitor

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sigfuse/sigfuse/internal/models"
	"github.com/sigfuse/sigfuse/internal/netx"
)

// RestMonitor polls one exchange REST endpoint on a tiered interval and
// emits RawEvents for symbols not yet in the known-pair set.
type RestMonitor struct {
	core     *Core
	client   *netx.Client
	url      string
	spec     ParserSpec
	interval time.Duration

	// backoff state for 5xx classification, capped at one poll interval
	consecutive5xx int
}

// NewRestMonitor builds a REST poller for one venue.
func NewRestMonitor(core *Core, client *netx.Client, url string, spec ParserSpec, interval time.Duration) *RestMonitor {
	return &RestMonitor{
		core:     core,
		client:   client,
		url:      url,
		spec:     spec,
		interval: interval,
	}
}

// Run polls until the context ends. A monitor never polls faster than its
// configured interval, even when the previous response arrived late, and
// doubles the interval under raw-log backpressure.
func (m *RestMonitor) Run(ctx context.Context) error {
	logger := m.core.Logger()
	logger.Info().Str("url", m.url).Dur("interval", m.interval).Msg("rest monitor started")

	for {
		cycleStart := time.Now()
		m.core.HB.IncrScans()

		extraSleep := m.poll(ctx)

		interval := m.interval * time.Duration(m.core.BP.Factor(ctx))
		next := cycleStart.Add(interval)
		sleep := time.Until(next)
		if extraSleep > sleep {
			sleep = extraSleep
		}
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

// poll performs one scan cycle and returns any extra sleep the error
// classification demands (rate limits, 5xx backoff).
func (m *RestMonitor) poll(ctx context.Context) time.Duration {
	logger := m.core.Logger()

	resp, err := m.client.Get(ctx, m.url)
	if err != nil {
		// Network error or timeout: next cycle, counter only.
		m.core.HB.IncrErrors()
		logger.Warn().Err(err).Msg("rest poll failed")
		return 0
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		m.consecutive5xx = 0
	case resp.StatusCode == http.StatusTooManyRequests:
		m.core.HB.IncrErrors()
		wait := retryAfter(resp, 60*time.Second)
		logger.Warn().Dur("wait", wait).Msg("rate limited by venue")
		return wait
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnavailableForLegalReasons:
		// Access denial is not fatal; keep polling at normal cadence.
		m.core.HB.IncrErrors()
		logger.Warn().Int("status", resp.StatusCode).Msg("access denied, continuing at normal cadence")
		return 0
	case resp.StatusCode >= 500:
		m.core.HB.IncrErrors()
		m.consecutive5xx++
		backoff := time.Second * (1 << m.consecutive5xx)
		if backoff > m.interval {
			backoff = m.interval
		}
		logger.Warn().Int("status", resp.StatusCode).Dur("backoff", backoff).Msg("venue 5xx")
		return backoff
	default:
		m.core.HB.IncrErrors()
		logger.Warn().Int("status", resp.StatusCode).Msg("unexpected status")
		return 0
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		m.core.HB.IncrErrors()
		logger.Warn().Err(err).Msg("read body failed")
		return 0
	}

	symbols, err := m.spec.Parse(body)
	if err != nil {
		// Malformed payload: drop this response, count, continue.
		m.core.HB.IncrErrors()
		logger.Warn().Err(err).Msg("parse failed")
		return 0
	}

	for _, sym := range symbols {
		ev := &models.RawEvent{
			SourceType: models.SourceTypeRest,
			Source:     m.core.Name,
			Exchange:   m.core.Exchange,
			Symbol:     sym,
			URL:        m.url,
			DetectedAt: time.Now().UnixMilli(),
		}
		if _, err := m.core.EmitNewPair(ctx, sym, ev); err != nil {
			m.core.HB.IncrErrors()
			logger.Error().Err(err).Str("symbol", sym).Msg("emit failed")
		}
	}
	return 0
}

// retryAfter honours a server-provided Retry-After, flooring at fallback.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return fallback
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs <= 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d < fallback {
		return fallback
	}
	return d
}
