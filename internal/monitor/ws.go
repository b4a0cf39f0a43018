package monitor

import (
	"context"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/sigfuse/sigfuse/internal/models"
)

const (
	wsIdlePing      = 30 * time.Second // receive idle before ping
	wsIdleReconnect = 60 * time.Second // receive idle before reconnect
	wsWriteTimeout  = 5 * time.Second
)

// WSMonitor maintains a WebSocket subscription to one exchange listing feed
// and emits RawEvents for symbols not yet in the known-pair set.
type WSMonitor struct {
	core           *Core
	url            string
	subscribeFrame []byte // raw frame sent after connect, optional
	spec           ParserSpec
	reconnectDelay time.Duration
}

// NewWSMonitor builds a WebSocket monitor.
func NewWSMonitor(core *Core, url string, subscribeFrame []byte, spec ParserSpec, reconnectDelay time.Duration) *WSMonitor {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &WSMonitor{
		core:           core,
		url:            url,
		subscribeFrame: subscribeFrame,
		spec:           spec,
		reconnectDelay: reconnectDelay,
	}
}

// Run connects, consumes frames, and reconnects on closure with a bounded
// jittered delay, until the context ends.
func (m *WSMonitor) Run(ctx context.Context) error {
	logger := m.core.Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.session(ctx)
		if err != nil && ctx.Err() == nil {
			m.core.HB.IncrErrors()
			logger.Warn().Err(err).Msg("websocket session ended")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.core.HB.IncrReconnects()
		delay := m.reconnectDelay + time.Duration(rand.Int63n(int64(m.reconnectDelay)/2+1))
		logger.Info().Dur("delay", delay).Msg("reconnecting websocket")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs a single connect-subscribe-read cycle.
func (m *WSMonitor) session(ctx context.Context) error {
	logger := m.core.Logger()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", m.url)
	}
	defer conn.Close()

	logger.Info().Str("url", m.url).Msg("websocket connected")

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleReconnect))
	})

	if len(m.subscribeFrame) > 0 {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, m.subscribeFrame); err != nil {
			return errors.Wrap(err, "send subscribe frame")
		}
	}

	pinged := false
	for {
		idle := wsIdlePing
		if pinged {
			idle = wsIdleReconnect
		}
		conn.SetReadDeadline(time.Now().Add(idle))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !pinged && isTimeout(err) {
				// Quiet feed: ping once, allow the longer idle window.
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if perr := conn.WriteMessage(websocket.PingMessage, nil); perr == nil {
					pinged = true
					continue
				}
			}
			return errors.Wrap(err, "read frame")
		}
		pinged = false

		if msgType != websocket.TextMessage {
			continue
		}
		m.core.HB.IncrScans()
		m.handleFrame(ctx, data)
	}
}

func (m *WSMonitor) handleFrame(ctx context.Context, data []byte) {
	logger := m.core.Logger()

	symbols, err := m.spec.Parse(data)
	if err != nil {
		// Subscribe acks and heartbeat frames do not match the parser
		// shape; they are dropped without counting as errors.
		logger.Debug().Err(err).Msg("non-data frame")
		return
	}

	for _, sym := range symbols {
		ev := &models.RawEvent{
			SourceType: models.SourceTypeWebSocket,
			Source:     m.core.Name,
			Exchange:   m.core.Exchange,
			Symbol:     sym,
			DetectedAt: time.Now().UnixMilli(),
		}
		if _, err := m.core.EmitNewPair(ctx, sym, ev); err != nil {
			m.core.HB.IncrErrors()
			logger.Error().Err(err).Str("symbol", sym).Msg("emit failed")
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}
