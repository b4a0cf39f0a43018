package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/extract"
	"github.com/sigfuse/sigfuse/internal/models"
	"github.com/sigfuse/sigfuse/internal/netx"
)

// TelegramMonitor consumes the Bot API updates stream for a fixed set of
// numeric channel ids. It is a push source: no known-pair dedup, the
// aggregator correlates repeats downstream.
type TelegramMonitor struct {
	core     *Core
	client   *netx.Client
	cfg      config.TelegramConfig
	apiBase  string
	offset   int64
	channels map[int64]string // id -> stable source name
	keywords []string         // lowercased quick filter
}

// telegramUpdate mirrors the slice of the Bot API schema we consume.
type telegramUpdate struct {
	UpdateID    int64            `json:"update_id"`
	Message     *telegramMessage `json:"message"`
	ChannelPost *telegramMessage `json:"channel_post"`
}

type telegramMessage struct {
	Chat struct {
		ID       int64  `json:"id"`
		Title    string `json:"title"`
		Username string `json:"username"`
	} `json:"chat"`
	Text    string `json:"text"`
	Caption string `json:"caption"`
	Date    int64  `json:"date"`
}

type telegramResponse struct {
	OK          bool             `json:"ok"`
	Result      []telegramUpdate `json:"result"`
	Description string           `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// NewTelegramMonitor builds the Telegram push monitor.
func NewTelegramMonitor(core *Core, client *netx.Client, cfg config.TelegramConfig) *TelegramMonitor {
	channels := make(map[int64]string, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		name := cfg.ChannelNames[fmt.Sprintf("%d", id)]
		if name == "" {
			name = fmt.Sprintf("channel_%d", id)
		}
		channels[id] = name
	}
	keywords := make([]string, 0, len(cfg.QuickFilterKeywords))
	for _, kw := range cfg.QuickFilterKeywords {
		keywords = append(keywords, strings.ToLower(kw))
	}
	return &TelegramMonitor{
		core:     core,
		client:   client,
		cfg:      cfg,
		apiBase:  "https://api.telegram.org/bot" + cfg.BotToken,
		channels: channels,
		keywords: keywords,
	}
}

// SetAPIBase overrides the Bot API base URL. Test hook.
func (m *TelegramMonitor) SetAPIBase(base string) { m.apiBase = base }

// Run long-polls updates until the context ends.
func (m *TelegramMonitor) Run(ctx context.Context) error {
	logger := m.core.Logger()
	logger.Info().Int("channels", len(m.channels)).Msg("telegram monitor started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.core.HB.IncrScans()

		wait, err := m.pollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			m.core.HB.IncrErrors()
			logger.Warn().Err(err).Msg("telegram poll failed")
			if wait == 0 {
				wait = time.Duration(m.cfg.PollSeconds) * time.Second
			}
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// pollOnce fetches one batch of updates. The returned duration is an extra
// wait demanded by rate limiting (FLOOD_WAIT / 429).
func (m *TelegramMonitor) pollOnce(ctx context.Context) (time.Duration, error) {
	url := fmt.Sprintf("%s/getUpdates?offset=%d&timeout=%d&allowed_updates=[\"message\",\"channel_post\"]",
		m.apiBase, m.offset, 25)

	resp, err := m.client.Get(ctx, url)
	if err != nil {
		return 0, errors.Wrap(err, "getUpdates")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, errors.Wrap(err, "read updates body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var tr telegramResponse
		_ = jsoniter.Unmarshal(body, &tr)
		wait := 60 * time.Second
		if tr.Parameters.RetryAfter > 0 {
			wait = time.Duration(tr.Parameters.RetryAfter) * time.Second
		}
		return wait, errors.Errorf("telegram flood wait %s", wait)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("telegram status %d", resp.StatusCode)
	}

	var tr telegramResponse
	if err := jsoniter.Unmarshal(body, &tr); err != nil {
		return 0, errors.Wrap(err, "decode updates")
	}
	if !tr.OK {
		return 0, errors.Errorf("telegram api error: %s", tr.Description)
	}

	for _, upd := range tr.Result {
		if upd.UpdateID >= m.offset {
			m.offset = upd.UpdateID + 1
		}
		msg := upd.ChannelPost
		if msg == nil {
			msg = upd.Message
		}
		if msg == nil {
			continue
		}
		m.handleMessage(ctx, msg)
	}
	return 0, nil
}

func (m *TelegramMonitor) handleMessage(ctx context.Context, msg *telegramMessage) {
	name, watched := m.channels[msg.Chat.ID]
	if !watched {
		return
	}

	text := m.preprocess(msg)
	if text == "" {
		return
	}

	symbols := extract.Symbols(text)
	if len(symbols) == 0 {
		// Expected input variance, not an error.
		return
	}

	ev := &models.RawEvent{
		SourceType: models.SourceTypeTelegram,
		Source:     "tg:" + name,
		Exchange:   extract.Exchange(text),
		Symbol:     symbols[0],
		Symbols:    symbols,
		RawText:    text,
		DetectedAt: time.Now().UnixMilli(),
	}
	if c, ok := extract.ContractAddress(text); ok {
		ev.ContractAddress = c.Address
		ev.Chain = c.Chain
	}
	if err := m.core.Emit(ctx, ev); err != nil {
		m.core.HB.IncrErrors()
		logger := m.core.Logger()
		logger.Error().Err(err).Msg("telegram emit failed")
	}
}

// preprocess applies the quick keyword filter, the media-only rule, and the
// minimum text length. Returns "" when the message is rejected.
func (m *TelegramMonitor) preprocess(msg *telegramMessage) string {
	text := msg.Text
	if text == "" {
		// Media-only messages are rejected unless they carry a caption.
		if msg.Caption == "" && m.cfg.SkipMediaOnly {
			return ""
		}
		text = msg.Caption
	}
	if len(text) < m.cfg.MinTextLength {
		return ""
	}
	if len(m.keywords) > 0 {
		lower := strings.ToLower(text)
		hit := false
		for _, kw := range m.keywords {
			if strings.Contains(lower, kw) {
				hit = true
				break
			}
		}
		if !hit {
			return ""
		}
	}
	return text
}
