package models

import "strings"

// SourceTag is the closed classification taxonomy the aggregator assigns to
// raw sources. All downstream scoring and trigger logic reasons over these
// tags, never over free-form source strings.
type SourceTag string

const (
	TagAlphaIntel       SourceTag = "tg_alpha_intel"
	TagExchangeOfficial SourceTag = "tg_exchange_official"
	TagSocialTelegram   SourceTag = "social_telegram"
	TagRestAPI          SourceTag = "rest_api" // expands to rest_api_<exchange>
	TagWebSocket        SourceTag = "ws"       // expands to ws_<exchange>
	TagChainContract    SourceTag = "chain_contract"
	TagNews             SourceTag = "news"
	TagUnknown          SourceTag = "unknown"
)

// IsRestAPI reports whether the tag is a rest_api_<exchange> tag.
func (t SourceTag) IsRestAPI() bool {
	return t == TagRestAPI || strings.HasPrefix(string(t), "rest_api_")
}

// IsWebSocket reports whether the tag is a ws_<exchange> tag.
func (t SourceTag) IsWebSocket() bool {
	return t == TagWebSocket || strings.HasPrefix(string(t), "ws_")
}

// Exchange returns the exchange suffix of a rest_api_/ws_ tag, or "".
func (t SourceTag) Exchange() string {
	s := string(t)
	switch {
	case strings.HasPrefix(s, "rest_api_"):
		return strings.TrimPrefix(s, "rest_api_")
	case strings.HasPrefix(s, "ws_"):
		return strings.TrimPrefix(s, "ws_")
	}
	return ""
}

// RestAPITag builds the per-exchange REST tag.
func RestAPITag(exchange string) SourceTag { return SourceTag("rest_api_" + exchange) }

// WebSocketTag builds the per-exchange WebSocket tag.
func WebSocketTag(exchange string) SourceTag { return SourceTag("ws_" + exchange) }
