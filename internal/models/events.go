package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the transport a RawEvent was observed on.
type SourceType string

const (
	SourceTypeWebSocket    SourceType = "websocket"
	SourceTypeRest         SourceType = "rest"
	SourceTypeAnnouncement SourceType = "announcement"
	SourceTypeTelegram     SourceType = "telegram"
	SourceTypeNews         SourceType = "news"
	SourceTypeChain        SourceType = "chain"
)

// RawEvent is the normalized per-source observation appended to the raw
// stream. Monitors produce it; the fusion pipeline consumes it.
type RawEvent struct {
	EventID         string     `json:"event_id,omitempty"` // assigned by the log on append
	SourceType      SourceType `json:"source_type"`
	Source          string     `json:"source"`   // e.g. "binance_ws", "tg:bwenews"
	Exchange        string     `json:"exchange"` // lowercase venue id, or empty
	Symbol          string     `json:"symbol"`
	Symbols         []string   `json:"symbols,omitempty"`
	RawText         string     `json:"raw_text,omitempty"`
	URL             string     `json:"url,omitempty"`
	ContractAddress string     `json:"contract_address,omitempty"`
	Chain           string     `json:"chain,omitempty"`
	DetectedAt      int64      `json:"detected_at"` // unix milliseconds at ingestion
}

// DetectedTime returns the ingestion timestamp as a time.Time.
func (e *RawEvent) DetectedTime() time.Time {
	return time.UnixMilli(e.DetectedAt)
}

// Validate checks the minimal schema a monitor must satisfy before emit.
func (e *RawEvent) Validate() error {
	if e.SourceType == "" {
		return fmt.Errorf("raw event missing source_type")
	}
	if e.Source == "" {
		return fmt.Errorf("raw event missing source")
	}
	if e.DetectedAt <= 0 {
		return fmt.Errorf("raw event missing detected_at")
	}
	return nil
}

// Fields flattens the event into string fields for stream append.
func (e *RawEvent) Fields() map[string]string {
	f := map[string]string{
		"source_type": string(e.SourceType),
		"source":      e.Source,
		"detected_at": fmt.Sprintf("%d", e.DetectedAt),
	}
	if e.Exchange != "" {
		f["exchange"] = e.Exchange
	}
	if e.Symbol != "" {
		f["symbol"] = e.Symbol
	}
	if len(e.Symbols) > 0 {
		f["symbols"] = joinSymbols(e.Symbols)
	}
	if e.RawText != "" {
		f["raw_text"] = e.RawText
	}
	if e.URL != "" {
		f["url"] = e.URL
	}
	if e.ContractAddress != "" {
		f["contract_address"] = e.ContractAddress
	}
	if e.Chain != "" {
		f["chain"] = e.Chain
	}
	return f
}

// RawEventFromFields rebuilds an event from stream fields. Unknown fields are
// ignored so schema additions stay backward compatible.
func RawEventFromFields(id string, fields map[string]string) (*RawEvent, error) {
	e := &RawEvent{
		EventID:         id,
		SourceType:      SourceType(fields["source_type"]),
		Source:          fields["source"],
		Exchange:        fields["exchange"],
		Symbol:          fields["symbol"],
		RawText:         fields["raw_text"],
		URL:             fields["url"],
		ContractAddress: fields["contract_address"],
		Chain:           fields["chain"],
	}
	if s := fields["symbols"]; s != "" {
		e.Symbols = splitSymbols(s)
	}
	if ts := fields["detected_at"]; ts != "" {
		if _, err := fmt.Sscanf(ts, "%d", &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("bad detected_at %q: %w", ts, err)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func joinSymbols(syms []string) string { return strings.Join(syms, ",") }

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
