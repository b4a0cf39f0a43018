package monitor

import (
	"github.com/pkg/errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/sigfuse/sigfuse/internal/extract"
)

// ParserSpec is a data-driven description of how to pull candidate symbols
// out of one source's JSON payloads: a path to the entry list, a filter
// predicate, the symbol key, and an optional normalizer. Adding an exchange
// means adding one spec record plus a config entry, not new code paths.
type ParserSpec struct {
	Name      string
	ListPath  []interface{}            // path from the document root to the entry array
	Filter    func(jsoniter.Any) bool  // nil means accept all entries
	SymbolKey string                   // field holding the raw symbol
	Normalize func(string) string      // nil means extract.NormalizeSymbol
}

// Parse extracts normalized base symbols from a payload. Entries failing the
// filter or normalizing to "" are skipped; order is preserved; duplicates
// within one payload are collapsed.
func (s ParserSpec) Parse(data []byte) ([]string, error) {
	root := jsoniter.Get(data)
	if root.ValueType() == jsoniter.InvalidValue {
		return nil, errors.Errorf("parser %s: invalid JSON payload", s.Name)
	}

	list := root
	if len(s.ListPath) > 0 {
		list = root.Get(s.ListPath...)
	}

	normalize := s.Normalize
	if normalize == nil {
		normalize = extract.NormalizeSymbol
	}

	var out []string
	seen := make(map[string]struct{})

	appendItem := func(item jsoniter.Any) {
		if s.Filter != nil && !s.Filter(item) {
			return
		}
		raw := item.Get(s.SymbolKey).ToString()
		if raw == "" {
			return
		}
		sym := normalize(raw)
		if sym == "" {
			return
		}
		if _, dup := seen[sym]; dup {
			return
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}

	switch list.ValueType() {
	case jsoniter.ArrayValue:
		for i := 0; i < list.Size(); i++ {
			appendItem(list.Get(i))
		}
	case jsoniter.ObjectValue:
		// Some feeds deliver a single entry per frame.
		appendItem(list)
	default:
		return nil, errors.Errorf("parser %s: unexpected payload shape", s.Name)
	}

	return out, nil
}

// Specs is the registry of built-in payload parsers, keyed by the
// names used in configuration.
var Specs = map[string]ParserSpec{
	"binance_exchange_info": {
		Name:     "binance_exchange_info",
		ListPath: []interface{}{"symbols"},
		Filter: func(item jsoniter.Any) bool {
			return item.Get("status").ToString() == "TRADING" &&
				item.Get("quoteAsset").ToString() == "USDT"
		},
		SymbolKey: "baseAsset",
	},
	"okx_instruments": {
		Name:     "okx_instruments",
		ListPath: []interface{}{"data"},
		Filter: func(item jsoniter.Any) bool {
			return item.Get("state").ToString() == "live"
		},
		SymbolKey: "baseCcy",
	},
	"bybit_instruments": {
		Name:     "bybit_instruments",
		ListPath: []interface{}{"result", "list"},
		Filter: func(item jsoniter.Any) bool {
			return item.Get("status").ToString() == "Trading"
		},
		SymbolKey: "baseCoin",
	},
	"gate_pairs": {
		Name: "gate_pairs",
		Filter: func(item jsoniter.Any) bool {
			return item.Get("trade_status").ToString() == "tradable"
		},
		SymbolKey: "base",
	},
	"kucoin_symbols": {
		Name:     "kucoin_symbols",
		ListPath: []interface{}{"data"},
		Filter: func(item jsoniter.Any) bool {
			return item.Get("enableTrading").ToBool()
		},
		SymbolKey: "baseCurrency",
	},
	"mexc_exchange_info": {
		Name:     "mexc_exchange_info",
		ListPath: []interface{}{"symbols"},
		Filter: func(item jsoniter.Any) bool {
			// MEXC reports "1" (or "ENABLED" on newer API versions) for live pairs.
			st := item.Get("status").ToString()
			return st == "1" || st == "ENABLED"
		},
		SymbolKey: "baseAsset",
	},
	"upbit_markets": {
		Name:      "upbit_markets",
		SymbolKey: "market",
		Normalize: func(raw string) string {
			// Upbit market codes are QUOTE-BASE, e.g. KRW-XYZ.
			for i := 0; i < len(raw); i++ {
				if raw[i] == '-' {
					return extract.NormalizeSymbol(raw[i+1:])
				}
			}
			return ""
		},
	},
	"binance_ws_ticker": {
		Name:      "binance_ws_ticker",
		SymbolKey: "s",
	},
	"upbit_ws_ticker": {
		Name:      "upbit_ws_ticker",
		SymbolKey: "code",
		Normalize: func(raw string) string {
			for i := 0; i < len(raw); i++ {
				if raw[i] == '-' {
					return extract.NormalizeSymbol(raw[i+1:])
				}
			}
			return ""
		},
	},
}
