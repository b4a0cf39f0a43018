// Package extract holds the pure text extractors shared by monitors and the
// fusion pipeline: ticker symbols, contract addresses, chain inference.
// Everything here is side-effect free and safe for concurrent use.
package extract

import (
	"regexp"
	"strings"
)

const maxSymbolsPerMessage = 5

var (
	// $XXX cashtag form.
	cashtagRe = regexp.MustCompile(`\$([A-Z]{2,10})\b`)
	// XXX/USDT pair form; the quote side is discarded.
	pairRe = regexp.MustCompile(`\b([A-Z]{2,10})/(?:USDT|USDC|USD|BTC|ETH|KRW|EUR|TRY|BUSD)\b`)
	// Bare uppercase token.
	bareRe = regexp.MustCompile(`\b([A-Z]{2,10})\b`)
)

// stopWords filters English words and common non-ticker capitals that the
// bare-token pattern would otherwise pick up.
var stopWords = map[string]struct{}{
	"THE": {}, "AND": {}, "FOR": {}, "NEW": {}, "NOW": {}, "ALL": {}, "ARE": {},
	"WILL": {}, "LIST": {}, "LISTING": {}, "LISTED": {}, "TRADE": {}, "TRADING": {},
	"PAIR": {}, "PAIRS": {}, "SPOT": {}, "MARGIN": {}, "FUTURES": {}, "PERP": {},
	"OPEN": {}, "OPENS": {}, "LIVE": {}, "SOON": {}, "TODAY": {}, "THIS": {},
	"WITH": {}, "FROM": {}, "HAS": {}, "BEEN": {}, "ITS": {}, "OUR": {},
	"USD": {}, "USDT": {}, "USDC": {}, "BUSD": {}, "KRW": {}, "EUR": {}, "TRY": {},
	"BTC": {}, "ETH": {}, "BNB": {},
	"CEO": {}, "IPO": {}, "API": {}, "APP": {}, "AMA": {}, "ATH": {}, "DYOR": {},
	"NFT": {}, "DEFI": {}, "DEX": {}, "CEX": {}, "TGE": {}, "IDO": {}, "ICO": {},
	"USA": {}, "UTC": {}, "GMT": {}, "KST": {}, "EST": {}, "PST": {},
	"BREAKING": {}, "ALERT": {}, "UPDATE": {}, "NOTICE": {}, "OFFICIAL": {},
	"BINANCE": {}, "COINBASE": {}, "UPBIT": {}, "BITHUMB": {}, "OKX": {},
	"BYBIT": {}, "KRAKEN": {}, "KUCOIN": {}, "GATE": {}, "MEXC": {}, "HTX": {},
}

// Symbols returns up to five candidate base-asset tickers found in text,
// strongest pattern first, de-duplicated, order preserved.
func Symbols(text string) []string {
	if text == "" {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})

	add := func(sym string) {
		if len(out) >= maxSymbolsPerMessage {
			return
		}
		if _, dup := seen[sym]; dup {
			return
		}
		if _, stop := stopWords[sym]; stop {
			return
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}

	for _, m := range cashtagRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range pairRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range bareRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

// FirstSymbol returns the strongest single candidate, or "".
func FirstSymbol(text string) string {
	syms := Symbols(text)
	if len(syms) == 0 {
		return ""
	}
	return syms[0]
}

// NormalizeSymbol strips common pair suffixes and uppercases, turning raw
// exchange pair codes (xyzusdt, XYZ-USDT, XYZ_KRW) into base tickers.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "$")
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			s = s[:i]
		}
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD", "KRW", "BTC", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote)+1 {
			s = strings.TrimSuffix(s, quote)
			break
		}
	}
	if len(s) < 2 || len(s) > 10 {
		return ""
	}
	return s
}
