package extract

import "strings"

// knownExchanges is scanned in priority order so a message naming several
// venues resolves to the most significant one.
var knownExchanges = []string{
	"binance",
	"coinbase",
	"upbit",
	"okx",
	"bybit",
	"kraken",
	"bithumb",
	"gate",
	"kucoin",
	"mexc",
	"huobi",
}

// Exchange scans free-form text for a known venue name and returns its
// lowercase id, or "" when no venue is mentioned.
func Exchange(text string) string {
	lower := strings.ToLower(text)
	for _, ex := range knownExchanges {
		if strings.Contains(lower, ex) {
			return ex
		}
	}
	return ""
}
