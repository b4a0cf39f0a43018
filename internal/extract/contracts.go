package extract

import (
	"regexp"
	"strings"
)

var (
	evmAddressRe    = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
	solanaAddressRe = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)
)

// solanaKeywords gate base58 matches: without Solana context the pattern is
// far too loose and matches hashes, invite codes and plain long words.
var solanaKeywords = []string{"solana", "sol ", "spl", "raydium", "jupiter", "pump.fun", "pumpfun", "phantom"}

// Contract holds an extracted contract address with its inferred chain.
type Contract struct {
	Address string
	Chain   string
}

// ContractAddress finds the first contract address in text. EVM addresses
// match unconditionally; Solana base58 candidates only when the text carries
// Solana context.
func ContractAddress(text string) (Contract, bool) {
	if text == "" {
		return Contract{}, false
	}

	if m := evmAddressRe.FindString(text); m != "" {
		return Contract{Address: m, Chain: InferChain(text)}, true
	}

	if hasSolanaContext(text) {
		if m := solanaAddressRe.FindString(text); m != "" {
			return Contract{Address: m, Chain: "solana"}, true
		}
	}

	return Contract{}, false
}

func hasSolanaContext(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range solanaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// InferChain scans the text for chain keywords; ethereum is the EVM default.
func InferChain(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsWord(lower, "bsc") || containsWord(lower, "bnb") || strings.Contains(lower, "binance smart chain"):
		return "bsc"
	case containsWord(lower, "base"):
		return "base"
	case strings.Contains(lower, "arbitrum"):
		return "arbitrum"
	case strings.Contains(lower, "polygon"):
		return "polygon"
	case hasSolanaContext(text):
		return "solana"
	default:
		return "ethereum"
	}
}

// containsWord avoids matching "base" inside "database" etc.
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isAlnum(text[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(text) || !isAlnum(text[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
