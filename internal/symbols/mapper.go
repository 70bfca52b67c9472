package symbols

import "strings"

// ToCanonical converts venue-specific symbol formats to the canonical
// Binance-style form: uppercase, no separators, BTC instead of XBT, no
// thousand-multiplier prefixes. Supported venues: binance, bybit, okx,
// hyperliquid.
func ToCanonical(venue, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(venue) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "hyperliquid":
		// Hyperliquid names coins bare (BTC, ETH); quote is always USD margin.
		if !strings.HasSuffix(sym, "USDT") && !strings.HasSuffix(sym, "USD") {
			sym += "USDT"
		}
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	default:
		// others already use the desired format
	}
	return sym
}
