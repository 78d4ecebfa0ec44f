package marketraker

import "strings"

// NormalizeSymbol converts a MarketRaker pair such as "BTC/USD" to the
// exchange symbol "BTCUSDT". A USD quote becomes USDT; other quotes
// (USDT, USDC, BTC) and already normalized symbols are left alone.
func NormalizeSymbol(pair string) string {
	symbol := strings.NewReplacer("/", "", "_", "").Replace(strings.TrimSpace(pair))
	if strings.HasSuffix(symbol, "USD") {
		symbol += "T"
	}
	return symbol
}
