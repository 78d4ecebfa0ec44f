package channels

import "github.com/MarketRaker/trading-bot-example-code/models"

// Channel turns a raw provider delivery into a signal.
type Channel interface {
	ParseSignal(body []byte, signature string) (models.VerifiedSignal, error)
}

var AvailableChannels = map[string]string{
	"MarketRaker": "https://marketraker.com",
}
