package exchanges

import (
	"context"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

// Exchange is the trading port every venue adapter implements.
//
// PlaceOrder and CancelOrder are real side effects and are never retried by
// an adapter; callers decide what to do on an ambiguous failure.
type Exchange interface {
	Name() string
	Ticker(ctx context.Context, symbol string) (float64, error)
	Stats24h(ctx context.Context, symbol string) (models.Stats24h, error)
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, ref models.OrderRef) (models.OrderResult, error)
	OrderStatus(ctx context.Context, symbol string, ref models.OrderRef) (models.OrderResult, error)
	SubscribeTrades(ctx context.Context, symbol string) (TradeStream, error)
}

// TradeStream is a live sequence of trades. Ticks is closed when the stream
// ends, after which Err reports why (nil after Close or context cancellation).
type TradeStream interface {
	Ticks() <-chan models.Tick
	Err() error
	Close() error
}

var AvailableExchanges = map[string]string{
	"binance": "https://www.binance.com",
	"bybit":   "https://www.bybit.com",
}
