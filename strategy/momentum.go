package strategy

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

const MomentumName = "momentum"

// Momentum follows the forecast: a strong bullish long is bought, a strong
// bearish short is sold, provided the live price has not run past buy_price.
type Momentum struct {
	Threshold float64
}

func (Momentum) Name() string { return MomentumName }

// MomentumSide returns the side momentum would take, ignoring live prices.
func MomentumSide(sig models.Signal, threshold float64) (models.Side, bool) {
	switch {
	case sig.TradingType == models.Long && sig.MarketDirection == models.Bull && sig.PercentageChange > threshold:
		return models.Buy, true
	case sig.TradingType == models.Short && sig.MarketDirection == models.Bear && sig.PercentageChange < -threshold:
		return models.Sell, true
	default:
		return "", false
	}
}

// PriceFavorable reports whether current is no worse than reference for side.
func PriceFavorable(side models.Side, current, reference float64) bool {
	if side == models.Buy {
		return current <= reference
	}
	return current >= reference
}

func (m Momentum) Evaluate(ctx context.Context, sig models.Signal, symbol string, q Quotes) (Decision, error) {
	side, ok := MomentumSide(sig, m.Threshold)
	if !ok {
		return noTrade(fmt.Sprintf("%s/%s with %.2f%% change is below momentum threshold",
			sig.TradingType, sig.MarketDirection, sig.PercentageChange)), nil
	}

	price, err := q.Ticker(ctx, symbol)
	if err != nil {
		return Decision{}, errors.Wrap(err, "get ticker")
	}
	if !PriceFavorable(side, price, sig.BuyPrice) {
		return noTrade(fmt.Sprintf("price %v is not favorable to %s at %v", price, side, sig.BuyPrice)), nil
	}

	return Decision{
		Trade: true,
		Intent: models.OrderIntent{
			Symbol:   symbol,
			Side:     side,
			Quantity: PositionSize(sig.Leverage),
			Type:     models.Market,
		},
		EntryPrice: sig.BuyPrice,
	}, nil
}
