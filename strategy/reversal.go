package strategy

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

const OverboughtOversoldName = "overbought_oversold"

// OverboughtOversold fades large 24h forecasts: an overbought bullish long is
// sold and an oversold bearish short is bought.
type OverboughtOversold struct {
	Threshold float64
}

func (OverboughtOversold) Name() string { return OverboughtOversoldName }

func ReversalSide(sig models.Signal, threshold float64) (models.Side, bool) {
	switch {
	case sig.TradingType == models.Long && sig.MarketDirection == models.Bull && sig.PercentageChange24h > threshold:
		return models.Sell, true
	case sig.TradingType == models.Short && sig.MarketDirection == models.Bear && sig.PercentageChange24h < -threshold:
		return models.Buy, true
	default:
		return "", false
	}
}

func (o OverboughtOversold) Evaluate(ctx context.Context, sig models.Signal, symbol string, q Quotes) (Decision, error) {
	side, ok := ReversalSide(sig, o.Threshold)
	if !ok {
		return noTrade(fmt.Sprintf("%s/%s with %.2f%% 24h change is inside reversal threshold",
			sig.TradingType, sig.MarketDirection, sig.PercentageChange24h)), nil
	}

	stats, err := q.Stats24h(ctx, symbol)
	if err != nil {
		return Decision{}, errors.Wrap(err, "get 24h stats")
	}

	return Decision{
		Trade: true,
		Intent: models.OrderIntent{
			Symbol:   symbol,
			Side:     side,
			Quantity: PositionSize(sig.Leverage),
			Type:     models.Market,
		},
		EntryPrice: stats.LastPrice,
	}, nil
}
