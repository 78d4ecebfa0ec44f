package strategy

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

const (
	DefaultMomentumThreshold = 2.0
	DefaultReversalThreshold = 5.0
)

// Quotes is the market data a strategy may consult.
type Quotes interface {
	Ticker(ctx context.Context, symbol string) (float64, error)
	Stats24h(ctx context.Context, symbol string) (models.Stats24h, error)
}

// Decision is the outcome of evaluating one signal. When Trade is false,
// Reason says why.
type Decision struct {
	Trade      bool
	Intent     models.OrderIntent
	EntryPrice float64
	Reason     string
}

// Strategy decides whether a signal should be traded. Implementations hold no
// mutable state, so one value may evaluate signals concurrently.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, sig models.Signal, symbol string, q Quotes) (Decision, error)
}

type Params struct {
	MomentumThreshold float64
	ReversalThreshold float64
}

func DefaultParams() Params {
	return Params{MomentumThreshold: DefaultMomentumThreshold, ReversalThreshold: DefaultReversalThreshold}
}

// PositionSize is the order quantity for a signal. It is a placeholder rule:
// one unit divided by leverage.
func PositionSize(leverage int) float64 {
	if leverage < 1 {
		return 0
	}
	return 1 / float64(leverage)
}

// Build returns the strategies named in modes, in order.
func Build(modes []string, params Params) ([]Strategy, error) {
	var out []Strategy
	for _, m := range modes {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case MomentumName:
			out = append(out, Momentum{Threshold: params.MomentumThreshold})
		case OverboughtOversoldName, "reversal", "mean_reversion":
			out = append(out, OverboughtOversold{Threshold: params.ReversalThreshold})
		default:
			return nil, errors.Errorf("unknown strategy %q", m)
		}
	}
	return out, nil
}

func noTrade(reason string) Decision {
	return Decision{Reason: reason}
}
