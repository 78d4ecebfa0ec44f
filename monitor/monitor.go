// Package monitor watches an open position on the live trade stream and
// flattens it when an exit condition fires.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/models"
)

const (
	DefaultTargetPercent = 0.03
	DefaultWindow        = 2 * time.Minute
)

// Venue is the part of an exchange a monitor needs.
type Venue interface {
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error)
	SubscribeTrades(ctx context.Context, symbol string) (exchanges.TradeStream, error)
}

type Params struct {
	TargetPercent float64
	Window        time.Duration
}

func DefaultParams() Params {
	return Params{TargetPercent: DefaultTargetPercent, Window: DefaultWindow}
}

const (
	stateMonitoring int32 = iota
	stateClosing
	stateClosed
)

// Monitor owns one open position from placement until it is closed.
type Monitor struct {
	pos    models.OpenPosition
	venue  Venue
	params Params
	log    *zap.Logger
	now    func() time.Time

	state     atomic.Int32
	lastPrice atomic.Uint64
}

func New(pos models.OpenPosition, venue Venue, params Params, log *zap.Logger) *Monitor {
	if params.TargetPercent <= 0 {
		params.TargetPercent = DefaultTargetPercent
	}
	if params.Window <= 0 {
		params.Window = DefaultWindow
	}
	return &Monitor{
		pos:    pos,
		venue:  venue,
		params: params,
		log: log.With(
			zap.String("position", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(pos.Side)),
			zap.String("order_id", pos.OrderID),
		),
		now: time.Now,
	}
}

func (m *Monitor) Position() models.OpenPosition { return m.pos }

// TargetPrice is the take-profit level for pos.
func TargetPrice(pos models.OpenPosition, p Params) float64 {
	if pos.Side == models.Buy {
		return pos.EntryPrice * (1 + p.TargetPercent)
	}
	return pos.EntryPrice * (1 - p.TargetPercent)
}

// Evaluate applies the exit rules to one price. Target is checked before stop loss.
func Evaluate(pos models.OpenPosition, price float64, p Params) (models.ExitKind, bool) {
	target := TargetPrice(pos, p)
	if pos.Side == models.Buy {
		if price >= target {
			return models.TargetReached, true
		}
		if pos.Stoploss != nil && price <= *pos.Stoploss {
			return models.StopLossHit, true
		}
		return 0, false
	}
	if price <= target {
		return models.TargetReached, true
	}
	if pos.Stoploss != nil && price >= *pos.Stoploss {
		return models.StopLossHit, true
	}
	return 0, false
}

// Run subscribes to trades and blocks until the position is resolved.
func (m *Monitor) Run(ctx context.Context) models.ExitDecision {
	start := m.now()
	m.log.Info("monitoring position",
		zap.Float64("entry", m.pos.EntryPrice),
		zap.Float64("target", TargetPrice(m.pos, m.params)),
		zap.Duration("window", m.params.Window),
	)

	s, err := m.venue.SubscribeTrades(ctx, m.pos.Symbol)
	if err != nil {
		return m.fail(errors.Wrap(err, "subscribe trades"))
	}
	defer s.Close()

	timer := time.NewTimer(m.params.Window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.fail(errors.Wrap(ctx.Err(), "monitor cancelled"))
		case <-timer.C:
			if d, ok := m.exit(ctx, models.Timeout, m.last()); ok {
				return d
			}
			return m.fail(errors.New("position already closing"))
		case tk, ok := <-s.Ticks():
			if !ok {
				err := s.Err()
				if err == nil {
					err = errors.Wrap(exchanges.ErrStream, "trade stream ended")
				}
				return m.fail(err)
			}
			if tk.Price <= 0 || math.IsNaN(tk.Price) || math.IsInf(tk.Price, 0) {
				return m.fail(errors.Wrapf(exchanges.ErrStream, "malformed trade price %v", tk.Price))
			}
			if m.now().Sub(start) >= m.params.Window {
				m.setLast(tk.Price)
				if d, ok := m.exit(ctx, models.Timeout, tk.Price); ok {
					return d
				}
				continue
			}
			if d, ok := m.HandleTick(ctx, tk); ok {
				return d
			}
		}
	}
}

// HandleTick evaluates one trade. It is safe for concurrent use; of several
// qualifying ticks only one places the closing order and reports true.
func (m *Monitor) HandleTick(ctx context.Context, tk models.Tick) (models.ExitDecision, bool) {
	if m.state.Load() != stateMonitoring {
		return models.ExitDecision{}, false
	}
	m.setLast(tk.Price)
	kind, ok := Evaluate(m.pos, tk.Price, m.params)
	if !ok {
		return models.ExitDecision{}, false
	}
	return m.exit(ctx, kind, tk.Price)
}

// exit flattens the position with an opposite-side market order, at most once.
func (m *Monitor) exit(ctx context.Context, kind models.ExitKind, price float64) (models.ExitDecision, bool) {
	if !m.state.CompareAndSwap(stateMonitoring, stateClosing) {
		return models.ExitDecision{}, false
	}
	defer m.state.Store(stateClosed)

	intent := models.OrderIntent{
		Symbol:   m.pos.Symbol,
		Side:     m.pos.Side.Opposite(),
		Quantity: m.pos.Quantity,
		Type:     models.Market,
	}
	if m.pos.ID != "" {
		intent.ClientOrderID = m.pos.ID + "-x"
	}

	res, err := m.venue.PlaceOrder(ctx, intent)
	if err != nil {
		m.log.Error("closing order failed, position may still be open",
			zap.String("exit", kind.String()),
			zap.Float64("price", price),
			zap.Error(err),
		)
		return models.ExitDecision{
			Kind:   models.ExitError,
			Price:  price,
			Reason: fmt.Sprintf("%s close failed: %v", kind, err),
			At:     m.now(),
		}, true
	}

	m.log.Info("position closed",
		zap.String("exit", kind.String()),
		zap.Float64("price", price),
		zap.String("close_order_id", res.OrderID),
	)
	return models.ExitDecision{Kind: kind, Price: price, CloseOrder: &res, At: m.now()}, true
}

func (m *Monitor) fail(err error) models.ExitDecision {
	m.state.CompareAndSwap(stateMonitoring, stateClosed)
	m.log.Error("monitoring stopped without closing position", zap.Error(err))
	return models.ExitDecision{Kind: models.ExitError, Price: m.last(), Reason: err.Error(), At: m.now()}
}

func (m *Monitor) setLast(price float64) { m.lastPrice.Store(math.Float64bits(price)) }

func (m *Monitor) last() float64 { return math.Float64frombits(m.lastPrice.Load()) }
