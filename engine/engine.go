// Package engine turns verified MarketRaker notifications into trades.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/channels"
	"github.com/MarketRaker/trading-bot-example-code/channels/marketraker"
	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/metrics"
	"github.com/MarketRaker/trading-bot-example-code/models"
	"github.com/MarketRaker/trading-bot-example-code/monitor"
	"github.com/MarketRaker/trading-bot-example-code/strategy"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrShuttingDown     = errors.New("engine is shutting down")
)

type Journal interface {
	Opened(pos models.OpenPosition) error
	Resolved(id string) error
	Unresolved(id, reason string) error
}

type Ledger interface {
	CheckAndRecord(digest string) (bool, error)
	Forget(digest string) error
}

type Notifier interface {
	PositionOpened(ctx context.Context, pos models.OpenPosition)
	PositionClosed(ctx context.Context, pos models.OpenPosition, exit models.ExitDecision)
}

type Config struct {
	RejectUnverified bool
	// AcceptableRisk disables the risk gate when zero.
	AcceptableRisk int
	// DropInvertedStoploss ignores a stoploss above a buy entry or below a
	// sell entry instead of monitoring it.
	DropInvertedStoploss bool
	Monitor              monitor.Params
}

type Engine struct {
	cfg        Config
	parser     channels.Channel
	exchange   exchanges.Exchange
	strategies []strategy.Strategy
	journal    Journal
	ledger     Ledger
	notifier   Notifier
	log        *zap.Logger
	now        func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight conc.WaitGroup
}

type Option func(*Engine)

func WithJournal(j Journal) Option { return func(e *Engine) { e.journal = j } }

func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func New(cfg Config, parser channels.Channel, ex exchanges.Exchange, strategies []strategy.Strategy, log *zap.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		parser:     parser,
		exchange:   ex,
		strategies: strategies,
		log:        log,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	return e
}

// Result describes what happened to one notification.
type Result struct {
	Type       models.NotificationType
	Symbol     string
	Dispatched bool
	Reason     string
}

// HandleNotification verifies and routes one webhook body. Indicator trades
// run in the background after it returns; use Shutdown to wait for them.
func (e *Engine) HandleNotification(ctx context.Context, body []byte, signature string) (Result, error) {
	vs, err := e.parser.ParseSignal(body, signature)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues("unknown", "malformed").Inc()
		return Result{}, errors.Wrap(err, "parse notification")
	}
	res := Result{Type: vs.Type}

	if !vs.SignatureValid {
		if e.cfg.RejectUnverified {
			metrics.SignalsTotal.WithLabelValues(vs.Type.String(), "unverified").Inc()
			e.log.Warn("rejecting notification with invalid signature", zap.String("type", vs.Type.String()))
			return res, ErrSignatureInvalid
		}
		e.log.Warn("processing notification with invalid signature", zap.String("type", vs.Type.String()))
	}

	switch vs.Type {
	case models.Indicator:
		return e.handleIndicator(vs)
	case models.MarketDirectionUpdate:
		metrics.SignalsTotal.WithLabelValues(vs.Type.String(), "ignored").Inc()
		e.log.Info("market direction notifications are not supported yet")
		res.Reason = "not supported"
		return res, nil
	default:
		return res, errors.Errorf("unhandled notification type %v", vs.Type)
	}
}

func (e *Engine) handleIndicator(vs models.VerifiedSignal) (Result, error) {
	sig := vs.Signal
	symbol := marketraker.NormalizeSymbol(sig.TradingPair)
	res := Result{Type: vs.Type, Symbol: symbol}
	log := e.log.With(zap.String("symbol", symbol), zap.String("digest", vs.Digest))

	if e.cfg.AcceptableRisk > 0 && sig.Risk != nil && *sig.Risk > e.cfg.AcceptableRisk {
		metrics.SignalsTotal.WithLabelValues(vs.Type.String(), "risk").Inc()
		log.Info("indicator risk above acceptable level", zap.Int("risk", *sig.Risk), zap.Int("acceptable", e.cfg.AcceptableRisk))
		res.Reason = "risk above acceptable level"
		return res, nil
	}

	if e.ledger != nil {
		dup, err := e.ledger.CheckAndRecord(vs.Digest)
		if err != nil {
			return res, errors.Wrap(err, "check ledger")
		}
		if dup {
			metrics.SignalsTotal.WithLabelValues(vs.Type.String(), "duplicate").Inc()
			log.Info("duplicate indicator delivery ignored")
			res.Reason = "duplicate"
			return res, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		if e.ledger != nil {
			_ = e.ledger.Forget(vs.Digest)
		}
		return res, ErrShuttingDown
	}
	e.inflight.Go(func() {
		e.Process(e.ctx, sig, symbol, vs.Digest)
	})

	metrics.SignalsTotal.WithLabelValues(vs.Type.String(), "dispatched").Inc()
	log.Info("indicator dispatched",
		zap.String("trading_type", string(sig.TradingType)),
		zap.String("direction", string(sig.MarketDirection)),
		zap.Float64("change", sig.PercentageChange),
		zap.Float64("change_24h", sig.PercentageChange24h),
		zap.Int("leverage", sig.Leverage),
	)
	res.Dispatched = true
	return res, nil
}

// Outcome is the result of one strategy for one signal.
type Outcome struct {
	Strategy string
	Decision strategy.Decision
	Order    *models.OrderResult
	Exit     *models.ExitDecision
	Err      error
}

// Process evaluates every strategy concurrently and waits for all of them,
// including the monitoring of any position they open. A failing strategy does
// not affect the others.
func (e *Engine) Process(ctx context.Context, sig models.Signal, symbol, digest string) []Outcome {
	outcomes := make([]Outcome, len(e.strategies))
	var wg conc.WaitGroup
	for i, s := range e.strategies {
		i, s := i, s
		wg.Go(func() {
			outcomes[i] = e.runStrategy(ctx, s, sig, symbol, digest)
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		e.log.Error("strategy panicked", zap.String("symbol", symbol), zap.String("panic", recovered.String()))
	}
	return outcomes
}

func (e *Engine) runStrategy(ctx context.Context, s strategy.Strategy, sig models.Signal, symbol, digest string) Outcome {
	out := Outcome{Strategy: s.Name()}
	log := e.log.With(zap.String("strategy", s.Name()), zap.String("symbol", symbol))

	d, err := s.Evaluate(ctx, sig, symbol, e.exchange)
	if err != nil {
		metrics.DecisionsTotal.WithLabelValues(s.Name(), "error").Inc()
		log.Error("strategy evaluation failed", zap.Error(err))
		out.Err = err
		return out
	}
	out.Decision = d
	if !d.Trade {
		metrics.DecisionsTotal.WithLabelValues(s.Name(), "skip").Inc()
		log.Info("no trade", zap.String("reason", d.Reason))
		return out
	}
	metrics.DecisionsTotal.WithLabelValues(s.Name(), "trade").Inc()

	posID := positionID(digest, s.Name())
	d.Intent.ClientOrderID = posID
	log = log.With(zap.String("side", string(d.Intent.Side)), zap.Float64("quantity", d.Intent.Quantity))

	order, err := e.exchange.PlaceOrder(ctx, d.Intent)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(e.exchange.Name(), string(d.Intent.Side), "failed").Inc()
		log.Error("order placement failed", zap.String("client_order_id", posID), zap.Error(err))
		out.Err = err
		return out
	}
	metrics.OrdersTotal.WithLabelValues(e.exchange.Name(), string(d.Intent.Side), "placed").Inc()
	out.Order = &order
	log = log.With(zap.String("order_id", order.OrderID))
	log.Info("order placed", zap.String("status", order.Status), zap.Float64("entry", d.EntryPrice))

	pos := models.OpenPosition{
		ID:         posID,
		Strategy:   s.Name(),
		Exchange:   e.exchange.Name(),
		Symbol:     symbol,
		Side:       d.Intent.Side,
		EntryPrice: d.EntryPrice,
		Stoploss:   copyStop(sig.Stoploss),
		OrderID:    order.OrderID,
		Quantity:   d.Intent.Quantity,
		OpenedAt:   e.now(),
	}
	if pos.Stoploss != nil && protectiveStop(pos.Side, pos.EntryPrice, pos.Stoploss) == nil {
		if e.cfg.DropInvertedStoploss {
			log.Warn("ignoring stoploss on the wrong side of entry", zap.Float64("stoploss", *pos.Stoploss))
			pos.Stoploss = nil
		} else {
			log.Warn("stoploss is on the wrong side of entry and may exit at once", zap.Float64("stoploss", *pos.Stoploss))
		}
	}

	if e.journal != nil {
		if err := e.journal.Opened(pos); err != nil {
			log.Error("journal write failed", zap.Error(err))
		}
	}
	e.notifier.PositionOpened(ctx, pos)

	metrics.OpenPositions.Inc()
	exit := monitor.New(pos, e.exchange, e.cfg.Monitor, e.log).Run(ctx)
	metrics.OpenPositions.Dec()
	metrics.ExitsTotal.WithLabelValues(exit.Kind.String()).Inc()
	out.Exit = &exit

	if e.journal != nil {
		var err error
		if exit.Kind == models.ExitError {
			err = e.journal.Unresolved(pos.ID, exit.Reason)
		} else {
			err = e.journal.Resolved(pos.ID)
		}
		if err != nil {
			log.Error("journal update failed", zap.Error(err))
		}
	}
	// ctx may already be cancelled here; the notification still goes out.
	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.notifier.PositionClosed(notifyCtx, pos, exit)
	return out
}

func copyStop(stop *float64) *float64 {
	if stop == nil {
		return nil
	}
	v := *stop
	return &v
}

// protectiveStop keeps a stoploss only when it sits on the losing side of entry.
func protectiveStop(side models.Side, entry float64, stop *float64) *float64 {
	if stop == nil {
		return nil
	}
	if side == models.Buy && *stop >= entry {
		return nil
	}
	if side == models.Sell && *stop <= entry {
		return nil
	}
	v := *stop
	return &v
}

// positionID is also the client order id, so it must fit exchange limits (36 chars).
func positionID(digest, strategyName string) string {
	if len(digest) > 16 {
		digest = digest[:16]
	}
	if len(strategyName) > 3 {
		strategyName = strategyName[:3]
	}
	return "mr-" + digest + "-" + strategyName
}

// Shutdown stops accepting indicators, cancels running strategies and
// monitors, and waits for them until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		if recovered := e.inflight.WaitAndRecover(); recovered != nil {
			e.log.Error("signal processing panicked", zap.String("panic", recovered.String()))
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for in-flight signals")
	}
}

type nopNotifier struct{}

func (nopNotifier) PositionOpened(context.Context, models.OpenPosition) {}

func (nopNotifier) PositionClosed(context.Context, models.OpenPosition, models.ExitDecision) {}
