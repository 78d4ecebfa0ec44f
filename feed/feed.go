// Package feed runs short-lived raw trade listeners for manual inspection of
// the exchange price feed. Each listener has its own context, so stopping one
// leaves the others running.
package feed

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/channels/marketraker"
	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/metrics"
)

const (
	DefaultDuration = time.Minute
	MaxDuration     = time.Hour
)

var ErrNotFound = errors.New("listener not found")

// Listener is a snapshot of one running listener.
type Listener struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	LastPrice float64   `json:"last_price"`
	Ticks     int       `json:"ticks"`
}

type entry struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	info   Listener
}

func (e *entry) snapshot() Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

type Registry struct {
	ex  exchanges.Exchange
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64
	wg     conc.WaitGroup

	mu        sync.Mutex
	listeners map[string]*entry
}

func New(ex exchanges.Exchange, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ex:        ex,
		log:       log.With(zap.String("component", "feed")),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]*entry),
	}
}

// Start subscribes to symbol's trades for duration and returns the listener id.
// A zero duration means DefaultDuration.
func (r *Registry) Start(symbol string, duration time.Duration) (string, error) {
	if symbol == "" {
		return "", errors.Wrap(exchanges.ErrInvalidArgument, "empty symbol")
	}
	switch {
	case duration == 0:
		duration = DefaultDuration
	case duration < 0 || duration > MaxDuration:
		return "", errors.Wrapf(exchanges.ErrInvalidArgument, "duration %s out of range", duration)
	}
	symbol = marketraker.NormalizeSymbol(symbol)

	ctx, cancel := context.WithTimeout(r.ctx, duration)
	stream, err := r.ex.SubscribeTrades(ctx, symbol)
	if err != nil {
		cancel()
		return "", errors.Wrapf(err, "subscribe %s", symbol)
	}

	id := symbol + "-" + strconv.FormatUint(r.seq.Add(1), 10)
	now := time.Now()
	e := &entry{
		cancel: cancel,
		info:   Listener{ID: id, Symbol: symbol, StartedAt: now, Deadline: now.Add(duration)},
	}

	r.mu.Lock()
	r.listeners[id] = e
	r.mu.Unlock()
	metrics.ListenersActive.Inc()

	log := r.log.With(zap.String("listener", id), zap.String("symbol", symbol))
	log.Info("listener started", zap.Duration("duration", duration))

	r.wg.Go(func() {
		defer func() {
			cancel()
			_ = stream.Close()
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
			metrics.ListenersActive.Dec()
		}()
		for tk := range stream.Ticks() {
			e.mu.Lock()
			e.info.LastPrice = tk.Price
			e.info.Ticks++
			e.mu.Unlock()
			log.Debug("trade", zap.Float64("price", tk.Price), zap.Float64("quantity", tk.Quantity))
		}
		if err := stream.Err(); err != nil {
			log.Warn("listener stream ended", zap.Error(err))
			return
		}
		log.Info("listener stopped", zap.Int("ticks", e.snapshot().Ticks))
	})
	return id, nil
}

// Stop cancels one listener. It returns once the listener is cancelled, not
// once its goroutine has exited.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, ok := r.listeners[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel()
	return nil
}

func (r *Registry) List() []Listener {
	r.mu.Lock()
	out := make([]Listener, 0, len(r.listeners))
	for _, e := range r.listeners {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close stops every listener and waits for them to exit.
func (r *Registry) Close() {
	r.cancel()
	if recovered := r.wg.WaitAndRecover(); recovered != nil {
		r.log.Error("listener panicked", zap.String("panic", recovered.String()))
	}
}
