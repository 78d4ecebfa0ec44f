package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/models"
)

type fakeStream struct {
	ch     chan models.Tick
	err    error
	closed atomic.Bool
}

func (s *fakeStream) Ticks() <-chan models.Tick { return s.ch }
func (s *fakeStream) Err() error                { return s.err }
func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeVenue struct {
	mu       sync.Mutex
	stream   *fakeStream
	subErr   error
	placeErr error
	orders   []models.OrderIntent
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, intent)
	if v.placeErr != nil {
		return models.OrderResult{}, v.placeErr
	}
	return models.OrderResult{OrderID: "close-1", Symbol: intent.Symbol, Side: intent.Side, Status: "FILLED"}, nil
}

func (v *fakeVenue) SubscribeTrades(ctx context.Context, symbol string) (exchanges.TradeStream, error) {
	if v.subErr != nil {
		return nil, v.subErr
	}
	return v.stream, nil
}

func (v *fakeVenue) placed() []models.OrderIntent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.OrderIntent(nil), v.orders...)
}

func feed(prices ...float64) *fakeStream {
	ch := make(chan models.Tick, len(prices))
	for _, p := range prices {
		ch <- models.Tick{Symbol: "BTCUSDT", Price: p, Time: time.Now()}
	}
	return &fakeStream{ch: ch}
}

func buyPosition() models.OpenPosition {
	stop := 95.0
	return models.OpenPosition{
		ID:         "pos-1",
		Symbol:     "BTCUSDT",
		Side:       models.Buy,
		EntryPrice: 100,
		Stoploss:   &stop,
		OrderID:    "42",
		Quantity:   0.5,
		OpenedAt:   time.Now(),
	}
}

func run(t *testing.T, m *Monitor) models.ExitDecision {
	t.Helper()
	done := make(chan models.ExitDecision, 1)
	go func() { done <- m.Run(context.Background()) }()
	select {
	case d := <-done:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not finish")
		return models.ExitDecision{}
	}
}

func TestTargetReachedClosesOnce(t *testing.T) {
	venue := &fakeVenue{stream: feed(100.5, 101, 103, 94)}
	m := New(buyPosition(), venue, DefaultParams(), zap.NewNop())

	d := run(t, m)
	if d.Kind != models.TargetReached || d.Price != 103 {
		t.Fatalf("expected target reached at 103, got %+v", d)
	}
	orders := venue.placed()
	if len(orders) != 1 {
		t.Fatalf("expected exactly one closing order, got %d", len(orders))
	}
	if orders[0].Side != models.Sell || orders[0].Quantity != 0.5 || orders[0].Type != models.Market {
		t.Fatalf("unexpected closing order %+v", orders[0])
	}
	if orders[0].ClientOrderID != "pos-1-x" {
		t.Fatalf("unexpected client order id %q", orders[0].ClientOrderID)
	}
	if !venue.stream.closed.Load() {
		t.Fatalf("stream not closed")
	}
	if d.CloseOrder == nil || d.CloseOrder.OrderID != "close-1" {
		t.Fatalf("expected close order in decision")
	}
}

func TestStopLossHit(t *testing.T) {
	venue := &fakeVenue{stream: feed(99, 96, 95)}
	m := New(buyPosition(), venue, DefaultParams(), zap.NewNop())

	d := run(t, m)
	if d.Kind != models.StopLossHit || d.Price != 95 {
		t.Fatalf("expected stop loss at 95, got %+v", d)
	}
	if n := len(venue.placed()); n != 1 {
		t.Fatalf("expected one closing order, got %d", n)
	}
}

func TestSellPositionExits(t *testing.T) {
	pos := buyPosition()
	pos.Side = models.Sell
	stop := 104.0
	pos.Stoploss = &stop

	venue := &fakeVenue{stream: feed(99, 97)}
	d := run(t, New(pos, venue, DefaultParams(), zap.NewNop()))
	if d.Kind != models.TargetReached {
		t.Fatalf("expected target reached, got %+v", d)
	}
	if venue.placed()[0].Side != models.Buy {
		t.Fatalf("expected buy to close a sell")
	}

	venue = &fakeVenue{stream: feed(101, 104.5)}
	d = run(t, New(pos, venue, DefaultParams(), zap.NewNop()))
	if d.Kind != models.StopLossHit {
		t.Fatalf("expected stop loss, got %+v", d)
	}
}

func TestTimeoutStillCloses(t *testing.T) {
	venue := &fakeVenue{stream: feed(100.2, 99.9)}
	params := Params{TargetPercent: DefaultTargetPercent, Window: 50 * time.Millisecond}
	m := New(buyPosition(), venue, params, zap.NewNop())

	start := time.Now()
	d := run(t, m)
	if d.Kind != models.Timeout {
		t.Fatalf("expected timeout, got %+v", d)
	}
	if time.Since(start) < params.Window {
		t.Fatalf("timed out too early")
	}
	if d.Price != 99.9 {
		t.Fatalf("expected last seen price, got %v", d.Price)
	}
	if n := len(venue.placed()); n != 1 {
		t.Fatalf("expected exactly one closing order on timeout, got %d", n)
	}
}

func TestNoStoplossOnlyTargets(t *testing.T) {
	pos := buyPosition()
	pos.Stoploss = nil
	venue := &fakeVenue{stream: feed(50, 10)}
	params := Params{TargetPercent: DefaultTargetPercent, Window: 30 * time.Millisecond}
	d := run(t, New(pos, venue, params, zap.NewNop()))
	if d.Kind != models.Timeout {
		t.Fatalf("expected timeout without stoploss, got %+v", d)
	}
}

func TestStreamErrorDoesNotClose(t *testing.T) {
	s := feed(100.1)
	s.err = errors.Wrap(exchanges.ErrStream, "connection reset")
	close(s.ch)
	venue := &fakeVenue{stream: s}

	d := run(t, New(buyPosition(), venue, DefaultParams(), zap.NewNop()))
	if d.Kind != models.ExitError {
		t.Fatalf("expected error exit, got %+v", d)
	}
	if n := len(venue.placed()); n != 0 {
		t.Fatalf("stream error must not place orders, got %d", n)
	}
}

func TestNonPositiveTickEndsMonitoring(t *testing.T) {
	for _, pos := range []models.OpenPosition{buyPosition(), func() models.OpenPosition {
		p := buyPosition()
		p.Side = models.Sell
		p.Stoploss = nil
		return p
	}()} {
		venue := &fakeVenue{stream: feed(100.1, 0)}
		d := run(t, New(pos, venue, DefaultParams(), zap.NewNop()))
		if d.Kind != models.ExitError {
			t.Fatalf("%s: expected error exit, got %+v", pos.Side, d)
		}
		if n := len(venue.placed()); n != 0 {
			t.Fatalf("%s: zero price must not place orders, got %d", pos.Side, n)
		}
	}
}

func TestSubscribeErrorIsError(t *testing.T) {
	venue := &fakeVenue{subErr: errors.Wrap(exchanges.ErrStream, "dial failed")}
	d := run(t, New(buyPosition(), venue, DefaultParams(), zap.NewNop()))
	if d.Kind != models.ExitError {
		t.Fatalf("expected error exit, got %+v", d)
	}
}

func TestCloseFailureIsError(t *testing.T) {
	venue := &fakeVenue{stream: feed(104), placeErr: errors.Wrap(exchanges.ErrRejectedOrder, "insufficient balance")}
	d := run(t, New(buyPosition(), venue, DefaultParams(), zap.NewNop()))
	if d.Kind != models.ExitError {
		t.Fatalf("expected error exit, got %+v", d)
	}
	if n := len(venue.placed()); n != 1 {
		t.Fatalf("close must not be retried, got %d attempts", n)
	}
}

func TestConcurrentQualifyingTicksCloseOnce(t *testing.T) {
	venue := &fakeVenue{}
	m := New(buyPosition(), venue, DefaultParams(), zap.NewNop())

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		price := 103 + float64(i)
		go func() {
			defer wg.Done()
			if _, ok := m.HandleTick(context.Background(), models.Tick{Symbol: "BTCUSDT", Price: price}); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected one winner, got %d", winners.Load())
	}
	if n := len(venue.placed()); n != 1 {
		t.Fatalf("expected one closing order, got %d", n)
	}
}

func TestCancelledContext(t *testing.T) {
	venue := &fakeVenue{stream: &fakeStream{ch: make(chan models.Tick)}}
	m := New(buyPosition(), venue, DefaultParams(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := m.Run(ctx)
	if d.Kind != models.ExitError {
		t.Fatalf("expected error exit on cancel, got %+v", d)
	}
	if n := len(venue.placed()); n != 0 {
		t.Fatalf("cancel must not place orders, got %d", n)
	}
}

func TestEvaluateTable(t *testing.T) {
	pos := buyPosition()
	p := DefaultParams()
	cases := []struct {
		price float64
		kind  models.ExitKind
		ok    bool
	}{
		{103, models.TargetReached, true},
		{102.99, 0, false},
		{95, models.StopLossHit, true},
		{95.01, 0, false},
	}
	for _, c := range cases {
		kind, ok := Evaluate(pos, c.price, p)
		if kind != c.kind || ok != c.ok {
			t.Fatalf("price %v: got %v %v, want %v %v", c.price, kind, ok, c.kind, c.ok)
		}
	}
}
