package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/rest"
	"github.com/MarketRaker/trading-bot-example-code/models"
)

func newTestExchange(t *testing.T, handler http.HandlerFunc) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ex := New(Config{
		APIKey:    "api-key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		StreamURL: strings.Replace(srv.URL, "http://", "ws://", 1),
	}, zap.NewNop())
	ex.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return ex
}

func TestPlaceOrderSignsSortedParams(t *testing.T) {
	var calls int32
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/v5/order/create" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		want := "api_key=api-key&category=spot&orderType=Market&qty=0.25&side=Sell&symbol=BTCUSDT&timestamp=1700000000000"
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&sign=")
		if raw[:idx] != want {
			t.Errorf("signed payload = %q, want %q", raw[:idx], want)
		}
		sig := rest.NewSigner("secret").Sign(want)
		if raw[idx+len("&sign="):] != sig || r.Header.Get("X-BAPI-SIGN") != sig {
			t.Errorf("signature mismatch")
		}
		if r.Header.Get("X-BAPI-API-KEY") != "api-key" || r.Header.Get("X-BAPI-TIMESTAMP") != "1700000000000" {
			t.Errorf("missing auth headers")
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"1321003749386327552","orderLinkId":"spot-test"}}`))
	})

	res, err := ex.PlaceOrder(context.Background(), models.OrderIntent{Symbol: "BTCUSDT", Side: models.Sell, Quantity: 0.25})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "1321003749386327552" || res.ClientOrderID != "spot-test" || res.Side != models.Sell {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestRetCodeErrors(t *testing.T) {
	cases := []struct {
		body string
		want error
	}{
		{`{"retCode":10004,"retMsg":"error sign!","result":{}}`, exchanges.ErrAuth},
		{`{"retCode":170131,"retMsg":"Insufficient balance.","result":{}}`, exchanges.ErrRejectedOrder},
	}
	for _, c := range cases {
		var calls int32
		ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			_, _ = w.Write([]byte(c.body))
		})
		_, err := ex.PlaceOrder(context.Background(), models.OrderIntent{Symbol: "BTCUSDT", Side: models.Buy, Quantity: 1})
		if !errors.Is(err, c.want) {
			t.Fatalf("body %s: expected %v, got %v", c.body, c.want, err)
		}
		if calls != 1 {
			t.Fatalf("mutating call retried: %d calls", calls)
		}
	}
}

func TestStats24h(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" || r.URL.RawQuery != "category=spot&symbol=BTCUSDT" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[` +
			`{"symbol":"BTCUSDT","lastPrice":"64000.5","price24hPcnt":"-0.0625"}]}}`))
	})
	st, err := ex.Stats24h(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Stats24h: %v", err)
	}
	if st.LastPrice != 64000.5 || st.PriceChangePercent != -6.25 {
		t.Fatalf("unexpected stats %+v", st)
	}
	price, err := ex.Ticker(context.Background(), "BTCUSDT")
	if err != nil || price != 64000.5 {
		t.Fatalf("Ticker = %v, %v", price, err)
	}
}

func TestEmptyTickerListIsMalformed(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	})
	if _, err := ex.Ticker(context.Background(), "NOPE"); !errors.Is(err, exchanges.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestTickerRejectsMissingPrice(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","price24hPcnt":"0.01"}]}}`))
	})
	if price, err := ex.Ticker(context.Background(), "BTCUSDT"); !errors.Is(err, exchanges.ErrMalformedResponse) {
		t.Fatalf("Ticker: expected malformed response, got %v %v", price, err)
	}
	if st, err := ex.Stats24h(context.Background(), "BTCUSDT"); !errors.Is(err, exchanges.ErrMalformedResponse) {
		t.Fatalf("Stats24h: expected malformed response, got %+v %v", st, err)
	}
}

func TestDecodeTradesRejectsBadPrice(t *testing.T) {
	for _, msg := range []string{
		`{"topic":"publicTrade.BTCUSDT","data":[{"T":1,"s":"BTCUSDT","S":"Buy","v":"1"}]}`,
		`{"topic":"publicTrade.BTCUSDT","data":[{"T":1,"s":"BTCUSDT","S":"Buy","v":"1","p":"0"}]}`,
		`{"topic":"publicTrade.BTCUSDT","data":[{"T":1,"s":"BTCUSDT","S":"Buy","v":"1","p":"5"},{"T":2,"s":"BTCUSDT","S":"Sell","v":"1","p":"-5"}]}`,
	} {
		if ticks, err := decodeTrades([]byte(msg)); !errors.Is(err, exchanges.ErrMalformedResponse) {
			t.Fatalf("decodeTrades(%s) = %+v, %v", msg, ticks, err)
		}
	}
}

func TestOrderStatusUsesLinkID(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("orderLinkId") != "link-1" || q.Get("orderId") != "" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"orderId":"9","orderLinkId":"link-1",` +
			`"symbol":"BTCUSDT","side":"Buy","orderStatus":"Filled","cumExecQty":"0.5","avgPrice":"100"}]}}`))
	})
	if _, err := ex.OrderStatus(context.Background(), "BTCUSDT", models.OrderRef{}); !errors.Is(err, exchanges.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	res, err := ex.OrderStatus(context.Background(), "BTCUSDT", models.OrderRef{ClientOrderID: "link-1"})
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if res.Status != "Filled" || res.Side != models.Buy || res.ExecutedQty != 0.5 || res.AvgPrice != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubscribeTrades(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil || !strings.Contains(string(msg), `"publicTrade.BTCUSDT"`) {
			t.Errorf("unexpected subscription %s", msg)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"op":"subscribe"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1,`+
			`"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.001","p":"64001.5"},`+
			`{"T":1700000000001,"s":"BTCUSDT","S":"Sell","v":"0.002","p":"64000"}]}`))
		time.Sleep(200 * time.Millisecond)
	})

	s, err := ex.SubscribeTrades(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	defer s.Close()

	var prices []float64
	for len(prices) < 2 {
		select {
		case tk := <-s.Ticks():
			prices = append(prices, tk.Price)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", prices)
		}
	}
	if prices[0] != 64001.5 || prices[1] != 64000 {
		t.Fatalf("unexpected prices %v", prices)
	}
}
