package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/rest"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/stream"
	"github.com/MarketRaker/trading-bot-example-code/models"
)

const (
	Name             = "bybit"
	defaultBaseURL   = "https://api.bybit.com"
	defaultStreamURL = "wss://stream.bybit.com/v5/public/spot"
	defaultCategory  = "spot"
)

var authCodes = map[int]bool{10003: true, 10004: true, 10005: true}

type Config struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	StreamURL         string
	Category          string
	RecvWindow        int64
	RateLimit         float64
	Burst             int
	MaxRetries        uint64
	QuantityPrecision int32
	Heartbeat         time.Duration
}

type Exchange struct {
	cfg    Config
	client *rest.Client
	signer *rest.Signer
	log    *zap.Logger
	now    func() time.Time
}

var _ exchanges.Exchange = (*Exchange)(nil)

func New(cfg Config, log *zap.Logger) *Exchange {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultStreamURL
	}
	if cfg.Category == "" {
		cfg.Category = defaultCategory
	}
	if cfg.QuantityPrecision == 0 {
		cfg.QuantityPrecision = 6
	}
	log = log.With(zap.String("exchange", Name))
	return &Exchange{
		cfg: cfg,
		client: rest.NewClient(rest.Config{
			BaseURL:    cfg.BaseURL,
			RateLimit:  cfg.RateLimit,
			Burst:      cfg.Burst,
			MaxRetries: cfg.MaxRetries,
		}, log),
		signer: rest.NewSigner(cfg.APISecret),
		log:    log,
		now:    time.Now,
	}
}

func (e *Exchange) Name() string { return Name }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// handle unwraps the v5 envelope. Bybit reports most failures with HTTP 200
// and a non-zero retCode.
func (e *Exchange) handle(op string, mutating bool, resp rest.Response, out any) error {
	var env envelope
	jsonErr := json.Unmarshal(resp.Body, &env)
	if !resp.OK() || (jsonErr == nil && env.RetCode != 0) {
		err := rest.StatusError(op, mutating, resp, env.RetCode)
		if authCodes[env.RetCode] {
			err.Kind = exchanges.ErrAuth
		}
		return err
	}
	if jsonErr != nil {
		return &exchanges.APIError{Kind: exchanges.ErrMalformedResponse, Op: op, Status: resp.Status, Body: string(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &exchanges.APIError{Kind: exchanges.ErrMalformedResponse, Op: op, Status: resp.Status, Body: string(resp.Body)}
	}
	return nil
}

func (e *Exchange) public(ctx context.Context, op, path string, p *rest.Params, out any) error {
	return e.client.Retry(ctx, op, func() error {
		resp, err := e.client.Do(ctx, rest.Request{
			Op:     op,
			Method: http.MethodGet,
			Path:   path,
			Query:  rest.SortedByKey(p),
		})
		if err != nil {
			return err
		}
		return e.handle(op, false, resp, out)
	})
}

// signed sends a private call. Parameters, including api_key and timestamp,
// are signed sorted by key; the signature travels in X-BAPI-SIGN and as sign.
func (e *Exchange) signed(ctx context.Context, op, method, path string, p *rest.Params, mutating bool, out any) error {
	ts := strconv.FormatInt(e.now().UnixMilli(), 10)
	p.Set("api_key", e.cfg.APIKey).Set("timestamp", ts)
	if e.cfg.RecvWindow > 0 {
		p.Set("recv_window", strconv.FormatInt(e.cfg.RecvWindow, 10))
	}
	query := rest.SortedByKey(p)
	sign := e.signer.Sign(query)

	resp, err := e.client.Do(ctx, rest.Request{
		Op:     op,
		Method: method,
		Path:   path,
		Query:  query + "&sign=" + sign,
		Header: http.Header{
			"X-BAPI-API-KEY":   []string{e.cfg.APIKey},
			"X-BAPI-TIMESTAMP": []string{ts},
			"X-BAPI-SIGN":      []string{sign},
		},
	})
	if err != nil {
		return err
	}
	return e.handle(op, mutating, resp, out)
}

type tickerList struct {
	List []struct {
		Symbol       string `json:"symbol"`
		LastPrice    string `json:"lastPrice"`
		Price24hPcnt string `json:"price24hPcnt"`
	} `json:"list"`
}

func (e *Exchange) tickers(ctx context.Context, op, symbol string) (models.Stats24h, error) {
	var tl tickerList
	p := rest.NewParams().Set("category", e.cfg.Category).Set("symbol", symbol)
	if err := e.public(ctx, op, "/v5/market/tickers", p, &tl); err != nil {
		return models.Stats24h{}, err
	}
	if len(tl.List) == 0 {
		return models.Stats24h{}, &exchanges.APIError{Kind: exchanges.ErrMalformedResponse, Op: op, Status: http.StatusOK, Body: "empty ticker list"}
	}
	t := tl.List[0]
	last, err := rest.ParsePrice("lastPrice", t.LastPrice)
	if err != nil {
		return models.Stats24h{}, err
	}
	change, err := rest.ParseNumber("price24hPcnt", t.Price24hPcnt)
	if err != nil {
		return models.Stats24h{}, err
	}
	return models.Stats24h{Symbol: symbol, LastPrice: last, PriceChangePercent: change * 100}, nil
}

func (e *Exchange) Ticker(ctx context.Context, symbol string) (float64, error) {
	st, err := e.tickers(ctx, "ticker", symbol)
	if err != nil {
		return 0, err
	}
	return st.LastPrice, nil
}

func (e *Exchange) Stats24h(ctx context.Context, symbol string) (models.Stats24h, error) {
	return e.tickers(ctx, "ticker_24h", symbol)
}

func side(s models.Side) string {
	if s == models.Sell {
		return "Sell"
	}
	return "Buy"
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder sends a market order. It is never retried.
func (e *Exchange) PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	qty := rest.FormatQuantity(intent.Quantity, e.cfg.QuantityPrecision)
	if intent.Quantity <= 0 || qty == "0" {
		return models.OrderResult{}, errors.Wrapf(exchanges.ErrInvalidArgument, "quantity %v", intent.Quantity)
	}
	if intent.Side != models.Buy && intent.Side != models.Sell {
		return models.OrderResult{}, errors.Wrapf(exchanges.ErrInvalidArgument, "side %q", intent.Side)
	}

	p := rest.NewParams().
		Set("category", e.cfg.Category).
		Set("symbol", intent.Symbol).
		Set("side", side(intent.Side)).
		Set("orderType", "Market").
		Set("qty", qty)
	if intent.ClientOrderID != "" {
		p.Set("orderLinkId", intent.ClientOrderID)
	}

	var ack orderAck
	if err := e.signed(ctx, "place_order", http.MethodPost, "/v5/order/create", p, true, &ack); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.OrderLinkID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        "New",
	}, nil
}

func (e *Exchange) orderParams(symbol string, ref models.OrderRef) (*rest.Params, error) {
	orderID, linkID, err := exchanges.ResolveOrderRef(ref)
	if err != nil {
		return nil, err
	}
	p := rest.NewParams().Set("category", e.cfg.Category).Set("symbol", symbol)
	if orderID != "" {
		p.Set("orderId", orderID)
	} else {
		p.Set("orderLinkId", linkID)
	}
	return p, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, ref models.OrderRef) (models.OrderResult, error) {
	p, err := e.orderParams(symbol, ref)
	if err != nil {
		return models.OrderResult{}, err
	}
	var ack orderAck
	if err := e.signed(ctx, "cancel_order", http.MethodPost, "/v5/order/cancel", p, true, &ack); err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{OrderID: ack.OrderID, ClientOrderID: ack.OrderLinkID, Symbol: symbol, Status: "Cancelled"}, nil
}

type orderList struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
	} `json:"list"`
}

func (e *Exchange) OrderStatus(ctx context.Context, symbol string, ref models.OrderRef) (models.OrderResult, error) {
	if _, _, err := exchanges.ResolveOrderRef(ref); err != nil {
		return models.OrderResult{}, err
	}
	var ol orderList
	err := e.client.Retry(ctx, "order_status", func() error {
		p, _ := e.orderParams(symbol, ref)
		return e.signed(ctx, "order_status", http.MethodGet, "/v5/order/realtime", p, false, &ol)
	})
	if err != nil {
		return models.OrderResult{}, err
	}
	if len(ol.List) == 0 {
		return models.OrderResult{}, &exchanges.APIError{Kind: exchanges.ErrMalformedResponse, Op: "order_status", Status: http.StatusOK, Body: "order not found"}
	}
	o := ol.List[0]
	executed, err := rest.ParseNumber("cumExecQty", o.CumExecQty)
	if err != nil {
		return models.OrderResult{}, err
	}
	avg, err := rest.ParseOptionalNumber("avgPrice", o.AvgPrice)
	if err != nil {
		return models.OrderResult{}, err
	}
	return models.OrderResult{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          models.Side(strings.ToUpper(o.Side)),
		Status:        o.OrderStatus,
		ExecutedQty:   executed,
		AvgPrice:      avg,
	}, nil
}

type tradeMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Time   int64  `json:"T"`
		Symbol string `json:"s"`
		Side   string `json:"S"`
		Volume string `json:"v"`
		Price  string `json:"p"`
	} `json:"data"`
}

func decodeTrades(msg []byte) ([]models.Tick, error) {
	var m tradeMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(m.Topic, "publicTrade.") {
		return nil, nil
	}
	ticks := make([]models.Tick, 0, len(m.Data))
	for _, d := range m.Data {
		price, err := rest.ParsePrice("p", d.Price)
		if err != nil {
			return nil, err
		}
		qty, err := rest.ParseNumber("v", d.Volume)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, models.Tick{Symbol: d.Symbol, Price: price, Quantity: qty, Time: time.UnixMilli(d.Time)})
	}
	return ticks, nil
}

func (e *Exchange) SubscribeTrades(ctx context.Context, symbol string) (exchanges.TradeStream, error) {
	sub, err := json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []string{"publicTrade." + symbol},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode subscription")
	}
	return stream.Dial(ctx, stream.Config{
		URL:       e.cfg.StreamURL,
		Subscribe: sub,
		Heartbeat: e.cfg.Heartbeat,
		Ping: func(conn *websocket.Conn) error {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`))
		},
		Decode: decodeTrades,
	}, e.log.With(zap.String("symbol", symbol)))
}
