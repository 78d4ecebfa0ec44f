package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/rest"
	"github.com/MarketRaker/trading-bot-example-code/exchanges/stream"
	"github.com/MarketRaker/trading-bot-example-code/models"
)

const (
	Name             = "binance"
	defaultBaseURL   = "https://api.binance.com"
	defaultStreamURL = "wss://stream.binance.com:9443/ws"
)

// Error codes Binance returns for signature and key problems.
var authCodes = map[int]bool{-1022: true, -2014: true, -2015: true}

type Config struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	StreamURL         string
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

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Exchange) classify(op string, mutating bool, resp rest.Response) error {
	var ae apiError
	_ = json.Unmarshal(resp.Body, &ae)
	err := rest.StatusError(op, mutating, resp, ae.Code)
	if authCodes[ae.Code] {
		err.Kind = exchanges.ErrAuth
	}
	return err
}

func (e *Exchange) public(ctx context.Context, op, path string, p *rest.Params, out any) error {
	return e.client.Retry(ctx, op, func() error {
		resp, err := e.client.Do(ctx, rest.Request{
			Op:     op,
			Method: http.MethodGet,
			Path:   path,
			Query:  rest.InsertionOrder(p),
		})
		if err != nil {
			return err
		}
		if !resp.OK() {
			return e.classify(op, false, resp)
		}
		return decode(op, resp.Body, out)
	})
}

// signed sends a private call. Parameters are signed in insertion order and
// the signature is appended last.
func (e *Exchange) signed(ctx context.Context, op, method, path string, p *rest.Params, mutating bool, out any) error {
	if e.cfg.RecvWindow > 0 {
		p.Set("recvWindow", strconv.FormatInt(e.cfg.RecvWindow, 10))
	}
	p.Set("timestamp", strconv.FormatInt(e.now().UnixMilli(), 10))
	query := rest.InsertionOrder(p)
	query += "&signature=" + e.signer.Sign(query)

	resp, err := e.client.Do(ctx, rest.Request{
		Op:     op,
		Method: method,
		Path:   path,
		Query:  query,
		Header: http.Header{"X-MBX-APIKEY": []string{e.cfg.APIKey}},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return e.classify(op, mutating, resp)
	}
	return decode(op, resp.Body, out)
}

func decode(op string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &exchanges.APIError{Kind: exchanges.ErrMalformedResponse, Op: op, Status: http.StatusOK, Body: string(body)}
	}
	return nil
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (e *Exchange) Ticker(ctx context.Context, symbol string) (float64, error) {
	var t tickerPrice
	if err := e.public(ctx, "ticker", "/api/v3/ticker/price", rest.NewParams().Set("symbol", symbol), &t); err != nil {
		return 0, err
	}
	return rest.ParsePrice("price", t.Price)
}

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
}

func (e *Exchange) Stats24h(ctx context.Context, symbol string) (models.Stats24h, error) {
	var t ticker24h
	if err := e.public(ctx, "ticker_24h", "/api/v3/ticker/24hr", rest.NewParams().Set("symbol", symbol), &t); err != nil {
		return models.Stats24h{}, err
	}
	last, err := rest.ParsePrice("lastPrice", t.LastPrice)
	if err != nil {
		return models.Stats24h{}, err
	}
	change, err := rest.ParseNumber("priceChangePercent", t.PriceChangePercent)
	if err != nil {
		return models.Stats24h{}, err
	}
	return models.Stats24h{Symbol: symbol, LastPrice: last, PriceChangePercent: change}, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Side                string `json:"side"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (o orderResponse) result() (models.OrderResult, error) {
	executed, err := rest.ParseNumber("executedQty", o.ExecutedQty)
	if err != nil {
		return models.OrderResult{}, err
	}
	quote, err := rest.ParseNumber("cummulativeQuoteQty", o.CummulativeQuoteQty)
	if err != nil {
		return models.OrderResult{}, err
	}
	r := models.OrderResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		Status:        o.Status,
		ExecutedQty:   executed,
	}
	if executed > 0 {
		r.AvgPrice = quote / executed
	}
	return r, nil
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
		Set("symbol", intent.Symbol).
		Set("side", string(intent.Side)).
		Set("type", "MARKET").
		Set("quantity", qty)
	if intent.ClientOrderID != "" {
		p.Set("newClientOrderId", intent.ClientOrderID)
	}

	var o orderResponse
	if err := e.signed(ctx, "place_order", http.MethodPost, "/api/v3/order", p, true, &o); err != nil {
		return models.OrderResult{}, err
	}
	return o.result()
}

func (e *Exchange) orderParams(symbol string, ref models.OrderRef) (*rest.Params, error) {
	orderID, clientID, err := exchanges.ResolveOrderRef(ref)
	if err != nil {
		return nil, err
	}
	p := rest.NewParams().Set("symbol", symbol)
	if orderID != "" {
		p.Set("orderId", orderID)
	} else {
		p.Set("origClientOrderId", clientID)
	}
	return p, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, ref models.OrderRef) (models.OrderResult, error) {
	p, err := e.orderParams(symbol, ref)
	if err != nil {
		return models.OrderResult{}, err
	}
	var o orderResponse
	if err := e.signed(ctx, "cancel_order", http.MethodDelete, "/api/v3/order", p, true, &o); err != nil {
		return models.OrderResult{}, err
	}
	return o.result()
}

func (e *Exchange) OrderStatus(ctx context.Context, symbol string, ref models.OrderRef) (models.OrderResult, error) {
	if _, _, err := exchanges.ResolveOrderRef(ref); err != nil {
		return models.OrderResult{}, err
	}
	var o orderResponse
	err := e.client.Retry(ctx, "order_status", func() error {
		p, _ := e.orderParams(symbol, ref)
		return e.signed(ctx, "order_status", http.MethodGet, "/api/v3/order", p, false, &o)
	})
	if err != nil {
		return models.OrderResult{}, err
	}
	return o.result()
}

type tradeEvent struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func decodeTrade(msg []byte) ([]models.Tick, error) {
	var ev tradeEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, err
	}
	if ev.Event != "trade" {
		return nil, nil
	}
	price, err := rest.ParsePrice("p", ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := rest.ParseNumber("q", ev.Quantity)
	if err != nil {
		return nil, err
	}
	return []models.Tick{{
		Symbol:   ev.Symbol,
		Price:    price,
		Quantity: qty,
		Time:     time.UnixMilli(ev.TradeTime),
	}}, nil
}

func (e *Exchange) SubscribeTrades(ctx context.Context, symbol string) (exchanges.TradeStream, error) {
	url := strings.TrimRight(e.cfg.StreamURL, "/") + "/" + strings.ToLower(symbol) + "@trade"
	return stream.Dial(ctx, stream.Config{
		URL:       url,
		Heartbeat: e.cfg.Heartbeat,
		Decode:    decodeTrade,
	}, e.log.With(zap.String("symbol", symbol)))
}
