package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
)

const maxBodySize = 4 << 20

type Config struct {
	BaseURL string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit    float64
	Burst        int
	Timeout      time.Duration
	MaxRetries   uint64
	RetryInitial time.Duration
}

// Client sends requests to one exchange REST API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

type Request struct {
	Op     string
	Method string
	Path   string
	Query  string
	Body   []byte
	Header http.Header
}

type Response struct {
	Status int
	Body   []byte
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     log,
	}
}

// Do sends req once. Transport failures are returned as ErrUpstreamUnavailable;
// any HTTP status is returned to the caller for classification.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, errors.Wrap(err, "rate limit wait")
	}

	uri := c.cfg.BaseURL + req.Path
	if req.Query != "" {
		uri += "?" + req.Query
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, uri, body)
	if err != nil {
		return Response{}, errors.Wrap(err, "create request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, &exchanges.APIError{Kind: exchanges.ErrUpstreamUnavailable, Op: req.Op, Body: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Response{}, &exchanges.APIError{Kind: exchanges.ErrUpstreamUnavailable, Op: req.Op, Status: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode >= 300 {
		c.log.Debug("exchange call failed",
			zap.String("op", req.Op),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data),
		)
	}
	return Response{Status: resp.StatusCode, Body: data}, nil
}

// Retry runs fn with exponential backoff while it fails with
// ErrUpstreamUnavailable. Use it for idempotent reads only.
func (c *Client) Retry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInitial
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, exchanges.ErrUpstreamUnavailable) {
			return backoff.Permanent(err)
		}
		c.log.Warn("retrying exchange read", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, b)
}

// StatusError classifies a non-2xx response. Mutating calls report
// ErrRejectedOrder, reads report ErrUpstreamUnavailable, and 401/403 are ErrAuth.
func StatusError(op string, mutating bool, resp Response, code int) *exchanges.APIError {
	e := &exchanges.APIError{Op: op, Status: resp.Status, Code: code, Body: string(resp.Body)}
	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		e.Kind = exchanges.ErrAuth
	case mutating:
		e.Kind = exchanges.ErrRejectedOrder
	default:
		e.Kind = exchanges.ErrUpstreamUnavailable
	}
	return e
}
