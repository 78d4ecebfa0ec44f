// Package webhook exposes the MarketRaker notification endpoint and the
// operator endpoints over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/engine"
	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/feed"
)

const (
	NotificationPath = "/marketraker/notification"
	SignatureHeader  = "X-Signature"

	maxBody = 1 << 20
)

type NotificationHandler interface {
	HandleNotification(ctx context.Context, body []byte, signature string) (engine.Result, error)
}

type Listeners interface {
	Start(symbol string, duration time.Duration) (string, error)
	Stop(id string) error
	List() []feed.Listener
}

type Server struct {
	notifications NotificationHandler
	listeners     Listeners
	log           *zap.Logger
}

// NewHandler builds the HTTP routes. listeners may be nil, in which case the
// listener endpoints are not served.
func NewHandler(n NotificationHandler, listeners Listeners, log *zap.Logger) http.Handler {
	s := &Server{notifications: n, listeners: listeners, log: log.With(zap.String("component", "webhook"))}
	mux := http.NewServeMux()
	mux.HandleFunc(NotificationPath, s.handleNotification)
	mux.HandleFunc("/healthz", s.handleHealth)
	if listeners != nil {
		mux.HandleFunc("/listeners", s.handleListeners)
		mux.HandleFunc("/listeners/", s.handleListener)
	}
	return s.logRequests(mux)
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewServer(opts Options, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
	}
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.log.Warn("read notification body", zap.Error(err))
		internalError(w)
		return
	}

	res, err := s.notifications.HandleNotification(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		s.log.Error("notification failed", zap.String("type", res.Type.String()), zap.String("symbol", res.Symbol), zap.Error(err))
		internalError(w)
		return
	}

	resp := map[string]any{"status": "ok", "type": res.Type.String()}
	if res.Symbol != "" {
		resp["symbol"] = res.Symbol
	}
	if res.Reason != "" {
		resp["detail"] = res.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.listeners.List())
	case http.MethodPost:
		q := r.URL.Query()
		var d time.Duration
		if raw := q.Get("duration"); raw != "" {
			var err error
			if d, err = time.ParseDuration(raw); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid duration"})
				return
			}
		}
		id, err := s.listeners.Start(q.Get("symbol"), d)
		if err != nil {
			if errors.Is(err, exchanges.ErrInvalidArgument) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
				return
			}
			s.log.Error("start listener", zap.String("symbol", q.Get("symbol")), zap.Error(err))
			internalError(w)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/listeners/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.listeners.Stop(id); err != nil {
		if errors.Is(err, feed.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "listener not found"})
			return
		}
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func internalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
