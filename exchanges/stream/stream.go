// Package stream runs exchange trade streams over websockets.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
	"github.com/MarketRaker/trading-bot-example-code/models"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second
)

// Decoder turns one websocket message into trades. Control messages such as
// subscription acks and pongs decode to no trades and no error.
type Decoder func(msg []byte) ([]models.Tick, error)

type Config struct {
	URL       string
	Subscribe []byte
	Heartbeat time.Duration
	// Ping sends one keep-alive. Defaults to a websocket ping frame.
	Ping        func(conn *websocket.Conn) error
	ReadTimeout time.Duration
	Decode      Decoder
	Buffer      int
}

// Stream implements exchanges.TradeStream.
type Stream struct {
	cfg     Config
	conn    *websocket.Conn
	ticks   chan models.Tick
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	log     *zap.Logger

	mu  sync.Mutex
	err error
}

var _ exchanges.TradeStream = (*Stream)(nil)

// Dial connects, sends the subscription message and starts reading.
// The stream ends when ctx is cancelled, Close is called, or the connection drops.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Stream, error) {
	if cfg.Decode == nil {
		return nil, errors.Wrap(exchanges.ErrInvalidArgument, "stream decoder is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Ping == nil {
		cfg.Ping = func(conn *websocket.Conn) error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(exchanges.ErrStream, "dial %s: %v", cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)

	if cfg.Subscribe != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, cfg.Subscribe); err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(exchanges.ErrStream, "subscribe: %v", err)
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}

	s := &Stream{
		cfg:     cfg,
		conn:    conn,
		ticks:   make(chan models.Tick, cfg.Buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With(zap.String("url", cfg.URL)),
	}

	go s.readLoop(ctx)
	go s.closeOnDone(ctx)
	if cfg.Heartbeat > 0 {
		go s.heartbeat(ctx)
	}
	return s, nil
}

func (s *Stream) Ticks() <-chan models.Tick { return s.ticks }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Stream) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) readLoop(ctx context.Context) {
	defer close(s.ticks)
	defer close(s.stopped)

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !s.closing() {
				s.fail(errors.Wrapf(exchanges.ErrStream, "read: %v", err))
				s.log.Warn("trade stream disconnected", zap.Error(err))
			}
			return
		}

		ticks, err := s.cfg.Decode(msg)
		if err != nil {
			s.fail(errors.Wrapf(exchanges.ErrStream, "malformed trade: %v", err))
			s.log.Warn("malformed trade message", zap.ByteString("msg", msg), zap.Error(err))
			return
		}
		for _, t := range ticks {
			select {
			case s.ticks <- t:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *Stream) closeOnDone(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.done:
	case <-s.stopped:
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// heartbeat keeps the connection alive. A failed ping ends only the heartbeat.
func (s *Stream) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			if err := s.cfg.Ping(s.conn); err != nil {
				s.log.Warn("heartbeat failed, stopping keep-alive", zap.Error(err))
				return
			}
		}
	}
}
