package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream keeps a cache of last traded prices from the v5 public ticker
// channel. The market aggregator consults it before falling back to REST.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	topics []string
	last   map[string]float64
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		last:           make(map[string]float64),
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Subscribe registers ticker topics for the given instrument symbols. Before
// the connection is up the topics are only recorded; Run subscribes them on
// every (re)connect.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, "tickers."+sym)
	}
	s.mu.Lock()
	s.topics = append(s.topics, args...)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, map[string]any{"op": "subscribe", "args": args})
}

func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.ensureConnected(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.log != nil {
				s.log.Warn("ws read loop ended", zap.Error(err))
			}
			s.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}
	}
}

// LastPrice returns the cached last traded price for an instrument symbol.
func (s *Stream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.last[symbol]
	return price, ok && price > 0
}

func (s *Stream) ensureConnected(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	topics := append([]string(nil), s.topics...)
	s.mu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	return writeJSON(ctx, conn, map[string]any{"op": "subscribe", "args": topics})
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

func (s *Stream) handleMessage(data []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return
	}
	price := f64(msg.Data.LastPrice)
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.last[msg.Data.Symbol] = price
	s.mu.Unlock()
}

func (s *Stream) pingLoop(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.RUnlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]any{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
