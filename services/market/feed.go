package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNoPrice is returned when a source has no usable price for an instrument.
var ErrNoPrice = errors.New("no price available")

// Quote is the payload of the quote endpoint and of each stream message.
type Quote struct {
	FIGI  string  `json:"figi"`
	Price float64 `json:"price"`
}

// HTTPPriceSource polls a REST quote endpoint.
type HTTPPriceSource struct {
	client *resty.Client
	path   string
}

// NewHTTPPriceSource creates a polling price source rooted at baseURL.
func NewHTTPPriceSource(baseURL, path string, timeout time.Duration) *HTTPPriceSource {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	if path == "" {
		path = "/quote"
	}
	return &HTTPPriceSource{client: client, path: path}
}

// Price fetches the last price for figi.
func (s *HTTPPriceSource) Price(ctx context.Context, figi string) (float64, error) {
	var q Quote
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("figi", figi).
		SetResult(&q).
		Get(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch quote: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("quote endpoint returned %s", resp.Status())
	}
	if q.Price <= 0 {
		return 0, ErrNoPrice
	}
	return q.Price, nil
}

type cachedQuote struct {
	price float64
	at    time.Time
}

// StreamPriceSource keeps the last streamed price per instrument.
type StreamPriceSource struct {
	URL    string
	MaxAge time.Duration

	logger *zap.Logger
	conn   *websocket.Conn
	mu     sync.RWMutex
	quotes map[string]cachedQuote
	done   chan struct{}
	now    func() time.Time
}

// NewStreamPriceSource creates a websocket-backed price cache. Prices older
// than maxAge are reported as unavailable; zero disables the age check.
func NewStreamPriceSource(url string, maxAge time.Duration, logger *zap.Logger) *StreamPriceSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamPriceSource{
		URL:    url,
		MaxAge: maxAge,
		logger: logger,
		quotes: make(map[string]cachedQuote),
		now:    time.Now,
	}
}

// Connect dials the stream and starts the read pump.
func (s *StreamPriceSource) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial price stream: %w", err)
	}
	s.conn = conn
	s.done = make(chan struct{})
	s.logger.Info("Connected to price stream", zap.String("url", s.URL))
	go s.readPump()
	return nil
}

func (s *StreamPriceSource) readPump() {
	defer close(s.done)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Warn("Price stream closed", zap.Error(err))
			return
		}
		var q Quote
		if err := json.Unmarshal(msg, &q); err != nil || q.FIGI == "" || q.Price <= 0 {
			s.logger.Debug("Skipping malformed quote", zap.ByteString("payload", msg))
			continue
		}
		s.mu.Lock()
		s.quotes[q.FIGI] = cachedQuote{price: q.Price, at: s.now()}
		s.mu.Unlock()
	}
}

// Subscribe asks the stream to publish quotes for figi.
func (s *StreamPriceSource) Subscribe(figi string) error {
	if s.conn == nil {
		return errors.New("price stream not connected")
	}
	return s.conn.WriteJSON(map[string]string{"action": "subscribe", "figi": figi})
}

// Price returns the cached price for figi.
func (s *StreamPriceSource) Price(_ context.Context, figi string) (float64, error) {
	s.mu.RLock()
	q, ok := s.quotes[figi]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNoPrice
	}
	if s.MaxAge > 0 && s.now().Sub(q.at) > s.MaxAge {
		return 0, fmt.Errorf("%w: last update %s ago", ErrNoPrice, s.now().Sub(q.at).Round(time.Second))
	}
	return q.price, nil
}

// Close shuts the connection down and waits for the read pump to exit.
func (s *StreamPriceSource) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
	<-s.done
	return err
}
