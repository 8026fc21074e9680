package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avdeev/tradeforge/internal/domain"
)

const (
	defaultWSURL   = "wss://stream.binance.com:9443/stream"
	reconnectDelay = 2 * time.Second
	readDeadline   = 90 * time.Second
)

// TickerHandler is called for each ticker update received on the stream.
type TickerHandler func(ctx context.Context, t domain.Ticker)

// TickerStream keeps the ticker cache warm by subscribing to the combined
// miniTicker stream for the configured symbols. It reconnects with a fixed
// delay on disconnect and runs until its context is cancelled.
type TickerStream struct {
	wsURL   string
	symbols []string
	handler TickerHandler
	logger  *slog.Logger
}

// NewTickerStream creates a stream over the given symbols. An empty wsURL
// uses the production combined-stream endpoint.
func NewTickerStream(wsURL string, symbols []string, handler TickerHandler, logger *slog.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &TickerStream{
		wsURL:   wsURL,
		symbols: symbols,
		handler: handler,
		logger:  logger.With(slog.String("component", "binance_ws")),
	}
}

// Run connects and pumps ticker updates until ctx is cancelled.
func (s *TickerStream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		s.logger.Info("no symbols to stream, exiting")
		return nil
	}
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	u := s.wsURL + "?streams=" + strings.Join(streams, "/")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runConnection(ctx, u); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("ticker stream disconnected, reconnecting", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// combinedMessage is the envelope of the combined-stream endpoint.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   miniTickerEvent `json:"data"`
}

type miniTickerEvent struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

func (s *TickerStream) runConnection(ctx context.Context, u string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("binance: ws dial: %w", err)
	}
	defer conn.Close()

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	s.logger.Info("ticker stream connected", slog.Int("symbols", len(s.symbols)))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance: ws read: %w", err)
		}

		var msg combinedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("ticker stream decode failed", slog.String("error", err.Error()))
			continue
		}
		if msg.Data.Symbol == "" {
			continue
		}

		open := parseFloat(msg.Data.Open)
		closePrice := parseFloat(msg.Data.Close)
		t := domain.Ticker{
			Symbol:    msg.Data.Symbol,
			Price:     closePrice,
			Volume:    parseFloat(msg.Data.Volume),
			High24h:   parseFloat(msg.Data.High),
			Low24h:    parseFloat(msg.Data.Low),
			Timestamp: time.UnixMilli(msg.Data.EventTime).UTC(),
		}
		if open > 0 {
			t.Change24h = closePrice/open - 1
		}
		s.handler(ctx, t)
	}
}
