// Package binance implements domain.ExchangeGateway against the Binance
// spot REST API, plus a websocket ticker feed. Signed endpoints use
// HMAC-SHA256 over the query string.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avdeev/tradeforge/internal/crypto"
	"github.com/avdeev/tradeforge/internal/domain"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultTimeout = 15 * time.Second
	// recvWindow bounds how stale a signed request may be, in milliseconds.
	recvWindow = 5000
)

// Config holds the REST client parameters.
type Config struct {
	BaseURL string
	Creds   crypto.Credentials
	Timeout time.Duration
}

// Client is the Binance spot REST client.
type Client struct {
	baseURL    string
	apiKey     string
	signer     *crypto.RequestSigner
	httpClient *http.Client
}

var _ domain.ExchangeGateway = (*Client)(nil)

// NewClient creates a Binance REST client. Credentials are only required
// for the signed account and order endpoints.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.Creds.APIKey,
		signer:     crypto.NewRequestSigner(cfg.Creds.APISecret),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiError is Binance's JSON error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do performs one request and classifies failures into *domain.ExchangeError.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, signed bool) ([]byte, error) {
	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("recvWindow", strconv.Itoa(recvWindow))
		query.Set("signature", c.signer.Sign(query.Encode()))
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &domain.ExchangeError{Op: op, Message: err.Error(), Err: err}
	}
	if signed || c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts are worth a retry.
		return nil, &domain.ExchangeError{Op: op, Message: err.Error(), Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ExchangeError{Op: op, Message: err.Error(), Transient: true, Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var ae apiError
	_ = json.Unmarshal(body, &ae)
	ee := &domain.ExchangeError{
		Op:      op,
		Code:    strconv.Itoa(ae.Code),
		Message: ae.Msg,
	}
	if ee.Message == "" {
		ee.Message = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		ee.Transient = true
		ee.Err = domain.ErrRateLimited
	case resp.StatusCode >= 500:
		ee.Transient = true
	}
	return nil, ee
}

type tickerResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// FetchTicker returns the 24h ticker snapshot for a symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	q := url.Values{"symbol": {symbol}}
	body, err := c.do(ctx, "fetch_ticker", http.MethodGet, "/api/v3/ticker/24hr", q, false)
	if err != nil {
		return domain.Ticker{}, err
	}

	var tr tickerResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return domain.Ticker{}, fmt.Errorf("binance: decode ticker %s: %w", symbol, err)
	}
	return domain.Ticker{
		Symbol:    tr.Symbol,
		Price:     parseFloat(tr.LastPrice),
		Bid:       parseFloat(tr.BidPrice),
		Ask:       parseFloat(tr.AskPrice),
		Volume:    parseFloat(tr.Volume),
		High24h:   parseFloat(tr.HighPrice),
		Low24h:    parseFloat(tr.LowPrice),
		Change24h: parseFloat(tr.PriceChangePercent) / 100,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FetchOHLCV returns up to limit most recent closed candles, oldest first.
func (c *Client) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	if _, err := tf.Duration(); err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}
	q := url.Values{
		"symbol":   {symbol},
		"interval": {string(tf)},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := c.do(ctx, "fetch_ohlcv", http.MethodGet, "/api/v3/klines", q, false)
	if err != nil {
		return nil, err
	}

	// Each kline is a mixed-type array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines %s: %w", symbol, err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var openMs int64
		if err := json.Unmarshal(k[0], &openMs); err != nil {
			continue
		}
		candles = append(candles, domain.Candle{
			Timestamp: time.UnixMilli(openMs).UTC(),
			Open:      parseRawFloat(k[1]),
			High:      parseRawFloat(k[2]),
			Low:       parseRawFloat(k[3]),
			Close:     parseRawFloat(k[4]),
			Volume:    parseRawFloat(k[5]),
		})
	}
	return candles, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// FetchBalance returns per-asset balances for the account.
func (c *Client) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	body, err := c.do(ctx, "fetch_balance", http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}

	var ar accountResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}

	out := make(map[string]domain.Balance, len(ar.Balances))
	for _, b := range ar.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[b.Asset] = domain.Balance{
			Free:  free,
			Used:  locked,
			Total: free + locked,
		}
	}
	return out, nil
}

type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

// CreateOrder submits an order. The returned OrderID is "SYMBOL:id" so that
// CancelOrder can recover the symbol Binance requires.
func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Quantity <= 0 {
		return domain.OrderResult{}, domain.ErrInvalidOrder
	}
	q := url.Values{
		"symbol":   {req.Symbol},
		"side":     {strings.ToUpper(string(req.Side))},
		"type":     {strings.ToUpper(string(req.Type))},
		"quantity": {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
	}
	if req.Type == domain.OrderTypeLimit {
		if req.Price <= 0 {
			return domain.OrderResult{}, domain.ErrInvalidOrder
		}
		q.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		q.Set("timeInForce", "GTC")
	}

	body, err := c.do(ctx, "create_order", http.MethodPost, "/api/v3/order", q, true)
	if err != nil {
		return domain.OrderResult{}, err
	}

	var or orderResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order: %w", err)
	}

	filled := parseFloat(or.ExecutedQty)
	var avgPrice, commission float64
	if len(or.Fills) > 0 {
		var notional, qty float64
		for _, f := range or.Fills {
			p, fq := parseFloat(f.Price), parseFloat(f.Qty)
			notional += p * fq
			qty += fq
			commission += parseFloat(f.Commission)
		}
		if qty > 0 {
			avgPrice = notional / qty
		}
	} else if filled > 0 {
		avgPrice = parseFloat(or.CummulativeQuoteQty) / filled
	}

	return domain.OrderResult{
		OrderID:    fmt.Sprintf("%s:%d", req.Symbol, or.OrderID),
		Status:     mapOrderStatus(or.Status),
		FilledQty:  filled,
		AvgPrice:   avgPrice,
		Commission: commission,
		Timestamp:  time.UnixMilli(or.TransactTime).UTC(),
	}, nil
}

// CancelOrder cancels an open order identified by the composite
// "SYMBOL:id" order id produced by CreateOrder.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	symbol, id, ok := strings.Cut(orderID, ":")
	if !ok {
		return fmt.Errorf("binance: cancel order: malformed id %q: %w", orderID, domain.ErrInvalidOrder)
	}
	q := url.Values{
		"symbol":  {symbol},
		"orderId": {id},
	}
	_, err := c.do(ctx, "cancel_order", http.MethodDelete, "/api/v3/order", q, true)
	return err
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderStatusNew
	case "FILLED":
		return domain.OrderStatusFilled
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartial
	case "CANCELED", "EXPIRED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatus(strings.ToLower(s))
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseRawFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseFloat(s)
	}
	var f float64
	_ = json.Unmarshal(raw, &f)
	return f
}
