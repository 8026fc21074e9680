package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks the exchange-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// OrderRequest is a candidate order to submit to the exchange.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity float64
	Price    float64 // required for limit orders, ignored for market
}

// OrderResult is the exchange's response to an order submission.
type OrderResult struct {
	OrderID    string
	Status     OrderStatus
	FilledQty  float64
	AvgPrice   float64
	Commission float64
	Timestamp  time.Time
}

// Balance is the per-asset account balance on the exchange.
type Balance struct {
	Free  float64
	Used  float64
	Total float64
}

// ExchangeGateway is the only capability through which the engine touches an
// external venue. Implementations must be safe for concurrent use; all calls
// may fail with an *ExchangeError whose Transient flag classifies it for
// retry.
type ExchangeGateway interface {
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOHLCV(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// ExchangeError is a typed failure from the exchange boundary.
type ExchangeError struct {
	Op        string // "fetch_ticker", "create_order", ...
	Code      string // venue error code when available
	Message   string
	Transient bool // timeouts and rate limits; safe to retry
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: %s: [%s] %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Op, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsTransientExchangeError reports whether err is an exchange error that is
// safe to retry with backoff.
func IsTransientExchangeError(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return false
}
