package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the engine's REST + streaming surface against the exchange.
// It is an interface so the scanner, entry pipeline, monitor, and event
// stream can be tested against an in-memory fake rather than a live
// connection (see fake.go in this package for the shared double).
type Client interface {
	ExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error)
	Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error)

	PlaceOrder(ctx context.Context, p PlaceOrderParams) (Order, error)
	PlaceAlgoOrder(ctx context.Context, p PlaceAlgoOrderParams) (Order, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAlgoOrder(ctx context.Context, symbol string, orderID int64) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	OpenAlgoOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceMarketClose(ctx context.Context, symbol string, side OrderSide, quantity decimal.Decimal, positionSide string) (Order, error)

	PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error)
	AccountBalance(ctx context.Context) ([]Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	PositionMode(ctx context.Context) (hedge bool, err error)
	IncomeHistory(ctx context.Context, symbol string, startMs, endMs int64) ([]IncomeRecord, error)

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error

	// BanUntil returns the process-wide circuit-breaker floor. Zero value
	// means no ban is in effect.
	BanUntil() time.Time
}
