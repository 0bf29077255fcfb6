package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// SymbolInfo is the cached, per-symbol subset of exchangeInfo the engine
// actually needs: enough to filter the scanner's universe and to round
// prices/quantities to what the exchange will accept.
type SymbolInfo struct {
	Symbol            string
	QuoteAsset        string
	ContractType      string
	Status            string
	PricePrecision    int
	QuantityPrecision int
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
}

// Tradeable reports whether this symbol is a live USDT-margined perpetual.
func (s SymbolInfo) Tradeable() bool {
	return s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" && s.Status == "TRADING"
}

// Kline is one OHLCV bar, with the fields the surge detector and strategy
// checks need (taker-buy base volume lets callers derive sell volume).
type Kline struct {
	OpenTime            time.Time
	CloseTime           time.Time
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	TakerBuyBaseVolume  decimal.Decimal
}

// SellVolume is volume not accounted for by taker buys.
func (k Kline) SellVolume() decimal.Decimal {
	return k.Volume.Sub(k.TakerBuyBaseVolume)
}

// PremiumIndex is the mark-price/index-price/funding snapshot for a symbol.
type PremiumIndex struct {
	Symbol        string
	MarkPrice     decimal.Decimal
	IndexPrice    decimal.Decimal
	FundingRate   decimal.Decimal
}

// OrderSide mirrors the exchange's BUY/SELL vocabulary.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType mirrors the exchange's order-type vocabulary used by this engine.
type OrderType string

const (
	OrderTypeLimit             OrderType = "LIMIT"
	OrderTypeMarket            OrderType = "MARKET"
	OrderTypeTakeProfitMarket  OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket        OrderType = "STOP_MARKET"
)

// OrderStatus mirrors the exchange's order-status vocabulary.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// PlaceOrderParams is the parameter vocabulary for a plain (non-algo) order.
type PlaceOrderParams struct {
	Symbol          string
	Side            OrderSide
	PositionSide    string // "LONG", "SHORT", "BOTH"
	Type            OrderType
	TimeInForce     string // "GTC" for LIMIT orders
	Quantity        decimal.Decimal
	Price           decimal.Decimal // LIMIT only
	ReduceOnly      bool
	ClientOrderID   string
}

// PlaceAlgoOrderParams is the parameter vocabulary for a conditional
// (TAKE_PROFIT_MARKET / STOP_MARKET) order. On USDS-margined futures these
// are ordinary orders distinguished by Type and TriggerPrice, not a
// separate algo-order endpoint; ClientAlgoID reuses the order's client id.
type PlaceAlgoOrderParams struct {
	Symbol        string
	Side          OrderSide
	PositionSide  string
	Type          OrderType // TAKE_PROFIT_MARKET or STOP_MARKET
	TriggerPrice  decimal.Decimal
	Quantity      decimal.Decimal
	ReduceOnly    bool
	PriceProtect  bool
	WorkingType   string // "CONTRACT_PRICE"
	ClientAlgoID  string
}

// Order is the engine's normalised view of an order (plain or algo).
type Order struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	AvgPrice      decimal.Decimal
	ExecutedQty   decimal.Decimal
	OrigQty       decimal.Decimal
}

// IsAlgo reports whether this order is one of the conditional bracket types.
func (o Order) IsAlgo() bool {
	return o.Type == OrderTypeTakeProfitMarket || o.Type == OrderTypeStopMarket
}

// PositionRisk is one row of the account's current positions.
type PositionRisk struct {
	Symbol        string
	PositionAmt   decimal.Decimal // signed: negative for SHORT
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	PositionSide  string
}

// Balance is one asset's balance row.
type Balance struct {
	Asset             string
	Balance           decimal.Decimal
	AvailableBalance  decimal.Decimal
}

// IncomeRecord is one row of account income history (used for the
// daily-loss guard's "today's realised PnL" query).
type IncomeRecord struct {
	Symbol     string
	IncomeType string
	Income     decimal.Decimal
	Time       time.Time
}
