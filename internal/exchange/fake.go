package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FakeClient is an in-memory Client double used by every other package's
// unit tests. It has no network dependency: callers seed SymbolInfo and
// Klines directly, and drive PlaceOrder/PlaceAlgoOrder outcomes by setting
// OrderStatusOverride before calling into the component under
// test. This mirrors the shared-fake pattern rather than an HTTP mock
// server per package.
type FakeClient struct {
	mu sync.Mutex

	Symbols map[string]SymbolInfo
	Klines_ map[string][]Kline // keyed "symbol:interval"
	Premium map[string]PremiumIndex
	Tickers map[string]decimal.Decimal

	orders     map[int64]*Order
	nextID     int64
	Positions  map[string]PositionRisk
	balances   []Balance
	incomes    []IncomeRecord
	leverage   map[string]int
	marginType map[string]string
	dualSide   bool
	listenKeys map[string]bool

	banUntil time.Time

	// OrderStatusOverride, when set, is applied to every order placed from
	// then on (e.g. force every new order to land FILLED immediately).
	OrderStatusOverride OrderStatus
}

// NewFakeClient returns an empty fake ready for seeding.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Symbols:    make(map[string]SymbolInfo),
		Klines_:    make(map[string][]Kline),
		Premium:    make(map[string]PremiumIndex),
		Tickers:    make(map[string]decimal.Decimal),
		orders:     make(map[int64]*Order),
		Positions:  make(map[string]PositionRisk),
		leverage:   make(map[string]int),
		marginType: make(map[string]string),
		listenKeys: make(map[string]bool),
	}
}

func (f *FakeClient) BanUntil() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banUntil
}

// SetBan arms the fake's circuit breaker for tests exercising ban behaviour.
func (f *FakeClient) SetBan(until time.Time) {
	f.mu.Lock()
	f.banUntil = until
	f.mu.Unlock()
}

func (f *FakeClient) checkBan() error {
	f.mu.Lock()
	until := f.banUntil
	f.mu.Unlock()
	if time.Now().Before(until) {
		return &BanError{
			DomainError: DomainError{Code: BanCode, Message: "fake circuit breaker armed"},
			BanUntil:    until,
			RetryAfter:  time.Until(until),
		}
	}
	return nil
}

func (f *FakeClient) ExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	if err := f.checkBan(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]SymbolInfo, len(f.Symbols))
	for k, v := range f.Symbols {
		out[k] = v
	}
	return out, nil
}

func (f *FakeClient) Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error) {
	if err := f.checkBan(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ks := f.Klines_[symbol+":"+interval]
	if limit > 0 && limit < len(ks) {
		ks = ks[len(ks)-limit:]
	}
	out := make([]Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (f *FakeClient) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := f.checkBan(); err != nil {
		return decimal.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Tickers[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("fake exchange: no ticker seeded for %s", symbol)
	}
	return p, nil
}

func (f *FakeClient) PremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error) {
	if err := f.checkBan(); err != nil {
		return PremiumIndex{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Premium[symbol]
	if !ok {
		return PremiumIndex{}, fmt.Errorf("fake exchange: no premium index seeded for %s", symbol)
	}
	return p, nil
}

func (f *FakeClient) placeInternal(symbol string, side OrderSide, orderType OrderType, price, stopPrice, quantity decimal.Decimal, clientID string) Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	status := OrderStatusNew
	if f.OrderStatusOverride != "" {
		status = f.OrderStatusOverride
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	o := &Order{
		Symbol:        symbol,
		OrderID:       f.nextID,
		ClientOrderID: clientID,
		Side:          side,
		Type:          orderType,
		Status:        status,
		Price:         price,
		StopPrice:     stopPrice,
		OrigQty:       quantity,
	}
	if status == OrderStatusFilled {
		o.ExecutedQty = quantity
		o.AvgPrice = price
	}
	f.orders[f.nextID] = o
	cp := *o
	return cp
}

func (f *FakeClient) PlaceOrder(ctx context.Context, p PlaceOrderParams) (Order, error) {
	if err := f.checkBan(); err != nil {
		return Order{}, err
	}
	return f.placeInternal(p.Symbol, p.Side, p.Type, p.Price, decimal.Zero, p.Quantity, p.ClientOrderID), nil
}

func (f *FakeClient) PlaceAlgoOrder(ctx context.Context, p PlaceAlgoOrderParams) (Order, error) {
	if err := f.checkBan(); err != nil {
		return Order{}, err
	}
	return f.placeInternal(p.Symbol, p.Side, p.Type, decimal.Zero, p.TriggerPrice, p.Quantity, p.ClientAlgoID), nil
}

func (f *FakeClient) QueryOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	if err := f.checkBan(); err != nil {
		return Order{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return Order{}, &DomainError{Code: -2013, Message: "Order does not exist"}
	}
	return *o, nil
}

func (f *FakeClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := f.checkBan(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return &DomainError{Code: -2011, Message: "Unknown order sent"}
	}
	o.Status = OrderStatusCanceled
	return nil
}

func (f *FakeClient) CancelAlgoOrder(ctx context.Context, symbol string, orderID int64) error {
	return f.CancelOrder(ctx, symbol, orderID)
}

func (f *FakeClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := f.checkBan(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, o := range f.orders {
		if o.Symbol == symbol && (o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *FakeClient) OpenAlgoOrders(ctx context.Context, symbol string) ([]Order, error) {
	all, err := f.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range all {
		if o.IsAlgo() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *FakeClient) PlaceMarketClose(ctx context.Context, symbol string, side OrderSide, quantity decimal.Decimal, positionSide string) (Order, error) {
	return f.PlaceOrder(ctx, PlaceOrderParams{
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Type:         OrderTypeMarket,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

func (f *FakeClient) PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if err := f.checkBan(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol != "" {
		if p, ok := f.Positions[symbol]; ok {
			return []PositionRisk{p}, nil
		}
		return nil, nil
	}
	out := make([]PositionRisk, 0, len(f.Positions))
	for _, p := range f.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *FakeClient) AccountBalance(ctx context.Context) ([]Balance, error) {
	if err := f.checkBan(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Balance, len(f.balances))
	copy(out, f.balances)
	return out, nil
}

func (f *FakeClient) SetBalances(b []Balance) {
	f.mu.Lock()
	f.balances = b
	f.mu.Unlock()
}

func (f *FakeClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := f.checkBan(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = leverage
	return nil
}

func (f *FakeClient) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if err := f.checkBan(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marginType[symbol] = marginType
	return nil
}

func (f *FakeClient) PositionMode(ctx context.Context) (bool, error) {
	if err := f.checkBan(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dualSide, nil
}

func (f *FakeClient) SetDualSide(v bool) {
	f.mu.Lock()
	f.dualSide = v
	f.mu.Unlock()
}

func (f *FakeClient) IncomeHistory(ctx context.Context, symbol string, startMs, endMs int64) ([]IncomeRecord, error) {
	if err := f.checkBan(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []IncomeRecord
	for _, r := range f.incomes {
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		ms := r.Time.UnixMilli()
		if startMs > 0 && ms < startMs {
			continue
		}
		if endMs > 0 && ms > endMs {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *FakeClient) SetIncomes(records []IncomeRecord) {
	f.mu.Lock()
	f.incomes = records
	f.mu.Unlock()
}

func (f *FakeClient) CreateListenKey(ctx context.Context) (string, error) {
	if err := f.checkBan(); err != nil {
		return "", err
	}
	key := uuid.NewString()
	f.mu.Lock()
	f.listenKeys[key] = true
	f.mu.Unlock()
	return key, nil
}

func (f *FakeClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if err := f.checkBan(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.listenKeys[listenKey] {
		return &DomainError{Code: -1125, Message: "This listenKey does not exist"}
	}
	return nil
}

func (f *FakeClient) CloseListenKey(ctx context.Context, listenKey string) error {
	if err := f.checkBan(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listenKeys, listenKey)
	return nil
}

// FillOrder marks an order as filled at the given average price, for tests
// driving the monitor/event-stream consumer through a fill transition.
func (f *FakeClient) FillOrder(orderID int64, avgPrice decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return
	}
	o.Status = OrderStatusFilled
	o.ExecutedQty = o.OrigQty
	o.AvgPrice = avgPrice
}

// CancelOrderAsExchange simulates the exchange itself cancelling an order
// (distinct from CancelOrder, which is the caller-initiated path), for
// drift-reconciliation tests.
func (f *FakeClient) CancelOrderAsExchange(orderID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = OrderStatusCanceled
	}
}

var _ Client = (*FakeClient)(nil)
