package exchange

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// banPattern extracts the release timestamp (ms) from a -1003 message such
// as "IP banned until 1700000000000".
var banPattern = regexp.MustCompile(`banned until (\d+)`)

// BinanceClient is the live Client implementation over
// github.com/adshao/go-binance/v2/futures. It owns the ban floor and the
// exchange-info cache as instance fields (not package globals), so tests
// can construct isolated clients with their own ban clocks.
type BinanceClient struct {
	raw *futures.Client
	log zerolog.Logger

	mu          sync.Mutex
	banUntil    time.Time
	infoCache   map[string]SymbolInfo
	infoCacheAt time.Time
}

const exchangeInfoTTL = time.Hour

// NewBinanceClient wraps a go-binance futures client. apiKey/apiSecret may
// be empty for a public-data-only client (klines/ticker/premium index).
func NewBinanceClient(apiKey, apiSecret string, testnet bool, log zerolog.Logger) *BinanceClient {
	if testnet {
		futures.UseTestnet = true
	}
	return &BinanceClient{
		raw: futures.NewClient(apiKey, apiSecret),
		log: log.With().Str("component", "exchange").Logger(),
	}
}

func (c *BinanceClient) BanUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banUntil
}

func (c *BinanceClient) checkBan() error {
	c.mu.Lock()
	until := c.banUntil
	c.mu.Unlock()
	if time.Now().Before(until) {
		remaining := time.Until(until)
		return &BanError{
			DomainError: DomainError{Code: BanCode, Message: "circuit breaker armed"},
			BanUntil:    until,
			RetryAfter:  remaining,
		}
	}
	return nil
}

func (c *BinanceClient) armBan(msg string) {
	banUntil := time.Now().Add(60 * time.Second) // conservative fallback
	if m := banPattern.FindStringSubmatch(msg); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			banUntil = time.UnixMilli(ms)
		}
	}
	c.mu.Lock()
	c.banUntil = banUntil
	c.mu.Unlock()
	c.log.Error().Time("ban_until", banUntil).Msg("exchange banned us for excess request weight; halting all calls")
}

// classify turns a go-binance APIError (or any error) into our tagged
// error kinds, arming the circuit breaker as a side effect of a -1003.
func (c *BinanceClient) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*futures.APIError); ok {
		if apiErr.Code == BanCode {
			c.armBan(apiErr.Message)
			c.mu.Lock()
			until := c.banUntil
			c.mu.Unlock()
			return &BanError{
				DomainError: DomainError{Code: int(apiErr.Code), Message: apiErr.Message},
				BanUntil:    until,
				RetryAfter:  time.Until(until),
			}
		}
		return &DomainError{Code: int(apiErr.Code), Message: apiErr.Message}
	}
	msg := err.Error()
	if isTransportErrMsg(msg) {
		return &TransportError{Op: op, Err: err}
	}
	return err
}

func isTransportErrMsg(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"connection reset", "timeout", "eof", "broken pipe", "read: connection"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// withRetry retries fn up to 3 attempts total, waiting 1s and then 2s
// between them, but only for transport-classified errors; domain errors (including bans)
// bubble immediately since a retry cannot fix them.
func (c *BinanceClient) withRetry(ctx context.Context, op string, fn func() error) error {
	if err := c.checkBan(); err != nil {
		return err
	}
	b := &backoff.Backoff{Min: time.Second, Max: 4 * time.Second, Factor: 2, Jitter: false}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		classified := c.classify(op, err)
		lastErr = classified
		var transportErr *TransportError
		if te, ok := classified.(*TransportError); ok {
			transportErr = te
		}
		if transportErr == nil {
			return classified
		}
		if attempt == 2 {
			break
		}
		wait := b.Duration()
		c.log.Warn().Str("op", op).Int("attempt", attempt+1).Dur("wait", wait).Err(err).Msg("transport error, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *BinanceClient) ExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	c.mu.Lock()
	if c.infoCache != nil && time.Since(c.infoCacheAt) < exchangeInfoTTL {
		cached := c.infoCache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var info *futures.ExchangeInfo
	err := c.withRetry(ctx, "exchangeInfo", func() error {
		var e error
		info, e = c.raw.NewExchangeInfoService().Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		si := SymbolInfo{
			Symbol:            s.Symbol,
			QuoteAsset:        s.QuoteAsset,
			ContractType:      string(s.ContractType),
			Status:            string(s.Status),
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			TickSize:          decimal.NewFromFloat(0.01),
			StepSize:          decimal.NewFromFloat(0.001),
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if ts, ok := f["tickSize"].(string); ok {
					if d, derr := decimal.NewFromString(ts); derr == nil {
						si.TickSize = d
					}
				}
			case "LOT_SIZE":
				if ss, ok := f["stepSize"].(string); ok {
					if d, derr := decimal.NewFromString(ss); derr == nil {
						si.StepSize = d
					}
				}
			}
		}
		out[s.Symbol] = si
	}

	c.mu.Lock()
	c.infoCache = out
	c.infoCacheAt = time.Now()
	c.mu.Unlock()
	return out, nil
}

func (c *BinanceClient) Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error) {
	var raw []*futures.Kline
	err := c.withRetry(ctx, "klines", func() error {
		svc := c.raw.NewKlinesService().Symbol(symbol).Interval(interval)
		if startMs > 0 {
			svc = svc.StartTime(startMs)
		}
		if endMs > 0 {
			svc = svc.EndTime(endMs)
		}
		if limit > 0 {
			svc = svc.Limit(limit)
		}
		var e error
		raw, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}

	out := make([]Kline, 0, len(raw))
	for _, k := range raw {
		out = append(out, Kline{
			OpenTime:           time.UnixMilli(k.OpenTime),
			CloseTime:          time.UnixMilli(k.CloseTime),
			Open:               mustDecimal(k.Open),
			High:               mustDecimal(k.High),
			Low:                mustDecimal(k.Low),
			Close:              mustDecimal(k.Close),
			Volume:             mustDecimal(k.Volume),
			TakerBuyBaseVolume: mustDecimal(k.TakerBuyBaseAssetVolume),
		})
	}
	return out, nil
}

func (c *BinanceClient) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var prices []*futures.SymbolPrice
	err := c.withRetry(ctx, "tickerPrice", func() error {
		var e error
		prices, e = c.raw.NewListPricesService().Symbol(symbol).Do(ctx)
		return e
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("exchange: no ticker price for %s", symbol)
	}
	return mustDecimal(prices[0].Price), nil
}

func (c *BinanceClient) PremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error) {
	var out []*futures.PremiumIndex
	err := c.withRetry(ctx, "premiumIndex", func() error {
		var e error
		out, e = c.raw.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return e
	})
	if err != nil {
		return PremiumIndex{}, err
	}
	if len(out) == 0 {
		return PremiumIndex{}, fmt.Errorf("exchange: no premium index for %s", symbol)
	}
	p := out[0]
	return PremiumIndex{
		Symbol:      p.Symbol,
		MarkPrice:   mustDecimal(p.MarkPrice),
		IndexPrice:  mustDecimal(p.IndexPrice),
		FundingRate: mustDecimal(p.LastFundingRate),
	}, nil
}

func (c *BinanceClient) PlaceOrder(ctx context.Context, p PlaceOrderParams) (Order, error) {
	var res *futures.CreateOrderResponse
	err := c.withRetry(ctx, "placeOrder", func() error {
		svc := c.raw.NewCreateOrderService().
			Symbol(p.Symbol).
			Side(futures.SideType(p.Side)).
			Type(futures.OrderType(p.Type)).
			Quantity(p.Quantity.String()).
			NewClientOrderID(p.ClientOrderID)
		if p.PositionSide != "" {
			svc = svc.PositionSide(futures.PositionSideType(p.PositionSide))
		}
		if p.Type == OrderTypeLimit {
			svc = svc.TimeInForce(futures.TimeInForceType(p.TimeInForce)).Price(p.Price.String())
		}
		if p.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		var e error
		res, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return Order{}, err
	}
	return orderFromCreate(res), nil
}

func (c *BinanceClient) PlaceAlgoOrder(ctx context.Context, p PlaceAlgoOrderParams) (Order, error) {
	var res *futures.CreateOrderResponse
	err := c.withRetry(ctx, "placeAlgoOrder", func() error {
		svc := c.raw.NewCreateOrderService().
			Symbol(p.Symbol).
			Side(futures.SideType(p.Side)).
			Type(futures.OrderType(p.Type)).
			StopPrice(p.TriggerPrice.String()).
			Quantity(p.Quantity.String()).
			NewClientOrderID(p.ClientAlgoID)
		if p.PositionSide != "" {
			svc = svc.PositionSide(futures.PositionSideType(p.PositionSide))
		}
		if p.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		if p.WorkingType != "" {
			svc = svc.WorkingType(futures.WorkingType(p.WorkingType))
		}
		if p.PriceProtect {
			svc = svc.PriceProtect(true)
		}
		var e error
		res, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return Order{}, err
	}
	return orderFromCreate(res), nil
}

func (c *BinanceClient) QueryOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	var res *futures.Order
	err := c.withRetry(ctx, "queryOrder", func() error {
		var e error
		res, e = c.raw.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		return e
	})
	if err != nil {
		return Order{}, err
	}
	return orderFromGet(res), nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return c.withRetry(ctx, "cancelOrder", func() error {
		_, e := c.raw.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		return e
	})
}

// CancelAlgoOrder is the same underlying operation as CancelOrder: on
// USDS-margined futures, TP/SL brackets are cancelled through the regular
// order-cancel endpoint, there is no distinct algo-cancel call.
func (c *BinanceClient) CancelAlgoOrder(ctx context.Context, symbol string, orderID int64) error {
	return c.CancelOrder(ctx, symbol, orderID)
}

func (c *BinanceClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var res []*futures.Order
	err := c.withRetry(ctx, "openOrders", func() error {
		var e error
		res, e = c.raw.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(res))
	for _, o := range res {
		out = append(out, orderFromGet(o))
	}
	return out, nil
}

// OpenAlgoOrders filters OpenOrders down to the conditional TP/SL types,
// built on top of the shared open-orders endpoint (see CancelAlgoOrder).
func (c *BinanceClient) OpenAlgoOrders(ctx context.Context, symbol string) ([]Order, error) {
	all, err := c.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(all))
	for _, o := range all {
		if o.IsAlgo() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *BinanceClient) PlaceMarketClose(ctx context.Context, symbol string, side OrderSide, quantity decimal.Decimal, positionSide string) (Order, error) {
	return c.PlaceOrder(ctx, PlaceOrderParams{
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Type:         OrderTypeMarket,
		Quantity:     quantity,
		ReduceOnly:   true,
	})
}

func (c *BinanceClient) PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	var res []*futures.PositionRisk
	err := c.withRetry(ctx, "positionRisk", func() error {
		svc := c.raw.NewGetPositionRiskService()
		if symbol != "" {
			svc = svc.Symbol(symbol)
		}
		var e error
		res, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make([]PositionRisk, 0, len(res))
	for _, p := range res {
		out = append(out, PositionRisk{
			Symbol:        p.Symbol,
			PositionAmt:   mustDecimal(p.PositionAmt),
			EntryPrice:    mustDecimal(p.EntryPrice),
			UnrealizedPnL: mustDecimal(p.UnRealizedProfit),
			PositionSide:  string(p.PositionSide),
		})
	}
	return out, nil
}

func (c *BinanceClient) AccountBalance(ctx context.Context) ([]Balance, error) {
	var res []*futures.Balance
	err := c.withRetry(ctx, "accountBalance", func() error {
		var e error
		res, e = c.raw.NewGetBalanceService().Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(res))
	for _, b := range res {
		out = append(out, Balance{
			Asset:            b.Asset,
			Balance:          mustDecimal(b.Balance),
			AvailableBalance: mustDecimal(b.AvailableBalance),
		})
	}
	return out, nil
}

func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.withRetry(ctx, "setLeverage", func() error {
		_, e := c.raw.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return e
	})
}

func (c *BinanceClient) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return c.withRetry(ctx, "setMarginType", func() error {
		return c.raw.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginType(marginType)).Do(ctx)
	})
}

func (c *BinanceClient) PositionMode(ctx context.Context) (bool, error) {
	var res *futures.GetPositionModeResponse
	err := c.withRetry(ctx, "positionMode", func() error {
		var e error
		res, e = c.raw.NewGetPositionModeService().Do(ctx)
		return e
	})
	if err != nil {
		return false, err
	}
	return res.DualSidePosition, nil
}

func (c *BinanceClient) IncomeHistory(ctx context.Context, symbol string, startMs, endMs int64) ([]IncomeRecord, error) {
	var res []*futures.IncomeHistory
	err := c.withRetry(ctx, "incomeHistory", func() error {
		svc := c.raw.NewGetIncomeHistoryService()
		if symbol != "" {
			svc = svc.Symbol(symbol)
		}
		if startMs > 0 {
			svc = svc.StartTime(startMs)
		}
		if endMs > 0 {
			svc = svc.EndTime(endMs)
		}
		var e error
		res, e = svc.Do(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make([]IncomeRecord, 0, len(res))
	for _, r := range res {
		out = append(out, IncomeRecord{
			Symbol:     r.Symbol,
			IncomeType: r.IncomeType,
			Income:     mustDecimal(r.Income),
			Time:       time.UnixMilli(r.Time),
		})
	}
	return out, nil
}

func (c *BinanceClient) CreateListenKey(ctx context.Context) (string, error) {
	var key string
	err := c.withRetry(ctx, "createListenKey", func() error {
		var e error
		key, e = c.raw.NewStartUserStreamService().Do(ctx)
		return e
	})
	return key, err
}

func (c *BinanceClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return c.withRetry(ctx, "keepAliveListenKey", func() error {
		return c.raw.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
	})
}

func (c *BinanceClient) CloseListenKey(ctx context.Context, listenKey string) error {
	return c.withRetry(ctx, "closeListenKey", func() error {
		return c.raw.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
	})
}

func orderFromCreate(o *futures.CreateOrderResponse) Order {
	return Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          OrderSide(o.Side),
		Type:          OrderType(o.Type),
		Status:        OrderStatus(o.Status),
		Price:         mustDecimal(o.Price),
		StopPrice:     mustDecimal(o.StopPrice),
		AvgPrice:      mustDecimal(o.AvgPrice),
		ExecutedQty:   mustDecimal(o.ExecutedQuantity),
		OrigQty:       mustDecimal(o.OrigQuantity),
	}
}

func orderFromGet(o *futures.Order) Order {
	return Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          OrderSide(o.Side),
		Type:          OrderType(o.Type),
		Status:        OrderStatus(o.Status),
		Price:         mustDecimal(o.Price),
		StopPrice:     mustDecimal(o.StopPrice),
		AvgPrice:      mustDecimal(o.AvgPrice),
		ExecutedQty:   mustDecimal(o.ExecutedQuantity),
		OrigQty:       mustDecimal(o.OrigQuantity),
	}
}

// mustDecimal parses an exchange numeric string, falling back to zero on a
// malformed value rather than panicking — the exchange is the source of
// truth and occasionally sends empty strings for unset fields.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
