// Package eventstream is the fast-path notification layer alongside the
// monitor's REST poll loop: Binance's futures user-data WebSocket stream.
// Listen-key lifecycle (create, 30-minute keepalive, reconnect before the
// 24h connection cap) and event dispatch (ORDER_TRADE_UPDATE,
// ACCOUNT_UPDATE) are handled here; callback fields are set once before
// Run rather than a dynamic subscription map — this stream has exactly
// two event kinds, not an open set of per-address subscriptions.
package eventstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/surgewatch/surgebot/internal/exchange"
)

const (
	wsBase = "wss://fstream.binance.com/ws/"

	// maxConnectionAge forces a reconnect before Binance's 24h connection
	// cap, matching ws_stream.py's MAX_CONNECTION_HOURS = 23.
	maxConnectionAge = 23 * time.Hour

	// keepaliveInterval renews the listenKey (valid 60 minutes) well
	// inside its expiry window.
	keepaliveInterval = 30 * time.Minute

	pingInterval = 20 * time.Second
	pongWait     = 10 * time.Second
)

// OrderUpdate is the engine's normalised view of an ORDER_TRADE_UPDATE
// event's "o" object — enough for the monitor to detect an entry fill or a
// TP/SL trigger without polling.
type OrderUpdate struct {
	Symbol          string
	OrderID         int64
	ClientOrderID   string
	Side            exchange.OrderSide
	OriginalType    exchange.OrderType // "ot" — reliable for TP/SL detection
	ExecutionType   string             // "x": NEW/TRADE/CANCELED/EXPIRED/CALCULATED
	Status          exchange.OrderStatus
	PositionSide    string
	AvgPrice        decimal.Decimal
	RealizedPnL     decimal.Decimal
}

// AccountPosition is one row of an ACCOUNT_UPDATE event's position array.
type AccountPosition struct {
	Symbol       string
	PositionAmt  decimal.Decimal
	EntryPrice   decimal.Decimal
	PositionSide string
}

// OrderUpdateHandler is invoked for every ORDER_TRADE_UPDATE event.
type OrderUpdateHandler func(OrderUpdate)

// AccountUpdateHandler is invoked for every ACCOUNT_UPDATE event's
// position array.
type AccountUpdateHandler func([]AccountPosition)

// Stream is the reconnecting user-data WebSocket listener. REST polling in
// internal/monitor remains the reliability fallback; this is purely a
// faster notification path.
type Stream struct {
	client exchange.Client
	log    zerolog.Logger

	onOrderUpdate   OrderUpdateHandler
	onAccountUpdate AccountUpdateHandler
}

func New(client exchange.Client, log zerolog.Logger) *Stream {
	return &Stream{client: client, log: log.With().Str("component", "eventstream").Logger()}
}

// OnOrderUpdate registers the ORDER_TRADE_UPDATE callback. Not safe to call
// after Run has started.
func (s *Stream) OnOrderUpdate(h OrderUpdateHandler) { s.onOrderUpdate = h }

// OnAccountUpdate registers the ACCOUNT_UPDATE callback. Not safe to call
// after Run has started.
func (s *Stream) OnAccountUpdate(h AccountUpdateHandler) { s.onAccountUpdate = h }

// Run connects and listens until ctx is cancelled, reconnecting on any
// disconnect, on a listenKeyExpired event, and before the 24h connection
// cap. A message whose envelope fails to decode is logged and skipped.
func (s *Stream) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil {
			s.log.Warn().Err(err).Msg("event stream disconnected, reconnecting in 5s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.CloseListenKey(closeCtx, listenKey); err != nil {
			s.log.Debug().Err(err).Msg("listen key close failed")
		}
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsBase+listenKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info().Msg("user data stream connected")

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		return nil
	})

	keepaliveCtx, cancelKeepalive := context.WithCancel(ctx)
	defer cancelKeepalive()
	go s.keepaliveLoop(keepaliveCtx, listenKey)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	pingCtx, stopPing := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		stopPing()
		<-done
	}()

	connectedAt := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(connectedAt) > maxConnectionAge {
			s.log.Info().Msg("approaching 24h connection limit, reconnecting proactively")
			return nil
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var envelope struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			s.log.Warn().Err(err).Msg("failed to parse event envelope")
			continue
		}

		switch envelope.EventType {
		case "ORDER_TRADE_UPDATE":
			s.dispatchOrderUpdate(raw)
		case "ACCOUNT_UPDATE":
			s.dispatchAccountUpdate(raw)
		case "listenKeyExpired":
			s.log.Warn().Msg("listen key expired, forcing reconnect")
			return nil
		}
	}
}

func (s *Stream) keepaliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				s.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

func (s *Stream) dispatchOrderUpdate(raw []byte) {
	if s.onOrderUpdate == nil {
		return
	}
	var event struct {
		Order struct {
			Symbol          string `json:"s"`
			ClientOrderID   string `json:"c"`
			Side            string `json:"S"`
			OriginalType    string `json:"ot"`
			ExecutionType   string `json:"x"`
			Status          string `json:"X"`
			OrderID         int64  `json:"i"`
			AvgPrice        string `json:"ap"`
			RealizedPnL     string `json:"rp"`
			PositionSide    string `json:"ps"`
		} `json:"o"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		s.log.Warn().Err(err).Msg("failed to parse ORDER_TRADE_UPDATE")
		return
	}
	o := event.Order
	avgPrice, _ := decimal.NewFromString(o.AvgPrice)
	realizedPnL, _ := decimal.NewFromString(o.RealizedPnL)
	s.onOrderUpdate(OrderUpdate{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          exchange.OrderSide(o.Side),
		OriginalType:  exchange.OrderType(o.OriginalType),
		ExecutionType: o.ExecutionType,
		Status:        exchange.OrderStatus(o.Status),
		PositionSide:  o.PositionSide,
		AvgPrice:      avgPrice,
		RealizedPnL:   realizedPnL,
	})
}

func (s *Stream) dispatchAccountUpdate(raw []byte) {
	if s.onAccountUpdate == nil {
		return
	}
	var event struct {
		Update struct {
			Positions []struct {
				Symbol       string `json:"s"`
				PositionAmt  string `json:"pa"`
				EntryPrice   string `json:"ep"`
				PositionSide string `json:"ps"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		s.log.Warn().Err(err).Msg("failed to parse ACCOUNT_UPDATE")
		return
	}
	if len(event.Update.Positions) == 0 {
		return
	}
	positions := make([]AccountPosition, 0, len(event.Update.Positions))
	for _, p := range event.Update.Positions {
		amt, _ := decimal.NewFromString(p.PositionAmt)
		entry, _ := decimal.NewFromString(p.EntryPrice)
		positions = append(positions, AccountPosition{
			Symbol: p.Symbol, PositionAmt: amt, EntryPrice: entry, PositionSide: p.PositionSide,
		})
	}
	s.onAccountUpdate(positions)
}
