package binance

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// keepAliveInterval is how often the listen key is refreshed. Binance
// expires keys after 60 minutes.
const keepAliveInterval = 30 * time.Minute

// OrderTradeUpdate is the ORDER_TRADE_UPDATE payload.
type OrderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol              string  `json:"s"`
		ClientOrderId       string  `json:"c"`
		Side                string  `json:"S"`
		OrderType           string  `json:"o"`
		OriginalQuantity    float64 `json:"q,string"`
		OriginalPrice       float64 `json:"p,string"`
		AveragePrice        float64 `json:"ap,string"`
		StopPrice           float64 `json:"sp,string"`
		ExecutionType       string  `json:"x"`
		OrderStatus         string  `json:"X"`
		OrderId             int64   `json:"i"`
		LastFilledQty       float64 `json:"l,string"`
		CumulativeFilledQty float64 `json:"z,string"`
		LastFilledPrice     float64 `json:"L,string"`
		CommissionAsset     string  `json:"N"`
		Commission          float64 `json:"n,string"`
		TradeTime           int64   `json:"T"`
		TradeId             int64   `json:"t"`
		IsMaker             bool    `json:"m"`
		IsReduceOnly        bool    `json:"R"`
		PositionSide        string  `json:"ps"`
		RealizedProfit      float64 `json:"rp,string"`
	} `json:"o"`
}

// AccountUpdate is the ACCOUNT_UPDATE payload.
type AccountUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string  `json:"a"`
			WalletBalance float64 `json:"wb,string"`
			BalanceChange float64 `json:"bc,string"`
		} `json:"B"`
		Positions []struct {
			Symbol        string  `json:"s"`
			PositionAmt   float64 `json:"pa,string"`
			EntryPrice    float64 `json:"ep,string"`
			UnrealizedPnl float64 `json:"up,string"`
			PositionSide  string  `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// AlgoUpdate is the ALGO_UPDATE payload for conditional order lifecycle
// events.
type AlgoUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Algo      struct {
		Symbol       string  `json:"s"`
		AlgoId       int64   `json:"aid"`
		Side         string  `json:"S"`
		PositionSide string  `json:"ps"`
		Quantity     float64 `json:"q,string"`
		TriggerPrice float64 `json:"tp,string"`
		AlgoStatus   string  `json:"as"`
		OrderId      int64   `json:"oid"`
	} `json:"ao"`
}

// UserEventListener receives user-data events. Listeners fire in
// registration order on the reader goroutine and must be idempotent:
// reconnects can replay events.
type UserEventListener interface {
	OnOrderTradeUpdate(event *OrderTradeUpdate)
	OnAccountUpdate(event *AccountUpdate)
	OnAlgoUpdate(event *AlgoUpdate)
}

// UserDataStream maintains the account/order event WebSocket: listen key
// creation, the 30-minute keepalive, reconnect with key re-creation, and
// ordered listener dispatch.
type UserDataStream struct {
	mu sync.RWMutex

	client    *Client
	baseURL   string
	listenKey string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	listeners []UserEventListener
	logger    zerolog.Logger

	reconnects     int64
	lastEventTime  time.Time
	eventsReceived int64
}

// NewUserDataStream creates a user data stream over the given REST client.
func NewUserDataStream(client *Client, baseURL string, logger zerolog.Logger) *UserDataStream {
	if baseURL == "" {
		baseURL = "wss://fstream.binance.com"
	}
	return &UserDataStream{
		client:   client,
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("component", "user_data_stream").Logger(),
	}
}

// AddListener registers a listener. Dispatch order follows registration
// order. Must be called before Start.
func (s *UserDataStream) AddListener(l UserEventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start creates the listen key and begins the connect and keepalive loops.
func (s *UserDataStream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	listenKey, err := s.client.GetListenKey()
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.listenKey = listenKey
	s.mu.Unlock()

	go s.connect()
	go s.keepAliveLoop()

	s.logger.Info().Msg("user data stream started")
	return nil
}

// Stop closes the stream and releases the listen key. Idempotent.
func (s *UserDataStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	conn := s.wsConn
	listenKey := s.listenKey
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if listenKey != "" {
		_ = s.client.CloseListenKey(listenKey)
	}

	s.logger.Info().Msg("user data stream stopped")
}

// IsRunning reports whether the stream is active.
func (s *UserDataStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStats returns stream statistics.
func (s *UserDataStream) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"running":         s.isRunning,
		"reconnects":      s.reconnects,
		"events_received": s.eventsReceived,
		"last_event":      s.lastEventTime.Format(time.RFC3339),
	}
}

func (s *UserDataStream) connect() {
	for {
		s.mu.RLock()
		if !s.isRunning {
			s.mu.RUnlock()
			return
		}
		listenKey := s.listenKey
		s.mu.RUnlock()

		wsURL := s.baseURL + "/ws/" + listenKey

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("connection failed, retrying in 5s")
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			select {
			case <-s.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.mu.Unlock()

		s.logger.Info().Msg("user data stream connected")
		s.readLoop(conn)

		s.mu.RLock()
		isRunning := s.isRunning
		s.mu.RUnlock()
		if !isRunning {
			return
		}

		// The key may have died with the connection; get a fresh one
		s.refreshListenKey()

		s.logger.Warn().Msg("connection lost, reconnecting in 3s")
		select {
		case <-s.stopChan:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *UserDataStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *UserDataStream) handleMessage(message []byte) {
	var baseEvent struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &baseEvent); err != nil {
		s.logger.Warn().Err(err).Msg("failed to parse event type")
		return
	}

	s.mu.Lock()
	s.eventsReceived++
	s.lastEventTime = time.Now()
	listeners := s.listeners
	s.mu.Unlock()

	switch baseEvent.EventType {
	case "ORDER_TRADE_UPDATE":
		var event OrderTradeUpdate
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse ORDER_TRADE_UPDATE")
			return
		}
		for _, l := range listeners {
			l.OnOrderTradeUpdate(&event)
		}

	case "ACCOUNT_UPDATE":
		var event AccountUpdate
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse ACCOUNT_UPDATE")
			return
		}
		for _, l := range listeners {
			l.OnAccountUpdate(&event)
		}

	case "ALGO_UPDATE":
		var event AlgoUpdate
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Warn().Err(err).Msg("failed to parse ALGO_UPDATE")
			return
		}
		for _, l := range listeners {
			l.OnAlgoUpdate(&event)
		}

	case "listenKeyExpired":
		s.logger.Warn().Msg("listen key expired, refreshing")
		s.refreshListenKey()

	case "MARGIN_CALL":
		s.logger.Error().Msg("margin call received")

	default:
		s.logger.Debug().Str("event", baseEvent.EventType).Msg("unhandled event type")
	}
}

func (s *UserDataStream) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.RLock()
			listenKey := s.listenKey
			isRunning := s.isRunning
			s.mu.RUnlock()

			if !isRunning {
				return
			}

			if err := s.client.KeepAliveListenKey(listenKey); err != nil {
				s.logger.Error().Err(err).Msg("keepalive failed, forcing listen key refresh")
				s.refreshListenKey()
			} else {
				s.logger.Debug().Msg("listen key kept alive")
			}
		}
	}
}

// refreshListenKey gets a new listen key and kicks the connection so the
// connect loop redials with it.
func (s *UserDataStream) refreshListenKey() {
	listenKey, err := s.client.GetListenKey()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to refresh listen key")
		return
	}

	s.mu.Lock()
	s.listenKey = listenKey
	if s.wsConn != nil {
		s.wsConn.Close()
	}
	s.mu.Unlock()

	s.logger.Info().Msg("listen key refreshed")
}
