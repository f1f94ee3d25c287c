package binance

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MarkPriceHandler receives the full mark-price snapshot once per second.
type MarkPriceHandler func(prices map[string]float64)

// markPriceEvent is one entry of the !markPrice@arr broadcast.
type markPriceEvent struct {
	EventType string  `json:"e"`
	Symbol    string  `json:"s"`
	MarkPrice float64 `json:"p,string"`
}

// MarkPriceStream consumes the 1-second all-symbols mark price broadcast.
// Used by the simulator and record mark updates; the live TP/SL path never
// depends on it.
type MarkPriceStream struct {
	mu sync.Mutex

	baseURL   string
	handler   MarkPriceHandler
	logger    zerolog.Logger
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
}

// NewMarkPriceStream creates a mark price stream.
func NewMarkPriceStream(baseURL string, handler MarkPriceHandler, logger zerolog.Logger) *MarkPriceStream {
	if baseURL == "" {
		baseURL = "wss://fstream.binance.com"
	}
	return &MarkPriceStream{
		baseURL:  baseURL,
		handler:  handler,
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("component", "mark_price_stream").Logger(),
	}
}

// Start begins the stream connection loop.
func (s *MarkPriceStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect()
}

// Stop closes the stream. Idempotent.
func (s *MarkPriceStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	conn := s.wsConn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *MarkPriceStream) connect() {
	wsURL := s.baseURL + "/ws/!markPrice@arr@1s"

	for {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("mark price dial failed, retrying in 5s")
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

		s.logger.Info().Msg("mark price stream connected")
		s.readLoop(conn)

		select {
		case <-s.stopChan:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *MarkPriceStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var events []markPriceEvent
		if err := json.Unmarshal(message, &events); err != nil {
			continue
		}

		prices := make(map[string]float64, len(events))
		for _, e := range events {
			prices[e.Symbol] = e.MarkPrice
		}
		s.handler(prices)
	}
}
