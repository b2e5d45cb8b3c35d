package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jheimann05/sportfolio/internal/metrics"
	"github.com/jheimann05/sportfolio/internal/model"
)

// Message types sent to WebSocket clients.
const (
	MessageTrade = "trade"
	MessagePrice = "price"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string    `json:"type"`
	InstrumentID  string    `json:"instrument_id"`
	Name          string    `json:"name"`
	Price         string    `json:"price"`
	PreviousPrice string    `json:"previous_price,omitempty"`
	Hotness       int       `json:"hotness"`
	TradingVolume int64     `json:"trading_volume"`
	Direction     string    `json:"direction,omitempty"`
	Shares        int64     `json:"shares,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when trades execute or prices change. It implements
// ledger.Notifier and market.PriceNotifier.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	log        *zap.Logger
}

// NewWSHub creates a new WebSocket hub. A nil logger discards output.
func NewWSHub(log *zap.Logger) *WSHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's event loop. It returns, closing every client, when ctx
// is done.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Debug("ws client connected", zap.Int("total", n))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// TradeExecuted broadcasts a committed trade.
func (h *WSHub) TradeExecuted(t model.Trade, inst model.Instrument) {
	msg := instrumentMessage(MessageTrade, inst)
	msg.Price = t.PricePerShare.StringFixed(model.MoneyScale)
	msg.Direction = string(t.Direction)
	msg.Shares = t.Shares
	msg.Timestamp = t.Timestamp
	h.Broadcast(msg)
}

// PriceUpdated broadcasts a repriced instrument.
func (h *WSHub) PriceUpdated(inst model.Instrument) {
	msg := instrumentMessage(MessagePrice, inst)
	msg.Timestamp = time.Now().UTC()
	h.Broadcast(msg)
}

func instrumentMessage(kind string, inst model.Instrument) WSMessage {
	msg := WSMessage{
		Type:          kind,
		InstrumentID:  inst.ID,
		Name:          inst.Name,
		Price:         inst.CurrentPrice.StringFixed(model.MoneyScale),
		Hotness:       inst.Hotness,
		TradingVolume: inst.TradingVolume,
	}
	if inst.PreviousPrice != nil {
		msg.PreviousPrice = inst.PreviousPrice.StringFixed(model.MoneyScale)
	}
	return msg
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			var perr error
			h.mu.Lock()
			_, ok := h.clients[conn]
			if ok {
				perr = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			h.mu.Unlock()
			if !ok || perr != nil {
				return
			}
		}
	}()
}
