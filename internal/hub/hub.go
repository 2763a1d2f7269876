// ============================================================================
// outbreak-sim Hub - WebSocket 推播
// ============================================================================
//
// Package: internal/hub
// 文件: hub.go
// 功能: 將每日摘要廣播給所有繪圖端
//
// 訊息格式:
//   {"type":"day_summary","payload":{...DaySummary...}}
//
// 繪圖端可送出控制訊息：
//   {"type":"pause"} / {"type":"resume"}
//
// 並發模型:
//   Run() 是唯一持有 clients 的 goroutine；其他 goroutine 只透過
//   register / unregister / broadcast 三個 channel 與它溝通。
//   每個連線有獨立的 writePump / readPump。
//
// ============================================================================

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// logger 於呼叫時取得 slog.Default()，CLI 啟動後安裝的 handler 才會生效
func logger() *slog.Logger { return slog.Default() }

// 訊息類型
const (
	TypeDaySummary = "day_summary"
	TypePause      = "pause"
	TypeResume     = "resume"
)

const (
	sendBuffer      = 256
	broadcastBuffer = 64
	writeWait       = 10 * time.Second
)

// Message 所有即時訊息的 JSON 結構
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Controls 由繪圖端觸發的暫停/恢復
type Controls interface {
	Pause()
	Resume()
}

// Client 一個已連線的繪圖端
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub 維護連線集合並廣播訊息
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	controls   Controls

	mu      sync.Mutex
	last    []byte // 最近一次的摘要，新連線先收到它
	dropped int
}

// NewHub 建立 Hub；controls 可為 nil
func NewHub(controls Controls) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		controls:   controls,
	}
}

// Run 處理註冊與廣播，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			logger().Info("WS client registered", "clients", len(h.clients))
			if last := h.lastMessage(); last != nil {
				client.send <- last
			}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				logger().Info("WS client unregistered", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 客戶端跟不上，斷開
					close(client.send)
					delete(h.clients, client)
					logger().Warn("WS client too slow, dropped")
				}
			}
		}
	}
}

// Publish 廣播一個每日摘要，不阻塞呼叫者
func (h *Hub) Publish(s types.DaySummary) {
	data, err := json.Marshal(Message{Type: TypeDaySummary, Payload: s})
	if err != nil {
		logger().Error("Failed to encode day summary", "day", s.Day, "error", err)
		return
	}

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	select {
	case h.broadcast <- data:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		logger().Warn("Broadcast queue full, summary dropped", "day", s.Day)
	}
}

// SetControls 設定暫停/恢復的對象，必須在 Run 之前呼叫
func (h *Hub) SetControls(c Controls) {
	h.controls = c
}

// Dropped 因佇列已滿而未廣播的摘要數
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) lastMessage() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs 將 HTTP 請求升級為 WebSocket 連線
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger().Error("WS upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump 讀取控制訊息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger().Warn("WS read error", "error", err)
			}
			return
		}
		c.hub.handle(msg)
	}
}

func (h *Hub) handle(msg Message) {
	if h.controls == nil {
		return
	}
	switch msg.Type {
	case TypePause:
		h.controls.Pause()
	case TypeResume:
		h.controls.Resume()
	default:
		logger().Debug("Ignoring WS message", "type", msg.Type)
	}
}

// writePump 將 send 中的訊息寫入連線；send 被 Hub 關閉時結束
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Handler 組合 /ws 與 /api/state
//
// state 回傳目前狀態（通常是 controller.Status），以 JSON 輸出。
func (h *Hub) Handler(state func() any) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWs)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(state()); err != nil {
			logger().Error("Failed to encode state", "error", err)
		}
	})
	return mux
}
