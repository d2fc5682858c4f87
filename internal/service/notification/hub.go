// Package notification 是通知推送网关：消费通知主题，把事件推送给在线用户的 WebSocket 连接。
package notification

import (
	"net/http"
	"sync"
	"time"

	"fulfillment/internal/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Hub 维护本节点所有活跃连接，同一用户可以有多个连接
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Client 是一个 WebSocket 连接
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Push 把 payload 投递给用户的所有连接，返回投递成功的连接数。
// 发送缓冲已满的连接视为卡死，直接断开。
func (h *Hub) Push(userID string, payload []byte) int {
	h.mu.RLock()
	var stuck []*Client
	delivered := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- payload:
			delivered++
		default:
			stuck = append(stuck, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stuck {
		h.unregister(c)
		_ = c.conn.Close()
	}
	return delivered
}

// Online 用户当前连接数
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// CloseAll 关闭所有连接，用于优雅退出
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
			close(c.send)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()
	for _, c := range all {
		_ = c.conn.Close()
	}
}

// ServeWS 把 HTTP 请求升级为 WebSocket，用户由 userId 参数标识
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		logger.Ctx(r.Context()).Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), userID: userID}
	h.register(c)
	logger.Ctx(r.Context()).Info().Str("user", userID).Msg("Client connected")

	go c.writePump()
	go c.readPump()
}

// writePump 把 send 中的消息写入连接，并定时发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理 pong 和关闭，客户端不会上行业务消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.L().Warn().Err(err).Str("user", c.userID).Msg("WebSocket closed unexpectedly")
			}
			return
		}
	}
}
