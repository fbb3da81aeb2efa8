package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeVehiclesSynced = "vehicles_synced" // 车辆同步完成
)

// Message WebSocket 消息结构
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// VehiclesSyncedData 同步结果
type VehiclesSyncedData struct {
	Changed int `json:"changed"`
}

type envelope struct {
	userID string
	data   []byte
}

// Client WebSocket 客户端，绑定到一个用户
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub WebSocket 连接管理中心，按用户投递消息
type Hub struct {
	logger     *zap.Logger
	clients    map[string]map[*Client]bool
	outbound   chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[string]map[*Client]bool),
		outbound:   make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run 运行 Hub，ctx 取消后关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected",
				zap.String("user_id", client.userID),
				zap.Int("total_clients", h.ClientCount()),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected",
				zap.String("user_id", client.userID),
				zap.Int("total_clients", h.ClientCount()),
			)

		case msg := <-h.outbound:
			h.mu.Lock()
			for client := range h.clients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					// 慢消费者，关闭连接
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove 调用方持有写锁
func (h *Hub) remove(client *Client) {
	conns, ok := h.clients[client.userID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	close(client.send)
	if len(conns) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for client := range conns {
			h.remove(client)
		}
	}
}

// SendToUser 向用户的所有连接发送结构化消息
// 队列已满时丢弃消息，不阻塞调用方
func (h *Hub) SendToUser(userID, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case h.outbound <- envelope{userID: userID, data: payload}:
	default:
		h.logger.Warn("Dropping websocket message, hub queue full",
			zap.String("user_id", userID),
			zap.String("type", msgType),
		)
	}
}

// NotifyVehiclesSynced 推送车辆同步结果
func (h *Hub) NotifyVehiclesSynced(userID string, changed int) {
	h.SendToUser(userID, MsgTypeVehiclesSynced, VehiclesSyncedData{Changed: changed})
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
	}
}

// Register 注册客户端，Hub 已停止时关闭客户端
func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		close(c.send)
	}
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump 读取消息（保持连接活跃）
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
