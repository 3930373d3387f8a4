package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 仪表盘消息类型
type MessageType string

const (
	MessageTypeChat      MessageType = "chat"       // 用户输入
	MessageTypeStream    MessageType = "stream"     // 流式回复分片
	MessageTypeStreamEnd MessageType = "stream_end" // 流结束标记
	MessageTypeSystem    MessageType = "system"     // 带外事件 (thinking/tool/usage)
	MessageTypeError     MessageType = "error"
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
)

// WSMessage 仪表盘 WebSocket 帧
type WSMessage struct {
	Type      MessageType    `json:"type"`
	Content   string         `json:"content,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Event     string         `json:"event,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Client 一个仪表盘连接
type Client struct {
	ID        string
	UserID    string
	SessionID string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	logger    *zap.Logger
}

// Hub WebSocket 连接中心：按会话路由出站帧
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	onChat func(client *Client, msg *WSMessage)
}

// NewHub 创建连接中心
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(zap.String("component", "ws-hub")),
	}
}

// SetChatHandler 设置聊天消息处理器
func (h *Hub) SetChatHandler(handler func(client *Client, msg *WSMessage)) {
	h.onChat = handler
}

// Run 运行连接中心直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("Dashboard client connected",
				zap.String("client_id", client.ID),
				zap.String("session_id", client.SessionID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Dashboard client disconnected",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// SendToSession delivers a frame to every client attached to the
// session. Slow clients are skipped rather than blocking the fan-out.
func (h *Hub) SendToSession(sessionID string, msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.SessionID != sessionID {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump 读取连接上的帧并分发
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Discarding malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			c.enqueue(&WSMessage{Type: MessageTypePong, Timestamp: time.Now().Unix()})
		case MessageTypeChat:
			if c.hub.onChat != nil {
				c.hub.onChat(c, &msg)
			}
		default:
			// Frames other than chat and ping are server → client only.
		}
	}
}

// writePump 写出帧并维持心跳
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(msg *WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
