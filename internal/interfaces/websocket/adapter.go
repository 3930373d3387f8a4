package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/bus"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

// ChannelName 该适配器在会话键中使用的渠道名
const ChannelName = "websocket"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 本地仪表盘，允许所有来源
	},
}

// Adapter bridges dashboard WebSocket connections to the message bus.
// Chat frames become inbound messages; outbound and system traffic for
// the websocket channel is fanned back to the session's clients.
type Adapter struct {
	logger *zap.Logger
	bus    *bus.Bus
	hub    *Hub
	server *http.Server
}

// NewAdapter 创建仪表盘渠道适配器
func NewAdapter(host string, port int, b *bus.Bus, logger *zap.Logger) *Adapter {
	log := logger.With(zap.String("component", "ws-adapter"))
	a := &Adapter{
		logger: log,
		bus:    b,
		hub:    NewHub(logger),
	}
	a.hub.SetChatHandler(a.handleChat)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.serveWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, a.hub.ClientCount())
	})

	a.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	return a
}

// Handler 返回 HTTP 处理器（测试用）
func (a *Adapter) Handler() http.Handler {
	return a.server.Handler
}

// Start runs the hub, the bus forwarding loops, and the HTTP listener.
func (a *Adapter) Start(ctx context.Context) {
	safego.Go(a.logger, "ws-hub", func() { a.hub.Run(ctx) })
	safego.Go(a.logger, "ws-outbound", func() { a.forwardOutbound(ctx) })
	safego.Go(a.logger, "ws-system", func() { a.forwardSystem(ctx) })

	safego.Go(a.logger, "ws-server", func() {
		a.logger.Info("Dashboard channel listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Dashboard server error", zap.Error(err))
		}
	})
}

// Stop 优雅关闭 HTTP 监听
func (a *Adapter) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// serveWS 升级连接并注册客户端
func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = "dashboard"
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &Client{
		ID:        clientID,
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       a.hub,
		logger:    a.logger,
	}

	a.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// handleChat 将聊天帧发布为入站消息
func (a *Adapter) handleChat(client *Client, msg *WSMessage) {
	if msg.Content == "" {
		return
	}
	chatID := msg.SessionID
	if chatID == "" {
		chatID = client.SessionID
	}
	session, err := entity.NewSessionKey(ChannelName, chatID)
	if err != nil {
		client.enqueue(&WSMessage{
			Type:    MessageTypeError,
			Content: "invalid session id",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inbound := entity.InboundMessage{
		Session:    session,
		SenderID:   client.UserID,
		Content:    msg.Content,
		TraceID:    uuid.NewString(),
		ReceivedAt: time.Now(),
	}
	if err := a.bus.PublishInbound(ctx, inbound); err != nil {
		a.logger.Warn("Failed to publish inbound message",
			zap.String("session", session.String()),
			zap.Error(err))
		client.enqueue(&WSMessage{
			Type:    MessageTypeError,
			Content: "message queue is full, try again",
		})
	}
}

// forwardOutbound 将出站流转发给对应会话的客户端
func (a *Adapter) forwardOutbound(ctx context.Context) {
	ch := a.bus.SubscribeOutbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Session.Channel != ChannelName {
				continue
			}
			frame := &WSMessage{
				Type:      MessageTypeStream,
				Content:   msg.Content,
				SessionID: msg.Session.ChatID,
			}
			if msg.IsStreamEnd {
				frame.Type = MessageTypeStreamEnd
			}
			a.hub.SendToSession(msg.Session.ChatID, frame)
		}
	}
}

// forwardSystem 将带外事件转发给对应会话的客户端
func (a *Adapter) forwardSystem(ctx context.Context) {
	ch := a.bus.SubscribeSystem()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Session.Channel != ChannelName {
				continue
			}
			frame := &WSMessage{
				Type:      MessageTypeSystem,
				SessionID: ev.Session.ChatID,
				Event:     string(ev.Type),
				Payload:   ev.Payload,
			}
			if ev.Type == entity.SystemEventError {
				frame.Type = MessageTypeError
				if msg, ok := ev.Payload["error"].(string); ok {
					frame.Content = msg
				}
			}
			a.hub.SendToSession(ev.Session.ChatID, frame)
		}
	}
}
