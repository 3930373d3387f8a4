package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/bus"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

// ChannelName 该适配器在会话键中使用的渠道名
const ChannelName = "telegram"

// Config Telegram 适配器配置
type Config struct {
	BotToken string
	AllowIDs []int64 // 为空时放行所有用户
	Debug    bool
}

// Adapter bridges Telegram chats to the message bus. It publishes
// user messages inbound and assembles streamed replies into whole
// Telegram messages, rendered as HTML.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	config    *Config
	bus       *bus.Bus
	logger    *zap.Logger
	assembler *streamAssembler
	cancel    context.CancelFunc
}

// NewAdapter 创建 Telegram 适配器
func NewAdapter(config *Config, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = config.Debug

	log := logger.With(zap.String("component", "telegram-adapter"))
	log.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &Adapter{
		bot:       bot,
		config:    config,
		bus:       b,
		logger:    log,
		assembler: newStreamAssembler(),
	}, nil
}

// Start 启动轮询与总线转发
func (a *Adapter) Start(ctx context.Context) error {
	innerCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.bot.GetUpdatesChan(u)

	a.logger.Info("Starting Telegram polling")

	safego.Go(a.logger, "telegram-poll", func() {
		for {
			select {
			case <-innerCtx.Done():
				a.bot.StopReceivingUpdates()
				a.logger.Info("Telegram adapter stopped")
				return
			case update := <-updates:
				a.handleUpdate(innerCtx, update)
			}
		}
	})
	safego.Go(a.logger, "telegram-outbound", func() { a.forwardOutbound(innerCtx) })
	safego.Go(a.logger, "telegram-system", func() { a.forwardSystem(innerCtx) })

	return nil
}

// Stop 停止适配器
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// handleUpdate 将 Telegram 消息发布为入站消息
func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}

	if !a.isAllowed(msg.From.ID) {
		a.logger.Warn("Unauthorized access",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int64("user_id", msg.From.ID),
			zap.String("username", msg.From.UserName),
		)
		return
	}

	session, err := entity.NewSessionKey(ChannelName, strconv.FormatInt(msg.Chat.ID, 10))
	if err != nil {
		return
	}

	a.sendTyping(msg.Chat.ID)

	pubCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	inbound := entity.InboundMessage{
		Session:    session,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		Content:    msg.Text,
		TraceID:    uuid.NewString(),
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if err := a.bus.PublishInbound(pubCtx, inbound); err != nil {
		a.logger.Warn("Failed to publish inbound message",
			zap.String("session", session.String()),
			zap.Error(err))
		a.sendPlain(msg.Chat.ID, "⏳ 消息队列已满，请稍后重试")
	}
}

// isAllowed 检查用户是否在允许列表（空列表放行所有人）
func (a *Adapter) isAllowed(userID int64) bool {
	if len(a.config.AllowIDs) == 0 {
		return true
	}
	for _, id := range a.config.AllowIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// forwardOutbound assembles stream chunks per chat and delivers the
// whole reply when the stream ends. Telegram has no incremental wire
// format worth fighting, one rendered message reads better.
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
			if msg.Content != "" {
				a.assembler.Append(msg.Session.ChatID, msg.Content)
			}
			if msg.IsStreamEnd {
				if reply := a.assembler.Flush(msg.Session.ChatID); reply != "" {
					a.deliver(msg.Session.ChatID, reply)
				}
			}
		}
	}
}

// forwardSystem 仅转发错误事件，带外事件其余部分不打扰聊天
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
			if ev.Session.Channel != ChannelName || ev.Type != entity.SystemEventError {
				continue
			}
			chatID, err := strconv.ParseInt(ev.Session.ChatID, 10, 64)
			if err != nil {
				continue
			}
			text := "backend error"
			if msg, ok := ev.Payload["error"].(string); ok && msg != "" {
				text = msg
			}
			if len(text) > 200 {
				text = text[:200] + "..."
			}
			a.sendPlain(chatID, "❌ "+text)
		}
	}
}

// deliver renders the reply as HTML and sends it in Telegram-sized
// chunks, degrading to plain text when Telegram rejects the markup.
func (a *Adapter) deliver(chatIDRaw, reply string) {
	chatID, err := strconv.ParseInt(chatIDRaw, 10, 64)
	if err != nil {
		a.logger.Error("Invalid telegram chat id", zap.String("chat_id", chatIDRaw))
		return
	}

	rendered := MarkdownToTelegramHTML(reply)
	for _, chunk := range ChunkMessage(rendered) {
		if err := a.sendHTML(chatID, chunk); err != nil {
			a.logger.Warn("HTML send failed, falling back to plain text",
				zap.Int64("chat_id", chatID),
				zap.Error(err))
			for _, plain := range ChunkMessage(StripMarkdownForPlaintext(reply)) {
				a.sendPlain(chatID, plain)
			}
			return
		}
	}
}

func (a *Adapter) sendHTML(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := a.bot.Send(msg)
	return err
}

func (a *Adapter) sendPlain(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := a.bot.Send(msg); err != nil {
		a.logger.Error("Failed to send telegram message",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

func (a *Adapter) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = a.bot.Request(action)
}

// streamAssembler 按会话累积流式分片
type streamAssembler struct {
	mu      sync.Mutex
	pending map[string]*strings.Builder
}

func newStreamAssembler() *streamAssembler {
	return &streamAssembler{pending: make(map[string]*strings.Builder)}
}

// Append 追加一个分片
func (s *streamAssembler) Append(key, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.pending[key]
	if !ok {
		b = &strings.Builder{}
		s.pending[key] = b
	}
	b.WriteString(content)
}

// Flush 取出并清空累积内容
func (s *streamAssembler) Flush(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.pending[key]
	if !ok {
		return ""
	}
	delete(s.pending, key)
	return b.String()
}
