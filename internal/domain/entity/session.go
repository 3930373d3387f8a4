package entity

import (
	"fmt"
	"strings"
	"time"
)

// SessionKey 会话键：一个渠道内的一个对话
// Equality is structural; the zero value is not a valid key.
type SessionKey struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// NewSessionKey 创建会话键
func NewSessionKey(channel, chatID string) (SessionKey, error) {
	if channel == "" {
		return SessionKey{}, ErrInvalidChannel
	}
	if chatID == "" {
		return SessionKey{}, ErrInvalidChatID
	}
	return SessionKey{Channel: channel, ChatID: chatID}, nil
}

// String 返回 "channel:chat_id" 形式的规范表示
func (k SessionKey) String() string {
	return k.Channel + ":" + k.ChatID
}

// IsZero reports whether the key is the zero value.
func (k SessionKey) IsZero() bool {
	return k.Channel == "" && k.ChatID == ""
}

// ParseSessionKey 解析 "channel:chat_id" 规范表示。
// 无冒号时整体视为 chat_id，渠道为 "direct"。
func ParseSessionKey(raw string) (SessionKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionKey{}, ErrInvalidChatID
	}
	if idx := strings.Index(raw, ":"); idx >= 0 {
		return NewSessionKey(raw[:idx], raw[idx+1:])
	}
	return NewSessionKey("direct", raw)
}

// InboundMessage 渠道适配器发布到总线的入站消息
type InboundMessage struct {
	Session    SessionKey `json:"session"`
	SenderID   string     `json:"sender_id"`
	Content    string     `json:"content"`
	TraceID    string     `json:"trace_id"`
	ReceivedAt time.Time  `json:"received_at"`
}

// OutboundMessage 发往渠道的出站消息（可能是流式分片）
type OutboundMessage struct {
	Session       SessionKey `json:"session"`
	Content       string     `json:"content"`
	IsStreamChunk bool       `json:"is_stream_chunk"`
	IsStreamEnd   bool       `json:"is_stream_end"`
}

// SystemEventType 系统事件类型
type SystemEventType string

const (
	SystemEventThinking   SystemEventType = "thinking"
	SystemEventToolStart  SystemEventType = "tool_start"
	SystemEventToolResult SystemEventType = "tool_result"
	SystemEventError      SystemEventType = "error"
	SystemEventTokenUsage SystemEventType = "token_usage"
	SystemEventDone       SystemEventType = "done"
)

// SystemEvent 总线上的带外事件（不进入聊天文本流）
type SystemEvent struct {
	Session SessionKey      `json:"session"`
	Type    SystemEventType `json:"event_type"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// TurnRole 对话轮次角色
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleSystem    TurnRole = "system"
)

// Turn 对话历史中的一轮
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn 创建对话轮次（工厂方法）
func NewTurn(role TurnRole, content string) (Turn, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidTurnRole, role)
	}
	return Turn{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}, nil
}
