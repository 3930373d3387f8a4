package entity

// AgentEventType defines the type of event emitted by a backend adapter
type AgentEventType string

const (
	EventMessage    AgentEventType = "message"
	EventThinking   AgentEventType = "thinking"
	EventToolUse    AgentEventType = "tool_use"
	EventToolResult AgentEventType = "tool_result"
	EventError      AgentEventType = "error"
	EventTokenUsage AgentEventType = "token_usage"
	EventDone       AgentEventType = "done"
)

// AgentEvent is the common event vocabulary every backend emits.
// A well-formed stream is zero or more non-terminal events followed by
// exactly one `done` (an `error` is immediately followed by `done`).
// Consumers must tolerate unknown metadata keys.
//
// `message` events are additive text deltas: concatenating Content in
// arrival order yields the final assistant text.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e AgentEvent) IsTerminal() bool {
	return e.Type == EventDone
}

// MessageEvent 构造文本增量事件
func MessageEvent(delta string) AgentEvent {
	return AgentEvent{Type: EventMessage, Content: delta}
}

// ErrorEvent 构造错误事件
func ErrorEvent(msg string) AgentEvent {
	return AgentEvent{Type: EventError, Content: msg}
}

// DoneEvent 构造终止事件
func DoneEvent() AgentEvent {
	return AgentEvent{Type: EventDone}
}
