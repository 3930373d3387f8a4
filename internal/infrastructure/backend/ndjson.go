package backend

import (
	"encoding/json"
	"strings"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

// rawLine is the superset of fields the CLI NDJSON dialects use. Each
// dialect fills only some of them; the mapping table decides what an
// (type, item.type) pair means.
type rawLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Item    *rawItem       `json:"item,omitempty"`
	Text    string         `json:"text,omitempty"`
	Delta   string         `json:"delta,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Usage   map[string]any `json:"usage,omitempty"`
}

type rawItem struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Output  string `json:"output,omitempty"`
}

// ruleKey selects a mapping rule. ItemType "" matches lines without an
// item, or acts as a type-level rule when no more specific key exists.
type ruleKey struct {
	Type     string
	ItemType string
}

// rule describes how one NDJSON line kind becomes an AgentEvent.
type rule struct {
	Event    entity.AgentEventType
	ToolName string // fixed tool name for tool_use rules
	Skip     bool   // consume the line, emit nothing
}

// Translator converts one NDJSON dialect into AgentEvents, table-driven
// so a new CLI is a new table rather than a new switch ladder.
type Translator struct {
	rules     map[ruleKey]rule
	transient []string
}

// NewTranslator creates a translator from a mapping table.
func NewTranslator(rules map[ruleKey]rule, transient []string) *Translator {
	return &Translator{rules: rules, transient: transient}
}

// Translate parses one line of CLI output into events.
//
// Lines that are not JSON are treated as plain message text. Unknown line
// kinds translate to nothing. Error lines whose text contains a transient
// substring are dropped silently.
func (t *Translator) Translate(line string) []entity.AgentEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "{") {
		return []entity.AgentEvent{entity.MessageEvent(line)}
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return []entity.AgentEvent{entity.MessageEvent(line)}
	}

	r, ok := t.lookup(raw)
	if !ok || r.Skip {
		return nil
	}

	switch r.Event {
	case entity.EventError:
		msg := errorText(raw)
		if t.isTransient(msg) {
			return nil
		}
		return []entity.AgentEvent{entity.ErrorEvent(msg)}

	case entity.EventTokenUsage:
		ev := entity.AgentEvent{Type: entity.EventTokenUsage}
		if raw.Usage != nil {
			ev.Metadata = map[string]any{"usage": raw.Usage}
		}
		return []entity.AgentEvent{ev}

	case entity.EventToolUse:
		ev := entity.AgentEvent{
			Type:     entity.EventToolUse,
			Metadata: map[string]any{"tool": r.ToolName},
		}
		if raw.Item != nil {
			if raw.Item.Command != "" {
				ev.Content = raw.Item.Command
			} else if raw.Item.Path != "" {
				ev.Content = raw.Item.Path
			}
		}
		return []entity.AgentEvent{ev}

	case entity.EventToolResult:
		ev := entity.AgentEvent{Type: entity.EventToolResult, Content: contentText(raw)}
		if r.ToolName != "" {
			ev.Metadata = map[string]any{"tool": r.ToolName}
		}
		return []entity.AgentEvent{ev}

	default:
		return []entity.AgentEvent{{Type: r.Event, Content: contentText(raw)}}
	}
}

// IsTransientStderr reports whether a stderr line is reconnect chatter
// that should not reach the user.
func (t *Translator) IsTransientStderr(line string) bool {
	return t.isTransient(line)
}

func (t *Translator) lookup(raw rawLine) (rule, bool) {
	itemType := ""
	if raw.Item != nil {
		itemType = raw.Item.Type
	}
	if r, ok := t.rules[ruleKey{raw.Type, itemType}]; ok {
		return r, true
	}
	// Fall back to the type-level rule.
	if itemType != "" {
		if r, ok := t.rules[ruleKey{raw.Type, ""}]; ok {
			return r, true
		}
	}
	return rule{}, false
}

func (t *Translator) isTransient(s string) bool {
	for _, sub := range t.transient {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func contentText(raw rawLine) string {
	if raw.Item != nil && raw.Item.Text != "" {
		return raw.Item.Text
	}
	if raw.Item != nil && raw.Item.Output != "" {
		return raw.Item.Output
	}
	if raw.Text != "" {
		return raw.Text
	}
	if raw.Delta != "" {
		return raw.Delta
	}
	return raw.Message
}

func errorText(raw rawLine) string {
	if raw.Error != "" {
		return raw.Error
	}
	if raw.Message != "" {
		return raw.Message
	}
	return contentText(raw)
}
