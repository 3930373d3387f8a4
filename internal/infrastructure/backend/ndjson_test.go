package backend

import (
	"testing"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

func codexTestTranslator() *Translator {
	return NewTranslator(codexRules, DefaultTransientErrors)
}

func TestTranslator_CodexMapping(t *testing.T) {
	tr := codexTestTranslator()

	tests := []struct {
		name    string
		line    string
		want    entity.AgentEventType
		content string
	}{
		{
			name:    "agent message",
			line:    `{"type":"item.completed","item":{"type":"agent_message","text":"Hello "}}`,
			want:    entity.EventMessage,
			content: "Hello ",
		},
		{
			name:    "reasoning",
			line:    `{"type":"item.completed","item":{"type":"reasoning","text":"thinking about it"}}`,
			want:    entity.EventThinking,
			content: "thinking about it",
		},
		{
			name: "command start",
			line: `{"type":"item.started","item":{"type":"command_execution","command":"ls -la"}}`,
			want: entity.EventToolUse,
		},
		{
			name: "file change start",
			line: `{"type":"item.started","item":{"type":"file_change","path":"main.go"}}`,
			want: entity.EventToolUse,
		},
		{
			name: "turn completed",
			line: `{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}`,
			want: entity.EventTokenUsage,
		},
		{
			name:    "turn failed",
			line:    `{"type":"turn.failed","error":"model overloaded"}`,
			want:    entity.EventError,
			content: "model overloaded",
		},
		{
			name:    "top level error",
			line:    `{"type":"error","message":"bad request"}`,
			want:    entity.EventError,
			content: "bad request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tr.Translate(tt.line)
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			if events[0].Type != tt.want {
				t.Errorf("type = %q, want %q", events[0].Type, tt.want)
			}
			if tt.content != "" && events[0].Content != tt.content {
				t.Errorf("content = %q, want %q", events[0].Content, tt.content)
			}
		})
	}
}

func TestTranslator_ToolNames(t *testing.T) {
	tr := codexTestTranslator()

	ev := tr.Translate(`{"type":"item.started","item":{"type":"command_execution","command":"ls"}}`)[0]
	if ev.Metadata["tool"] != "shell" {
		t.Errorf("tool = %v, want shell", ev.Metadata["tool"])
	}

	ev = tr.Translate(`{"type":"item.started","item":{"type":"file_change","path":"a.go"}}`)[0]
	if ev.Metadata["tool"] != "file_edit" {
		t.Errorf("tool = %v, want file_edit", ev.Metadata["tool"])
	}
}

func TestTranslator_TransientErrorsDropped(t *testing.T) {
	tr := codexTestTranslator()

	for _, line := range []string{
		`{"type":"error","message":"Reconnecting to stream..."}`,
		`{"type":"error","message":"Falling back to secondary model"}`,
	} {
		if events := tr.Translate(line); len(events) != 0 {
			t.Errorf("transient line produced events: %v", events)
		}
	}

	// Non-transient errors pass through.
	if events := tr.Translate(`{"type":"error","message":"quota exceeded"}`); len(events) != 1 {
		t.Errorf("real error was dropped")
	}
}

func TestTranslator_ConfigurableTransients(t *testing.T) {
	tr := NewTranslator(codexRules, []string{"rate limit"})

	if events := tr.Translate(`{"type":"error","message":"rate limit hit, retrying"}`); len(events) != 0 {
		t.Error("configured transient not dropped")
	}
	// Defaults no longer apply once overridden.
	if events := tr.Translate(`{"type":"error","message":"Reconnecting"}`); len(events) != 1 {
		t.Error("non-configured substring was dropped")
	}
}

func TestTranslator_UnknownLinesSkipped(t *testing.T) {
	tr := codexTestTranslator()

	for _, line := range []string{
		`{"type":"turn.started"}`,
		`{"type":"session.created","session_id":"abc"}`,
		`{"type":"something.new","payload":1}`,
		``,
		`   `,
	} {
		if events := tr.Translate(line); len(events) != 0 {
			t.Errorf("line %q produced events: %v", line, events)
		}
	}
}

func TestTranslator_PlainTextAsMessage(t *testing.T) {
	tr := codexTestTranslator()

	events := tr.Translate("plain output line")
	if len(events) != 1 || events[0].Type != entity.EventMessage || events[0].Content != "plain output line" {
		t.Errorf("got %v", events)
	}
}

func TestTranslator_ItemFallbackRule(t *testing.T) {
	tr := codexTestTranslator()

	// item.started with an unmapped item type falls back to the
	// type-level skip rule.
	if events := tr.Translate(`{"type":"item.started","item":{"type":"mcp_call"}}`); len(events) != 0 {
		t.Errorf("got %v", events)
	}
}

func TestTranslator_GeminiMapping(t *testing.T) {
	tr := NewTranslator(geminiRules, DefaultTransientErrors)

	ev := tr.Translate(`{"type":"content","text":"hi"}`)
	if len(ev) != 1 || ev[0].Type != entity.EventMessage || ev[0].Content != "hi" {
		t.Errorf("content: %v", ev)
	}
	ev = tr.Translate(`{"type":"thought","text":"hmm"}`)
	if len(ev) != 1 || ev[0].Type != entity.EventThinking {
		t.Errorf("thought: %v", ev)
	}
	if ev := tr.Translate(`{"type":"init","session":"x"}`); len(ev) != 0 {
		t.Errorf("init: %v", ev)
	}
}
