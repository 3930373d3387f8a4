package backend

import (
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

func init() {
	RegisterFactory("claude", newClaude)
}

// claudeRules maps the Claude CLI stream-json dialect onto AgentEvents.
var claudeRules = map[ruleKey]rule{
	{"system", ""}:      {Skip: true},
	{"assistant", ""}:   {Event: entity.EventMessage},
	{"thinking", ""}:    {Event: entity.EventThinking},
	{"tool_use", ""}:    {Event: entity.EventToolUse, ToolName: "tool"},
	{"tool_result", ""}: {Event: entity.EventToolResult},
	{"result", ""}:      {Event: entity.EventTokenUsage},
	{"error", ""}:       {Event: entity.EventError},
}

func claudeArgs(cfg Config, in RunInput) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if in.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", in.SystemPrompt)
	}
	args = append(args, cfg.Args...)
	return append(args, in.Message)
}

func newClaude(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	info := Info{
		Name:         "claude",
		Capabilities: CapStreaming | CapToolUse | CapThinking | CapSessionResume,
		BuiltinTools: []string{"shell", "file_edit", "web_search"},
	}
	tr := NewTranslator(claudeRules, cfg.TransientSubstrings())
	return NewSubprocess(cfg, logger, info, tr, claudeArgs), nil
}
