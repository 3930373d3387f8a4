package backend

import (
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

func init() {
	RegisterFactory("gemini", newGemini)
}

// geminiRules maps the Gemini CLI stream-json dialect onto AgentEvents.
var geminiRules = map[ruleKey]rule{
	{"init", ""}:        {Skip: true},
	{"content", ""}:     {Event: entity.EventMessage},
	{"thought", ""}:     {Event: entity.EventThinking},
	{"tool_call", ""}:   {Event: entity.EventToolUse, ToolName: "tool"},
	{"tool_result", ""}: {Event: entity.EventToolResult},
	{"stats", ""}:       {Event: entity.EventTokenUsage},
	{"error", ""}:       {Event: entity.EventError},
}

func geminiArgs(cfg Config, in RunInput) []string {
	args := []string{"--output-format", "stream-json"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.Args...)
	prompt := in.Message
	if in.SystemPrompt != "" {
		prompt = in.SystemPrompt + "\n\n" + prompt
	}
	return append(args, "--prompt", prompt)
}

func newGemini(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.Command == "" {
		cfg.Command = "gemini"
	}
	info := Info{
		Name:         "gemini",
		Capabilities: CapStreaming | CapToolUse | CapThinking,
		BuiltinTools: []string{"shell", "file_edit", "web_search"},
	}
	tr := NewTranslator(geminiRules, cfg.TransientSubstrings())
	return NewSubprocess(cfg, logger, info, tr, geminiArgs), nil
}
