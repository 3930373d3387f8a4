package backend

import (
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

func init() {
	RegisterFactory("codex", newCodex)
	// Qwen Code is a Codex-style CLI and shares the wire dialect.
	RegisterFactory("qwen", newQwen)
}

// codexRules maps the Codex experimental-json dialect onto AgentEvents.
var codexRules = map[ruleKey]rule{
	{"turn.completed", ""}:                  {Event: entity.EventTokenUsage},
	{"turn.failed", ""}:                     {Event: entity.EventError},
	{"item.started", "command_execution"}:   {Event: entity.EventToolUse, ToolName: "shell"},
	{"item.started", "file_change"}:         {Event: entity.EventToolUse, ToolName: "file_edit"},
	{"item.completed", "command_execution"}: {Event: entity.EventToolResult, ToolName: "shell"},
	{"item.completed", "agent_message"}:     {Event: entity.EventMessage},
	{"item.completed", "reasoning"}:         {Event: entity.EventThinking},
	{"item.started", ""}:                    {Skip: true},
	{"item.updated", ""}:                    {Skip: true},
	{"turn.started", ""}:                    {Skip: true},
	{"session.created", ""}:                 {Skip: true},
	{"error", ""}:                           {Event: entity.EventError},
}

func codexArgs(cfg Config, in RunInput) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.Args...)
	prompt := in.Message
	if in.SystemPrompt != "" {
		prompt = in.SystemPrompt + "\n\n" + prompt
	}
	return append(args, prompt)
}

func newCodex(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	info := Info{
		Name:         "codex",
		Capabilities: CapStreaming | CapToolUse | CapThinking,
		BuiltinTools: []string{"shell", "file_edit", "web_search"},
	}
	tr := NewTranslator(codexRules, cfg.TransientSubstrings())
	return NewSubprocess(cfg, logger, info, tr, codexArgs), nil
}

func newQwen(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.Command == "" {
		cfg.Command = "qwen"
	}
	info := Info{
		Name:         "qwen",
		Capabilities: CapStreaming | CapToolUse | CapThinking,
		BuiltinTools: []string{"shell", "file_edit"},
	}
	tr := NewTranslator(codexRules, cfg.TransientSubstrings())
	return NewSubprocess(cfg, logger, info, tr, codexArgs), nil
}
