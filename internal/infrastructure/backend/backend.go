package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

// Capability 后端能力位
type Capability uint32

const (
	CapStreaming Capability = 1 << iota
	CapToolUse
	CapThinking
	CapSessionResume
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Info 后端静态描述，每个后端类一份
type Info struct {
	Name               string     `json:"name"`
	Capabilities       Capability `json:"capabilities"`
	BuiltinTools       []string   `json:"builtin_tools,omitempty"`
	RequiredKeys       []string   `json:"required_keys,omitempty"`
	SupportedProviders []string   `json:"supported_providers,omitempty"`
}

// RunInput 一次后端调用的全部输入
type RunInput struct {
	Message      string
	SystemPrompt string
	History      []entity.Turn
	Session      entity.SessionKey
}

// Backend is one adapter that turns provider output into the common
// AgentEvent stream.
//
// Run returns a lazy stream: zero or more non-terminal events followed by
// exactly one EventDone (an EventError, if any, precedes it). The channel
// is closed after the terminal event. Stop may be called concurrently with
// stream consumption; after Stop the stream still terminates with done.
type Backend interface {
	// Info returns the static backend description.
	Info() Info

	// Run executes one turn and returns the event stream.
	Run(ctx context.Context, in RunInput) (<-chan entity.AgentEvent, error)

	// Stop cancels the in-flight turn, terminating any child process.
	Stop()
}

// Config holds configuration for one backend instance.
type Config struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"` // "codex" | "gemini" | "qwen" | "claude" | "openai" | "ollama" | "anthropic"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Model   string            `json:"model,omitempty"`
	BaseURL string            `json:"base_url,omitempty"`
	APIKey  string            `json:"api_key,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// TransientErrors lists stderr / error-line substrings that are
	// suppressed instead of surfaced (CLI reconnect chatter).
	TransientErrors []string `json:"transient_errors,omitempty"`
}

// DefaultTransientErrors 默认被静默的瞬时错误子串
var DefaultTransientErrors = []string{"Reconnecting", "Falling back"}

// TransientSubstrings returns the configured transient substrings, or the
// defaults when none are set.
func (c Config) TransientSubstrings() []string {
	if len(c.TransientErrors) > 0 {
		return c.TransientErrors
	}
	return DefaultTransientErrors
}

// --- Backend Factory Registry ---
// Backends register themselves via init() in their own file.
// Adding a new backend type = implement Backend + RegisterFactory("type", New).

// Factory creates a Backend from config.
type Factory func(cfg Config, logger *zap.Logger) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a backend factory for the given type name.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// Create creates a Backend using the registered factory for cfg.Type.
func Create(cfg Config, logger *zap.Logger) (Backend, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Type]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown backend type %q (available: %v)", cfg.Type, available)
	}

	return factory(cfg, logger)
}

// Registered returns the names of all registered backend types.
func Registered() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for k := range factories {
		names = append(names, k)
	}
	return names
}
