package aifastapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/oauth"
)

// ProviderInfo 子后端的提供商标志
//
// Flag semantics: oauth=true means device-flow gated; logged_in reports
// the gate's current state. no_auth means anonymously reachable. A
// provider with neither flag is treated as active.
type ProviderInfo struct {
	Name        string   `json:"name"`
	OAuth       bool     `json:"oauth,omitempty"`
	LoggedIn    bool     `json:"logged_in,omitempty"`
	NoAuth      bool     `json:"no_auth,omitempty"`
	Rotator     bool     `json:"rotator,omitempty"`
	Chain       []string `json:"chain,omitempty"`
	ActiveChain []string `json:"active_chain,omitempty"`
}

// ChatMessage OpenAI 格式的对话消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest OpenAI 格式的补全请求
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	// Provider is a g4f-specific routing hint; stripped before
	// delegating to any non-g4f backend.
	Provider string `json:"provider,omitempty"`
}

// ChatChoice 补全响应中的一个选择
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse OpenAI 格式的补全响应，附带路由选择元数据
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`

	SelectedBackend  string `json:"selected_backend,omitempty"`
	SelectedProvider string `json:"selected_provider,omitempty"`
	SelectedModel    string `json:"selected_model,omitempty"`
}

// SubBackend is one rotatable upstream inside the AI-Fast-API plugin.
type SubBackend interface {
	Name() string
	Provider() ProviderInfo
	Models(ctx context.Context) []string
	CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

const httpBackendTimeout = 120 * time.Second

// httpBackend proxies OpenAI-compatible HTTP upstreams: the public g4f
// proxy and a local Ollama daemon.
type httpBackend struct {
	name    string
	baseURL string
	logger  *zap.Logger
	client  *http.Client
}

func newHTTPBackend(name, baseURL string, logger *zap.Logger) *httpBackend {
	return &httpBackend{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With(zap.String("component", "aifastapi-"+name)),
		client:  &http.Client{Timeout: httpBackendTimeout},
	}
}

// NewG4FBackend 创建公共代理后端（免认证）
func NewG4FBackend(baseURL string, logger *zap.Logger) SubBackend {
	if baseURL == "" {
		baseURL = "http://localhost:1337"
	}
	return newHTTPBackend("g4f", baseURL, logger)
}

// NewOllamaBackend 创建本地 Ollama 后端（免认证）
func NewOllamaBackend(baseURL string, logger *zap.Logger) SubBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return newHTTPBackend("ollama", baseURL, logger)
}

func (b *httpBackend) Name() string { return b.name }

func (b *httpBackend) Provider() ProviderInfo {
	return ProviderInfo{Name: b.name, NoAuth: true}
}

func (b *httpBackend) Models(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/models", nil)
	if err != nil {
		return nil
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	models := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		models = append(models, m.ID)
	}
	return models
}

func (b *httpBackend) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", b.name, resp.StatusCode, tail(string(data), 200))
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: bad response: %w", b.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", b.name)
	}
	return &out, nil
}

// CreateImage forwards a raw images/generations request unchanged.
func (b *httpBackend) CreateImage(ctx context.Context, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", b.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

const cliBackendTimeout = 180 * time.Second

// cliBackend drives one OAuth-gated CLI (codex, qwen, gemini) in
// one-shot mode. Activation is gated on the device-flow credentials the
// oauth manager observes; the CLI itself holds the tokens.
type cliBackend struct {
	name     string
	provider oauth.Provider
	manager  *oauth.Manager
	logger   *zap.Logger
	command  string
	args     []string // argv template, prompt appended last
	models   []string
}

// NewCLIBackend 创建 OAuth 门控的 CLI 后端
func NewCLIBackend(provider oauth.Provider, manager *oauth.Manager, logger *zap.Logger) SubBackend {
	b := &cliBackend{
		name:     string(provider),
		provider: provider,
		manager:  manager,
		logger:   logger.With(zap.String("component", "aifastapi-"+string(provider))),
	}
	switch provider {
	case oauth.ProviderCodex:
		b.command, b.args = "codex", []string{"exec", "--skip-git-repo-check"}
		b.models = []string{"gpt-5", "gpt-5-codex"}
	case oauth.ProviderQwen:
		b.command, b.args = "qwen", []string{"--prompt"}
		b.models = []string{"qwen3-coder-plus"}
	case oauth.ProviderGemini:
		b.command, b.args = "gemini", []string{"--prompt"}
		b.models = []string{"gemini-2.5-pro", "gemini-2.5-flash"}
	}
	return b
}

func (b *cliBackend) Name() string { return b.name }

func (b *cliBackend) Provider() ProviderInfo {
	return ProviderInfo{
		Name:     b.name,
		OAuth:    true,
		LoggedIn: b.manager.LoggedIn(b.provider),
	}
}

func (b *cliBackend) Models(context.Context) []string {
	return append([]string(nil), b.models...)
}

func (b *cliBackend) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	runCtx, cancel := context.WithTimeout(ctx, cliBackendTimeout)
	defer cancel()

	args := append(append([]string(nil), b.args...), flattenMessages(req.Messages))
	cmd := exec.CommandContext(runCtx, b.command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", b.name, err, tail(stderr.String(), 200))
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, fmt.Errorf("%s: empty output", b.name)
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + b.name,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}, nil
}

// flattenMessages folds an OpenAI message list into one prompt for CLIs
// that take a single string.
func flattenMessages(messages []ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString(m.Content + "\n\n")
		case "user":
			b.WriteString(m.Content + "\n")
		case "assistant":
			b.WriteString("Previous reply: " + m.Content + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
