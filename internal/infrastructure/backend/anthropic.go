package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

func init() {
	RegisterFactory("anthropic", newAnthropic)
}

const anthropicVersion = "2023-06-01"

// AnthropicBackend streams from an Anthropic-compatible Messages API.
type AnthropicBackend struct {
	logger *zap.Logger
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newAnthropic(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &AnthropicBackend{
		logger: logger.With(zap.String("component", "backend"), zap.String("backend", "anthropic")),
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

var _ Backend = (*AnthropicBackend)(nil)

// Info returns the static backend description.
func (b *AnthropicBackend) Info() Info {
	return Info{
		Name:         "anthropic",
		Capabilities: CapStreaming | CapToolUse | CapThinking,
		RequiredKeys: []string{"api_key"},
	}
}

// anthropicStreamEvent is one SSE data payload from the Messages API.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
	Usage map[string]any `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Run opens a streaming messages request and translates deltas.
func (b *AnthropicBackend) Run(ctx context.Context, in RunInput) (<-chan entity.AgentEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	events := make(chan entity.AgentEvent, 64)

	safego.Go(b.logger, "backend-anthropic-stream", func() {
		defer close(events)
		defer cancel()

		if err := b.streamOnce(runCtx, in, events); err != nil && runCtx.Err() == nil {
			emit(runCtx, events, entity.ErrorEvent(err.Error()))
		}
		select {
		case events <- entity.DoneEvent():
		case <-time.After(time.Second):
		}
	})

	return events, nil
}

// Stop cancels the in-flight request.
func (b *AnthropicBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *AnthropicBackend) streamOnce(ctx context.Context, in RunInput, events chan<- entity.AgentEvent) error {
	messages := make([]chatMessage, 0, len(in.History)+1)
	for _, t := range in.History {
		if t.Role == entity.RoleSystem {
			continue
		}
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: in.Message})

	payload, err := json.Marshal(map[string]any{
		"model":      b.cfg.Model,
		"system":     in.SystemPrompt,
		"messages":   messages,
		"max_tokens": 8192,
		"stream":     true,
	})
	if err != nil {
		return err
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if b.cfg.APIKey != "" {
		req.Header.Set("x-api-key", b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("messages HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(&timedReader{r: resp.Body, timeout: sseIdleTimeout})
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				emit(ctx, events, entity.MessageEvent(ev.Delta.Text))
			}
			if ev.Delta.Thinking != "" {
				emit(ctx, events, entity.AgentEvent{Type: entity.EventThinking, Content: ev.Delta.Thinking})
			}
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				emit(ctx, events, entity.AgentEvent{
					Type:     entity.EventToolUse,
					Metadata: map[string]any{"tool": ev.ContentBlock.Name},
				})
			}
		case "message_delta":
			if ev.Usage != nil {
				emit(ctx, events, entity.AgentEvent{
					Type:     entity.EventTokenUsage,
					Metadata: map[string]any{"usage": ev.Usage},
				})
			}
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("stream error: %s", ev.Error.Message)
			}
		case "message_stop":
			return nil
		}
	}
	return scanner.Err()
}
