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
	RegisterFactory("openai", newOpenAI)
	RegisterFactory("ollama", newOllama)
}

const sseIdleTimeout = 60 * time.Second

// chatMessage is one OpenAI-format conversation message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type streamChunkData struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// HTTPBackend streams chat completions from an OpenAI-compatible server.
// When the server rejects streaming it falls back to a single-shot request
// and emits the whole answer as one message event.
type HTTPBackend struct {
	logger *zap.Logger
	cfg    Config
	info   Info
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHTTPBackend 创建 OpenAI 兼容 HTTP 后端
func NewHTTPBackend(cfg Config, logger *zap.Logger, info Info) *HTTPBackend {
	return &HTTPBackend{
		logger: logger.With(zap.String("component", "backend"), zap.String("backend", info.Name)),
		cfg:    cfg,
		info:   info,
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

var _ Backend = (*HTTPBackend)(nil)

func newOpenAI(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	info := Info{
		Name:         "openai",
		Capabilities: CapStreaming | CapToolUse,
		RequiredKeys: []string{"api_key"},
	}
	return NewHTTPBackend(cfg, logger, info), nil
}

func newOllama(cfg Config, logger *zap.Logger) (Backend, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	info := Info{
		Name:         "ollama",
		Capabilities: CapStreaming,
	}
	return NewHTTPBackend(cfg, logger, info), nil
}

// Info returns the static backend description.
func (b *HTTPBackend) Info() Info {
	return b.info
}

// Run opens a streaming chat completion and translates deltas into
// message events. The stream always terminates with one done event.
func (b *HTTPBackend) Run(ctx context.Context, in RunInput) (<-chan entity.AgentEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	events := make(chan entity.AgentEvent, 64)

	safego.Go(b.logger, "backend-http-stream", func() {
		defer close(events)
		defer cancel()

		if err := b.streamOnce(runCtx, in, events); err != nil {
			if runCtx.Err() == nil {
				b.logger.Debug("streaming failed, trying non-streaming", zap.Error(err))
				if err := b.completeOnce(runCtx, in, events); err != nil && runCtx.Err() == nil {
					emit(runCtx, events, entity.ErrorEvent(err.Error()))
				}
			}
		}
		select {
		case events <- entity.DoneEvent():
		case <-time.After(time.Second):
		}
	})

	return events, nil
}

// Stop cancels the in-flight request.
func (b *HTTPBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *HTTPBackend) streamOnce(ctx context.Context, in RunInput, events chan<- entity.AgentEvent) error {
	resp, err := b.post(ctx, b.buildRequest(in, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chat completion HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Non-streaming servers answer application/json even when asked to stream.
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "application/json") {
		return b.emitNonStreaming(ctx, resp.Body, events)
	}

	scanner := bufio.NewScanner(&timedReader{r: resp.Body, timeout: sseIdleTimeout})
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	sawContent := false
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
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			b.logger.Debug("skip unparseable SSE chunk", zap.Error(err))
			continue
		}

		if chunk.Usage != nil {
			emit(ctx, events, entity.AgentEvent{
				Type:     entity.EventTokenUsage,
				Metadata: map[string]any{"usage": chunk.Usage},
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			sawContent = true
			emit(ctx, events, entity.MessageEvent(choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Function.Name != "" {
				emit(ctx, events, entity.AgentEvent{
					Type:     entity.EventToolUse,
					Content:  tc.Function.Arguments,
					Metadata: map[string]any{"tool": tc.Function.Name, "id": tc.ID},
				})
			}
		}
		// Break on finish_reason rather than waiting for a [DONE] some
		// servers never send.
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if err == errIdleTimeout && sawContent {
			b.logger.Warn("SSE stream stalled, returning partial response")
			return nil
		}
		return fmt.Errorf("SSE scan: %w", err)
	}
	return nil
}

func (b *HTTPBackend) completeOnce(ctx context.Context, in RunInput, events chan<- entity.AgentEvent) error {
	resp, err := b.post(ctx, b.buildRequest(in, false))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chat completion HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return b.emitNonStreaming(ctx, resp.Body, events)
}

func (b *HTTPBackend) emitNonStreaming(ctx context.Context, body io.Reader, events chan<- entity.AgentEvent) error {
	var out chatResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("completion error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return fmt.Errorf("completion returned no choices")
	}
	emit(ctx, events, entity.MessageEvent(out.Choices[0].Message.Content))
	if out.Usage != nil {
		emit(ctx, events, entity.AgentEvent{
			Type:     entity.EventTokenUsage,
			Metadata: map[string]any{"usage": out.Usage},
		})
	}
	return nil
}

func (b *HTTPBackend) buildRequest(in RunInput, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(in.History)+2)
	if in.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: in.SystemPrompt})
	}
	for _, t := range in.History {
		messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: in.Message})

	return chatRequest{Model: b.cfg.Model, Messages: messages, Stream: stream}
}

func (b *HTTPBackend) post(ctx context.Context, reqBody chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	return b.client.Do(req)
}

func emit(ctx context.Context, events chan<- entity.AgentEvent, ev entity.AgentEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
