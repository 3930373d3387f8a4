package aifastapi

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubBackend is a scriptable chain member.
type stubBackend struct {
	name     string
	provider ProviderInfo
	models   []string
	reply    string
	err      error

	calls atomic.Int32
}

func (s *stubBackend) Name() string           { return s.name }
func (s *stubBackend) Provider() ProviderInfo { return s.provider }

func (s *stubBackend) Models(context.Context) []string {
	return append([]string(nil), s.models...)
}

func (s *stubBackend) CreateChatCompletion(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{
		ID:      "chatcmpl-" + s.name,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: s.reply},
			FinishReason: "stop",
		}},
	}, nil
}

func gatedBackend(name string, loggedIn bool) *stubBackend {
	return &stubBackend{
		name:     name,
		provider: ProviderInfo{Name: name, OAuth: true, LoggedIn: loggedIn},
		reply:    name + " reply",
	}
}

func openBackend(name string) *stubBackend {
	return &stubBackend{
		name:     name,
		provider: ProviderInfo{Name: name, NoAuth: true},
		reply:    name + " reply",
	}
}

func testRequest() ChatRequest {
	return ChatRequest{
		Model:    "auto",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func TestRotator_SkipsGatedBackends(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	codex := gatedBackend("codex", false)
	g4f := openBackend("g4f")

	r := NewRotator(logger, []SubBackend{codex, g4f}, WithSeed(0))

	resp, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content != "g4f reply" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.SelectedBackend != "g4f" {
		t.Errorf("selected_backend = %q", resp.SelectedBackend)
	}
	if codex.calls.Load() != 0 {
		t.Error("logged-out oauth backend must never be called")
	}
}

func TestRotator_NoActiveBackends(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	r := NewRotator(logger, []SubBackend{
		gatedBackend("codex", false),
		gatedBackend("qwen", false),
	})

	_, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no active backends") {
		t.Errorf("error = %q, want it to name 'no active backends'", err)
	}
}

func TestRotator_SeedRotatesChain(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	a := openBackend("a")
	b := openBackend("b")
	r := NewRotator(logger, []SubBackend{a, b}, WithSeed(0), WithMaxRotateRetry(1))

	first, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if first.SelectedBackend != "a" || second.SelectedBackend != "b" {
		t.Errorf("selected = %q then %q, want a then b", first.SelectedBackend, second.SelectedBackend)
	}
}

func TestRotator_MaxRetryOneRotatesExactlyOnce(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	failing := openBackend("failing")
	failing.err = errors.New("boom")
	healthy := openBackend("healthy")

	r := NewRotator(logger, []SubBackend{failing, healthy},
		WithSeed(0), WithMaxRotateRetry(1))

	_, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err == nil {
		t.Fatal("one attempt against the failing backend must fail")
	}
	if failing.calls.Load() != 1 {
		t.Errorf("failing calls = %d, want 1", failing.calls.Load())
	}
	if healthy.calls.Load() != 0 {
		t.Errorf("healthy calls = %d, budget of 1 must not reach it", healthy.calls.Load())
	}
}

func TestRotator_RetriesNextActiveBackend(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	failing := openBackend("failing")
	failing.err = errors.New("boom")
	healthy := openBackend("healthy")

	r := NewRotator(logger, []SubBackend{failing, healthy},
		WithSeed(0), WithMaxRotateRetry(2))

	resp, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.SelectedBackend != "healthy" {
		t.Errorf("selected = %q", resp.SelectedBackend)
	}
}

func TestRotator_AggregatedErrorListsBackends(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	a := openBackend("alpha")
	a.err = errors.New("alpha down")
	b := openBackend("beta")
	b.err = errors.New("beta down")

	r := NewRotator(logger, []SubBackend{a, b}, WithSeed(0), WithMaxRotateRetry(2))

	_, err := r.CreateChatCompletion(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	for _, want := range []string{"alpha down", "beta down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestRotator_ModelOverrideAndHintStripping(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	var seen ChatRequest
	capture := &stubBackend{
		name:     "ollama",
		provider: ProviderInfo{Name: "ollama", NoAuth: true},
		reply:    "ok",
	}
	r := NewRotator(logger, []SubBackend{&capturingBackend{stubBackend: capture, seen: &seen}},
		WithDefaultModels(map[string]string{"ollama": "llama3.2"}))

	req := testRequest()
	req.Provider = "SomeG4FProvider"
	if _, err := r.CreateChatCompletion(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if seen.Model != "llama3.2" {
		t.Errorf("model = %q, want default override", seen.Model)
	}
	if seen.Provider != "" {
		t.Errorf("provider hint = %q, must be stripped for non-g4f", seen.Provider)
	}
}

// capturingBackend records the request it receives.
type capturingBackend struct {
	*stubBackend
	seen *ChatRequest
}

func (c *capturingBackend) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	*c.seen = req
	return c.stubBackend.CreateChatCompletion(ctx, req)
}

func TestRotator_ModelsDedupUnion(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	a := openBackend("a")
	a.models = []string{"m1", "m2"}
	b := openBackend("b")
	b.models = []string{"m2", "m3"}

	r := NewRotator(logger, []SubBackend{a, b})
	models := r.Models(context.Background())
	if len(models) != 3 {
		t.Fatalf("models = %v, want 3 unique", models)
	}
}

func TestRotator_SyntheticAutoRotateProvider(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	r := NewRotator(logger, []SubBackend{
		gatedBackend("codex", true),
		gatedBackend("qwen", false),
		openBackend("g4f"),
	})

	providers := r.Providers()
	var rotator *ProviderInfo
	for i := range providers {
		if providers[i].Rotator {
			rotator = &providers[i]
		}
	}
	if rotator == nil {
		t.Fatal("no synthetic rotator provider")
	}
	if rotator.Name != "AutoRotate" {
		t.Errorf("name = %q", rotator.Name)
	}
	if len(rotator.Chain) != 3 {
		t.Errorf("chain = %v", rotator.Chain)
	}
	// qwen is gated and logged out: not in the active chain.
	if len(rotator.ActiveChain) != 2 {
		t.Errorf("active chain = %v", rotator.ActiveChain)
	}
	for _, name := range rotator.ActiveChain {
		if name == "qwen" {
			t.Error("logged-out backend leaked into active chain")
		}
	}
}

func TestRotator_NilChainMembersDropped(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	r := NewRotator(logger, []SubBackend{nil, openBackend("g4f"), nil})
	if got := r.Chain(); len(got) != 1 || got[0] != "g4f" {
		t.Errorf("chain = %v", got)
	}
}

func TestRotator_ImageGenerationRequiresG4F(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	r := NewRotator(logger, []SubBackend{openBackend("ollama")})
	if r.SupportsImageGeneration() {
		t.Error("chain without g4f must not support images")
	}
	if _, _, err := r.CreateImage(context.Background(), []byte(`{}`)); err == nil {
		t.Error("expected error without g4f")
	}
}
