package aifastapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testServer(t *testing.T, chain []SubBackend, opts ...RotatorOption) *Server {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	rotator := NewRotator(logger, chain, opts...)
	return NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, Mode: "release"}, rotator, logger)
}

func TestServer_Health(t *testing.T) {
	s := testServer(t, []SubBackend{openBackend("g4f")})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_ChatCompletionSelectsActiveBackend(t *testing.T) {
	codex := gatedBackend("codex", false)
	g4f := openBackend("g4f")
	s := testServer(t, []SubBackend{codex, g4f}, WithSeed(0))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SelectedBackend != "g4f" {
		t.Errorf("selected_backend = %q", resp.SelectedBackend)
	}
	if codex.calls.Load() != 0 {
		t.Error("gated backend called")
	}
}

func TestServer_ChatCompletionNoActiveBackends(t *testing.T) {
	s := testServer(t, []SubBackend{gatedBackend("codex", false)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no active backends") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_StreamingWrapsTwoChunks(t *testing.T) {
	s := testServer(t, []SubBackend{openBackend("g4f")})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"auto","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	var chunks []streamChunk
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			continue
		}
		var c streamChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		chunks = append(chunks, c)
	}

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" || chunks[0].Choices[0].Delta.Content == "" {
		t.Errorf("first chunk = %+v", chunks[0].Choices[0])
	}
	if chunks[1].Choices[0].FinishReason == nil || *chunks[1].Choices[0].FinishReason != "stop" {
		t.Errorf("second chunk = %+v", chunks[1].Choices[0])
	}
	if !strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}
}

func TestServer_ModelsAndProviders(t *testing.T) {
	a := openBackend("g4f")
	a.models = []string{"gpt-4o-mini"}
	b := gatedBackend("codex", true)
	b.models = []string{"gpt-5"}
	s := testServer(t, []SubBackend{a, b})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil {
		t.Fatal(err)
	}
	if len(models.Data) != 2 {
		t.Errorf("models = %v", models.Data)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("providers status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"AutoRotate"`) {
		t.Errorf("providers body = %s", rec.Body.String())
	}
}

func TestServer_ImagesWithoutG4F(t *testing.T) {
	s := testServer(t, []SubBackend{openBackend("ollama")})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations",
		strings.NewReader(`{"prompt":"a cat"}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServer_RejectsEmptyMessages(t *testing.T) {
	s := testServer(t, []SubBackend{openBackend("g4f")})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"auto","messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
