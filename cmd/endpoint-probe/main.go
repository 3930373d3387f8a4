package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// endpoint-probe issues one chat completion against an OpenAI-compatible
// endpoint and reports reachability. Exit code 0 means the endpoint
// answered with a usable completion; 1 means anything else. The stderr
// tail is meant to be surfaced to users by the caller.

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	SelectedBackend string `json:"selected_backend,omitempty"`
	SelectedModel   string `json:"selected_model,omitempty"`
	Error           *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func main() {
	baseURL := flag.String("url", "", "endpoint base URL, e.g. http://127.0.0.1:8100")
	model := flag.String("model", "auto", "model to request")
	apiKey := flag.String("api-key", "", "bearer token, if the endpoint needs one")
	prompt := flag.String("prompt", "ping", "probe message")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	if *baseURL == "" {
		fail("no endpoint URL configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := probe(ctx, *baseURL, *model, *apiKey, *prompt)
	if err != nil {
		fail(err.Error())
	}

	if resp.SelectedBackend != "" {
		fmt.Printf("ok: %s via %s (%s)\n", *baseURL, resp.SelectedBackend, resp.SelectedModel)
	} else {
		fmt.Printf("ok: %s\n", *baseURL)
	}
}

func probe(ctx context.Context, baseURL, model, apiKey, prompt string) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(baseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("endpoint unreachable: %v", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("auth error: HTTP %d: %s", httpResp.StatusCode, tail(string(raw), 200))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, tail(string(raw), 200))
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %v", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("endpoint error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("empty completion")
	}
	return &resp, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "probe failed: "+msg)
	os.Exit(1)
}
