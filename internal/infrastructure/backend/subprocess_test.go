package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// shBackend builds a Subprocess whose "CLI" is a shell script, so the
// NDJSON pipeline is exercised against a real child process.
func shBackend(t *testing.T, script string) *Subprocess {
	t.Helper()
	cfg := Config{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
	info := Info{Name: "test"}
	tr := NewTranslator(codexRules, cfg.TransientSubstrings())
	return NewSubprocess(cfg, testLogger(), info, tr, func(cfg Config, in RunInput) []string {
		return cfg.Args
	})
}

func collect(t *testing.T, events <-chan entity.AgentEvent) []entity.AgentEvent {
	t.Helper()
	var out []entity.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout, got so far: %v", out)
		}
	}
}

func TestSubprocess_StreamsMessagesThenDone(t *testing.T) {
	b := shBackend(t, `printf '%s\n%s\n' \
		'{"type":"item.completed","item":{"type":"agent_message","text":"Hello "}}' \
		'{"type":"item.completed","item":{"type":"agent_message","text":"world!"}}'`)

	events, err := b.Run(context.Background(), RunInput{Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	if len(got) != 3 {
		t.Fatalf("got %d events: %v", len(got), got)
	}
	if got[0].Type != entity.EventMessage || got[0].Content != "Hello " {
		t.Errorf("event 0: %+v", got[0])
	}
	if got[1].Type != entity.EventMessage || got[1].Content != "world!" {
		t.Errorf("event 1: %+v", got[1])
	}
	if got[2].Type != entity.EventDone {
		t.Errorf("event 2: %+v", got[2])
	}
}

func TestSubprocess_NonZeroExitSynthesisesError(t *testing.T) {
	b := shBackend(t, `echo "something broke badly" >&2; exit 3`)

	events, err := b.Run(context.Background(), RunInput{Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	if len(got) != 2 {
		t.Fatalf("got %d events: %v", len(got), got)
	}
	if got[0].Type != entity.EventError {
		t.Fatalf("event 0: %+v", got[0])
	}
	if !strings.Contains(got[0].Content, "something broke badly") {
		t.Errorf("error lacks stderr tail: %q", got[0].Content)
	}
	if got[1].Type != entity.EventDone {
		t.Errorf("event 1: %+v", got[1])
	}
}

func TestSubprocess_StderrTailBounded(t *testing.T) {
	b := shBackend(t, `i=0; while [ $i -lt 100 ]; do echo "stderr line $i with padding text" >&2; i=$((i+1)); done; exit 1`)

	events, _ := b.Run(context.Background(), RunInput{})
	got := collect(t, events)

	if got[0].Type != entity.EventError {
		t.Fatalf("event 0: %+v", got[0])
	}
	// Tail is bounded; the prefix of the error is the exit description.
	if len(got[0].Content) > stderrTailLimit+100 {
		t.Errorf("error too long: %d chars", len(got[0].Content))
	}
	if !strings.Contains(got[0].Content, "line 99") {
		t.Errorf("tail should keep the newest lines: %q", got[0].Content)
	}
}

func TestSubprocess_TransientStderrSuppressed(t *testing.T) {
	b := shBackend(t, `echo "Reconnecting to upstream" >&2; echo "real failure" >&2; exit 1`)

	events, _ := b.Run(context.Background(), RunInput{})
	got := collect(t, events)

	if got[0].Type != entity.EventError {
		t.Fatalf("event 0: %+v", got[0])
	}
	if strings.Contains(got[0].Content, "Reconnecting") {
		t.Errorf("transient line leaked into error: %q", got[0].Content)
	}
	if !strings.Contains(got[0].Content, "real failure") {
		t.Errorf("real stderr missing: %q", got[0].Content)
	}
}

func TestSubprocess_StopTerminatesWithoutError(t *testing.T) {
	b := shBackend(t, `sleep 30`)

	events, err := b.Run(context.Background(), RunInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	b.Stop()

	got := collect(t, events)
	for _, ev := range got {
		if ev.Type == entity.EventError {
			t.Errorf("explicit stop must not synthesise an error: %+v", ev)
		}
	}
	if len(got) == 0 || got[len(got)-1].Type != entity.EventDone {
		t.Errorf("stream must end with done: %v", got)
	}
}

func TestSubprocess_ContextCancelTerminates(t *testing.T) {
	b := shBackend(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.Run(ctx, RunInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		collect(t, events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
}

func TestSubprocess_CommandNotFound(t *testing.T) {
	cfg := Config{Command: "/nonexistent/definitely-not-a-binary"}
	tr := NewTranslator(codexRules, cfg.TransientSubstrings())
	b := NewSubprocess(cfg, testLogger(), Info{Name: "test"}, tr, func(cfg Config, in RunInput) []string {
		return nil
	})

	if _, err := b.Run(context.Background(), RunInput{}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestSubprocess_StopBeforeRunIsNoop(t *testing.T) {
	b := shBackend(t, `true`)
	b.Stop() // must not panic
}
