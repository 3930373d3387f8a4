package actor

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testRunner(t *testing.T, mutate func(*Config)) *Runner {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	r, err := NewRunner(cfg, logger)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunner_CapturesStdout(t *testing.T) {
	r := testRunner(t, nil)

	result, err := r.RunShell(context.Background(), `echo '{"items": 3}'`)
	if err != nil {
		t.Fatalf("RunShell: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}

	out, ok := result.Output().(map[string]any)
	if !ok {
		t.Fatalf("output = %T, want decoded JSON object", result.Output())
	}
	if out["items"] != float64(3) {
		t.Errorf("items = %v", out["items"])
	}
}

func TestRunner_PlainTextOutput(t *testing.T) {
	r := testRunner(t, nil)

	result, err := r.RunShell(context.Background(), `echo not json at all`)
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := result.Output().(string); !ok || !strings.Contains(s, "not json") {
		t.Errorf("output = %v", result.Output())
	}
}

func TestRunner_FingerprintAndProxyEnv(t *testing.T) {
	r := testRunner(t, func(c *Config) {
		c.Fingerprint = "firefox-128-linux"
		c.ProxyURL = "http://127.0.0.1:8888"
	})

	result, err := r.RunShell(context.Background(), `echo "$POCKETPAW_FINGERPRINT|$HTTPS_PROXY"`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result.Stdout) != "firefox-128-linux|http://127.0.0.1:8888" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestRunner_JobEnvOverrides(t *testing.T) {
	r := testRunner(t, nil)

	result, err := r.Run(context.Background(), Job{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo "$TARGET_URL"`},
		Env:     map[string]string{"TARGET_URL": "https://example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result.Stdout) != "https://example.com" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestRunner_TimeoutKillsJob(t *testing.T) {
	r := testRunner(t, func(c *Config) {
		c.Timeout = 200 * time.Millisecond
	})

	start := time.Now()
	result, err := r.RunShell(context.Background(), `sleep 30`)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !result.Killed {
		t.Error("result should be marked killed")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %v", elapsed)
	}
}

func TestRunner_NonZeroExit(t *testing.T) {
	r := testRunner(t, nil)

	result, err := r.RunShell(context.Background(), `echo oops >&2; exit 3`)
	if err != nil {
		t.Fatalf("non-zero exit is a result, not an error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestRunner_UnknownCommand(t *testing.T) {
	r := testRunner(t, nil)
	if _, err := r.Run(context.Background(), Job{Command: "no-such-binary-xyz"}); err == nil {
		t.Fatal("expected error")
	}
}
