package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Gateway.Port != 18790 {
		t.Errorf("gateway port = %d", cfg.Gateway.Port)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("database type = %q", cfg.Database.Type)
	}
	if cfg.Backend.Type != "claude" {
		t.Errorf("backend type = %q", cfg.Backend.Type)
	}
	if cfg.Loop.MaxConcurrentConversations != 4 {
		t.Errorf("max concurrent = %d", cfg.Loop.MaxConcurrentConversations)
	}
	if cfg.Memory.FlushInterval != 5*time.Second {
		t.Errorf("flush interval = %v", cfg.Memory.FlushInterval)
	}
	if cfg.AIFastAPI.MaxRotateRetry != 3 {
		t.Errorf("max rotate retry = %d", cfg.AIFastAPI.MaxRotateRetry)
	}
	if len(cfg.AIFastAPI.BackendChain) != 2 {
		t.Errorf("backend chain = %v", cfg.AIFastAPI.BackendChain)
	}
}

func TestLoadFrom_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
gateway:
  port: 9000
backend:
  type: codex
  model: gpt-5
aifastapi:
  backend_chain: [codex, g4f]
  max_rotate_retry: 1
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("gateway port = %d", cfg.Gateway.Port)
	}
	if cfg.Backend.Type != "codex" || cfg.Backend.Model != "gpt-5" {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.AIFastAPI.MaxRotateRetry != 1 {
		t.Errorf("max rotate retry = %d", cfg.AIFastAPI.MaxRotateRetry)
	}
	// Untouched sections keep their defaults.
	if cfg.Database.Type != "sqlite" {
		t.Errorf("database type = %q", cfg.Database.Type)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("POCKETPAW_GATEWAY_PORT", "7777")
	t.Setenv("POCKETPAW_BACKEND_TYPE", "gemini")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("gateway port = %d", cfg.Gateway.Port)
	}
	if cfg.Backend.Type != "gemini" {
		t.Errorf("backend type = %q", cfg.Backend.Type)
	}
}

func TestWatcher_FiresOnChange(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  port: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	w, err := NewWatcher(path, func() { fired.Add(1) }, logger)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(path, []byte("gateway:\n  port: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("callback never fired")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	w, err := NewWatcher(path, func() { fired.Add(1) }, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(watchDebounce + 300*time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("callback fired %d times for unrelated file", fired.Load())
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	w, err := NewWatcher(path, func() {}, logger)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := w.Stop(); err != nil {
		t.Errorf("first stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}
