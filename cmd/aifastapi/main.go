package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/aifastapi"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/config"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/logger"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/oauth"
)

const appVersion = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("ai-fast-api v%s\n", appVersion)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting AI-Fast-API",
		zap.String("version", appVersion),
		zap.Strings("chain", cfg.AIFastAPI.BackendChain),
	)

	manager := oauth.NewManager(log)
	chain := buildChain(cfg.AIFastAPI, manager, log)
	if len(chain) == 0 {
		log.Fatal("No usable backends in the rotation chain",
			zap.Strings("configured", cfg.AIFastAPI.BackendChain))
	}

	opts := []aifastapi.RotatorOption{}
	if cfg.AIFastAPI.MaxRotateRetry > 0 {
		opts = append(opts, aifastapi.WithMaxRotateRetry(cfg.AIFastAPI.MaxRotateRetry))
	}
	if len(cfg.AIFastAPI.DefaultModels) > 0 {
		opts = append(opts, aifastapi.WithDefaultModels(cfg.AIFastAPI.DefaultModels))
	}
	rotator := aifastapi.NewRotator(log, chain, opts...)

	server := aifastapi.NewServer(aifastapi.ServerConfig{
		Host: cfg.AIFastAPI.Host,
		Port: cfg.AIFastAPI.Port,
		Mode: cfg.Gateway.Mode,
	}, rotator, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}
}

// buildChain instantiates the configured chain in order. Unknown names
// are dropped with a warning rather than failing startup.
func buildChain(cfg config.AIFastAPIConfig, manager *oauth.Manager, log *zap.Logger) []aifastapi.SubBackend {
	var chain []aifastapi.SubBackend
	for _, name := range cfg.BackendChain {
		switch name {
		case "g4f":
			chain = append(chain, aifastapi.NewG4FBackend(cfg.G4FBaseURL, log))
		case "ollama":
			chain = append(chain, aifastapi.NewOllamaBackend(cfg.OllamaBaseURL, log))
		case "codex", "qwen", "gemini":
			chain = append(chain, aifastapi.NewCLIBackend(oauth.Provider(name), manager, log))
		default:
			log.Warn("Unknown backend in rotation chain, skipping", zap.String("backend", name))
		}
	}
	return chain
}
