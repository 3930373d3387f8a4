package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/application"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/config"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/logger"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/oauth"
)

const (
	appName    = "pocketpaw"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "PocketPaw — 个人 AI 助手网关",
		Long:  "PocketPaw Gateway — 将 WebSocket 仪表盘和 Telegram 接入可插拔的 AI 后端，并托管本地应用插件",
		RunE:  runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动网关服务 (仪表盘 + Telegram + Agent Loop)",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:       "login [codex|qwen|gemini]",
		Short:     "通过设备码流程登录上游提供商",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"codex", "qwen", "gemini"},
		RunE:      runLogin,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting PocketPaw",
		zap.String("version", appVersion),
		zap.String("backend", cfg.Backend.Type),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}

// runLogin drives one device-code login and waits for it to finish.
func runLogin(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "warn",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	provider := oauth.Provider(args[0])
	manager := oauth.NewManager(log)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	session, err := manager.StartDeviceAuth(ctx, provider)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	if session.UserCode != "" {
		fmt.Printf("Open %s and enter code: %s\n", session.VerificationURI, session.UserCode)
	} else {
		fmt.Printf("Open %s to continue login.\n", session.VerificationURI)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login timed out")
		case <-time.After(2 * time.Second):
		}

		st, err := manager.Status(session.ID)
		if err != nil {
			return err
		}
		switch st.State {
		case oauth.StateCompleted:
			fmt.Printf("Logged in to %s.\n", provider)
			return nil
		case oauth.StateFailed, oauth.StateExpired:
			return fmt.Errorf("login %s", st.State)
		}
	}
}
