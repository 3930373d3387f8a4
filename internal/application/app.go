package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/memory"
	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/service"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/actor"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/backend"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/bus"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/config"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/oauth"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/persistence"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/plugin"
	"github.com/pocketpaw/pocketpaw/gateway/internal/interfaces/telegram"
	"github.com/pocketpaw/pocketpaw/gateway/internal/interfaces/websocket"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

// busBufferSize 入站通道缓冲，满时 PublishInbound 产生背压
const busBufferSize = 256

// App 应用程序（依赖注入容器）
//
// Construction is phased: repositories → domain services →
// infrastructure → interfaces. Each phase only sees what earlier
// phases built.
type App struct {
	config *config.Config
	logger *zap.Logger

	// 仓储层
	db       *gorm.DB
	turnRepo *persistence.GormTurnRepository

	// 领域服务
	bus    *bus.Bus
	memory *memory.Store
	router *service.Router
	loop   *service.Loop

	// 基础设施
	registry   *plugin.Registry
	installer  *plugin.Installer
	supervisor *plugin.Supervisor
	oauth      *oauth.Manager
	actor      *actor.Runner
	watcher    *config.Watcher

	// 接口层
	wsAdapter *websocket.Adapter
	tgAdapter *telegram.Adapter
}

// NewApp 创建应用程序
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.turnRepo = persistence.NewGormTurnRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	app.bus = bus.New(app.logger, busBufferSize)

	memOpts := []memory.Option{}
	if app.config.Memory.MaxTurns > 0 {
		memOpts = append(memOpts, memory.WithMaxTurns(app.config.Memory.MaxTurns))
	}
	if app.config.Memory.FlushInterval > 0 {
		memOpts = append(memOpts, memory.WithFlushInterval(app.config.Memory.FlushInterval))
	}
	app.memory = memory.NewStore(app.logger, app.turnRepo, memOpts...)

	// configure is re-read on every Router.Reset, so a config reload
	// swaps the backend without restarting the loop.
	app.router = service.NewRouter(app.logger, func() backend.Config {
		b := app.config.Backend
		return backend.Config{
			Name:            b.Name,
			Type:            b.Type,
			Command:         b.Command,
			Args:            b.Args,
			Model:           b.Model,
			BaseURL:         b.BaseURL,
			APIKey:          b.APIKey,
			Env:             b.Env,
			TransientErrors: b.TransientErrors,
		}
	})

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	pluginsDir := app.config.Plugins.Dir
	app.registry = plugin.NewRegistry(pluginsDir, app.logger)
	app.installer = plugin.NewInstaller(app.registry, app.logger)
	app.supervisor = plugin.NewSupervisor(app.registry, app.installer, app.logger)

	app.oauth = oauth.NewManager(app.logger)

	actorCfg := actor.DefaultConfig()
	if app.config.Actor.WorkDir != "" {
		actorCfg.WorkDir = app.config.Actor.WorkDir
	}
	if app.config.Actor.Timeout > 0 {
		actorCfg.Timeout = app.config.Actor.Timeout
	}
	actorCfg.Fingerprint = app.config.Actor.Fingerprint
	actorCfg.ProxyURL = app.config.Actor.ProxyURL
	actorCfg.PythonEnv = app.config.Actor.PythonEnv
	runner, err := actor.NewRunner(actorCfg, app.logger)
	if err != nil {
		app.logger.Warn("Actor runner unavailable, fetch intent disabled", zap.Error(err))
	} else {
		app.actor = runner
	}

	loopOpts := []service.LoopOption{
		service.WithBackendSwitcher(func(name string) error {
			app.config.Backend.Type = name
			app.config.Backend.Name = name
			app.router.Reset()
			return nil
		}),
	}
	if app.actor != nil {
		loopOpts = append(loopOpts, service.WithActor(app.actor))
	}
	if app.config.Loop.Identity != "" {
		loopOpts = append(loopOpts, service.WithIdentity(app.config.Loop.Identity))
	}
	if app.config.Loop.MaxConcurrentConversations > 0 {
		loopOpts = append(loopOpts, service.WithMaxConcurrent(app.config.Loop.MaxConcurrentConversations))
	}
	app.loop = service.NewLoop(app.logger, app.bus, app.memory, app.router, app.supervisor, loopOpts...)

	watcher, err := config.NewWatcher(config.GlobalConfigPath(), app.reloadConfig, app.logger)
	if err != nil {
		app.logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		app.watcher = watcher
	}

	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.wsAdapter = websocket.NewAdapter(
		app.config.Gateway.Host,
		app.config.Gateway.Port,
		app.bus,
		app.logger,
	)

	if app.config.Telegram.BotToken != "" {
		tg, err := telegram.NewAdapter(&telegram.Config{
			BotToken: app.config.Telegram.BotToken,
			AllowIDs: app.config.Telegram.AllowIDs,
		}, app.bus, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram adapter: %w", err)
		}
		app.tgAdapter = tg
	}

	return nil
}

// reloadConfig re-reads settings from disk and rebuilds the backend on
// the next turn. Invoked by the file watcher after changes settle.
func (app *App) reloadConfig() {
	cfg, err := config.Load()
	if err != nil {
		app.logger.Error("Config reload failed, keeping previous settings", zap.Error(err))
		return
	}
	*app.config = *cfg
	app.router.Reset()
	app.logger.Info("Configuration reloaded",
		zap.String("backend", cfg.Backend.Type),
		zap.String("model", cfg.Backend.Model))
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	safego.Go(app.logger, "agent-loop", func() { app.loop.Start(ctx) })

	app.wsAdapter.Start(ctx)

	if app.tgAdapter != nil {
		if err := app.tgAdapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telegram adapter: %w", err)
		}
	}

	if app.watcher != nil {
		app.watcher.Start(ctx)
	}

	app.logger.Info("Application started successfully",
		zap.String("dashboard", fmt.Sprintf("%s:%d", app.config.Gateway.Host, app.config.Gateway.Port)))
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.watcher != nil {
		if err := app.watcher.Stop(); err != nil {
			app.logger.Error("Failed to stop config watcher", zap.Error(err))
		}
	}

	if app.tgAdapter != nil {
		app.tgAdapter.Stop()
	}

	if err := app.wsAdapter.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop dashboard server", zap.Error(err))
	}

	// Stop running plugins before the bus so their last events drain.
	for _, st := range app.supervisor.ListStatus() {
		if st.Running {
			if _, err := app.supervisor.Stop(ctx, st.Manifest.ID); err != nil {
				app.logger.Warn("Failed to stop plugin",
					zap.String("plugin", st.Manifest.ID),
					zap.Error(err))
			}
		}
	}

	app.bus.Close()

	if err := app.memory.Close(); err != nil {
		app.logger.Error("Failed to flush memory", zap.Error(err))
	}

	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger 获取日志器
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig 获取配置
func (app *App) AppConfig() *config.Config {
	return app.config
}

// Supervisor returns the plugin supervisor (used by admin tooling).
func (app *App) Supervisor() *plugin.Supervisor {
	return app.supervisor
}

// OAuth returns the device-flow login manager.
func (app *App) OAuth() *oauth.Manager {
	return app.oauth
}
