package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/backend"
)

// Router owns the active backend instance. The Loop is its only caller;
// Reset is the only legal way to swap the backend.
type Router struct {
	logger    *zap.Logger
	configure func() backend.Config

	mu      sync.Mutex
	backend backend.Backend
}

// NewRouter 创建后端路由器
// configure is read lazily on the first Run after construction or Reset,
// so settings changes take effect without restarting.
func NewRouter(logger *zap.Logger, configure func() backend.Config) *Router {
	return &Router{
		logger:    logger.With(zap.String("component", "router")),
		configure: configure,
	}
}

// Run delegates to the active backend, creating it on first use.
//
// A backend that fails before its first event does not surface as a Go
// error: the caller gets a well-formed stream carrying one error event
// and one done event, so downstream handling is uniform.
func (r *Router) Run(ctx context.Context, in backend.RunInput) <-chan entity.AgentEvent {
	b, err := r.active()
	if err != nil {
		return syntheticErrorStream(err.Error())
	}

	events, err := b.Run(ctx, in)
	if err != nil {
		return syntheticErrorStream(err.Error())
	}
	return events
}

// Stop forwards to the active backend. No-op when none exists.
func (r *Router) Stop() {
	r.mu.Lock()
	b := r.backend
	r.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

// Reset discards the backend instance; the next Run rebuilds it from
// fresh configuration.
func (r *Router) Reset() {
	r.mu.Lock()
	old := r.backend
	r.backend = nil
	r.mu.Unlock()

	if old != nil {
		old.Stop()
		r.logger.Info("router reset, backend discarded", zap.String("backend", old.Info().Name))
	}
}

// ActiveInfo returns the active backend's static description, creating
// the backend if needed.
func (r *Router) ActiveInfo() (backend.Info, error) {
	b, err := r.active()
	if err != nil {
		return backend.Info{}, err
	}
	return b.Info(), nil
}

func (r *Router) active() (backend.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend != nil {
		return r.backend, nil
	}

	cfg := r.configure()
	b, err := backend.Create(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.backend = b
	r.logger.Info("backend created", zap.String("type", cfg.Type), zap.String("name", b.Info().Name))
	return b, nil
}

func syntheticErrorStream(msg string) <-chan entity.AgentEvent {
	events := make(chan entity.AgentEvent, 2)
	events <- entity.ErrorEvent(msg)
	events <- entity.DoneEvent()
	close(events)
	return events
}
