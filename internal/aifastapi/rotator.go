package aifastapi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/pocketpaw/pocketpaw/gateway/pkg/errors"
)

// DefaultMaxRotateRetry is the retry budget when none is configured.
const DefaultMaxRotateRetry = 3

// Rotator rotates OpenAI-compatible chat requests over a chain of
// sub-backends, skipping OAuth-gated backends that are not logged in.
type Rotator struct {
	logger        *zap.Logger
	maxRetry      int
	defaultModels map[string]string

	mu    sync.Mutex
	chain []SubBackend
	seed  int
}

// RotatorOption 轮换器配置项
type RotatorOption func(*Rotator)

// WithMaxRotateRetry sets the per-request attempt budget (≥ 1).
func WithMaxRotateRetry(n int) RotatorOption {
	return func(r *Rotator) {
		if n >= 1 {
			r.maxRetry = n
		}
	}
}

// WithDefaultModels sets the per-backend model override table.
func WithDefaultModels(models map[string]string) RotatorOption {
	return func(r *Rotator) {
		for k, v := range models {
			r.defaultModels[k] = v
		}
	}
}

// WithSeed sets the initial round-robin seed. Tests use it for
// determinism.
func WithSeed(seed int) RotatorOption {
	return func(r *Rotator) { r.seed = seed }
}

// NewRotator 创建轮换器。nil 后端（初始化失败的链成员）被丢弃而不是中止。
func NewRotator(logger *zap.Logger, chain []SubBackend, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		logger:        logger.With(zap.String("component", "auto-rotate")),
		maxRetry:      DefaultMaxRotateRetry,
		defaultModels: make(map[string]string),
	}
	for _, b := range chain {
		if b == nil {
			continue
		}
		r.chain = append(r.chain, b)
	}
	for _, opt := range opts {
		opt(r)
	}

	names := make([]string, len(r.chain))
	for i, b := range r.chain {
		names[i] = b.Name()
	}
	r.logger.Info("rotator initialized",
		zap.Strings("chain", names),
		zap.Int("max_rotate_retry", r.maxRetry))
	return r
}

// Chain returns the configured backend names in order.
func (r *Rotator) Chain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.chain))
	for i, b := range r.chain {
		names[i] = b.Name()
	}
	return names
}

// active computes the ordered active list for one request: the chain
// rotated by the current seed (which is then incremented), minus
// backends whose provider is OAuth-gated and logged out.
func (r *Rotator) active() []SubBackend {
	r.mu.Lock()
	rotated := make([]SubBackend, 0, len(r.chain))
	n := len(r.chain)
	for i := 0; i < n; i++ {
		rotated = append(rotated, r.chain[(r.seed+i)%n])
	}
	r.seed++
	r.mu.Unlock()

	active := rotated[:0]
	for _, b := range rotated {
		p := b.Provider()
		if p.OAuth && !p.LoggedIn {
			continue
		}
		active = append(active, b)
	}
	return active
}

// ActiveChain returns the names of currently active backends without
// consuming a rotation.
func (r *Rotator) ActiveChain() []string {
	r.mu.Lock()
	chain := append([]SubBackend(nil), r.chain...)
	r.mu.Unlock()

	var names []string
	for _, b := range chain {
		p := b.Provider()
		if p.OAuth && !p.LoggedIn {
			continue
		}
		names = append(names, b.Name())
	}
	return names
}

// CreateChatCompletion picks active backends round-robin and retries up
// to the budget, collecting per-backend errors into one aggregate.
func (r *Rotator) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	active := r.active()
	if len(active) == 0 {
		return nil, apperrors.NewInternalError("no active backends in the rotation chain")
	}

	var failures []string
	for attempt := 0; attempt < r.maxRetry; attempt++ {
		b := active[attempt%len(active)]
		resp, err := b.CreateChatCompletion(ctx, r.requestFor(b, req))
		if err == nil {
			resp.SelectedBackend = b.Name()
			resp.SelectedProvider = b.Provider().Name
			resp.SelectedModel = resp.Model
			r.logger.Debug("request served",
				zap.String("backend", b.Name()),
				zap.Int("attempt", attempt))
			return resp, nil
		}
		r.logger.Warn("backend attempt failed",
			zap.String("backend", b.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		failures = append(failures, fmt.Sprintf("%s: %v", b.Name(), err))
	}

	return nil, apperrors.NewInternalError(fmt.Sprintf(
		"all %d attempts failed: %s", r.maxRetry, strings.Join(failures, "; ")))
}

// requestFor adapts the request for one backend: model falls back to
// the backend default and the g4f provider hint is stripped elsewhere.
func (r *Rotator) requestFor(b SubBackend, req ChatRequest) ChatRequest {
	out := req
	if model, ok := r.defaultModels[b.Name()]; ok && model != "" {
		out.Model = model
	} else if out.Model == "" || out.Model == "auto" {
		if models := b.Models(context.Background()); len(models) > 0 {
			out.Model = models[0]
		}
	}
	if b.Name() != "g4f" {
		out.Provider = ""
	}
	return out
}

// Models returns the deduplicated union of every chain member's models.
func (r *Rotator) Models(ctx context.Context) []string {
	r.mu.Lock()
	chain := append([]SubBackend(nil), r.chain...)
	r.mu.Unlock()

	seen := make(map[string]struct{})
	var models []string
	for _, b := range chain {
		for _, m := range b.Models(ctx) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			models = append(models, m)
		}
	}
	sort.Strings(models)
	return models
}

// Providers returns every chain member's provider info plus the
// synthetic AutoRotate provider describing the rotation itself.
func (r *Rotator) Providers() []ProviderInfo {
	r.mu.Lock()
	chain := append([]SubBackend(nil), r.chain...)
	r.mu.Unlock()

	seen := make(map[string]struct{})
	providers := make([]ProviderInfo, 0, len(chain)+1)
	for _, b := range chain {
		p := b.Provider()
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		providers = append(providers, p)
	}

	providers = append(providers, ProviderInfo{
		Name:        "AutoRotate",
		Rotator:     true,
		Chain:       r.Chain(),
		ActiveChain: r.ActiveChain(),
	})
	return providers
}

// imageGenerator is implemented by backends that can serve raw
// images/generations requests; in practice only the g4f proxy.
type imageGenerator interface {
	CreateImage(ctx context.Context, body []byte) ([]byte, int, error)
}

// CreateImage proxies an images/generations request to the g4f member.
// Without g4f in the chain the operation is unsupported.
func (r *Rotator) CreateImage(ctx context.Context, body []byte) ([]byte, int, error) {
	r.mu.Lock()
	chain := append([]SubBackend(nil), r.chain...)
	r.mu.Unlock()

	for _, b := range chain {
		if b.Name() != "g4f" {
			continue
		}
		gen, ok := b.(imageGenerator)
		if !ok {
			break
		}
		return gen.CreateImage(ctx, body)
	}
	return nil, 0, apperrors.NewInvalidInputError("image generation requires g4f in the backend chain")
}

// SupportsImageGeneration reports whether image requests can be served;
// only the g4f proxy implements them.
func (r *Rotator) SupportsImageGeneration() bool {
	for _, name := range r.Chain() {
		if name == "g4f" {
			return true
		}
	}
	return false
}
