package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/memory"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/actor"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/backend"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/bus"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/plugin"
	"github.com/pocketpaw/pocketpaw/gateway/internal/infrastructure/prompt"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

const (
	// DefaultMaxConcurrent caps backend turns in flight across all
	// sessions; within one session turns are strictly serial.
	DefaultMaxConcurrent = 4

	sessionQueueSize = 16

	// searchResultHeader marks a web-search tool result whose first line
	// is worth showing inline in the chat stream.
	searchResultHeader = "PocketPaw - Search "
)

// Loop is the single consumer of the inbound bus channel. It decides,
// per message, between slash commands, local plugin intents, and a full
// backend turn, and fans backend events out to the outbound and system
// channels.
type Loop struct {
	logger        *zap.Logger
	bus           *bus.Bus
	memory        *memory.Store
	router        *Router
	supervisor    *plugin.Supervisor
	actor         *actor.Runner
	switchBackend func(name string) error
	identity      string

	sem chan struct{}

	mu      sync.Mutex
	queues  map[string]chan entity.InboundMessage
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// LoopOption Agent Loop 配置项
type LoopOption func(*Loop)

// WithIdentity overrides the system prompt identity block.
func WithIdentity(identity string) LoopOption {
	return func(l *Loop) { l.identity = identity }
}

// WithActor enables the `fetch <url>` scraping intent.
func WithActor(runner *actor.Runner) LoopOption {
	return func(l *Loop) { l.actor = runner }
}

// WithBackendSwitcher enables `/backend <name>`. The callback mutates
// the backend setting and resets the router.
func WithBackendSwitcher(fn func(name string) error) LoopOption {
	return func(l *Loop) { l.switchBackend = fn }
}

// WithMaxConcurrent caps concurrently running backend turns.
func WithMaxConcurrent(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.sem = make(chan struct{}, n)
		}
	}
}

// NewLoop 创建 Agent Loop
func NewLoop(logger *zap.Logger, b *bus.Bus, mem *memory.Store, router *Router, supervisor *plugin.Supervisor, opts ...LoopOption) *Loop {
	l := &Loop{
		logger:     logger.With(zap.String("component", "agent-loop")),
		bus:        b,
		memory:     mem,
		router:     router,
		supervisor: supervisor,
		identity:   prompt.DefaultIdentity,
		sem:        make(chan struct{}, DefaultMaxConcurrent),
		queues:     make(map[string]chan entity.InboundMessage),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start consumes inbound messages until ctx is cancelled or the bus
// closes. Returns after all per-session workers have drained.
func (l *Loop) Start(ctx context.Context) {
	l.logger.Info("agent loop started")
	inbound := l.bus.ConsumeInbound()
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.logger.Info("agent loop stopped")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.wg.Wait()
				l.logger.Info("agent loop stopped, bus closed")
				return
			}
			l.dispatch(ctx, msg)
		}
	}
}

// dispatch routes one message to its session worker. /stop bypasses the
// queue: cancelling a turn must not wait behind the turn it cancels.
func (l *Loop) dispatch(ctx context.Context, msg entity.InboundMessage) {
	if strings.TrimSpace(msg.Content) == "/stop" {
		if l.cancelTurn(msg.Session) {
			l.respond(msg.Session, "Stopping the current reply.")
		} else {
			l.respond(msg.Session, "Nothing is running for this conversation.")
		}
		return
	}

	key := msg.Session.String()

	l.mu.Lock()
	q, ok := l.queues[key]
	if !ok {
		q = make(chan entity.InboundMessage, sessionQueueSize)
		l.queues[key] = q
		l.wg.Add(1)
		safego.Go(l.logger, "session-worker-"+key, func() {
			defer l.wg.Done()
			l.sessionWorker(ctx, q)
		})
	}
	l.mu.Unlock()

	select {
	case q <- msg:
	default:
		l.logger.Warn("session queue full, dropping message",
			zap.String("session", key),
			zap.String("trace_id", msg.TraceID))
		l.respond(msg.Session, "Too many pending messages for this conversation, please wait.")
	}
}

// sessionWorker serializes turns for one session: at most one in flight.
func (l *Loop) sessionWorker(ctx context.Context, q <-chan entity.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			select {
			case l.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.handleMessage(ctx, msg)
			<-l.sem
		}
	}
}

// handleMessage runs one full turn. A panic anywhere inside becomes an
// error system event plus a stream end, never a dead worker.
func (l *Loop) handleMessage(ctx context.Context, msg entity.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("turn panicked",
				zap.String("session", msg.Session.String()),
				zap.Any("panic", r))
			l.bus.PublishSystem(entity.SystemEvent{
				Session: msg.Session,
				Type:    entity.SystemEventError,
				Payload: map[string]any{"error": fmt.Sprint(r)},
			})
			l.bus.PublishOutbound(entity.OutboundMessage{Session: msg.Session, IsStreamEnd: true})
		}
	}()

	if resp, handled := l.handleCommand(msg); handled {
		l.respond(msg.Session, resp)
		return
	}
	if resp, handled := l.handleIntent(ctx, msg.Content); handled {
		l.respond(msg.Session, resp)
		return
	}

	l.runBackendTurn(ctx, msg)
}

func (l *Loop) runBackendTurn(ctx context.Context, msg entity.InboundMessage) {
	start := time.Now()

	if _, err := l.memory.AddToSession(ctx, msg.Session, entity.RoleUser, msg.Content); err != nil {
		l.logger.Error("failed to record user turn",
			zap.String("session", msg.Session.String()), zap.Error(err))
	}

	history, err := l.memory.CompactedHistory(ctx, msg.Session)
	if err != nil {
		l.logger.Error("failed to load history",
			zap.String("session", msg.Session.String()), zap.Error(err))
		history = nil
	}
	// The current user message travels in RunInput.Message, not History.
	if n := len(history); n > 0 && history[n-1].Role == entity.RoleUser && history[n-1].Content == msg.Content {
		history = history[:n-1]
	}

	systemPrompt := l.buildSystemPrompt(msg.Session.Channel)

	turnCtx, cancel := context.WithCancel(ctx)
	l.registerTurn(msg.Session, cancel)
	defer l.unregisterTurn(msg.Session, cancel)

	events := l.router.Run(turnCtx, backend.RunInput{
		Message:      msg.Content,
		SystemPrompt: systemPrompt,
		History:      history,
		Session:      msg.Session,
	})

	var assistant strings.Builder
	done := false
	for ev := range events {
		if done {
			// Anything after the terminal event is a backend bug; drop it.
			continue
		}
		switch ev.Type {
		case entity.EventMessage:
			assistant.WriteString(ev.Content)
			l.bus.PublishOutbound(entity.OutboundMessage{
				Session:       msg.Session,
				Content:       ev.Content,
				IsStreamChunk: true,
			})

		case entity.EventThinking:
			l.publishSystem(msg.Session, entity.SystemEventThinking, map[string]any{"text": ev.Content})

		case entity.EventToolUse:
			l.publishSystem(msg.Session, entity.SystemEventToolStart, payloadWithContent(ev))

		case entity.EventToolResult:
			l.publishSystem(msg.Session, entity.SystemEventToolResult, payloadWithContent(ev))
			if line, ok := searchHeaderLine(ev.Content); ok {
				l.bus.PublishOutbound(entity.OutboundMessage{
					Session:       msg.Session,
					Content:       line + "\n",
					IsStreamChunk: true,
				})
			}

		case entity.EventTokenUsage:
			l.publishSystem(msg.Session, entity.SystemEventTokenUsage, ev.Metadata)

		case entity.EventError:
			l.logger.Warn("backend error event",
				zap.String("session", msg.Session.String()),
				zap.String("error", ev.Content))
			l.publishSystem(msg.Session, entity.SystemEventError, map[string]any{"error": ev.Content})

		case entity.EventDone:
			done = true
		}
	}

	l.bus.PublishOutbound(entity.OutboundMessage{Session: msg.Session, IsStreamEnd: true})

	if reply := assistant.String(); reply != "" {
		if _, err := l.memory.AddToSession(ctx, msg.Session, entity.RoleAssistant, reply); err != nil {
			l.logger.Error("failed to record assistant turn",
				zap.String("session", msg.Session.String()), zap.Error(err))
		}
	}

	l.logger.Debug("turn finished",
		zap.String("session", msg.Session.String()),
		zap.String("trace_id", msg.TraceID),
		zap.Duration("elapsed", time.Since(start)))
}

func (l *Loop) buildSystemPrompt(channel string) string {
	var backends []prompt.BackendCapability
	if info, err := l.router.ActiveInfo(); err == nil {
		backends = append(backends, prompt.BackendCapability{
			Name:        info.Name,
			Description: strings.Join(info.BuiltinTools, ", "),
			Streaming:   info.Capabilities.Has(backend.CapStreaming),
		})
	}
	return prompt.BuildContext(prompt.BuildInput{
		Identity: l.identity,
		Channel:  channel,
		Backends: backends,
		Facts:    l.memory.Facts(prompt.DefaultMaxFacts),
		Now:      time.Now(),
	})
}

// respond sends a complete (non-streamed) reply followed by the stream
// end marker, so channel adapters handle canned and backend replies
// uniformly.
func (l *Loop) respond(session entity.SessionKey, text string) {
	l.bus.PublishOutbound(entity.OutboundMessage{Session: session, Content: text})
	l.bus.PublishOutbound(entity.OutboundMessage{Session: session, IsStreamEnd: true})
}

func (l *Loop) publishSystem(session entity.SessionKey, t entity.SystemEventType, payload map[string]any) {
	l.bus.PublishSystem(entity.SystemEvent{Session: session, Type: t, Payload: payload})
}

func (l *Loop) registerTurn(session entity.SessionKey, cancel context.CancelFunc) {
	l.mu.Lock()
	l.cancels[session.String()] = cancel
	l.mu.Unlock()
}

func (l *Loop) unregisterTurn(session entity.SessionKey, cancel context.CancelFunc) {
	l.mu.Lock()
	if l.cancels[session.String()] != nil {
		delete(l.cancels, session.String())
	}
	l.mu.Unlock()
	cancel()
}

// cancelTurn cancels the in-flight turn for one session only. The turn
// context kills that turn's backend process; other sessions running
// through the same backend instance are untouched.
func (l *Loop) cancelTurn(session entity.SessionKey) bool {
	l.mu.Lock()
	cancel, ok := l.cancels[session.String()]
	delete(l.cancels, session.String())
	l.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

func payloadWithContent(ev entity.AgentEvent) map[string]any {
	payload := make(map[string]any, len(ev.Metadata)+1)
	for k, v := range ev.Metadata {
		payload[k] = v
	}
	if ev.Content != "" {
		payload["content"] = ev.Content
	}
	return payload
}

// searchHeaderLine extracts the first line of a web-search tool result.
func searchHeaderLine(content string) (string, bool) {
	if !strings.HasPrefix(content, searchResultHeader) {
		return "", false
	}
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		return content[:idx], true
	}
	return content, true
}
