package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/repository"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

// DefaultMaxTurns 压缩后保留的最大轮次数
const DefaultMaxTurns = 40

// DefaultFlushInterval 写回磁盘的最大延迟
const DefaultFlushInterval = 5 * time.Second

// Store 会话记忆存储
//
// All reads and writes go through an in-process cache; the repository is
// written behind with at most FlushInterval of lag. A turn accepted by
// AddToSession is visible to the next CompactedHistory call immediately,
// before any flush happens.
type Store struct {
	logger *zap.Logger
	repo   repository.TurnRepository

	maxTurns      int
	flushInterval time.Duration

	mu      sync.Mutex
	cache   map[string][]entity.Turn // key: SessionKey.String()
	pending map[string][]entity.Turn // not yet flushed to repo
	loaded  map[string]bool
	facts   []string
	lastAt  time.Time // monotonic CreatedAt floor

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// Option 存储配置项
type Option func(*Store)

// WithMaxTurns 设置压缩后保留的轮次数
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithFlushInterval 设置写回间隔
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// NewStore 创建记忆存储
// repo 可以为 nil（纯内存模式，测试或无数据库运行）。
func NewStore(logger *zap.Logger, repo repository.TurnRepository, opts ...Option) *Store {
	s := &Store{
		logger:        logger.With(zap.String("component", "memory-store")),
		repo:          repo,
		maxTurns:      DefaultMaxTurns,
		flushInterval: DefaultFlushInterval,
		cache:         make(map[string][]entity.Turn),
		pending:       make(map[string][]entity.Turn),
		loaded:        make(map[string]bool),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.repo != nil {
		safego.Go(s.logger, "memory-flush", s.flushLoop)
	} else {
		close(s.doneCh)
	}
	return s
}

// ResolveSessionKey 归一化会话键
//
// Accepts "channel:chat_id" or a bare chat id (mapped to the "direct"
// channel). Resolving an already-resolved key returns it unchanged.
func (s *Store) ResolveSessionKey(raw string) (entity.SessionKey, error) {
	return entity.ParseSessionKey(raw)
}

// AddToSession 追加一条轮次到会话
//
// CreatedAt is assigned here and is strictly monotonic across all
// sessions, so interleaved turns keep a stable global order even when
// the wall clock does not advance between calls.
func (s *Store) AddToSession(ctx context.Context, key entity.SessionKey, role entity.TurnRole, content string) (entity.Turn, error) {
	turn, err := entity.NewTurn(role, content)
	if err != nil {
		return entity.Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(ctx, key); err != nil {
		return entity.Turn{}, err
	}

	now := time.Now().UTC()
	if !now.After(s.lastAt) {
		now = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = now
	turn.CreatedAt = now

	k := key.String()
	s.cache[k] = append(s.cache[k], turn)
	if s.repo != nil {
		s.pending[k] = append(s.pending[k], turn)
	}
	return turn, nil
}

// CompactedHistory 返回压缩后的会话历史
//
// When raw history grows past twice maxTurns, the oldest half is folded
// into a single synthetic assistant summary turn and only the newest
// maxTurns turns are returned. Compaction is applied at read time and is
// idempotent: a compacted history read again compacts to itself.
func (s *Store) CompactedHistory(ctx context.Context, key entity.SessionKey) ([]entity.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(ctx, key); err != nil {
		return nil, err
	}

	raw := s.cache[key.String()]
	if len(raw) <= 2*s.maxTurns {
		out := make([]entity.Turn, len(raw))
		copy(out, raw)
		return out, nil
	}

	fold := raw[:len(raw)-s.maxTurns]
	keep := raw[len(raw)-s.maxTurns:]

	summary := entity.Turn{
		Role:      entity.RoleAssistant,
		Content:   summarize(fold),
		CreatedAt: fold[len(fold)-1].CreatedAt,
	}

	compacted := make([]entity.Turn, 0, len(keep)+1)
	compacted = append(compacted, summary)
	compacted = append(compacted, keep...)

	// Persisted history stays raw; only the view is folded.
	return compacted, nil
}

// Reset 清空某个会话的缓存历史
// The persisted rows are left in place for audit; new reads start empty.
func (s *Store) Reset(key entity.SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	delete(s.cache, k)
	delete(s.pending, k)
	s.loaded[k] = true
}

// RememberFact 记录一条长期事实
func (s *Store) RememberFact(fact string) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f == fact {
			return
		}
	}
	s.facts = append(s.facts, fact)
}

// Facts 返回长期事实列表（最多 limit 条，0 表示全部）
func (s *Store) Facts(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	facts := s.facts
	if limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	out := make([]string, len(facts))
	copy(out, facts)
	return out
}

// Flush 立即写回所有待持久化轮次
func (s *Store) Flush(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string][]entity.Turn)
	s.mu.Unlock()

	var firstErr error
	for k, turns := range batch {
		key, err := entity.ParseSessionKey(k)
		if err != nil {
			continue
		}
		if err := s.repo.Append(ctx, key, turns); err != nil {
			s.logger.Warn("flush failed, re-queueing turns",
				zap.String("session", k),
				zap.Int("turns", len(turns)),
				zap.Error(err))
			s.mu.Lock()
			s.pending[k] = append(turns, s.pending[k]...)
			s.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close 停止写回协程并做最后一次落盘
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	<-s.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Flush(ctx)
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.flushInterval)
			_ = s.Flush(ctx)
			cancel()
		case <-s.closeCh:
			return
		}
	}
}

// ensureLoadedLocked 懒加载会话历史到缓存，调用方必须持有 s.mu
func (s *Store) ensureLoadedLocked(ctx context.Context, key entity.SessionKey) error {
	k := key.String()
	if s.loaded[k] || s.repo == nil {
		s.loaded[k] = true
		return nil
	}

	turns, err := s.repo.History(ctx, key)
	if err != nil {
		return fmt.Errorf("load session history: %w", err)
	}
	if len(turns) > 0 {
		s.cache[k] = turns
		last := turns[len(turns)-1].CreatedAt
		if last.After(s.lastAt) {
			s.lastAt = last
		}
	}
	s.loaded[k] = true
	return nil
}

// summarize 把被折叠的轮次压成一条概要
func summarize(turns []entity.Turn) string {
	var b strings.Builder
	b.WriteString("[Earlier conversation summary]\n")

	userCount := 0
	for _, t := range turns {
		if t.Role == entity.RoleUser {
			userCount++
		}
	}
	fmt.Fprintf(&b, "%d earlier turns (%d from the user) were condensed. Recent topics:\n", len(turns), userCount)

	// Keep the tail of the folded region, it carries the freshest context.
	start := len(turns) - 6
	if start < 0 {
		start = 0
	}
	for _, t := range turns[start:] {
		line := t.Content
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Role, line)
	}
	return strings.TrimRight(b.String(), "\n")
}
