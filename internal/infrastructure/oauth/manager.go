package oauth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pocketpaw/pocketpaw/gateway/pkg/errors"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

// Provider 支持设备授权的上游提供商
type Provider string

const (
	ProviderCodex  Provider = "codex"
	ProviderQwen   Provider = "qwen"
	ProviderGemini Provider = "gemini"
)

// State 设备授权会话状态
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Session 一次设备授权会话
type Session struct {
	ID              string    `json:"session_id"`
	Provider        Provider  `json:"provider"`
	VerificationURI string    `json:"verification_uri"`
	UserCode        string    `json:"user_code,omitempty"`
	State           State     `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	LastPolledAt    time.Time `json:"last_polled_at"`
}

const (
	// SessionTTL 会话生存期，超时后懒回收
	SessionTTL = 15 * time.Minute

	// urlCaptureTimeout bounds how long we watch CLI stdout for the
	// verification URL.
	urlCaptureTimeout = 30 * time.Second
)

// providerSpec describes how to drive one provider's CLI and where the
// CLI writes its credentials. The Manager never writes the credentials
// file; the CLI is the single writer.
type providerSpec struct {
	command   string
	args      []string
	credsPath string // relative to home
}

func defaultSpecs() map[Provider]providerSpec {
	return map[Provider]providerSpec{
		ProviderCodex:  {command: "codex", args: []string{"login"}, credsPath: filepath.Join(".codex", "auth.json")},
		ProviderQwen:   {command: "qwen", args: []string{"login"}, credsPath: filepath.Join(".qwen", "oauth_creds.json")},
		ProviderGemini: {command: "gemini", args: []string{"login"}, credsPath: filepath.Join(".gemini", "oauth_creds.json")},
	}
}

var (
	urlPattern      = regexp.MustCompile(`https://\S+`)
	userCodePattern = regexp.MustCompile(`\b[A-Z0-9]{4}-[A-Z0-9]{4}\b`)
)

// Manager 设备授权会话管理器
//
// Sessions live in memory only. Completion is observed, not pushed: a
// poll reads the provider's credentials file and flips the session to
// completed when a usable token appears.
type Manager struct {
	logger *zap.Logger
	home   string
	specs  map[Provider]providerSpec
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option 管理器配置项
type Option func(*Manager)

// WithHome overrides the home directory used to locate credential files.
func WithHome(dir string) Option {
	return func(m *Manager) { m.home = dir }
}

// WithCommand overrides one provider's CLI invocation.
func WithCommand(p Provider, command string, args ...string) Option {
	return func(m *Manager) {
		spec := m.specs[p]
		spec.command = command
		spec.args = args
		m.specs[p] = spec
	}
}

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建设备授权管理器
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	home, _ := os.UserHomeDir()
	m := &Manager{
		logger:   logger.With(zap.String("component", "oauth-manager")),
		home:     home,
		specs:    defaultSpecs(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartDeviceAuth spawns the provider CLI in device-flow mode and
// returns the session as soon as the verification URL is captured from
// its stdout. The CLI keeps running in the background; completion is
// observed later via Status.
func (m *Manager) StartDeviceAuth(ctx context.Context, provider Provider) (*Session, error) {
	spec, ok := m.specs[provider]
	if !ok {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown oauth provider: %s", provider))
	}

	session := &Session{
		ID:        uuid.NewString(),
		Provider:  provider,
		State:     StatePending,
		StartedAt: m.now(),
	}

	cmd := exec.Command(spec.command, spec.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("stdout pipe", err)
	}
	cmd.Stderr = cmd.Stdout // CLIs print the URL on either stream

	if err := cmd.Start(); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("start "+spec.command, err)
	}

	type captured struct {
		url  string
		code string
	}
	urlCh := make(chan captured, 1)

	safego.Go(m.logger, "oauth-stdout-"+string(provider), func() {
		defer cmd.Wait()
		scanner := bufio.NewScanner(stdout)
		var found captured
		for scanner.Scan() {
			line := scanner.Text()
			if found.url == "" {
				if u := urlPattern.FindString(line); u != "" {
					found.url = strings.TrimRight(u, ".,)")
				}
			}
			if found.code == "" {
				found.code = userCodePattern.FindString(line)
			}
			if found.url != "" {
				select {
				case urlCh <- found:
				default:
				}
				// Keep draining so the child never blocks on a full pipe.
			}
		}
	})

	select {
	case got := <-urlCh:
		session.VerificationURI = got.url
		session.UserCode = got.code
	case <-time.After(urlCaptureTimeout):
		_ = cmd.Process.Kill()
		return nil, apperrors.NewTimeoutError(fmt.Sprintf("%s login printed no verification URL", provider))
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.logger.Info("device auth started",
		zap.String("provider", string(provider)),
		zap.String("session", session.ID))

	copied := *session
	return &copied, nil
}

// Status polls one session. Idempotent; polling may transition
// pending → completed (credentials file observed) or pending → expired
// (TTL passed). Expired sessions are garbage-collected lazily here.
func (m *Manager) Status(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gcLocked()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NewNotFoundError("oauth session " + sessionID)
	}

	session.LastPolledAt = m.now()

	if session.State == StatePending {
		if m.now().Sub(session.StartedAt) > SessionTTL {
			session.State = StateExpired
		} else if m.credentialsValid(session.Provider) {
			session.State = StateCompleted
		}
	}

	copied := *session
	return &copied, nil
}

// LoggedIn reports whether a provider currently has usable credentials,
// independent of any session.
func (m *Manager) LoggedIn(provider Provider) bool {
	return m.credentialsValid(provider)
}

// gcLocked drops sessions whose TTL passed long ago. Caller holds mu.
func (m *Manager) gcLocked() {
	cutoff := m.now().Add(-2 * SessionTTL)
	for id, s := range m.sessions {
		if s.StartedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

// credentials is the superset of the provider credential file shapes.
type credentials struct {
	AccessToken string `json:"access_token"`
	ExpiryDate  int64  `json:"expiry_date"` // ms since epoch, 0 = no expiry
	Tokens      *struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens"`
}

func (m *Manager) credentialsValid(provider Provider) bool {
	spec, ok := m.specs[provider]
	if !ok {
		return false
	}
	data, err := os.ReadFile(filepath.Join(m.home, spec.credsPath))
	if err != nil {
		return false
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return false
	}

	token := creds.AccessToken
	if token == "" && creds.Tokens != nil {
		token = creds.Tokens.AccessToken
	}
	if token == "" {
		return false
	}
	if creds.ExpiryDate != 0 && time.UnixMilli(creds.ExpiryDate).Before(m.now()) {
		return false
	}
	return true
}
