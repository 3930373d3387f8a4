package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/pocketpaw/pocketpaw/gateway/pkg/errors"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

const (
	pidFileName         = ".pocketpaw.pid"
	logFileName         = ".pocketpaw.log"
	chatHistoryFileName = "chat_history.json"

	stopHookTimeout  = 10 * time.Second
	stopGraceTimeout = 5 * time.Second
	probeTimeout     = 2 * time.Second
	proxyTimeout     = 120 * time.Second
)

// StopResult 停止操作的结局
type StopResult string

const (
	StopStopped    StopResult = "stopped"
	StopNotRunning StopResult = "not_running"
	// StopAmbiguous: the only evidence of the plugin running is a
	// listening port that another installed plugin also declares.
	// Killing by port alone could hit the wrong process.
	StopAmbiguous StopResult = "ambiguous"
)

// StopOutcome 停止操作的结构化结果
// Message explains the status in operator terms; for StopAmbiguous it
// names the port and the other plugins claiming it.
type StopOutcome struct {
	Status  StopResult `json:"status"`
	Message string     `json:"message"`
}

// handle is the in-memory record of one launched plugin process.
type handle struct {
	pid        int
	cmd        *exec.Cmd
	launchedAt time.Time

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (h *handle) markExited(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = true
	h.exitCode = code
}

func (h *handle) isLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Status 插件清单加运行状态
type Status struct {
	Manifest   *Manifest  `json:"manifest"`
	Running    bool       `json:"running"`
	PID        int        `json:"pid,omitempty"`
	LaunchedAt *time.Time `json:"launched_at,omitempty"`
}

// ConnectionReport is the result of probing a plugin's HTTP surface.
type ConnectionReport struct {
	Healthy          bool   `json:"healthy"`
	SelectedBackend  string `json:"selected_backend,omitempty"`
	SelectedProvider string `json:"selected_provider,omitempty"`
	SelectedModel    string `json:"selected_model,omitempty"`
}

// Supervisor owns the plugin runtime table. It is the single writer of
// running processes, PID files, and plugin directories; everyone else
// goes through its API.
type Supervisor struct {
	logger    *zap.Logger
	registry  *Registry
	installer *Installer
	host      string
	client    *http.Client

	mu      sync.Mutex
	running map[string]*handle
}

// NewSupervisor 创建插件监督器
func NewSupervisor(registry *Registry, installer *Installer, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger:    logger.With(zap.String("component", "plugin-supervisor")),
		registry:  registry,
		installer: installer,
		host:      "127.0.0.1",
		client:    &http.Client{Timeout: probeTimeout},
		running:   make(map[string]*handle),
	}
}

// Registry exposes the manifest registry.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Install delegates to the installer.
func (s *Supervisor) Install(ctx context.Context, source string) (string, error) {
	return s.installer.Install(ctx, source)
}

// ListStatus returns every installed plugin with its runtime status.
func (s *Supervisor) ListStatus() []Status {
	manifests := s.registry.List()
	out := make([]Status, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, s.statusOf(m))
	}
	return out
}

// GetStatus returns one plugin's manifest and runtime status.
func (s *Supervisor) GetStatus(id string) (Status, error) {
	m, err := s.registry.Get(id)
	if err != nil {
		return Status{}, err
	}
	return s.statusOf(m), nil
}

func (s *Supervisor) statusOf(m *Manifest) Status {
	st := Status{Manifest: m, Running: s.IsRunning(m.ID)}
	s.mu.Lock()
	if h, ok := s.running[m.ID]; ok && h.isLive() {
		st.PID = h.pid
		t := h.launchedAt
		st.LaunchedAt = &t
	}
	s.mu.Unlock()
	return st
}

// Launch starts the plugin's process as leader of a new process group,
// with stdout/stderr appended to the plugin log file and the PID written
// through to the PID file. Returns as soon as the process starts; it
// does not wait for readiness.
func (s *Supervisor) Launch(id string) error {
	m, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if !m.Launchable() {
		return apperrors.NewInvalidInputError("plugin " + id + " has no start_cmd")
	}
	if s.IsRunning(id) {
		return apperrors.NewAlreadyExistsError("plugin " + id + " already running")
	}

	dir := s.registry.PluginDir(id)
	logFile, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("open plugin log", err)
	}

	cmd := exec.Command("/bin/sh", "-c", m.StartCmd)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}
	if m.Port != 0 {
		env = append(env, "PORT="+strconv.Itoa(m.Port))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return apperrors.NewInternalErrorWithCause("start plugin", err)
	}

	h := &handle{pid: cmd.Process.Pid, cmd: cmd, launchedAt: time.Now()}
	s.mu.Lock()
	s.running[id] = h
	s.mu.Unlock()

	pidPath := filepath.Join(dir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(h.pid)), 0o644); err != nil {
		s.logger.Warn("failed to write pid file", zap.String("plugin", id), zap.Error(err))
	}

	s.logger.Info("plugin launched",
		zap.String("plugin", id),
		zap.Int("pid", h.pid),
		zap.Int("port", m.Port))

	safego.Go(s.logger, "plugin-wait-"+id, func() {
		defer logFile.Close()
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		h.markExited(code)
		s.logger.Info("plugin exited", zap.String("plugin", id), zap.Int("exit_code", code))
	})

	return nil
}

// IsRunning decides whether the plugin is up:
//
//  1. live in-memory handle,
//  2. else PID file pointing at a live process,
//  3. else a TCP listener on the manifest port — counted only when no
//     other installed plugin declares the same port. A shared port is
//     never attributed to a plugin.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	h, ok := s.running[id]
	s.mu.Unlock()
	if ok && h.isLive() {
		return true
	}

	if pid, ok := s.readPIDFile(id); ok && pidAlive(pid) {
		return true
	}

	m, err := s.registry.Get(id)
	if err != nil || m.Port == 0 {
		return false
	}
	if !portListening(s.host, m.Port) {
		return false
	}
	return len(s.registry.PortOwners(m.Port)) == 1
}

// Stop terminates the plugin. Safe to call when not running.
//
// When the port-only heuristic is the sole evidence and the port is
// shared between installed plugins, it returns StopAmbiguous and kills
// nothing.
func (s *Supervisor) Stop(ctx context.Context, id string) (StopOutcome, error) {
	m, err := s.registry.Get(id)
	if err != nil {
		return StopOutcome{Status: StopNotRunning}, err
	}

	s.mu.Lock()
	h, hasHandle := s.running[id]
	s.mu.Unlock()
	if hasHandle && !h.isLive() {
		hasHandle = false
	}

	pid, hasPID := s.readPIDFile(id)
	if hasPID && !pidAlive(pid) {
		hasPID = false
	}

	if !hasHandle && !hasPID {
		if m.Port != 0 && portListening(s.host, m.Port) {
			owners := s.registry.PortOwners(m.Port)
			if len(owners) > 1 {
				others := make([]string, 0, len(owners)-1)
				for _, o := range owners {
					if o != id {
						others = append(others, o)
					}
				}
				s.logger.Warn("refusing port-only stop of shared port",
					zap.String("plugin", id),
					zap.Int("port", m.Port),
					zap.Strings("owners", owners))
				return StopOutcome{
					Status: StopAmbiguous,
					Message: fmt.Sprintf("plugin %s shares port %d with %s; killing by port alone could hit the wrong process",
						id, m.Port, strings.Join(others, ", ")),
				}, nil
			}
			// Unique port but no PID to signal: the stop hook is all we have.
			s.runStopHook(ctx, m)
			s.cleanup(id)
			return StopOutcome{Status: StopStopped, Message: "stop hook invoked, no process to signal"}, nil
		}
		s.cleanup(id)
		return StopOutcome{Status: StopNotRunning, Message: "plugin " + id + " is not running"}, nil
	}

	s.runStopHook(ctx, m)

	targetPID := pid
	if hasHandle {
		targetPID = h.pid
	}

	// Terminate the whole group, then escalate.
	_ = syscall.Kill(-targetPID, syscall.SIGTERM)
	deadline := time.Now().Add(stopGraceTimeout)
	for time.Now().Before(deadline) {
		if !pidAlive(targetPID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if pidAlive(targetPID) {
		s.logger.Warn("plugin did not exit in time, killing",
			zap.String("plugin", id),
			zap.Int("pid", targetPID))
		_ = syscall.Kill(-targetPID, syscall.SIGKILL)
	}

	s.cleanup(id)
	s.logger.Info("plugin stopped", zap.String("plugin", id))
	return StopOutcome{Status: StopStopped, Message: "plugin " + id + " stopped"}, nil
}

func (s *Supervisor) runStopHook(ctx context.Context, m *Manifest) {
	if m.StopCmd == "" {
		return
	}
	hookCtx, cancel := context.WithTimeout(ctx, stopHookTimeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "/bin/sh", "-c", m.StopCmd)
	cmd.Dir = s.registry.PluginDir(m.ID)
	if err := cmd.Run(); err != nil {
		s.logger.Debug("stop hook failed", zap.String("plugin", m.ID), zap.Error(err))
	}
}

func (s *Supervisor) cleanup(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	_ = os.Remove(filepath.Join(s.registry.PluginDir(id), pidFileName))
}

// Remove stops the plugin if needed and deletes its directory.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	if err := validatePluginID(id); err != nil {
		return err
	}
	dir := s.registry.PluginDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return apperrors.NewNotFoundError("plugin " + id)
	}

	if s.IsRunning(id) {
		if outcome, err := s.Stop(ctx, id); err != nil {
			return err
		} else if outcome.Status == StopAmbiguous {
			return apperrors.NewAmbiguousError(outcome.Message)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return apperrors.NewInternalErrorWithCause("remove plugin dir", err)
	}
	s.logger.Info("plugin removed", zap.String("plugin", id))
	return nil
}

// ChatHistory reads the plugin's private chat history file. A missing
// file is an empty history, not an error.
func (s *Supervisor) ChatHistory(id string) (json.RawMessage, error) {
	if err := validatePluginID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.registry.PluginDir(id), chatHistoryFileName))
	if os.IsNotExist(err) {
		return json.RawMessage("[]"), nil
	}
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("read chat history", err)
	}
	return json.RawMessage(data), nil
}

// SaveChatHistory overwrites the plugin's private chat history file.
func (s *Supervisor) SaveChatHistory(id string, history json.RawMessage) error {
	if err := validatePluginID(id); err != nil {
		return err
	}
	if !json.Valid(history) {
		return apperrors.NewInvalidInputError("chat history is not valid JSON")
	}
	path := filepath.Join(s.registry.PluginDir(id), chatHistoryFileName)
	if err := os.WriteFile(path, history, 0o644); err != nil {
		return apperrors.NewInternalErrorWithCause("write chat history", err)
	}
	return nil
}

// FetchModels lists the plugin's /v1/models. Returns an empty list when
// the plugin is not running; never errors for that case.
func (s *Supervisor) FetchModels(ctx context.Context, id string) []json.RawMessage {
	return s.fetchList(ctx, id, "/v1/models")
}

// FetchProviders lists the plugin's /v1/providers, same contract as
// FetchModels.
func (s *Supervisor) FetchProviders(ctx context.Context, id string) []json.RawMessage {
	return s.fetchList(ctx, id, "/v1/providers")
}

func (s *Supervisor) fetchList(ctx context.Context, id, path string) []json.RawMessage {
	m, err := s.registry.Get(id)
	if err != nil || m.Port == 0 || !s.IsRunning(id) {
		return []json.RawMessage{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pluginURL(m, path), nil)
	if err != nil {
		return []json.RawMessage{}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return []json.RawMessage{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return []json.RawMessage{}
	}

	var payload struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return []json.RawMessage{}
	}
	if payload.Data == nil {
		return []json.RawMessage{}
	}
	return payload.Data
}

// TestConnection probes /health and, for provider-routing plugins, one
// chat request to learn which backend the rotator selected.
func (s *Supervisor) TestConnection(ctx context.Context, id string) (*ConnectionReport, error) {
	m, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if m.Port == 0 {
		return nil, apperrors.NewInvalidInputError("plugin " + id + " has no port")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pluginURL(m, "/health"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &ConnectionReport{Healthy: false}, nil
	}
	resp.Body.Close()
	report := &ConnectionReport{Healthy: resp.StatusCode == http.StatusOK}
	if !report.Healthy {
		return report, nil
	}

	// Rotator plugins answer a probe with their selection metadata.
	probe, _ := json.Marshal(map[string]any{
		"model":    "auto",
		"messages": []map[string]string{{"role": "user", "content": "ping"}},
	})
	body, status, err := s.ChatCompletionProxy(ctx, id, probe)
	if err != nil || status != http.StatusOK {
		return report, nil
	}
	var selection struct {
		SelectedBackend  string `json:"selected_backend"`
		SelectedProvider string `json:"selected_provider"`
		SelectedModel    string `json:"selected_model"`
	}
	if json.Unmarshal(body, &selection) == nil {
		report.SelectedBackend = selection.SelectedBackend
		report.SelectedProvider = selection.SelectedProvider
		report.SelectedModel = selection.SelectedModel
	}
	return report, nil
}

// ChatCompletionProxy forwards an OpenAI-format request to the plugin and
// returns the raw body and status code.
func (s *Supervisor) ChatCompletionProxy(ctx context.Context, id string, body []byte) ([]byte, int, error) {
	m, err := s.registry.Get(id)
	if err != nil {
		return nil, 0, err
	}
	if m.Port == 0 {
		return nil, 0, apperrors.NewInvalidInputError("plugin " + id + " has no port")
	}

	proxyCtx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(proxyCtx, http.MethodPost,
		s.pluginURL(m, "/v1/chat/completions"), strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: proxyTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("plugin %s unreachable: %w", id, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

func (s *Supervisor) pluginURL(m *Manifest, path string) string {
	return fmt.Sprintf("http://%s:%d%s", s.host, m.Port, path)
}

func (s *Supervisor) readPIDFile(id string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(s.registry.PluginDir(id), pidFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes a PID with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func portListening(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
