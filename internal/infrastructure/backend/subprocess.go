package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pocketpaw/pocketpaw/gateway/internal/domain/entity"
	"github.com/pocketpaw/pocketpaw/gateway/pkg/safego"
)

const (
	// stderrTailLimit caps the stderr excerpt embedded in error events.
	stderrTailLimit = 200

	// stopGracePeriod is how long SIGTERM gets before SIGKILL.
	stopGracePeriod = 5 * time.Second

	scannerInitialBufSize = 64 * 1024
	scannerMaxBufSize     = 1024 * 1024
)

// argsFunc builds the full argv (excluding the binary) for one run.
type argsFunc func(cfg Config, in RunInput) []string

// Subprocess runs an external CLI in NDJSON output mode and translates
// its stdout into the common event stream. Each run's lifetime is bound
// to its context; Stop tears down whichever process is current and is
// meant for discarding the instance, not for cancelling one turn.
type Subprocess struct {
	logger     *zap.Logger
	cfg        Config
	info       Info
	translator *Translator
	buildArgs  argsFunc

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped atomic.Bool
}

// NewSubprocess 创建子进程后端
func NewSubprocess(cfg Config, logger *zap.Logger, info Info, tr *Translator, buildArgs argsFunc) *Subprocess {
	return &Subprocess{
		logger:     logger.With(zap.String("component", "backend"), zap.String("backend", info.Name)),
		cfg:        cfg,
		info:       info,
		translator: tr,
		buildArgs:  buildArgs,
	}
}

var _ Backend = (*Subprocess)(nil)

// Info returns the static backend description.
func (s *Subprocess) Info() Info {
	return s.info
}

// Run spawns the CLI and streams translated events.
//
// The child runs as leader of a new process group so Stop can terminate
// the whole tree. Stdin is detached; stdout and stderr are piped. The
// returned channel always ends with exactly one done event and is then
// closed.
func (s *Subprocess) Run(ctx context.Context, in RunInput) (<-chan entity.AgentEvent, error) {
	s.stopped.Store(false)

	args := s.buildArgs(s.cfg, in)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		// Global npm installs are batch-wrapped on Windows.
		wrapped := append([]string{"/c", s.cfg.Command}, args...)
		cmd = exec.CommandContext(ctx, "cmd", wrapped...)
	} else {
		cmd = exec.CommandContext(ctx, s.cfg.Command, args...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildEnv(s.cfg.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.logger.Debug("backend process started",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	events := make(chan entity.AgentEvent, 64)
	tail := &stderrTail{limit: stderrTailLimit}

	var wg sync.WaitGroup

	wg.Add(1)
	safego.Go(s.logger, "backend-stdout", func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
		for scanner.Scan() {
			for _, ev := range s.translator.Translate(scanner.Text()) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	})

	wg.Add(1)
	safego.Go(s.logger, "backend-stderr", func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if s.translator.IsTransientStderr(line) {
				continue
			}
			tail.add(line)
		}
	})

	safego.Go(s.logger, "backend-wait", func() {
		defer close(events)
		wg.Wait()
		waitErr := cmd.Wait()

		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()

		if waitErr != nil && !s.stopped.Load() && ctx.Err() == nil {
			msg := fmt.Sprintf("backend exited: %v", waitErr)
			if t := tail.String(); t != "" {
				msg = fmt.Sprintf("%s: %s", msg, t)
			}
			s.logger.Warn("backend process failed", zap.Error(waitErr), zap.String("stderr", tail.String()))
			select {
			case events <- entity.ErrorEvent(msg):
			case <-time.After(time.Second):
			}
		}

		select {
		case events <- entity.DoneEvent():
		case <-time.After(time.Second):
		}
	})

	return events, nil
}

// Stop terminates the in-flight turn's process group. Safe to call
// concurrently with stream consumption, and when nothing is running.
func (s *Subprocess) Stop() {
	s.stopped.Store(true)

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	// Negative pid signals the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	safego.Go(s.logger, "backend-stop-escalate", func() {
		time.Sleep(stopGracePeriod)
		s.mu.Lock()
		still := s.cmd
		s.mu.Unlock()
		if still != nil && still.Process != nil && still.Process.Pid == pid {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	})
}

// buildEnv merges extra vars over the system environment and appends the
// common Unix install prefixes to PATH for batch-installed CLIs.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	path := os.Getenv("PATH")
	for _, p := range []string{"/usr/local/bin", "/opt/homebrew/bin"} {
		if !strings.Contains(path, p) {
			path = path + ":" + p
		}
	}
	return append(env, "PATH="+path)
}

// stderrTail keeps the last N characters of stderr output.
type stderrTail struct {
	mu    sync.Mutex
	buf   strings.Builder
	limit int
}

func (t *stderrTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len() > 0 {
		t.buf.WriteString(" ")
	}
	t.buf.WriteString(line)
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.buf.String()
	if len(s) > t.limit {
		s = s[len(s)-t.limit:]
	}
	return s
}
