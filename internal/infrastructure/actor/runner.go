package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 抓取执行器配置
type Config struct {
	WorkDir     string        // 工作目录
	Timeout     time.Duration // 单个任务超时
	Fingerprint string        // 浏览器指纹描述，透传给子进程
	ProxyURL    string        // 出口代理
	PythonEnv   string        // venv 根目录，bin/ 会前置到 PATH
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp/pocketpaw-actor"
	}
	return &Config{
		WorkDir: filepath.Join(home, ".pocketpaw", "actor"),
		Timeout: 120 * time.Second,
	}
}

// Job one scraping task: a script or binary whose stdout is the result.
type Job struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Result 任务执行结果
type Result struct {
	JobID    string        `json:"job_id"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Killed   bool          `json:"killed"`
}

// Output decodes the job's stdout as JSON when possible, otherwise
// returns it as a plain string payload.
func (r *Result) Output() any {
	var decoded any
	if json.Unmarshal([]byte(r.Stdout), &decoded) == nil {
		return decoded
	}
	return r.Stdout
}

// Runner executes scraping jobs as leaders of their own process group,
// with the fingerprint and proxy passed through the environment. It
// provides process isolation and timeouts, not filesystem isolation.
type Runner struct {
	config *Config
	logger *zap.Logger
}

// NewRunner 创建执行器
func NewRunner(config *Config, logger *zap.Logger) (*Runner, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	return &Runner{
		config: config,
		logger: logger.With(zap.String("component", "actor-runner")),
	}, nil
}

// Run executes one job and waits for it. The whole process group is
// killed when the timeout elapses.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	if job.Command == "" {
		return nil, fmt.Errorf("job has no command")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	cmdPath, err := exec.LookPath(job.Command)
	if err != nil {
		return nil, fmt.Errorf("command not found: %s", job.Command)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cmdPath, job.Args...)
	cmd.Dir = r.config.WorkDir
	cmd.Env = r.buildEnvironment(job)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
	cmd.Cancel = func() error {
		// Take the whole group down, not just the direct child.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("Executing actor job",
		zap.String("job", job.ID),
		zap.String("command", job.Command),
		zap.Strings("args", job.Args),
	)

	start := time.Now()
	err = cmd.Run()

	result := &Result{
		JobID:    job.ID,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		r.logger.Warn("Actor job killed due to timeout",
			zap.String("job", job.ID),
			zap.Duration("timeout", r.config.Timeout),
		)
		return result, fmt.Errorf("job timed out after %v", r.config.Timeout)
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("execution failed: %w", err)
		}
	}

	r.logger.Info("Actor job completed",
		zap.String("job", job.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// RunShell executes one shell command string as a job.
func (r *Runner) RunShell(ctx context.Context, command string) (*Result, error) {
	return r.Run(ctx, Job{Command: "/bin/sh", Args: []string{"-c", command}})
}

// buildEnvironment assembles the child environment: system PATH,
// fingerprint and proxy pass-through, per-job overrides last.
func (r *Runner) buildEnvironment(job Job) []string {
	sysPath := os.Getenv("PATH")
	if sysPath == "" {
		sysPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	if r.config.PythonEnv != "" {
		sysPath = filepath.Join(r.config.PythonEnv, "bin") + ":" + sysPath
	}

	home, _ := os.UserHomeDir()
	if home == "" {
		home = r.config.WorkDir
	}

	env := []string{
		"PATH=" + sysPath,
		"HOME=" + home,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
	}

	if r.config.Fingerprint != "" {
		env = append(env, "POCKETPAW_FINGERPRINT="+r.config.Fingerprint)
	}
	if r.config.ProxyURL != "" {
		env = append(env,
			"HTTP_PROXY="+r.config.ProxyURL,
			"HTTPS_PROXY="+r.config.ProxyURL,
		)
	}
	if r.config.PythonEnv != "" {
		env = append(env, "VIRTUAL_ENV="+r.config.PythonEnv)
	}

	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}
	return env
}
