package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/logger"
)

const timeoutStderr = "timeout exceeded"

var invocationNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Executor runs code snippets on behalf of scenario agents. Each invocation
// gets its own working directory under the session's sandbox dir, with a full
// transcript (script, stdout, stderr) left behind for audit.
type Executor struct {
	cfg       config.SandboxConfig
	workspace string
	baseDir   string
	log       *logger.Logger

	mu  sync.Mutex
	seq int
}

// NewExecutor creates an executor rooted at sessionDir for the given
// workspace (the repository under investigation).
func NewExecutor(cfg config.SandboxConfig, workspaceDir, sessionDir string, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Global()
	}
	return &Executor{
		cfg:       cfg,
		workspace: workspaceDir,
		baseDir:   filepath.Join(sessionDir, "sandbox"),
		log:       log.WithComponent("sandbox"),
	}
}

// Execute runs one snippet and returns its outcome. A non-zero interpreter
// exit is reported via Success=false, not as an error; errors are reserved for
// the executor's own failures.
func (e *Executor) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	if req == nil {
		return nil, fmt.Errorf("execution request cannot be nil")
	}

	dir, err := e.newInvocationDir(req.Name, req.Code)
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(dir, "script."+scriptExtension(req.Language))
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	argv, err := interpreterCommand(req.Language, scriptPath)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, argv, dir, dir, req.AllowedPaths, req.Env, e.timeout(req.TimeoutMs))
}

// ExecuteGit runs a sequence of git commands inside the given repository and
// captures their combined transcript.
func (e *Executor) ExecuteGit(ctx context.Context, repoPath string, commands []string) (*ExecutionResult, error) {
	if len(commands) == 0 {
		return nil, fmt.Errorf("no git commands given")
	}

	var script strings.Builder
	script.WriteString("set -e\n")
	for _, cmd := range commands {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if !strings.HasPrefix(cmd, "git ") && cmd != "git" {
			cmd = "git " + cmd
		}
		script.WriteString(cmd)
		script.WriteString("\n")
	}

	dir, err := e.newInvocationDir("git", script.String())
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(script.String()), 0644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	// Git commands run in the repository itself; the repo needs write access
	// for the index and any log/stat plumbing that touches .git.
	return e.run(ctx, []string{"sh", scriptPath}, repoPath, dir, []string{repoPath}, nil, e.timeout(0))
}

// ExecuteTool runs a named binary directly (no interpreter) in the workspace.
func (e *Executor) ExecuteTool(ctx context.Context, name string, args []string, env map[string]string) (*ExecutionResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}

	argv := append([]string{name}, args...)
	dir, err := e.newInvocationDir(name, strings.Join(argv, " "))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "command.txt"), []byte(strings.Join(argv, " ")+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write transcript: %w", err)
	}

	return e.run(ctx, argv, e.workspace, dir, nil, env, e.timeout(0))
}

func (e *Executor) timeout(requestedMs int) time.Duration {
	ms := requestedMs
	if ms <= 0 {
		ms = e.cfg.DefaultTimeoutMs
	}
	if ms <= 0 {
		ms = 120000
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Executor) newInvocationDir(name, content string) (string, error) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	label := invocationNameRe.ReplaceAllString(strings.TrimSpace(name), "_")
	if label == "" {
		label = "exec"
	}
	hash := fmt.Sprintf("%08x", xxhash.Sum64String(content))[:8]

	dir := filepath.Join(e.baseDir, fmt.Sprintf("%s-%03d-%s", label, seq, hash))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create invocation dir: %w", err)
	}
	return dir, nil
}

// run executes argv in workDir, writing stdout/stderr transcripts into
// transcriptDir. When isolation is available it goes through the helper child
// first and falls back to direct execution if the ruleset cannot be applied.
func (e *Executor) run(ctx context.Context, argv []string, workDir, transcriptDir string, allowedPaths []string, env map[string]string, timeout time.Duration) (*ExecutionResult, error) {
	if e.isolationAvailable() {
		result, err := e.runOnce(ctx, argv, workDir, transcriptDir, allowedPaths, env, timeout, true)
		if err != nil {
			return nil, err
		}
		if result.ExitCode != restrictFailedExit {
			return result, nil
		}
		e.log.Warn("isolation unavailable for %v, rerunning without sandbox", argv[0])
	}

	return e.runOnce(ctx, argv, workDir, transcriptDir, allowedPaths, env, timeout, false)
}

func (e *Executor) isolationAvailable() bool {
	return !e.cfg.Disabled && runtime.GOOS == "linux"
}

func (e *Executor) runOnce(ctx context.Context, argv []string, workDir, transcriptDir string, allowedPaths []string, env map[string]string, timeout time.Duration, isolated bool) (*ExecutionResult, error) {
	var cmd *exec.Cmd
	if isolated {
		spec := &helperSpec{
			Argv:           argv,
			Dir:            workDir,
			BestEffort:     e.cfg.BestEffort,
			ReadOnlyPaths:  e.readOnlyPaths(allowedPaths),
			ReadWritePaths: e.readWritePaths(workDir, transcriptDir, allowedPaths),
		}
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sandbox spec: %w", err)
		}

		selfExe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}

		cmd = exec.Command(selfExe)
		cmd.Env = append(mergedEnv(env),
			helperEnvVar+"=1",
			specEnvVar+"="+string(specJSON),
		)
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
		cmd.Dir = workDir
		cmd.Env = mergedEnv(env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", argv[0], err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		killProcessTree(cmd)
		<-waitCh
	case <-ctx.Done():
		killProcessTree(cmd)
		<-waitCh
		return nil, ctx.Err()
	}

	result := &ExecutionResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Isolated:   isolated,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if timedOut {
		result.Success = false
		result.ExitCode = -1
		result.Stderr = timeoutStderr
	} else if waitErr == nil {
		result.Success = true
		result.ExitCode = 0
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.Success = false
		result.ExitCode = exitErr.ExitCode()
	} else {
		return nil, fmt.Errorf("execution of %q failed: %w", argv[0], waitErr)
	}

	// The transcript keeps whatever the process actually wrote, even when a
	// timeout replaces result.Stderr with the timeout marker.
	e.writeTranscript(transcriptDir, stdout.String(), stderr.String())
	e.log.Debug("executed %v: exit=%d isolated=%v duration=%dms",
		argv[0], result.ExitCode, result.Isolated, result.DurationMs)

	return result, nil
}

func (e *Executor) readOnlyPaths(allowedPaths []string) []string {
	paths := defaultReadOnlyPaths()
	paths = append(paths, existingPaths(e.cfg.ExtraReadPaths)...)
	paths = append(paths, existingPaths(allowedPaths)...)
	return paths
}

func (e *Executor) readWritePaths(workDir, transcriptDir string, _ []string) []string {
	paths := defaultReadWritePaths()
	paths = append(paths, existingPaths([]string{workDir, transcriptDir, e.workspace})...)
	paths = append(paths, existingPaths(e.cfg.ExtraWritePaths)...)
	return paths
}

func (e *Executor) writeTranscript(dir, stdout, stderr string) {
	if err := os.WriteFile(filepath.Join(dir, "stdout.log"), []byte(stdout), 0644); err != nil {
		e.log.Warn("failed to write stdout transcript: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stderr.log"), []byte(stderr), 0644); err != nil {
		e.log.Warn("failed to write stderr transcript: %v", err)
	}
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
