// Package session isolates each task's agent process in its own tmux
// session and tees its output to a per-task log file.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/state"
)

// sessionPrefix namespaces our tmux sessions away from anything else on the
// host.
const sessionPrefix = "coderelay-"

// gracefulWait is how long a graceful stop may take before escalating.
const gracefulWait = 5 * time.Second

// runTmux executes a tmux command. Variable so tests can stub process
// execution.
var runTmux = func(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// StartOpts describes the agent process to launch.
type StartOpts struct {
	TaskID       string
	WorkerType   state.WorkerType
	Prompt       string
	WorktreePath string
}

// Manager starts, probes, and terminates task sessions.
type Manager struct {
	logBasePath string
	graceWait   time.Duration
}

// NewManager creates a session manager writing logs under logBasePath.
func NewManager(logBasePath string) *Manager {
	return &Manager{logBasePath: logBasePath, graceWait: gracefulWait}
}

// NameFor returns the deterministic session name for a task.
func NameFor(taskID string) string {
	// tmux session names cannot contain dots or colons.
	r := strings.NewReplacer(".", "-", ":", "-")
	return sessionPrefix + r.Replace(taskID)
}

// LogPathFor returns the log file a task's session output is teed to.
func (m *Manager) LogPathFor(taskID string) string {
	return filepath.Join(m.logBasePath, taskID+".log")
}

// Start launches the agent in a detached session rooted at the worktree and
// pipes all pane output to the task's log file.
func (m *Manager) Start(ctx context.Context, opts StartOpts) (sessionName, logPath string, err error) {
	if err := os.MkdirAll(m.logBasePath, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create log dir %q: %w", m.logBasePath, err)
	}

	name := NameFor(opts.TaskID)
	logPath = m.LogPathFor(opts.TaskID)

	_, err = runTmux(ctx,
		"new-session", "-d",
		"-s", name,
		"-c", opts.WorktreePath,
		agentCommand(opts.WorkerType, opts.Prompt),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to start session for task %s: %w", opts.TaskID, err)
	}

	// Tee pane output to the log file so the forwarder can tail it.
	_, err = runTmux(ctx, "pipe-pane", "-t", name, "-o", fmt.Sprintf("cat >> %q", logPath))
	if err != nil {
		// A session without log capture is useless; tear it down.
		if _, killErr := runTmux(ctx, "kill-session", "-t", name); killErr != nil {
			log.Warn("failed to kill session after pipe-pane failure", "session", name, "error", killErr)
		}
		return "", "", fmt.Errorf("failed to attach log pipe for task %s: %w", opts.TaskID, err)
	}

	log.Info("session started", "task_id", opts.TaskID, "session", name, "log", logPath)
	return name, logPath, nil
}

// agentCommand builds the shell command the session runs. The agent binary
// owns its own tooling; we only select the worker flavor and hand over the
// prompt.
func agentCommand(worker state.WorkerType, prompt string) string {
	return fmt.Sprintf("relay-agent --worker %s --prompt %s", worker, shellQuote(prompt))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsAlive reports whether the named session still exists.
func (m *Manager) IsAlive(ctx context.Context, sessionName string) bool {
	_, err := runTmux(ctx, "has-session", "-t", sessionName)
	return err == nil
}

// Stop performs the graceful-then-forceful termination discipline: send an
// interrupt, wait a bounded period for the session to exit, then kill it.
func (m *Manager) Stop(ctx context.Context, sessionName string) error {
	if !m.IsAlive(ctx, sessionName) {
		return nil
	}

	if _, err := runTmux(ctx, "send-keys", "-t", sessionName, "C-c", ""); err != nil {
		log.Warn("failed to send interrupt", "session", sessionName, "error", err)
	}

	deadline := time.Now().Add(m.graceWait)
	for time.Now().Before(deadline) {
		if !m.IsAlive(ctx, sessionName) {
			log.Info("session stopped gracefully", "session", sessionName)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	log.Warn("session did not stop gracefully, killing", "session", sessionName)
	return m.Kill(ctx, sessionName)
}

// Kill force-terminates the session. Killing an absent session is not an
// error.
func (m *Manager) Kill(ctx context.Context, sessionName string) error {
	if !m.IsAlive(ctx, sessionName) {
		return nil
	}
	if _, err := runTmux(ctx, "kill-session", "-t", sessionName); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", sessionName, err)
	}
	return nil
}
