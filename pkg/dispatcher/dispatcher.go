// Package dispatcher is the orchestrator's core: admission control, the
// per-task lifecycle state machine, timeout supervision, completion
// detection, cancellation, and crash recovery. It composes the working-copy
// manager, session manager, log forwarder, webhook client, and state store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coderelay/coderelay/pkg/github"
	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/metrics"
	"github.com/coderelay/coderelay/pkg/session"
	"github.com/coderelay/coderelay/pkg/state"
	"github.com/coderelay/coderelay/pkg/webhook"
)

const (
	// pollInterval is how often session liveness is checked.
	pollInterval = 30 * time.Second

	// warningLead is how long before the kill deadline the warning fires.
	warningLead = 5 * time.Minute

	// forgeTimeout bounds each outcome-classification API call.
	forgeTimeout = 30 * time.Second
)

// Admission and cancellation sentinels. Everything else returned by Submit
// is a service error.
var (
	ErrAtCapacity       = errors.New("at capacity")
	ErrTaskRunning      = errors.New("task with this id is already running")
	ErrDraining         = errors.New("orchestrator is shutting down")
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyCompleted = errors.New("task already completed")
)

// WorktreeManager creates and removes per-task working copies.
type WorktreeManager interface {
	Create(ctx context.Context, taskID, repository, baseBranch string) (string, error)
	Remove(taskID string) error
	RemovePath(path string) error
	BasePath() string
}

// SessionManager launches, probes, and terminates task sessions.
type SessionManager interface {
	Start(ctx context.Context, opts session.StartOpts) (sessionName, logPath string, err error)
	IsAlive(ctx context.Context, sessionName string) bool
	Stop(ctx context.Context, sessionName string) error
	Kill(ctx context.Context, sessionName string) error
}

// Forge inspects the source-forge for a task's produced pull request.
type Forge interface {
	FindTaskPR(ctx context.Context, repository, branch string) (*github.PRInfo, error)
	CheckCIStatus(ctx context.Context, repository, sha string) (github.CIState, error)
}

// WebhookSender delivers lifecycle events.
type WebhookSender interface {
	Send(ctx context.Context, req webhook.Request) error
}

// Forwarder streams a task's session log. Satisfied by logfwd.Forwarder.
type Forwarder interface {
	Start() error
	Stop()
}

// StateSaver persists the aggregate. Satisfied by state.Store.
type StateSaver interface {
	Save(st *state.State) error
}

// SubmitRequest is one admission request.
type SubmitRequest struct {
	TaskID     string           `json:"taskId"`
	WorkerType state.WorkerType `json:"workerType"`
	Prompt     string           `json:"prompt"`

	LinearIssueID    string `json:"linearIssueId,omitempty"`
	LinearIssueTitle string `json:"linearIssueTitle,omitempty"`
	Slug             string `json:"slug,omitempty"`
	ActionID         string `json:"actionId,omitempty"`

	Repository string `json:"repository,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`

	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
}

// Config carries the dispatcher's tunables.
type Config struct {
	Capacity    int
	TaskTimeout time.Duration

	// Defaults applied when an admission request omits the field.
	DefaultRepository string
	DefaultBaseBranch string
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Worktrees WorktreeManager
	Sessions  SessionManager
	Forge     Forge
	Webhooks  WebhookSender
	Saver     StateSaver

	// NewForwarder builds the log forwarder for a task. nil disables
	// forwarding (useful in tests).
	NewForwarder func(t *state.Task) Forwarder
}

type taskTimers struct {
	warn *time.Timer
	kill *time.Timer
}

// Dispatcher owns the task table. All task mutations are serialized behind
// one mutex and followed by a single state save per logical transition.
type Dispatcher struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu         sync.Mutex
	st         *state.State
	running    int
	forwarders map[string]Forwarder
	timers     map[string]*taskTimers
	draining   bool

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
}

// New creates a dispatcher over previously loaded state. Recover must be
// called before the dispatcher starts admitting work.
func New(cfg Config, deps Deps, st *state.State) *Dispatcher {
	if cfg.DefaultBaseBranch == "" {
		cfg.DefaultBaseBranch = "main"
	}
	return &Dispatcher{
		cfg:        cfg,
		deps:       deps,
		now:        time.Now,
		st:         st,
		forwarders: make(map[string]Forwarder),
		timers:     make(map[string]*taskTimers),
	}
}

// Capacity returns the admission ceiling.
func (d *Dispatcher) Capacity() int {
	return d.cfg.Capacity
}

// RunningCount returns the number of tasks currently running.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Get returns a copy of the task record, or nil when unknown.
func (d *Dispatcher) Get(taskID string) *state.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.st.Tasks[taskID]
	if !ok {
		return nil
	}
	copied := *t
	return &copied
}

// Submit admits a task: persists the running record, creates the working
// copy, starts the session, attaches the log forwarder, and arms the
// timeout timers. Any failure after the record is persisted reverts the
// record and the counter before returning.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) error {
	if req.TaskID == "" {
		metrics.IncAdmission(metrics.AdmissionError)
		return fmt.Errorf("taskId is required")
	}
	if req.Repository == "" {
		req.Repository = d.cfg.DefaultRepository
	}
	if req.BaseBranch == "" {
		req.BaseBranch = d.cfg.DefaultBaseBranch
	}
	if req.Repository == "" {
		metrics.IncAdmission(metrics.AdmissionError)
		return fmt.Errorf("repository is required and no default is configured")
	}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		metrics.IncAdmission(metrics.AdmissionError)
		return ErrDraining
	}
	if existing, ok := d.st.Tasks[req.TaskID]; ok && existing.Status == state.StatusRunning {
		d.mu.Unlock()
		metrics.IncAdmission(metrics.AdmissionError)
		return fmt.Errorf("%w: %s", ErrTaskRunning, req.TaskID)
	}
	if d.running >= d.cfg.Capacity {
		d.mu.Unlock()
		metrics.IncAdmission(metrics.AdmissionAtCapacity)
		return ErrAtCapacity
	}

	now := d.now()
	task := &state.Task{
		TaskID:           req.TaskID,
		WorkerType:       req.WorkerType,
		Prompt:           req.Prompt,
		LinearIssueID:    req.LinearIssueID,
		LinearIssueTitle: req.LinearIssueTitle,
		Slug:             req.Slug,
		ActionID:         req.ActionID,
		Repository:       req.Repository,
		BaseBranch:       req.BaseBranch,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
		Status:           state.StatusRunning,
		CreatedAt:        now,
	}
	d.running++
	d.st.Tasks[req.TaskID] = task
	metrics.SetRunningTasks(d.running)
	d.saveLocked()
	d.mu.Unlock()

	worktreePath, err := d.deps.Worktrees.Create(ctx, req.TaskID, req.Repository, req.BaseBranch)
	if err != nil {
		d.revertAdmission(req.TaskID)
		metrics.IncAdmission(metrics.AdmissionError)
		return fmt.Errorf("failed to create working copy: %w", err)
	}

	sessionName, logPath, err := d.deps.Sessions.Start(ctx, session.StartOpts{
		TaskID:       req.TaskID,
		WorkerType:   req.WorkerType,
		Prompt:       req.Prompt,
		WorktreePath: worktreePath,
	})
	if err != nil {
		if rmErr := d.deps.Worktrees.Remove(req.TaskID); rmErr != nil {
			log.Warn("failed to remove working copy after session failure",
				"task_id", req.TaskID, "error", rmErr)
		}
		d.revertAdmission(req.TaskID)
		metrics.IncAdmission(metrics.AdmissionError)
		return fmt.Errorf("failed to start session: %w", err)
	}

	d.mu.Lock()
	if status := task.Status; status.Terminal() {
		// A cancel won the race while setup was in flight. The terminal
		// transition already settled the record and the counter, so release
		// what setup just created instead of recording it.
		d.mu.Unlock()
		log.Info("task reached terminal state during setup, releasing resources",
			"task_id", req.TaskID, "status", status)
		if err := d.deps.Sessions.Kill(ctx, sessionName); err != nil {
			log.Warn("failed to kill session started for terminal task",
				"task_id", req.TaskID, "error", err)
		}
		if err := d.deps.Worktrees.Remove(req.TaskID); err != nil {
			log.Warn("failed to remove working copy of terminal task",
				"task_id", req.TaskID, "error", err)
		}
		metrics.IncAdmission(metrics.AdmissionAccepted)
		return nil
	}
	started := d.now()
	task.WorktreePath = worktreePath
	task.SessionName = sessionName
	task.LogPath = logPath
	task.StartedAt = &started
	d.attachForwarderLocked(task)
	d.armTimersLocked(task)
	d.saveLocked()
	d.mu.Unlock()

	metrics.IncAdmission(metrics.AdmissionAccepted)
	log.Info("task admitted", "task_id", req.TaskID, "worker", req.WorkerType,
		"repository", req.Repository, "session", sessionName)
	return nil
}

// Cancel terminates a running task. The session gets a graceful stop window
// before a forceful kill; the terminal cancelled transition fires exactly
// once.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	d.mu.Lock()
	t, ok := d.st.Tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	if t.Status.Terminal() {
		d.mu.Unlock()
		return ErrAlreadyCompleted
	}
	sessionName := t.SessionName
	d.mu.Unlock()

	if sessionName != "" {
		if err := d.deps.Sessions.Stop(ctx, sessionName); err != nil {
			log.Warn("graceful stop failed, finalization will force-kill",
				"task_id", taskID, "error", err)
		}
	}

	if !d.finalize(ctx, taskID, state.StatusCancelled, nil, nil) {
		// Lost the race against another terminal transition.
		return ErrAlreadyCompleted
	}
	log.Info("task cancelled", "task_id", taskID)
	return nil
}

// Recover adopts state left by a previous process: still-live sessions get
// their forwarders and timers re-attached, dead ones are classified as
// fresh completions, and orphan working copies are deleted. Call once,
// before StartPolling.
func (d *Dispatcher) Recover(ctx context.Context) {
	d.mu.Lock()
	var adopted, dead []*state.Task
	for _, t := range d.st.Tasks {
		if t.Status != state.StatusRunning {
			continue
		}
		if t.SessionName != "" && d.deps.Sessions.IsAlive(ctx, t.SessionName) {
			adopted = append(adopted, t)
		} else {
			dead = append(dead, t)
		}
	}
	// Dead tasks still count until their terminal transition decrements.
	d.running = len(adopted) + len(dead)
	metrics.SetRunningTasks(d.running)
	for _, t := range adopted {
		d.attachForwarderLocked(t)
		d.armTimersLocked(t)
		log.Info("re-adopted running task", "task_id", t.TaskID, "session", t.SessionName)
	}
	d.mu.Unlock()

	for _, t := range dead {
		log.Info("session gone across restart, classifying", "task_id", t.TaskID)
		d.classifyAndFinalize(ctx, t.TaskID)
	}

	orphans, err := state.DetectOrphanWorktrees(d.deps.Worktrees.BasePath(), d.snapshotState())
	if err != nil {
		log.Warn("orphan worktree scan failed", "error", err)
		return
	}
	for _, path := range orphans {
		log.Info("removing orphan worktree", "path", path)
		if err := d.deps.Worktrees.RemovePath(path); err != nil {
			log.Warn("failed to remove orphan worktree", "path", path, "error", err)
		}
	}
}

// StartPolling launches the coalesced completion monitor.
func (d *Dispatcher) StartPolling(interval time.Duration) {
	if interval <= 0 {
		interval = pollInterval
	}

	d.pollMu.Lock()
	if d.pollCancel != nil {
		d.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.pollCancel = cancel
	d.pollMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.pollOnce(ctx)
			}
		}
	}()
}

// StopPolling cancels the completion monitor.
func (d *Dispatcher) StopPolling() {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	if d.pollCancel != nil {
		d.pollCancel()
		d.pollCancel = nil
	}
}

// Drain rejects further admissions and stops supervision. Running sessions
// are left alive; a restart re-adopts them.
func (d *Dispatcher) Drain() {
	d.StopPolling()

	d.mu.Lock()
	d.draining = true
	forwarders := d.forwarders
	d.forwarders = make(map[string]Forwarder)
	for id, timers := range d.timers {
		timers.warn.Stop()
		timers.kill.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	for _, fwd := range forwarders {
		fwd.Stop()
	}
	log.Info("dispatcher drained", "running", d.RunningCount())
}

// PersistCredential folds the credential service's snapshot into durable
// state.
func (d *Dispatcher) PersistCredential(cred *state.InstallationCredential) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.GitHubToken = cred
	d.saveLocked()
}

// PersistWebhooks folds the webhook client's outbox snapshot into durable
// state.
func (d *Dispatcher) PersistWebhooks(pending []state.PendingWebhook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.PendingWebhooks = pending
	d.saveLocked()
}

// pollOnce checks every running task's session and classifies the dead
// ones. Panics from a single task's classification are contained so the
// monitor keeps serving the rest.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	d.mu.Lock()
	type probe struct {
		taskID      string
		sessionName string
	}
	var probes []probe
	for _, t := range d.st.Tasks {
		if t.Status == state.StatusRunning && t.SessionName != "" {
			probes = append(probes, probe{taskID: t.TaskID, sessionName: t.SessionName})
		}
	}
	d.mu.Unlock()

	for _, p := range probes {
		if d.deps.Sessions.IsAlive(ctx, p.sessionName) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic while classifying task outcome", "task_id", p.taskID, "panic", r)
				}
			}()
			d.classifyAndFinalize(ctx, p.taskID)
		}()
	}
}

// classifyAndFinalize inspects the source-forge for the task's pull request
// and drives the matching terminal transition.
func (d *Dispatcher) classifyAndFinalize(ctx context.Context, taskID string) {
	t := d.Get(taskID)
	if t == nil || t.Status.Terminal() {
		return
	}

	status, result, taskErr := d.classify(ctx, t)
	d.finalize(ctx, taskID, status, result, taskErr)
}

func (d *Dispatcher) classify(ctx context.Context, t *state.Task) (state.Status, *state.TaskResult, *state.TaskError) {
	branch := github.BranchForTask(t.TaskID, t.Slug)

	forgeCtx, cancel := context.WithTimeout(ctx, forgeTimeout)
	defer cancel()

	pr, err := d.deps.Forge.FindTaskPR(forgeCtx, t.Repository, branch)
	if err != nil {
		log.Warn("pull request lookup failed, marking task failed",
			"task_id", t.TaskID, "branch", branch, "error", err)
		return state.StatusFailed, nil, noPRError()
	}
	if pr == nil {
		return state.StatusFailed, nil, noPRError()
	}

	ci, err := d.deps.Forge.CheckCIStatus(forgeCtx, t.Repository, pr.HeadSHA)
	if err != nil {
		log.Warn("check-run lookup failed, marking task failed",
			"task_id", t.TaskID, "sha", pr.HeadSHA, "error", err)
		return state.StatusFailed, nil, noPRError()
	}
	if ci == github.CIFailure {
		return state.StatusFailed, nil, &state.TaskError{
			Code:        "ci_failed",
			Message:     fmt.Sprintf("CI checks failed for %s", pr.URL),
			Remediation: "Inspect the failing check runs on the pull request.",
		}
	}

	return state.StatusCompleted, &state.TaskResult{
		PRURL:   pr.URL,
		Branch:  pr.HeadRef,
		Commits: pr.Commits,
		Summary: pr.Summarize(),
	}, nil
}

func noPRError() *state.TaskError {
	return &state.TaskError{
		Code:    "no_pr",
		Message: "Task exited without producing a pull request",
	}
}

// finalize performs the single terminal transition for a task, in order:
// status and completedAt, terminal webhook, forwarder stop, resource
// release, counter decrement, persist. Returns false when the task was
// already terminal (the transition is idempotent).
func (d *Dispatcher) finalize(ctx context.Context, taskID string, status state.Status, result *state.TaskResult, taskErr *state.TaskError) bool {
	d.mu.Lock()
	t, ok := d.st.Tasks[taskID]
	if !ok || t.Status.Terminal() {
		d.mu.Unlock()
		return false
	}

	now := d.now()
	t.Status = status
	t.CompletedAt = &now
	t.Result = result
	t.Error = taskErr

	if timers, ok := d.timers[taskID]; ok {
		timers.warn.Stop()
		timers.kill.Stop()
		delete(d.timers, taskID)
	}
	fwd := d.forwarders[taskID]
	delete(d.forwarders, taskID)
	snapshot := *t
	d.mu.Unlock()

	if snapshot.WebhookURL != "" {
		err := d.deps.Webhooks.Send(ctx, webhook.Request{
			TaskID:  taskID,
			URL:     snapshot.WebhookURL,
			Payload: webhook.TerminalEvent(&snapshot),
			Secret:  snapshot.WebhookSecret,
		})
		if err != nil {
			log.Warn("failed to sign terminal webhook", "task_id", taskID, "error", err)
		}
	}

	if fwd != nil {
		fwd.Stop()
	}
	if snapshot.SessionName != "" {
		if err := d.deps.Sessions.Kill(ctx, snapshot.SessionName); err != nil {
			log.Warn("failed to kill session during finalization",
				"task_id", taskID, "error", err)
		}
	}
	if err := d.deps.Worktrees.Remove(taskID); err != nil {
		log.Warn("failed to remove working copy during finalization",
			"task_id", taskID, "error", err)
	}

	d.mu.Lock()
	d.running--
	metrics.SetRunningTasks(d.running)
	d.saveLocked()
	d.mu.Unlock()

	metrics.IncTaskOutcome(string(status))
	log.Info("task finalized", "task_id", taskID, "status", status)
	return true
}

// revertAdmission undoes a persisted admission whose setup failed. If a
// concurrent terminal transition already settled the record, the counter
// was decremented there and the record stays.
func (d *Dispatcher) revertAdmission(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.st.Tasks[taskID]
	if !ok || t.Status != state.StatusRunning {
		return
	}
	delete(d.st.Tasks, taskID)
	d.running--
	metrics.SetRunningTasks(d.running)
	d.saveLocked()
}

func (d *Dispatcher) attachForwarderLocked(t *state.Task) {
	if d.deps.NewForwarder == nil || t.WebhookURL == "" {
		return
	}
	fwd := d.deps.NewForwarder(t)
	if fwd == nil {
		return
	}
	if err := fwd.Start(); err != nil {
		log.Warn("failed to start log forwarder", "task_id", t.TaskID, "error", err)
		return
	}
	d.forwarders[t.TaskID] = fwd
}

// armTimersLocked installs the warning and kill timers, measured from the
// task's creation so re-armed timers keep the original deadline across
// restarts.
func (d *Dispatcher) armTimersLocked(t *state.Task) {
	taskID := t.TaskID
	deadline := t.CreatedAt.Add(d.cfg.TaskTimeout)

	warnIn := time.Until(deadline.Add(-warningLead))
	if warnIn < 0 {
		warnIn = 0
	}
	killIn := time.Until(deadline)
	if killIn < 0 {
		killIn = 0
	}

	warn := time.AfterFunc(warnIn, func() {
		if t := d.Get(taskID); t != nil && t.Status == state.StatusRunning {
			log.Warn("task approaching timeout", "task_id", taskID, "deadline", deadline)
		}
	})
	kill := time.AfterFunc(killIn, func() {
		t := d.Get(taskID)
		if t == nil || t.Status.Terminal() {
			return
		}
		log.Warn("task timed out, interrupting", "task_id", taskID)
		d.finalize(context.Background(), taskID, state.StatusInterrupted, nil, nil)
	})
	d.timers[taskID] = &taskTimers{warn: warn, kill: kill}
}

func (d *Dispatcher) saveLocked() {
	if err := d.deps.Saver.Save(d.st); err != nil {
		log.Error("failed to persist state", "error", err)
	}
}

// snapshotState returns a shallow copy safe to hand to read-only helpers.
func (d *Dispatcher) snapshotState() *state.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *d.st
	return &copied
}
