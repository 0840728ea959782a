// Package state defines the orchestrator's persisted data model and the
// store that atomically loads and saves it.
package state

import "time"

// Status is the lifecycle state of a task. Running is the only non-terminal
// status; every other value is absorbing.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// WorkerType selects which agent binary runs the task.
type WorkerType string

const (
	WorkerOpus WorkerType = "opus"
	WorkerAuto WorkerType = "auto"
	WorkerGLM  WorkerType = "glm"
)

// TaskResult describes a successful outcome.
type TaskResult struct {
	PRURL   string `json:"prUrl"`
	Branch  string `json:"branch"`
	Commits int    `json:"commits"`
	Summary string `json:"summary,omitempty"`
}

// TaskError describes a failed outcome.
type TaskError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// Task is the persisted record of one admitted job. TaskID doubles as the
// client-supplied idempotency key.
type Task struct {
	TaskID     string     `json:"taskId"`
	WorkerType WorkerType `json:"workerType"`
	Prompt     string     `json:"prompt"`

	LinearIssueID    string `json:"linearIssueId,omitempty"`
	LinearIssueTitle string `json:"linearIssueTitle,omitempty"`
	Slug             string `json:"slug,omitempty"`
	ActionID         string `json:"actionId,omitempty"`

	Repository string `json:"repository"`
	BaseBranch string `json:"baseBranch"`

	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`

	Status       Status `json:"status"`
	SessionName  string `json:"sessionName,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	LogPath      string `json:"logPath,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Result *TaskResult `json:"result,omitempty"`
	Error  *TaskError  `json:"error,omitempty"`
}

// InstallationCredential is the cached source-forge installation token.
type InstallationCredential struct {
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expiresAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// PendingWebhook is an undelivered lifecycle event retained in the outbox.
type PendingWebhook struct {
	TaskID        string    `json:"taskId"`
	URL           string    `json:"url"`
	Payload       []byte    `json:"payload"`
	Signature     string    `json:"signature"`
	Timestamp     int64     `json:"timestamp"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// State is the single persisted aggregate. The dispatcher owns Tasks, the
// credential service owns GitHubToken, the webhook client owns
// PendingWebhooks; the store itself never mutates.
type State struct {
	Tasks           map[string]*Task        `json:"tasks"`
	GitHubToken     *InstallationCredential `json:"githubToken"`
	PendingWebhooks []PendingWebhook        `json:"pendingWebhooks"`
}

// NewState returns an empty aggregate with initialized containers.
func NewState() *State {
	return &State{
		Tasks:           make(map[string]*Task),
		PendingWebhooks: []PendingWebhook{},
	}
}

// RunningCount returns the number of tasks currently in StatusRunning.
func (s *State) RunningCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}
