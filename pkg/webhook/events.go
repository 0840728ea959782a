package webhook

import "github.com/coderelay/coderelay/pkg/state"

// Event is the wire shape of every webhook payload. Status selects the
// variant; the remaining fields are populated per variant.
type Event struct {
	Status string `json:"status"`
	TaskID string `json:"taskId,omitempty"`
	Chunk  string `json:"chunk,omitempty"`

	Result *state.TaskResult `json:"result,omitempty"`
	Error  *state.TaskError  `json:"error,omitempty"`
}

// LogEvent wraps a chunk of streamed session output.
func LogEvent(chunk string) Event {
	return Event{Status: "log", Chunk: chunk}
}

// TerminalEvent builds the single lifecycle event for a finished task.
func TerminalEvent(t *state.Task) Event {
	ev := Event{
		Status: string(t.Status),
		TaskID: t.TaskID,
	}
	switch t.Status {
	case state.StatusCompleted:
		ev.Result = t.Result
	case state.StatusFailed:
		ev.Error = t.Error
	}
	return ev
}
