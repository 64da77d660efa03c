package bus

// Task lifecycle topics.
const (
	TopicTaskSubmitted    = "task.submitted"
	TopicTaskPhaseChanged = "task.phase_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskValidated    = "task.validated"
)

// File sync topics.
const (
	TopicFileChanged = "file.changed"
	TopicFileRescan  = "file.rescan"
)

// TaskPhaseChangedEvent is published on every execution phase transition.
type TaskPhaseChangedEvent struct {
	TaskID    string `json:"task_id"`
	Agent     string `json:"agent"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Progress  int    `json:"progress"`
}

// TaskValidatedEvent is published after a validation run (engine-driven or manual).
type TaskValidatedEvent struct {
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id"`
	AllPassed bool   `json:"all_passed"`
	Gates     int    `json:"gates"`
}

// FileChangedEvent is published when a watched file's fingerprint changes.
type FileChangedEvent struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Agents    int    `json:"agents"` // number of subscriptions notified
}
