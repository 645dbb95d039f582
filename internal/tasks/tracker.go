// Package tasks tracks the lifecycle of the single in-flight task of a session.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/iambrandonn/overseer/internal/fsutil"
	"github.com/iambrandonn/overseer/internal/protocol"
)

// Status is the lifecycle state of a Task
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MaxDescriptionLen bounds the derived task description in characters
const MaxDescriptionLen = 100

var (
	// ErrTaskInProgress is returned by Start while a task is running
	ErrTaskInProgress = errors.New("a task is already in progress")
	// ErrTaskFinished is returned when a terminal task is transitioned again
	ErrTaskFinished = errors.New("task already finished")
	// ErrUnknownTask is returned when an id does not name the current task
	ErrUnknownTask = errors.New("unknown task")
)

// ApprovalRecord is the outcome of one approval requested during the task
type ApprovalRecord struct {
	ApprovalID string    `json:"approval_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Task is the execution record of one instruction
type Task struct {
	ID          string             `json:"id"`
	Description string             `json:"description"`
	Status      Status             `json:"status"`
	UserID      string             `json:"user_id"`
	Agent       protocol.AgentKind `json:"agent"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	FailReason  string             `json:"fail_reason,omitempty"`
	Approvals   []ApprovalRecord   `json:"approvals,omitempty"`
}

// Terminal reports whether the task reached completed or failed
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

func (t Task) clone() Task {
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	t.Approvals = append([]ApprovalRecord(nil), t.Approvals...)
	return t
}

// Tracker holds the current Task of one session. When a state path is set every
// transition is persisted atomically.
type Tracker struct {
	mu        sync.Mutex
	current   *Task
	statePath string
	now       func() time.Time
}

// NewTracker creates a Tracker. statePath may be empty to disable persistence.
func NewTracker(statePath string) *Tracker {
	return &Tracker{
		statePath: statePath,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StatePath returns the standard location of a user's task state under workspaceRoot
func StatePath(workspaceRoot, userID string) string {
	return filepath.Join(workspaceRoot, "state", "task-"+sanitize(userID)+".json")
}

// Start creates a running Task. It fails with ErrTaskInProgress while another is running.
func (tr *Tracker) Start(userID string, agent protocol.AgentKind, instruction string) (Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.current != nil && tr.current.Status == StatusRunning {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskInProgress, tr.current.ID)
	}

	now := tr.now()
	task := &Task{
		ID:          NewID(now),
		Description: Describe(instruction),
		Status:      StatusRunning,
		UserID:      userID,
		Agent:       agent,
		StartedAt:   now,
	}
	tr.current = task

	if err := tr.persistLocked(); err != nil {
		return task.clone(), err
	}
	return task.clone(), nil
}

// Complete marks the task completed with a summary
func (tr *Tracker) Complete(id, summary string) error {
	return tr.finish(id, StatusCompleted, func(t *Task) { t.Summary = summary })
}

// Fail marks the task failed with a reason
func (tr *Tracker) Fail(id, reason string) error {
	return tr.finish(id, StatusFailed, func(t *Task) { t.FailReason = reason })
}

// RecordApproval appends an approval outcome to a running task
func (tr *Tracker) RecordApproval(id string, rec ApprovalRecord) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	task, err := tr.runningLocked(id)
	if err != nil {
		return err
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = tr.now()
	}
	task.Approvals = append(task.Approvals, rec)
	return tr.persistLocked()
}

// Current returns a copy of the most recent Task, running or terminal
func (tr *Tracker) Current() (Task, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.current == nil {
		return Task{}, false
	}
	return tr.current.clone(), true
}

// Running reports whether a Task is in progress
func (tr *Tracker) Running() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.current != nil && tr.current.Status == StatusRunning
}

// Restore loads persisted state. A task persisted as running belonged to a
// process that is gone, so it is marked failed.
func (tr *Tracker) Restore() (Task, bool, error) {
	if tr.statePath == "" {
		return Task{}, false, nil
	}

	task, err := Load(tr.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if task.Status == StatusRunning {
		now := tr.now()
		task.Status = StatusFailed
		task.FailReason = "interrupted: overseer restarted while the task was running"
		task.CompletedAt = &now
	}
	tr.current = task
	if err := tr.persistLocked(); err != nil {
		return task.clone(), true, err
	}
	return task.clone(), true, nil
}

func (tr *Tracker) finish(id string, status Status, apply func(*Task)) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	task, err := tr.runningLocked(id)
	if err != nil {
		return err
	}

	now := tr.now()
	task.Status = status
	task.CompletedAt = &now
	apply(task)
	return tr.persistLocked()
}

func (tr *Tracker) runningLocked(id string) (*Task, error) {
	if tr.current == nil || tr.current.ID != id {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if tr.current.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, tr.current.Status)
	}
	return tr.current, nil
}

func (tr *Tracker) persistLocked() error {
	if tr.statePath == "" || tr.current == nil {
		return nil
	}
	if err := fsutil.AtomicWriteJSON(tr.statePath, tr.current); err != nil {
		return fmt.Errorf("failed to persist task state: %w", err)
	}
	return nil
}

// Load reads a persisted Task
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task state: %w", err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task state: %w", err)
	}
	return &task, nil
}

// NewID returns task-<utc stamp>-<8 hex>
func NewID(now time.Time) string {
	return fmt.Sprintf("task-%s-%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// Describe derives a single-line description of at most MaxDescriptionLen characters
func Describe(instruction string) string {
	desc := strings.Join(strings.Fields(instruction), " ")
	if utf8.RuneCountInString(desc) <= MaxDescriptionLen {
		return desc
	}
	runes := []rune(desc)
	return strings.TrimSpace(string(runes[:MaxDescriptionLen-3])) + "..."
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
