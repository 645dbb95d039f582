package session

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/iambrandonn/overseer/internal/approval"
	"github.com/iambrandonn/overseer/internal/events"
	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/iambrandonn/overseer/internal/tasks"
)

// ErrMissingUser is returned for instructions without a user id
var ErrMissingUser = errors.New("user_id is required")

// ErrMissingInstruction is returned for instructions with blank text
var ErrMissingInstruction = errors.New("instruction is required")

// Manager owns one Session per user. All sessions share one approval Gate.
type Manager struct {
	opts Options
	deps Deps
	// stateRoot enables per-user task persistence when set
	stateRoot string
	logger    *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	observers []events.Handler
}

// NewManager creates a Manager. opts is the template for every session; its
// UserID and StatePath are filled per user. workspaceRoot enables task
// persistence when non-empty.
func NewManager(opts Options, deps Deps, workspaceRoot string) *Manager {
	if deps.Gate == nil {
		deps.Gate = approval.NewGate(approval.DefaultTimeout, deps.Logger)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		deps:      deps,
		stateRoot: workspaceRoot,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Gate returns the shared approval gate
func (m *Manager) Gate() *approval.Gate {
	return m.deps.Gate
}

// Observe subscribes handler to the bus of every current and future session
func (m *Manager) Observe(handler events.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, handler)
	for _, s := range m.sessions {
		s.Bus().Subscribe(handler)
	}
}

// Session returns the user's session, creating it on first use
func (m *Manager) Session(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return s
	}

	opts := m.opts
	opts.UserID = userID
	if m.stateRoot != "" {
		opts.StatePath = tasks.StatePath(m.stateRoot, userID)
	}

	s := New(opts, m.deps)
	if task, ok, err := s.Tracker().Restore(); err != nil {
		m.logger.Warn("failed to restore task state", "user_id", userID, "error", err)
	} else if ok {
		m.logger.Info("restored task state", "user_id", userID, "task_id", task.ID, "status", task.Status)
	}
	for _, h := range m.observers {
		s.Bus().Subscribe(h)
	}
	m.sessions[userID] = s

	m.logger.Debug("session created", "user_id", userID)
	return s
}

// Lookup returns an existing session
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Submit routes an instruction to its user's session
func (m *Manager) Submit(instr protocol.Instruction) error {
	if strings.TrimSpace(instr.UserID) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(instr.Text) == "" {
		return ErrMissingInstruction
	}
	return m.Session(instr.UserID).Submit(instr)
}

// HandleApproval applies a human decision to the shared gate
func (m *Manager) HandleApproval(resp protocol.ApprovalResponse) bool {
	return m.deps.Gate.HandleResponse(resp.ApprovalID, resp.Approved, resp.UserID)
}

// Cancel cancels the running task of one user
func (m *Manager) Cancel(userID, reason string) bool {
	s, ok := m.Lookup(userID)
	if !ok {
		return false
	}
	return s.Cancel(reason)
}

// Close ends a user's session: its task is cancelled and its approvals rejected
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.Cancel("session closed")
	m.deps.Gate.CancelAllForUser(userID)
	s.Wait()
}

// Users lists users with a session, sorted
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]string, 0, len(m.sessions))
	for u := range m.sessions {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Shutdown cancels every running task, rejects every pending approval and waits
// for background runs to return
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	cancelled := 0
	for _, s := range sessions {
		if s.Cancel("overseer shutting down") {
			cancelled++
		}
	}
	cleared := m.deps.Gate.ClearAll()
	for _, s := range sessions {
		s.Wait()
	}

	m.logger.Info("sessions shut down", "sessions", len(sessions), "cancelled", cancelled, "approvals_cleared", cleared)
}
