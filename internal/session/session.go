// Package session drives instructions end to end: it starts the task, runs the
// agent, routes detected sensitive actions through the approval gate and reports
// every state change on the session's update bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/overseer/internal/agent"
	"github.com/iambrandonn/overseer/internal/approval"
	"github.com/iambrandonn/overseer/internal/detector"
	"github.com/iambrandonn/overseer/internal/events"
	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/iambrandonn/overseer/internal/resolver"
	"github.com/iambrandonn/overseer/internal/stream"
	"github.com/iambrandonn/overseer/internal/tasks"
)

// DefaultHistoryLimit bounds the conversation history kept per session
const DefaultHistoryLimit = 20

// ErrBusy is returned when an instruction arrives while a task is running
var ErrBusy = errors.New("session busy")

// ContextResolver turns an instruction into repository/branch context
type ContextResolver interface {
	Resolve(instruction string) (resolver.Context, bool)
}

// Options configures one Session
type Options struct {
	UserID       string
	DefaultAgent protocol.AgentKind
	WorkDir      string
	Stream       stream.Options
	HistoryLimit int
	// StatePath persists the current task when set
	StatePath string
}

// Deps are the collaborators a Session drives
type Deps struct {
	Runner   agent.Runner
	Gate     *approval.Gate
	Detector *detector.Detector
	Resolver ContextResolver
	Logger   *slog.Logger
}

// Status is the answer to a status query
type Status struct {
	UserID     string              `json:"user_id"`
	Processing bool                `json:"processing"`
	Repo       string              `json:"repo,omitempty"`
	Branch     string              `json:"branch,omitempty"`
	Task       *tasks.Task         `json:"task,omitempty"`
	SubAgents  []stream.SubAgent   `json:"sub_agents"`
	Pending    []approval.Snapshot `json:"pending_approvals"`
}

// Session owns the state of one user's conversation with the agent
type Session struct {
	opts     Options
	runner   agent.Runner
	gate     *approval.Gate
	detector *detector.Detector
	resolver ContextResolver
	bus      *events.Bus
	tracker  *tasks.Tracker
	logger   *slog.Logger

	mu         sync.Mutex
	processing bool
	generation uint64
	cancelRun  context.CancelFunc
	execution  agent.Execution
	repo       string
	branch     string
	history    []Turn
	subAgents  []stream.SubAgent
	wg         sync.WaitGroup
}

// New creates a Session with its own update bus
func New(opts Options, deps Deps) *Session {
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = protocol.AgentKindClaude
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Stream.TokenLimit == 0 && opts.Stream.Rules.Rules == nil {
		opts.Stream = stream.DefaultOptions()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Detector == nil {
		deps.Detector = detector.NewDefault()
	}
	if deps.Resolver == nil {
		deps.Resolver = resolver.New()
	}
	if deps.Gate == nil {
		deps.Gate = approval.NewGate(approval.DefaultTimeout, logger)
	}
	logger = logger.With("user_id", opts.UserID)

	return &Session{
		opts:     opts,
		runner:   deps.Runner,
		gate:     deps.Gate,
		detector: deps.Detector,
		resolver: deps.Resolver,
		bus:      events.NewBus(logger),
		tracker:  tasks.NewTracker(opts.StatePath),
		logger:   logger,
	}
}

// UserID returns the owner of the session
func (s *Session) UserID() string {
	return s.opts.UserID
}

// Bus returns the session's update feed
func (s *Session) Bus() *events.Bus {
	return s.bus
}

// Tracker returns the session's task tracker
func (s *Session) Tracker() *tasks.Tracker {
	return s.tracker
}

// Submit accepts an instruction and processes it in the background. It returns
// ErrBusy, after emitting an ERROR update, when a task is already running.
func (s *Session) Submit(instr protocol.Instruction) error {
	ctx, gen, err := s.acquire(context.Background())
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, gen, instr)
	}()
	return nil
}

// Run processes an instruction on the calling goroutine and returns the final task
func (s *Session) Run(ctx context.Context, instr protocol.Instruction) (tasks.Task, error) {
	runCtx, gen, err := s.acquire(ctx)
	if err != nil {
		return tasks.Task{}, err
	}

	s.run(runCtx, gen, instr)
	task, _ := s.tracker.Current()
	return task, nil
}

// Wait blocks until background runs started by Submit have returned
func (s *Session) Wait() {
	s.wg.Wait()
}

// Cancel stops the running task: the agent is killed, the processing lock is
// released at once, the task is marked failed and pending approvals are rejected.
func (s *Session) Cancel(reason string) bool {
	s.mu.Lock()
	if !s.processing {
		s.mu.Unlock()
		return false
	}

	cancel := s.cancelRun
	execution := s.execution
	s.processing = false
	s.generation++
	s.cancelRun = nil
	s.execution = nil
	s.subAgents = nil

	var failed *tasks.Task
	if task, ok := s.tracker.Current(); ok && task.Status == tasks.StatusRunning {
		msg := "Task cancelled"
		if reason != "" {
			msg += ": " + reason
		}
		if err := s.tracker.Fail(task.ID, msg); err != nil {
			s.logger.Error("failed to mark cancelled task", "task_id", task.ID, "error", err)
		}
		failed = &task
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if execution != nil {
		if err := execution.Kill(); err != nil {
			s.logger.Warn("failed to kill agent", "error", err)
		}
	}
	n := s.gate.CancelAllForUser(s.opts.UserID)

	s.logger.Info("task cancelled", "reason", reason, "approvals_cancelled", n)
	upd := protocol.Update{
		Type:    protocol.UpdateStatus,
		UserID:  s.opts.UserID,
		Message: "Task cancelled.",
	}
	if failed != nil {
		upd.TaskID = failed.ID
		upd.Message = fmt.Sprintf("Task cancelled: %s", failed.Description)
	}
	s.bus.Publish(upd)
	return true
}

// Status reports the current task, running sub-agents and pending approvals
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		UserID:     s.opts.UserID,
		Processing: s.processing,
		Repo:       s.repo,
		Branch:     s.branch,
		SubAgents:  append([]stream.SubAgent{}, s.subAgents...),
	}
	s.mu.Unlock()

	if task, ok := s.tracker.Current(); ok {
		st.Task = &task
	}
	st.Pending = s.gate.PendingFor(s.opts.UserID)
	if st.Pending == nil {
		st.Pending = []approval.Snapshot{}
	}
	return st
}

// History returns a copy of the conversation history, oldest first
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// acquire takes the processing lock or rejects the instruction
func (s *Session) acquire(parent context.Context) (context.Context, uint64, error) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()

		msg := "A task is already in progress. Wait for it to finish or cancel it first."
		if task, ok := s.tracker.Current(); ok && task.Status == tasks.StatusRunning {
			msg = fmt.Sprintf("A task is already in progress: %s. Wait for it to finish or cancel it first.", task.Description)
		}
		s.logger.Info("instruction rejected, session busy")
		s.bus.Publish(protocol.Update{Type: protocol.UpdateError, UserID: s.opts.UserID, Message: msg})
		return nil, 0, ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	s.processing = true
	s.generation++
	s.cancelRun = cancel
	gen := s.generation
	s.mu.Unlock()

	return ctx, gen, nil
}

// release drops the processing lock unless a Cancel or a newer run owns it
func (s *Session) release(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen || !s.processing {
		return
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.processing = false
	s.cancelRun = nil
	s.execution = nil
	s.subAgents = nil
}

// commit runs fn under the session lock if gen still owns the session
func (s *Session) commit(gen uint64, fn func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return false, nil
	}
	return true, fn()
}

// publish emits upd unless the run generation is stale
func (s *Session) publish(gen uint64, upd protocol.Update) {
	s.mu.Lock()
	current := s.generation == gen
	s.mu.Unlock()

	if !current {
		return
	}
	upd.UserID = s.opts.UserID
	s.bus.Publish(upd)
}

func (s *Session) run(ctx context.Context, gen uint64, instr protocol.Instruction) {
	defer s.release(gen)

	var task tasks.Task
	started := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "panic", r)
			reason := fmt.Sprintf("Internal error: %v", r)
			if started {
				s.fail(gen, task, reason)
				return
			}
			s.publish(gen, protocol.Update{Type: protocol.UpdateError, Message: reason})
		}
	}()

	// Context
	if rc, ok := s.resolver.Resolve(instr.Text); ok {
		s.applyContext(gen, rc)
	}

	kind := instr.Agent
	if kind == "" {
		kind = s.opts.DefaultAgent
	}

	ok, err := s.commit(gen, func() error {
		var err error
		task, err = s.tracker.Start(s.opts.UserID, kind, instr.Text)
		return err
	})
	if !ok {
		return
	}
	if err != nil {
		// Persisting a started task can fail after the task exists in memory
		if task.ID == "" {
			s.logger.Error("failed to start task", "error", err)
			s.publish(gen, protocol.Update{Type: protocol.UpdateError, Message: fmt.Sprintf("Failed to start task: %v", err)})
			return
		}
		s.logger.Warn("task state not persisted", "task_id", task.ID, "error", err)
	}
	started = true

	logger := s.logger.With("task_id", task.ID, "agent", kind)
	logger.Info("task started", "description", task.Description)
	s.publish(gen, protocol.Update{
		Type:    protocol.UpdateStatus,
		TaskID:  task.ID,
		Message: fmt.Sprintf("Starting task: %s", task.Description),
	})

	if err := s.execute(ctx, gen, task, kind, instr, logger); err != nil {
		logger.Warn("task failed", "error", err)

		reason := fmt.Sprintf("Internal error: %v", err)
		var f *failure
		if errors.As(err, &f) {
			reason = f.reason
		}
		s.fail(gen, task, reason)
	}
}

// failure carries the user-facing reason a task failed
type failure struct {
	reason string
	cause  error
}

func (f *failure) Error() string {
	if f.cause != nil {
		return f.reason + ": " + f.cause.Error()
	}
	return f.reason
}

func (f *failure) Unwrap() error {
	return f.cause
}

// execute covers launching the agent through completing the task. Any returned
// error fails the task with its text as the user-facing reason.
func (s *Session) execute(ctx context.Context, gen uint64, task tasks.Task, kind protocol.AgentKind, instr protocol.Instruction, logger *slog.Logger) error {
	s.mu.Lock()
	prompt := BuildPrompt(s.repo, s.branch, instr.Text)
	repo := s.repo
	s.mu.Unlock()
	s.appendHistory(RoleUser, prompt)

	result, err := s.runAgent(ctx, gen, task, kind, prompt, logger)
	if err != nil {
		return err
	}
	if result == nil {
		// cancelled
		return nil
	}

	actions := s.detector.DetectInResponse(result.Text)
	if len(actions) > 0 {
		logger.Info("sensitive actions detected", "count", len(actions))
	}
	for _, action := range actions {
		proceed, err := s.awaitApproval(ctx, gen, task, repo, action, logger)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	s.appendHistory(RoleAssistant, result.Final)
	summary := Summarize(result.Final)

	ok, err := s.commit(gen, func() error {
		return s.tracker.Complete(task.ID, summary)
	})
	if !ok {
		return nil
	}
	if err != nil && !errors.Is(err, tasks.ErrTaskFinished) {
		logger.Warn("task state not persisted", "error", err)
	}

	logger.Info("task completed", "chars", result.Chars, "estimate", result.Estimate)
	s.publish(gen, protocol.Update{
		Type:    protocol.UpdateTaskComplete,
		TaskID:  task.ID,
		Message: summary,
	})
	return nil
}

// runAgent streams the agent's output through a Reader. A nil result with a nil
// error means the run was cancelled.
func (s *Session) runAgent(ctx context.Context, gen uint64, task tasks.Task, kind protocol.AgentKind, prompt string, logger *slog.Logger) (*stream.Result, error) {
	if s.runner == nil {
		return nil, errors.New("no agent runner configured")
	}

	execution, err := s.runner.Start(ctx, agent.Request{
		Kind:    kind,
		UserID:  s.opts.UserID,
		TaskID:  task.ID,
		Prompt:  prompt,
		WorkDir: s.opts.WorkDir,
	})
	if err != nil {
		if !errors.Is(err, agent.ErrSpawn) {
			err = fmt.Errorf("%w: %w", agent.ErrSpawn, err)
		}
		return nil, &failure{reason: fmt.Sprintf("Agent could not be started: %v", err), cause: err}
	}

	if ok, _ := s.commit(gen, func() error { s.execution = execution; return nil }); !ok {
		if err := execution.Kill(); err != nil {
			logger.Warn("failed to kill agent", "error", err)
		}
		for range execution.Output() {
		}
		execution.Wait()
		return nil, nil
	}

	reader := stream.NewReader(s.opts.Stream)
	reader.SetWarningHandler(func(w stream.Warning) {
		logger.Warn("agent output approaching limit", "estimate", w.Estimate, "limit", w.Limit)
		s.publish(gen, protocol.Update{
			Type:    protocol.UpdateStatus,
			TaskID:  task.ID,
			Message: fmt.Sprintf("Approaching output limit: about %d of %d tokens used.", w.Estimate, w.Limit),
		})
	})
	reader.SetSubAgentHandler(func(ev stream.SubAgentEvent) {
		s.trackSubAgent(gen, ev)
		verb := "finished"
		if ev.Started {
			verb = "started"
		}
		s.publish(gen, protocol.Update{
			Type:    protocol.UpdateStatus,
			TaskID:  task.ID,
			Message: fmt.Sprintf("Sub-agent %s: %s", verb, ev.SubAgent.Description),
		})
	})

	for chunk := range execution.Output() {
		reader.Feed(chunk)
	}
	code, waitErr := execution.Wait()
	result := reader.Finalize()

	if ok, _ := s.commit(gen, func() error { s.execution = nil; return nil }); !ok {
		return nil, nil
	}

	logger.Info("agent finished",
		"exit_code", code,
		"records", result.Records,
		"raw_lines", result.RawLines,
		"estimate", result.Estimate,
		"truncated", result.Truncated())

	switch {
	case result.Truncated():
		return nil, &failure{reason: result.Truncation}
	case ctx.Err() != nil:
		return nil, &failure{reason: "Task interrupted before the agent finished.", cause: ctx.Err()}
	case waitErr != nil:
		return nil, &failure{reason: fmt.Sprintf("Agent failed: %v", waitErr), cause: waitErr}
	case code != 0:
		return nil, &failure{reason: fmt.Sprintf("Agent exited with code %d.", code)}
	}
	return &result, nil
}

// awaitApproval blocks on one detected action. It returns false when the run
// was cancelled while waiting.
func (s *Session) awaitApproval(ctx context.Context, gen uint64, task tasks.Task, repo string, action detector.DetectedAction, logger *slog.Logger) (bool, error) {
	if repo == "" {
		repo = "current repository"
	}

	pending := s.gate.RequestApproval(approval.Request{
		UserID:  s.opts.UserID,
		Action:  action.Label,
		Repo:    repo,
		Details: action.Details,
		Command: action.Command,
	}, s.bus)
	logger.Info("awaiting approval",
		"approval_id", pending.ID,
		"action", action.Label,
		"category", action.Category,
		"severity", action.Severity)

	approved, err := pending.Wait(ctx)
	if err != nil {
		s.gate.Cancel(pending.ID)
		if ok, _ := s.commit(gen, func() error { return nil }); !ok {
			return false, nil
		}
		return false, &failure{reason: "Task interrupted while awaiting approval.", cause: err}
	}

	outcome := pending.Outcome()
	ok, err := s.commit(gen, func() error {
		return s.tracker.RecordApproval(task.ID, tasks.ApprovalRecord{
			ApprovalID: pending.ID,
			Action:     action.Label,
			Outcome:    string(outcome),
		})
	})
	if !ok {
		return false, nil
	}
	if err != nil {
		logger.Warn("approval outcome not persisted", "error", err)
	}
	s.appendHistory(RoleSystem, fmt.Sprintf("%s %s: %s", action.Label, outcome, action.Command))

	msg := fmt.Sprintf("Rejected: %s", action.Label)
	if approved {
		msg = fmt.Sprintf("Approved: %s", action.Label)
	}
	s.publish(gen, protocol.Update{
		Type:       protocol.UpdateStatus,
		TaskID:     task.ID,
		ApprovalID: pending.ID,
		Message:    msg,
	})
	return true, nil
}

func (s *Session) fail(gen uint64, task tasks.Task, reason string) {
	ok, err := s.commit(gen, func() error {
		return s.tracker.Fail(task.ID, reason)
	})
	if !ok {
		return
	}
	if err != nil && !errors.Is(err, tasks.ErrTaskFinished) {
		s.logger.Warn("task state not persisted", "task_id", task.ID, "error", err)
	}
	s.publish(gen, protocol.Update{
		Type:    protocol.UpdateError,
		TaskID:  task.ID,
		Message: reason,
	})
}

func (s *Session) applyContext(gen uint64, rc resolver.Context) {
	s.commit(gen, func() error {
		if rc.Repo != "" {
			s.repo = rc.Repo
		}
		if rc.Branch != "" {
			s.branch = rc.Branch
		}
		return nil
	})
	s.logger.Debug("context resolved", "action", rc.Action, "repo", rc.Repo, "branch", rc.Branch)
}

func (s *Session) trackSubAgent(gen uint64, ev stream.SubAgentEvent) {
	s.commit(gen, func() error {
		if ev.Started {
			s.subAgents = append(s.subAgents, ev.SubAgent)
			return nil
		}
		for i, sa := range s.subAgents {
			if sa.ID == ev.SubAgent.ID {
				s.subAgents = append(s.subAgents[:i], s.subAgents[i+1:]...)
				break
			}
		}
		return nil
	})
}

func (s *Session) appendHistory(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, Turn{Role: role, Text: text, At: time.Now().UTC()})
	if over := len(s.history) - s.opts.HistoryLimit; over > 0 {
		s.history = append([]Turn(nil), s.history[over:]...)
	}
}
