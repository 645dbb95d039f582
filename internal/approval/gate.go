// Package approval turns a detected sensitive action into an asynchronous,
// timeout-bounded human decision.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/overseer/internal/events"
	"github.com/iambrandonn/overseer/internal/protocol"
)

// DefaultTimeout is how long a request waits for a human before it is auto-rejected
const DefaultTimeout = 30 * time.Minute

// Outcome records how a pending approval was settled
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

type state int

const (
	statePending state = iota
	stateSettled
)

// Request describes the action awaiting confirmation
type Request struct {
	UserID  string
	Action  string
	Repo    string
	Details string
	Command string
}

// Pending is one outstanding approval. Its decision is settled exactly once.
type Pending struct {
	ID        string
	Request   Request
	CreatedAt time.Time
	ExpiresAt time.Time

	// guarded by Gate.mu
	state     state
	timer     *time.Timer
	publisher events.Publisher

	// written before done is closed
	approved bool
	outcome  Outcome
	done     chan struct{}
}

// Wait blocks until the approval is settled or ctx ends. A cancelled context
// counts as a rejection.
func (p *Pending) Wait(ctx context.Context) (bool, error) {
	select {
	case <-p.done:
		return p.approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Done is closed once the approval is settled
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome returns how the approval was settled; empty while pending
func (p *Pending) Outcome() Outcome {
	select {
	case <-p.done:
		return p.outcome
	default:
		return ""
	}
}

// Snapshot is a read-only view of a pending approval
type Snapshot struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Repo      string    `json:"repo"`
	Details   string    `json:"details"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Gate holds every outstanding approval across sessions
type Gate struct {
	mu      sync.Mutex
	pending map[string]*Pending
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate creates a Gate. A non-positive timeout uses DefaultTimeout.
func NewGate(timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*Pending),
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Timeout returns the approval window
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// RequestApproval registers a pending approval, announces it on pub and arms the timeout
func (g *Gate) RequestApproval(req Request, pub events.Publisher) *Pending {
	now := g.now()
	p := &Pending{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(g.timeout),
		state:     statePending,
		publisher: pub,
		done:      make(chan struct{}),
	}

	g.mu.Lock()
	g.pending[p.ID] = p
	p.timer = time.AfterFunc(g.timeout, func() { g.expire(p) })
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"approval_id", p.ID,
		"user_id", req.UserID,
		"action", req.Action,
		"timeout", g.timeout)

	if pub != nil {
		pub.Publish(protocol.Update{
			Type:       protocol.UpdateApprovalRequired,
			UserID:     req.UserID,
			Message:    fmt.Sprintf("Approval required: %s", req.Action),
			ApprovalID: p.ID,
			ApprovalDetails: &protocol.ApprovalDetails{
				Action:  req.Action,
				Repo:    req.Repo,
				Details: req.Details,
			},
		})
	}

	return p
}

// HandleResponse applies a human decision. It returns false without side effects
// when the id is unknown or the responder is not the requester.
func (g *Gate) HandleResponse(approvalID string, approved bool, userID string) bool {
	g.mu.Lock()
	p, ok := g.pending[approvalID]
	if !ok {
		g.mu.Unlock()
		g.logger.Warn("approval response for unknown id", "approval_id", approvalID, "user_id", userID)
		return false
	}
	if p.Request.UserID != userID {
		g.mu.Unlock()
		g.logger.Warn("approval response from wrong user",
			"approval_id", approvalID,
			"user_id", userID,
			"requester", p.Request.UserID)
		return false
	}

	outcome := OutcomeRejected
	if approved {
		outcome = OutcomeApproved
	}
	settled := g.settleLocked(p, approved, outcome)
	g.mu.Unlock()

	if settled {
		g.logger.Info("approval resolved", "approval_id", approvalID, "outcome", outcome)
	}
	return settled
}

// Cancel rejects one pending approval without a human response
func (g *Gate) Cancel(approvalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[approvalID]
	if !ok {
		return false
	}
	return g.settleLocked(p, false, OutcomeCancelled)
}

// CancelAllForUser rejects every pending approval of one user
func (g *Gate) CancelAllForUser(userID string) int {
	g.mu.Lock()
	n := 0
	for _, p := range g.pending {
		if p.Request.UserID == userID && g.settleLocked(p, false, OutcomeCancelled) {
			n++
		}
	}
	g.mu.Unlock()

	if n > 0 {
		g.logger.Info("cancelled pending approvals", "user_id", userID, "count", n)
	}
	return n
}

// ClearAll rejects every pending approval
func (g *Gate) ClearAll() int {
	g.mu.Lock()
	n := 0
	for _, p := range g.pending {
		if g.settleLocked(p, false, OutcomeCancelled) {
			n++
		}
	}
	g.mu.Unlock()

	if n > 0 {
		g.logger.Info("cleared pending approvals", "count", n)
	}
	return n
}

// PendingFor lists the outstanding approvals of one user, oldest first
func (g *Gate) PendingFor(userID string) []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Snapshot
	for _, p := range g.pending {
		if p.Request.UserID != userID {
			continue
		}
		out = append(out, Snapshot{
			ID:        p.ID,
			Action:    p.Request.Action,
			Repo:      p.Request.Repo,
			Details:   p.Request.Details,
			Command:   p.Request.Command,
			CreatedAt: p.CreatedAt,
			ExpiresAt: p.ExpiresAt,
		})
	}
	sortSnapshots(out)
	return out
}

// Len returns the number of outstanding approvals
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) expire(p *Pending) {
	g.mu.Lock()
	settled := g.settleLocked(p, false, OutcomeTimedOut)
	pub := p.publisher
	g.mu.Unlock()

	if !settled {
		return
	}

	g.logger.Warn("approval timed out", "approval_id", p.ID, "user_id", p.Request.UserID, "action", p.Request.Action)
	if pub != nil {
		pub.Publish(protocol.Update{
			Type:       protocol.UpdateStatus,
			UserID:     p.Request.UserID,
			Message:    fmt.Sprintf("Approval timed out after %s: %s was not confirmed and has been rejected.", g.timeout, p.Request.Action),
			ApprovalID: p.ID,
		})
	}
}

// settleLocked is the only place a Pending leaves the pending state. g.mu must be held.
func (g *Gate) settleLocked(p *Pending, approved bool, outcome Outcome) bool {
	if p.state != statePending {
		return false
	}
	p.state = stateSettled
	delete(g.pending, p.ID)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.approved = approved
	p.outcome = outcome
	close(p.done)
	return true
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
