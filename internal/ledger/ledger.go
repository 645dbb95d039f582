// Package ledger reads an update log back into per-task history.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/iambrandonn/overseer/internal/ndjson"
	"github.com/iambrandonn/overseer/internal/protocol"
)

const startPrefix = "Starting task: "

// Outcome is how a task ended according to the log
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Ledger is a parsed update log
type Ledger struct {
	Updates []*protocol.Update
}

// TaskEntry is one task reconstructed from its updates
type TaskEntry struct {
	TaskID      string
	UserID      string
	Description string
	StartedAt   time.Time
	EndedAt     time.Time
	Outcome     Outcome
	// Message is the summary or failure reason of a finished task
	Message   string
	Approvals []string
}

// ReadLedger reads and parses an NDJSON update log. Unknown update types are
// rejected like malformed lines.
func ReadLedger(path string) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	ledger := &Ledger{Updates: make([]*protocol.Update, 0)}

	dec := ndjson.NewDecoder(file, slog.New(slog.DiscardHandler))
	for {
		upd, err := dec.DecodeUpdate()
		if errors.Is(err, io.EOF) {
			return ledger, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger: %w", err)
		}
		ledger.Updates = append(ledger.Updates, upd)
	}
}

// ForUser returns a ledger holding only one user's updates
func (l *Ledger) ForUser(userID string) *Ledger {
	out := &Ledger{Updates: make([]*protocol.Update, 0)}
	for _, upd := range l.Updates {
		if upd.UserID == userID {
			out.Updates = append(out.Updates, upd)
		}
	}
	return out
}

// Tasks groups updates into tasks in the order they started. Approval requests
// carry no task id and are attributed to the user's open task.
func (l *Ledger) Tasks() []*TaskEntry {
	var order []*TaskEntry
	byID := make(map[string]*TaskEntry)
	open := make(map[string]*TaskEntry)

	for _, upd := range l.Updates {
		if upd.TaskID == "" {
			if upd.Type == protocol.UpdateApprovalRequired {
				if entry, ok := open[upd.UserID]; ok && upd.ApprovalDetails != nil {
					entry.Approvals = append(entry.Approvals, upd.ApprovalDetails.Action)
				}
			}
			continue
		}

		entry, ok := byID[upd.TaskID]
		if !ok {
			entry = &TaskEntry{
				TaskID:    upd.TaskID,
				UserID:    upd.UserID,
				StartedAt: upd.Timestamp,
				Outcome:   OutcomeRunning,
			}
			byID[upd.TaskID] = entry
			order = append(order, entry)
			open[upd.UserID] = entry
		}

		switch upd.Type {
		case protocol.UpdateStatus:
			if desc, ok := strings.CutPrefix(upd.Message, startPrefix); ok && entry.Description == "" {
				entry.Description = desc
			}
			if strings.HasPrefix(upd.Message, "Task cancelled") && entry.Outcome == OutcomeRunning {
				entry.finish(OutcomeFailed, upd)
				delete(open, upd.UserID)
			}
		case protocol.UpdateTaskComplete:
			entry.finish(OutcomeCompleted, upd)
			delete(open, upd.UserID)
		case protocol.UpdateError:
			entry.finish(OutcomeFailed, upd)
			delete(open, upd.UserID)
		}
	}
	return order
}

func (e *TaskEntry) finish(outcome Outcome, upd *protocol.Update) {
	e.Outcome = outcome
	e.Message = upd.Message
	e.EndedAt = upd.Timestamp
}

// PendingApprovals returns approval requests with no later update carrying
// the same approval id
func (l *Ledger) PendingApprovals() []*protocol.Update {
	resolved := make(map[string]bool)
	for _, upd := range l.Updates {
		if upd.ApprovalID != "" && upd.Type != protocol.UpdateApprovalRequired {
			resolved[upd.ApprovalID] = true
		}
	}

	pending := make([]*protocol.Update, 0)
	for _, upd := range l.Updates {
		if upd.Type == protocol.UpdateApprovalRequired && !resolved[upd.ApprovalID] {
			pending = append(pending, upd)
		}
	}
	return pending
}
