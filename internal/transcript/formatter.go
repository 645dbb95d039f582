// Package transcript renders update events and task history for the console.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/iambrandonn/overseer/internal/ledger"
	"github.com/iambrandonn/overseer/internal/protocol"
)

var (
	green  = lipgloss.Color("#A6E3A1")
	yellow = lipgloss.Color("#F9E2AF")
	red    = lipgloss.Color("#F38BA8")
	blue   = lipgloss.Color("#89B4FA")
	subtle = lipgloss.Color("#6C7086")
)

// Formatter formats update events for console output
type Formatter struct {
	color bool

	stamp    lipgloss.Style
	user     lipgloss.Style
	detail   lipgloss.Style
	byType   map[protocol.UpdateType]lipgloss.Style
	byStatus map[ledger.Outcome]lipgloss.Style
}

// NewFormatter creates a Formatter. Without color every line is plain text.
func NewFormatter(color bool) *Formatter {
	f := &Formatter{
		color:  color,
		stamp:  lipgloss.NewStyle().Foreground(subtle),
		user:   lipgloss.NewStyle().Bold(true),
		detail: lipgloss.NewStyle().Foreground(subtle),
		byType: map[protocol.UpdateType]lipgloss.Style{
			protocol.UpdateStatus:           lipgloss.NewStyle().Foreground(blue),
			protocol.UpdateApprovalRequired: lipgloss.NewStyle().Foreground(yellow).Bold(true),
			protocol.UpdateTaskComplete:     lipgloss.NewStyle().Foreground(green).Bold(true),
			protocol.UpdateError:            lipgloss.NewStyle().Foreground(red).Bold(true),
		},
		byStatus: map[ledger.Outcome]lipgloss.Style{
			ledger.OutcomeRunning:   lipgloss.NewStyle().Foreground(blue),
			ledger.OutcomeCompleted: lipgloss.NewStyle().Foreground(green),
			ledger.OutcomeFailed:    lipgloss.NewStyle().Foreground(red),
		},
	}
	return f
}

// FormatUpdate renders one update. Approval requests get an indented details line.
func (f *Formatter) FormatUpdate(upd *protocol.Update) string {
	label := fmt.Sprintf("%-8s", shortType(upd.Type))

	var b strings.Builder
	b.WriteString(f.render(f.stamp, "["+clock(upd.Timestamp)+"]"))
	b.WriteString(" ")
	b.WriteString(f.render(f.byType[upd.Type], label))
	b.WriteString(" ")
	if upd.UserID != "" {
		b.WriteString(f.render(f.user, upd.UserID))
		b.WriteString(": ")
	}
	b.WriteString(upd.Message)

	if d := upd.ApprovalDetails; d != nil {
		parts := []string{"action: " + d.Action}
		if d.Repo != "" {
			parts = append(parts, "repo: "+d.Repo)
		}
		if d.Details != "" {
			parts = append(parts, d.Details)
		}
		if upd.ApprovalID != "" {
			parts = append(parts, "id: "+upd.ApprovalID)
		}
		b.WriteString("\n    ")
		b.WriteString(f.render(f.detail, strings.Join(parts, " | ")))
	}
	return b.String()
}

// FormatTask renders one history entry
func (f *Formatter) FormatTask(entry *ledger.TaskEntry) string {
	status := fmt.Sprintf("%-9s", entry.Outcome)
	line := fmt.Sprintf("%s %s %s",
		f.render(f.stamp, entry.StartedAt.UTC().Format(time.DateTime)),
		f.render(f.byStatus[entry.Outcome], status),
		entry.Description)

	if entry.Outcome != ledger.OutcomeRunning && !entry.EndedAt.IsZero() {
		line += f.render(f.detail, fmt.Sprintf(" (%s)", formatDuration(entry.EndedAt.Sub(entry.StartedAt))))
	}
	if len(entry.Approvals) > 0 {
		line += "\n    " + f.render(f.detail, "approvals: "+strings.Join(entry.Approvals, ", "))
	}
	if entry.Message != "" {
		msg := strings.ReplaceAll(entry.Message, "\n", "; ")
		line += "\n    " + msg
	}
	return line
}

func (f *Formatter) render(style lipgloss.Style, s string) string {
	if !f.color {
		return s
	}
	return style.Render(s)
}

func shortType(t protocol.UpdateType) string {
	switch t {
	case protocol.UpdateStatus:
		return "STATUS"
	case protocol.UpdateApprovalRequired:
		return "APPROVAL"
	case protocol.UpdateTaskComplete:
		return "DONE"
	case protocol.UpdateError:
		return "ERROR"
	default:
		return string(t)
	}
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format(time.TimeOnly)
}

// formatDuration rounds to a readable precision
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
