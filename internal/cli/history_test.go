package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/stretchr/testify/require"
)

func writeUpdateLog(t *testing.T, updates ...protocol.Update) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "updates.ndjson")

	var b strings.Builder
	for _, upd := range updates {
		data, err := json.Marshal(upd)
		require.NoError(t, err)
		b.Write(data)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0600))
	return path
}

func sampleHistory(t *testing.T) string {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return start.Add(time.Duration(s) * time.Second) }

	return writeUpdateLog(t,
		protocol.Update{Type: protocol.UpdateStatus, UserID: "alice", TaskID: "task-1", Message: "Starting task: add a readme", Timestamp: at(0)},
		protocol.Update{Type: protocol.UpdateTaskComplete, UserID: "alice", TaskID: "task-1", Message: "Created README.md", Timestamp: at(12)},
		protocol.Update{Type: protocol.UpdateStatus, UserID: "bob", TaskID: "task-2", Message: "Starting task: push main", Timestamp: at(20)},
		protocol.Update{
			Type: protocol.UpdateApprovalRequired, UserID: "bob", ApprovalID: "appr-1", Message: "Approval required: force push",
			ApprovalDetails: &protocol.ApprovalDetails{Action: "force push", Repo: "demo", Details: "branch: main, force flag"},
			Timestamp:       at(25),
		},
		protocol.Update{Type: protocol.UpdateError, UserID: "bob", TaskID: "task-2", Message: "Agent exited with code 1.", Timestamp: at(40)},
	)
}

func TestHistoryListsTasks(t *testing.T) {
	logPath := sampleHistory(t)

	out, err := executeCommand(t, "", "history", "--log", logPath, "--no-color")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Contains(t, lines[0], "completed add a readme (12s)")
	require.Contains(t, out, "Created README.md")
	require.Contains(t, out, "failed    push main")
	require.Contains(t, out, "approvals: force push")
	require.Contains(t, out, "Agent exited with code 1.")
}

func TestHistoryFiltersAndLimits(t *testing.T) {
	logPath := sampleHistory(t)

	out, err := executeCommand(t, "", "history", "--log", logPath, "--user", "alice")
	require.NoError(t, err)
	require.Contains(t, out, "add a readme")
	require.NotContains(t, out, "push main")

	out, err = executeCommand(t, "", "history", "--log", logPath, "-n", "1")
	require.NoError(t, err)
	require.NotContains(t, out, "add a readme")
	require.Contains(t, out, "push main")
}

func TestHistoryPendingApprovals(t *testing.T) {
	logPath := sampleHistory(t)

	out, err := executeCommand(t, "", "history", "--log", logPath, "--pending")
	require.NoError(t, err)
	require.Contains(t, out, "APPROVAL")
	require.Contains(t, out, "id: appr-1")

	out, err = executeCommand(t, "", "history", "--log", logPath, "--pending", "--user", "alice")
	require.NoError(t, err)
	require.Contains(t, out, "No unanswered approvals.")
}

func TestHistoryWithoutLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "missing.ndjson")

	out, err := executeCommand(t, "", "history", "--log", logPath)
	require.NoError(t, err)
	require.Contains(t, out, "No history yet")
}

func TestHistoryUsesConfiguredLog(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := executeCommand(t, "", "history", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, filepath.Join(filepath.Dir(cfgPath), "logs", "updates.ndjson"))
}

func TestHistoryRejectsNegativeLimit(t *testing.T) {
	_, err := executeCommand(t, "", "history", "--log", "x.ndjson", "--limit", "-2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--limit must not be negative")
}
