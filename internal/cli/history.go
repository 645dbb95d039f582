package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/iambrandonn/overseer/internal/ledger"
	"github.com/iambrandonn/overseer/internal/transcript"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past tasks from the update log",
	Long: `Read the update log and list tasks with their outcome, duration and
approvals, newest last. With --pending, list approval requests that were
never answered instead.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringP("user", "u", "", "Only show tasks for this user")
	historyCmd.Flags().IntP("limit", "n", 20, "Show at most this many tasks (0 for all)")
	historyCmd.Flags().Bool("pending", false, "List unanswered approval requests")
	historyCmd.Flags().String("log", "", "Update log to read (default: logging.update_log from config)")
	historyCmd.Flags().Bool("no-color", false, "Disable colored output")
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	userID, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")
	pending, _ := cmd.Flags().GetBool("pending")
	logPath, _ := cmd.Flags().GetString("log")
	noColor, _ := cmd.Flags().GetBool("no-color")

	if limit < 0 {
		return fmt.Errorf("--limit must not be negative: %d", limit)
	}

	if logPath == "" {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		workspace, err := cfg.ResolveWorkspace(cfgPath)
		if err != nil {
			return err
		}
		logPath = cfg.UpdateLogPath(workspace)
		if logPath == "" {
			return errors.New("no update log configured\n\nHint: Set logging.update_log in overseer.json or pass --log")
		}
	}

	l, err := ledger.ReadLedger(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "No history yet (%s does not exist).\n", logPath)
		return nil
	}
	if err != nil {
		return err
	}
	if userID != "" {
		l = l.ForUser(userID)
	}

	formatter := transcript.NewFormatter(!noColor && isTerminalWriter(out))

	if pending {
		approvals := l.PendingApprovals()
		if len(approvals) == 0 {
			fmt.Fprintln(out, "No unanswered approvals.")
			return nil
		}
		for _, upd := range approvals {
			fmt.Fprintln(out, formatter.FormatUpdate(upd))
		}
		return nil
	}

	entries := l.Tasks()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No tasks recorded.")
		return nil
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for _, entry := range entries {
		fmt.Fprintln(out, formatter.FormatTask(entry))
	}
	return nil
}
