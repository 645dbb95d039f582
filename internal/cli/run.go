package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/overseer/internal/events"
	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/iambrandonn/overseer/internal/tasks"
	"github.com/iambrandonn/overseer/internal/transcript"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Run one instruction in the foreground",
	Long: `Run a single instruction against the configured agent and stream its
updates to the console. If no instruction is given, overseer prompts for one.
Sensitive actions are confirmed interactively unless --yes is set.`,
	RunE: runRun,
}

var errInstructionRequired = errors.New("instruction is required")

func init() {
	runCmd.Flags().StringP("user", "u", "local", "User the task runs for")
	runCmd.Flags().StringP("agent", "a", "", "Agent to run: claude or codex (default: default_agent from config)")
	runCmd.Flags().BoolP("yes", "y", false, "Approve every sensitive action without asking")
	runCmd.Flags().Bool("notify", false, "Send configured desktop and webhook notifications")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
}

func runRun(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())

	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cmd.ErrOrStderr(), cfg.Logging.Level)
	if err != nil {
		return err
	}

	userID, _ := cmd.Flags().GetString("user")
	kind, _ := cmd.Flags().GetString("agent")
	autoApprove, _ := cmd.Flags().GetBool("yes")
	withNotify, _ := cmd.Flags().GetBool("notify")
	noColor, _ := cmd.Flags().GetBool("no-color")

	if strings.TrimSpace(userID) == "" {
		return errors.New("--user must not be empty")
	}
	if kind != "" && cfg.Agents.ByName()[kind] == nil {
		return fmt.Errorf("agent %q is not configured", kind)
	}

	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		text, err = promptForInstruction(in, out, isTerminalReader(cmd.InOrStdin()))
		if err != nil {
			return err
		}
	}

	rt, err := newRuntime(cfg, cfgPath, logger, runtimeOptions{notifications: withNotify})
	if err != nil {
		return err
	}
	defer rt.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := rt.manager.Session(userID)
	updates, unsubscribe := sess.Bus().SubscribeChan(events.DefaultChannelBuffer)

	type outcome struct {
		task tasks.Task
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		task, err := sess.Run(ctx, protocol.Instruction{
			UserID:    userID,
			Text:      text,
			Agent:     protocol.AgentKind(kind),
			Timestamp: time.Now().UTC(),
		})
		// Closing the channel ends the loop below once buffered updates are printed
		unsubscribe()
		done <- outcome{task: task, err: err}
	}()

	formatter := transcript.NewFormatter(!noColor && isTerminalWriter(out))
	for upd := range updates {
		fmt.Fprintln(out, formatter.FormatUpdate(&upd))
		if upd.Type != protocol.UpdateApprovalRequired || ctx.Err() != nil {
			continue
		}

		approved, ok := confirm(ctx, in, out, upd, autoApprove)
		if !ok {
			continue
		}
		if !rt.manager.HandleApproval(protocol.ApprovalResponse{
			ApprovalID: upd.ApprovalID,
			Approved:   approved,
			UserID:     userID,
		}) {
			fmt.Fprintf(out, "Approval %s is no longer pending.\n", upd.ApprovalID)
		}
	}

	res := <-done
	if res.err != nil {
		return res.err
	}
	if res.task.Status == tasks.StatusFailed {
		return fmt.Errorf("task %s failed: %s", res.task.ID, res.task.FailReason)
	}
	return nil
}

// confirm asks for a decision on one approval request. It reports false for
// ok when ctx ended before an answer arrived.
func confirm(ctx context.Context, in *bufio.Reader, out io.Writer, upd protocol.Update, autoApprove bool) (approved, ok bool) {
	if autoApprove {
		fmt.Fprintln(out, "Approved automatically (--yes).")
		return true, true
	}

	action := "this action"
	if upd.ApprovalDetails != nil {
		action = upd.ApprovalDetails.Action
	}

	answer := make(chan bool, 1)
	go func() {
		answer <- promptForApproval(in, out, action)
	}()

	select {
	case approved := <-answer:
		return approved, true
	case <-ctx.Done():
		return false, false
	}
}

// promptForApproval reads a yes/no answer; anything but yes rejects
func promptForApproval(r *bufio.Reader, w io.Writer, action string) bool {
	fmt.Fprintf(w, "overseer> Approve %s? [y/N] ", action)

	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintln(w)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func promptForInstruction(r *bufio.Reader, w io.Writer, tty bool) (string, error) {
	if tty {
		fmt.Fprint(w, "overseer> What should I do? ")
	}

	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errInstructionRequired
	}
	if tty {
		fmt.Fprintln(w)
	}
	return line, nil
}

func isTerminalFile(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && isTerminalFile(f)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminalFile(f)
}
