// Command mockagent stands in for a coding agent CLI in tests. It reads a prompt
// on stdin and writes a scripted stream-json transcript to stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/overseer/internal/protocol"
)

func main() {
	scenario := flag.String("scenario", "", "Built-in scenario (success, push, truncated, fail, slow, raw, subagent)")
	scriptFile := flag.String("script", "", "Path to a JSON script file")
	exitCode := flag.Int("exit-code", -1, "Override the exit code")
	delay := flag.Duration("delay", 0, "Delay between output lines")
	split := flag.Bool("split", false, "Write every line in two partial writes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *scenario == "" {
		*scenario = os.Getenv("OVERSEER_MOCK_SCENARIO")
	}
	if *scenario == "" {
		*scenario = "success"
	}

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Error("failed to read prompt", "error", err)
		os.Exit(1)
	}

	var script *Script
	if *scriptFile != "" {
		script, err = loadScript(*scriptFile)
	} else {
		script, err = builtin(*scenario, string(prompt))
	}
	if err != nil {
		logger.Error("failed to prepare script", "error", err)
		os.Exit(1)
	}
	if *exitCode >= 0 {
		script.ExitCode = *exitCode
	}
	if *delay > 0 {
		script.Delay = *delay
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("mock agent starting", "scenario", *scenario, "pid", os.Getpid(), "lines", len(script.Lines))

	m := &MockAgent{out: bufio.NewWriter(os.Stdout), split: *split, logger: logger}
	if err := m.Run(ctx, script); err != nil {
		logger.Error("mock agent failed", "error", err)
		os.Exit(1)
	}
	os.Exit(script.ExitCode)
}

// Script is a pre-programmed transcript
type Script struct {
	// Lines are written verbatim, one per output line
	Lines    []string      `json:"lines"`
	Stderr   []string      `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Delay    time.Duration `json:"-"`
	DelayMs  int           `json:"delay_ms,omitempty"`

	// NoTrailingNewline leaves the last line unterminated
	NoTrailingNewline bool `json:"no_trailing_newline,omitempty"`
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}

	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script JSON: %w", err)
	}
	script.Delay = time.Duration(script.DelayMs) * time.Millisecond
	return &script, nil
}

// MockAgent writes a Script to stdout
type MockAgent struct {
	out    *bufio.Writer
	split  bool
	logger *slog.Logger
}

// Run emits the script, honouring ctx between lines
func (m *MockAgent) Run(ctx context.Context, script *Script) error {
	for _, line := range script.Stderr {
		fmt.Fprintln(os.Stderr, line)
	}

	for i, line := range script.Lines {
		if i > 0 && script.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(script.Delay):
			}
		}

		terminate := i < len(script.Lines)-1 || !script.NoTrailingNewline
		if err := m.writeLine(line, terminate); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockAgent) writeLine(line string, terminate bool) error {
	if terminate {
		line += "\n"
	}

	parts := []string{line}
	if m.split && len(line) > 1 {
		parts = []string{line[:len(line)/2], line[len(line)/2:]}
	}

	for _, part := range parts {
		if _, err := m.out.WriteString(part); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		if err := m.out.Flush(); err != nil {
			return fmt.Errorf("flush stdout: %w", err)
		}
	}
	return nil
}

func builtin(scenario, prompt string) (*Script, error) {
	session := uuid.NewString()
	firstLine := strings.TrimSpace(strings.SplitN(strings.TrimSpace(prompt), "\n", 2)[0])

	sysInit := record(protocol.Record{Type: protocol.RecordTypeSystem, Subtype: "init", SessionID: session})
	text := func(s string) string {
		return assistant(protocol.ContentBlock{Type: "text", Text: s})
	}
	result := func(s string) string {
		return record(protocol.Record{Type: protocol.RecordTypeResult, Subtype: "success", SessionID: session, Result: s})
	}

	switch scenario {
	case "success":
		return &Script{Lines: []string{
			sysInit,
			text("Working on: " + firstLine),
			text("Created README.md and committed the changes."),
			result("Created README.md and committed the changes."),
		}}, nil

	case "push":
		return &Script{Lines: []string{
			sysInit,
			text("Pushing the branch."),
			assistant(protocol.ContentBlock{
				Type:  "tool_use",
				ID:    "toolu_" + session[:8],
				Name:  "Bash",
				Input: map[string]any{"command": "git push origin main --force"},
			}),
			result("Pushed main to origin."),
		}}, nil

	case "truncated":
		msg := protocol.Record{
			Type: protocol.RecordTypeAssistant,
			Message: &protocol.Message{
				Role:       "assistant",
				StopReason: protocol.StopReasonMaxTokens,
				Content:    []protocol.ContentBlock{{Type: "text", Text: "Here is the first part of a very long answer"}},
			},
		}
		return &Script{Lines: []string{sysInit, record(msg)}}, nil

	case "fail":
		return &Script{
			Lines:    []string{sysInit, text("Starting.")},
			Stderr:   []string{"fatal: not a git repository"},
			ExitCode: 2,
		}, nil

	case "slow":
		lines := []string{sysInit}
		for i := 1; i <= 50; i++ {
			lines = append(lines, text(fmt.Sprintf("step %d", i)))
		}
		return &Script{Lines: append(lines, result("finished")), Delay: 100 * time.Millisecond}, nil

	case "raw":
		return &Script{
			Lines:             []string{"plain output line", "\x1b[32mcolored line\x1b[0m", `{"type":"result","result":"raw done"}`},
			NoTrailingNewline: true,
		}, nil

	case "subagent":
		return &Script{Lines: []string{
			sysInit,
			assistant(protocol.ContentBlock{
				Type:  "tool_use",
				ID:    "toolu_sub",
				Name:  "Task",
				Input: map[string]any{"description": "explore repository", "prompt": firstLine},
			}),
			record(protocol.Record{
				Type:    protocol.RecordTypeUser,
				Message: &protocol.Message{Role: "user", Content: []protocol.ContentBlock{{Type: "tool_result", ToolUseID: "toolu_sub"}}},
			}),
			result("Explored the repository."),
		}}, nil
	}

	return nil, fmt.Errorf("unknown scenario %q", scenario)
}

func assistant(block protocol.ContentBlock) string {
	return record(protocol.Record{
		Type:    protocol.RecordTypeAssistant,
		Message: &protocol.Message{Role: "assistant", Content: []protocol.ContentBlock{block}},
	})
}

func record(r protocol.Record) string {
	data, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(data)
}
