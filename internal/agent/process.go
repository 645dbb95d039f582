package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/iambrandonn/overseer/internal/protocol"
)

const (
	chunkSize      = 32 * 1024
	outputBuffer   = 64
	stderrTailSize = 20
)

// ProcessRunner runs agents as local subprocesses
type ProcessRunner struct {
	commands map[protocol.AgentKind]Command
	logger   *slog.Logger
}

// NewProcessRunner creates a runner for the given launch commands
func NewProcessRunner(commands map[protocol.AgentKind]Command, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{commands: commands, logger: logger}
}

// Start launches the agent and writes the prompt to its stdin
func (r *ProcessRunner) Start(ctx context.Context, req Request) (Execution, error) {
	launch, ok := r.commands[req.Kind]
	if !ok || len(launch.Cmd) == 0 {
		return nil, fmt.Errorf("%w: no command configured for agent %q", ErrSpawn, req.Kind)
	}

	proc := exec.CommandContext(ctx, launch.Cmd[0], launch.Cmd[1:]...)
	proc.Dir = req.WorkDir

	proc.Env = os.Environ()
	proc.Env = setEnv(proc.Env, "OVERSEER_AGENT", string(req.Kind))
	proc.Env = setEnv(proc.Env, "OVERSEER_USER_ID", req.UserID)
	proc.Env = setEnv(proc.Env, "OVERSEER_TASK_ID", req.TaskID)
	keys := make([]string, 0, len(launch.Env))
	for k := range launch.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		proc.Env = setEnv(proc.Env, k, launch.Env[k])
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrSpawn, err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, launch.Cmd[0], err)
	}

	logger := r.logger.With("agent", req.Kind, "task_id", req.TaskID, "pid", proc.Process.Pid)
	logger.Info("agent started", "cmd", launch.Cmd)

	e := &process{
		proc:       proc,
		logger:     logger,
		output:     make(chan []byte, outputBuffer),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		killed:     make(chan struct{}),
	}

	go e.writePrompt(stdin, req.Prompt)
	go e.readStdout(stdout)
	go e.readStderr(stderr)

	return e, nil
}

// process is one running subprocess
type process struct {
	proc   *exec.Cmd
	logger *slog.Logger
	output chan []byte

	stdoutDone chan struct{}
	stderrDone chan struct{}
	killed     chan struct{}
	killOnce   sync.Once
	mu         sync.Mutex
	stderrTail []string

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (p *process) Output() <-chan []byte {
	return p.output
}

// Wait reaps the process. A non-zero exit is reported through the code, not the error.
func (p *process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		<-p.stdoutDone
		<-p.stderrDone
		err := p.proc.Wait()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
			p.logger.Warn("agent exited with error", "exit_code", p.exitCode, "stderr", p.StderrTail())
		default:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("wait for agent: %w", err)
		}
		p.logger.Info("agent exited", "exit_code", p.exitCode)
	})
	return p.exitCode, p.waitErr
}

func (p *process) Kill() error {
	if p.proc.Process == nil {
		return nil
	}
	p.killOnce.Do(func() { close(p.killed) })
	p.logger.Warn("killing agent")
	if err := p.proc.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill agent: %w", err)
	}
	return nil
}

// StderrTail returns the last lines the agent wrote to stderr
func (p *process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}

func (p *process) writePrompt(stdin io.WriteCloser, prompt string) {
	defer stdin.Close()
	if _, err := io.WriteString(stdin, prompt); err != nil {
		p.logger.Warn("failed to write prompt", "error", err)
	}
}

func (p *process) readStdout(stdout io.Reader) {
	defer close(p.stdoutDone)
	defer close(p.output)

	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-p.killed:
				// nobody drains output after a kill
				io.Copy(io.Discard, stdout)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Error("error reading agent stdout", "error", err)
			}
			return
		}
	}
}

func (p *process) readStderr(stderr io.Reader) {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("agent stderr", "line", line)

		p.mu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailSize {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailSize:]
		}
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Error("error reading agent stderr", "error", err)
	}
}
