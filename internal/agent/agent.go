// Package agent launches the coding agent subprocess for one instruction and
// streams its raw output.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/iambrandonn/overseer/internal/protocol"
)

// ErrSpawn wraps every failure to start the agent process
var ErrSpawn = errors.New("failed to start agent")

// Request is one agent invocation
type Request struct {
	Kind    protocol.AgentKind
	UserID  string
	TaskID  string
	Prompt  string
	WorkDir string
}

// Runner starts agent executions
type Runner interface {
	Start(ctx context.Context, req Request) (Execution, error)
}

// Execution is a running agent. Output must be drained until it is closed
// before Wait is called.
type Execution interface {
	// Output yields stdout chunks in arrival order and is closed at EOF
	Output() <-chan []byte
	// Wait returns the exit code once the process has exited
	Wait() (int, error)
	// Kill terminates the process
	Kill() error
}

// Command is how one agent kind is launched
type Command struct {
	Cmd []string
	Env map[string]string
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
