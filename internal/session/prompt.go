package session

import (
	"strings"
	"time"
)

// Turn is one entry of the conversation history
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// BuildPrompt prefixes the instruction with the repository and branch context
func BuildPrompt(repo, branch, instruction string) string {
	var b strings.Builder
	if repo != "" {
		b.WriteString("Repository: " + repo + "\n")
	}
	if branch != "" {
		b.WriteString("Branch: " + branch + "\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(instruction))
	return b.String()
}
