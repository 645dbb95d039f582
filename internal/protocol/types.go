package protocol

import (
	"time"
)

// AgentKind identifies the coding agent CLI that executes an instruction
type AgentKind string

const (
	AgentKindClaude AgentKind = "claude"
	AgentKindCodex  AgentKind = "codex"
	// AgentKindMock runs the scripted test agent
	AgentKindMock   AgentKind = "mock"
)

// RecordType is the "type" field of one stream-json line emitted by an agent
type RecordType string

const (
	RecordTypeSystem     RecordType = "system"
	RecordTypeAssistant  RecordType = "assistant"
	RecordTypeUser       RecordType = "user"
	RecordTypeResult     RecordType = "result"
	RecordTypeToolUse    RecordType = "tool_use"
	RecordTypeToolResult RecordType = "tool_result"
	RecordTypeText       RecordType = "text"
)

// StopReasonMaxTokens is the stop reason an agent reports when its output hit the length ceiling
const StopReasonMaxTokens = "max_tokens"

// ContentBlock is one element of an assistant or user message
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// Message is the nested message carried by assistant/user records
type Message struct {
	Role       string         `json:"role,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// Record is one structured line of agent output
type Record struct {
	Type       RecordType     `json:"type"`
	Subtype    string         `json:"subtype,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Message    *Message       `json:"message,omitempty"`
	Result     string         `json:"result,omitempty"`
	Text       string         `json:"text,omitempty"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// UpdateType classifies an update event emitted to session subscribers
type UpdateType string

const (
	UpdateStatus           UpdateType = "STATUS_UPDATE"
	UpdateApprovalRequired UpdateType = "APPROVAL_REQUIRED"
	UpdateTaskComplete     UpdateType = "TASK_COMPLETE"
	UpdateError            UpdateType = "ERROR"
)

// ApprovalDetails describes the action awaiting confirmation
type ApprovalDetails struct {
	Action  string `json:"action"`
	Repo    string `json:"repo"`
	Details string `json:"details"`
}

// Update is one state-change notification broadcast to a session's subscribers
type Update struct {
	Type            UpdateType       `json:"type"`
	UserID          string           `json:"user_id"`
	Message         string           `json:"message"`
	ApprovalID      string           `json:"approval_id,omitempty"`
	ApprovalDetails *ApprovalDetails `json:"approval_details,omitempty"`
	TaskID          string           `json:"task_id,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Instruction is a natural-language request submitted by a user
type Instruction struct {
	UserID    string    `json:"user_id"`
	Text      string    `json:"instruction"`
	Agent     AgentKind `json:"agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalResponse is a human decision on a pending approval
type ApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	UserID     string `json:"user_id"`
}
