package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// FileName is the configuration file searched for by the CLI
const FileName = "overseer.json"

// Config represents the overseer.json configuration file
type Config struct {
	Version       string        `json:"version"`
	WorkspaceRoot string        `json:"workspace_root"`
	DefaultAgent  string        `json:"default_agent"`
	HistoryLimit  int           `json:"history_limit"`
	Approval      Approval      `json:"approval"`
	Stream        Stream        `json:"stream"`
	Agents        Agents        `json:"agents"`
	Server        Server        `json:"server"`
	Notifications Notifications `json:"notifications"`
	Logging       Logging       `json:"logging"`
}

// Approval configures the approval gate
type Approval struct {
	TimeoutS int `json:"timeout_s"`
}

// Stream configures output budget tracking and truncation detection
type Stream struct {
	TokenLimit      int              `json:"token_limit"`
	WarningRatio    float64          `json:"warning_ratio"`
	CharsPerToken   float64          `json:"chars_per_token"`
	TruncationRules []TruncationRule `json:"truncation_rules,omitempty"`
}

// TruncationRule adds a phrasing that marks agent output as truncated
type TruncationRule struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
}

// Agents contains the launch configuration per agent kind
type Agents struct {
	Claude *AgentConfig `json:"claude,omitempty"`
	Codex  *AgentConfig `json:"codex,omitempty"`
}

// AgentConfig contains configuration for a single agent
type AgentConfig struct {
	Cmd []string          `json:"cmd"`
	Env map[string]string `json:"env,omitempty"`
}

// Server configures the HTTP intake
type Server struct {
	Addr string `json:"addr"`
}

// Notifications configures desktop and webhook notifications
type Notifications struct {
	Desktop    bool     `json:"desktop"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// Logging configures the process logger and the update log
type Logging struct {
	Level     string `json:"level"`
	UpdateLog string `json:"update_log"`
}

var (
	knownAgents = []string{"claude", "codex"}
	knownEvents = []string{"STATUS_UPDATE", "APPROVAL_REQUIRED", "TASK_COMPLETE", "ERROR"}
	knownLevels = []string{"", "debug", "info", "warn", "warning", "error", "err"}
)

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		DefaultAgent:  "claude",
		HistoryLimit:  20,
		Approval: Approval{
			TimeoutS: 1800,
		},
		Stream: Stream{
			TokenLimit:    32000,
			WarningRatio:  0.8,
			CharsPerToken: 4.0,
		},
		Agents: Agents{
			Claude: &AgentConfig{
				Cmd: []string{"claude", "-p", "--output-format", "stream-json", "--verbose"},
			},
			Codex: &AgentConfig{
				Cmd: []string{"codex", "exec", "--json", "-"},
			},
		},
		Server: Server{
			Addr: "127.0.0.1:8484",
		},
		Notifications: Notifications{
			Desktop: true,
		},
		Logging: Logging{
			Level:     "info",
			UpdateLog: "logs/updates.ndjson",
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Approval.TimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'approval.timeout_s' value: %d\n\nHint: The approval window must be positive. The default is 30 minutes:\n  \"approval\": {\n    \"timeout_s\": 1800\n  }", c.Approval.TimeoutS)
	}

	if c.HistoryLimit < 0 {
		return fmt.Errorf("configuration error: invalid 'history_limit' value: %d\n\nHint: Use 0 for the default or a positive number of turns:\n  \"history_limit\": 20", c.HistoryLimit)
	}

	if err := c.Stream.Validate(); err != nil {
		return err
	}

	if !slices.Contains(knownAgents, c.DefaultAgent) {
		return fmt.Errorf("configuration error: unknown 'default_agent' %q\n\nHint: Choose one of: %s", c.DefaultAgent, strings.Join(knownAgents, ", "))
	}

	agents := c.Agents.ByName()
	if agents[c.DefaultAgent] == nil {
		return fmt.Errorf("configuration error: default agent '%s' is not configured\n\nHint: Add its configuration:\n  \"agents\": {\n    \"%s\": {\n      \"cmd\": [\"%s\"]\n    }\n  }", c.DefaultAgent, c.DefaultAgent, c.DefaultAgent)
	}

	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if agent := agents[name]; agent != nil {
			if err := agent.Validate(name); err != nil {
				return err
			}
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("configuration error: missing required field 'server.addr'\n\nHint: Set the listen address for the HTTP intake:\n  \"server\": {\n    \"addr\": \"127.0.0.1:8484\"\n  }")
	}

	if err := c.Notifications.Validate(); err != nil {
		return err
	}

	if !slices.Contains(knownLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("configuration error: unknown 'logging.level' %q\n\nHint: Use one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// Validate checks the stream settings and compiles every truncation rule
func (s *Stream) Validate() error {
	if s.TokenLimit < 0 {
		return fmt.Errorf("configuration error: invalid 'stream.token_limit' value: %d\n\nHint: Use 0 to disable the output budget warning or a positive limit:\n  \"token_limit\": 32000", s.TokenLimit)
	}
	if s.WarningRatio < 0 || s.WarningRatio > 1 {
		return fmt.Errorf("configuration error: invalid 'stream.warning_ratio' value: %g\n\nHint: The ratio is a share of the token limit between 0 and 1:\n  \"warning_ratio\": 0.8", s.WarningRatio)
	}
	if s.CharsPerToken < 0 {
		return fmt.Errorf("configuration error: invalid 'stream.chars_per_token' value: %g\n\nHint: Use a positive average such as:\n  \"chars_per_token\": 4.0", s.CharsPerToken)
	}

	for i, rule := range s.TruncationRules {
		if rule.Name == "" {
			return fmt.Errorf("configuration error: truncation rule %d has no 'name'\n\nHint: Name every rule so it can be identified in logs:\n  {\"name\": \"stream_cut_off\", \"pattern\": \"(?i)stream cut off\"}", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("configuration error: truncation rule '%s' has an invalid pattern: %w\n\nHint: Patterns use Go regexp syntax, e.g. \"(?i)output was cut\"", rule.Name, err)
		}
	}
	return nil
}

// Validate checks an agent configuration for errors
func (a *AgentConfig) Validate(agentName string) error {
	if len(a.Cmd) == 0 {
		return fmt.Errorf("configuration error: agent '%s' has empty 'cmd' field\n\nHint: Specify the command to run the agent:\n  \"cmd\": [\"%s\"]", agentName, agentName)
	}
	return nil
}

// Validate checks the webhook URL and event filter
func (n *Notifications) Validate() error {
	if n.WebhookURL != "" {
		u, err := url.Parse(n.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("configuration error: invalid 'notifications.webhook_url' %q\n\nHint: Use an absolute http or https URL:\n  \"webhook_url\": \"https://hooks.example.com/overseer\"", n.WebhookURL)
		}
	}
	for _, ev := range n.Events {
		if !slices.Contains(knownEvents, ev) {
			return fmt.Errorf("configuration error: unknown notification event %q\n\nHint: Use any of: %s", ev, strings.Join(knownEvents, ", "))
		}
	}
	return nil
}

// ByName returns the configured agents keyed by kind
func (a Agents) ByName() map[string]*AgentConfig {
	return map[string]*AgentConfig{
		"claude": a.Claude,
		"codex":  a.Codex,
	}
}

// ApprovalTimeout returns the approval window as a duration
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutS) * time.Second
}

// ResolveWorkspace returns the absolute workspace root. A relative root is
// resolved against the directory holding the config file.
func (c *Config) ResolveWorkspace(configPath string) (string, error) {
	root := c.WorkspaceRoot
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(configPath), root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return abs, nil
}

// UpdateLogPath returns the update log location inside workspace
func (c *Config) UpdateLogPath(workspace string) string {
	if c.Logging.UpdateLog == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.UpdateLog) {
		return c.Logging.UpdateLog
	}
	return filepath.Join(workspace, c.Logging.UpdateLog)
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	// Owner read/write only: the file may hold a webhook secret
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
