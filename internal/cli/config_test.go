package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/iambrandonn/overseer/internal/config"
	"github.com/iambrandonn/overseer/internal/fsutil"
	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/iambrandonn/overseer/internal/stream"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		level slog.Level
		name  string
	}{
		{"", slog.LevelInfo, "info"},
		{"INFO", slog.LevelInfo, "info"},
		{"debug", slog.LevelDebug, "debug"},
		{" warning ", slog.LevelWarn, "warn"},
		{"err", slog.LevelError, "error"},
	}
	for _, tt := range tests {
		level, name, err := parseLogLevel(tt.input)
		require.NoError(t, err, tt.input)
		require.Equal(t, tt.level, level, tt.input)
		require.Equal(t, tt.name, name, tt.input)
	}

	_, _, err := parseLogLevel("trace")
	require.Error(t, err)
}

func TestLoadOrCreateConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, path, err := loadOrCreateConfig("", logger)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, config.FileName), path)
	require.Equal(t, config.GenerateDefault(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")
}

func TestLoadOrCreateConfigSearchesUp(t *testing.T) {
	root := t.TempDir()
	cfg := config.GenerateDefault()
	cfg.HistoryLimit = 7
	require.NoError(t, cfg.SaveToFile(filepath.Join(root, config.FileName)))

	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0700))
	t.Chdir(nested)

	found, err := findConfigInTree()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, config.FileName), found)

	loaded, _, err := loadOrCreateConfig("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Equal(t, 7, loaded.HistoryLimit)
}

func TestLoadOrCreateConfigExplicitPathMissing(t *testing.T) {
	_, _, err := loadOrCreateConfig(filepath.Join(t.TempDir(), "nope.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load config from")
}

func TestStreamOptions(t *testing.T) {
	sc := config.GenerateDefault().Stream
	opts, err := streamOptions(sc)
	require.NoError(t, err)
	require.Equal(t, 32000, opts.TokenLimit)
	require.Equal(t, stream.DefaultRuleSet().Version, opts.Rules.Version)
	require.Len(t, opts.Rules.Rules, len(stream.DefaultRuleSet().Rules))

	sc.TokenLimit = 0
	sc.TruncationRules = []config.TruncationRule{{Name: "cut", Pattern: `(?i)stream cut off`, Reason: "Stream was cut off."}}
	opts, err = streamOptions(sc)
	require.NoError(t, err)
	require.Zero(t, opts.TokenLimit)
	require.Len(t, opts.Rules.Rules, len(stream.DefaultRuleSet().Rules)+1)
	last := opts.Rules.Rules[len(opts.Rules.Rules)-1]
	require.Equal(t, "cut", last.Name)
	require.Equal(t, "Stream was cut off.", last.Reason)
	require.True(t, last.Pattern.MatchString("the STREAM CUT OFF here"))

	sc.TruncationRules = []config.TruncationRule{{Name: "bad", Pattern: "("}}
	_, err = streamOptions(sc)
	require.Error(t, err)
}

func TestAgentCommands(t *testing.T) {
	cfg := config.GenerateDefault()
	cfg.Agents.Codex = nil
	cfg.Agents.Claude.Env = map[string]string{"ANTHROPIC_LOG": "debug"}

	commands := agentCommands(cfg)
	require.Len(t, commands, 1)
	claude := commands[protocol.AgentKindClaude]
	require.Equal(t, cfg.Agents.Claude.Cmd, claude.Cmd)
	require.Equal(t, "debug", claude.Env["ANTHROPIC_LOG"])
}

func TestNotifyConfig(t *testing.T) {
	nc := notifyConfig(config.Notifications{
		Desktop:    true,
		WebhookURL: "https://hooks.example.com/x",
		Events:     []string{"ERROR"},
	})
	require.True(t, nc.Desktop)
	require.Equal(t, "https://hooks.example.com/x", nc.WebhookURL)
	require.Equal(t, []protocol.UpdateType{protocol.UpdateError}, nc.Types)
}

func TestUpdateLogPath(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.GenerateDefault()

	path, err := updateLogPath(cfg, workspace)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workspace, "logs", "updates.ndjson"), path)

	cfg.Logging.UpdateLog = ""
	path, err = updateLogPath(cfg, workspace)
	require.NoError(t, err)
	require.Empty(t, path)

	cfg.Logging.UpdateLog = "/var/log/overseer.ndjson"
	path, err = updateLogPath(cfg, workspace)
	require.NoError(t, err)
	require.Equal(t, "/var/log/overseer.ndjson", path)

	cfg.Logging.UpdateLog = "../outside.ndjson"
	_, err = updateLogPath(cfg, workspace)
	require.ErrorIs(t, err, fsutil.ErrOutsideWorkspace)
}
