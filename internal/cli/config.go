package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/iambrandonn/overseer/internal/config"
	"github.com/spf13/cobra"
)

// loadOrCreateConfig loads the config from an explicit path, then from the
// nearest overseer.json up the tree, and writes a default one to the working
// directory when neither exists.
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	// If explicit path provided, use it
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Debug("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, config.FileName)
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}
	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for overseer.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return "", nil
		}
		dir = parent
	}
}

func parseLogLevel(input string) (slog.Level, string, error) {
	level := strings.ToLower(strings.TrimSpace(input))
	switch level {
	case "", "info":
		return slog.LevelInfo, "info", nil
	case "debug":
		return slog.LevelDebug, "debug", nil
	case "warn", "warning":
		return slog.LevelWarn, "warn", nil
	case "error", "err":
		return slog.LevelError, "error", nil
	default:
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
}

// newLogger writes text logs to w. The --log-level flag overrides the
// configured level.
func newLogger(cmd *cobra.Command, w io.Writer, configured string) (*slog.Logger, error) {
	input := configured
	if flag, err := cmd.Flags().GetString("log-level"); err == nil && flag != "" {
		input = flag
	}
	level, _, err := parseLogLevel(input)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// loadConfig resolves and validates the configuration before the real logger
// exists, so discovery logs go to stderr at the flag level only.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	bootstrap, err := newLogger(cmd, cmd.ErrOrStderr(), "")
	if err != nil {
		return nil, "", err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, bootstrap)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}
