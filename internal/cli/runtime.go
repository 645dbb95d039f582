package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/iambrandonn/overseer/internal/agent"
	"github.com/iambrandonn/overseer/internal/approval"
	"github.com/iambrandonn/overseer/internal/config"
	"github.com/iambrandonn/overseer/internal/eventlog"
	"github.com/iambrandonn/overseer/internal/fsutil"
	"github.com/iambrandonn/overseer/internal/notify"
	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/iambrandonn/overseer/internal/session"
	"github.com/iambrandonn/overseer/internal/stream"
)

// newRunner builds the agent runner; tests swap it for a fake
var newRunner = func(cfg *config.Config, logger *slog.Logger) agent.Runner {
	return agent.NewProcessRunner(agentCommands(cfg), logger)
}

// runtime is the wired engine shared by serve and run
type runtime struct {
	cfg       *config.Config
	workspace string
	logger    *slog.Logger
	manager   *session.Manager
	eventLog  *eventlog.EventLog
	notifier  *notify.Dispatcher

	stopNotifier context.CancelFunc
}

type runtimeOptions struct {
	notifications bool
}

func newRuntime(cfg *config.Config, cfgPath string, logger *slog.Logger, opts runtimeOptions) (*runtime, error) {
	workspace, err := cfg.ResolveWorkspace(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workspace, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", workspace, err)
	}
	logger.Info("workspace root", "path", workspace)

	streamOpts, err := streamOptions(cfg.Stream)
	if err != nil {
		return nil, err
	}

	gate := approval.NewGate(cfg.ApprovalTimeout(), logger)
	manager := session.NewManager(session.Options{
		DefaultAgent: protocol.AgentKind(cfg.DefaultAgent),
		WorkDir:      workspace,
		Stream:       streamOpts,
		HistoryLimit: cfg.HistoryLimit,
	}, session.Deps{
		Runner: newRunner(cfg, logger),
		Gate:   gate,
		Logger: logger,
	}, workspace)

	rt := &runtime{
		cfg:       cfg,
		workspace: workspace,
		logger:    logger,
		manager:   manager,
	}

	path, err := updateLogPath(cfg, workspace)
	if err != nil {
		return nil, err
	}
	if path != "" {
		evtLog, err := eventlog.NewEventLog(path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create update log: %w", err)
		}
		rt.eventLog = evtLog
		manager.Observe(evtLog.Handle)
		logger.Info("update log", "path", path)
	}

	if opts.notifications {
		dispatcher := notify.NewDispatcher(notifyConfig(cfg.Notifications), logger)
		if dispatcher.Enabled() {
			ctx, cancel := context.WithCancel(context.Background())
			dispatcher.Start(ctx)
			manager.Observe(dispatcher.Handle)
			rt.notifier = dispatcher
			rt.stopNotifier = cancel
		}
	}

	return rt, nil
}

// Close cancels running tasks, then stops notifications and the update log
func (rt *runtime) Close() {
	rt.manager.Shutdown()
	if rt.notifier != nil {
		rt.stopNotifier()
		rt.notifier.Wait()
	}
	if rt.eventLog != nil {
		if err := rt.eventLog.Close(); err != nil {
			rt.logger.Warn("failed to close update log", "error", err)
		}
	}
}

// updateLogPath keeps a relative update_log inside the workspace
func updateLogPath(cfg *config.Config, workspace string) (string, error) {
	rel := cfg.Logging.UpdateLog
	if rel == "" || filepath.IsAbs(rel) {
		return rel, nil
	}
	path, err := fsutil.ResolveWorkspacePath(workspace, rel)
	if err != nil {
		return "", fmt.Errorf("invalid logging.update_log: %w", err)
	}
	return path, nil
}

func agentCommands(cfg *config.Config) map[protocol.AgentKind]agent.Command {
	commands := make(map[protocol.AgentKind]agent.Command)
	for name, ac := range cfg.Agents.ByName() {
		if ac == nil {
			continue
		}
		commands[protocol.AgentKind(name)] = agent.Command{Cmd: ac.Cmd, Env: ac.Env}
	}
	return commands
}

func streamOptions(sc config.Stream) (stream.Options, error) {
	opts := stream.DefaultOptions()
	opts.TokenLimit = sc.TokenLimit
	if sc.WarningRatio > 0 {
		opts.WarningRatio = sc.WarningRatio
	}
	if sc.CharsPerToken > 0 {
		opts.CharsPerToken = sc.CharsPerToken
	}

	if len(sc.TruncationRules) > 0 {
		extra := make([]stream.Rule, 0, len(sc.TruncationRules))
		for _, r := range sc.TruncationRules {
			rule, err := stream.CompileRule(r.Name, r.Pattern, r.Reason)
			if err != nil {
				return stream.Options{}, err
			}
			extra = append(extra, rule)
		}
		opts.Rules = opts.Rules.With(opts.Rules.Version+"+config", extra...)
	}
	return opts, nil
}

func notifyConfig(nc config.Notifications) notify.Config {
	types := make([]protocol.UpdateType, 0, len(nc.Events))
	for _, ev := range nc.Events {
		types = append(types, protocol.UpdateType(ev))
	}
	return notify.Config{
		Desktop:    nc.Desktop,
		WebhookURL: nc.WebhookURL,
		Types:      types,
	}
}
