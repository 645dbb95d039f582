package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/iambrandonn/overseer/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP intake",
	Long: `Serve instructions, approval responses, status queries and a per-user
update stream over HTTP until interrupted. Running tasks are cancelled and
pending approvals rejected on shutdown.`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
	addServeFlags(rootCmd.Flags())
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("addr", "", "Listen address (default: server.addr from config)")
	flags.Bool("no-notify", false, "Disable desktop and webhook notifications")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd, cmd.ErrOrStderr(), cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.Info("loaded configuration", "path", cfgPath)

	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	noNotify, err := cmd.Flags().GetBool("no-notify")
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, cfgPath, logger, runtimeOptions{notifications: !noNotify})
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

	return server.New(rt.manager, logger).ListenAndServe(ctx, addr)
}
