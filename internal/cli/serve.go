package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/internal/server"
	"github.com/devrev/pairdb/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NodeID string
	Root   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions, regs []service.CommandRegistration) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a runtime node",
		Long: `Open the runtime root, recover it from snapshot and journal, and serve
cluster traffic until SIGINT or SIGTERM.

Examples:
  pairdb serve --config ./config.yaml
  CONFIG_PATH=/etc/pairdb.yaml pairdb serve --node-id node-b`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, regs)
		},
	}

	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "override node.node_id")
	cmd.Flags().StringVar(&opts.Root, "root", "", "override runtime.root_dir")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, regs []service.CommandRegistration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.NodeID != "" {
		cfg.Node.NodeID = opts.NodeID
	}
	if opts.Root != "" {
		cfg.Runtime.RootDir = opts.Root
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize logger", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("host", cfg.Node.Host),
		zap.Int("port", cfg.Node.Port),
		zap.String("root", cfg.Runtime.RootDir))

	srv, err := server.NewNodeServer(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open node", err)
	}
	for _, reg := range regs {
		if err := srv.RegisterHandler(reg); err != nil {
			return WrapExitError(ExitCommandError, "failed to register handler", err)
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(sigCtx); err != nil {
		_ = srv.Shutdown(context.Background())
		return WrapExitError(ExitFailure, "failed to start node", err)
	}
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	logger.Info("Node stopped")
	return nil
}
