// Command apibridge runs the session-oriented bridge that lets an LLM invoke
// REST endpoints on behalf of chat users over a WebSocket channel.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/apibridge/internal/config"
	"github.com/haasonsaas/apibridge/internal/gateway"
	"github.com/haasonsaas/apibridge/internal/llm"
	"github.com/haasonsaas/apibridge/internal/tools"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "apibridge",
		Short:         "LLM-to-REST chat bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Logging)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			logger.Info("tool registry loaded", "tools", registry.Len())

			invoker, err := llm.NewBedrockInvoker(ctx, cfg.LLM)
			if err != nil {
				return err
			}

			server := gateway.NewServer(cfg, registry, invoker, logger)
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func loadRegistry(cfg *config.Config) (*tools.Registry, error) {
	if cfg.Tools.File == "" {
		return tools.NewRegistry(nil, nil, nil)
	}
	return tools.LoadFile(cfg.Tools.File, cfg.Tools.AllowedPaths, cfg.Tools.ExcludedPaths)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
