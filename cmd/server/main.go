package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-bridge/internal/api"
	"claude-bridge/internal/bridge"
	"claude-bridge/internal/config"
	"claude-bridge/internal/logging"
	"claude-bridge/internal/supervisor"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	port       int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Bridge a Claude agent socket to an SSE UI protocol",
	Long: `server runs the agent bridge: agents spawned with --sdk-url dial the
ingress socket, and UI clients drive runs over HTTP with SSE responses.

Run without a subcommand to serve.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gateway and the agent ingress",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the configured agent binary supports --sdk-url",
	RunE:  runCheck,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "gateway port (overrides http_addr)")

	rootCmd.AddCommand(serveCmd, checkCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if port > 0 {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := supervisor.CheckAvailable(checkCtx, cfg.AgentBinary); err != nil {
		logger.Warn("agent binary check failed; spawning may not work", zap.Error(err))
	}
	cancel()

	logger.Info("starting bridge",
		zap.String("http", cfg.HTTPAddr),
		zap.String("ingress", cfg.IngressAddr),
		zap.String("agent", cfg.AgentID))

	br := bridge.New(cfg, logger)
	br.Mount("/api/", api.New(br, logger.Named("api")).Handler())
	return br.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := supervisor.CheckAvailable(cmd.Context(), cfg.AgentBinary); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfg.AgentBinary)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
