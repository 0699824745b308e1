package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/export"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/notion"
)

// NewExportCmd creates the export command.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the workspace into a local file tree",
		Long: `Export crawls the remote workspace and writes every object as a JSON
file under the output directory.

Progress is checkpointed continuously. Interrupting the run (Ctrl-C) pauses
it gracefully; re-running with the same output directory resumes from the
checkpoint instead of starting over. A successful run removes its checkpoint
and writes export-manifest.json plus a README.md summary.

Examples:
  # Export with token and output directory from flags
  pagevault export --token secret_abc --output ./backup

  # Use a configuration file
  pagevault export -c pagevault.yaml

  # Discard a previous checkpoint and start over
  pagevault export -c pagevault.yaml --fresh`,
		Args: cobra.NoArgs,
		RunE: runExportCmd,
	}

	cmd.Flags().StringP("config", "c", "", "Configuration file path")
	cmd.Flags().StringP("token", "t", "", "API token (overrides config and PAGEVAULT_API_TOKEN)")
	cmd.Flags().StringP("output", "o", "", "Output directory (overrides config)")
	cmd.Flags().Bool("fresh", false, "Delete any existing checkpoint and start a new run")
	cmd.Flags().Bool("metrics", false, "Serve Prometheus metrics during the run")

	return cmd
}

// runExportCmd executes the export command.
func runExportCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildExportConfig(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cmd, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := buildCollector(cmd, cfg)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := collector.Stop(stopCtx); err != nil {
			logger.Warn("failed to stop metrics server", "error", err)
		}
	}()

	// The client reports response headers back to the orchestrator's
	// limiter; the indirection lets the two be constructed in either order.
	var orchestrator *export.Orchestrator
	client, err := notion.NewClient(notion.ClientOptions{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		APIVersion: cfg.API.APIVersion,
		UserAgent:  "pagevault/" + getVersion(),
		OnResponse: func(headers http.Header, duration time.Duration, isError bool) {
			if orchestrator != nil {
				orchestrator.ObserveResponse(headers, duration, isError)
			}
		},
	})
	if err != nil {
		return err
	}

	orchestrator, err = export.New(cfg, client, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to build exporter: %w", err)
	}

	if fresh, _ := cmd.Flags().GetBool("fresh"); fresh {
		if err := orchestrator.Tracker().Delete(); err != nil {
			return err
		}
		logger.Info("discarded previous checkpoint", "output", cfg.Export.OutputDir)
	}

	if err := orchestrator.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("export paused; re-run to resume", "output", cfg.Export.OutputDir)
			return nil
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "export complete: %s\n", cfg.Export.OutputDir)
	return nil
}

// buildExportConfig layers defaults, the optional config file, environment
// variables and command-line flags, in that order.
func buildExportConfig(cmd *cobra.Command) (*config.Configuration, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.API.Token = token
	}
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		cfg.Export.OutputDir = output
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// setupLogger builds the process logger from the configured level and
// format. --verbose forces debug level.
func setupLogger(cmd *cobra.Command, cfg *config.Configuration) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.Global.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Global.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildCollector enables the metrics endpoint when either the configuration
// or the --metrics flag asks for it.
func buildCollector(cmd *cobra.Command, cfg *config.Configuration) (*metrics.Collector, error) {
	flagOn, _ := cmd.Flags().GetBool("metrics")
	enabled := flagOn || (cfg.Monitoring.Enabled && cfg.Monitoring.Prometheus)
	return metrics.NewCollector(&metrics.Config{
		Enabled:   enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "pagevault",
	})
}
