// Package main is the entry point for the pdti-gateway binary, the IHE PDTI
// directory gateway serving batch requests over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/polisai/polis-pdti/pkg/config"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/polisai/polis-pdti/pkg/telemetry"
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath        = "pdti.yaml"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for pdti-gateway.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pdti-gateway",
		Short: "IHE PDTI directory gateway",
		Long: `A directory gateway that answers DSML-style batch requests from local
data sources and, for federated requests, from peer gateways.

Example:
  pdti-gateway serve --config /etc/pdti/pdti.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the data and admin listeners",
		RunE:  runServe,
	}
	cmd.Flags().String("data-listen", "", "HTTP listen address for batch requests")
	cmd.Flags().String("admin-listen", "", "HTTP listen address for health and metrics")
	cmd.Flags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and build the gateway without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := buildListenerTLS(cfg.Server, configDir(cmd)); err != nil {
				return err
			}
			gw, err := buildGateway(cmd.Context(), cfg, configDir(cmd), logging.Discard())
			if err != nil {
				return err
			}
			defer gw.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: directory %s (%s), %d datasource(s), federation %s\n",
				cfg.Directory.ID, cfg.Directory.Standard, len(cfg.DataSources), enabledWord(cfg.Federation.Enabled))
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration load failed: %w", err)
	}
	return cfg, nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-listen"); v != "" {
		cfg.Server.DataAddress = v
	}
	if v, _ := cmd.Flags().GetString("admin-listen"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	logger := logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := cfg.Telemetry
	if telemetryCfg.ServiceName == "" {
		telemetryCfg.ServiceName = telemetry.DefaultServiceName
	}
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	baseDir := configDir(cmd)
	listenerTLS, err := buildListenerTLS(cfg.Server, baseDir)
	if err != nil {
		return err
	}
	gw, err := buildGateway(ctx, cfg, baseDir, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	dataSrv := &http.Server{
		Addr:         cfg.Server.DataAddress,
		Handler:      gw.handler.DataRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    listenerTLS,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           gw.handler.AdminRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	serve(logger, "data", dataSrv, errCh)
	serve(logger, "admin", adminSrv, errCh)

	logger.Info("pdti gateway started",
		"directory_id", cfg.Directory.ID,
		"standard", cfg.Directory.Standard,
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
		"federation", cfg.Federation.Enabled,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("listener failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	for name, srv := range map[string]*http.Server{"data": dataSrv, "admin": adminSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}
	return serveErr
}

func serve(logger *slog.Logger, name string, srv *http.Server, errCh chan<- error) {
	go func() {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
			return
		}
		logger.Info("listener started", "server", name, "address", ln.Addr().String(), "tls", srv.TLSConfig != nil)
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
