package main

import (
	"context"
	stdtls "crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/polisai/polis-pdti/internal/governance"
	tlspkg "github.com/polisai/polis-pdti/internal/tls"
	"github.com/polisai/polis-pdti/pkg/config"
	"github.com/polisai/polis-pdti/pkg/datasource"
	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/engine"
	"github.com/polisai/polis-pdti/pkg/engine/handlers"
	"github.com/polisai/polis-pdti/pkg/engine/runtime"
	"github.com/polisai/polis-pdti/pkg/federation"
	"github.com/polisai/polis-pdti/pkg/policy"
	"github.com/polisai/polis-pdti/pkg/server"
	"github.com/polisai/polis-pdti/pkg/storage"
	"github.com/spf13/cobra"
)

// gateway holds the composed runtime and the resources it owns.
type gateway struct {
	orchestrator *engine.Orchestrator
	handler      *server.Handler
	audit        storage.AuditStore
	closers      []func() error
	logger       *slog.Logger
}

// Close releases owned resources in reverse order of acquisition.
func (g *gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			g.logger.Warn("resource close failed", "error", err)
		}
	}
}

// buildGateway wires every component named in cfg. Relative file paths
// resolve against baseDir.
func buildGateway(ctx context.Context, cfg *config.Config, baseDir string, logger *slog.Logger) (gw *gateway, err error) {
	gw = &gateway{logger: logger}
	defer func() {
		if err != nil {
			gw.Close()
			gw = nil
		}
	}()

	sources := make([]domain.DataSource, 0, len(cfg.DataSources))
	for _, ds := range cfg.DataSources {
		src, err := datasource.LoadStatic(ds.Name, resolve(baseDir, ds.File), logger)
		if err != nil {
			return gw, fmt.Errorf("datasource %s: %w", ds.Name, err)
		}
		sources = append(sources, src)
	}

	audit, err := storage.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return gw, fmt.Errorf("audit store: %w", err)
	}
	gw.audit = audit
	gw.closers = append(gw.closers, audit.Close)

	interceptors := []runtime.Interceptor{
		handlers.OperationLimit{Max: cfg.Dispatch.MaxOperations},
		handlers.RequestNormalizer{},
	}
	if len(cfg.Policy.Modules) > 0 {
		interceptor, err := buildPolicy(ctx, cfg.Policy, baseDir, logger)
		if err != nil {
			return gw, err
		}
		interceptors = append(interceptors, interceptor)
	}

	orchCfg := engine.Config{
		Descriptor:     cfg.Directory.Descriptor(),
		DataSources:    sources,
		Interceptors:   interceptors,
		Audit:          audit,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		Logger:         logger,
	}

	var peers server.PeerStatusReporter
	if cfg.Federation.Enabled {
		fed, err := buildFederator(cfg.Federation, baseDir, logger)
		if err != nil {
			return gw, err
		}
		orchCfg.Federation = fed
		peers = fed

		if cfg.Federation.PropertiesFile != "" {
			props, err := config.NewPropertySource(config.PropertySourceOptions{
				Path:            resolve(baseDir, cfg.Federation.PropertiesFile),
				Property:        cfg.Federation.PropertyName,
				RefreshInterval: cfg.Federation.RefreshInterval,
				Watch:           true,
				Logger:          logger,
			})
			if err != nil {
				return gw, fmt.Errorf("federation properties: %w", err)
			}
			gw.closers = append(gw.closers, props.Close)
			orchCfg.OrgIDs = props
		}
	}

	orchestrator, err := engine.NewStandardRegistry().Build(orchCfg)
	if err != nil {
		return gw, err
	}
	gw.orchestrator = orchestrator

	handler, err := server.NewHandler(server.Config{
		Processor:    orchestrator,
		Peers:        peers,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return gw, err
	}
	gw.handler = handler
	return gw, nil
}

func buildPolicy(ctx context.Context, cfg config.PolicyConfig, baseDir string, logger *slog.Logger) (runtime.Interceptor, error) {
	modules, err := config.LoadPolicyModules(baseDir, cfg.Modules)
	if err != nil {
		return nil, err
	}
	pe, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	filters := []policy.Filter{pe}
	for _, entry := range cfg.Entrypoints {
		filter, err := pe.Bind(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("policy engine: %w", err)
		}
		filters = append(filters, filter)
	}
	return handlers.NewPolicyInterceptor(policy.NewChain(filters...), handlers.PolicyOptions{
		Posture: policy.Mode(cfg.Posture),
		Logger:  logger,
	}), nil
}

func buildFederator(cfg config.FederationConfig, baseDir string, logger *slog.Logger) (*federation.HTTPFederator, error) {
	peers := make([]federation.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, federation.Peer{ID: p.ID, Endpoint: p.Endpoint, Timeout: p.Timeout})
	}

	retry := governance.DefaultRetryConfig()
	retry.MaxRetries = cfg.Retry.MaxRetries
	if cfg.Retry.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.Retry.InitialBackoff
	}
	if cfg.Retry.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.Retry.MaxBackoff
	}

	var clientTLS *stdtls.Config
	if cfg.TLS.Enabled() {
		var err error
		clientTLS, err = tlspkg.BuildClient(absoluteTLS(baseDir, cfg.TLS))
		if err != nil {
			return nil, fmt.Errorf("federation tls: %w", err)
		}
	}

	fed, err := federation.NewHTTPFederator(federation.Options{
		Peers:     peers,
		TLSConfig: clientTLS,
		Retry:     retry,
		CircuitBreaker: governance.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
			HalfOpenTrials:   cfg.CircuitBreaker.HalfOpenTrials,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("federation: %w", err)
	}
	return fed, nil
}

// buildListenerTLS returns nil when the data listener serves plain HTTP.
func buildListenerTLS(cfg config.ServerConfig, baseDir string) (*stdtls.Config, error) {
	if !cfg.TLS.Enabled() {
		return nil, nil
	}
	tlsCfg, err := tlspkg.BuildServer(absoluteTLS(baseDir, cfg.TLS))
	if err != nil {
		return nil, fmt.Errorf("data listener tls: %w", err)
	}
	return tlsCfg, nil
}

func absoluteTLS(baseDir string, cfg tlspkg.Config) tlspkg.Config {
	abs := func(path string) string {
		path = resolve(baseDir, path)
		if path == "" {
			return ""
		}
		if p, err := filepath.Abs(path); err == nil {
			return p
		}
		return path
	}
	cfg.CertFile = abs(cfg.CertFile)
	cfg.KeyFile = abs(cfg.KeyFile)
	cfg.CAFile = abs(cfg.CAFile)
	return cfg
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

// configDir returns the directory holding the config file, used to resolve
// relative paths inside it.
func configDir(cmd *cobra.Command) string {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		return ""
	}
	return filepath.Dir(path)
}
