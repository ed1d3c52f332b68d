// Package config provides configuration structures and loading logic for the
// directory gateway.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	tlspkg "github.com/polisai/polis-pdti/internal/tls"
	"github.com/polisai/polis-pdti/pkg/domain"
	"github.com/polisai/polis-pdti/pkg/logging"
	"github.com/polisai/polis-pdti/pkg/policy"
	"github.com/polisai/polis-pdti/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// DefaultFederationProperty is the property holding the federation org id.
const DefaultFederationProperty = "ihefederationoid"

// Config holds the global configuration for the gateway.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     logging.Config     `yaml:"logging"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Directory   DirectoryConfig    `yaml:"directory"`
	Federation  FederationConfig   `yaml:"federation"`
	DataSources []DataSourceConfig `yaml:"datasources"`
	Audit       AuditConfig        `yaml:"audit"`
	Policy      PolicyConfig       `yaml:"policy"`
	Dispatch    DispatchConfig     `yaml:"dispatch"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	DataAddress  string        `yaml:"data_address"`
	AdminAddress string        `yaml:"admin_address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxBodyBytes caps the size of an incoming batch request.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// TLS enables HTTPS on the data listener when set.
	TLS tlspkg.Config `yaml:"tls"`
}

// DirectoryConfig describes the local directory this gateway serves.
type DirectoryConfig struct {
	ID               string `yaml:"id"`
	Standard         string `yaml:"standard"`
	Type             string `yaml:"type"`
	EndpointLocation string `yaml:"endpoint_location"`
}

// FederationConfig controls the federation layer and the org id lookup.
type FederationConfig struct {
	Enabled         bool                 `yaml:"enabled"`
	PropertiesFile  string               `yaml:"properties_file"`
	PropertyName    string               `yaml:"property_name"`
	RefreshInterval time.Duration        `yaml:"refresh_interval"`
	Peers           []PeerConfig         `yaml:"peers"`
	Retry           RetryConfig          `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	// TLS configures the client certificate and trust used toward peers.
	TLS tlspkg.Config `yaml:"tls"`
}

// PeerConfig identifies a remote gateway that federated batches are sent to.
type PeerConfig struct {
	ID       string        `yaml:"id"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RetryConfig bounds retries of a single peer call.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig controls the per-peer circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenTrials   int           `yaml:"half_open_trials"`
}

// DataSourceConfig declares a local directory backend.
type DataSourceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	File string `yaml:"file"`
}

// AuditConfig selects the audit store.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PolicyConfig lists the Rego modules evaluated around each batch.
type PolicyConfig struct {
	Modules     []PolicyModule `yaml:"modules"`
	Entrypoint  string         `yaml:"entrypoint"`
	// Entrypoints are further decision paths evaluated after Entrypoint. The
	// first skip or abort wins.
	Entrypoints []string       `yaml:"entrypoints"`

	Posture   string `yaml:"posture"`
	CacheSize int    `yaml:"cache_size"`
}

// DispatchConfig tunes the local fan-out.
type DispatchConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	MaxOperations  int `yaml:"max_operations"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataAddress:  ":8090",
			AdminAddress: ":19090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			MaxBodyBytes: 4 << 20,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Directory: DirectoryConfig{
			Standard: string(domain.StandardIHE),
			Type:     string(domain.DirectoryTypeMain),
		},
		Federation: FederationConfig{
			PropertyName:    DefaultFederationProperty,
			RefreshInterval: 5 * time.Minute,
			Retry: RetryConfig{
				MaxRetries:     2,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenTrials:   1,
			},
		},
		Audit:    AuditConfig{Driver: "memory"},
		Policy:   PolicyConfig{Posture: string(policy.ModeFailClosed)},
		Dispatch: DispatchConfig{MaxConcurrency: 8},
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PDTI_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("PDTI_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("PDTI_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PDTI_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("PDTI_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("PDTI_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("PDTI_DIRECTORY_ID"); val != "" {
		cfg.Directory.ID = val
	}
	if val := os.Getenv("PDTI_DIRECTORY_ENDPOINT"); val != "" {
		cfg.Directory.EndpointLocation = val
	}

	if val := os.Getenv("PDTI_FEDERATION_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.Federation.Enabled = enabled
		}
	}
	if val := os.Getenv("PDTI_FEDERATION_PROPERTIES"); val != "" {
		cfg.Federation.PropertiesFile = val
	}

	if val := os.Getenv("PDTI_AUDIT_DRIVER"); val != "" {
		cfg.Audit.Driver = val
	}
	if val := os.Getenv("PDTI_AUDIT_DSN"); val != "" {
		cfg.Audit.DSN = val
	}

	if val := os.Getenv("PDTI_POLICY_POSTURE"); val != "" {
		cfg.Policy.Posture = val
	}

	if val := os.Getenv("PDTI_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Dispatch.MaxConcurrency = n
		}
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Directory.Validate(); err != nil {
		return fmt.Errorf("directory configuration: %w", err)
	}
	if err := c.Federation.Validate(); err != nil {
		return fmt.Errorf("federation configuration: %w", err)
	}
	seen := make(map[string]struct{}, len(c.DataSources))
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("datasource %d: %w", i, err)
		}
		if _, dup := seen[ds.Name]; dup {
			return fmt.Errorf("duplicate datasource name %q", ds.Name)
		}
		seen[ds.Name] = struct{}{}
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if c.Dispatch.MaxConcurrency < 0 {
		return fmt.Errorf("dispatch configuration: max_concurrency must not be negative")
	}
	if c.Dispatch.MaxOperations < 0 {
		return fmt.Errorf("dispatch configuration: max_operations must not be negative")
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if c.DataAddress == c.AdminAddress {
		return fmt.Errorf("data_address %q conflicts with admin_address", c.DataAddress)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if c.TLS.Enabled() && c.TLS.CertFile == "" {
		return errors.New("tls: cert_file and key_file are required for the data listener")
	}
	return nil
}

func validateLogging(c *logging.Config) error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "trace", "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: trace, debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

// Validate performs validation of the directory descriptor.
func (c *DirectoryConfig) Validate() error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return errors.New("id is required")
	}
	c.Standard = strings.ToLower(strings.TrimSpace(c.Standard))
	if c.Standard == "" {
		c.Standard = string(domain.StandardIHE)
	}
	switch domain.DirectoryType(c.Type) {
	case "":
		c.Type = string(domain.DirectoryTypeMain)
	case domain.DirectoryTypeMain, domain.DirectoryTypeFederate:
	default:
		return fmt.Errorf("invalid directory type %q", c.Type)
	}
	return nil
}

// Descriptor converts the configuration into a domain descriptor.
func (c DirectoryConfig) Descriptor() domain.DirectoryDescriptor {
	return domain.DirectoryDescriptor{
		DirectoryID:      c.ID,
		Standard:         domain.DirectoryStandard(c.Standard),
		Type:             domain.DirectoryType(c.Type),
		EndpointLocation: c.EndpointLocation,
	}
}

// Validate performs validation of federation configuration.
func (c *FederationConfig) Validate() error {
	if strings.TrimSpace(c.PropertyName) == "" {
		c.PropertyName = DefaultFederationProperty
	}
	if c.RefreshInterval < 0 {
		return errors.New("refresh_interval must not be negative")
	}
	if !c.Enabled {
		return nil
	}
	if len(c.Peers) == 0 {
		return errors.New("at least one peer is required when federation is enabled")
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for i, peer := range c.Peers {
		if strings.TrimSpace(peer.ID) == "" {
			return fmt.Errorf("peer %d: id is required", i)
		}
		if _, dup := seen[peer.ID]; dup {
			return fmt.Errorf("duplicate peer id %q", peer.ID)
		}
		seen[peer.ID] = struct{}{}
		u, err := url.Parse(peer.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("peer %s: invalid endpoint %q", peer.ID, peer.Endpoint)
		}
		if peer.Timeout < 0 {
			return fmt.Errorf("peer %s: timeout must not be negative", peer.ID)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must not be negative")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

// Validate performs validation of a datasource declaration.
func (c *DataSourceConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if c.Type == "" {
		c.Type = "static"
	}
	if c.Type != "static" {
		return fmt.Errorf("unsupported datasource type %q", c.Type)
	}
	if strings.TrimSpace(c.File) == "" {
		return fmt.Errorf("datasource %s: file is required", c.Name)
	}
	return nil
}

// Validate performs validation of audit configuration.
func (c *AuditConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = "memory"
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.DSN) == "" {
			return errors.New("dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported audit driver %q", c.Driver)
	}
	return nil
}

// Validate performs validation of policy configuration.
func (c *PolicyConfig) Validate() error {
	mode, err := policy.ParseMode(c.Posture)
	if err != nil {
		return err
	}
	c.Posture = string(mode)
	for i, module := range c.Modules {
		if strings.TrimSpace(module.Path) == "" {
			return fmt.Errorf("module %d: path is required", i)
		}
	}
	seen := map[string]bool{strings.Trim(c.Entrypoint, "/ "): true}
	for i, entry := range c.Entrypoints {
		entry = strings.Trim(entry, "/ ")
		if entry == "" {
			return fmt.Errorf("entrypoint %d is empty", i)
		}
		if seen[entry] {
			return fmt.Errorf("duplicate entrypoint %q", entry)
		}
		seen[entry] = true
	}
	if c.CacheSize < 0 {
		return errors.New("cache_size must not be negative")
	}
	return nil
}
