package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config contains shared TLS settings for both client and server contexts.
type Config struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile verifies client certificates on a listener and peer
	// certificates on a client.
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
	// RequireClientCert rejects listener connections without a verified
	// client certificate. It needs CAFile.
	RequireClientCert bool `yaml:"require_client_cert"`
}

// Enabled reports whether any TLS material is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != ""
}

// Validate checks that file settings are consistent without reading them.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("both cert_file and key_file are required")
	}
	if c.RequireClientCert && c.CAFile == "" {
		return errors.New("require_client_cert needs ca_file")
	}
	return nil
}

// BuildServer constructs a TLS configuration for the data listener.
func BuildServer(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("server TLS requires cert_file and key_file")
	}
	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		caPool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if cfg.RequireClientCert {
			serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	return serverConfig, nil
}

// BuildClient constructs a TLS configuration for calls to peer gateways.
func BuildClient(cfg Config) (*tls.Config, error) {
	clientConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both CertFile and KeyFile are required when supplying client certificates")
		}
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}

	if cfg.CAFile != "" {
		caPool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		clientConfig.RootCAs = caPool
	}

	return clientConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("ca bundle path must be absolute: %q", path)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
