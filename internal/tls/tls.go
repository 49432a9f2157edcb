// Package tls builds the control plane's HTTPS configuration, optionally
// generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	caCrt   = "tls_ca.crt"
	certCrt = "tls.crt"
	keyFile = "tls.key"
)

// Config selects the server certificate. CertFile/KeyFile win over Dir.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// CAPath returns where an auto-generated certificate's CA copy is written.
func (c Config) CAPath() string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, caCrt)
}

func parseVersion(v string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// ServerConfig returns the server TLS settings, or nil when disabled.
func ServerConfig(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(c.Dir, certCrt), filepath.Join(c.Dir, keyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// loaded per handshake so rotated files are picked up
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

// ClientConfig returns client settings that trust caFile when set, or skip
// verification when skipVerify is true.
func ClientConfig(caFile, serverName string, skipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if skipVerify {
		cfg.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return cfg, nil
	}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in CA file")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
