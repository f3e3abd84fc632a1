package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// TLSConfig represents TLS termination for the admin server.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// Validate checks that an enabled TLS config names a certificate pair.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if strings.TrimSpace(c.CertFile) == "" {
		errs = append(errs, errors.New("cert_file is required when TLS is enabled"))
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		errs = append(errs, errors.New("key_file is required when TLS is enabled"))
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ServerTLS builds the crypto/tls configuration. Certificates are loaded by
// the server from CertFile and KeyFile.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	version, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	minVersion := uint16(tls.VersionTLS12)
	if version == TLSVersion13 {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{MinVersion: minVersion}, nil
}
