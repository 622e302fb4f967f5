package wsnet

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/protocol/frame"
)

// ProtocolVersion is sent in every hello.
const ProtocolVersion uint16 = 1

var (
	ErrInvalidSecurityMode     = errors.New("wsnet: invalid security mode")
	ErrTLSRequired             = errors.New("wsnet: tls required")
	ErrMTLSRequired            = errors.New("wsnet: mtls required")
	ErrTLSCertFileRequired     = errors.New("wsnet: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("wsnet: tls key file required")
	ErrTLSCAFileRequired       = errors.New("wsnet: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("wsnet: insecure skip verify not allowed")
	ErrHandshake               = errors.New("wsnet: handshake failed")
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Config holds stream and security settings shared by the listener and
// dialer sides of an endpoint.
type Config struct {
	BindHost         string
	AdvertiseHost    string
	Path             string
	BeaconPath       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
	Limits           frame.Limits
	SecurityMode     SecurityMode
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		BindHost:         "127.0.0.1",
		Path:             "/mesh",
		BeaconPath:       "/beacon",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      2 * time.Second,
		Limits:           frame.DefaultLimits(),
		SecurityMode:     SecurityModeDevelopment,
	}
}

// advertised is the host peers use to reach this endpoint.
func (c Config) advertised() string {
	if h := strings.TrimSpace(c.AdvertiseHost); h != "" {
		return h
	}
	switch c.BindHost {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return c.BindHost
}

func (c Config) scheme() string {
	if c.TLS.Enabled {
		return "wss"
	}
	return "ws"
}

func (c Config) httpScheme() string {
	if c.TLS.Enabled {
		return "https"
	}
	return "http"
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) ValidateClientTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (c Config) ValidateServerTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s: no certificates", path)
	}
	return pool, nil
}

func (c Config) serverTLS() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	if c.TLS.Mutual {
		pool, err := loadCAPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

func (c Config) clientTLS() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLS.InsecureSkipVerify}
	if c.TLS.CAFile != "" {
		pool, err := loadCAPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
