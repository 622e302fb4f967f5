package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/transport/wsnet"
)

const (
	roleServer = "server"
	roleClient = "client"
)

// nodeConfig is the effective daemon configuration.
type nodeConfig struct {
	ID          string
	Role        string
	ListenHost  string
	ListenPort  uint16
	Advertise   string
	ServerHost  string
	ServerPort  uint16
	AdminAddr   string
	CORSOrigins []string
	World       string
	Beacon      map[string]string
	Identity    map[string]string
	Transport   wsnet.Config
	Session     config.Session
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		ID:         "meshctl",
		Role:       roleServer,
		ListenHost: "127.0.0.1",
		ListenPort: 2500,
		ServerHost: "127.0.0.1",
		ServerPort: 2500,
		World:      "lobby",
		Beacon:     map[string]string{},
		Identity:   map[string]string{},
		Transport:  wsnet.DefaultConfig(),
		Session:    config.Default(),
	}
}

type transportFile struct {
	SecurityMode     string          `toml:"security_mode"`
	Path             string          `toml:"path"`
	BeaconPath       string          `toml:"beacon_path"`
	HandshakeTimeout string          `toml:"handshake_timeout"`
	WriteTimeout     string          `toml:"write_timeout"`
	PingTimeout      string          `toml:"ping_timeout"`
	TLS              wsnet.TLSConfig `toml:"tls"`
}

type fileConfig struct {
	ID            string            `toml:"id"`
	Role          string            `toml:"role"`
	ListenHost    string            `toml:"listen_host"`
	ListenPort    uint16            `toml:"listen_port"`
	AdvertiseHost string            `toml:"advertise_host"`
	ServerHost    string            `toml:"server_host"`
	ServerPort    uint16            `toml:"server_port"`
	AdminAddr     string            `toml:"admin_addr"`
	CORSOrigins   []string          `toml:"cors_origins"`
	World         string            `toml:"world"`
	Beacon        map[string]string `toml:"beacon"`
	Identity      map[string]string `toml:"identity"`
	Transport     transportFile     `toml:"transport"`
	Session       config.Session    `toml:"session"`
}

func loadNodeConfig(path string) (nodeConfig, error) {
	cfg := defaultNodeConfig()

	// Keys absent from [session] keep these defaults.
	raw := fileConfig{Session: config.Default()}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nodeConfig{}, fmt.Errorf("load meshctl config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("role") {
		cfg.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	}
	if meta.IsDefined("listen_host") {
		cfg.ListenHost = strings.TrimSpace(raw.ListenHost)
	}
	if meta.IsDefined("listen_port") {
		cfg.ListenPort = raw.ListenPort
	}
	if meta.IsDefined("advertise_host") {
		cfg.Advertise = strings.TrimSpace(raw.AdvertiseHost)
	}
	if meta.IsDefined("server_host") {
		cfg.ServerHost = strings.TrimSpace(raw.ServerHost)
	}
	if meta.IsDefined("server_port") {
		cfg.ServerPort = raw.ServerPort
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("world") {
		if w := strings.TrimSpace(raw.World); w != "" {
			cfg.World = w
		}
	}
	if meta.IsDefined("beacon") {
		cfg.Beacon = raw.Beacon
	}
	if meta.IsDefined("identity") {
		cfg.Identity = raw.Identity
	}
	if meta.IsDefined("session") {
		cfg.Session = raw.Session
	}
	if err := applyTransport(&cfg.Transport, raw.Transport, meta); err != nil {
		return nodeConfig{}, err
	}
	cfg.Transport.BindHost = cfg.ListenHost
	cfg.Transport.AdvertiseHost = cfg.Advertise

	if err := config.ParseEnv(&cfg.Session); err != nil {
		return nodeConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return nodeConfig{}, err
	}
	return cfg, nil
}

func applyTransport(out *wsnet.Config, raw transportFile, meta toml.MetaData) error {
	if meta.IsDefined("transport", "security_mode") {
		out.SecurityMode = wsnet.NormalizeSecurityMode(wsnet.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("transport", "path") {
		out.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("transport", "beacon_path") {
		out.BeaconPath = strings.TrimSpace(raw.BeaconPath)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &out.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &out.WriteTimeout},
		{"ping_timeout", raw.PingTimeout, &out.PingTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse transport.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("transport", "tls") {
		out.TLS = raw.TLS
	}
	return nil
}

func (c nodeConfig) validate() error {
	switch c.Role {
	case roleServer:
		if c.ListenPort == 0 {
			return fmt.Errorf("%w: server role requires listen_port", config.ErrInvalid)
		}
	case roleClient:
		if c.ServerHost == "" || c.ServerPort == 0 {
			return fmt.Errorf("%w: client role requires server_host and server_port", config.ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: role %q", config.ErrInvalid, c.Role)
	}
	if c.Session.Topology != config.TopologyServerClient {
		return fmt.Errorf("%w: meshctl runs %s sessions only", config.ErrInvalid, config.TopologyServerClient)
	}
	return c.Session.Validate()
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
