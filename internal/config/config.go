package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// Topology selects the session shape. Fixed while any transport is active.
type Topology string

const (
	TopologyServerClient Topology = "server_client"
	TopologyPeerToPeer   Topology = "p2p"
)

const (
	DefaultUpdateFPS         = 30
	DefaultMaxConnections    = 128
	DefaultNATServerAddress  = "127.0.0.1"
	DefaultNATServerPort     = 61111
	DefaultMaxDrainPerTick   = 4096
	DefaultNATMaxRetries     = 5
	DefaultPackageChunkSize  = 1024
	DefaultChunksPerUpdate   = 8
	DefaultMaxPackageBytes   = 16 << 20
	DefaultMaxAssemblies     = 8
	DefaultBackoffInitialMS  = 500
	DefaultBackoffMaxMS      = 8000
	DefaultBackoffMultiplier = 2.0
)

// Session is the persisted surface of one coordinator.
type Session struct {
	Topology               Topology `toml:"topology" env:"MESHCTL_TOPOLOGY"`
	UpdateFPS              int      `toml:"update_fps" env:"MESHCTL_UPDATE_FPS"`
	SimulatedLatencyMS     int      `toml:"simulated_latency_ms" env:"MESHCTL_SIMULATED_LATENCY_MS"`
	SimulatedPacketLoss    float64  `toml:"simulated_packet_loss" env:"MESHCTL_SIMULATED_PACKET_LOSS"`
	MaxConnections         int      `toml:"max_connections" env:"MESHCTL_MAX_CONNECTIONS"`
	Password               string   `toml:"password" env:"MESHCTL_PASSWORD"`
	NATServerAddress       string   `toml:"nat_server_address" env:"MESHCTL_NAT_SERVER_ADDRESS"`
	NATServerPort          uint16   `toml:"nat_server_port" env:"MESHCTL_NAT_SERVER_PORT"`
	NATAutoReconnect       bool     `toml:"nat_auto_reconnect" env:"MESHCTL_NAT_AUTO_RECONNECT"`
	NATMaxRetries          int      `toml:"nat_max_retries" env:"MESHCTL_NAT_MAX_RETRIES"`
	MaxDrainPerTick        int      `toml:"max_drain_per_tick" env:"MESHCTL_MAX_DRAIN_PER_TICK"`
	MaxCatchUpUpdates      int      `toml:"max_catch_up_updates" env:"MESHCTL_MAX_CATCH_UP_UPDATES"`
	PackageChunkSize       int      `toml:"package_chunk_size" env:"MESHCTL_PACKAGE_CHUNK_SIZE"`
	PackageChunksPerUpdate int      `toml:"package_chunks_per_update" env:"MESHCTL_PACKAGE_CHUNKS_PER_UPDATE"`
	MaxPackageBytes        int      `toml:"max_package_bytes" env:"MESHCTL_MAX_PACKAGE_BYTES"`
	MaxPackageAssemblies   int      `toml:"max_package_assemblies" env:"MESHCTL_MAX_PACKAGE_ASSEMBLIES"`
	BackoffInitialMS       int      `toml:"backoff_initial_ms" env:"MESHCTL_BACKOFF_INITIAL_MS"`
	BackoffMaxMS           int      `toml:"backoff_max_ms" env:"MESHCTL_BACKOFF_MAX_MS"`
	BackoffMultiplier      float64  `toml:"backoff_multiplier" env:"MESHCTL_BACKOFF_MULTIPLIER"`
}

func Default() Session {
	return Session{
		Topology:               TopologyServerClient,
		UpdateFPS:              DefaultUpdateFPS,
		MaxConnections:         DefaultMaxConnections,
		NATServerAddress:       DefaultNATServerAddress,
		NATServerPort:          DefaultNATServerPort,
		NATAutoReconnect:       true,
		NATMaxRetries:          DefaultNATMaxRetries,
		MaxDrainPerTick:        DefaultMaxDrainPerTick,
		MaxCatchUpUpdates:      1,
		PackageChunkSize:       DefaultPackageChunkSize,
		PackageChunksPerUpdate: DefaultChunksPerUpdate,
		MaxPackageBytes:        DefaultMaxPackageBytes,
		MaxPackageAssemblies:   DefaultMaxAssemblies,
		BackoffInitialMS:       DefaultBackoffInitialMS,
		BackoffMaxMS:           DefaultBackoffMaxMS,
		BackoffMultiplier:      DefaultBackoffMultiplier,
	}
}

// Validate reports the first out-of-range field.
func (s Session) Validate() error {
	switch s.Topology {
	case TopologyServerClient, TopologyPeerToPeer:
	default:
		return fmt.Errorf("%w: topology %q", ErrInvalid, s.Topology)
	}
	if s.UpdateFPS < 1 {
		return fmt.Errorf("%w: update_fps must be >= 1", ErrInvalid)
	}
	if s.SimulatedLatencyMS < 0 {
		return fmt.Errorf("%w: simulated_latency_ms must be >= 0", ErrInvalid)
	}
	if s.SimulatedPacketLoss < 0 || s.SimulatedPacketLoss > 1 {
		return fmt.Errorf("%w: simulated_packet_loss must be within [0,1]", ErrInvalid)
	}
	if s.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be >= 1", ErrInvalid)
	}
	if strings.TrimSpace(s.NATServerAddress) == "" || s.NATServerPort == 0 {
		return fmt.Errorf("%w: nat server address and port are required", ErrInvalid)
	}
	if s.NATMaxRetries < 0 {
		return fmt.Errorf("%w: nat_max_retries must be >= 0", ErrInvalid)
	}
	if s.MaxDrainPerTick < 1 {
		return fmt.Errorf("%w: max_drain_per_tick must be >= 1", ErrInvalid)
	}
	if s.MaxCatchUpUpdates < 1 {
		return fmt.Errorf("%w: max_catch_up_updates must be >= 1", ErrInvalid)
	}
	if s.PackageChunkSize < 1 {
		return fmt.Errorf("%w: package_chunk_size must be >= 1", ErrInvalid)
	}
	if s.MaxPackageBytes < 1 || s.MaxPackageAssemblies < 1 {
		return fmt.Errorf("%w: package limits must be >= 1", ErrInvalid)
	}
	if s.BackoffInitialMS < 0 || s.BackoffMaxMS < 0 {
		return fmt.Errorf("%w: backoff delays must be >= 0", ErrInvalid)
	}
	return nil
}

// LoadSession reads a standalone session file over the defaults.
func LoadSession(path string) (Session, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Session{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Session{}, err
	}
	return cfg, nil
}

// Encode renders the effective config as TOML.
func (s Session) Encode() ([]byte, error) {
	return toml.Marshal(s)
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
