package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/pelletier/go-toml/v2"
)

func TestDefaultValidates(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxConnections != 128 || cfg.NATServerPort != 61111 || cfg.UpdateFPS != 30 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(*Session){
		"topology": func(s *Session) { s.Topology = "ring" },
		"fps":      func(s *Session) { s.UpdateFPS = 0 },
		"loss":     func(s *Session) { s.SimulatedPacketLoss = 1.5 },
		"latency":  func(s *Session) { s.SimulatedLatencyMS = -1 },
		"maxconn":  func(s *Session) { s.MaxConnections = 0 },
		"nat":      func(s *Session) { s.NATServerPort = 0 },
		"drain":    func(s *Session) { s.MaxDrainPerTick = 0 },
		"package":  func(s *Session) { s.MaxPackageBytes = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestParseEnvOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	t.Setenv("MESHCTL_UPDATE_FPS", "60")
	t.Setenv("MESHCTL_TOPOLOGY", "p2p")
	t.Setenv("MESHCTL_NAT_AUTO_RECONNECT", "false")

	cfg := Default()
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.UpdateFPS != 60 || cfg.Topology != TopologyPeerToPeer || cfg.NATAutoReconnect {
		t.Fatalf("env overlay not applied: %+v", cfg)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("unset variable must keep default, got %d", cfg.MaxConnections)
	}
}

func TestParseEnvReportsBadValue(t *testing.T) {
	testlog.Start(t)
	t.Setenv("MESHCTL_UPDATE_FPS", "fast")
	cfg := Default()
	err := ParseEnv(&cfg)
	if err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected wrapped parse error, got %v", err)
	}
}

func TestEncodeRoundTripsThroughLoad(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.Topology = TopologyPeerToPeer
	cfg.Password = "s3cret"
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "session.toml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadSession(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestTemplatesParse(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"server", "client", "session"} {
		body, err := Template(kind)
		if err != nil {
			t.Fatalf("template %s: %v", kind, err)
		}
		var out map[string]any
		if err := toml.Unmarshal([]byte(body), &out); err != nil {
			t.Fatalf("template %s does not parse: %v", kind, err)
		}
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := WriteTemplate(path, "server", false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteTemplate(path, "client", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "client", true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}
