package world

import (
	"errors"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestSceneDeltaCarriesOnlyChangedKeys(t *testing.T) {
	testlog.Start(t)
	src := NewScene("arena")
	src.Set("score", "1")
	src.Set("round", "3")
	src.PrepareReplicationDelta()
	if src.ReplicationDelta() == nil {
		t.Fatalf("expected first delta")
	}

	dst := NewScene("arena")
	if err := dst.ApplyReplicationDelta(src.ReplicationDelta()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, _ := dst.Get("round"); v != "3" {
		t.Fatalf("round not replicated: %q", v)
	}

	src.PrepareReplicationDelta()
	if src.ReplicationDelta() != nil {
		t.Fatalf("expected no delta without changes")
	}
	src.Set("score", "2")
	src.Set("round", "3")
	src.PrepareReplicationDelta()
	other := NewScene("arena")
	if err := other.ApplyReplicationDelta(src.ReplicationDelta()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if keys := other.Keys(); len(keys) != 1 || keys[0] != "score" {
		t.Fatalf("expected only score in delta, got %v", keys)
	}
	if src.PrepareCount() != 3 {
		t.Fatalf("expected 3 prepares, got %d", src.PrepareCount())
	}
}

func TestSceneRejectsForeignDelta(t *testing.T) {
	testlog.Start(t)
	src := NewScene("lobby")
	src.Set("k", "v")
	src.PrepareReplicationDelta()
	if err := NewScene("arena").ApplyReplicationDelta(src.ReplicationDelta()); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeIdentity(map[string]string{"name": "player-1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeIdentity(b)
	if err != nil || got["name"] != "player-1" {
		t.Fatalf("decode mismatch: %v %v", got, err)
	}
}
