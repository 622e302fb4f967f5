// Package world defines the replicated world container the session layer
// serves, plus a key/value Scene implementation.
package world

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidDelta = errors.New("world: invalid delta")

// Container is one replicated world. The session layer only moves its
// bytes; it never interprets them.
type Container interface {
	Name() string
	// PrepareReplicationDelta snapshots changes since the previous call.
	// Called at most once per update pass.
	PrepareReplicationDelta()
	// ReplicationDelta returns the prepared delta, nil when unchanged.
	ReplicationDelta() []byte
}

// Applier accepts deltas produced by a remote Container.
type Applier interface {
	ApplyReplicationDelta(data []byte) error
}

// Scene is a flat key/value world. Deltas are TOML documents holding the
// changed keys.
type Scene struct {
	name     string
	values   map[string]string
	dirty    map[string]struct{}
	delta    []byte
	prepared int
}

func NewScene(name string) *Scene {
	return &Scene{
		name:   name,
		values: make(map[string]string),
		dirty:  make(map[string]struct{}),
	}
}

func (s *Scene) Name() string {
	return s.name
}

func (s *Scene) Set(key, value string) {
	if cur, ok := s.values[key]; ok && cur == value {
		return
	}
	s.values[key] = value
	s.dirty[key] = struct{}{}
}

func (s *Scene) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns keys in sorted order.
func (s *Scene) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrepareCount reports how many update passes prepared this scene.
func (s *Scene) PrepareCount() int {
	return s.prepared
}

func (s *Scene) PrepareReplicationDelta() {
	s.prepared++
	s.delta = nil
	if len(s.dirty) == 0 {
		return
	}
	changed := make(map[string]string, len(s.dirty))
	for k := range s.dirty {
		changed[k] = s.values[k]
	}
	b, err := toml.Marshal(delta{Scene: s.name, Values: changed})
	if err != nil {
		return
	}
	s.delta = b
	s.dirty = make(map[string]struct{})
}

func (s *Scene) ReplicationDelta() []byte {
	return s.delta
}

func (s *Scene) ApplyReplicationDelta(data []byte) error {
	var d delta
	if err := toml.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if d.Scene != s.name {
		return fmt.Errorf("%w: scene %q applied to %q", ErrInvalidDelta, d.Scene, s.name)
	}
	for k, v := range d.Values {
		s.values[k] = v
	}
	return nil
}

type delta struct {
	Scene  string            `toml:"scene"`
	Values map[string]string `toml:"values"`
}

// EncodeIdentity renders a string map as an opaque identity blob.
func EncodeIdentity(fields map[string]string) ([]byte, error) {
	return toml.Marshal(fields)
}

func DecodeIdentity(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	if len(data) == 0 {
		return out, nil
	}
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
