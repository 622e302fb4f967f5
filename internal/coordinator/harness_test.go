package coordinator

import (
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/transport/memnet"
	"github.com/rs/zerolog"
)

const step = 34 * time.Millisecond

type node struct {
	c      *Coordinator
	host   *memnet.Endpoint
	client *memnet.Endpoint
	events []Event
}

func newNode(t *testing.T, n *memnet.Network, ip string, topology config.Topology, opts ...func(*config.Session)) *node {
	t.Helper()
	cfg := config.Default()
	cfg.Topology = topology
	for _, opt := range opts {
		opt(&cfg)
	}
	nd := &node{host: n.NewEndpoint(ip), client: n.NewEndpoint(ip)}
	c, err := New(nd.host, nd.client, cfg, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.OnEvent(func(ev Event) { nd.events = append(nd.events, ev) })
	nd.c = c
	return nd
}

func newNodeWithLogger(t *testing.T, n *memnet.Network, ip string, topology config.Topology, l zerolog.Logger) *node {
	t.Helper()
	cfg := config.Default()
	cfg.Topology = topology
	nd := &node{host: n.NewEndpoint(ip), client: n.NewEndpoint(ip)}
	c, err := New(nd.host, nd.client, cfg, WithLogger(l))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.OnEvent(func(ev Event) { nd.events = append(nd.events, ev) })
	nd.c = c
	return nd
}

func newRendezvous(t *testing.T, n *memnet.Network) *memnet.Endpoint {
	t.Helper()
	r, err := n.NewRendezvous(config.DefaultNATServerAddress, config.DefaultNATServerPort)
	if err != nil {
		t.Fatalf("rendezvous: %v", err)
	}
	return r
}

// settle ticks every node in order for the given rounds.
func settle(rounds int, nodes ...*node) {
	for i := 0; i < rounds; i++ {
		for _, nd := range nodes {
			nd.c.Tick(step)
		}
	}
}

func (nd *node) count(kind Kind) int {
	n := 0
	for _, ev := range nd.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (nd *node) last(kind Kind) (Event, bool) {
	for i := len(nd.events) - 1; i >= 0; i-- {
		if nd.events[i].Kind() == kind {
			return nd.events[i], true
		}
	}
	return nil, false
}

func (nd *node) failures() []ConnectFailed {
	out := make([]ConnectFailed, 0)
	for _, ev := range nd.events {
		if f, ok := ev.(ConnectFailed); ok {
			out = append(out, f)
		}
	}
	return out
}
