// Package memnet is an in-process transport hub.
//
// Every Endpoint implements transport.Transport. Connection attempts and
// NAT punchthrough requests are queued and resolved on the initiator's next
// Receive, so results always arrive as system packets, the same way a socket
// transport reports them. Mesh host election and ready events are emulated
// per endpoint once the matching plugin is attached.
package memnet

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

const (
	firstEphemeralPort uint16 = 40000
	// MaxOfflineData mirrors the datagram limit for unconnected pong data.
	MaxOfflineData = 400
)

// Network owns every endpoint. One mutex guards all endpoint state.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint // keyed by host:port while active
	byGUID    map[uuid.UUID]*Endpoint
	nextHost  int
	nextPort  uint16
	meshSeq   uint64
	rng       *rand.Rand
	clock     func() time.Time
}

type Option func(*Network)

// WithSeed makes simulated packet loss deterministic.
func WithSeed(seed int64) Option {
	return func(n *Network) {
		n.rng = rand.New(rand.NewSource(seed))
	}
}

// WithClock overrides the clock used for simulated latency.
func WithClock(clock func() time.Time) Option {
	return func(n *Network) {
		n.clock = clock
	}
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		endpoints: make(map[string]*Endpoint),
		byGUID:    make(map[uuid.UUID]*Endpoint),
		nextPort:  firstEphemeralPort,
		rng:       rand.New(rand.NewSource(1)),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewEndpoint creates an inactive endpoint. An empty host gets the next
// address in 10.0.0.0/24.
func (n *Network) NewEndpoint(host string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if host == "" {
		n.nextHost++
		host = fmt.Sprintf("10.0.0.%d", n.nextHost)
	}
	e := &Endpoint{
		net:    n,
		host:   host,
		guid:   uuid.New(),
		conns:  make(map[uuid.UUID]*conn),
		banned: make(map[string]struct{}),
	}
	n.byGUID[e.guid] = e
	return e
}

// NewRendezvous starts a NAT punchthrough server endpoint. It accepts
// connections and brokers OpenNAT requests; packets sent to it are dropped.
func (n *Network) NewRendezvous(host string, port uint16) (*Endpoint, error) {
	e := n.NewEndpoint(host)
	if res := e.Startup(port, 1024); res != transport.Started {
		return nil, fmt.Errorf("memnet: rendezvous startup: %s", res)
	}
	n.mu.Lock()
	e.rendezvous = true
	n.mu.Unlock()
	return e, nil
}

func (n *Network) lookup(addr string) *Endpoint {
	e, ok := n.endpoints[addr]
	if !ok || !e.active {
		return nil
	}
	return e
}

func (n *Network) allocPort(host string) uint16 {
	for {
		p := n.nextPort
		n.nextPort++
		if n.nextPort < firstEphemeralPort {
			n.nextPort = firstEphemeralPort
		}
		if _, taken := n.endpoints[transport.JoinAddress(host, p)]; !taken {
			return p
		}
	}
}

func resolvable(host string) bool {
	return host == "localhost" || net.ParseIP(host) != nil
}

func (n *Network) nowMS() uint64 {
	return uint64(n.clock().UnixMilli())
}
