// Package coordinator owns one network session: the listener, the outbound
// session link, the mesh host claim and readiness, and the update loop that
// ties them to the transports.
//
// A Coordinator is single-threaded. Every method, including Tick, must be
// called from the same goroutine. Other goroutines read state through
// Snapshot only.
package coordinator

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/readiness"
	"github.com/danmuck/meshctl/internal/registry"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/scheduler"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RemoteEventBanned is sent to a connection before it is banned.
const RemoteEventBanned = string(KindBanned)

// clientMaxConnections covers the session link plus a rendezvous link.
const clientMaxConnections = 2

// side tells which transport delivered a packet.
type side int

const (
	sideHost side = iota
	sideClient
)

func (s side) String() string {
	if s == sideClient {
		return "client"
	}
	return "host"
}

// HostClaim is the locally believed mesh host. Generation advances on
// every host announcement.
type HostClaim struct {
	Host       transport.Identity
	Generation uint64
	Local      bool
}

type Option func(*Coordinator)

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// Coordinator drives one session over two transports: host carries the
// listener and the mesh, client carries the outbound session link.
type Coordinator struct {
	cfg    config.Session
	log    zerolog.Logger
	host   transport.Transport
	client transport.Transport

	hostRouter   *router.Router
	clientRouter *router.Router
	links        *registry.Registry
	server       *peer.Link
	sched        *scheduler.Scheduler
	tracker      *readiness.Tracker

	topology  config.Topology
	listening bool
	port      uint16
	allowed   int
	isHost    bool
	claim     HostClaim

	mesh       transport.Mesh
	ready      transport.ReadyEvents
	hostNAT    transport.NATClient
	clientNAT  transport.NATClient
	nat        natAttempt
	world      world.Container
	identity   []byte
	localReady bool

	remoteEvents map[string]struct{}
	blacklist    map[string]struct{}
	beacon       []byte

	handlers []func(Event)
	now      time.Duration
	passes   uint64
	snapshot atomic.Pointer[Snapshot]
}

// New builds a coordinator over two transports and applies cfg.Topology.
func New(host, client transport.Transport, cfg config.Session, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:          cfg,
		log:          log.Logger,
		host:         host,
		client:       client,
		links:        registry.New(),
		allowed:      cfg.MaxConnections,
		remoteEvents: make(map[string]struct{}),
		blacklist:    make(map[string]struct{}, len(reservedKinds)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = observability.Component(c.log, "coordinator")
	for _, k := range reservedKinds {
		c.blacklist[string(k)] = struct{}{}
	}
	c.remoteEvents[RemoteEventBanned] = struct{}{}

	c.hostRouter = c.newRouter(sideHost)
	c.clientRouter = c.newRouter(sideClient)
	c.sched = scheduler.New(cfg.Scheduler(), c)
	c.tracker = readiness.New(nil, c.findLink, c.onAllReady)
	c.links.OnAdded(func(*peer.Link) { c.membershipChanged() })
	c.links.OnRemoved(func(*peer.Link) { c.membershipChanged() })

	c.topology = cfg.Topology
	if err := c.attachPlugins(); err != nil {
		return nil, err
	}
	c.publish()
	return c, nil
}

// OnEvent registers h. Handlers run synchronously on the coordinator
// goroutine in registration order.
func (c *Coordinator) OnEvent(h func(Event)) {
	c.handlers = append(c.handlers, h)
}

func (c *Coordinator) emit(ev Event) {
	for _, h := range c.handlers {
		h(ev)
	}
}

// SetMode switches topology. While either transport is active the switch
// is refused unless force is set; forcing tears the session down first.
func (c *Coordinator) SetMode(t config.Topology, force bool) error {
	switch t {
	case config.TopologyServerClient, config.TopologyPeerToPeer:
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalid, t)
	}
	if c.host.Active() || c.client.Active() {
		if !force {
			return fmt.Errorf("%w: %s", ErrTopologyLocked, c.topology)
		}
		c.Disconnect(0)
	}
	prev := c.topology
	c.topology = t
	if err := c.attachPlugins(); err != nil {
		c.topology = prev
		if rerr := c.attachPlugins(); rerr != nil {
			c.log.Error().Err(rerr).Msg("restore plugins failed")
		}
		return err
	}
	c.log.Info().Str("topology", string(t)).Bool("forced", force).Msg("topology set")
	c.publish()
	return nil
}

func (c *Coordinator) attachPlugins() error {
	c.host.DetachPlugins()
	c.client.DetachPlugins()
	c.mesh, c.ready, c.hostNAT, c.clientNAT = nil, nil, nil, nil
	c.tracker = readiness.New(nil, c.findLink, c.onAllReady)

	if c.topology != config.TopologyPeerToPeer {
		return nil
	}
	mesh, err := c.host.AttachMesh(transport.MeshOptions{AutoConnect: true, Password: c.cfg.Password})
	if err != nil {
		return fmt.Errorf("attach mesh: %w", err)
	}
	ready, err := c.host.AttachReadyEvents()
	if err != nil {
		c.host.DetachPlugins()
		return fmt.Errorf("attach ready events: %w", err)
	}
	c.mesh = mesh
	c.ready = ready
	c.tracker = readiness.New(ready, c.findLink, c.onAllReady)
	return nil
}

func (c *Coordinator) natClient(s side) (transport.NATClient, error) {
	var err error
	if s == sideClient {
		if c.clientNAT == nil {
			c.clientNAT, err = c.client.AttachNATClient()
		}
		return c.clientNAT, err
	}
	if c.hostNAT == nil {
		c.hostNAT, err = c.host.AttachNATClient()
	}
	return c.hostNAT, err
}

func (c *Coordinator) transportFor(s side) transport.Transport {
	if s == sideClient {
		return c.client
	}
	return c.host
}

func (c *Coordinator) findLink(id transport.Identity) (*peer.Link, bool) {
	return c.links.Find(id)
}

func (c *Coordinator) newLink(id transport.Identity, tr transport.Transport, outbound bool) *peer.Link {
	l := peer.New(id, tr, outbound, c.log)
	l.ConfigureNetworkSimulator(c.cfg.SimulatedLatency(), c.cfg.SimulatedPacketLoss)
	l.SetPackageLimits(c.cfg.MaxPackageBytes, c.cfg.MaxPackageAssemblies)
	return l
}

func (c *Coordinator) membershipChanged() {
	observability.SetActiveLinks(c.links.Len())
	c.readyStatusChanged()
}

// Topology returns the active topology.
func (c *Coordinator) Topology() config.Topology {
	return c.topology
}

// ClientConnections returns the registry links sorted by identity.
func (c *Coordinator) ClientConnections() []*peer.Link {
	return c.links.All()
}

// ServerConnection returns the outbound session link, nil when absent.
func (c *Coordinator) ServerConnection() *peer.Link {
	return c.server
}

// Connection finds a link by identity across the registry and the
// session link.
func (c *Coordinator) Connection(id transport.Identity) (*peer.Link, bool) {
	if c.server != nil && c.server.Identity().Matches(id) {
		return c.server, true
	}
	return c.links.Find(id)
}

func (c *Coordinator) IsServerRunning() bool {
	return c.listening
}

// IsHostSystem reports whether this process is the mesh host.
func (c *Coordinator) IsHostSystem() bool {
	return c.topology == config.TopologyPeerToPeer && c.isHost
}

// IsConnectedHost reports whether a remote mesh host link is established.
func (c *Coordinator) IsConnectedHost() bool {
	return c.topology == config.TopologyPeerToPeer && !c.isHost &&
		c.server != nil && c.server.State() == peer.StateEstablished
}

// HostAddress is the believed host's transport address.
func (c *Coordinator) HostAddress() string {
	return c.claim.Host.Address
}

func (c *Coordinator) HostClaim() HostClaim {
	return c.claim
}

// ParticipantCount counts mesh participants, self included. Outside a
// mesh it counts registry links.
func (c *Coordinator) ParticipantCount() int {
	if c.mesh != nil && c.host.Active() {
		return len(c.mesh.Participants())
	}
	return c.links.Len()
}

// Ready reports the local ready flag.
func (c *Coordinator) Ready() bool {
	return c.localReady
}

// Readiness returns the readiness set, self included.
func (c *Coordinator) Readiness() []readiness.Entry {
	return c.tracker.Entries()
}

// LocalIdentity is the host transport identity.
func (c *Coordinator) LocalIdentity() transport.Identity {
	return c.host.LocalIdentity()
}

func (c *Coordinator) UpdateFPS() int {
	return c.sched.FPS()
}

func (c *Coordinator) SetUpdateFps(fps int) {
	c.sched.SetFPS(fps)
	c.cfg.UpdateFPS = c.sched.FPS()
}

// SetAllowedConnections caps accepted connections at the handshake.
func (c *Coordinator) SetAllowedConnections(n int) {
	if n < 0 {
		n = 0
	}
	c.allowed = n
	if c.host.Active() {
		c.host.SetMaximumIncomingConnections(n)
	}
}

func (c *Coordinator) AllowedConnections() int {
	return c.allowed
}

func (c *Coordinator) SetPassword(password string) {
	c.cfg.Password = password
	c.host.SetIncomingPassword(password)
}

func (c *Coordinator) SetNATServerInfo(address string, port uint16) {
	c.cfg.NATServerAddress = address
	c.cfg.NATServerPort = port
}

func (c *Coordinator) SetNATAutoReconnect(enabled bool) {
	c.cfg.NATAutoReconnect = enabled
}

// SetSimulatedLatency applies to both transports and every link.
func (c *Coordinator) SetSimulatedLatency(ms int) {
	if ms < 0 {
		ms = 0
	}
	c.cfg.SimulatedLatencyMS = ms
	c.applySimulator()
}

// SetSimulatedPacketLoss clamps loss to [0,1].
func (c *Coordinator) SetSimulatedPacketLoss(loss float64) {
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}
	c.cfg.SimulatedPacketLoss = loss
	c.applySimulator()
}

func (c *Coordinator) applySimulator() {
	latency, loss := c.cfg.SimulatedLatency(), c.cfg.SimulatedPacketLoss
	c.host.ApplyNetworkSimulator(loss, latency)
	c.client.ApplyNetworkSimulator(loss, latency)
	for _, l := range c.links.All() {
		l.ConfigureNetworkSimulator(latency, loss)
	}
	if c.server != nil {
		c.server.ConfigureNetworkSimulator(latency, loss)
	}
}

// Config returns the effective session config.
func (c *Coordinator) Config() config.Session {
	return c.cfg
}

// RouterStats sums both routers.
func (c *Coordinator) RouterStats() router.Stats {
	h, cl := c.hostRouter.Stats(), c.clientRouter.Stats()
	return router.Stats{
		System:      h.System + cl.System,
		Application: h.Application + cl.Application,
		Dropped:     h.Dropped + cl.Dropped,
		Unhandled:   h.Unhandled + cl.Unhandled,
	}
}
