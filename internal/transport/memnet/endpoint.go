package memnet

import (
	"sort"
	"time"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

type conn struct {
	peer     *Endpoint
	outbound bool
}

type queued struct {
	pkt       transport.Packet
	deliverAt time.Time
}

type pendingConnect struct {
	addr     string
	password string
}

type pendingNAT struct {
	target     uuid.UUID
	rendezvous *Endpoint
}

// Endpoint is one simulated transport peer.
type Endpoint struct {
	net  *Network
	host string
	port uint16
	guid uuid.UUID

	active      bool
	rendezvous  bool
	maxConns    int
	maxIncoming int
	password    string
	pong        []byte
	banned      map[string]struct{}
	blockNAT    bool

	loss    float64
	latency time.Duration

	inbox   []queued
	conns   map[uuid.UUID]*conn
	pending []pendingConnect
	nat     []pendingNAT

	natClient *natClient
	mesh      *mesh
	ready     *readyEvents
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) identity() transport.Identity {
	addr := ""
	if e.port != 0 {
		addr = transport.JoinAddress(e.host, e.port)
	}
	return transport.Identity{GUID: e.guid, Address: addr}
}

// GUID returns the endpoint's stable id, valid before Startup.
func (e *Endpoint) GUID() uuid.UUID {
	return e.guid
}

// BlockPunchthrough makes OpenNAT requests targeting this endpoint fail.
func (e *Endpoint) BlockPunchthrough(block bool) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.blockNAT = block
}

// Inject queues a raw packet as if sent by from. Used to feed malformed
// datagrams to a consumer.
func (e *Endpoint) Inject(from transport.Identity, data []byte) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.enqueue(from, data, 0)
}

// ConnectionCount returns the number of established connections.
func (e *Endpoint) ConnectionCount() int {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return len(e.conns)
}

func (e *Endpoint) Startup(port uint16, maxConnections int) transport.StartupResult {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.active {
		return transport.AlreadyStarted
	}
	if maxConnections <= 0 {
		return transport.StartupInvalidParameter
	}
	if port == 0 {
		port = n.allocPort(e.host)
	}
	addr := transport.JoinAddress(e.host, port)
	if _, taken := n.endpoints[addr]; taken {
		return transport.PortInUse
	}
	e.port = port
	e.active = true
	e.maxConns = maxConnections
	e.maxIncoming = maxConnections
	n.endpoints[addr] = e
	return transport.Started
}

func (e *Endpoint) Active() bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.active
}

func (e *Endpoint) LocalIdentity() transport.Identity {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.identity()
}

func (e *Endpoint) Connect(host string, port uint16, password string) transport.ConnectResult {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.active || host == "" || port == 0 {
		return transport.ConnectInvalidParameter
	}
	if !resolvable(host) {
		return transport.CannotResolveDomainName
	}
	addr := transport.JoinAddress(host, port)
	if addr == e.identity().Address {
		return transport.ConnectInvalidParameter
	}
	return e.queueConnect(addr, password)
}

func (e *Endpoint) queueConnect(addr, password string) transport.ConnectResult {
	for _, c := range e.conns {
		if c.peer.identity().Address == addr {
			return transport.AlreadyConnectedToEndpoint
		}
	}
	for _, p := range e.pending {
		if p.addr == addr {
			return transport.ConnectionAttemptAlreadyInProgress
		}
	}
	e.pending = append(e.pending, pendingConnect{addr: addr, password: password})
	return transport.ConnectionAttemptStarted
}

func (e *Endpoint) Send(to transport.Identity, data []byte, r transport.Reliability) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.active {
		return transport.ErrNotActive
	}
	c := e.findConn(to)
	if c == nil {
		return transport.ErrUnknownPeer
	}
	e.transmit(c.peer, data, r)
	return nil
}

func (e *Endpoint) Broadcast(data []byte, r transport.Reliability) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.active {
		return transport.ErrNotActive
	}
	for _, c := range e.sortedConns() {
		e.transmit(c.peer, data, r)
	}
	return nil
}

func (e *Endpoint) transmit(to *Endpoint, data []byte, r transport.Reliability) {
	if e.loss > 0 && (r == transport.Unreliable || r == transport.UnreliableSequenced) {
		if e.net.rng.Float64() < e.loss {
			return
		}
	}
	to.enqueue(e.identity(), data, e.latency)
}

func (e *Endpoint) enqueue(from transport.Identity, data []byte, delay time.Duration) {
	if e.rendezvous {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q := queued{pkt: transport.Packet{From: from, Data: buf}}
	if delay > 0 {
		q.deliverAt = e.net.clock().Add(delay)
	}
	e.inbox = append(e.inbox, q)
}

func (e *Endpoint) system(from transport.Identity, id protocol.ID, payload []byte) {
	e.enqueue(from, protocol.EncodeSystem(id, payload), 0)
}

// Receive resolves pending attempts, then pops the oldest due packet.
func (e *Endpoint) Receive() (transport.Packet, bool) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.active {
		return transport.Packet{}, false
	}
	e.resolvePending()
	if len(e.inbox) == 0 {
		return transport.Packet{}, false
	}
	head := e.inbox[0]
	if !head.deliverAt.IsZero() && n.clock().Before(head.deliverAt) {
		return transport.Packet{}, false
	}
	e.inbox[0] = queued{}
	e.inbox = e.inbox[1:]
	return head.pkt, true
}

func (e *Endpoint) CloseConnection(to transport.Identity, notify bool) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	c := e.findConn(to)
	if c == nil {
		return
	}
	e.drop(c.peer, notify)
}

// drop removes the connection on both sides. The peer is told when notify
// is set; the caller never receives a packet for its own close.
func (e *Endpoint) drop(peer *Endpoint, notify bool) {
	delete(e.conns, peer.guid)
	delete(peer.conns, e.guid)
	if notify {
		peer.system(e.identity(), protocol.IDDisconnectionNotification, nil)
	} else {
		peer.system(e.identity(), protocol.IDConnectionLost, nil)
	}
	if e.ready != nil {
		e.ready.forget(peer.guid)
	}
	if peer.ready != nil {
		peer.ready.forget(e.guid)
	}
	e.meshChanged()
	peer.meshChanged()
}

func (e *Endpoint) Shutdown(wait time.Duration) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.active {
		return
	}
	for _, c := range e.sortedConns() {
		e.drop(c.peer, wait > 0)
	}
	delete(n.endpoints, e.identity().Address)
	e.active = false
	e.inbox = nil
	e.pending = nil
	e.nat = nil
	e.port = 0
	if e.mesh != nil {
		e.mesh.lastHost = uuid.Nil
	}
}

func (e *Endpoint) SetIncomingPassword(password string) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.password = password
}

func (e *Endpoint) SetMaximumIncomingConnections(n int) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if n < 0 {
		n = 0
	}
	e.maxIncoming = n
}

func (e *Endpoint) SetOfflinePingResponse(data []byte) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if len(data) > MaxOfflineData {
		data = data[:MaxOfflineData]
	}
	e.pong = append([]byte(nil), data...)
}

// Ping sends an unconnected ping. 255.255.255.255 reaches every active
// endpoint on port.
func (e *Endpoint) Ping(host string, port uint16) bool {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !e.active {
		return false
	}
	targets := make([]*Endpoint, 0)
	if host == "255.255.255.255" {
		for _, other := range n.endpoints {
			if other != e && other.active && other.port == port && !other.rendezvous {
				targets = append(targets, other)
			}
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].host < targets[j].host })
	} else if other := n.lookup(transport.JoinAddress(host, port)); other != nil && other != e {
		targets = append(targets, other)
	}
	for _, t := range targets {
		e.system(t.identity(), protocol.IDUnconnectedPong, protocol.EncodePong(n.nowMS(), t.pong))
	}
	return true
}

func (e *Endpoint) AddToBanList(host string) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.banned[host] = struct{}{}
}

func (e *Endpoint) ApplyNetworkSimulator(loss float64, latency time.Duration) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.loss = loss
	e.latency = latency
}

func (e *Endpoint) DetachPlugins() {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.natClient = nil
	e.nat = nil
	e.mesh = nil
	e.ready = nil
}

func (e *Endpoint) findConn(id transport.Identity) *conn {
	if id.GUID != uuid.Nil {
		return e.conns[id.GUID]
	}
	for _, c := range e.conns {
		if c.peer.identity().Address == id.Address {
			return c
		}
	}
	return nil
}

func (e *Endpoint) sortedConns() []*conn {
	out := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].peer.identity().Address < out[j].peer.identity().Address
	})
	return out
}

func (e *Endpoint) incomingCount() int {
	n := 0
	for _, c := range e.conns {
		if !c.outbound {
			n++
		}
	}
	return n
}
