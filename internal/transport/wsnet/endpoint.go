package wsnet

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/meshctl/internal/discovery"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type queued struct {
	pkt       transport.Packet
	deliverAt time.Time
}

// Endpoint is one WebSocket transport peer.
type Endpoint struct {
	cfg      Config
	log      zerolog.Logger
	guid     uuid.UUID
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	http     *http.Client

	mu          sync.Mutex
	active      bool
	epoch       uint64
	port        uint16
	srv         *http.Server
	maxConns    int
	maxIncoming int
	password    string
	pong        []byte
	banned      map[string]struct{}
	loss        float64
	latency     time.Duration
	rng         *rand.Rand
	conns       map[uuid.UUID]*conn
	pending     map[string]struct{}
	inbox       []queued
}

var _ transport.Transport = (*Endpoint)(nil)

// New validates cfg for both stream directions and builds an inactive
// endpoint.
func New(cfg Config, log zerolog.Logger) (*Endpoint, error) {
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	clientTLS, err := cfg.clientTLS()
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:  cfg,
		log:  observability.Component(log, "wsnet"),
		guid: uuid.New(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  clientTLS,
		},
		http: &http.Client{
			Timeout:   cfg.PingTimeout,
			Transport: &http.Transport{TLSClientConfig: clientTLS},
		},
		banned:  make(map[string]struct{}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		conns:   make(map[uuid.UUID]*conn),
		pending: make(map[string]struct{}),
	}
	return e, nil
}

// GUID returns the endpoint's stable id, valid before Startup.
func (e *Endpoint) GUID() uuid.UUID {
	return e.guid
}

func (e *Endpoint) identity() transport.Identity {
	addr := ""
	if e.port != 0 {
		addr = transport.JoinAddress(e.cfg.advertised(), e.port)
	}
	return transport.Identity{GUID: e.guid, Address: addr}
}

func (e *Endpoint) Startup(port uint16, maxConnections int) transport.StartupResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return transport.AlreadyStarted
	}
	if maxConnections <= 0 {
		return transport.StartupInvalidParameter
	}
	ln, err := net.Listen("tcp", transport.JoinAddress(e.cfg.BindHost, port))
	if err != nil {
		e.log.Error().Err(err).Uint16("port", port).Msg("listen failed")
		if errors.Is(err, syscall.EADDRINUSE) {
			return transport.PortInUse
		}
		return transport.StartupInvalidParameter
	}
	serverTLS, err := e.cfg.serverTLS()
	if err != nil {
		_ = ln.Close()
		e.log.Error().Err(err).Msg("tls setup failed")
		return transport.StartupInvalidParameter
	}

	mux := http.NewServeMux()
	mux.HandleFunc(e.cfg.Path, e.handleUpgrade)
	mux.HandleFunc(e.cfg.BeaconPath, e.handleBeacon)
	srv := &http.Server{Handler: mux, TLSConfig: serverTLS, ReadHeaderTimeout: e.cfg.HandshakeTimeout}

	e.port = uint16(ln.Addr().(*net.TCPAddr).Port)
	e.active = true
	e.epoch++
	e.maxConns = maxConnections
	e.maxIncoming = maxConnections
	e.srv = srv
	go func() {
		var err error
		if serverTLS != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("serve failed")
		}
	}()
	e.log.Info().Str("address", e.identity().Address).Int("max_connections", maxConnections).Msg("transport started")
	return transport.Started
}

func (e *Endpoint) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Endpoint) LocalIdentity() transport.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity()
}

func (e *Endpoint) Send(to transport.Identity, data []byte, r transport.Reliability) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return transport.ErrNotActive
	}
	c := e.findConn(to)
	e.mu.Unlock()
	if c == nil {
		return transport.ErrUnknownPeer
	}
	return e.sendTo(c, data, r)
}

func (e *Endpoint) sendTo(c *conn, data []byte, r transport.Reliability) error {
	if uint64(len(data)) > e.cfg.Limits.MaxPayloadBytes {
		return transport.ErrPacketTooLarge
	}
	f := frame.New(frame.KindData, 0, data)
	f.Header.Flags = flagsFor(r)
	return c.write(f, e.cfg.Limits, e.cfg.WriteTimeout)
}

func (e *Endpoint) Broadcast(data []byte, r transport.Reliability) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return transport.ErrNotActive
	}
	conns := e.sortedConns()
	e.mu.Unlock()
	var first error
	for _, c := range conns {
		if err := e.sendTo(c, data, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Receive pops the oldest due packet.
func (e *Endpoint) Receive() (transport.Packet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || len(e.inbox) == 0 {
		return transport.Packet{}, false
	}
	head := e.inbox[0]
	if !head.deliverAt.IsZero() && time.Now().Before(head.deliverAt) {
		return transport.Packet{}, false
	}
	e.inbox[0] = queued{}
	e.inbox = e.inbox[1:]
	return head.pkt, true
}

func (e *Endpoint) CloseConnection(to transport.Identity, notify bool) {
	e.mu.Lock()
	c := e.findConn(to)
	if c != nil {
		delete(e.conns, c.id.GUID)
	}
	e.mu.Unlock()
	if c == nil {
		return
	}
	c.close(notify, e.cfg.Limits, e.cfg.WriteTimeout)
}

func (e *Endpoint) Shutdown(wait time.Duration) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	conns := e.sortedConns()
	srv := e.srv
	e.active = false
	e.conns = make(map[uuid.UUID]*conn)
	e.pending = make(map[string]struct{})
	e.inbox = nil
	e.srv = nil
	e.port = 0
	e.mu.Unlock()

	for _, c := range conns {
		c.close(wait > 0, e.cfg.Limits, e.cfg.WriteTimeout)
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	} else {
		_ = srv.Close()
	}
	e.log.Info().Int("connections", len(conns)).Msg("transport stopped")
}

func (e *Endpoint) SetIncomingPassword(password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.password = password
}

func (e *Endpoint) SetMaximumIncomingConnections(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		n = 0
	}
	e.maxIncoming = n
}

func (e *Endpoint) SetOfflinePingResponse(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(data) > discovery.MaxBeaconSize {
		data = data[:discovery.MaxBeaconSize]
	}
	e.pong = append([]byte(nil), data...)
}

func (e *Endpoint) AddToBanList(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.banned[host] = struct{}{}
}

// ApplyNetworkSimulator delays and drops inbound packets. Loss applies to
// unreliable frames only.
func (e *Endpoint) ApplyNetworkSimulator(loss float64, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loss = loss
	e.latency = latency
}

func (e *Endpoint) AttachNATClient() (transport.NATClient, error) {
	return nil, transport.ErrPluginUnsupported
}

func (e *Endpoint) AttachMesh(transport.MeshOptions) (transport.Mesh, error) {
	return nil, transport.ErrPluginUnsupported
}

func (e *Endpoint) AttachReadyEvents() (transport.ReadyEvents, error) {
	return nil, transport.ErrPluginUnsupported
}

func (e *Endpoint) DetachPlugins() {}

// enqueue must be called with mu held.
func (e *Endpoint) enqueue(from transport.Identity, data []byte, delay time.Duration) {
	q := queued{pkt: transport.Packet{From: from, Data: data}}
	if delay > 0 {
		q.deliverAt = time.Now().Add(delay)
	}
	e.inbox = append(e.inbox, q)
}

// post queues a system packet if the endpoint is still in epoch.
func (e *Endpoint) post(epoch uint64, from transport.Identity, id protocol.ID, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.epoch != epoch {
		return
	}
	e.enqueue(from, protocol.EncodeSystem(id, payload), 0)
}

func (e *Endpoint) findConn(id transport.Identity) *conn {
	if id.GUID != uuid.Nil {
		return e.conns[id.GUID]
	}
	for _, c := range e.conns {
		if c.id.Address == id.Address {
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
	sort.Slice(out, func(i, j int) bool { return out[i].id.Key() < out[j].id.Key() })
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
