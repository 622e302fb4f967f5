// Package peer holds the per-connection state of one remote participant.
package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/rs/zerolog"
)

var (
	ErrLinkLost      = errors.New("peer: link lost")
	ErrChunkMismatch = errors.New("peer: package chunk mismatch")
	ErrEmptyPackage  = errors.New("peer: empty package")
	ErrPackageLimit  = errors.New("peer: package exceeds limit")
)

const (
	// DefaultChunkSize bounds one package chunk payload.
	DefaultChunkSize = 1024
	// DefaultMaxPackageBytes bounds one reassembled inbound package.
	DefaultMaxPackageBytes = 16 << 20
	// DefaultMaxAssemblies bounds concurrent inbound packages per link.
	DefaultMaxAssemblies = 8
)

type State int

const (
	StatePending State = iota
	StateEstablished
	StateLost
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Message is one application message.
type Message struct {
	From      transport.Identity
	MessageID uint32
	Reliable  bool
	Ordered   bool
	Payload   []byte
}

type outbound struct {
	msgID   uint32
	rel     transport.Reliability
	payload []byte
}

type assembly struct {
	total  uint32
	size   int
	chunks map[uint32][]byte
}

// Link is one managed connection. Its identity never changes; the owning
// coordinator is its only writer.
type Link struct {
	id       transport.Identity
	tr       transport.Transport
	outbound bool
	log      zerolog.Logger

	state       State
	world       world.Container
	sceneLoaded bool
	identity    []byte
	ready       bool
	latency     time.Duration
	loss        float64

	controls     []byte
	remoteEvents []outbound
	packages     []outbound
	buffers      []outbound

	inbox         []Message
	assembling    map[string]*assembly
	maxPackage    int
	maxAssemblies int
}

// New creates a pending link. outbound marks a link this process dialed.
func New(id transport.Identity, tr transport.Transport, outbound bool, log zerolog.Logger) *Link {
	return &Link{
		id:            id,
		tr:            tr,
		outbound:      outbound,
		log:           log.With().Str("peer", id.String()).Logger(),
		state:         StatePending,
		assembling:    make(map[string]*assembly),
		maxPackage:    DefaultMaxPackageBytes,
		maxAssemblies: DefaultMaxAssemblies,
	}
}

// SetPackageLimits bounds inbound reassembly. Non-positive values keep
// the current limit.
func (l *Link) SetPackageLimits(maxBytes, maxAssemblies int) {
	if maxBytes > 0 {
		l.maxPackage = maxBytes
	}
	if maxAssemblies > 0 {
		l.maxAssemblies = maxAssemblies
	}
}

func (l *Link) Identity() transport.Identity { return l.id }
func (l *Link) Outbound() bool               { return l.outbound }
func (l *Link) State() State                 { return l.state }
func (l *Link) IsPending() bool              { return l.state == StatePending }
func (l *Link) World() world.Container       { return l.world }
func (l *Link) SceneLoaded() bool            { return l.sceneLoaded }
func (l *Link) Ready() bool                  { return l.ready }
func (l *Link) IdentityPayload() []byte      { return l.identity }

func (l *Link) SetWorld(w world.Container)  { l.world = w }
func (l *Link) SetSceneLoaded(loaded bool)  { l.sceneLoaded = loaded }
func (l *Link) SetReady(ready bool)         { l.ready = ready }
func (l *Link) SetIdentityPayload(b []byte) { l.identity = append([]byte(nil), b...) }

// Address is the transport host of the remote side.
func (l *Link) Address() string {
	host, _, err := l.id.HostPort()
	if err != nil {
		return l.id.Address
	}
	return host
}

// Establish moves a pending link to established. Lost links stay lost.
func (l *Link) Establish() {
	if l.state == StatePending {
		l.state = StateEstablished
	}
}

// MarkLost drops every queued outbound message.
func (l *Link) MarkLost() {
	l.state = StateLost
	l.controls = nil
	l.remoteEvents = nil
	l.packages = nil
	l.buffers = nil
}

// ConfigureNetworkSimulator records the simulated conditions for this link.
func (l *Link) ConfigureNetworkSimulator(latency time.Duration, loss float64) {
	l.latency = latency
	l.loss = loss
}

func (l *Link) NetworkSimulator() (time.Duration, float64) {
	return l.latency, l.loss
}

func (l *Link) String() string {
	return fmt.Sprintf("%s(%s)", l.id, l.state)
}
