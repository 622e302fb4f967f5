package transport

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotActive         = errors.New("transport: not active")
	ErrUnknownPeer       = errors.New("transport: unknown peer")
	ErrPluginUnsupported = errors.New("transport: plugin unsupported")
	ErrPluginAttached    = errors.New("transport: plugin already attached")
	ErrPacketTooLarge    = errors.New("transport: packet too large")
)

// Reliability selects delivery guarantees for one send.
type Reliability int

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
)

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case Reliable:
		return "reliable"
	case ReliableOrdered:
		return "reliable_ordered"
	default:
		return "unknown"
	}
}

// ReliabilityFor maps the application flags onto a delivery mode.
func ReliabilityFor(reliable, ordered bool) Reliability {
	switch {
	case reliable && ordered:
		return ReliableOrdered
	case reliable:
		return Reliable
	case ordered:
		return UnreliableSequenced
	default:
		return Unreliable
	}
}

// Packet is one inbound datagram. Data starts with a protocol.ID byte.
type Packet struct {
	From Identity
	Data []byte
}

type StartupResult int

const (
	Started StartupResult = iota
	AlreadyStarted
	PortInUse
	StartupInvalidParameter
)

func (r StartupResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyStarted:
		return "already_started"
	case PortInUse:
		return "port_in_use"
	case StartupInvalidParameter:
		return "invalid_parameter"
	default:
		return "unknown"
	}
}

type ConnectResult int

const (
	ConnectionAttemptStarted ConnectResult = iota
	ConnectInvalidParameter
	CannotResolveDomainName
	AlreadyConnectedToEndpoint
	ConnectionAttemptAlreadyInProgress
	SecurityInitializationFailed
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectionAttemptStarted:
		return "attempt_started"
	case ConnectInvalidParameter:
		return "invalid_parameter"
	case CannotResolveDomainName:
		return "cannot_resolve_domain_name"
	case AlreadyConnectedToEndpoint:
		return "already_connected"
	case ConnectionAttemptAlreadyInProgress:
		return "attempt_in_progress"
	case SecurityInitializationFailed:
		return "security_initialization_failed"
	default:
		return "unknown"
	}
}

// Transport is the datagram peer consumed by the coordinator. All methods
// are non-blocking; outcomes of Connect arrive later as system packets.
type Transport interface {
	Startup(port uint16, maxConnections int) StartupResult
	Active() bool
	LocalIdentity() Identity

	Connect(host string, port uint16, password string) ConnectResult
	Send(to Identity, data []byte, r Reliability) error
	Broadcast(data []byte, r Reliability) error
	Receive() (Packet, bool)
	CloseConnection(to Identity, notify bool)
	Shutdown(wait time.Duration)

	SetIncomingPassword(password string)
	SetMaximumIncomingConnections(n int)
	SetOfflinePingResponse(data []byte)
	Ping(host string, port uint16) bool
	AddToBanList(host string)
	ApplyNetworkSimulator(loss float64, latency time.Duration)

	AttachNATClient() (NATClient, error)
	AttachMesh(opts MeshOptions) (Mesh, error)
	AttachReadyEvents() (ReadyEvents, error)
	DetachPlugins()
}

// NATClient issues punchthrough requests through a rendezvous server the
// transport is connected to. Results arrive as NAT system packets.
type NATClient interface {
	OpenNAT(target uuid.UUID, rendezvous Identity) bool
}

// MeshOptions configures the fully connected mesh plugin.
type MeshOptions struct {
	AutoConnect bool
	Password    string
}

// Mesh tracks mesh participants and elects the host. Host changes arrive
// as protocol.IDFCM2NewHost packets.
type Mesh interface {
	Host() (Identity, bool)
	IsHost() bool
	Participants() []Identity
	ResetHostCalculation()
}

// ReadyStatus is one remote participant's status for a ready event.
type ReadyStatus int

const (
	ReadyUnknown ReadyStatus = iota
	ReadyNotSet
	ReadySet
	ReadyAllSet
)

// ReadyEvents mirrors per-system ready flags across the mesh. Status
// changes arrive as protocol.IDReadyEvent* packets.
type ReadyEvents interface {
	SetEvent(eventID uint32, ready bool)
	IsEventSet(eventID uint32) bool
	AddToWaitList(eventID uint32, id Identity)
	RemoveFromWaitList(eventID uint32, id Identity)
	WaitList(eventID uint32) []Identity
	Status(eventID uint32, id Identity) ReadyStatus
}
