package coordinator

import (
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

// Kind names an event type. Kind names are reserved and cannot be
// registered as remote events.
type Kind string

const (
	KindServerStarted            Kind = "ServerStarted"
	KindServerStopped            Kind = "ServerStopped"
	KindServerConnected          Kind = "ServerConnected"
	KindServerDisconnected       Kind = "ServerDisconnected"
	KindConnectFailed            Kind = "ConnectFailed"
	KindClientConnected          Kind = "ClientConnected"
	KindClientDisconnected       Kind = "ClientDisconnected"
	KindClientIdentity           Kind = "ClientIdentity"
	KindClientSceneLoaded        Kind = "ClientSceneLoaded"
	KindConnectionRejected       Kind = "ConnectionRejected"
	KindBanned                   Kind = "NetworkBanned"
	KindNATMasterConnected       Kind = "NATMasterConnected"
	KindNATMasterFailed          Kind = "NATMasterConnectionFailed"
	KindNATMasterDisconnected    Kind = "NATMasterDisconnected"
	KindNATPunchthroughSucceeded Kind = "NATPunchthroughSucceeded"
	KindNATPunchthroughFailed    Kind = "NATPunchthroughFailed"
	KindSessionStarted           Kind = "P2PSessionStarted"
	KindSessionJoined            Kind = "P2PSessionJoined"
	KindSessionJoinFailed        Kind = "P2PSessionJoinFailed"
	KindNewHost                  Kind = "P2PNewHost"
	KindAllReadyChanged          Kind = "P2PAllReadyChanged"
	KindHostDiscovered           Kind = "NetworkHostDiscovered"
	KindRemoteEvent              Kind = "RemoteEvent"
	KindPackageReceived          Kind = "PackageReceived"
	KindNetworkMessage           Kind = "NetworkMessage"
	KindModeMismatch             Kind = "NetworkModeMismatch"
	KindNetworkUpdate            Kind = "NetworkUpdate"
	KindNetworkUpdateSent        Kind = "NetworkUpdateSent"
)

// Event is delivered to handlers registered with OnEvent.
type Event interface {
	Kind() Kind
}

// FailureReason classifies a connect attempt that never established.
type FailureReason string

const (
	ReasonAttemptFailed     FailureReason = "attempt_failed"
	ReasonServerFull        FailureReason = "server_full"
	ReasonBanned            FailureReason = "banned"
	ReasonInvalidPassword   FailureReason = "invalid_password"
	ReasonAlreadyConnected  FailureReason = "already_connected"
	ReasonAttemptInProgress FailureReason = "attempt_in_progress"
	ReasonInvalidParameter  FailureReason = "invalid_parameter"
	ReasonCannotResolve     FailureReason = "cannot_resolve"
	ReasonSecurity          FailureReason = "security_failed"
	ReasonJoinDenied        FailureReason = "join_denied"
)

type ServerStarted struct {
	Port           uint16
	MaxConnections int
}

type ServerStopped struct{}

// ServerConnected fires once the outbound session link is established.
type ServerConnected struct {
	Server transport.Identity
}

// ServerDisconnected fires when an established session link drops.
type ServerDisconnected struct {
	Server transport.Identity
}

// ConnectFailed fires when an attempt ends before establishing, including
// synchronous transport rejections.
type ConnectFailed struct {
	Target transport.Identity
	Reason FailureReason
}

type ClientConnected struct {
	Peer transport.Identity
}

type ClientDisconnected struct {
	Peer transport.Identity
	// Lost is set when the transport reported a timeout rather than a
	// graceful close.
	Lost bool
}

type ClientIdentity struct {
	Peer    transport.Identity
	Payload []byte
}

type ClientSceneLoaded struct {
	Peer transport.Identity
}

// ConnectionRejected fires on the accepting side when the allowed
// connection count is exceeded.
type ConnectionRejected struct {
	Peer   transport.Identity
	Reason FailureReason
}

type Banned struct {
	By     transport.Identity
	Reason string
}

type NATMasterConnected struct {
	Server transport.Identity
}

type NATMasterConnectionFailed struct {
	Server    transport.Identity
	Attempt   int
	WillRetry bool
}

type NATMasterDisconnected struct {
	Server    transport.Identity
	WillRetry bool
}

type NATPunchthroughSucceeded struct {
	Target transport.Identity
}

type NATPunchthroughFailed struct {
	Target    uuid.UUID
	Reason    string
	Attempt   int
	WillRetry bool
}

type SessionStarted struct {
	Self transport.Identity
}

type SessionJoined struct {
	Target uuid.UUID
}

type SessionJoinFailed struct {
	Target uuid.UUID
	Reason FailureReason
}

// NewHost fires on every host announcement.
type NewHost struct {
	Claim HostClaim
}

// AllReadyChanged fires on every readiness recomputation, changed or not.
type AllReadyChanged struct {
	AllReady bool
}

type HostDiscovered struct {
	Address string
	Port    uint16
	Beacon  []byte
}

type RemoteEvent struct {
	From  transport.Identity
	Name  string
	World string
	Data  []byte
}

type PackageReceived struct {
	From transport.Identity
	Name string
	Data []byte
}

type NetworkMessage struct {
	From      transport.Identity
	MessageID uint32
	Reliable  bool
	Ordered   bool
	Payload   []byte
}

type ModeMismatch struct {
	Peer transport.Identity
}

// NetworkUpdate fires before each update pass.
type NetworkUpdate struct {
	Pass uint64
}

// NetworkUpdateSent fires after each update pass.
type NetworkUpdateSent struct {
	Pass uint64
}

func (ServerStarted) Kind() Kind             { return KindServerStarted }
func (ServerStopped) Kind() Kind             { return KindServerStopped }
func (ServerConnected) Kind() Kind           { return KindServerConnected }
func (ServerDisconnected) Kind() Kind        { return KindServerDisconnected }
func (ConnectFailed) Kind() Kind             { return KindConnectFailed }
func (ClientConnected) Kind() Kind           { return KindClientConnected }
func (ClientDisconnected) Kind() Kind        { return KindClientDisconnected }
func (ClientIdentity) Kind() Kind            { return KindClientIdentity }
func (ClientSceneLoaded) Kind() Kind         { return KindClientSceneLoaded }
func (ConnectionRejected) Kind() Kind        { return KindConnectionRejected }
func (Banned) Kind() Kind                    { return KindBanned }
func (NATMasterConnected) Kind() Kind        { return KindNATMasterConnected }
func (NATMasterConnectionFailed) Kind() Kind { return KindNATMasterFailed }
func (NATMasterDisconnected) Kind() Kind     { return KindNATMasterDisconnected }
func (NATPunchthroughSucceeded) Kind() Kind  { return KindNATPunchthroughSucceeded }
func (NATPunchthroughFailed) Kind() Kind     { return KindNATPunchthroughFailed }
func (SessionStarted) Kind() Kind            { return KindSessionStarted }
func (SessionJoined) Kind() Kind             { return KindSessionJoined }
func (SessionJoinFailed) Kind() Kind         { return KindSessionJoinFailed }
func (NewHost) Kind() Kind                   { return KindNewHost }
func (AllReadyChanged) Kind() Kind           { return KindAllReadyChanged }
func (HostDiscovered) Kind() Kind            { return KindHostDiscovered }
func (RemoteEvent) Kind() Kind               { return KindRemoteEvent }
func (PackageReceived) Kind() Kind           { return KindPackageReceived }
func (NetworkMessage) Kind() Kind            { return KindNetworkMessage }
func (ModeMismatch) Kind() Kind              { return KindModeMismatch }
func (NetworkUpdate) Kind() Kind             { return KindNetworkUpdate }
func (NetworkUpdateSent) Kind() Kind         { return KindNetworkUpdateSent }

var reservedKinds = []Kind{
	KindServerStarted, KindServerStopped, KindServerConnected, KindServerDisconnected,
	KindConnectFailed, KindClientConnected, KindClientDisconnected, KindClientIdentity,
	KindClientSceneLoaded, KindConnectionRejected, KindNATMasterConnected,
	KindNATMasterFailed, KindNATMasterDisconnected, KindNATPunchthroughSucceeded,
	KindNATPunchthroughFailed, KindSessionStarted, KindSessionJoined, KindSessionJoinFailed,
	KindNewHost, KindAllReadyChanged, KindHostDiscovered, KindRemoteEvent,
	KindPackageReceived, KindNetworkMessage, KindModeMismatch, KindNetworkUpdate,
	KindNetworkUpdateSent,
}
