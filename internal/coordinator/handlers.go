package coordinator

import (
	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/transport"
)

// newRouter binds the system handler table to one transport side.
func (c *Coordinator) newRouter(s side) *router.Router {
	r := router.New(c.log.With().Str("transport", s.String()).Logger())
	bind := func(h func(side, router.SystemEvent)) router.SystemHandler {
		return func(ev router.SystemEvent) { h(s, ev) }
	}
	r.Handle(protocol.IDConnectionRequestAccepted, bind(c.handleAccepted))
	r.Handle(protocol.IDNewIncomingConnection, bind(c.handleNewIncoming))
	r.Handle(protocol.IDRemoteNewIncomingConnection, bind(c.handleRemoteNewIncoming))
	r.HandleMany(bind(c.handleLost), protocol.IDDisconnectionNotification, protocol.IDConnectionLost)
	r.HandleMany(bind(c.handleAttemptRejected),
		protocol.IDConnectionAttemptFailed,
		protocol.IDNoFreeIncomingConnections,
		protocol.IDConnectionBanned,
		protocol.IDInvalidPassword,
		protocol.IDIncompatibleProtocolVersion,
	)
	r.Handle(protocol.IDAlreadyConnected, bind(c.handleAlreadyConnected))
	r.HandleMany(bind(c.handleRemoteSystem), protocol.IDRemoteDisconnection, protocol.IDRemoteConnectionLost)
	r.Handle(protocol.IDUnconnectedPong, bind(c.handlePong))
	r.Handle(protocol.IDNATPunchthroughSucceeded, bind(c.handlePunchthroughSucceeded))
	r.HandleMany(bind(c.handlePunchthroughFailed),
		protocol.IDNATTargetNotConnected,
		protocol.IDNATTargetUnresponsive,
		protocol.IDNATConnectionToTargetLost,
		protocol.IDNATPunchthroughFailed,
	)
	r.Handle(protocol.IDNATAlreadyInProgress, bind(c.handleNATInProgress))
	r.HandleMany(bind(c.handleReadyEvent),
		protocol.IDReadyEventSet,
		protocol.IDReadyEventUnset,
		protocol.IDReadyEventAllSet,
		protocol.IDReadyEventQuery,
	)
	r.Handle(protocol.IDFCM2NewHost, bind(c.handleNewHost))
	r.Handle(protocol.IDFCM2RequestFCMGUID, bind(c.handleMeshGUIDRequest))
	r.HandleApplication(func(m router.ApplicationMessage) { c.handleApplication(s, m) })
	return r
}

func (c *Coordinator) rendezvousAddress() string {
	return transport.JoinAddress(c.cfg.NATServerAddress, c.cfg.NATServerPort)
}

func (c *Coordinator) isRendezvous(id transport.Identity) bool {
	return id.Address != "" && id.Address == c.rendezvousAddress()
}

func (c *Coordinator) handleAccepted(s side, ev router.SystemEvent) {
	if c.isRendezvous(ev.From) {
		c.onRendezvousConnected(s, ev.From)
		return
	}
	switch {
	case s == sideClient && c.server != nil && c.server.Identity().Matches(ev.From):
		c.onServerConnected(ev.From)
	case c.topology == config.TopologyPeerToPeer && s == sideHost:
		c.onMeshLinkUp(ev.From, true)
	default:
		c.log.Debug().Str("from", ev.From.String()).Msg("accepted by unknown peer")
	}
}

// handleNewIncoming admits an inbound connection, enforcing the allowed
// count before any link exists.
func (c *Coordinator) handleNewIncoming(s side, ev router.SystemEvent) {
	if s != sideHost || c.isRendezvous(ev.From) {
		return
	}
	if c.topology == config.TopologyPeerToPeer {
		c.onMeshLinkUp(ev.From, false)
		return
	}
	if c.links.Len() >= c.allowed {
		c.host.CloseConnection(ev.From, true)
		observability.RecordRejection(string(ReasonServerFull))
		c.log.Warn().Str("peer", ev.From.String()).Int("allowed", c.allowed).Msg("connection refused, server full")
		c.emit(ConnectionRejected{Peer: ev.From, Reason: ReasonServerFull})
		return
	}
	link := c.newLink(ev.From, c.host, false)
	link.SetWorld(c.world)
	link.Establish()
	if err := c.links.Add(ev.From, link); err != nil {
		c.log.Error().Err(err).Msg("register client failed")
		return
	}
	c.log.Info().Str("peer", ev.From.String()).Msg("client connected")
	c.emit(ClientConnected{Peer: ev.From})
}

// handleRemoteNewIncoming registers the sender and every listed mesh
// participant.
func (c *Coordinator) handleRemoteNewIncoming(s side, ev router.SystemEvent) {
	if s != sideHost || c.topology != config.TopologyPeerToPeer {
		return
	}
	list, err := protocol.DecodeRemoteConnections(ev.Payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad remote connection list")
		return
	}
	if _, ok := c.links.Find(ev.From); !ok {
		c.onMeshLinkUp(ev.From, true)
	}
	self := c.host.LocalIdentity()
	for _, rc := range list {
		id := transport.Identity{GUID: rc.GUID, Address: rc.Address}
		if c.isRendezvous(id) || id.Matches(self) {
			continue
		}
		if _, ok := c.links.Find(id); ok {
			continue
		}
		link := c.newLink(id, c.host, true)
		link.SetWorld(c.world)
		link.SetSceneLoaded(true)
		if err := c.links.Add(id, link); err != nil {
			c.log.Error().Err(err).Msg("register mesh participant failed")
		}
	}
}

func (c *Coordinator) handleLost(s side, ev router.SystemEvent) {
	lost := ev.ID == protocol.IDConnectionLost
	if c.isRendezvous(ev.From) {
		c.onRendezvousLost(s, ev.From)
		return
	}
	if s == sideClient {
		if c.server != nil && c.server.Identity().Matches(ev.From) {
			c.onServerDisconnected(ReasonAttemptFailed)
		}
		return
	}
	link, ok := c.links.Remove(ev.From)
	if !ok {
		return
	}
	link.MarkLost()
	if link == c.server {
		c.server = nil
	}
	c.log.Info().Str("peer", ev.From.String()).Bool("lost", lost).Msg("client disconnected")
	c.emit(ClientDisconnected{Peer: link.Identity(), Lost: lost})
}

func attemptReason(id protocol.ID) FailureReason {
	switch id {
	case protocol.IDNoFreeIncomingConnections:
		return ReasonServerFull
	case protocol.IDConnectionBanned:
		return ReasonBanned
	case protocol.IDInvalidPassword:
		return ReasonInvalidPassword
	default:
		return ReasonAttemptFailed
	}
}

// handleAttemptRejected covers every asynchronous connect refusal.
func (c *Coordinator) handleAttemptRejected(s side, ev router.SystemEvent) {
	reason := attemptReason(ev.ID)
	if c.isRendezvous(ev.From) {
		c.onRendezvousFailed(s, ev.From, reason)
		return
	}
	if s == sideClient {
		if c.server != nil && c.server.Identity().Matches(ev.From) {
			c.onServerDisconnected(reason)
		}
		return
	}
	if link, ok := c.links.Find(ev.From); ok && link.IsPending() {
		c.links.Remove(ev.From)
		link.MarkLost()
	}
	if c.server != nil && c.server.IsPending() && c.server.Identity().Matches(ev.From) {
		c.server = nil
	}
	observability.RecordRejection(string(reason))
	c.log.Warn().Str("target", ev.From.String()).Str("reason", string(reason)).Msg("connect failed")
	c.emit(ConnectFailed{Target: ev.From, Reason: reason})
}

// handleAlreadyConnected leaves existing links untouched.
func (c *Coordinator) handleAlreadyConnected(s side, ev router.SystemEvent) {
	if c.isRendezvous(ev.From) {
		c.onRendezvousConnected(s, ev.From)
		return
	}
	observability.RecordRejection(string(ReasonAlreadyConnected))
	c.log.Info().Str("target", ev.From.String()).Msg("already connected")
	c.emit(ConnectFailed{Target: ev.From, Reason: ReasonAlreadyConnected})
}

func (c *Coordinator) handleRemoteSystem(_ side, ev router.SystemEvent) {
	c.log.Debug().Stringer("packet_id", ev.ID).Str("from", ev.From.String()).Msg("remote system notice")
}

func (c *Coordinator) handlePong(_ side, ev router.SystemEvent) {
	_, beacon, err := protocol.DecodePong(ev.Payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad pong")
		return
	}
	host, port, err := ev.From.HostPort()
	if err != nil {
		c.log.Warn().Err(err).Str("from", ev.From.Address).Msg("pong from unparsable address")
		return
	}
	c.emit(HostDiscovered{Address: host, Port: port, Beacon: beacon})
}

func (c *Coordinator) handleReadyEvent(_ side, ev router.SystemEvent) {
	if c.topology != config.TopologyPeerToPeer {
		return
	}
	c.readyStatusChanged()
}

// handleMeshGUIDRequest fires when a mesh peer meets a server-client
// process.
func (c *Coordinator) handleMeshGUIDRequest(s side, ev router.SystemEvent) {
	if c.topology != config.TopologyServerClient {
		return
	}
	c.log.Error().Str("peer", ev.From.String()).Msg("network mode mismatch")
	if s == sideClient {
		c.Disconnect(0)
	} else if link, ok := c.links.Remove(ev.From); ok {
		link.MarkLost()
		c.host.CloseConnection(ev.From, true)
	}
	c.emit(ModeMismatch{Peer: ev.From})
}
