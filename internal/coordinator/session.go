package coordinator

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/readiness"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/scheduler"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/google/uuid"
)

type natIntent int

const (
	intentNone natIntent = iota
	intentStart
	intentJoin
	intentServer
	intentClient
)

func (i natIntent) String() string {
	switch i {
	case intentStart:
		return "start"
	case intentJoin:
		return "join"
	case intentServer:
		return "server"
	case intentClient:
		return "client"
	default:
		return "none"
	}
}

// natAttempt is the in-flight rendezvous handshake. Cleared on success,
// on exhausted retries and on Disconnect.
type natAttempt struct {
	intent    natIntent
	side      side
	target    uuid.UUID
	punched   transport.Identity
	attempts  int
	retryAt   int64
	armed     bool
	connected bool
}

func (n natAttempt) active() bool {
	return n.intent != intentNone
}

// StartSession opens a mesh session with this process as its first host.
// The session starts once the rendezvous server accepts the connection.
func (c *Coordinator) StartSession(w world.Container, identity []byte) error {
	if err := c.beginRendezvous(intentStart, sideHost, uuid.Nil); err != nil {
		return err
	}
	c.world = w
	c.identity = append([]byte(nil), identity...)
	return nil
}

// JoinSession joins the mesh session hosted by target through the
// rendezvous server.
func (c *Coordinator) JoinSession(target uuid.UUID, w world.Container, identity []byte) error {
	if target == uuid.Nil {
		return fmt.Errorf("%w: join target required", protocol.ErrInvalidGUID)
	}
	if err := c.beginRendezvous(intentJoin, sideHost, target); err != nil {
		return err
	}
	c.world = w
	c.identity = append([]byte(nil), identity...)
	return nil
}

// StartNATClient registers a listening server with the rendezvous server
// so clients can punch through to it.
func (c *Coordinator) StartNATClient() error {
	if c.topology != config.TopologyServerClient || !c.listening {
		return fmt.Errorf("%w: nat client requires a listening server", ErrWrongTopology)
	}
	return c.beginRendezvous(intentServer, sideHost, uuid.Nil)
}

// AttemptNATPunchthrough reaches a server behind NAT: rendezvous first,
// then punchthrough to guid, then Connect to the punched address.
func (c *Coordinator) AttemptNATPunchthrough(guid uuid.UUID, w world.Container, identity []byte) error {
	if c.topology != config.TopologyServerClient {
		return fmt.Errorf("%w: punchthrough requires %s", ErrWrongTopology, config.TopologyServerClient)
	}
	if guid == uuid.Nil {
		return fmt.Errorf("%w: punchthrough target required", protocol.ErrInvalidGUID)
	}
	if err := c.beginRendezvous(intentClient, sideClient, guid); err != nil {
		return err
	}
	c.world = w
	c.identity = append([]byte(nil), identity...)
	return nil
}

func (c *Coordinator) beginRendezvous(intent natIntent, s side, target uuid.UUID) error {
	p2p := intent == intentStart || intent == intentJoin
	if p2p && c.topology != config.TopologyPeerToPeer {
		return fmt.Errorf("%w: sessions require %s", ErrWrongTopology, config.TopologyPeerToPeer)
	}
	if c.nat.active() {
		return fmt.Errorf("%w: %s in progress", ErrSessionActive, c.nat.intent)
	}
	if p2p && c.claim.Generation > 0 {
		return ErrSessionActive
	}
	tr := c.transportFor(s)
	if !tr.Active() {
		limit := clientMaxConnections
		if s == sideHost {
			limit = c.cfg.MaxConnections + 1
		}
		if res := tr.Startup(0, limit); res != transport.Started {
			return fmt.Errorf("%w: startup: %s", ErrBindFailed, res)
		}
		if s == sideHost {
			c.startHost(c.cfg.MaxConnections)
		}
	}
	if _, err := c.natClient(s); err != nil {
		return fmt.Errorf("attach nat client: %w", err)
	}
	c.nat = natAttempt{intent: intent, side: s, target: target}
	return c.dialRendezvous()
}

// dialRendezvous (re)connects to the rendezvous server. An existing
// connection continues the handshake directly.
func (c *Coordinator) dialRendezvous() error {
	tr := c.transportFor(c.nat.side)
	res := tr.Connect(c.cfg.NATServerAddress, c.cfg.NATServerPort, "")
	switch res {
	case transport.ConnectionAttemptStarted, transport.ConnectionAttemptAlreadyInProgress:
		c.log.Info().Str("rendezvous", c.rendezvousAddress()).Stringer("intent", c.nat.intent).Msg("connecting to nat server")
		return nil
	case transport.AlreadyConnectedToEndpoint:
		c.onRendezvousConnected(c.nat.side, transport.Identity{Address: c.rendezvousAddress()})
		return nil
	default:
		c.log.Error().Stringer("result", res).Msg("nat server connect rejected")
		c.nat = natAttempt{}
		return fmt.Errorf("%w: %s", ErrRendezvous, res)
	}
}

func (c *Coordinator) onRendezvousConnected(s side, from transport.Identity) {
	if !c.nat.active() || s != c.nat.side {
		c.log.Debug().Str("from", from.String()).Msg("rendezvous accepted without intent")
		return
	}
	c.nat.connected = true
	c.log.Info().Str("rendezvous", from.String()).Stringer("intent", c.nat.intent).Msg("nat server connected")
	c.emit(NATMasterConnected{Server: from})

	switch c.nat.intent {
	case intentStart:
		c.mesh.ResetHostCalculation()
		c.isHost = true
		c.nat = natAttempt{}
		c.setReady(false)
		self := c.host.LocalIdentity()
		c.log.Info().Str("self", self.String()).Msg("p2p session started")
		c.emit(SessionStarted{Self: self})
	case intentJoin:
		c.mesh.ResetHostCalculation()
		if !c.openNAT() {
			target := c.nat.target
			c.nat = natAttempt{}
			c.emit(SessionJoinFailed{Target: target, Reason: ReasonAttemptFailed})
		}
		c.readyStatusChanged()
	case intentServer:
		c.nat = natAttempt{}
	case intentClient:
		if !c.openNAT() {
			c.failPunchthrough("open_nat_refused")
		}
	}
}

func (c *Coordinator) openNAT() bool {
	nc, err := c.natClient(c.nat.side)
	if err != nil {
		c.log.Error().Err(err).Msg("nat client unavailable")
		return false
	}
	ok := nc.OpenNAT(c.nat.target, transport.Identity{Address: c.rendezvousAddress()})
	c.log.Info().Str("target", c.nat.target.String()).Bool("issued", ok).Msg("punchthrough requested")
	return ok
}

func (c *Coordinator) onRendezvousFailed(s side, from transport.Identity, reason FailureReason) {
	retry, failures := false, 0
	if c.nat.active() && s == c.nat.side {
		retry, failures = c.scheduleNATRetry()
	}
	observability.RecordRejection("nat_" + string(reason))
	c.log.Warn().Str("rendezvous", from.String()).Str("reason", string(reason)).Bool("retry", retry).Msg("nat server connection failed")
	c.emit(NATMasterConnectionFailed{Server: from, Attempt: failures, WillRetry: retry})
}

func (c *Coordinator) onRendezvousLost(s side, from transport.Identity) {
	c.nat.connected = false
	retry := false
	if c.nat.active() && s == c.nat.side {
		retry, _ = c.scheduleNATRetry()
	}
	c.log.Warn().Str("rendezvous", from.String()).Bool("retry", retry).Msg("nat server disconnected")
	c.emit(NATMasterDisconnected{Server: from, WillRetry: retry})
}

// scheduleNATRetry arms the next rendezvous attempt and returns the
// failure count so far. It clears the attempt and reports false once
// retries are exhausted or disabled.
func (c *Coordinator) scheduleNATRetry() (bool, int) {
	failures := c.nat.attempts + 1
	if !c.cfg.NATAutoReconnect || c.nat.attempts >= c.cfg.NATMaxRetries {
		c.nat = natAttempt{}
		return false, failures
	}
	c.nat.attempts++
	delay := scheduler.NextBackoffDelay(c.cfg.Backoff(), c.nat.attempts, nil)
	c.nat.retryAt = int64(c.now + delay)
	c.nat.armed = true
	observability.RecordNATRetry()
	return true, failures
}

// processNATRetry runs a due retry against the rendezvous server only.
func (c *Coordinator) processNATRetry() {
	if !c.nat.active() || !c.nat.armed || int64(c.now) < c.nat.retryAt {
		return
	}
	c.nat.armed = false
	c.log.Info().Int("attempt", c.nat.attempts).Stringer("intent", c.nat.intent).Msg("retrying nat server")
	if c.nat.connected && c.nat.target != uuid.Nil {
		if !c.openNAT() {
			c.failPunchthrough("open_nat_refused")
		}
		return
	}
	if err := c.dialRendezvous(); err != nil {
		c.log.Warn().Err(err).Msg("nat retry failed")
	}
}

func (c *Coordinator) handlePunchthroughSucceeded(s side, ev router.SystemEvent) {
	if !c.nat.active() || s != c.nat.side {
		return
	}
	host, port, err := ev.From.HostPort()
	if err != nil {
		c.log.Warn().Err(err).Str("from", ev.From.String()).Msg("punchthrough address unparsable")
		return
	}
	c.log.Info().Str("target", ev.From.String()).Msg("punchthrough succeeded")
	c.emit(NATPunchthroughSucceeded{Target: ev.From})

	intent := c.nat.intent
	if intent == intentClient {
		c.nat = natAttempt{}
		if err := c.Connect(host, port, c.world, c.identity); err != nil {
			c.log.Warn().Err(err).Msg("connect after punchthrough failed")
		}
		return
	}
	c.nat.punched = ev.From
	if res := c.host.Connect(host, port, c.cfg.Password); res != transport.ConnectionAttemptStarted {
		c.log.Warn().Stringer("result", res).Msg("mesh connect after punchthrough rejected")
		c.emit(ConnectFailed{Target: ev.From, Reason: connectReason(res)})
		c.nat = natAttempt{}
	}
}

func (c *Coordinator) handlePunchthroughFailed(s side, ev router.SystemEvent) {
	if !c.nat.active() || s != c.nat.side {
		return
	}
	c.failPunchthrough(ev.ID.String())
}

// failPunchthrough reports one failed punchthrough and arms a retry
// through the rendezvous server when allowed.
func (c *Coordinator) failPunchthrough(reason string) {
	intent, target := c.nat.intent, c.nat.target
	retry, failures := c.scheduleNATRetry()
	c.log.Warn().Str("target", target.String()).Str("reason", reason).Int("attempt", failures).Bool("retry", retry).Msg("punchthrough failed")
	c.emit(NATPunchthroughFailed{Target: target, Reason: reason, Attempt: failures, WillRetry: retry})
	if !retry && intent == intentJoin {
		c.emit(SessionJoinFailed{Target: target, Reason: ReasonAttemptFailed})
	}
}

func (c *Coordinator) handleNATInProgress(_ side, ev router.SystemEvent) {
	c.log.Debug().Str("from", ev.From.String()).Msg("punchthrough already in progress")
}

// onMeshLinkUp establishes or registers a mesh participant link.
// Participants inherit the session world already loaded.
func (c *Coordinator) onMeshLinkUp(id transport.Identity, outbound bool) {
	if c.isRendezvous(id) {
		return
	}
	link, ok := c.links.Find(id)
	if ok {
		if link.IsPending() {
			c.emit(ClientConnected{Peer: id})
		}
		link.Establish()
		link.SetSceneLoaded(true)
		if err := link.SendImmediate(protocol.MsgIdentity, true, true, c.identity); err != nil {
			c.log.Debug().Err(err).Msg("send identity to mesh peer failed")
		}
	} else {
		link = c.newLink(id, c.host, outbound)
		link.SetWorld(c.world)
		link.SetSceneLoaded(true)
		link.Establish()
		if err := c.links.Add(id, link); err != nil {
			c.log.Error().Err(err).Msg("register mesh participant failed")
			return
		}
		c.log.Info().Str("peer", id.String()).Bool("outbound", outbound).Msg("mesh participant connected")
		c.emit(ClientConnected{Peer: id})
	}
	if !c.nat.punched.IsZero() && c.nat.punched.Matches(id) {
		target := c.nat.target
		c.server = link
		c.nat = natAttempt{}
		if err := link.SendImmediate(protocol.MsgP2PJoinRequest, true, true, c.identity); err != nil {
			c.log.Warn().Err(err).Msg("send join request failed")
		}
		c.log.Info().Str("host", id.String()).Msg("joined p2p session")
		c.emit(SessionJoined{Target: target})
	}
}

// handleNewHost applies one host announcement.
func (c *Coordinator) handleNewHost(s side, ev router.SystemEvent) {
	if s != sideHost || c.topology != config.TopologyPeerToPeer {
		return
	}
	self := c.host.LocalIdentity()
	local := ev.From.Matches(self)
	c.claim = HostClaim{Host: ev.From, Generation: c.claim.Generation + 1, Local: local}
	c.isHost = local
	if local {
		c.server = nil
		for _, link := range c.links.All() {
			link.SetSceneLoaded(true)
		}
		c.log.Info().Uint64("generation", c.claim.Generation).Int("links", c.links.Len()).Msg("host takeover, links marked scene loaded")
	} else {
		if link, ok := c.links.Find(ev.From); ok {
			c.server = link
			if err := link.SendImmediate(protocol.MsgIdentity, true, true, c.identity); err != nil {
				c.log.Warn().Err(err).Msg("send identity to host failed")
			}
		}
		c.log.Info().Str("host", ev.From.String()).Uint64("generation", c.claim.Generation).Msg("new mesh host")
	}
	c.emit(NewHost{Claim: c.claim})
	c.readyStatusChanged()
}

// ResetHost restarts host election from this process.
func (c *Coordinator) ResetHost() {
	if c.mesh != nil {
		c.mesh.ResetHostCalculation()
	}
}

// SetReady publishes the local ready flag to the mesh.
func (c *Coordinator) SetReady(ready bool) error {
	if c.topology != config.TopologyPeerToPeer || c.ready == nil {
		return fmt.Errorf("%w: readiness requires %s", ErrWrongTopology, config.TopologyPeerToPeer)
	}
	c.setReady(ready)
	return nil
}

func (c *Coordinator) setReady(ready bool) {
	c.localReady = ready
	c.ready.SetEvent(readiness.DefaultEventID, ready)
	c.tracker.SetLocalReady(ready)
}

// readyStatusChanged refreshes the wait list from the mesh and recomputes.
func (c *Coordinator) readyStatusChanged() {
	if c.topology != config.TopologyPeerToPeer || c.mesh == nil || !c.host.Active() {
		return
	}
	c.tracker.SetSelf(c.host.LocalIdentity())
	c.tracker.OnMembershipChanged(c.mesh.Participants())
}

func (c *Coordinator) onAllReady(all bool) {
	c.emit(AllReadyChanged{AllReady: all})
}
