package coordinator

import (
	"fmt"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/world"
)

// Listen binds the host transport as an authoritative server.
func (c *Coordinator) Listen(port uint16, maxConnections int) error {
	if c.topology != config.TopologyServerClient {
		return fmt.Errorf("%w: listen requires %s", ErrWrongTopology, config.TopologyServerClient)
	}
	if c.listening || c.host.Active() {
		return ErrAlreadyListening
	}
	if res := c.host.Startup(port, maxConnections); res != transport.Started {
		c.log.Error().Uint16("port", port).Stringer("result", res).Msg("listen failed")
		return fmt.Errorf("%w: port %d: %s", ErrBindFailed, port, res)
	}
	c.startHost(maxConnections)
	c.listening = true
	c.port = port
	if id := c.host.LocalIdentity(); id.Address != "" {
		if _, p, err := id.HostPort(); err == nil {
			c.port = p
		}
	}
	c.log.Info().Uint16("port", c.port).Int("max_connections", maxConnections).Msg("server started")
	c.emit(ServerStarted{Port: c.port, MaxConnections: maxConnections})
	c.publish()
	return nil
}

// startHost applies session settings to a freshly started host transport.
func (c *Coordinator) startHost(maxConnections int) {
	c.allowed = maxConnections
	c.host.SetMaximumIncomingConnections(maxConnections)
	c.host.SetIncomingPassword(c.cfg.Password)
	c.host.SetOfflinePingResponse(c.beacon)
	c.host.ApplyNetworkSimulator(c.cfg.SimulatedPacketLoss, c.cfg.SimulatedLatency())
	c.tracker.SetSelf(c.host.LocalIdentity())
}

// StopServer shuts the host transport down and drops every client link.
func (c *Coordinator) StopServer() {
	if !c.host.Active() && !c.listening {
		return
	}
	c.host.Shutdown(300 * time.Millisecond)
	c.links.Clear()
	wasListening := c.listening
	c.listening = false
	c.port = 0
	if wasListening {
		c.log.Info().Msg("server stopped")
		c.emit(ServerStopped{})
	}
}

// Connect dials the authority over the client transport. Transport
// rejections surface as ConnectFailed events and leave all state as it was.
func (c *Coordinator) Connect(address string, port uint16, w world.Container, identity []byte) error {
	if c.topology != config.TopologyServerClient {
		return fmt.Errorf("%w: connect requires %s", ErrWrongTopology, config.TopologyServerClient)
	}
	if c.server != nil && c.server.IsPending() {
		return ErrTransportBusy
	}
	target := transport.Identity{Address: transport.JoinAddress(address, port)}
	if !c.client.Active() {
		if res := c.client.Startup(0, clientMaxConnections); res != transport.Started {
			c.log.Error().Stringer("result", res).Msg("client transport startup failed")
			c.emit(ConnectFailed{Target: target, Reason: ReasonInvalidParameter})
			return fmt.Errorf("%w: client startup: %s", ErrConnectRejected, res)
		}
		c.client.ApplyNetworkSimulator(c.cfg.SimulatedPacketLoss, c.cfg.SimulatedLatency())
	}
	res := c.client.Connect(address, port, c.cfg.Password)
	if res != transport.ConnectionAttemptStarted {
		reason := connectReason(res)
		observability.RecordRejection(string(reason))
		c.log.Warn().Str("target", target.Address).Stringer("result", res).Msg("connect rejected")
		c.emit(ConnectFailed{Target: target, Reason: reason})
		return fmt.Errorf("%w: %s", ErrConnectRejected, res)
	}

	if old := c.server; old != nil && !old.Identity().Matches(target) {
		c.dropServer(true)
		c.log.Info().Str("server", old.Identity().String()).Str("target", target.Address).Msg("replacing session link")
		c.emit(ServerDisconnected{Server: old.Identity()})
	}
	link := c.newLink(target, c.client, true)
	link.SetWorld(w)
	c.server = link
	c.world = w
	c.identity = append([]byte(nil), identity...)
	c.log.Info().Str("target", target.Address).Msg("connecting to server")
	c.publish()
	return nil
}

func connectReason(res transport.ConnectResult) FailureReason {
	switch res {
	case transport.AlreadyConnectedToEndpoint:
		return ReasonAlreadyConnected
	case transport.ConnectionAttemptAlreadyInProgress:
		return ReasonAttemptInProgress
	case transport.CannotResolveDomainName:
		return ReasonCannotResolve
	case transport.SecurityInitializationFailed:
		return ReasonSecurity
	default:
		return ReasonInvalidParameter
	}
}

// onServerConnected establishes the session link and sends the identity
// payload ahead of any other traffic.
func (c *Coordinator) onServerConnected(from transport.Identity) {
	link := c.server
	link.Establish()
	if err := link.SendImmediate(protocol.MsgIdentity, true, true, c.identity); err != nil {
		c.log.Warn().Err(err).Msg("send identity failed")
	}
	if c.world != nil {
		link.SetSceneLoaded(true)
		if err := link.SendImmediate(protocol.MsgSceneLoaded, true, true, nil); err != nil {
			c.log.Warn().Err(err).Msg("send scene loaded failed")
		}
	}
	c.log.Info().Str("server", from.String()).Msg("connected to server")
	c.emit(ServerConnected{Server: from})
}

// onServerDisconnected reports a failed attempt or a dropped session
// depending on whether the link ever established.
func (c *Coordinator) onServerDisconnected(reason FailureReason) {
	link := c.server
	if link == nil {
		return
	}
	pending := link.IsPending()
	link.MarkLost()
	c.server = nil
	if pending {
		observability.RecordRejection(string(reason))
		c.log.Warn().Str("server", link.Identity().String()).Str("reason", string(reason)).Msg("connect failed")
		c.emit(ConnectFailed{Target: link.Identity(), Reason: reason})
		return
	}
	c.log.Info().Str("server", link.Identity().String()).Msg("disconnected from server")
	c.emit(ServerDisconnected{Server: link.Identity()})
}

func (c *Coordinator) dropServer(notify bool) {
	if c.server == nil {
		return
	}
	tr := c.client
	if c.topology == config.TopologyPeerToPeer {
		tr = c.host
	}
	tr.CloseConnection(c.server.Identity(), notify)
	c.server.MarkLost()
	c.server = nil
}

// Disconnect tears down every link, pending attempt and NAT handshake.
// Safe to call from any state, any number of times.
func (c *Coordinator) Disconnect(wait time.Duration) {
	if c.topology == config.TopologyPeerToPeer && c.host.Active() {
		c.host.Shutdown(wait)
		c.links.Clear()
	}
	if c.server != nil {
		c.dropServer(true)
	}
	if c.client.Active() {
		c.client.Shutdown(wait)
	}
	c.nat = natAttempt{}
	c.isHost = false
	c.claim = HostClaim{}
	c.localReady = false
	c.tracker.Reset()
	c.StopServer()
	c.publish()
}

func (c *Coordinator) linkForSide(s side, id transport.Identity) (*peer.Link, bool) {
	if s == sideClient {
		if c.server != nil && c.server.Identity().Matches(id) {
			return c.server, true
		}
		return nil, false
	}
	if l, ok := c.links.Find(id); ok {
		return l, true
	}
	if c.server != nil && c.topology == config.TopologyPeerToPeer && c.server.Identity().Matches(id) {
		return c.server, true
	}
	return nil, false
}
