package coordinator

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/discovery"
	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/world"
)

// handleApplication interprets session-layer messages and queues the rest
// on the sender's link for delivery at the end of the drain.
func (c *Coordinator) handleApplication(s side, m router.ApplicationMessage) {
	link, ok := c.linkForSide(s, m.From)
	if !ok {
		c.log.Warn().Str("from", m.From.String()).Uint32("msg_id", m.MessageID).Msg("message from unknown connection")
		return
	}
	switch m.MessageID {
	case protocol.MsgIdentity:
		link.SetIdentityPayload(m.Payload)
		c.emit(ClientIdentity{Peer: link.Identity(), Payload: link.IdentityPayload()})
	case protocol.MsgP2PJoinRequest:
		c.handleJoinRequest(link, m.Payload)
	case protocol.MsgP2PJoinRequestDenied:
		c.log.Warn().Str("from", m.From.String()).Msg("join request denied")
		target := link.Identity().GUID
		c.Disconnect(0)
		c.emit(SessionJoinFailed{Target: target, Reason: ReasonJoinDenied})
	case protocol.MsgSceneLoaded:
		link.SetSceneLoaded(true)
		c.emit(ClientSceneLoaded{Peer: link.Identity()})
	case protocol.MsgStateUpdate:
		c.applyStateUpdate(link, m.Payload)
	case protocol.MsgRemoteEvent:
		c.handleRemoteEvent(link, m.Payload)
	case protocol.MsgPackageChunk:
		c.handlePackageChunk(link, m.Payload)
	default:
		link.Deliver(peer.Message{
			From:      link.Identity(),
			MessageID: m.MessageID,
			Payload:   m.Payload,
		})
	}
}

// handleJoinRequest admits a mesh joiner unless the session is full.
func (c *Coordinator) handleJoinRequest(link *peer.Link, identity []byte) {
	if c.links.Len() > c.allowed {
		c.log.Warn().Str("peer", link.Identity().String()).Int("allowed", c.allowed).Msg("join request denied, session full")
		if err := link.SendImmediate(protocol.MsgP2PJoinRequestDenied, true, true, nil); err != nil {
			c.log.Debug().Err(err).Msg("send join denial failed")
		}
		c.emit(ConnectionRejected{Peer: link.Identity(), Reason: ReasonServerFull})
		return
	}
	link.SetIdentityPayload(identity)
	c.emit(ClientIdentity{Peer: link.Identity(), Payload: link.IdentityPayload()})
}

func (c *Coordinator) applyStateUpdate(link *peer.Link, delta []byte) {
	w := link.World()
	if w == nil {
		w = c.world
	}
	applier, ok := w.(world.Applier)
	if !ok {
		c.log.Debug().Str("from", link.Identity().String()).Msg("state update without applier")
		return
	}
	if err := applier.ApplyReplicationDelta(delta); err != nil {
		c.log.Warn().Err(err).Str("from", link.Identity().String()).Msg("apply state update failed")
	}
}

func (c *Coordinator) handleRemoteEvent(link *peer.Link, payload []byte) {
	ev, err := protocol.DecodeRemoteEvent(payload)
	if err != nil {
		c.log.Warn().Err(err).Str("from", link.Identity().String()).Msg("dropped malformed remote event")
		return
	}
	if !c.CheckRemoteEvent(ev.Name) {
		c.log.Warn().Str("event", ev.Name).Str("from", link.Identity().String()).Msg("discarding unregistered remote event")
		return
	}
	if ev.Name == RemoteEventBanned {
		c.emit(Banned{By: link.Identity(), Reason: string(ev.Data)})
		return
	}
	c.emit(RemoteEvent{From: link.Identity(), Name: ev.Name, World: ev.World, Data: ev.Data})
}

func (c *Coordinator) handlePackageChunk(link *peer.Link, payload []byte) {
	chunk, err := protocol.DecodePackageChunk(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropped malformed package chunk")
		return
	}
	data, done, err := link.AcceptChunk(chunk)
	if err != nil {
		c.log.Warn().Err(err).Msg("package reassembly failed")
		return
	}
	if done {
		c.log.Info().Str("package", chunk.Name).Int("bytes", len(data)).Msg("package received")
		c.emit(PackageReceived{From: link.Identity(), Name: chunk.Name, Data: data})
	}
}

// dispatchInbound emits queued application messages, session link first,
// preserving per-link arrival order.
func (c *Coordinator) dispatchInbound() {
	links := c.links.All()
	if c.server != nil && c.topology == config.TopologyServerClient {
		links = append([]*peer.Link{c.server}, links...)
	}
	for _, l := range links {
		for _, m := range l.TakeMessages() {
			c.emit(NetworkMessage{
				From:      m.From,
				MessageID: m.MessageID,
				Reliable:  m.Reliable,
				Ordered:   m.Ordered,
				Payload:   m.Payload,
			})
		}
	}
}

// SendMessage queues an application message on one link.
func (c *Coordinator) SendMessage(to transport.Identity, msgID uint32, reliable, ordered bool, payload []byte) error {
	if protocol.IsEngineMessage(msgID) {
		return fmt.Errorf("%w: %d", ErrReservedMessageID, msgID)
	}
	link, ok := c.Connection(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, to)
	}
	return link.SendMessage(msgID, reliable, ordered, payload)
}

// BroadcastMessage queues an application message on every outbound
// target: registry links when serving, else the session link.
func (c *Coordinator) BroadcastMessage(msgID uint32, reliable, ordered bool, payload []byte) error {
	if protocol.IsEngineMessage(msgID) {
		return fmt.Errorf("%w: %d", ErrReservedMessageID, msgID)
	}
	for _, l := range c.targets(nil) {
		if err := l.SendMessage(msgID, reliable, ordered, payload); err != nil {
			c.log.Debug().Err(err).Str("peer", l.Identity().String()).Msg("broadcast skipped link")
		}
	}
	return nil
}

// SetControls replaces the controls sent on the next client update.
func (c *Coordinator) SetControls(payload []byte) error {
	if c.server == nil {
		return ErrNoSessionLink
	}
	c.server.SetControls(payload)
	return nil
}

// AssignWorld binds a registry link to a world container.
func (c *Coordinator) AssignWorld(id transport.Identity, w world.Container) error {
	link, ok := c.links.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	link.SetWorld(w)
	return nil
}

// SetDefaultWorld sets the world new inbound links serve.
func (c *Coordinator) SetDefaultWorld(w world.Container) {
	c.world = w
}

func (c *Coordinator) targets(w world.Container) []*peer.Link {
	serving := c.listening || c.topology == config.TopologyPeerToPeer
	if !serving {
		if c.server == nil {
			return nil
		}
		return []*peer.Link{c.server}
	}
	all := c.links.All()
	if w == nil {
		return all
	}
	out := make([]*peer.Link, 0, len(all))
	for _, l := range all {
		if l.World() == w {
			out = append(out, l)
		}
	}
	return out
}

// RegisterRemoteEvent allows inbound remote events named name.
func (c *Coordinator) RegisterRemoteEvent(name string) error {
	if _, reserved := c.blacklist[name]; reserved {
		c.log.Error().Str("event", name).Msg("refusing to register reserved remote event")
		return fmt.Errorf("%w: %s", ErrBlacklistedRemoteEvent, name)
	}
	c.remoteEvents[name] = struct{}{}
	return nil
}

func (c *Coordinator) UnregisterRemoteEvent(name string) {
	delete(c.remoteEvents, name)
}

func (c *Coordinator) UnregisterAllRemoteEvents() {
	c.remoteEvents = make(map[string]struct{})
}

func (c *Coordinator) CheckRemoteEvent(name string) bool {
	_, ok := c.remoteEvents[name]
	return ok
}

// BroadcastRemoteEvent queues a remote event on every target, optionally
// filtered to links serving w.
func (c *Coordinator) BroadcastRemoteEvent(name string, ordered bool, data []byte, w world.Container) error {
	if name == "" {
		return fmt.Errorf("%w: remote event name", protocol.ErrMissingField)
	}
	ev := protocol.RemoteEvent{Name: name, Data: data}
	if w != nil {
		ev.World = w.Name()
	}
	for _, l := range c.targets(w) {
		if err := l.QueueRemoteEvent(ev, ordered); err != nil {
			c.log.Debug().Err(err).Str("peer", l.Identity().String()).Msg("remote event skipped link")
		}
	}
	return nil
}

// BanAddress refuses future connections from address.
func (c *Coordinator) BanAddress(address string) {
	c.host.AddToBanList(address)
	c.log.Info().Str("address", address).Msg("address banned")
}

// BanConnection tells the peer why, bans its address and drops it.
func (c *Coordinator) BanConnection(id transport.Identity, reason string) error {
	link, ok := c.links.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	payload := protocol.EncodeRemoteEvent(protocol.RemoteEvent{Name: RemoteEventBanned, Data: []byte(reason)})
	if err := link.SendImmediate(protocol.MsgRemoteEvent, true, true, payload); err != nil {
		c.log.Warn().Err(err).Msg("send ban notice failed")
	}
	c.BanAddress(link.Address())
	c.host.CloseConnection(link.Identity(), true)
	c.links.Remove(link.Identity())
	link.MarkLost()
	c.emit(ClientDisconnected{Peer: link.Identity()})
	return nil
}

// SendPackageToClients queues data as chunks on every link serving w.
// A nil w targets every link.
func (c *Coordinator) SendPackageToClients(w world.Container, name string, data []byte) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: package name", protocol.ErrMissingField)
	}
	sent := 0
	for _, l := range c.targets(w) {
		if err := l.QueuePackage(name, data, c.cfg.PackageChunkSize); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// SetDiscoveryBeacon sets the blob returned to unconnected pings.
// Oversized beacons are rejected, never truncated.
func (c *Coordinator) SetDiscoveryBeacon(blob []byte) error {
	if err := discovery.CheckSize(blob); err != nil {
		c.log.Error().Err(err).Msg("discovery beacon rejected")
		return err
	}
	c.beacon = append([]byte(nil), blob...)
	c.host.SetOfflinePingResponse(c.beacon)
	return nil
}

// DiscoverHosts broadcasts an unconnected ping; replies arrive as
// HostDiscovered events.
func (c *Coordinator) DiscoverHosts(port uint16) error {
	if !c.client.Active() {
		if res := c.client.Startup(0, clientMaxConnections); res != transport.Started {
			return fmt.Errorf("%w: client startup: %s", ErrBindFailed, res)
		}
	}
	if !c.client.Ping("255.255.255.255", port) {
		return fmt.Errorf("%w: ping", transport.ErrNotActive)
	}
	return nil
}
