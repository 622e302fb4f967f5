package memnet

import (
	"sort"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

// mesh emulates a fully connected mesh: the participant that joined
// earliest (lowest sequence since its last ResetHostCalculation) is host.
type mesh struct {
	ep       *Endpoint
	opts     transport.MeshOptions
	seq      uint64
	lastHost uuid.UUID
}

var _ transport.Mesh = (*mesh)(nil)

func (e *Endpoint) AttachMesh(opts transport.MeshOptions) (transport.Mesh, error) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.mesh != nil {
		return nil, transport.ErrPluginAttached
	}
	n.meshSeq++
	e.mesh = &mesh{ep: e, opts: opts, seq: n.meshSeq}
	return e.mesh, nil
}

func (e *Endpoint) meshParticipants() []transport.Identity {
	if e.mesh == nil {
		return nil
	}
	out := []transport.Identity{e.identity()}
	for _, c := range e.sortedConns() {
		if c.peer.mesh != nil && !c.peer.rendezvous {
			out = append(out, c.peer.identity())
		}
	}
	return out
}

func (e *Endpoint) meshHost() *Endpoint {
	if e.mesh == nil {
		return nil
	}
	best := e
	for _, c := range e.conns {
		p := c.peer
		if p.mesh == nil || p.rendezvous {
			continue
		}
		if p.mesh.seq < best.mesh.seq || (p.mesh.seq == best.mesh.seq && p.guid.String() < best.guid.String()) {
			best = p
		}
	}
	return best
}

// meshChanged announces a new host when this endpoint's view changed.
func (e *Endpoint) meshChanged() {
	if e.mesh == nil || !e.active {
		return
	}
	host := e.meshHost()
	if host.guid == e.mesh.lastHost {
		return
	}
	old := protocol.NewHost{OldGUID: e.mesh.lastHost}
	if prev, ok := e.net.byGUID[e.mesh.lastHost]; ok && prev.port != 0 {
		old.OldAddress = prev.identity().Address
	}
	e.mesh.lastHost = host.guid
	e.system(host.identity(), protocol.IDFCM2NewHost, protocol.EncodeNewHost(old))
}

func (m *mesh) Host() (transport.Identity, bool) {
	m.ep.net.mu.Lock()
	defer m.ep.net.mu.Unlock()
	if m.lastHost == uuid.Nil {
		return transport.Identity{}, false
	}
	h := m.ep.meshHost()
	return h.identity(), true
}

func (m *mesh) IsHost() bool {
	m.ep.net.mu.Lock()
	defer m.ep.net.mu.Unlock()
	return m.ep.active && m.ep.meshHost() == m.ep
}

func (m *mesh) Participants() []transport.Identity {
	m.ep.net.mu.Lock()
	defer m.ep.net.mu.Unlock()
	out := m.ep.meshParticipants()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (m *mesh) ResetHostCalculation() {
	n := m.ep.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meshSeq++
	m.seq = n.meshSeq
	m.ep.meshChanged()
	for _, c := range m.ep.sortedConns() {
		c.peer.meshChanged()
	}
}
