package memnet

import (
	"sort"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

// readyEvents mirrors local event flags to every connected peer that also
// runs the plugin.
type readyEvents struct {
	ep   *Endpoint
	set  map[uint32]bool
	seen map[uuid.UUID]map[uint32]bool
	wait map[uint32]map[uuid.UUID]transport.Identity
}

var _ transport.ReadyEvents = (*readyEvents)(nil)

func (e *Endpoint) AttachReadyEvents() (transport.ReadyEvents, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.ready != nil {
		return nil, transport.ErrPluginAttached
	}
	e.ready = &readyEvents{
		ep:   e,
		set:  make(map[uint32]bool),
		seen: make(map[uuid.UUID]map[uint32]bool),
		wait: make(map[uint32]map[uuid.UUID]transport.Identity),
	}
	for _, c := range e.conns {
		if c.peer.ready != nil {
			e.ready.learn(c.peer)
			c.peer.ready.learn(e)
		}
	}
	return e.ready, nil
}

// learn copies the peer's current flags.
func (r *readyEvents) learn(peer *Endpoint) {
	flags := make(map[uint32]bool, len(peer.ready.set))
	for id, v := range peer.ready.set {
		flags[id] = v
	}
	r.seen[peer.guid] = flags
}

func (r *readyEvents) forget(guid uuid.UUID) {
	delete(r.seen, guid)
	for _, w := range r.wait {
		delete(w, guid)
	}
}

func (r *readyEvents) SetEvent(eventID uint32, ready bool) {
	e := r.ep
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	r.set[eventID] = ready
	id := protocol.IDReadyEventUnset
	if ready {
		id = protocol.IDReadyEventSet
	}
	for _, c := range e.sortedConns() {
		peer := c.peer
		if peer.ready == nil {
			continue
		}
		flags, ok := peer.ready.seen[e.guid]
		if !ok {
			flags = make(map[uint32]bool)
			peer.ready.seen[e.guid] = flags
		}
		flags[eventID] = ready
		peer.system(e.identity(), id, protocol.EncodeReadyEvent(eventID))
	}
}

func (r *readyEvents) IsEventSet(eventID uint32) bool {
	r.ep.net.mu.Lock()
	defer r.ep.net.mu.Unlock()
	return r.set[eventID]
}

func (r *readyEvents) AddToWaitList(eventID uint32, id transport.Identity) {
	r.ep.net.mu.Lock()
	defer r.ep.net.mu.Unlock()
	w, ok := r.wait[eventID]
	if !ok {
		w = make(map[uuid.UUID]transport.Identity)
		r.wait[eventID] = w
	}
	w[id.GUID] = id
}

func (r *readyEvents) RemoveFromWaitList(eventID uint32, id transport.Identity) {
	r.ep.net.mu.Lock()
	defer r.ep.net.mu.Unlock()
	delete(r.wait[eventID], id.GUID)
}

func (r *readyEvents) WaitList(eventID uint32) []transport.Identity {
	r.ep.net.mu.Lock()
	defer r.ep.net.mu.Unlock()
	out := make([]transport.Identity, 0, len(r.wait[eventID]))
	for _, id := range r.wait[eventID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *readyEvents) Status(eventID uint32, id transport.Identity) transport.ReadyStatus {
	r.ep.net.mu.Lock()
	defer r.ep.net.mu.Unlock()
	if _, ok := r.ep.conns[id.GUID]; !ok {
		return transport.ReadyUnknown
	}
	flags, ok := r.seen[id.GUID]
	if !ok {
		return transport.ReadyUnknown
	}
	if flags[eventID] {
		return transport.ReadySet
	}
	return transport.ReadyNotSet
}
