package memnet

import (
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

type natClient struct {
	ep *Endpoint
}

var _ transport.NATClient = (*natClient)(nil)

func (e *Endpoint) AttachNATClient() (transport.NATClient, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.natClient == nil {
		e.natClient = &natClient{ep: e}
	}
	return e.natClient, nil
}

// OpenNAT queues a punchthrough request. It returns false when the
// endpoint is not connected to the rendezvous server.
func (c *natClient) OpenNAT(target uuid.UUID, rendezvous transport.Identity) bool {
	e := c.ep
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if !e.active || e.natClient != c {
		return false
	}
	rc := e.findConn(rendezvous)
	if rc == nil || !rc.peer.rendezvous {
		return false
	}
	for _, p := range e.nat {
		if p.target == target {
			e.system(rendezvous, protocol.IDNATAlreadyInProgress, nil)
			return true
		}
	}
	e.nat = append(e.nat, pendingNAT{target: target, rendezvous: rc.peer})
	return true
}

// resolveNAT reports the outcome to the requester only.
func (e *Endpoint) resolveNAT(p pendingNAT) {
	targetRef := transport.Identity{GUID: p.target}
	if _, ok := e.conns[p.rendezvous.guid]; !ok {
		e.system(targetRef, protocol.IDNATConnectionToTargetLost, nil)
		return
	}
	target, ok := e.net.byGUID[p.target]
	if !ok || target == e {
		e.system(targetRef, protocol.IDNATTargetNotConnected, nil)
		return
	}
	if _, ok := p.rendezvous.conns[target.guid]; !ok {
		e.system(targetRef, protocol.IDNATTargetNotConnected, nil)
		return
	}
	if !target.active {
		e.system(targetRef, protocol.IDNATTargetUnresponsive, nil)
		return
	}
	if target.blockNAT {
		e.system(target.identity(), protocol.IDNATPunchthroughFailed, nil)
		return
	}
	e.system(target.identity(), protocol.IDNATPunchthroughSucceeded, nil)
}
