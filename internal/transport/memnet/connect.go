package memnet

import (
	"github.com/danmuck/meshctl/internal/auth"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
)

func (e *Endpoint) resolvePending() {
	// Auto-connects appended while resolving are handled in the same pass.
	for i := 0; i < len(e.pending); i++ {
		e.resolveConnect(e.pending[i])
	}
	e.pending = nil
	nat := e.nat
	e.nat = nil
	for _, p := range nat {
		e.resolveNAT(p)
	}
}

func (e *Endpoint) resolveConnect(p pendingConnect) {
	n := e.net
	target := n.lookup(p.addr)
	failedFrom := transport.Identity{Address: p.addr}
	if target == nil || target == e {
		e.system(failedFrom, protocol.IDConnectionAttemptFailed, nil)
		return
	}
	from := target.identity()
	if _, ok := e.conns[target.guid]; ok {
		e.system(from, protocol.IDAlreadyConnected, nil)
		return
	}
	if _, ok := target.banned[e.host]; ok {
		e.system(from, protocol.IDConnectionBanned, nil)
		return
	}
	if auth.Password(target.password).Validate([]byte(p.password)) != nil {
		e.system(from, protocol.IDInvalidPassword, nil)
		return
	}
	if target.incomingCount() >= target.maxIncoming || len(target.conns) >= target.maxConns {
		e.system(from, protocol.IDNoFreeIncomingConnections, nil)
		return
	}
	if len(e.conns) >= e.maxConns {
		e.system(from, protocol.IDConnectionAttemptFailed, nil)
		return
	}

	e.conns[target.guid] = &conn{peer: target, outbound: true}
	target.conns[e.guid] = &conn{peer: e}
	e.system(from, protocol.IDConnectionRequestAccepted, nil)
	target.system(e.identity(), protocol.IDNewIncomingConnection, nil)

	if e.ready != nil && target.ready != nil {
		e.ready.learn(target)
		target.ready.learn(e)
	}
	e.meshJoined(target)
}

// meshJoined runs the mesh handshake for a fresh initiator -> acceptor link.
func (e *Endpoint) meshJoined(acceptor *Endpoint) {
	if acceptor.rendezvous || e.rendezvous {
		return
	}
	switch {
	case e.mesh != nil && acceptor.mesh != nil:
		others := make([]protocol.RemoteConnection, 0)
		for _, id := range acceptor.meshParticipants() {
			if id.GUID == e.guid || id.GUID == acceptor.guid {
				continue
			}
			others = append(others, protocol.RemoteConnection{Address: id.Address, GUID: id.GUID})
		}
		e.system(acceptor.identity(), protocol.IDRemoteNewIncomingConnection, protocol.EncodeRemoteConnections(others))
		if e.mesh.opts.AutoConnect {
			for _, rc := range others {
				if _, ok := e.conns[rc.GUID]; ok {
					continue
				}
				e.queueConnect(rc.Address, e.mesh.opts.Password)
			}
		}
		e.meshChanged()
		acceptor.meshChanged()
	case e.mesh != nil:
		acceptor.system(e.identity(), protocol.IDFCM2RequestFCMGUID, nil)
	case acceptor.mesh != nil:
		e.system(acceptor.identity(), protocol.IDFCM2RequestFCMGUID, nil)
	}
}
