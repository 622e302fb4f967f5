package wsnet

import (
	"net"
	"net/http"

	"github.com/danmuck/meshctl/internal/auth"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/gorilla/websocket"
)

func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	epoch, active := e.epoch, e.active
	e.mu.Unlock()
	if !active {
		http.Error(w, "inactive", http.StatusServiceUnavailable)
		return
	}
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	e.accept(epoch, ws, r.RemoteAddr)
}

func (e *Endpoint) accept(epoch uint64, ws *websocket.Conn, remote string) {
	_ = ws.SetReadDeadline(deadline(e.cfg.HandshakeTimeout))
	f, err := readFrame(ws, e.cfg.Limits)
	if err != nil || f.Header.Kind != frame.KindHello {
		e.log.Debug().Err(err).Str("remote", remote).Msg("bad hello")
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(noDeadline)
	remoteHost, _, _ := net.SplitHostPort(remote)

	h, err := decodeHello(f.Payload)
	if err != nil {
		e.reject(ws, protocol.IDIncompatibleProtocolVersion, remote, err)
		return
	}
	if h.protocol != ProtocolVersion {
		e.reject(ws, protocol.IDIncompatibleProtocolVersion, remote, nil)
		return
	}
	id := h.id
	if id.Address == "" {
		id.Address = remote
	}

	e.mu.Lock()
	if !e.active || e.epoch != epoch {
		e.mu.Unlock()
		_ = ws.Close()
		return
	}
	var reason protocol.ID
	switch {
	case e.isBanned(remoteHost, id.Address):
		reason = protocol.IDConnectionBanned
	case auth.Password(e.password).Validate(f.Auth) != nil:
		reason = protocol.IDInvalidPassword
	case e.conns[id.GUID] != nil:
		reason = protocol.IDAlreadyConnected
	case e.incomingCount() >= e.maxIncoming || len(e.conns) >= e.maxConns:
		reason = protocol.IDNoFreeIncomingConnections
	}
	if reason != 0 {
		e.mu.Unlock()
		e.reject(ws, reason, remote, nil)
		return
	}
	self := e.identity()
	c := newConn(id, ws, false)
	e.conns[id.GUID] = c
	e.enqueue(id, protocol.EncodeSystem(protocol.IDNewIncomingConnection, nil), 0)
	e.mu.Unlock()

	if err := c.write(encodeWelcome(self), e.cfg.Limits, e.cfg.WriteTimeout); err != nil {
		e.log.Warn().Err(err).Str("peer", id.String()).Msg("welcome failed")
		e.dropConn(epoch, c, protocol.IDConnectionLost)
		return
	}
	e.log.Info().Str("peer", id.String()).Msg("accepted stream")
	e.readLoop(epoch, c)
}

func (e *Endpoint) reject(ws *websocket.Conn, reason protocol.ID, remote string, cause error) {
	e.log.Info().Err(cause).Str("remote", remote).Str("reason", reason.String()).Msg("rejected stream")
	observability.RecordRejection("stream_" + reason.String())
	_ = writeFrame(ws, encodeReject(reason), e.cfg.Limits, e.cfg.WriteTimeout)
	_ = ws.Close()
}

// isBanned must be called with mu held.
func (e *Endpoint) isBanned(hosts ...string) bool {
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if _, ok := e.banned[h]; ok {
			return true
		}
		if host, _, err := transport.SplitAddress(h); err == nil {
			if _, ok := e.banned[host]; ok {
				return true
			}
		}
	}
	return false
}

// readLoop delivers data frames until the stream ends.
func (e *Endpoint) readLoop(epoch uint64, c *conn) {
	for {
		f, err := readFrame(c.ws, e.cfg.Limits)
		if err != nil {
			if isClosedErr(err) {
				e.log.Debug().Str("peer", c.id.String()).Msg("stream closed")
			} else {
				e.log.Debug().Err(err).Str("peer", c.id.String()).Msg("stream read ended")
			}
			e.dropConn(epoch, c, protocol.IDConnectionLost)
			return
		}
		switch f.Header.Kind {
		case frame.KindData:
			e.deliver(epoch, c, f)
		case frame.KindBye:
			e.dropConn(epoch, c, protocol.IDDisconnectionNotification)
			return
		default:
			e.log.Debug().Str("peer", c.id.String()).Str("kind", f.Header.Kind.String()).Msg("unexpected frame")
		}
	}
}

func (e *Endpoint) deliver(epoch uint64, c *conn, f frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.epoch != epoch || e.conns[c.id.GUID] != c {
		return
	}
	if f.Header.Flags&frame.FlagReliable == 0 && e.loss > 0 && e.rng.Float64() < e.loss {
		observability.RecordDroppedPacket("simulated_loss")
		return
	}
	e.enqueue(c.id, f.Payload, e.latency)
}

// dropConn unregisters c and reports id, unless c was already closed
// locally.
func (e *Endpoint) dropConn(epoch uint64, c *conn, id protocol.ID) {
	e.mu.Lock()
	live := e.active && e.epoch == epoch && e.conns[c.id.GUID] == c
	if live {
		delete(e.conns, c.id.GUID)
		e.enqueue(c.id, protocol.EncodeSystem(id, nil), 0)
	}
	e.mu.Unlock()
	c.close(false, e.cfg.Limits, e.cfg.WriteTimeout)
}
