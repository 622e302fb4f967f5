package wsnet

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/transport"
)

// Connect dials host:port in the background. The outcome arrives as a
// system packet from {Address: host:port}.
func (e *Endpoint) Connect(host string, port uint16, password string) transport.ConnectResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || host == "" || port == 0 {
		return transport.ConnectInvalidParameter
	}
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(context.Background(), host); err != nil {
			return transport.CannotResolveDomainName
		}
	}
	addr := transport.JoinAddress(host, port)
	if addr == e.identity().Address {
		return transport.ConnectInvalidParameter
	}
	for _, c := range e.conns {
		if c.id.Address == addr {
			return transport.AlreadyConnectedToEndpoint
		}
	}
	if _, ok := e.pending[addr]; ok {
		return transport.ConnectionAttemptAlreadyInProgress
	}
	e.pending[addr] = struct{}{}
	go e.dial(e.epoch, e.identity(), addr, password)
	return transport.ConnectionAttemptStarted
}

func (e *Endpoint) dial(epoch uint64, self transport.Identity, addr, password string) {
	u := url.URL{Scheme: e.cfg.scheme(), Host: addr, Path: e.cfg.Path}
	failed := transport.Identity{Address: addr}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandshakeTimeout)
	defer cancel()
	ws, _, err := e.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		e.log.Debug().Err(err).Str("address", addr).Msg("dial failed")
		e.finishDial(epoch, addr, failed, protocol.IDConnectionAttemptFailed)
		return
	}
	if err := writeFrame(ws, encodeHello(self, password), e.cfg.Limits, e.cfg.WriteTimeout); err != nil {
		_ = ws.Close()
		e.finishDial(epoch, addr, failed, protocol.IDConnectionAttemptFailed)
		return
	}
	_ = ws.SetReadDeadline(deadline(e.cfg.HandshakeTimeout))
	f, err := readFrame(ws, e.cfg.Limits)
	_ = ws.SetReadDeadline(noDeadline)
	if err != nil {
		_ = ws.Close()
		e.log.Debug().Err(err).Str("address", addr).Msg("handshake read failed")
		e.finishDial(epoch, addr, failed, protocol.IDConnectionAttemptFailed)
		return
	}

	switch f.Header.Kind {
	case frame.KindReject:
		_ = ws.Close()
		reason, err := decodeReject(f.Payload)
		if err != nil {
			reason = protocol.IDConnectionAttemptFailed
		}
		e.finishDial(epoch, addr, failed, reason)
		return
	case frame.KindWelcome:
	default:
		_ = ws.Close()
		e.finishDial(epoch, addr, failed, protocol.IDConnectionAttemptFailed)
		return
	}

	remote, err := decodeWelcome(f.Payload)
	if err != nil {
		_ = ws.Close()
		e.finishDial(epoch, addr, failed, protocol.IDConnectionAttemptFailed)
		return
	}
	id := transport.Identity{GUID: remote.GUID, Address: addr}
	c := newConn(id, ws, true)

	e.mu.Lock()
	delete(e.pending, addr)
	var reason protocol.ID
	switch {
	case !e.active || e.epoch != epoch:
		e.mu.Unlock()
		_ = ws.Close()
		return
	case e.conns[id.GUID] != nil:
		reason = protocol.IDAlreadyConnected
	case len(e.conns) >= e.maxConns:
		reason = protocol.IDConnectionAttemptFailed
	}
	if reason != 0 {
		e.enqueue(id, protocol.EncodeSystem(reason, nil), 0)
		e.mu.Unlock()
		c.close(true, e.cfg.Limits, e.cfg.WriteTimeout)
		return
	}
	e.conns[id.GUID] = c
	e.enqueue(id, protocol.EncodeSystem(protocol.IDConnectionRequestAccepted, nil), 0)
	e.mu.Unlock()

	e.log.Info().Str("peer", id.String()).Msg("dialed stream")
	e.readLoop(epoch, c)
}

func (e *Endpoint) finishDial(epoch uint64, addr string, from transport.Identity, id protocol.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.epoch != epoch {
		return
	}
	delete(e.pending, addr)
	e.enqueue(from, protocol.EncodeSystem(id, nil), 0)
}

// isClosedErr reports whether err is the normal end of a stream.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
