package peer

import (
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
)

// SendMessage queues an application message for the next buffer flush.
func (l *Link) SendMessage(msgID uint32, reliable, ordered bool, payload []byte) error {
	if l.state == StateLost {
		return ErrLinkLost
	}
	l.buffers = append(l.buffers, outbound{
		msgID:   msgID,
		rel:     transport.ReliabilityFor(reliable, ordered),
		payload: append([]byte(nil), payload...),
	})
	return nil
}

// SendImmediate bypasses the queues. Used for the identity handshake.
func (l *Link) SendImmediate(msgID uint32, reliable, ordered bool, payload []byte) error {
	if l.state == StateLost {
		return ErrLinkLost
	}
	return l.tr.Send(l.id, protocol.EncodeApplication(msgID, payload), transport.ReliabilityFor(reliable, ordered))
}

// SetControls replaces the pending client update.
func (l *Link) SetControls(payload []byte) {
	l.controls = append([]byte(nil), payload...)
}

// QueueRemoteEvent queues one remote event; ordered events keep FIFO order
// relative to each other.
func (l *Link) QueueRemoteEvent(ev protocol.RemoteEvent, ordered bool) error {
	if l.state == StateLost {
		return ErrLinkLost
	}
	l.remoteEvents = append(l.remoteEvents, outbound{
		msgID:   protocol.MsgRemoteEvent,
		rel:     transport.ReliabilityFor(true, ordered),
		payload: protocol.EncodeRemoteEvent(ev),
	})
	return nil
}

// QueuePackage splits data into chunks of at most chunkSize bytes.
func (l *Link) QueuePackage(name string, data []byte, chunkSize int) error {
	if l.state == StateLost {
		return ErrLinkLost
	}
	if len(data) == 0 {
		return ErrEmptyPackage
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := uint32((len(data) + chunkSize - 1) / chunkSize)
	for i := uint32(0); i < total; i++ {
		start := int(i) * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		l.packages = append(l.packages, outbound{
			msgID: protocol.MsgPackageChunk,
			rel:   transport.ReliableOrdered,
			payload: protocol.EncodePackageChunk(protocol.PackageChunk{
				Name:  name,
				Index: i,
				Total: total,
				Data:  data[start:end],
			}),
		})
	}
	return nil
}

// Pending reports queued outbound counts: remote events, package chunks,
// buffered messages.
func (l *Link) Pending() (events, chunks, buffers int) {
	return len(l.remoteEvents), len(l.packages), len(l.buffers)
}

// SendServerUpdate sends the prepared world delta. The caller prepares the
// world once per pass before flushing any link that references it.
func (l *Link) SendServerUpdate() {
	if !l.flushable() || l.world == nil || !l.sceneLoaded {
		return
	}
	delta := l.world.ReplicationDelta()
	if delta == nil {
		return
	}
	l.send(outbound{msgID: protocol.MsgStateUpdate, rel: transport.ReliableOrdered, payload: delta})
}

// SendClientUpdate sends the pending controls.
func (l *Link) SendClientUpdate() {
	if !l.flushable() || l.controls == nil {
		return
	}
	l.send(outbound{msgID: protocol.MsgControls, rel: transport.UnreliableSequenced, payload: l.controls})
	l.controls = nil
}

func (l *Link) SendRemoteEvents() {
	if !l.flushable() {
		return
	}
	l.remoteEvents = l.flush(l.remoteEvents, len(l.remoteEvents))
}

// SendPackages sends at most budget chunks; budget <= 0 sends all.
func (l *Link) SendPackages(budget int) {
	if !l.flushable() {
		return
	}
	if budget <= 0 || budget > len(l.packages) {
		budget = len(l.packages)
	}
	l.packages = l.flush(l.packages, budget)
}

func (l *Link) SendAllBuffers() {
	if !l.flushable() {
		return
	}
	l.buffers = l.flush(l.buffers, len(l.buffers))
}

func (l *Link) flushable() bool {
	return l.state == StateEstablished
}

func (l *Link) flush(q []outbound, n int) []outbound {
	for i := 0; i < n; i++ {
		if !l.send(q[i]) {
			// keep the remainder in order for the next pass
			rest := q[i:]
			return append(q[:0:0], rest...)
		}
	}
	if n == len(q) {
		return nil
	}
	return append(q[:0:0], q[n:]...)
}

func (l *Link) send(m outbound) bool {
	if err := l.tr.Send(l.id, protocol.EncodeApplication(m.msgID, m.payload), m.rel); err != nil {
		l.log.Warn().Err(err).Uint32("msg_id", m.msgID).Msg("send failed")
		return false
	}
	return true
}
