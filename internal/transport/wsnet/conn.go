package wsnet

import (
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/gorilla/websocket"
)

// conn is one established stream. Writes are serialized; the read loop
// owns reads.
type conn struct {
	id       transport.Identity
	ws       *websocket.Conn
	outbound bool

	wmu    sync.Mutex
	seq    uint64
	closed bool
}

func newConn(id transport.Identity, ws *websocket.Conn, outbound bool) *conn {
	return &conn{id: id, ws: ws, outbound: outbound}
}

func flagsFor(r transport.Reliability) uint32 {
	var flags uint32
	switch r {
	case transport.Reliable:
		flags |= frame.FlagReliable
	case transport.ReliableOrdered:
		flags |= frame.FlagReliable | frame.FlagOrdered
	case transport.UnreliableSequenced:
		flags |= frame.FlagOrdered
	}
	return flags
}

func (c *conn) write(f frame.Frame, limits frame.Limits, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.seq++
	f.Header.Sequence = c.seq
	return writeFrame(c.ws, f, limits, timeout)
}

func (c *conn) close(bye bool, limits frame.Limits, timeout time.Duration) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if bye {
		c.seq++
		_ = writeFrame(c.ws, frame.New(frame.KindBye, c.seq, nil), limits, timeout)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(timeout),
		)
	}
	_ = c.ws.Close()
}

var noDeadline time.Time

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return noDeadline
	}
	return time.Now().Add(d)
}

func writeFrame(ws *websocket.Conn, f frame.Frame, limits frame.Limits, timeout time.Duration) error {
	b, err := frame.Marshal(f, limits)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(deadline(timeout))
	return ws.WriteMessage(websocket.BinaryMessage, b)
}

func readFrame(ws *websocket.Conn, limits frame.Limits) (frame.Frame, error) {
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return frame.Frame{}, err
	}
	if kind != websocket.BinaryMessage {
		return frame.Frame{}, ErrHandshake
	}
	return frame.Unmarshal(data, limits)
}
