package peer

import (
	"bytes"
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol"
)

// Deliver queues an inbound application message for upstream consumers.
func (l *Link) Deliver(m Message) {
	l.inbox = append(l.inbox, m)
}

// TakeMessages returns and clears delivered messages in arrival order.
func (l *Link) TakeMessages() []Message {
	out := l.inbox
	l.inbox = nil
	return out
}

// AcceptChunk stores one chunk and returns the package once complete.
// Chunks that would push a package past the link limits drop the whole
// assembly.
func (l *Link) AcceptChunk(c protocol.PackageChunk) ([]byte, bool, error) {
	if len(c.Data) == 0 {
		return nil, false, fmt.Errorf("%w: %s chunk %d is empty", ErrChunkMismatch, c.Name, c.Index)
	}
	a, ok := l.assembling[c.Name]
	if !ok {
		// every chunk carries at least one byte
		if uint64(c.Total) > uint64(l.maxPackage) {
			return nil, false, fmt.Errorf("%w: %s announces %d chunks", ErrPackageLimit, c.Name, c.Total)
		}
		if len(l.assembling) >= l.maxAssemblies {
			return nil, false, fmt.Errorf("%w: %d packages in flight", ErrPackageLimit, len(l.assembling))
		}
		a = &assembly{total: c.Total, chunks: make(map[uint32][]byte)}
		l.assembling[c.Name] = a
	}
	if a.total != c.Total {
		delete(l.assembling, c.Name)
		return nil, false, fmt.Errorf("%w: %s total %d, had %d", ErrChunkMismatch, c.Name, c.Total, a.total)
	}
	if prev, dup := a.chunks[c.Index]; dup {
		a.size -= len(prev)
	}
	a.size += len(c.Data)
	if a.size > l.maxPackage {
		delete(l.assembling, c.Name)
		return nil, false, fmt.Errorf("%w: %s past %d bytes", ErrPackageLimit, c.Name, l.maxPackage)
	}
	a.chunks[c.Index] = c.Data
	if uint32(len(a.chunks)) < a.total {
		return nil, false, nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, a.size))
	for i := uint32(0); i < a.total; i++ {
		buf.Write(a.chunks[i])
	}
	delete(l.assembling, c.Name)
	return buf.Bytes(), true, nil
}
