// Package router classifies inbound transport packets and dispatches them
// through a handler table.
package router

import (
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog"
)

type Class int

const (
	ClassSystem Class = iota
	ClassApplication
)

func (c Class) String() string {
	if c == ClassApplication {
		return "application"
	}
	return "system"
}

// SystemEvent is a packet below protocol.IDUserPacketEnum.
type SystemEvent struct {
	From         transport.Identity
	ID           protocol.ID
	HasTimestamp bool
	TimestampMS  uint64
	Payload      []byte
}

// ApplicationMessage is a packet carrying the application envelope.
type ApplicationMessage struct {
	From         transport.Identity
	MessageID    uint32
	HasTimestamp bool
	TimestampMS  uint64
	Payload      []byte
}

// Classified holds exactly one of System or Application, selected by Class.
type Classified struct {
	Class       Class
	System      SystemEvent
	Application ApplicationMessage
}

// Classify strips the timestamp wrapper and splits system from application
// traffic. Truncated packets return a protocol error.
func Classify(pkt transport.Packet) (Classified, error) {
	p, err := protocol.Parse(pkt.Data)
	if err != nil {
		return Classified{}, err
	}
	if p.IsApplication() {
		return Classified{
			Class: ClassApplication,
			Application: ApplicationMessage{
				From:         pkt.From,
				MessageID:    p.MessageID,
				HasTimestamp: p.HasTimestamp,
				TimestampMS:  p.TimestampMS,
				Payload:      p.Payload,
			},
		}, nil
	}
	return Classified{
		Class: ClassSystem,
		System: SystemEvent{
			From:         pkt.From,
			ID:           p.ID,
			HasTimestamp: p.HasTimestamp,
			TimestampMS:  p.TimestampMS,
			Payload:      p.Payload,
		},
	}, nil
}

type SystemHandler func(SystemEvent)
type ApplicationHandler func(ApplicationMessage)

// Stats counts routing outcomes since construction.
type Stats struct {
	System      int
	Application int
	Dropped     int
	Unhandled   int
}

// Router dispatches classified packets. Unknown system ids fall through to
// the unhandled case and are logged.
type Router struct {
	log    zerolog.Logger
	system map[protocol.ID]SystemHandler
	app    ApplicationHandler
	stats  Stats
}

func New(log zerolog.Logger) *Router {
	return &Router{
		log:    log,
		system: make(map[protocol.ID]SystemHandler),
	}
}

// Handle registers h for one system id, replacing any previous handler.
func (r *Router) Handle(id protocol.ID, h SystemHandler) {
	if !id.IsSystem() {
		r.log.Error().Stringer("packet_id", id).Msg("refusing system handler for application id")
		return
	}
	r.system[id] = h
}

// HandleMany registers h for every id in ids.
func (r *Router) HandleMany(h SystemHandler, ids ...protocol.ID) {
	for _, id := range ids {
		r.Handle(id, h)
	}
}

func (r *Router) HandleApplication(h ApplicationHandler) {
	r.app = h
}

func (r *Router) Stats() Stats {
	return r.stats
}

// Route classifies and dispatches one packet. It reports whether a handler
// ran; malformed and unhandled packets are logged and dropped.
func (r *Router) Route(pkt transport.Packet) bool {
	c, err := Classify(pkt)
	if err != nil {
		r.stats.Dropped++
		observability.RecordDroppedPacket("malformed")
		r.log.Warn().
			Err(err).
			Str("from", pkt.From.String()).
			Int("bytes", len(pkt.Data)).
			Msg("dropped malformed packet")
		return false
	}
	switch c.Class {
	case ClassApplication:
		r.stats.Application++
		observability.RecordPacket(ClassApplication.String())
		if r.app == nil {
			r.stats.Unhandled++
			r.log.Warn().Uint32("msg_id", c.Application.MessageID).Msg("unhandled application packet")
			return false
		}
		r.app(c.Application)
		return true
	default:
		r.stats.System++
		observability.RecordPacket(ClassSystem.String())
		h, ok := r.system[c.System.ID]
		if !ok {
			r.stats.Unhandled++
			observability.RecordDroppedPacket("unhandled")
			r.log.Warn().
				Stringer("packet_id", c.System.ID).
				Str("from", pkt.From.String()).
				Msg("unhandled network packet")
			return false
		}
		h(c.System)
		return true
	}
}
