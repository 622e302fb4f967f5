package router

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog"
)

var from = transport.Identity{Address: "10.0.0.2:40000"}

func TestClassifyApplicationAndSystem(t *testing.T) {
	testlog.Start(t)
	c, err := Classify(transport.Packet{From: from, Data: protocol.WithTimestamp(7, protocol.EncodeApplication(protocol.MsgUser, []byte("x")))})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if c.Class != ClassApplication || c.Application.MessageID != protocol.MsgUser || !c.Application.HasTimestamp {
		t.Fatalf("unexpected application classification: %+v", c)
	}
	if c.Application.From != from {
		t.Fatalf("source identity not carried")
	}

	c, err = Classify(transport.Packet{From: from, Data: protocol.EncodeSystem(protocol.IDConnectionLost, nil)})
	if err != nil || c.Class != ClassSystem || c.System.ID != protocol.IDConnectionLost {
		t.Fatalf("unexpected system classification: %+v %v", c, err)
	}

	if _, err := Classify(transport.Packet{From: from, Data: []byte{byte(protocol.IDUserPacketEnum), 1}}); !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
}

func TestRouteTableDispatchAndUnhandled(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := New(zerolog.New(&buf))
	lost := 0
	r.HandleMany(func(SystemEvent) { lost++ }, protocol.IDConnectionLost, protocol.IDDisconnectionNotification)
	r.Handle(protocol.IDUserPacketEnum, func(SystemEvent) { t.Fatalf("application id must not take a system handler") })

	r.Route(transport.Packet{From: from, Data: protocol.EncodeSystem(protocol.IDConnectionLost, nil)})
	r.Route(transport.Packet{From: from, Data: protocol.EncodeSystem(protocol.IDDisconnectionNotification, nil)})
	if r.Route(transport.Packet{From: from, Data: []byte{0x7F}}) {
		t.Fatalf("unknown id must not report dispatch")
	}
	if lost != 2 {
		t.Fatalf("expected 2 lifecycle dispatches, got %d", lost)
	}
	st := r.Stats()
	if st.System != 3 || st.Unhandled != 1 || st.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !strings.Contains(buf.String(), "unhandled network packet") {
		t.Fatalf("expected unhandled log, got %q", buf.String())
	}
}

func TestMalformedPacketDoesNotStallNextPacket(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	r := New(zerolog.New(&buf))
	got := make([]ApplicationMessage, 0)
	r.HandleApplication(func(m ApplicationMessage) { got = append(got, m) })

	r.Route(transport.Packet{From: from, Data: []byte{byte(protocol.IDUserPacketEnum), 0x00}})
	r.Route(transport.Packet{From: from, Data: protocol.EncodeApplication(protocol.MsgUser, []byte("ok"))})

	if len(got) != 1 || string(got[0].Payload) != "ok" {
		t.Fatalf("expected one application message, got %+v", got)
	}
	if n := strings.Count(buf.String(), "dropped malformed packet"); n != 1 {
		t.Fatalf("expected exactly one drop log, got %d: %q", n, buf.String())
	}
	if r.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped packet")
	}
}
