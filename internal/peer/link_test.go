package peer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/transport/memnet"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/rs/zerolog"
)

func connectedPair(t *testing.T) (*memnet.Endpoint, *memnet.Endpoint) {
	t.Helper()
	n := memnet.NewNetwork()
	server := n.NewEndpoint("")
	client := n.NewEndpoint("")
	if server.Startup(2500, 4) != transport.Started || client.Startup(0, 1) != transport.Started {
		t.Fatalf("startup failed")
	}
	client.Connect("10.0.0.1", 2500, "")
	for {
		if _, ok := client.Receive(); !ok {
			break
		}
	}
	for {
		if _, ok := server.Receive(); !ok {
			break
		}
	}
	return server, client
}

func received(t *testing.T, e *memnet.Endpoint) []protocol.Packet {
	t.Helper()
	out := make([]protocol.Packet, 0)
	for {
		raw, ok := e.Receive()
		if !ok {
			return out
		}
		p, err := protocol.Parse(raw.Data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		out = append(out, p)
	}
}

func TestFlushOrderIsStateEventsPackagesBuffers(t *testing.T) {
	testlog.Start(t)
	server, client := connectedPair(t)
	l := New(client.LocalIdentity(), server, false, zerolog.Nop())
	l.Establish()

	scene := world.NewScene("arena")
	scene.Set("score", "1")
	l.SetWorld(scene)
	l.SetSceneLoaded(true)

	if err := l.SendMessage(protocol.MsgUser, true, true, []byte("buffered")); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := l.QueuePackage("map.pak", []byte("abcdef"), 4); err != nil {
		t.Fatalf("queue package: %v", err)
	}
	if err := l.QueueRemoteEvent(protocol.RemoteEvent{Name: "round_start"}, true); err != nil {
		t.Fatalf("queue remote event: %v", err)
	}

	scene.PrepareReplicationDelta()
	l.SendServerUpdate()
	l.SendRemoteEvents()
	l.SendPackages(1)
	l.SendAllBuffers()

	got := received(t, client)
	want := []uint32{protocol.MsgStateUpdate, protocol.MsgRemoteEvent, protocol.MsgPackageChunk, protocol.MsgUser}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].MessageID != want[i] {
			t.Fatalf("message %d: got %d want %d", i, got[i].MessageID, want[i])
		}
	}
	if _, chunks, _ := l.Pending(); chunks != 1 {
		t.Fatalf("expected one chunk left for the next pass, got %d", chunks)
	}
}

func TestPendingLinkHoldsQueues(t *testing.T) {
	testlog.Start(t)
	server, client := connectedPair(t)
	l := New(client.LocalIdentity(), server, false, zerolog.Nop())
	_ = l.SendMessage(protocol.MsgUser, true, true, []byte("a"))
	_ = l.SendMessage(protocol.MsgUser+1, true, true, []byte("b"))
	l.SendAllBuffers()
	if got := received(t, client); len(got) != 0 {
		t.Fatalf("pending link must not flush, got %d", len(got))
	}

	l.Establish()
	l.SendAllBuffers()
	got := received(t, client)
	if len(got) != 2 || got[0].MessageID != protocol.MsgUser || got[1].MessageID != protocol.MsgUser+1 {
		t.Fatalf("expected FIFO order after establish, got %+v", got)
	}

	l.MarkLost()
	l.Establish()
	if l.State() != StateLost {
		t.Fatalf("lost link must stay lost")
	}
	if err := l.SendMessage(protocol.MsgUser, true, true, nil); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
}

func TestPackageReassembly(t *testing.T) {
	testlog.Start(t)
	server, client := connectedPair(t)
	sender := New(client.LocalIdentity(), server, false, zerolog.Nop())
	sender.Establish()
	data := bytes.Repeat([]byte("xyz"), 1000)
	if err := sender.QueuePackage("map.pak", data, 512); err != nil {
		t.Fatalf("queue: %v", err)
	}
	sender.SendPackages(0)

	recv := New(server.LocalIdentity(), client, true, zerolog.Nop())
	var out []byte
	complete := false
	for _, p := range received(t, client) {
		c, err := protocol.DecodePackageChunk(p.Payload)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		out, complete, err = recv.AcceptChunk(c)
		if err != nil {
			t.Fatalf("accept chunk: %v", err)
		}
	}
	if !complete || !bytes.Equal(out, data) {
		t.Fatalf("package not reassembled: complete=%v len=%d", complete, len(out))
	}
	if err := sender.QueuePackage("empty", nil, 0); !errors.Is(err, ErrEmptyPackage) {
		t.Fatalf("expected ErrEmptyPackage, got %v", err)
	}
}

func TestClientUpdateSendsControlsOnce(t *testing.T) {
	testlog.Start(t)
	server, client := connectedPair(t)
	l := New(server.LocalIdentity(), client, true, zerolog.Nop())
	l.Establish()
	l.SetControls([]byte{1, 2})
	l.SendClientUpdate()
	l.SendClientUpdate()
	got := received(t, server)
	if len(got) != 1 || got[0].MessageID != protocol.MsgControls {
		t.Fatalf("expected a single controls message, got %+v", got)
	}
	if l.Address() != "10.0.0.1" {
		t.Fatalf("unexpected address %q", l.Address())
	}
}

func TestAcceptChunkEnforcesPackageLimits(t *testing.T) {
	testlog.Start(t)
	l := New(transport.Identity{Address: "10.0.0.9:2500"}, nil, false, zerolog.Nop())
	l.SetPackageLimits(64, 2)

	huge := protocol.PackageChunk{Name: "huge", Index: 0, Total: 1 << 31, Data: []byte{1}}
	if _, _, err := l.AcceptChunk(huge); !errors.Is(err, ErrPackageLimit) {
		t.Fatalf("expected ErrPackageLimit for oversized total, got %v", err)
	}
	if len(l.assembling) != 0 {
		t.Fatalf("rejected chunk must not start an assembly")
	}

	for _, name := range []string{"a", "b"} {
		if _, done, err := l.AcceptChunk(protocol.PackageChunk{Name: name, Total: 2, Data: []byte{1}}); err != nil || done {
			t.Fatalf("chunk %s: done=%v err=%v", name, done, err)
		}
	}
	if _, _, err := l.AcceptChunk(protocol.PackageChunk{Name: "c", Total: 2, Data: []byte{1}}); !errors.Is(err, ErrPackageLimit) {
		t.Fatalf("expected ErrPackageLimit for third assembly, got %v", err)
	}

	big := bytes.Repeat([]byte{7}, 40)
	if out, done, err := l.AcceptChunk(protocol.PackageChunk{Name: "a", Index: 1, Total: 2, Data: big}); err != nil || !done || len(out) != 41 {
		t.Fatalf("a under limit: done=%v len=%d err=%v", done, len(out), err)
	}
	if _, _, err := l.AcceptChunk(protocol.PackageChunk{Name: "d", Index: 0, Total: 2, Data: big}); err != nil {
		t.Fatalf("first half: %v", err)
	}
	if _, _, err := l.AcceptChunk(protocol.PackageChunk{Name: "d", Index: 1, Total: 2, Data: big}); !errors.Is(err, ErrPackageLimit) {
		t.Fatalf("expected ErrPackageLimit past byte cap, got %v", err)
	}
	if _, ok := l.assembling["d"]; ok {
		t.Fatalf("over-limit assembly must be dropped")
	}
	if _, _, err := l.AcceptChunk(protocol.PackageChunk{Name: "e", Total: 1}); !errors.Is(err, ErrChunkMismatch) {
		t.Fatalf("expected ErrChunkMismatch for empty chunk, got %v", err)
	}
}
