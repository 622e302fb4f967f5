package coordinator

import (
	"errors"
	"testing"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport/memnet"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/google/uuid"
)

func fastRetries(retries int) func(*config.Session) {
	return func(cfg *config.Session) {
		cfg.NATMaxRetries = retries
		cfg.BackoffInitialMS = 10
		cfg.BackoffMaxMS = 40
	}
}

func startMesh(t *testing.T, n *memnet.Network) *node {
	t.Helper()
	a := newNode(t, n, "10.0.1.1", config.TopologyPeerToPeer)
	if err := a.c.StartSession(world.NewScene("lobby"), []byte("name = 'a'")); err != nil {
		t.Fatalf("start session: %v", err)
	}
	settle(2, a)
	if a.count(KindSessionStarted) != 1 || !a.c.IsHostSystem() {
		t.Fatalf("session not started: %v", a.events)
	}
	return a
}

func joinMesh(t *testing.T, n *memnet.Network, ip string, host *node, others ...*node) *node {
	t.Helper()
	j := newNode(t, n, ip, config.TopologyPeerToPeer)
	if err := j.c.JoinSession(host.host.GUID(), world.NewScene("lobby"), []byte("name = '"+ip+"'")); err != nil {
		t.Fatalf("join session: %v", err)
	}
	settle(4, append([]*node{host, j}, others...)...)
	if j.count(KindSessionJoined) != 1 {
		t.Fatalf("join did not complete: %v", j.events)
	}
	return j
}

func TestStartThenJoinAgreeOnHost(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	newRendezvous(t, n)
	a := startMesh(t, n)
	b := joinMesh(t, n, "10.0.1.2", a)

	hostA, hostB := a.c.HostClaim(), b.c.HostClaim()
	if !hostA.Local || hostB.Local {
		t.Fatalf("unexpected locality a=%+v b=%+v", hostA, hostB)
	}
	if !hostA.Host.Matches(hostB.Host) || !hostB.Host.Matches(a.c.LocalIdentity()) {
		t.Fatalf("hosts disagree: a=%s b=%s", hostA.Host, hostB.Host)
	}
	if !b.c.IsConnectedHost() || b.c.IsHostSystem() {
		t.Fatalf("joiner must see a connected remote host")
	}
	if b.c.ServerConnection() == nil || !b.c.ServerConnection().Identity().Matches(a.c.LocalIdentity()) {
		t.Fatalf("joiner session link must point at the host")
	}
	if b.c.HostAddress() != a.c.LocalIdentity().Address {
		t.Fatalf("host address %q, want %q", b.c.HostAddress(), a.c.LocalIdentity().Address)
	}
	for _, nd := range []*node{a, b} {
		if got := len(nd.c.Readiness()); got != 2 {
			t.Fatalf("readiness set has %d entries, want 2", got)
		}
		if nd.c.ParticipantCount() != 2 {
			t.Fatalf("participant count %d", nd.c.ParticipantCount())
		}
	}
	if a.count(KindClientIdentity) == 0 {
		t.Fatalf("host never saw the joiner identity")
	}
}

func TestAllReadyAcrossMesh(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	newRendezvous(t, n)
	a := startMesh(t, n)
	b := joinMesh(t, n, "10.0.1.2", a)

	if err := a.c.SetReady(true); err != nil {
		t.Fatalf("set ready: %v", err)
	}
	settle(2, a, b)
	if ev, _ := a.last(KindAllReadyChanged); ev.(AllReadyChanged).AllReady {
		t.Fatalf("all ready before the joiner is ready")
	}
	if err := b.c.SetReady(true); err != nil {
		t.Fatalf("set ready: %v", err)
	}
	settle(2, a, b)
	for _, nd := range []*node{a, b} {
		ev, ok := nd.last(KindAllReadyChanged)
		if !ok || !ev.(AllReadyChanged).AllReady {
			t.Fatalf("%s did not reach all ready", nd.c.LocalIdentity())
		}
		for _, e := range nd.c.Readiness() {
			if !e.Ready {
				t.Fatalf("entry %s not ready", e.Identity)
			}
		}
	}

	_ = b.c.SetReady(false)
	settle(2, a, b)
	if ev, _ := a.last(KindAllReadyChanged); ev.(AllReadyChanged).AllReady {
		t.Fatalf("unset must clear all ready on the host")
	}
}

func TestHostMigratesWhenHostLeaves(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	newRendezvous(t, n)
	a := startMesh(t, n)
	b := joinMesh(t, n, "10.0.1.2", a)
	c := joinMesh(t, n, "10.0.1.3", a, b)

	if len(c.c.ClientConnections()) != 2 || len(b.c.ClientConnections()) != 2 {
		t.Fatalf("mesh not fully connected: b=%d c=%d", len(b.c.ClientConnections()), len(c.c.ClientConnections()))
	}
	genC := c.c.HostClaim().Generation

	a.c.Disconnect(0)
	settle(3, b, c)

	if !b.c.IsHostSystem() {
		t.Fatalf("earliest remaining participant must take over")
	}
	claim := c.c.HostClaim()
	if claim.Local || !claim.Host.Matches(b.c.LocalIdentity()) || claim.Generation <= genC {
		t.Fatalf("unexpected claim on c: %+v", claim)
	}
	if link := c.c.ServerConnection(); link == nil || !link.Identity().Matches(b.c.LocalIdentity()) {
		t.Fatalf("c must follow the new host")
	}
	if len(b.c.ClientConnections()) != 1 || len(b.c.Readiness()) != 2 {
		t.Fatalf("departed host must be pruned: links=%d readiness=%d", len(b.c.ClientConnections()), len(b.c.Readiness()))
	}
	if a.c.IsHostSystem() || a.c.HostClaim().Generation != 0 {
		t.Fatalf("disconnect must clear the host claim")
	}
}

func TestJoinUnknownTargetExhaustsRetries(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	newRendezvous(t, n)
	b := newNode(t, n, "10.0.1.2", config.TopologyPeerToPeer, fastRetries(2))
	if err := b.c.JoinSession(uuid.New(), nil, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	settle(10, b)

	retries := make([]bool, 0)
	for _, ev := range b.events {
		if f, ok := ev.(NATPunchthroughFailed); ok {
			retries = append(retries, f.WillRetry)
			if f.Attempt != len(retries) {
				t.Fatalf("attempt %d reported as %d", len(retries), f.Attempt)
			}
		}
	}
	if len(retries) != 3 || !retries[0] || !retries[1] || retries[2] {
		t.Fatalf("unexpected retry sequence %v", retries)
	}
	if b.count(KindSessionJoinFailed) != 1 || b.count(KindSessionJoined) != 0 {
		t.Fatalf("expected one final join failure: %v", b.events)
	}
	if err := b.c.JoinSession(uuid.Nil, nil, nil); !errors.Is(err, protocol.ErrInvalidGUID) {
		t.Fatalf("expected ErrInvalidGUID, got %v", err)
	}
}

func TestJoinSucceedsOnRetry(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	newRendezvous(t, n)
	a := startMesh(t, n)
	a.host.BlockPunchthrough(true)

	b := newNode(t, n, "10.0.1.2", config.TopologyPeerToPeer, fastRetries(3))
	if err := b.c.JoinSession(a.host.GUID(), nil, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	for i := 0; i < 10 && b.count(KindNATPunchthroughFailed) == 0; i++ {
		settle(1, a, b)
	}
	if b.count(KindNATPunchthroughFailed) != 1 {
		t.Fatalf("expected the blocked attempt to fail once")
	}
	a.host.BlockPunchthrough(false)
	settle(6, a, b)

	if b.count(KindSessionJoined) != 1 || b.count(KindSessionJoinFailed) != 0 {
		t.Fatalf("retry must join: %v", b.events)
	}
	if !b.c.HostClaim().Host.Matches(a.c.LocalIdentity()) {
		t.Fatalf("joiner host %s, want %s", b.c.HostClaim().Host, a.c.LocalIdentity())
	}
}

func TestSessionRequiresPeerToPeer(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	nd := newNode(t, n, "10.0.1.9", config.TopologyServerClient)
	if err := nd.c.StartSession(nil, nil); !errors.Is(err, ErrWrongTopology) {
		t.Fatalf("expected ErrWrongTopology, got %v", err)
	}
	if err := nd.c.SetReady(true); !errors.Is(err, ErrWrongTopology) {
		t.Fatalf("expected ErrWrongTopology, got %v", err)
	}
}

func TestServerClientPunchthrough(t *testing.T) {
	testlog.Start(t)
	n := memnet.NewNetwork()
	newRendezvous(t, n)
	srv := newNode(t, n, "10.0.2.1", config.TopologyServerClient)
	if err := srv.c.Listen(2500, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.c.StartNATClient(); err != nil {
		t.Fatalf("nat client: %v", err)
	}
	settle(1, srv)
	if srv.count(KindNATMasterConnected) != 1 {
		t.Fatalf("server never reached the nat server")
	}

	cl := newNode(t, n, "10.0.2.2", config.TopologyServerClient)
	scene := world.NewScene("arena")
	if err := cl.c.AttemptNATPunchthrough(srv.host.GUID(), scene, []byte("name = 'cl'")); err != nil {
		t.Fatalf("punchthrough: %v", err)
	}
	settle(4, srv, cl)

	if cl.count(KindNATPunchthroughSucceeded) != 1 || cl.count(KindServerConnected) != 1 {
		t.Fatalf("client did not connect through the punch: %v", cl.events)
	}
	if len(srv.c.ClientConnections()) != 1 || srv.count(KindClientIdentity) != 1 {
		t.Fatalf("server must admit the punched client")
	}
}
