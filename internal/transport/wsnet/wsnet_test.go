package wsnet

import (
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/discovery"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	waitFor  = 3 * time.Second
	pollEach = 5 * time.Millisecond
)

func started(t *testing.T, maxConns int) *Endpoint {
	t.Helper()
	e, err := New(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, transport.Started, e.Startup(0, maxConns))
	t.Cleanup(func() { e.Shutdown(0) })
	return e
}

func port(t *testing.T, e *Endpoint) uint16 {
	t.Helper()
	_, p, err := e.LocalIdentity().HostPort()
	require.NoError(t, err)
	return p
}

// await polls e until a packet with id arrives. Packets with other ids
// are discarded.
func await(t *testing.T, e *Endpoint, id protocol.ID) transport.Packet {
	t.Helper()
	var got transport.Packet
	require.Eventually(t, func() bool {
		for {
			p, ok := e.Receive()
			if !ok {
				return false
			}
			if protocol.ID(p.Data[0]) == id {
				got = p
				return true
			}
		}
	}, waitFor, pollEach, "waiting for %s", id)
	return got
}

func connected(t *testing.T, server, client *Endpoint, password string) {
	t.Helper()
	require.Equal(t, transport.ConnectionAttemptStarted, client.Connect("127.0.0.1", port(t, server), password))
	accepted := await(t, client, protocol.IDConnectionRequestAccepted)
	require.Equal(t, server.GUID(), accepted.From.GUID)
	incoming := await(t, server, protocol.IDNewIncomingConnection)
	require.Equal(t, client.GUID(), incoming.From.GUID)
	require.Equal(t, client.LocalIdentity().Address, incoming.From.Address)
}

func TestHandshakeAndDataBothWays(t *testing.T) {
	testlog.Start(t)
	server := started(t, 4)
	client := started(t, 1)
	connected(t, server, client, "")

	serverID := transport.Identity{GUID: server.GUID()}
	require.NoError(t, client.Send(serverID, protocol.EncodeApplication(protocol.MsgUser, []byte("ping")), transport.ReliableOrdered))
	got := await(t, server, protocol.IDUserPacketEnum)
	pkt, err := protocol.Parse(got.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgUser, pkt.MessageID)
	require.Equal(t, "ping", string(pkt.Payload))

	require.NoError(t, server.Broadcast(protocol.EncodeApplication(protocol.MsgUser+1, []byte("pong")), transport.Reliable))
	got = await(t, client, protocol.IDUserPacketEnum)
	pkt, err = protocol.Parse(got.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgUser+1, pkt.MessageID)
	require.Equal(t, server.GUID(), got.From.GUID)
}

func TestConnectResultsWhilePendingAndConnected(t *testing.T) {
	testlog.Start(t)
	server := started(t, 4)
	client := started(t, 2)
	p := port(t, server)

	require.Equal(t, transport.ConnectionAttemptStarted, client.Connect("127.0.0.1", p, ""))
	require.Equal(t, transport.ConnectionAttemptAlreadyInProgress, client.Connect("127.0.0.1", p, ""))
	await(t, client, protocol.IDConnectionRequestAccepted)
	require.Equal(t, transport.AlreadyConnectedToEndpoint, client.Connect("127.0.0.1", p, ""))
	require.Equal(t, transport.ConnectInvalidParameter, client.Connect("", p, ""))
}

func TestRejectionsReachDialer(t *testing.T) {
	testlog.Start(t)

	t.Run("password", func(t *testing.T) {
		server := started(t, 4)
		server.SetIncomingPassword("secret")
		client := started(t, 1)
		require.Equal(t, transport.ConnectionAttemptStarted, client.Connect("127.0.0.1", port(t, server), "wrong"))
		got := await(t, client, protocol.IDInvalidPassword)
		require.Equal(t, server.LocalIdentity().Address, got.From.Address)
		connected(t, server, client, "secret")
	})

	t.Run("capacity", func(t *testing.T) {
		server := started(t, 4)
		server.SetMaximumIncomingConnections(1)
		first := started(t, 1)
		second := started(t, 1)
		connected(t, server, first, "")
		require.Equal(t, transport.ConnectionAttemptStarted, second.Connect("127.0.0.1", port(t, server), ""))
		await(t, second, protocol.IDNoFreeIncomingConnections)
	})

	t.Run("banned", func(t *testing.T) {
		server := started(t, 4)
		server.AddToBanList("127.0.0.1")
		client := started(t, 1)
		require.Equal(t, transport.ConnectionAttemptStarted, client.Connect("127.0.0.1", port(t, server), ""))
		await(t, client, protocol.IDConnectionBanned)
	})

	t.Run("unreachable", func(t *testing.T) {
		server := started(t, 1)
		p := port(t, server)
		server.Shutdown(0)
		client := started(t, 1)
		require.Equal(t, transport.ConnectionAttemptStarted, client.Connect("127.0.0.1", p, ""))
		got := await(t, client, protocol.IDConnectionAttemptFailed)
		require.Equal(t, transport.JoinAddress("127.0.0.1", p), got.From.Address)
	})
}

func TestCloseNotifyVersusLost(t *testing.T) {
	testlog.Start(t)
	server := started(t, 4)
	polite := started(t, 1)
	abrupt := started(t, 1)
	connected(t, server, polite, "")
	connected(t, server, abrupt, "")

	polite.CloseConnection(transport.Identity{GUID: server.GUID()}, true)
	got := await(t, server, protocol.IDDisconnectionNotification)
	require.Equal(t, polite.GUID(), got.From.GUID)

	abrupt.CloseConnection(transport.Identity{GUID: server.GUID()}, false)
	got = await(t, server, protocol.IDConnectionLost)
	require.Equal(t, abrupt.GUID(), got.From.GUID)

	require.ErrorIs(t, polite.Send(transport.Identity{GUID: server.GUID()}, []byte{byte(protocol.IDUserPacketEnum)}, transport.Reliable), transport.ErrUnknownPeer)
}

func TestPingReturnsBeacon(t *testing.T) {
	testlog.Start(t)
	server := started(t, 4)
	client := started(t, 1)
	blob, err := discovery.Encode(discovery.Beacon{"name": "alpha"})
	require.NoError(t, err)
	server.SetOfflinePingResponse(blob)

	require.True(t, client.Ping("127.0.0.1", port(t, server)))
	got := await(t, client, protocol.IDUnconnectedPong)
	_, beacon, err := protocol.DecodePong(got.Data[1:])
	require.NoError(t, err)
	decoded, err := discovery.Decode(beacon)
	require.NoError(t, err)
	require.Equal(t, "alpha", decoded["name"])
}

func TestInactiveEndpoint(t *testing.T) {
	testlog.Start(t)
	e, err := New(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.False(t, e.Active())
	require.False(t, e.Ping("127.0.0.1", 1))
	require.Equal(t, transport.ConnectInvalidParameter, e.Connect("127.0.0.1", 1, ""))
	require.ErrorIs(t, e.Broadcast([]byte{0x86}, transport.Reliable), transport.ErrNotActive)
	_, ok := e.Receive()
	require.False(t, ok)
	e.Shutdown(0)
}

func TestPluginsUnsupported(t *testing.T) {
	testlog.Start(t)
	e := started(t, 1)
	_, err := e.AttachNATClient()
	require.ErrorIs(t, err, transport.ErrPluginUnsupported)
	_, err = e.AttachMesh(transport.MeshOptions{AutoConnect: true})
	require.ErrorIs(t, err, transport.ErrPluginUnsupported)
	_, err = e.AttachReadyEvents()
	require.ErrorIs(t, err, transport.ErrPluginUnsupported)
	require.Equal(t, transport.AlreadyStarted, e.Startup(0, 1))
}

func TestSimulatedLatencyDelaysDelivery(t *testing.T) {
	testlog.Start(t)
	server := started(t, 4)
	client := started(t, 1)
	connected(t, server, client, "")
	server.ApplyNetworkSimulator(0, 150*time.Millisecond)

	sent := time.Now()
	require.NoError(t, client.Send(transport.Identity{GUID: server.GUID()}, protocol.EncodeApplication(protocol.MsgUser, nil), transport.Reliable))
	await(t, server, protocol.IDUserPacketEnum)
	require.GreaterOrEqual(t, time.Since(sent), 150*time.Millisecond)
}
