package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/coordinator"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/transport/memnet"
	"github.com/danmuck/meshctl/internal/world"
	"github.com/rs/zerolog"
)

const step = 34 * time.Millisecond

type peer struct {
	name     string
	c        *coordinator.Coordinator
	host     *memnet.Endpoint
	allReady bool
	joined   bool
}

func main() {
	count := flag.Int("peers", 4, "mesh participants, host included")
	maxTicks := flag.Int("max-ticks", 200, "tick budget per phase")
	migrate := flag.Bool("migrate", true, "disconnect the first host and wait for a new one")
	seed := flag.Int64("seed", 1, "simulated network seed")
	verbose := flag.Bool("v", false, "log coordinator internals")
	flag.Parse()

	logger := observability.InitLogger("meshsim")
	if err := simulate(logger, *count, *maxTicks, *migrate, *seed, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "meshsim: %v\n", err)
		os.Exit(1)
	}
}

func simulate(logger zerolog.Logger, count, maxTicks int, migrate bool, seed int64, verbose bool) error {
	if count < 2 {
		return fmt.Errorf("need at least 2 peers, got %d", count)
	}
	n := memnet.NewNetwork(memnet.WithSeed(seed))
	if _, err := n.NewRendezvous(config.DefaultNATServerAddress, config.DefaultNATServerPort); err != nil {
		return err
	}

	peers := make([]*peer, 0, count)
	for i := 0; i < count; i++ {
		p, err := newPeer(n, logger, i, verbose)
		if err != nil {
			return err
		}
		peers = append(peers, p)
	}

	scene := world.NewScene("sim")
	if err := peers[0].c.StartSession(scene, nil); err != nil {
		return err
	}
	if !run(peers, maxTicks, func() bool { return peers[0].c.IsHostSystem() }) {
		return fmt.Errorf("session did not start within %d ticks", maxTicks)
	}
	logger.Info().Str("host", peers[0].name).Msg("session started")

	for _, p := range peers[1:] {
		identity, err := world.EncodeIdentity(map[string]string{"name": p.name})
		if err != nil {
			return err
		}
		if err := p.c.JoinSession(peers[0].host.GUID(), world.NewScene("sim"), identity); err != nil {
			return err
		}
		joiner := p
		if !run(peers, maxTicks, func() bool { return joiner.joined }) {
			return fmt.Errorf("%s did not join within %d ticks", p.name, maxTicks)
		}
	}
	if !run(peers, maxTicks, func() bool { return agreed(peers) }) {
		return fmt.Errorf("peers did not agree on a host within %d ticks", maxTicks)
	}
	report(logger, "joined", peers)

	for _, p := range peers {
		if err := p.c.SetReady(true); err != nil {
			return err
		}
	}
	if !run(peers, maxTicks, func() bool { return allReady(peers) }) {
		return fmt.Errorf("readiness did not converge within %d ticks", maxTicks)
	}
	logger.Info().Int("peers", len(peers)).Msg("all peers ready")

	if !migrate {
		return nil
	}
	oldHost := peers[0].host.LocalIdentity().Address
	peers[0].c.Disconnect(0)
	rest := peers[1:]
	if !run(rest, maxTicks, func() bool { return agreed(rest) && rest[0].c.HostAddress() != oldHost }) {
		return fmt.Errorf("host did not migrate within %d ticks", maxTicks)
	}
	report(logger, "migrated", rest)
	return nil
}

func newPeer(n *memnet.Network, logger zerolog.Logger, i int, verbose bool) (*peer, error) {
	name := fmt.Sprintf("peer-%d", i+1)
	ip := fmt.Sprintf("10.0.1.%d", i+1)
	cfg := config.Default()
	cfg.Topology = config.TopologyPeerToPeer

	p := &peer{name: name, host: n.NewEndpoint(ip)}
	l := zerolog.Nop()
	if verbose {
		l = observability.Component(logger, name)
	}
	c, err := coordinator.New(p.host, n.NewEndpoint(ip), cfg, coordinator.WithLogger(l))
	if err != nil {
		return nil, err
	}
	c.OnEvent(func(ev coordinator.Event) {
		switch e := ev.(type) {
		case coordinator.AllReadyChanged:
			p.allReady = e.AllReady
		case coordinator.SessionJoined:
			p.joined = true
		case coordinator.NewHost:
			logger.Info().Str("peer", name).Str("host", e.Claim.Host.Address).Uint64("generation", e.Claim.Generation).Msg("new host")
		case coordinator.SessionJoinFailed:
			logger.Warn().Str("peer", name).Str("reason", string(e.Reason)).Msg("join failed")
		}
	})
	p.c = c
	return p, nil
}

// run ticks every peer in order until done or the budget runs out.
func run(peers []*peer, maxTicks int, done func() bool) bool {
	for i := 0; i < maxTicks; i++ {
		if done() {
			return true
		}
		for _, p := range peers {
			p.c.Tick(step)
		}
	}
	return done()
}

func agreed(peers []*peer) bool {
	host := peers[0].c.HostAddress()
	if host == "" {
		return false
	}
	hosts := 0
	for _, p := range peers {
		if p.c.HostAddress() != host || p.c.ParticipantCount() != len(peers) {
			return false
		}
		if p.c.IsHostSystem() {
			hosts++
		}
	}
	return hosts == 1
}

func allReady(peers []*peer) bool {
	for _, p := range peers {
		if !p.allReady {
			return false
		}
	}
	return true
}

func report(logger zerolog.Logger, phase string, peers []*peer) {
	for _, p := range peers {
		snap := p.c.Snapshot()
		logger.Info().
			Str("phase", phase).
			Str("peer", p.name).
			Str("self", p.host.LocalIdentity().Address).
			Str("host", snap.HostAddress).
			Bool("is_host", snap.IsHost).
			Int("participants", snap.Participants).
			Int("links", len(snap.Links)).
			Msg("peer state")
	}
}
