package coordinator

import (
	"context"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/danmuck/meshctl/internal/scheduler"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/danmuck/meshctl/internal/world"
)

// Tick advances the coordinator clock by dt: drain both transports, run
// the due update passes, publish a snapshot.
func (c *Coordinator) Tick(dt time.Duration) scheduler.Result {
	if dt > 0 {
		c.now += dt
	}
	res := c.sched.Tick(dt)
	c.publish()
	return res
}

// Run ticks on the wall clock until ctx is done, then disconnects.
func (c *Coordinator) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = c.sched.Interval() / 2
	}
	err := scheduler.Loop(ctx, poll, func(dt time.Duration) { c.Tick(dt) })
	c.Disconnect(300 * time.Millisecond)
	return err
}

// Drain processes inbound packets from both transports, host first, up to
// MaxDrainPerTick each. Leftovers stay buffered for the next tick.
func (c *Coordinator) Drain() {
	c.drain(c.host, c.hostRouter)
	c.drain(c.client, c.clientRouter)
	c.dispatchInbound()
	c.processNATRetry()
}

func (c *Coordinator) drain(tr transport.Transport, r *router.Router) {
	if !tr.Active() {
		return
	}
	for i := 0; i < c.cfg.MaxDrainPerTick; i++ {
		pkt, ok := tr.Receive()
		if !ok {
			return
		}
		r.Route(pkt)
	}
	c.log.Debug().Int("limit", c.cfg.MaxDrainPerTick).Msg("drain limit reached, deferring packets")
}

// Update runs one outbound pass.
func (c *Coordinator) Update() {
	c.passes++
	c.emit(NetworkUpdate{Pass: c.passes})

	if c.isAuthority() {
		links := c.links.All()
		prepared := make(map[world.Container]struct{})
		for _, l := range links {
			w := l.World()
			if w == nil || l.State() != peer.StateEstablished {
				continue
			}
			if _, done := prepared[w]; done {
				continue
			}
			w.PrepareReplicationDelta()
			prepared[w] = struct{}{}
		}
		for _, l := range links {
			l.SendServerUpdate()
			l.SendRemoteEvents()
			l.SendPackages(c.cfg.PackageChunksPerUpdate)
			l.SendAllBuffers()
		}
	}

	if c.server != nil && !c.isAuthority() {
		c.server.SendClientUpdate()
		c.server.SendRemoteEvents()
		c.server.SendAllBuffers()
	}
	if c.topology == config.TopologyPeerToPeer && !c.isHost {
		// non-host mesh peers still flush peer-addressed buffers
		for _, l := range c.links.All() {
			if l != c.server {
				l.SendRemoteEvents()
				l.SendAllBuffers()
			}
		}
	}

	c.emit(NetworkUpdateSent{Pass: c.passes})
}

func (c *Coordinator) isAuthority() bool {
	if c.topology == config.TopologyPeerToPeer {
		return c.isHost
	}
	return c.listening
}

// Passes counts update passes run.
func (c *Coordinator) Passes() uint64 {
	return c.passes
}
