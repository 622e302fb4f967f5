package coordinator

import (
	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/router"
	"github.com/google/uuid"
)

// LinkView is a copy of one link's observable state.
type LinkView struct {
	Identity    string `json:"identity"`
	GUID        string `json:"guid,omitempty"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Outbound    bool   `json:"outbound"`
	Ready       bool   `json:"ready"`
	SceneLoaded bool   `json:"scene_loaded"`
	World       string `json:"world,omitempty"`
}

// Snapshot is an immutable view published after every tick.
type Snapshot struct {
	Topology       string       `json:"topology"`
	Self           string       `json:"self"`
	ServerRunning  bool         `json:"server_running"`
	Port           uint16       `json:"port,omitempty"`
	IsHost         bool         `json:"is_host"`
	ConnectedHost  bool         `json:"connected_host"`
	HostAddress    string       `json:"host_address,omitempty"`
	HostGeneration uint64       `json:"host_generation"`
	LocalReady     bool         `json:"local_ready"`
	Participants   int          `json:"participants"`
	UpdateFPS      int          `json:"update_fps"`
	Passes         uint64       `json:"passes"`
	Server         *LinkView    `json:"server,omitempty"`
	Links          []LinkView   `json:"links"`
	Router         router.Stats `json:"router"`
}

func viewOf(l *peer.Link) LinkView {
	v := LinkView{
		Identity:    l.Identity().String(),
		Address:     l.Identity().Address,
		State:       l.State().String(),
		Outbound:    l.Outbound(),
		Ready:       l.Ready(),
		SceneLoaded: l.SceneLoaded(),
	}
	if g := l.Identity().GUID; g != uuid.Nil {
		v.GUID = g.String()
	}
	if w := l.World(); w != nil {
		v.World = w.Name()
	}
	return v
}

// Snapshot returns the latest published view. Safe from any goroutine.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

func (c *Coordinator) publish() {
	links := c.links.All()
	s := &Snapshot{
		Topology:       string(c.topology),
		Self:           c.host.LocalIdentity().String(),
		ServerRunning:  c.listening,
		Port:           c.port,
		IsHost:         c.IsHostSystem(),
		ConnectedHost:  c.IsConnectedHost(),
		HostAddress:    c.claim.Host.Address,
		HostGeneration: c.claim.Generation,
		LocalReady:     c.localReady,
		Participants:   c.ParticipantCount(),
		UpdateFPS:      c.sched.FPS(),
		Passes:         c.passes,
		Links:          make([]LinkView, 0, len(links)),
		Router:         c.RouterStats(),
	}
	if c.server != nil {
		v := viewOf(c.server)
		s.Server = &v
	}
	for _, l := range links {
		s.Links = append(s.Links, viewOf(l))
	}
	c.snapshot.Store(s)
}
