// Package readiness tracks per-participant ready flags for a mesh session.
package readiness

import (
	"sort"

	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/transport"
)

// DefaultEventID is the ready event shared by every participant.
const DefaultEventID uint32 = 0

// LinkLookup resolves the link that caches a participant's flag.
type LinkLookup func(transport.Identity) (*peer.Link, bool)

// Notify receives the all-ready value after every recomputation.
type Notify func(allReady bool)

// Entry is one participant's last computed flag.
type Entry struct {
	Identity transport.Identity
	Self     bool
	Ready    bool
}

// Tracker keeps a ReadinessSet whose keys are always the current mesh
// participants, self included.
type Tracker struct {
	eventID uint32
	self    transport.Identity
	local   bool
	events  transport.ReadyEvents
	lookup  LinkLookup
	notify  Notify
	entries map[string]*Entry
}

func New(events transport.ReadyEvents, lookup LinkLookup, notify Notify) *Tracker {
	return &Tracker{
		eventID: DefaultEventID,
		events:  events,
		lookup:  lookup,
		notify:  notify,
		entries: make(map[string]*Entry),
	}
}

// SetSelf records the local identity; it is never waited on.
func (t *Tracker) SetSelf(id transport.Identity) {
	if !t.self.IsZero() {
		delete(t.entries, t.self.Key())
	}
	t.self = id
	if !id.IsZero() {
		t.entries[id.Key()] = &Entry{Identity: id, Self: true, Ready: t.local}
	}
}

func (t *Tracker) LocalReady() bool {
	return t.local
}

// SetLocalReady updates the local flag and recomputes.
func (t *Tracker) SetLocalReady(ready bool) bool {
	t.local = ready
	return t.RecomputeAllReady()
}

// OnMembershipChanged adds new participants to the wait list, prunes
// departed ones and recomputes.
func (t *Tracker) OnMembershipChanged(participants []transport.Identity) bool {
	current := make(map[string]transport.Identity, len(participants))
	for _, id := range participants {
		if id.IsZero() || id.Matches(t.self) {
			continue
		}
		current[id.Key()] = id
	}
	for key, e := range t.entries {
		if e.Self {
			continue
		}
		if _, ok := current[key]; !ok {
			delete(t.entries, key)
			if t.events != nil {
				t.events.RemoveFromWaitList(t.eventID, e.Identity)
			}
		}
	}
	for key, id := range current {
		if _, ok := t.entries[key]; ok {
			continue
		}
		t.entries[key] = &Entry{Identity: id}
		if t.events != nil {
			t.events.AddToWaitList(t.eventID, id)
		}
	}
	return t.RecomputeAllReady()
}

// RecomputeAllReady refreshes every flag, writes it through to the matching
// link and notifies once per call, changed or not.
func (t *Tracker) RecomputeAllReady() bool {
	all := true
	for _, e := range t.entries {
		if e.Self {
			e.Ready = t.local
			continue
		}
		e.Ready = t.remoteReady(e.Identity)
		if t.lookup != nil {
			if link, ok := t.lookup(e.Identity); ok {
				link.SetReady(e.Ready)
			}
		}
		if !e.Ready {
			all = false
		}
	}
	all = all && t.local
	if t.notify != nil {
		t.notify(all)
	}
	return all
}

func (t *Tracker) remoteReady(id transport.Identity) bool {
	if t.events == nil {
		return false
	}
	switch t.events.Status(t.eventID, id) {
	case transport.ReadySet, transport.ReadyAllSet:
		return true
	default:
		return false
	}
}

// Entries returns the set sorted by identity key.
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key() < out[j].Identity.Key() })
	return out
}

func (t *Tracker) Len() int {
	return len(t.entries)
}

// Reset drops every remote entry and clears the local flag.
func (t *Tracker) Reset() {
	t.local = false
	t.entries = make(map[string]*Entry)
	if !t.self.IsZero() {
		t.entries[t.self.Key()] = &Entry{Identity: t.self, Self: true}
	}
}
