// Package registry owns the set of peer links keyed by transport identity.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/meshctl/internal/peer"
	"github.com/danmuck/meshctl/internal/transport"
)

var (
	ErrDuplicateIdentity = errors.New("registry: duplicate identity")
	ErrNilLink           = errors.New("registry: link is nil")
	ErrIdentityMismatch  = errors.New("registry: link identity mismatch")
)

// Hook observes membership changes.
type Hook func(*peer.Link)

// Registry stores links by identity key. Not safe for concurrent use; the
// coordinator is the single owner.
type Registry struct {
	items     map[string]*peer.Link
	onAdded   Hook
	onRemoved Hook
}

func New() *Registry {
	return &Registry{items: make(map[string]*peer.Link)}
}

// OnAdded sets the hook run after each successful Add.
func (r *Registry) OnAdded(h Hook) { r.onAdded = h }

// OnRemoved sets the hook run after each removal, including Clear.
func (r *Registry) OnRemoved(h Hook) { r.onRemoved = h }

func (r *Registry) Add(id transport.Identity, link *peer.Link) error {
	if link == nil {
		return ErrNilLink
	}
	if !link.Identity().Matches(id) {
		return fmt.Errorf("%w: %s vs %s", ErrIdentityMismatch, id, link.Identity())
	}
	if r.find(id) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	r.items[id.Key()] = link
	if r.onAdded != nil {
		r.onAdded(link)
	}
	return nil
}

// Remove is a no-op when id is absent.
func (r *Registry) Remove(id transport.Identity) (*peer.Link, bool) {
	link := r.find(id)
	if link == nil {
		return nil, false
	}
	delete(r.items, link.Identity().Key())
	if r.onRemoved != nil {
		r.onRemoved(link)
	}
	return link, true
}

func (r *Registry) Find(id transport.Identity) (*peer.Link, bool) {
	link := r.find(id)
	return link, link != nil
}

// find tries the key first, then falls back to Matches so an address-only
// identity still resolves a link registered with a guid.
func (r *Registry) find(id transport.Identity) *peer.Link {
	if id.IsZero() {
		return nil
	}
	if link, ok := r.items[id.Key()]; ok {
		return link
	}
	for _, link := range r.items {
		if link.Identity().Matches(id) {
			return link
		}
	}
	return nil
}

// All returns links in deterministic identity order.
func (r *Registry) All() []*peer.Link {
	out := make([]*peer.Link, 0, len(r.items))
	for _, link := range r.items {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().Key() < out[j].Identity().Key()
	})
	return out
}

func (r *Registry) Len() int {
	return len(r.items)
}

// Clear removes every link, running the removal hook for each.
func (r *Registry) Clear() {
	for _, link := range r.All() {
		delete(r.items, link.Identity().Key())
		if r.onRemoved != nil {
			r.onRemoved(link)
		}
	}
}
