package server

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Peer is a live connection the registry can route frames to.
type Peer interface {
	ID() uuid.UUID
	Send(frame []byte) error
	Close() error
}

// Policy decides what happens when an identity that already has an entry registers again.
type Policy int

const (
	// Reject refuses the newcomer and leaves the existing entry untouched.
	Reject Policy = iota
	// Supersede replaces the existing entry; the caller closes the evicted peer.
	Supersede
)

func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "reject", "":
		return Reject, true
	case "supersede":
		return Supersede, true
	}
	return Reject, false
}

func (p Policy) String() string {
	if p == Supersede {
		return "supersede"
	}
	return "reject"
}

type registryEntry struct {
	peer   Peer
	active bool
}

// Registry maps identities to their single live connection.
//
// A registered entry is routable straight away but stays out of Snapshot until
// Activate, so presence lists only name fully joined users.
type Registry struct {
	mu      sync.RWMutex
	policy  Policy
	entries map[string]*registryEntry
}

func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:  policy,
		entries: make(map[string]*registryEntry),
	}
}

// Register adds identity -> p. ok is false when the identity is taken and the
// policy is Reject. Under Supersede the displaced peer is returned.
func (r *Registry) Register(identity string, p Peer) (evicted Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[identity]; exists {
		if r.policy == Reject {
			return nil, false
		}
		evicted = e.peer
	}
	r.entries[identity] = &registryEntry{peer: p}
	return evicted, true
}

// Activate marks the entry as joined. It reports false if p no longer owns identity.
func (r *Registry) Activate(identity string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.peer.ID() != p.ID() {
		return false
	}
	e.active = true
	return true
}

// Deregister removes identity only while it still belongs to p, so a handler
// whose connection was superseded cannot remove its successor. Removing an
// absent entry is a no-op returning false.
func (r *Registry) Deregister(identity string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.peer.ID() != p.ID() {
		return false
	}
	delete(r.entries, identity)
	return true
}

func (r *Registry) Lookup(identity string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Snapshot returns the sorted identities of all active entries.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	identities := make([]string, 0, len(r.entries))
	for identity, e := range r.entries {
		if e.active {
			identities = append(identities, identity)
		}
	}
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}

// Peers copies the current membership for delivery outside the lock.
// A nil exclude keeps everyone.
func (r *Registry) Peers(exclude Peer) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.entries))
	for _, e := range r.entries {
		if exclude != nil && e.peer.ID() == exclude.ID() {
			continue
		}
		peers = append(peers, e.peer)
	}
	return peers
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
