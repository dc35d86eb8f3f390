// Package registry holds the coordinator's ground truth for which policies
// it believes are currently active at the authority, keyed by site and
// species. It is the single shared mutable structure in the coordinator:
// the outer site lookup is a map guarded by a read-write mutex, and each site carries its own
// mutex so a caller can serialize an entire reconciliation (get targets,
// plan, execute) against concurrent SiteVisits for that same site.
package registry

import (
	"sync"

	"github.com/pestctl/pestctl/internal/reconcile"
	"github.com/pestctl/pestctl/internal/wire"
)

// Site is one site's policy slice, plus the lock that serializes
// reconciliation against it. The lock is exported via Lock/Unlock rather
// than hidden behind the mutation methods because callers must hold it
// across the full get_targets → plan → execute sequence (spec.md §5), not
// just across individual registry calls.
type Site struct {
	mu      sync.Mutex
	entries map[string]reconcile.Entry
}

// Lock acquires the site's reconciliation lock. Callers must call Unlock,
// typically via defer, as soon as the reconciliation (successful or not) is
// finished.
func (s *Site) Lock() { s.mu.Lock() }

// Unlock releases the site's reconciliation lock.
func (s *Site) Unlock() { s.mu.Unlock() }

// Slice returns a snapshot copy of the site's current species → entry
// mapping. Must be called while the site is locked.
func (s *Site) Slice() map[string]reconcile.Entry {
	out := make(map[string]reconcile.Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Insert records that species is now under the given policy id and action.
// Must be called while the site is locked.
func (s *Site) Insert(species string, policyID uint32, action wire.Action) {
	s.entries[species] = reconcile.Entry{PolicyID: policyID, Action: action}
}

// Remove drops any policy entry for species. Must be called while the site
// is locked.
func (s *Site) Remove(species string) {
	delete(s.entries, species)
}

// Contains reports whether species currently has a policy entry. Must be
// called while the site is locked.
func (s *Site) Contains(species string) bool {
	_, ok := s.entries[species]
	return ok
}

// RemoveByPolicyID drops whichever species entry currently holds policyID,
// if any. Used when the authority rejects a delete for a policy id we
// believe exists — spec.md §4.C: such drift is logged and the entry is
// removed locally.
func (s *Site) RemoveByPolicyID(policyID uint32) (species string, ok bool) {
	for sp, e := range s.entries {
		if e.PolicyID == policyID {
			delete(s.entries, sp)
			return sp, true
		}
	}
	return "", false
}

// Registry maps SiteId → per-site policy slice. Entries are created lazily
// on first observation of a site (spec.md §3).
type Registry struct {
	mu    sync.RWMutex
	sites map[uint32]*Site
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sites: make(map[uint32]*Site)}
}

// Site returns the Site for the given id, creating it on first use.
func (r *Registry) Site(id uint32) *Site {
	r.mu.RLock()
	s, ok := r.sites[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sites[id]; ok {
		return s
	}
	s = &Site{entries: make(map[string]reconcile.Entry)}
	r.sites[id] = s
	return s
}
