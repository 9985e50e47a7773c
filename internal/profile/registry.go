package profile

import (
	"sort"
	"sync"

	"github.com/mbd888/geoanomaly/internal/syncutil"
)

// Registry is the authoritative in-memory user → profile mapping.
//
// Each user's profile is guarded by a keyed lock: Update holds it for the
// whole read-modify-write, so calls for the same user never interleave,
// while different users proceed independently. The map itself has its own
// lock that is only held for lookups and inserts.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*GeoProfile
	locks    syncutil.ShardedMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*GeoProfile)}
}

// Update runs fn on userID's profile, creating an empty one first if the user
// has not been seen. fn runs under the user's lock and must not retain p.
func (r *Registry) Update(userID string, fn func(p *GeoProfile)) {
	unlock := r.locks.Lock(userID)
	defer unlock()
	fn(r.getOrCreate(userID))
}

// View returns a deep copy of userID's profile.
func (r *Registry) View(userID string) (*GeoProfile, bool) {
	unlock := r.locks.RLock(userID)
	defer unlock()

	r.mu.RLock()
	p, ok := r.profiles[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Load installs p only if its user has no profile yet, reporting whether it
// did. Used when restoring persisted profiles next to live traffic.
func (r *Registry) Load(p *GeoProfile) bool {
	unlock := r.locks.Lock(p.UserID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.UserID]; ok {
		return false
	}
	r.profiles[p.UserID] = p
	return true
}

// Users returns the known user IDs in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		users = append(users, id)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Len returns the number of profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// Sweep calls fn for every profile, holding only that profile's lock while
// fn runs. Profiles created during the sweep may or may not be visited.
func (r *Registry) Sweep(fn func(p *GeoProfile)) int {
	visited := 0
	for _, userID := range r.Users() {
		unlock := r.locks.Lock(userID)
		r.mu.RLock()
		p, ok := r.profiles[userID]
		r.mu.RUnlock()
		if ok {
			fn(p)
			visited++
		}
		unlock()
	}
	return visited
}

func (r *Registry) getOrCreate(userID string) *GeoProfile {
	r.mu.RLock()
	p, ok := r.profiles[userID]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.profiles[userID]; ok {
		return p
	}
	p = New(userID)
	r.profiles[userID] = p
	return p
}
