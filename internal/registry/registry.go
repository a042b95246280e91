// Package registry owns the live ceremony-id -> ceremony map, and the
// background reaper that sweeps entries older than the ceremony TTL
// (SPEC_FULL.md §4.3). It is constructed once at boot and passed by
// reference to the dispatcher; it never exists as an ambient singleton.
package registry

import (
	"sync"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// record pairs a live ceremony with its creation time, so the reaper can
// evaluate age without taking the ceremony's own lock.
type record struct {
	c         *ceremony.Ceremony
	createdAt time.Time
}

// Registry is the process-wide map of ceremony-id -> (ceremony, creation
// time). All mutations happen under a write lock; reads take a read lock
// and release it immediately, never holding it across a ceremony call
// (SPEC_FULL.md §4.3/§5).
type Registry struct {
	mu  sync.RWMutex
	log *logging.Logger

	entries map[string]*record
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		log:     logging.GetDefault().Component("registry"),
		entries: make(map[string]*record),
	}
}

// Insert adds a newly constructed ceremony under its id. Rejected with
// ceremony.ErrAlreadyExists if an entry for the id is already live.
func (r *Registry) Insert(id ceremony.CeremonyId, c *ceremony.Ceremony) error {
	key := id.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return ceremony.ErrAlreadyExists
	}
	r.entries[key] = &record{c: c, createdAt: c.CreatedAt()}
	r.log.Info("ceremony registered", "ceremony_id", key)
	return nil
}

// Get returns the live ceremony for id, or nil if none exists.
func (r *Registry) Get(id ceremony.CeremonyId) *ceremony.Ceremony {
	key := id.Key()

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entries[key]
	if !ok {
		return nil
	}
	return rec.c
}

// Remove deletes the entry for id, if any. Safe to call on an id that is
// already absent (KillCeremony idempotence, TESTABLE PROPERTIES #4).
func (r *Registry) Remove(id ceremony.CeremonyId) {
	key := id.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		delete(r.entries, key)
		r.log.Info("ceremony removed", "ceremony_id", key)
	}
}

// Len returns the number of live ceremonies, for the
// musig2_registry_active_ceremonies gauge (SPEC_FULL.md §10.2).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep removes every entry older than ttl and returns the TimedOut event
// produced by each (SPEC_FULL.md §4.6), so the caller can both hand it to
// EventFanout for encrypted delivery to the original requester and record
// metrics/audit-ledger bookkeeping. The ceremony lock is taken only to force
// the expiry transition, never held across a network call.
func (r *Registry) Sweep(ttl time.Duration) []ceremony.Event {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []ceremony.Event
	for key, rec := range r.entries {
		if now.Sub(rec.createdAt) > ttl {
			delete(r.entries, key)
			expired = append(expired, rec.c.ForceExpire()...)
		}
	}
	if len(expired) > 0 {
		r.log.Debug("reaper swept expired ceremonies", "count", len(expired))
	}
	return expired
}
