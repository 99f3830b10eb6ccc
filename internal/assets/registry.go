// Package assets maintains the inventory of monitored OT assets.
package assets

import (
	"sync"
	"time"
)

// Asset is a monitored device on the OT network.
type Asset struct {
	IP       string `json:"ip" validate:"required,ip"`
	Name     string `json:"name" validate:"required"`
	Zone     string `json:"zone,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Critical bool   `json:"critical,omitempty"`
}

// Registry is an in-memory asset inventory keyed by IP address. It is
// replaced wholesale on refresh and read concurrently by enrichment.
type Registry struct {
	mu        sync.RWMutex
	byIP      map[string]Asset
	refreshed time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byIP: make(map[string]Asset)}
}

// Replace swaps the full inventory. Partial updates are not supported:
// the refresh source is authoritative.
func (r *Registry) Replace(assets []Asset) {
	next := make(map[string]Asset, len(assets))
	for _, a := range assets {
		if a.IP == "" {
			continue
		}
		next[a.IP] = a
	}

	r.mu.Lock()
	r.byIP = next
	r.refreshed = time.Now().UTC()
	r.mu.Unlock()
}

// Lookup returns the asset registered at the given IP.
func (r *Registry) Lookup(ip string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byIP[ip]
	return a, ok
}

// NameFor returns the display name for an IP, or the empty string when
// the IP is unknown.
func (r *Registry) NameFor(ip string) string {
	a, ok := r.Lookup(ip)
	if !ok {
		return ""
	}
	return a.Name
}

// Snapshot returns a copy of the current inventory.
func (r *Registry) Snapshot() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Asset, 0, len(r.byIP))
	for _, a := range r.byIP {
		out = append(out, a)
	}
	return out
}

// Len returns the number of registered assets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP)
}

// RefreshedAt returns when the inventory was last replaced.
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshed
}
