// Package registry implements the process-wide, immutable-after-startup
// provider registry: a name/alias to factory map with health
// aggregation backing the REST discovery endpoints.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/square-key-labs/waav/src/providers"
)

type entry struct {
	descriptor providers.Descriptor
	open       providers.OpenFunc
	counters   providers.Counters
	aliases    []string
}

// Registry maps provider id/alias to its open function and descriptor.
// Registration happens during startup wiring (cmd/gateway/main.go);
// after Freeze is called, the map is never mutated again.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	frozen  bool

	tickerStop chan struct{}
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a provider under its id and any aliases. Panics if
// called after Freeze - that would violate the immutable-after-startup
// invariant and is a programmer error, not a runtime condition.
func (r *Registry) Register(desc providers.Descriptor, open providers.OpenFunc, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("registry: Register called after Freeze")
	}
	e := &entry{descriptor: desc, open: open, aliases: aliases}
	r.entries[desc.ID] = e
	for _, alias := range aliases {
		r.entries[alias] = e
	}
}

// Freeze marks the registry read-only and starts the background health
// ticker (30s, rotating each provider's rolling 5-minute error-rate
// window one bucket at a time).
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.tickerStop = make(chan struct{})
	r.mu.Unlock()
	go r.healthLoop()
}

// Shutdown stops the background health ticker. Safe to call even if
// Freeze was never called.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	stop := r.tickerStop
	r.mu.RUnlock()
	if stop != nil {
		close(stop)
	}
}

// healthLoop rotates every registered provider's Counters ring forward
// by one bucket every 30s. This is a rolling window, not a periodic
// wipe: Health() keeps summing across all buckets currently in the
// ring, so a provider's reported health reflects its trailing 5-minute
// error rate (§4.3) rather than resetting to "idle/healthy" every tick.
func (r *Registry) healthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.tickerStop:
			return
		case <-ticker.C:
			r.mu.Lock()
			seen := make(map[*entry]bool)
			for _, e := range r.entries {
				if seen[e] {
					continue
				}
				seen[e] = true
				e.counters.Advance()
			}
			r.mu.Unlock()
		}
	}
}

// Open resolves id (name or alias) and returns its OpenFunc and a copy
// of its descriptor; the caller invokes the OpenFunc.
func (r *Registry) Open(id string) (providers.OpenFunc, *providers.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, fmt.Errorf("registry: unknown provider %q", id)
	}
	d := e.descriptor
	return e.open, &d, nil
}

// RecordCall records one call outcome against id's rolling counters.
func (r *Registry) RecordCall(id string, isErr bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		e.counters.RecordCall(isErr)
	}
}

// Health reports the current aggregated health of id.
func (r *Registry) Health(id string) providers.Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return providers.HealthUnhealthy
	}
	return e.counters.Health()
}

// List returns descriptors for every registered provider (by primary id
// only, aliases collapsed), optionally filtered by category, language,
// or feature.
type ListFilter struct {
	Category *providers.Category
	Language string
	Feature  string
	Model    string
}

func (r *Registry) List(filter ListFilter) []providers.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []providers.Descriptor
	for id, e := range r.entries {
		if id != e.descriptor.ID {
			continue // skip alias entries, descriptor already listed under its id
		}
		if seen[e.descriptor.ID] {
			continue
		}
		seen[e.descriptor.ID] = true

		if filter.Category != nil && e.descriptor.Category != *filter.Category {
			continue
		}
		if filter.Language != "" && !contains(e.descriptor.Languages, filter.Language) {
			continue
		}
		if filter.Feature != "" && !contains(e.descriptor.Features, filter.Feature) {
			continue
		}
		if filter.Model != "" && !contains(e.descriptor.Models, filter.Model) {
			continue
		}
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the descriptor for a single id, or false if unknown.
func (r *Registry) Get(id string) (providers.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return providers.Descriptor{}, false
	}
	return e.descriptor, true
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
