package relay

import (
	"sort"
	"sync"
)

// Registry tracks live relays for the status endpoint.
type Registry struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRegistry() *Registry {
	return &Registry{relays: map[string]*Relay{}}
}

func (g *Registry) Add(r *Relay) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relays[r.ID()] = r
}

func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.relays, id)
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relays)
}

// List returns a status snapshot of every live relay, oldest first.
func (g *Registry) List() []Status {
	g.mu.RLock()
	out := make([]Status, 0, len(g.relays))
	for _, r := range g.relays {
		out = append(out, r.Status())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
