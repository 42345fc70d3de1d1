package pipeline

import (
	"slices"
	"sync"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
)

// Registry maps chains to their running Pipeline instances. The admin API
// and the task handlers use it to route a request to the right chain.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[model.Chain]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[model.Chain]*Pipeline)}
}

// Register adds a pipeline, replacing any earlier one for the same chain.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	r.pipelines[p.cfg.Chain] = p
	r.mu.Unlock()
}

// Get returns the pipeline for the given chain, or nil if not found.
func (r *Registry) Get(c model.Chain) *Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[c]
}

// All returns every registered pipeline ordered by chain.
func (r *Registry) All() []*Pipeline {
	r.mu.RLock()
	out := make([]*Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Pipeline) int {
		switch {
		case a.cfg.Chain < b.cfg.Chain:
			return -1
		case a.cfg.Chain > b.cfg.Chain:
			return 1
		}
		return 0
	})
	return out
}
