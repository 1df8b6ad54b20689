package capability

import "sync"

// GenTable is a minimal generation authority: a map from object base
// to its current generation counter. It satisfies both GenerationSource
// and Revocable, and is the building block DSM pages, IPC endpoints,
// and persistent mappings each embed or wrap with their own richer
// state.
type GenTable struct {
	mu sync.RWMutex
	gen map[uint64]uint64
}

// NewGenTable constructs an empty generation table.
func NewGenTable() *GenTable {
	return &GenTable{gen: make(map[uint64]uint64)}
}

// Allocate registers base at generation 1 and returns it. Allocating an
// already-registered base is a no-op that returns the existing
// generation.
func (g *GenTable) Allocate(base uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok:= g.gen[base]; ok {
		return v
	}
	g.gen[base] = 1
	return 1
}

// CurrentGeneration implements GenerationSource.
func (g *GenTable) CurrentGeneration(base uint64) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok:= g.gen[base]
	return v, ok
}

// Revoke implements Revocable: bumps base's generation by one.
func (g *GenTable) Revoke(base uint64) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok:= g.gen[base]
	if !ok {
		return 0, false
	}
	v++
	g.gen[base] = v
	return v, true
}

// Forget removes base from the table entirely (used by free()-style
// operations where even a revoked-but-present entry should stop
// existing).
func (g *GenTable) Forget(base uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.gen, base)
}
