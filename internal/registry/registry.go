// Package registry implements the association registry (spec §3, §6):
// the process-wide, read-mostly `atype -> atype'` inverse map consulted by
// assoc_add/assoc_delete to decide whether a write is one WAL step or two.
// Structurally it is a narrowed ShardRegistry
// (johnjansen-torua/internal/coordinator): an RWMutex-guarded map with
// copy-on-return reads, generalized from shard assignments to inverse-type
// pairs and the involution invariant spec §3 requires.
package registry

import (
	"fmt"
	"sync"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// Registry is the runtime association-type registry. The zero value is not
// usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	inverse map[string]string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{inverse: make(map[string]string)}
}

// Register declares atype and its inverse as a pair, enforcing the
// involution invariant (spec §3: "if f(a)=b then f(b)=a") by writing both
// directions atomically. Pass the same value twice for a self-inverse type
// such as "friends".
func (r *Registry) Register(atype, inverseAtype string) error {
	if atype == "" || inverseAtype == "" {
		return fmt.Errorf("registry: empty association type: %w", model.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.inverse[atype]; ok && existing != inverseAtype {
		return fmt.Errorf("registry: %q already registered with inverse %q, cannot rebind to %q: %w",
			atype, existing, inverseAtype, model.ErrConflict)
	}
	if existing, ok := r.inverse[inverseAtype]; ok && existing != atype {
		return fmt.Errorf("registry: %q already registered with inverse %q, cannot rebind to %q: %w",
			inverseAtype, existing, atype, model.ErrConflict)
	}
	r.inverse[atype] = inverseAtype
	r.inverse[inverseAtype] = atype
	return nil
}

// InverseOf returns the registered inverse of atype, or ("", false) if
// atype has no declared inverse — spec §6's `inverse_of(atype) ->
// optional<atype>`.
func (r *Registry) InverseOf(atype string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.inverse[atype]
	return inv, ok
}

// IsSelfInverse reports whether atype is registered as its own inverse
// (e.g. "friends"), the case spec §9 calls out as emitting a single WAL
// step instead of two when id1 == id2.
func (r *Registry) IsSelfInverse(atype string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inverse[atype] == atype
}

// All returns a snapshot of every registered (atype, inverse) pair.
func (r *Registry) All() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.inverse))
	for k, v := range r.inverse {
		out[k] = v
	}
	return out
}
