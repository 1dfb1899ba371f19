// Package registry maps a base block type and a lifecycle status to the variant
// that shapes blocks of that type in that status.
//
// Registration is explicit: cmd/server builds one Registry at startup from the
// schema catalog, tests build their own.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/schema"
)

// wildcard is the status key of a variant registered without states.
const wildcard lifecycle.Status = ""

type key struct {
	base   string
	status lifecycle.Status
}

// Registry is safe for concurrent use. Re-registering a (base, status) pair
// replaces the previous variant.
type Registry struct {
	mu       sync.RWMutex
	variants map[key]*schema.BlockType
	// bases indexes base types by persisted block name.
	bases map[string]*schema.BlockType
}

func New() *Registry {
	return &Registry{
		variants: make(map[key]*schema.BlockType),
		bases:    make(map[string]*schema.BlockType),
	}
}

// Register records concrete as the variant of base for every status in states,
// or for all statuses when states is empty. concrete must be base or narrow it.
func (r *Registry) Register(concrete, base *schema.BlockType, states ...lifecycle.Status) error {
	if concrete == nil || base == nil {
		return fmt.Errorf("register: nil block type")
	}
	if !concrete.Narrows(base) {
		return fmt.Errorf("register %s: does not extend %s", concrete.Name, base.Name)
	}
	fields, err := schema.Introspect(concrete)
	if err != nil {
		return fmt.Errorf("register %s: %w", concrete.Name, err)
	}
	if concrete.Kind == schema.KindProduct {
		// fixed inputs are persisted as one text value per field
		for _, f := range fields.Scalars {
			if f.List {
				return fmt.Errorf("register %s: fixed input %s cannot be a list", concrete.Name, f.Name)
			}
		}
	}
	for _, st := range states {
		if !st.IsValid() {
			return fmt.Errorf("register %s: invalid status %q", concrete.Name, st)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bases[base.Block] = base
	if len(states) == 0 {
		r.variants[key{base: base.Name, status: wildcard}] = concrete
		return nil
	}
	for _, st := range states {
		r.variants[key{base: base.Name, status: st}] = concrete
	}
	return nil
}

// RegisterCatalog registers every type in cat under the root of its Extends
// chain, for the statuses its Lifecycle lists.
func (r *Registry) RegisterCatalog(cat *schema.Catalog) error {
	for _, t := range cat.Types {
		if err := r.Register(t, t.Root(), t.Lifecycle...); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the variant of base for status: the exact registration, else the
// wildcard registration, else base itself. It never fails.
func (r *Registry) Lookup(base *schema.BlockType, status lifecycle.Status) *schema.BlockType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.variants[key{base: base.Name, status: status}]; ok {
		return t
	}
	if t, ok := r.variants[key{base: base.Name, status: wildcard}]; ok {
		return t
	}
	return base
}

// Base returns the base type of a persisted block name.
func (r *Registry) Base(block string) (*schema.BlockType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bases[block]
	return t, ok
}

// Resolve returns the variant for a persisted block name in status.
func (r *Registry) Resolve(block string, status lifecycle.Status) (*schema.BlockType, bool) {
	base, ok := r.Base(block)
	if !ok {
		return nil, false
	}
	return r.Lookup(base, status), true
}

// Validate checks that every child field of every registered variant references
// known blocks whose variants are valid for the states the parent variant is
// registered for.
func (r *Registry) Validate() error {
	r.mu.RLock()
	entries := make([]key, 0, len(r.variants))
	for k := range r.variants {
		entries = append(entries, k)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].base != entries[j].base {
			return entries[i].base < entries[j].base
		}
		return entries[i].status < entries[j].status
	})

	var problems []string
	for _, k := range entries {
		r.mu.RLock()
		parent := r.variants[k]
		r.mu.RUnlock()

		fields := schema.MustIntrospect(parent)
		for _, f := range fields.Children {
			for _, member := range f.Types {
				base, ok := r.Base(member)
				if !ok {
					problems = append(problems, fmt.Sprintf("%s.%s: unknown block %s", parent.Name, f.Name, member))
					continue
				}
				if k.status == wildcard {
					continue
				}
				if child := r.Lookup(base, k.status); !child.ValidFor(k.status) {
					problems = append(problems, fmt.Sprintf("%s.%s: %s has no variant for %s", parent.Name, f.Name, member, k.status))
				}
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid registry: %s", strings.Join(problems, "; "))
	}
	return nil
}
