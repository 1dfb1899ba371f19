package registry

import (
	"context"
	"fmt"
	"sync"

	"orchestrator/internal/subscription/schema"
	"orchestrator/pkg/platform/sentinel"
)

// Products is an in-memory product catalog.
type Products struct {
	mu    sync.RWMutex
	byRef map[string]schema.Product
}

func NewProducts(products ...schema.Product) *Products {
	p := &Products{byRef: make(map[string]schema.Product)}
	for _, prod := range products {
		p.byRef[prod.Ref] = prod
	}
	return p
}

// Put adds or replaces a product.
func (p *Products) Put(prod schema.Product) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byRef[prod.Ref] = prod
}

// GetProduct returns sentinel.ErrNotFound for unknown refs.
func (p *Products) GetProduct(_ context.Context, ref string) (schema.Product, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prod, ok := p.byRef[ref]
	if !ok {
		return schema.Product{}, fmt.Errorf("product %s: %w", ref, sentinel.ErrNotFound)
	}
	return prod, nil
}

// CheckProducts verifies every product names a registered product block.
func (r *Registry) CheckProducts(products []schema.Product) error {
	for _, prod := range products {
		base, ok := r.Base(prod.Type)
		if !ok {
			return fmt.Errorf("product %s: unknown type %s", prod.Ref, prod.Type)
		}
		if base.Kind != schema.KindProduct {
			return fmt.Errorf("product %s: %s is not a product type", prod.Ref, prod.Type)
		}
	}
	return nil
}
