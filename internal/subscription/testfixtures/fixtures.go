// Package testfixtures builds the network schema used across the subscription
// engine tests: nodes, ports and links, with products for each.
package testfixtures

import (
	_ "embed"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
)

//go:embed network.hcl
var networkSchema []byte

// Product refs declared in network.hcl.
const (
	Port10G  = "port-10g"
	Port100G = "port-100g"
	Link     = "link"
)

type Fixture struct {
	Catalog  *schema.Catalog
	Registry *registry.Registry
	Products *registry.Products
}

// Load parses the embedded schema and registers every variant.
func Load() (*Fixture, error) {
	cat, err := schema.LoadSource("network.hcl", networkSchema)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	if err := reg.RegisterCatalog(cat); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if err := reg.CheckProducts(cat.Products); err != nil {
		return nil, err
	}
	return &Fixture{Catalog: cat, Registry: reg, Products: registry.NewProducts(cat.Products...)}, nil
}

// MustLoad is Load for tests.
func MustLoad(t testing.TB) *Fixture {
	t.Helper()
	f, err := Load()
	require.NoError(t, err)
	return f
}

// Type returns a variant by name and panics when the schema lacks it.
func (f *Fixture) Type(name string) *schema.BlockType {
	t, ok := f.Catalog.Type(name)
	if !ok {
		panic(fmt.Sprintf("testfixtures: no block type %s", name))
	}
	return t
}

// Product returns a product by ref and panics when the schema lacks it.
func (f *Fixture) Product(ref string) schema.Product {
	for _, p := range f.Catalog.Products {
		if p.Ref == ref {
			return p
		}
	}
	panic(fmt.Sprintf("testfixtures: no product %s", ref))
}
