// Package schema describes block and product types and classifies their fields.
//
// A BlockType is an explicit descriptor: it lists each field with a type expression
// instead of relying on reflection over Go struct tags. Lifecycle variants of one
// block share the persisted Block name and are chained through Extends, stricter
// variants extending looser ones.
package schema

import (
	"orchestrator/internal/subscription/lifecycle"
)

// Kind separates aggregate roots from nested blocks.
type Kind string

const (
	KindBlock   Kind = "block"
	KindProduct Kind = "product"
)

// FieldDecl declares one field. Type is a type expression, see Introspect.
type FieldDecl struct {
	Name string
	Type string
}

// BlockType is the static schema for one lifecycle variant of a block or product.
type BlockType struct {
	// Name identifies the variant, e.g. "PortBlockProvisioning".
	Name string
	// Block is the persisted type name shared by every variant of this block.
	Block string
	Kind  Kind
	// Lifecycle lists the states this variant is valid for; empty means all.
	Lifecycle []lifecycle.Status
	// Extends is the looser variant this one narrows. Its fields are inherited.
	Extends *BlockType
	Fields  []FieldDecl
}

// Root returns the loosest variant in the Extends chain. The registry keys
// variants by their root.
func (t *BlockType) Root() *BlockType {
	root := t
	for root.Extends != nil {
		root = root.Extends
	}
	return root
}

// ValidFor reports whether this variant may be used for status.
func (t *BlockType) ValidFor(status lifecycle.Status) bool {
	if len(t.Lifecycle) == 0 {
		return true
	}
	for _, st := range t.Lifecycle {
		if st == status {
			return true
		}
	}
	return false
}

// Narrows reports whether t is other or a stricter descendant of other.
func (t *BlockType) Narrows(other *BlockType) bool {
	for cur := t; cur != nil; cur = cur.Extends {
		if cur == other {
			return true
		}
	}
	return false
}

func (t *BlockType) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// Product is a sellable product definition: it names the product type whose
// variants shape subscriptions of this product and the fixed input values every
// such subscription starts with.
type Product struct {
	Ref         string
	Type        string
	Tag         string
	Description string
	FixedInputs map[string]string
}
