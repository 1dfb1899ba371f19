// Package models holds the in-memory subscription tree: a Subscription root and
// the Blocks nested below it. Field values are kept in canonical form keyed by the
// field names of the node's schema type.
package models

import (
	"fmt"

	"orchestrator/internal/subscription/schema"
)

// Node is the typed field storage shared by Block and Subscription.
type Node struct {
	Type     *schema.BlockType
	values   map[string]any
	children map[string][]*Block
}

func newNode(t *schema.BlockType) Node {
	return Node{Type: t, values: map[string]any{}, children: map[string][]*Block{}}
}

// Get returns a scalar value, nil when unset.
func (n *Node) Get(field string) any {
	return n.values[field]
}

// Set stores a scalar value after normalizing it to its canonical type. A nil
// value unsets the field; list fields take a slice of element values.
func (n *Node) Set(field string, v any) error {
	f, ok := schema.MustIntrospect(n.Type).Scalar(field)
	if !ok {
		return fmt.Errorf("%s has no scalar field %s", n.Type, field)
	}
	if v == nil {
		delete(n.values, field)
		return nil
	}
	if !f.List {
		norm, err := schema.Normalize(f.Kind, v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", n.Type, field, err)
		}
		n.values[field] = norm
		return nil
	}
	items, err := toList(v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", n.Type, field, err)
	}
	if len(items) == 0 {
		delete(n.values, field)
		return nil
	}
	list := make([]any, len(items))
	for i, item := range items {
		norm, err := schema.Normalize(f.Kind, item)
		if err != nil {
			return fmt.Errorf("%s.%s[%d]: %w", n.Type, field, i, err)
		}
		list[i] = norm
	}
	n.values[field] = list
	return nil
}

func toList(v any) ([]any, error) {
	switch items := v.(type) {
	case []any:
		return items, nil
	case []string:
		return anySlice(items), nil
	case []int:
		return anySlice(items), nil
	case []int64:
		return anySlice(items), nil
	case []float64:
		return anySlice(items), nil
	case []bool:
		return anySlice(items), nil
	}
	return nil, fmt.Errorf("%T is not a list", v)
}

func anySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// Values returns a copy of the set scalar values.
func (n *Node) Values() map[string]any {
	out := make(map[string]any, len(n.values))
	for k, v := range n.values {
		out[k] = v
	}
	return out
}

// Child returns the block in a single-valued child field.
func (n *Node) Child(field string) *Block {
	if c := n.children[field]; len(c) > 0 {
		return c[0]
	}
	return nil
}

// Children returns the blocks in a child field in order.
func (n *Node) Children(field string) []*Block {
	return append([]*Block(nil), n.children[field]...)
}

// SetChild fills a single-valued child field; nil clears it.
func (n *Node) SetChild(field string, b *Block) error {
	f, ok := schema.MustIntrospect(n.Type).Child(field)
	if !ok {
		return fmt.Errorf("%s has no child field %s", n.Type, field)
	}
	if f.List {
		return fmt.Errorf("%s.%s is a list", n.Type, field)
	}
	if b == nil {
		delete(n.children, field)
		return nil
	}
	n.children[field] = []*Block{b}
	return nil
}

// SetChildren replaces the blocks of a list child field.
func (n *Node) SetChildren(field string, blocks []*Block) error {
	f, ok := schema.MustIntrospect(n.Type).Child(field)
	if !ok {
		return fmt.Errorf("%s has no child field %s", n.Type, field)
	}
	if !f.List {
		return fmt.Errorf("%s.%s is not a list", n.Type, field)
	}
	if len(blocks) == 0 {
		delete(n.children, field)
		return nil
	}
	n.children[field] = append([]*Block(nil), blocks...)
	return nil
}

// Validate checks the node's fields against its type.
func (n *Node) Validate() error {
	names := make(map[string][]string, len(n.children))
	for field, blocks := range n.children {
		for _, b := range blocks {
			names[field] = append(names[field], b.Type.Block)
		}
	}
	return schema.Validate(n.Type, n.values, names)
}

// ChildFields lists the child fields that hold at least one block, in
// declaration order.
func (n *Node) ChildFields() []string {
	var out []string
	for _, f := range schema.MustIntrospect(n.Type).Children {
		if len(n.children[f.Name]) > 0 {
			out = append(out, f.Name)
		}
	}
	return out
}

// SetValues stores already-canonical scalar values without normalizing them.
// Loaders use it so Validate sees exactly what storage held.
func (n *Node) SetValues(values map[string]any) {
	n.values = make(map[string]any, len(values))
	for k, v := range values {
		n.values[k] = v
	}
}

// SetChildMap replaces every child field at once.
func (n *Node) SetChildMap(children map[string][]*Block) {
	n.children = make(map[string][]*Block, len(children))
	for k, v := range children {
		if len(v) > 0 {
			n.children[k] = append([]*Block(nil), v...)
		}
	}
}
