package models

import (
	"fmt"
	"time"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/schema"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
)

// Resolver returns the variant of a persisted block name for a status.
type Resolver interface {
	Resolve(block string, status lifecycle.Status) (*schema.BlockType, bool)
}

// Block is one node below a subscription root. Owner is the subscription that
// created it; a block reached from another subscription's tree is foreign there.
type Block struct {
	Node
	ID    id.InstanceID
	Owner id.SubscriptionID
	Label string
}

// Subscription is the aggregate root. Its scalar fields are the product's fixed
// inputs; its child fields are the root blocks.
type Subscription struct {
	Node
	ID          id.SubscriptionID
	Product     schema.Product
	Status      lifecycle.Status
	Description string
	CustomerID  string
	Insync      bool
	Note        string
	StartDate   *time.Time
	EndDate     *time.Time
}

// Hydrate builds a Block around an existing identity. The loader and the
// transitioner use it; the caller fills fields.
func Hydrate(t *schema.BlockType, instanceID id.InstanceID, owner id.SubscriptionID, label string) *Block {
	return &Block{Node: newNode(t), ID: instanceID, Owner: owner, Label: label}
}

// HydrateSubscription builds an empty Subscription around an existing identity.
func HydrateSubscription(t *schema.BlockType, subID id.SubscriptionID, product schema.Product, status lifecycle.Status) *Subscription {
	return &Subscription{Node: newNode(t), ID: subID, Product: product, Status: status}
}

// NewBlock creates a block of type t owned by owner, with placeholder blocks in
// every required single child field, built recursively for status.
func NewBlock(t *schema.BlockType, owner id.SubscriptionID, status lifecycle.Status, types Resolver) (*Block, error) {
	b := Hydrate(t, id.NewInstanceID(), owner, "")
	if err := fillPlaceholders(&b.Node, owner, status, types, map[string]bool{t.Block: true}); err != nil {
		return nil, err
	}
	return b, nil
}

func fillPlaceholders(n *Node, owner id.SubscriptionID, status lifecycle.Status, types Resolver, path map[string]bool) error {
	for _, f := range schema.MustIntrospect(n.Type).Children {
		if !f.Required() {
			continue
		}
		name := f.Types[0]
		if path[name] {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "%s.%s requires itself", n.Type, f.Name)
		}
		t, ok := types.Resolve(name, status)
		if !ok {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "%s.%s: unknown block %s", n.Type, f.Name, name)
		}
		child := Hydrate(t, id.NewInstanceID(), owner, "")
		path[name] = true
		err := fillPlaceholders(&child.Node, owner, status, types, path)
		delete(path, name)
		if err != nil {
			return err
		}
		n.children[f.Name] = []*Block{child}
	}
	return nil
}

// NewSubscription creates a subscription of product in the initial status, with
// the product's fixed inputs set and placeholder root blocks built.
func NewSubscription(product schema.Product, customerID string, types Resolver) (*Subscription, error) {
	t, ok := types.Resolve(product.Type, lifecycle.Initial)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "product type %s not registered", product.Type)
	}
	if t.Kind != schema.KindProduct {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "%s is not a product type", t)
	}

	sub := HydrateSubscription(t, id.NewSubscriptionID(), product, lifecycle.Initial)
	sub.Description = product.Description
	sub.CustomerID = customerID
	if err := sub.SetFixedInputs(product.FixedInputs); err != nil {
		return nil, err
	}
	if err := fillPlaceholders(&sub.Node, sub.ID, lifecycle.Initial, types, map[string]bool{}); err != nil {
		return nil, err
	}
	return sub, nil
}

// SetFixedInputs parses persisted fixed input text into the root's scalar fields.
func (s *Subscription) SetFixedInputs(inputs map[string]string) error {
	fields := schema.MustIntrospect(s.Type)
	for name, text := range inputs {
		f, ok := fields.Scalar(name)
		if !ok {
			return dErrors.Newf(dErrors.CodeSchemaValidation, "%s has no fixed input %s", s.Type, name)
		}
		v, err := schema.Coerce(f.Kind, text)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeSchemaValidation, fmt.Sprintf("fixed input %s", name))
		}
		s.values[name] = v
	}
	return nil
}

// FixedInputs formats the root's scalar fields for the subscription row.
func (s *Subscription) FixedInputs() (map[string]string, error) {
	fields := schema.MustIntrospect(s.Type)
	out := make(map[string]string, len(s.values))
	for name, v := range s.values {
		f, ok := fields.Scalar(name)
		if !ok {
			return nil, dErrors.Newf(dErrors.CodeSchemaValidation, "%s has no fixed input %s", s.Type, name)
		}
		text, err := schema.Format(f.Kind, v)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeSchemaValidation, fmt.Sprintf("fixed input %s", name))
		}
		out[name] = text
	}
	return out, nil
}

// Blocks returns every block reachable from the root, depth first in field
// declaration order, each once.
func (s *Subscription) Blocks() []*Block {
	var out []*Block
	seen := map[id.InstanceID]bool{}
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, field := range n.ChildFields() {
			for _, b := range n.children[field] {
				if seen[b.ID] {
					continue
				}
				seen[b.ID] = true
				out = append(out, b)
				walk(&b.Node)
			}
		}
	}
	walk(&s.Node)
	return out
}

// Validate checks the root's fields and every reachable block against their types.
func (s *Subscription) Validate() error {
	if err := s.Node.Validate(); err != nil {
		return err
	}
	for _, b := range s.Blocks() {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}
