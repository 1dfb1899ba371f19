// Package saver persists subscription trees.
//
// A save writes the subscription row and every block the subscription owns,
// rewrites each written node's outgoing edges, and deletes owned blocks that are
// no longer reachable. Blocks owned by another subscription are linked to but
// never written.
package saver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
	"orchestrator/pkg/platform/sentinel"
)

// Writer is the part of the store the saver uses.
type Writer interface {
	UpsertSubscription(ctx context.Context, row store.SubscriptionRow) error
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*store.InstanceRow, error)
	UpsertInstance(ctx context.Context, row store.InstanceRow) error
	ListOwnedInstances(ctx context.Context, owner id.SubscriptionID) ([]store.InstanceRow, error)
	DeleteInstances(ctx context.Context, ids []id.InstanceID) error
	ListValues(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error)
	UpsertValues(ctx context.Context, rows []store.ValueRow) error
	DeleteValues(ctx context.Context, ids []uuid.UUID) error
	ListParentRelations(ctx context.Context, childID id.InstanceID) ([]store.RelationRow, error)
	ReplaceChildRelations(ctx context.Context, parentID id.InstanceID, rels []store.RelationRow) error
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RowsWritten reports what a save touched.
type RowsWritten struct {
	// Instances holds every instance row written or linked, foreign rows as
	// they already were.
	Instances []store.InstanceRow
	// Children maps each root field to the ids of the blocks it links.
	Children map[string][]id.InstanceID
	// Deleted holds the owned instances removed as unreachable.
	Deleted []id.InstanceID
}

type Saver struct {
	writer Writer
	types  *registry.Registry
	logger *slog.Logger
}

type Option func(*Saver)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Saver) {
		s.logger = logger
	}
}

func New(writer Writer, types *registry.Registry, opts ...Option) *Saver {
	s := &Saver{writer: writer, types: types, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveSubscription persists sub and its owned tree in one transaction.
//
// Errors: CodeDuplicateInstanceLink (nothing written), CodeForeignRootInstance,
// CodeInvalidLifecycleType, CodeSchemaValidation, CodeInvariantViolation when an
// unreachable owned block is still linked from elsewhere.
func (s *Saver) SaveSubscription(ctx context.Context, sub *models.Subscription) (*RowsWritten, error) {
	if err := checkDuplicates(sub); err != nil {
		return nil, err
	}
	if err := s.checkLifecycle(sub.Type, sub.Status); err != nil {
		return nil, err
	}
	if err := sub.Node.Validate(); err != nil {
		return nil, err
	}
	inputs, err := sub.FixedInputs()
	if err != nil {
		return nil, err
	}

	var written *RowsWritten
	err = s.writer.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.writer.UpsertSubscription(ctx, store.SubscriptionRow{
			ID:          sub.ID,
			ProductRef:  sub.Product.Ref,
			Status:      sub.Status,
			Description: sub.Description,
			CustomerID:  sub.CustomerID,
			Insync:      sub.Insync,
			Note:        sub.Note,
			StartDate:   sub.StartDate,
			EndDate:     sub.EndDate,
			FixedInputs: inputs,
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write subscription")
		}

		op := &saveOp{s: s, sub: sub, saved: map[id.InstanceID]savedNode{}, path: map[id.InstanceID]bool{}}
		rels, children, err := op.saveChildren(ctx, &sub.Node, sub.ID.AsParent(), true)
		if err != nil {
			return err
		}
		if err := s.writer.ReplaceChildRelations(ctx, sub.ID.AsParent(), rels); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write root relations")
		}
		deleted, err := op.collectGarbage(ctx)
		if err != nil {
			return err
		}
		written = &RowsWritten{Instances: op.rows, Children: children, Deleted: deleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// checkLifecycle requires t to be the registry variant for status or a stricter
// variant extending it.
func (s *Saver) checkLifecycle(t *schema.BlockType, status lifecycle.Status) error {
	expected, ok := s.types.Resolve(t.Block, status)
	if !ok {
		return dErrors.Newf(dErrors.CodeInvalidLifecycleType, "block %s is not registered", t.Block)
	}
	if !t.Narrows(expected) {
		return dErrors.Newf(dErrors.CodeInvalidLifecycleType, "%s is not valid for %s, expected %s", t, status, expected)
	}
	return nil
}

// checkDuplicates fails when a node links the same instance under more than one
// field path. It runs before anything is written.
func checkDuplicates(sub *models.Subscription) error {
	visited := map[id.InstanceID]bool{}
	var walk func(n *models.Node) error
	walk = func(n *models.Node) error {
		seen := map[id.InstanceID]string{}
		var next []*models.Block
		for _, f := range schema.MustIntrospect(n.Type).Children {
			for i, child := range n.Children(f.Name) {
				path := f.Name
				if f.List {
					path = fmt.Sprintf("%s[%d]", f.Name, i)
				}
				if prev, dup := seen[child.ID]; dup {
					return dErrors.Newf(dErrors.CodeDuplicateInstanceLink,
						"%s links instance %s as %s and %s", n.Type, child.ID, prev, path)
				}
				seen[child.ID] = path
				if !visited[child.ID] {
					visited[child.ID] = true
					next = append(next, child)
				}
			}
		}
		for _, child := range next {
			if err := walk(&child.Node); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(&sub.Node)
}

type savedNode struct {
	row     store.InstanceRow
	foreign bool
}

// saveOp is the state of one save.
type saveOp struct {
	s     *Saver
	sub   *models.Subscription
	saved map[id.InstanceID]savedNode
	path  map[id.InstanceID]bool
	rows  []store.InstanceRow
	stale []uuid.UUID
}

// saveChildren writes every child of n in field declaration order and returns
// the edges n should have.
func (op *saveOp) saveChildren(ctx context.Context, n *models.Node, parentID id.InstanceID, root bool) ([]store.RelationRow, map[string][]id.InstanceID, error) {
	var rels []store.RelationRow
	linked := map[string][]id.InstanceID{}
	for _, f := range schema.MustIntrospect(n.Type).Children {
		for i, child := range n.Children(f.Name) {
			node, err := op.saveBlock(ctx, child)
			if err != nil {
				return nil, nil, err
			}
			if root && node.foreign {
				return nil, nil, dErrors.Newf(dErrors.CodeForeignRootInstance,
					"%s.%s links instance %s owned by subscription %s", n.Type, f.Name, child.ID, node.row.OwnerID)
			}
			rel := store.RelationRow{ParentID: parentID, ChildID: child.ID, Tag: f.Name}
			if f.List {
				index := i
				rel.Index = &index
			}
			rels = append(rels, rel)
			linked[f.Name] = append(linked[f.Name], child.ID)
		}
	}
	return rels, linked, nil
}

func (op *saveOp) saveBlock(ctx context.Context, b *models.Block) (savedNode, error) {
	if node, ok := op.saved[b.ID]; ok {
		return node, nil
	}
	if op.path[b.ID] {
		return savedNode{}, dErrors.Newf(dErrors.CodeInvariantViolation, "instance %s links to itself", b.ID)
	}
	op.path[b.ID] = true
	defer delete(op.path, b.ID)

	w := op.s.writer
	existing, err := w.GetInstance(ctx, b.ID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		existing = nil
	case err != nil:
		return savedNode{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read instance")
	}
	if existing != nil && existing.OwnerID != op.sub.ID {
		node := savedNode{row: *existing, foreign: true}
		op.remember(b.ID, node)
		return node, nil
	}

	if err := op.s.checkLifecycle(b.Type, op.sub.Status); err != nil {
		return savedNode{}, err
	}
	if err := b.Validate(); err != nil {
		return savedNode{}, err
	}

	b.Owner = op.sub.ID
	row := store.InstanceRow{ID: b.ID, TypeName: b.Type.Block, OwnerID: op.sub.ID, Label: b.Label}
	if err := w.UpsertInstance(ctx, row); err != nil {
		return savedNode{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write instance")
	}
	if err := op.saveValues(ctx, b); err != nil {
		return savedNode{}, err
	}

	rels, _, err := op.saveChildren(ctx, &b.Node, b.ID, false)
	if err != nil {
		return savedNode{}, err
	}
	if err := w.ReplaceChildRelations(ctx, b.ID, rels); err != nil {
		return savedNode{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write relations")
	}

	node := savedNode{row: row}
	op.remember(b.ID, node)
	return node, nil
}

func (op *saveOp) remember(instanceID id.InstanceID, node savedNode) {
	op.saved[instanceID] = node
	op.rows = append(op.rows, node.row)
}

type valueKey struct {
	field string
	index int
}

// saveValues updates value rows in place by (field, index) and inserts new ones.
// Rows for values no longer set are left for collectGarbage.
func (op *saveOp) saveValues(ctx context.Context, b *models.Block) error {
	w := op.s.writer
	current, err := w.ListValues(ctx, b.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read values")
	}
	existing := make(map[valueKey]store.ValueRow, len(current))
	for _, row := range current {
		existing[valueKey{field: row.Field, index: indexKey(row.Index)}] = row
	}

	fields := schema.MustIntrospect(b.Type)
	var upserts []store.ValueRow
	keep := map[uuid.UUID]bool{}
	add := func(f schema.ScalarField, v any, index *int) error {
		text, err := schema.Format(f.Kind, v)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeSchemaValidation, b.Type.Name+"."+f.Name)
		}
		row := store.ValueRow{ID: uuid.New(), InstanceID: b.ID, Field: f.Name, Value: text, Index: index}
		if prev, ok := existing[valueKey{field: f.Name, index: indexKey(index)}]; ok {
			row.ID = prev.ID
			keep[prev.ID] = true
			if prev.Value == text {
				return nil
			}
		}
		upserts = append(upserts, row)
		return nil
	}
	for _, f := range fields.Scalars {
		v := b.Get(f.Name)
		if v == nil {
			continue
		}
		if !f.List {
			if err := add(f, v, nil); err != nil {
				return err
			}
			continue
		}
		for i, item := range v.([]any) {
			index := i
			if err := add(f, item, &index); err != nil {
				return err
			}
		}
	}

	for _, row := range current {
		if !keep[row.ID] {
			op.stale = append(op.stale, row.ID)
		}
	}
	if len(upserts) > 0 {
		if err := w.UpsertValues(ctx, upserts); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write values")
		}
	}
	return nil
}

func indexKey(i *int) int {
	if i == nil {
		return -1
	}
	return *i
}

// collectGarbage deletes owned instances the save did not reach, then the value
// rows of saved instances whose values were unset. An unreachable instance still
// linked from a node outside that set belongs to another tree's structure and
// stops the save.
func (op *saveOp) collectGarbage(ctx context.Context) ([]id.InstanceID, error) {
	ids, err := op.deleteUnreachable(ctx)
	if err != nil {
		return nil, err
	}
	if len(op.stale) > 0 {
		if err := op.s.writer.DeleteValues(ctx, op.stale); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete values")
		}
	}
	return ids, nil
}

func (op *saveOp) deleteUnreachable(ctx context.Context) ([]id.InstanceID, error) {
	w := op.s.writer
	owned, err := w.ListOwnedInstances(ctx, op.sub.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list owned instances")
	}
	orphans := map[id.InstanceID]bool{}
	var ids []id.InstanceID
	for _, row := range owned {
		if _, ok := op.saved[row.ID]; !ok {
			orphans[row.ID] = true
			ids = append(ids, row.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	for _, orphan := range ids {
		parents, err := w.ListParentRelations(ctx, orphan)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list parent relations")
		}
		for _, rel := range parents {
			if !orphans[rel.ParentID] {
				return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
					"unreachable instance %s is still linked from %s", orphan, rel.ParentID)
			}
		}
	}
	if err := w.DeleteInstances(ctx, ids); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete unreachable instances")
	}
	op.s.logger.DebugContext(ctx, "deleted unreachable instances",
		"subscription_id", op.sub.ID.String(), "count", len(ids))
	return ids, nil
}
