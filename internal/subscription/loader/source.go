package loader

import (
	"context"
	"fmt"

	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	"orchestrator/pkg/platform/sentinel"
)

// source feeds rows to the matching algorithm. The recursive path reads through
// the store one node at a time; the bulk path serves a prefetched store.Tree.
type source interface {
	instance(ctx context.Context, instanceID id.InstanceID) (store.InstanceRow, error)
	values(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error)
	children(ctx context.Context, parentID id.InstanceID) ([]store.RelationRow, error)
}

type storeSource struct {
	reader Reader
	rows   map[id.InstanceID]store.InstanceRow
}

func newStoreSource(r Reader) *storeSource {
	return &storeSource{reader: r, rows: map[id.InstanceID]store.InstanceRow{}}
}

func (s *storeSource) instance(ctx context.Context, instanceID id.InstanceID) (store.InstanceRow, error) {
	if row, ok := s.rows[instanceID]; ok {
		return row, nil
	}
	row, err := s.reader.GetInstance(ctx, instanceID)
	if err != nil {
		return store.InstanceRow{}, err
	}
	s.rows[instanceID] = *row
	return *row, nil
}

func (s *storeSource) values(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error) {
	return s.reader.ListValues(ctx, instanceID)
}

func (s *storeSource) children(ctx context.Context, parentID id.InstanceID) ([]store.RelationRow, error) {
	return s.reader.ListChildRelations(ctx, parentID)
}

type treeSource struct {
	tree *store.Tree
}

func (s treeSource) instance(_ context.Context, instanceID id.InstanceID) (store.InstanceRow, error) {
	row, ok := s.tree.Instances[instanceID]
	if !ok {
		return store.InstanceRow{}, fmt.Errorf("instance %s: %w", instanceID, sentinel.ErrNotFound)
	}
	return row, nil
}

func (s treeSource) values(_ context.Context, instanceID id.InstanceID) ([]store.ValueRow, error) {
	return s.tree.Values[instanceID], nil
}

func (s treeSource) children(_ context.Context, parentID id.InstanceID) ([]store.RelationRow, error) {
	return s.tree.Relations[parentID], nil
}
