package store

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	id "orchestrator/pkg/domain"
	"orchestrator/pkg/platform/sentinel"
)

type txKey struct{}

// InMemoryStore keeps rows in maps. RunInTx serializes transactions and restores
// a snapshot when fn fails. Writes made outside RunInTx while a transaction is
// running are not isolated from it.
type InMemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	subscriptions map[id.SubscriptionID]SubscriptionRow
	instances     map[id.InstanceID]InstanceRow
	values        map[uuid.UUID]ValueRow
	relations     map[id.InstanceID][]RelationRow
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: memoryData{
		subscriptions: map[id.SubscriptionID]SubscriptionRow{},
		instances:     map[id.InstanceID]InstanceRow{},
		values:        map[uuid.UUID]ValueRow{},
		relations:     map[id.InstanceID][]RelationRow{},
	}}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		subscriptions: maps.Clone(d.subscriptions),
		instances:     maps.Clone(d.instances),
		values:        maps.Clone(d.values),
		relations:     make(map[id.InstanceID][]RelationRow, len(d.relations)),
	}
	for k, v := range d.relations {
		out.relations[k] = append([]RelationRow(nil), v...)
	}
	return out
}

func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		}
		if err != nil {
			s.restore(snapshot)
		}
	}()
	return fn(context.WithValue(ctx, txKey{}, true))
}

func (s *InMemoryStore) restore(d memoryData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = d
}

func (s *InMemoryStore) GetSubscription(_ context.Context, subID id.SubscriptionID) (*SubscriptionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subID, sentinel.ErrNotFound)
	}
	row = cloneSubscription(row)
	return &row, nil
}

func (s *InMemoryStore) UpsertSubscription(_ context.Context, row SubscriptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.subscriptions[row.ID] = cloneSubscription(row)
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, instanceID id.InstanceID) (*InstanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, sentinel.ErrNotFound)
	}
	return &row, nil
}

func (s *InMemoryStore) GetInstances(_ context.Context, ids []id.InstanceID) ([]InstanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InstanceRow, 0, len(ids))
	for _, instanceID := range ids {
		if row, ok := s.data.instances[instanceID]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpsertInstance(_ context.Context, row InstanceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.instances[row.ID] = row
	return nil
}

func (s *InMemoryStore) ListOwnedInstances(_ context.Context, owner id.SubscriptionID) ([]InstanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []InstanceRow
	for _, row := range s.data.instances {
		if row.OwnerID == owner {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteInstances(_ context.Context, ids []id.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[id.InstanceID]bool, len(ids))
	for _, instanceID := range ids {
		doomed[instanceID] = true
		delete(s.data.instances, instanceID)
		delete(s.data.relations, instanceID)
	}
	for key, row := range s.data.values {
		if doomed[row.InstanceID] {
			delete(s.data.values, key)
		}
	}
	return nil
}

func (s *InMemoryStore) ListValues(_ context.Context, instanceID id.InstanceID) ([]ValueRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ValueRow
	for _, row := range s.data.values {
		if row.InstanceID == instanceID {
			out = append(out, cloneValue(row))
		}
	}
	SortValues(out)
	return out, nil
}

func (s *InMemoryStore) UpsertValues(_ context.Context, rows []ValueRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row.ID == uuid.Nil {
			return fmt.Errorf("value row without id: %w", sentinel.ErrInvalidState)
		}
		s.data.values[row.ID] = cloneValue(row)
	}
	return nil
}

func (s *InMemoryStore) DeleteValues(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, valueID := range ids {
		delete(s.data.values, valueID)
	}
	return nil
}

func (s *InMemoryStore) ListChildRelations(_ context.Context, parentID id.InstanceID) ([]RelationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRelations(s.data.relations[parentID]), nil
}

func (s *InMemoryStore) ListParentRelations(_ context.Context, childID id.InstanceID) ([]RelationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RelationRow
	for _, rels := range s.data.relations {
		for _, rel := range rels {
			if rel.ChildID == childID {
				out = append(out, cloneRelation(rel))
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) ReplaceChildRelations(_ context.Context, parentID id.InstanceID, rels []RelationRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rels) == 0 {
		delete(s.data.relations, parentID)
		return nil
	}
	stored := cloneRelations(rels)
	for i := range stored {
		stored[i].ParentID = parentID
	}
	SortRelations(stored)
	s.data.relations[parentID] = stored
	return nil
}

func (s *InMemoryStore) FetchTree(_ context.Context, subID id.SubscriptionID) (*Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.data.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subID, sentinel.ErrNotFound)
	}
	tree := &Tree{
		Subscription: cloneSubscription(sub),
		Instances:    map[id.InstanceID]InstanceRow{},
		Values:       map[id.InstanceID][]ValueRow{},
		Relations:    map[id.InstanceID][]RelationRow{},
	}

	queue := []id.InstanceID{subID.AsParent()}
	visited := map[id.InstanceID]bool{subID.AsParent(): true}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		rels := s.data.relations[parent]
		if len(rels) > 0 {
			tree.Relations[parent] = cloneRelations(rels)
		}
		for _, rel := range rels {
			if visited[rel.ChildID] {
				continue
			}
			visited[rel.ChildID] = true
			if row, ok := s.data.instances[rel.ChildID]; ok {
				tree.Instances[rel.ChildID] = row
			}
			queue = append(queue, rel.ChildID)
		}
	}
	for _, row := range s.data.values {
		if _, ok := tree.Instances[row.InstanceID]; ok {
			tree.Values[row.InstanceID] = append(tree.Values[row.InstanceID], cloneValue(row))
		}
	}
	for _, rows := range tree.Values {
		SortValues(rows)
	}
	return tree, nil
}

func cloneIndex(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneValue(row ValueRow) ValueRow {
	row.Index = cloneIndex(row.Index)
	return row
}

func cloneRelation(rel RelationRow) RelationRow {
	rel.Index = cloneIndex(rel.Index)
	return rel
}

func cloneRelations(rels []RelationRow) []RelationRow {
	if rels == nil {
		return nil
	}
	out := make([]RelationRow, len(rels))
	for i, rel := range rels {
		out[i] = cloneRelation(rel)
	}
	return out
}

func cloneSubscription(row SubscriptionRow) SubscriptionRow {
	row.FixedInputs = maps.Clone(row.FixedInputs)
	if row.StartDate != nil {
		t := *row.StartDate
		row.StartDate = &t
	}
	if row.EndDate != nil {
		t := *row.EndDate
		row.EndDate = &t
	}
	return row
}
