// Package store defines the persisted row layout of subscription trees and the
// storage port the engine uses. Implementations: the in-memory Store here,
// store/postgres and store/badger.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/subscription/lifecycle"
	id "orchestrator/pkg/domain"
)

// InstanceRow is one block's identity row.
type InstanceRow struct {
	ID       id.InstanceID
	TypeName string
	OwnerID  id.SubscriptionID
	Label    string
}

// ValueRow is one scalar value. Index is nil for single values and set for list
// elements. ID is a surrogate key so a row can be updated in place.
type ValueRow struct {
	ID         uuid.UUID
	InstanceID id.InstanceID
	Field      string
	Value      string
	Index      *int
}

// RelationRow is one parent to child edge. ParentID is an instance id or, for
// root blocks, the subscription id. Tag names the parent's field; it is empty on
// legacy rows.
type RelationRow struct {
	ParentID id.InstanceID
	ChildID  id.InstanceID
	Index    *int
	Tag      string
}

// SubscriptionRow is the aggregate row.
type SubscriptionRow struct {
	ID          id.SubscriptionID
	ProductRef  string
	Status      lifecycle.Status
	Description string
	CustomerID  string
	Insync      bool
	Note        string
	StartDate   *time.Time
	EndDate     *time.Time
	FixedInputs map[string]string
}

// Tree is every row reachable from one subscription, fetched in one pass.
type Tree struct {
	Subscription SubscriptionRow
	Instances    map[id.InstanceID]InstanceRow
	Values       map[id.InstanceID][]ValueRow
	// Relations is keyed by parent id, each slice in SortRelations order.
	Relations map[id.InstanceID][]RelationRow
}

// Store is the full storage port. Consumers declare the subset they use.
//
// Lookups of a single row return sentinel.ErrNotFound when it does not exist.
// RunInTx runs fn in one transaction; reads inside fn see fn's own writes, and a
// nested RunInTx joins the outer transaction.
type Store interface {
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*SubscriptionRow, error)
	UpsertSubscription(ctx context.Context, row SubscriptionRow) error

	GetInstance(ctx context.Context, instanceID id.InstanceID) (*InstanceRow, error)
	GetInstances(ctx context.Context, ids []id.InstanceID) ([]InstanceRow, error)
	UpsertInstance(ctx context.Context, row InstanceRow) error
	ListOwnedInstances(ctx context.Context, owner id.SubscriptionID) ([]InstanceRow, error)
	// DeleteInstances removes instance rows with their values and outgoing edges.
	DeleteInstances(ctx context.Context, ids []id.InstanceID) error

	ListValues(ctx context.Context, instanceID id.InstanceID) ([]ValueRow, error)
	UpsertValues(ctx context.Context, rows []ValueRow) error
	DeleteValues(ctx context.Context, ids []uuid.UUID) error

	ListChildRelations(ctx context.Context, parentID id.InstanceID) ([]RelationRow, error)
	ListParentRelations(ctx context.Context, childID id.InstanceID) ([]RelationRow, error)
	// ReplaceChildRelations makes rels the complete outgoing edge set of parentID.
	ReplaceChildRelations(ctx context.Context, parentID id.InstanceID, rels []RelationRow) error

	FetchTree(ctx context.Context, subID id.SubscriptionID) (*Tree, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SortRelations orders edges by tag, then index (unindexed first), then child id.
func SortRelations(rels []RelationRow) {
	sort.SliceStable(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		if ai, bi := indexOrder(a.Index), indexOrder(b.Index); ai != bi {
			return ai < bi
		}
		return a.ChildID.String() < b.ChildID.String()
	})
}

// SortValues orders value rows by field, then index.
func SortValues(rows []ValueRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Field != rows[j].Field {
			return rows[i].Field < rows[j].Field
		}
		return indexOrder(rows[i].Index) < indexOrder(rows[j].Index)
	})
}

func indexOrder(i *int) int {
	if i == nil {
		return -1
	}
	return *i
}
