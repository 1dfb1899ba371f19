// Package storetest holds the behaviour every store backend must share. Backend
// test files embed Suite and set Store before each test.
package storetest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	"orchestrator/pkg/platform/sentinel"
)

type Suite struct {
	suite.Suite
	Store store.Store
}

func intp(i int) *int { return &i }

// seedTree writes subscription -> a -> {b[0], c[1]} and c -> d, with values on b.
func (s *Suite) seedTree(ctx context.Context) (id.SubscriptionID, []id.InstanceID) {
	subID := id.NewSubscriptionID()
	s.Require().NoError(s.Store.UpsertSubscription(ctx, store.SubscriptionRow{ID: subID, ProductRef: "link", Status: lifecycle.Initial}))

	ids := []id.InstanceID{id.NewInstanceID(), id.NewInstanceID(), id.NewInstanceID(), id.NewInstanceID()}
	for i, typeName := range []string{"LinkBlock", "PortBlock", "PortBlock", "NodeBlock"} {
		s.Require().NoError(s.Store.UpsertInstance(ctx, store.InstanceRow{ID: ids[i], TypeName: typeName, OwnerID: subID}))
	}
	s.Require().NoError(s.Store.UpsertValues(ctx, []store.ValueRow{
		{ID: uuid.New(), InstanceID: ids[1], Field: "vlans", Value: "20", Index: intp(1)},
		{ID: uuid.New(), InstanceID: ids[1], Field: "vlans", Value: "10", Index: intp(0)},
		{ID: uuid.New(), InstanceID: ids[1], Field: "name", Value: "xe-0/0/1"},
	}))
	s.Require().NoError(s.Store.ReplaceChildRelations(ctx, subID.AsParent(), []store.RelationRow{
		{ChildID: ids[0], Tag: "link"},
	}))
	s.Require().NoError(s.Store.ReplaceChildRelations(ctx, ids[0], []store.RelationRow{
		{ChildID: ids[2], Tag: "members", Index: intp(1)},
		{ChildID: ids[1], Tag: "members", Index: intp(0)},
	}))
	s.Require().NoError(s.Store.ReplaceChildRelations(ctx, ids[2], []store.RelationRow{
		{ChildID: ids[3], Tag: "node"},
	}))
	return subID, ids
}

func (s *Suite) TestSubscriptionRoundTrip() {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 123456000, time.UTC)
	row := store.SubscriptionRow{
		ID:          id.NewSubscriptionID(),
		ProductRef:  "port-10g",
		Status:      lifecycle.Active,
		Description: "10G access port",
		CustomerID:  "customer-1",
		Insync:      true,
		Note:        "racked",
		StartDate:   &start,
		FixedInputs: map[string]string{"speed": "10000"},
	}
	s.Require().NoError(s.Store.UpsertSubscription(ctx, row))

	got, err := s.Store.GetSubscription(ctx, row.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.StartDate)
	s.True(start.Equal(*got.StartDate))
	s.Nil(got.EndDate)
	got.StartDate = row.StartDate
	s.Equal(row, *got)

	row.Status = lifecycle.Terminated
	row.FixedInputs = nil
	s.Require().NoError(s.Store.UpsertSubscription(ctx, row))
	got, err = s.Store.GetSubscription(ctx, row.ID)
	s.Require().NoError(err)
	s.Equal(lifecycle.Terminated, got.Status)
	s.Empty(got.FixedInputs)

	_, err = s.Store.GetSubscription(ctx, id.NewSubscriptionID())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *Suite) TestInstances() {
	ctx := context.Background()
	owner := id.NewSubscriptionID()
	a := store.InstanceRow{ID: id.NewInstanceID(), TypeName: "PortBlock", OwnerID: owner, Label: "a"}
	b := store.InstanceRow{ID: id.NewInstanceID(), TypeName: "NodeBlock", OwnerID: owner}
	other := store.InstanceRow{ID: id.NewInstanceID(), TypeName: "PortBlock", OwnerID: id.NewSubscriptionID()}
	for _, row := range []store.InstanceRow{a, b, other} {
		s.Require().NoError(s.Store.UpsertInstance(ctx, row))
	}

	got, err := s.Store.GetInstance(ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(a, *got)

	_, err = s.Store.GetInstance(ctx, id.NewInstanceID())
	s.True(errors.Is(err, sentinel.ErrNotFound))

	many, err := s.Store.GetInstances(ctx, []id.InstanceID{a.ID, id.NewInstanceID(), b.ID})
	s.Require().NoError(err)
	s.ElementsMatch([]store.InstanceRow{a, b}, many)

	owned, err := s.Store.ListOwnedInstances(ctx, owner)
	s.Require().NoError(err)
	s.ElementsMatch([]store.InstanceRow{a, b}, owned)

	a.Label = "renamed"
	s.Require().NoError(s.Store.UpsertInstance(ctx, a))
	got, err = s.Store.GetInstance(ctx, a.ID)
	s.Require().NoError(err)
	s.Equal("renamed", got.Label)
}

func (s *Suite) TestValues() {
	ctx := context.Background()
	owner := id.NewSubscriptionID()
	inst := store.InstanceRow{ID: id.NewInstanceID(), TypeName: "PortBlock", OwnerID: owner}
	s.Require().NoError(s.Store.UpsertInstance(ctx, inst))

	name := store.ValueRow{ID: uuid.New(), InstanceID: inst.ID, Field: "name", Value: "xe-0"}
	v1 := store.ValueRow{ID: uuid.New(), InstanceID: inst.ID, Field: "vlans", Value: "20", Index: intp(1)}
	v0 := store.ValueRow{ID: uuid.New(), InstanceID: inst.ID, Field: "vlans", Value: "10", Index: intp(0)}
	s.Require().NoError(s.Store.UpsertValues(ctx, []store.ValueRow{v1, name, v0}))

	rows, err := s.Store.ListValues(ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal([]store.ValueRow{name, v0, v1}, rows, "ordered by field then index")

	name.Value = "xe-1"
	s.Require().NoError(s.Store.UpsertValues(ctx, []store.ValueRow{name}))
	s.Require().NoError(s.Store.DeleteValues(ctx, []uuid.UUID{v1.ID}))

	rows, err = s.Store.ListValues(ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal([]store.ValueRow{name, v0}, rows)
}

func (s *Suite) TestRelations() {
	ctx := context.Background()
	subID, ids := s.seedTree(ctx)

	rels, err := s.Store.ListChildRelations(ctx, ids[0])
	s.Require().NoError(err)
	s.Equal([]store.RelationRow{
		{ParentID: ids[0], ChildID: ids[1], Tag: "members", Index: intp(0)},
		{ParentID: ids[0], ChildID: ids[2], Tag: "members", Index: intp(1)},
	}, rels)

	parents, err := s.Store.ListParentRelations(ctx, ids[0])
	s.Require().NoError(err)
	s.Equal([]store.RelationRow{{ParentID: subID.AsParent(), ChildID: ids[0], Tag: "link"}}, parents)

	s.Require().NoError(s.Store.ReplaceChildRelations(ctx, ids[0], nil))
	rels, err = s.Store.ListChildRelations(ctx, ids[0])
	s.Require().NoError(err)
	s.Empty(rels)

	parents, err = s.Store.ListParentRelations(ctx, ids[1])
	s.Require().NoError(err)
	s.Empty(parents)
}

func (s *Suite) TestDeleteInstances() {
	ctx := context.Background()
	subID, ids := s.seedTree(ctx)

	// unlink c before deleting it and its child d
	s.Require().NoError(s.Store.ReplaceChildRelations(ctx, ids[0], []store.RelationRow{
		{ChildID: ids[1], Tag: "members", Index: intp(0)},
	}))
	s.Require().NoError(s.Store.DeleteInstances(ctx, []id.InstanceID{ids[2], ids[3]}))

	owned, err := s.Store.ListOwnedInstances(ctx, subID)
	s.Require().NoError(err)
	s.Len(owned, 2)

	_, err = s.Store.GetInstance(ctx, ids[3])
	s.True(errors.Is(err, sentinel.ErrNotFound))
	parents, err := s.Store.ListParentRelations(ctx, ids[3])
	s.Require().NoError(err)
	s.Empty(parents, "outgoing edges of deleted instances are gone")

	s.Require().NoError(s.Store.ReplaceChildRelations(ctx, ids[0], nil))
	s.Require().NoError(s.Store.DeleteInstances(ctx, []id.InstanceID{ids[1]}))
	values, err := s.Store.ListValues(ctx, ids[1])
	s.Require().NoError(err)
	s.Empty(values)
}

func (s *Suite) TestFetchTree() {
	ctx := context.Background()
	subID, ids := s.seedTree(ctx)

	// an unrelated subscription must not leak into the tree
	s.seedTree(ctx)

	tree, err := s.Store.FetchTree(ctx, subID)
	s.Require().NoError(err)
	s.Equal(subID, tree.Subscription.ID)
	s.Len(tree.Instances, 4)
	for _, instanceID := range ids {
		s.Contains(tree.Instances, instanceID)
	}

	s.Len(tree.Relations, 3)
	s.Equal([]store.RelationRow{{ParentID: subID.AsParent(), ChildID: ids[0], Tag: "link"}}, tree.Relations[subID.AsParent()])
	s.Equal([]store.RelationRow{
		{ParentID: ids[0], ChildID: ids[1], Tag: "members", Index: intp(0)},
		{ParentID: ids[0], ChildID: ids[2], Tag: "members", Index: intp(1)},
	}, tree.Relations[ids[0]])

	direct, err := s.Store.ListValues(ctx, ids[1])
	s.Require().NoError(err)
	s.Equal(direct, tree.Values[ids[1]])
	s.Empty(tree.Values[ids[3]])

	_, err = s.Store.FetchTree(ctx, id.NewSubscriptionID())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *Suite) TestRunInTx() {
	ctx := context.Background()

	s.Run("rolls back on error", func() {
		subID := id.NewSubscriptionID()
		boom := errors.New("boom")
		err := s.Store.RunInTx(ctx, func(ctx context.Context) error {
			s.Require().NoError(s.Store.UpsertSubscription(ctx, store.SubscriptionRow{ID: subID, ProductRef: "p", Status: lifecycle.Initial}))
			_, err := s.Store.GetSubscription(ctx, subID)
			s.Require().NoError(err, "reads see the transaction's writes")
			return boom
		})
		s.ErrorIs(err, boom)

		_, err = s.Store.GetSubscription(ctx, subID)
		s.True(errors.Is(err, sentinel.ErrNotFound))
	})

	s.Run("nested calls join the outer transaction", func() {
		subID := id.NewSubscriptionID()
		err := s.Store.RunInTx(ctx, func(ctx context.Context) error {
			return s.Store.RunInTx(ctx, func(ctx context.Context) error {
				return s.Store.UpsertSubscription(ctx, store.SubscriptionRow{ID: subID, ProductRef: "p", Status: lifecycle.Initial})
			})
		})
		s.Require().NoError(err)

		_, err = s.Store.GetSubscription(ctx, subID)
		s.NoError(err)
	})
}
