package saver_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/loader"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/saver"
	"orchestrator/internal/subscription/store"
	"orchestrator/internal/subscription/testfixtures"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
)

// =============================================================================
// Saver Test Suite
// =============================================================================
// Saves go to the in-memory store and are read back through the loader, so a
// passing round trip means rows are laid out the way the loader expects.

type SaverSuite struct {
	suite.Suite
	ctx    context.Context
	fx     *testfixtures.Fixture
	store  *store.InMemoryStore
	saver  *saver.Saver
	loader *loader.Loader
}

func TestSaverSuite(t *testing.T) {
	suite.Run(t, new(SaverSuite))
}

func (s *SaverSuite) SetupTest() {
	s.ctx = context.Background()
	s.fx = testfixtures.MustLoad(s.T())
	s.store = store.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.saver = saver.New(s.store, s.fx.Registry, saver.WithLogger(logger))
	s.loader = loader.New(s.store, s.fx.Products, s.fx.Registry, loader.WithLogger(logger))
}

func (s *SaverSuite) newPort() *models.Subscription {
	sub, err := models.NewSubscription(s.fx.Product(testfixtures.Port10G), "customer-1", s.fx.Registry)
	s.Require().NoError(err)
	port := sub.Child("port")
	s.Require().NoError(port.Set("name", "xe-0/0/1"))
	s.Require().NoError(port.Set("vlans", []int{10, 20, 30}))
	node, err := models.NewBlock(s.fx.Type("NodeBlockInactive"), sub.ID, lifecycle.Initial, s.fx.Registry)
	s.Require().NoError(err)
	s.Require().NoError(node.Set("hostname", "core-1"))
	s.Require().NoError(port.SetChild("node", node))
	return sub
}

func (s *SaverSuite) newLink() *models.Subscription {
	sub, err := models.NewSubscription(s.fx.Product(testfixtures.Link), "customer-2", s.fx.Registry)
	s.Require().NoError(err)
	return sub
}

func (s *SaverSuite) newBlock(typeName string, owner id.SubscriptionID) *models.Block {
	b, err := models.NewBlock(s.fx.Type(typeName), owner, lifecycle.Initial, s.fx.Registry)
	s.Require().NoError(err)
	return b
}

func (s *SaverSuite) ownedCount(subID id.SubscriptionID) int {
	rows, err := s.store.ListOwnedInstances(s.ctx, subID)
	s.Require().NoError(err)
	return len(rows)
}

// =============================================================================
// Round Trip Tests
// =============================================================================

func (s *SaverSuite) TestRoundTrip() {
	sub := s.newPort()
	sub.Note = "racked in row 4"
	sub.Insync = true

	written, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)
	s.Len(written.Instances, 2)
	s.Equal([]id.InstanceID{sub.Child("port").ID}, written.Children["port"])
	s.Empty(written.Deleted)

	row, err := s.store.GetSubscription(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(map[string]string{"speed": "10000"}, row.FixedInputs)
	s.Equal(testfixtures.Port10G, row.ProductRef)

	loaded, err := s.loader.LoadSubscription(s.ctx, sub.ID, "")
	s.Require().NoError(err)
	s.Equal(sub, loaded)
}

func (s *SaverSuite) TestRootEdgesAreTagged() {
	sub := s.newLink()
	spares := []*models.Block{s.newBlock("PortBlockInactive", sub.ID), s.newBlock("PortBlockInactive", sub.ID)}
	s.Require().NoError(sub.SetChildren("spare_ports", spares))

	_, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)

	rels, err := s.store.ListChildRelations(s.ctx, sub.ID.AsParent())
	s.Require().NoError(err)
	s.Require().Len(rels, 3)
	s.Equal("link", rels[0].Tag)
	s.Nil(rels[0].Index)
	s.Equal("spare_ports", rels[1].Tag)
	s.Equal(0, *rels[1].Index)
	s.Equal(spares[0].ID, rels[1].ChildID)
	s.Equal(1, *rels[2].Index)

	loaded, err := s.loader.LoadSubscription(s.ctx, sub.ID, "")
	s.Require().NoError(err)
	s.Equal(sub, loaded)
}

func (s *SaverSuite) TestValueRowsAreUpdatedInPlace() {
	sub := s.newPort()
	_, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)
	port := sub.Child("port")
	before, err := s.store.ListValues(s.ctx, port.ID)
	s.Require().NoError(err)
	s.Len(before, 4)

	s.Require().NoError(port.Set("name", "xe-0/0/2"))
	s.Require().NoError(port.Set("vlans", []int{10}))
	_, err = s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)

	after, err := s.store.ListValues(s.ctx, port.ID)
	s.Require().NoError(err)
	s.Require().Len(after, 2)
	s.Equal(before[0].ID, after[0].ID, "name row keeps its id")
	s.Equal("xe-0/0/2", after[0].Value)
	s.Equal(before[1].ID, after[1].ID, "vlans[0] row keeps its id")
}

// =============================================================================
// Rejection Tests
// =============================================================================

func (s *SaverSuite) TestDuplicateLink() {
	s.Run("same block twice in a list", func() {
		sub := s.newLink()
		p := s.newBlock("PortBlockInactive", sub.ID)
		s.Require().NoError(sub.Child("link").SetChildren("members", []*models.Block{p, p}))

		_, err := s.saver.SaveSubscription(s.ctx, sub)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateInstanceLink))
		_, err = s.store.GetSubscription(s.ctx, sub.ID)
		s.Error(err, "nothing is written")
	})

	s.Run("same block under two fields of an existing subscription", func() {
		sub := s.newLink()
		_, err := s.saver.SaveSubscription(s.ctx, sub)
		s.Require().NoError(err)
		count := s.ownedCount(sub.ID)

		link := sub.Child("link")
		s.Require().NoError(link.SetChild("b_side", link.Child("a_side")))
		_, err = s.saver.SaveSubscription(s.ctx, sub)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateInstanceLink))
		s.Equal(count, s.ownedCount(sub.ID))
	})
}

func (s *SaverSuite) TestInvalidLifecycleType() {
	sub := s.newPort()
	sub.Status = lifecycle.Active

	_, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidLifecycleType))
	_, err = s.store.GetSubscription(s.ctx, sub.ID)
	s.Error(err, "the transaction is rolled back")
}

func (s *SaverSuite) TestStricterVariantIsAccepted() {
	sub := s.newPort()
	sub.Status = lifecycle.Provisioning
	port, err := models.NewBlock(s.fx.Type("PortBlockActive"), sub.ID, lifecycle.Provisioning, s.fx.Registry)
	s.Require().NoError(err)
	s.Require().NoError(port.Set("name", "xe-0/0/1"))
	s.Require().NoError(port.Set("speed", 10000))
	s.Require().NoError(port.Child("node").Set("hostname", "core-1"))
	s.Require().NoError(sub.SetChild("port", port))

	_, err = s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)
}

func (s *SaverSuite) TestInvalidNode() {
	sub := s.newLink()
	sub.Status = lifecycle.Provisioning
	link := s.newBlock("LinkBlockActive", sub.ID)
	s.Require().NoError(sub.SetChild("link", link))

	_, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
}

// =============================================================================
// Cross-Subscription Tests
// =============================================================================

func (s *SaverSuite) TestForeignChildIsNotWritten() {
	portSub := s.newPort()
	_, err := s.saver.SaveSubscription(s.ctx, portSub)
	s.Require().NoError(err)
	foreign := portSub.Child("port")
	valuesBefore, err := s.store.ListValues(s.ctx, foreign.ID)
	s.Require().NoError(err)

	linkSub := s.newLink()
	s.Require().NoError(linkSub.Child("link").SetChild("a_side", foreign))
	s.Require().NoError(foreign.Set("name", "changed through the link"))

	written, err := s.saver.SaveSubscription(s.ctx, linkSub)
	s.Require().NoError(err)

	var foreignRow *store.InstanceRow
	for i := range written.Instances {
		if written.Instances[i].ID == foreign.ID {
			foreignRow = &written.Instances[i]
		}
	}
	s.Require().NotNil(foreignRow)
	s.Equal(portSub.ID, foreignRow.OwnerID)

	valuesAfter, err := s.store.ListValues(s.ctx, foreign.ID)
	s.Require().NoError(err)
	s.Equal(valuesBefore, valuesAfter)
	s.Equal(2, s.ownedCount(portSub.ID))

	loaded, err := s.loader.LoadSubscription(s.ctx, linkSub.ID, "")
	s.Require().NoError(err)
	a := loaded.Child("link").Child("a_side")
	s.Equal(foreign.ID, a.ID)
	s.Equal(portSub.ID, a.Owner)
	s.Equal("xe-0/0/1", a.Get("name"))
}

func (s *SaverSuite) TestForeignRootInstance() {
	portSub := s.newPort()
	_, err := s.saver.SaveSubscription(s.ctx, portSub)
	s.Require().NoError(err)

	linkSub := s.newLink()
	s.Require().NoError(linkSub.SetChildren("spare_ports", []*models.Block{portSub.Child("port")}))

	_, err = s.saver.SaveSubscription(s.ctx, linkSub)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeForeignRootInstance))
	_, err = s.store.GetSubscription(s.ctx, linkSub.ID)
	s.Error(err)
}

// =============================================================================
// Garbage Collection Tests
// =============================================================================

func (s *SaverSuite) TestUnreachableBlocksAreDeleted() {
	sub := s.newLink()
	link := sub.Child("link")
	kept, dropped := s.newBlock("PortBlockInactive", sub.ID), s.newBlock("NodeBlockInactive", sub.ID)
	s.Require().NoError(dropped.Set("hostname", "edge-9"))
	s.Require().NoError(link.SetChildren("members", []*models.Block{kept, dropped}))
	_, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)
	s.Equal(5, s.ownedCount(sub.ID))

	s.Require().NoError(link.SetChildren("members", []*models.Block{kept}))
	written, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)
	s.Equal([]id.InstanceID{dropped.ID}, written.Deleted)
	s.Equal(4, s.ownedCount(sub.ID))

	values, err := s.store.ListValues(s.ctx, dropped.ID)
	s.Require().NoError(err)
	s.Empty(values)
}

// recordingWriter logs the deletes a save issues, in order.
type recordingWriter struct {
	*store.InMemoryStore
	calls []string
}

func (w *recordingWriter) ReplaceChildRelations(ctx context.Context, parentID id.InstanceID, rels []store.RelationRow) error {
	w.calls = append(w.calls, "relations")
	return w.InMemoryStore.ReplaceChildRelations(ctx, parentID, rels)
}

func (w *recordingWriter) DeleteInstances(ctx context.Context, ids []id.InstanceID) error {
	w.calls = append(w.calls, "instances")
	return w.InMemoryStore.DeleteInstances(ctx, ids)
}

func (w *recordingWriter) DeleteValues(ctx context.Context, ids []uuid.UUID) error {
	w.calls = append(w.calls, "values")
	return w.InMemoryStore.DeleteValues(ctx, ids)
}

func (s *SaverSuite) TestUnsetValuesAreCollectedWithUnreachableBlocks() {
	sub := s.newLink()
	link := sub.Child("link")
	kept, dropped := s.newBlock("PortBlockInactive", sub.ID), s.newBlock("PortBlockInactive", sub.ID)
	s.Require().NoError(kept.Set("vlans", []int{10, 20}))
	s.Require().NoError(link.SetChildren("members", []*models.Block{kept, dropped}))
	_, err := s.saver.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)

	w := &recordingWriter{InMemoryStore: s.store}
	sv := saver.New(w, s.fx.Registry, saver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(kept.Set("vlans", []int{10}))
	s.Require().NoError(link.SetChildren("members", []*models.Block{kept}))
	written, err := sv.SaveSubscription(s.ctx, sub)
	s.Require().NoError(err)
	s.Equal([]id.InstanceID{dropped.ID}, written.Deleted)

	s.Require().NotEmpty(w.calls)
	s.Equal([]string{"instances", "values"}, w.calls[len(w.calls)-2:], "deletes run after every relation write")
	for _, call := range w.calls[:len(w.calls)-2] {
		s.Equal("relations", call)
	}

	values, err := s.store.ListValues(s.ctx, kept.ID)
	s.Require().NoError(err)
	s.Len(values, 1)
}

func (s *SaverSuite) TestUnreachableBlockLinkedElsewhere() {
	portSub := s.newPort()
	_, err := s.saver.SaveSubscription(s.ctx, portSub)
	s.Require().NoError(err)
	shared := portSub.Child("port")

	linkSub := s.newLink()
	s.Require().NoError(linkSub.Child("link").SetChild("a_side", shared))
	_, err = s.saver.SaveSubscription(s.ctx, linkSub)
	s.Require().NoError(err)

	replacement := s.newBlock("PortBlockInactive", portSub.ID)
	s.Require().NoError(portSub.SetChild("port", replacement))
	_, err = s.saver.SaveSubscription(s.ctx, portSub)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = s.store.GetInstance(s.ctx, shared.ID)
	s.NoError(err, "the shared block survives")
	_, err = s.store.GetInstance(s.ctx, replacement.ID)
	s.Error(err, "the failed save is rolled back")
}
