package transition

//go:generate mockgen -source=transition.go -destination=mocks/mocks.go -package=mocks DependencyReader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/store"
	"orchestrator/internal/subscription/testfixtures"
	"orchestrator/internal/subscription/transition/mocks"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
	"orchestrator/pkg/platform/sentinel"
	"orchestrator/pkg/requestcontext"
)

// =============================================================================
// Transitioner Test Suite
// =============================================================================
// The transitioner rebuilds trees under the target variants and refuses moves
// that would strand a dependent subscription. Store access is mocked so each
// test states exactly which dependency lookups happen.

type TransitionSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	mockDeps *mocks.MockDependencyReader
	fx       *testfixtures.Fixture
	service  *Transitioner
	now      time.Time
}

func TestTransitionSuite(t *testing.T) {
	suite.Run(t, new(TransitionSuite))
}

func (s *TransitionSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockDeps = mocks.NewMockDependencyReader(s.ctrl)
	s.fx = testfixtures.MustLoad(s.T())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.service = New(s.mockDeps, s.fx.Registry, WithLogger(logger))
	s.now = time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
}

func (s *TransitionSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *TransitionSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

// newPort builds an initial port subscription with every field the active
// variants require already filled.
func (s *TransitionSuite) newPort() *models.Subscription {
	sub, err := models.NewSubscription(s.fx.Product(testfixtures.Port10G), "customer-1", s.fx.Registry)
	s.Require().NoError(err)
	port := sub.Child("port")
	s.Require().NoError(port.Set("name", "xe-0/0/1"))
	s.Require().NoError(port.Set("speed", 10000))
	s.Require().NoError(port.Set("vlans", []int{10, 20}))

	node, err := models.NewBlock(s.fx.Type("NodeBlockInactive"), sub.ID, lifecycle.Initial, s.fx.Registry)
	s.Require().NoError(err)
	s.Require().NoError(node.Set("hostname", "core-1"))
	s.Require().NoError(port.SetChild("node", node))
	return sub
}

// expectLinkDependent wires the lookups for a port linked from its own root and
// from a link block of another subscription in the given status.
func (s *TransitionSuite) expectLinkDependent(sub *models.Subscription, status lifecycle.Status) id.SubscriptionID {
	port := sub.Child("port")
	node := port.Child("node")
	linkSubID := id.NewSubscriptionID()
	linkBlockID := id.NewInstanceID()

	s.mockDeps.EXPECT().ListParentRelations(gomock.Any(), port.ID).Return([]store.RelationRow{
		{ParentID: sub.ID.AsParent(), ChildID: port.ID, Tag: "port"},
		{ParentID: linkBlockID, ChildID: port.ID, Tag: "a_side"},
	}, nil)
	s.mockDeps.EXPECT().ListParentRelations(gomock.Any(), node.ID).Return(nil, nil)
	s.mockDeps.EXPECT().GetInstance(gomock.Any(), sub.ID.AsParent()).
		Return(nil, fmt.Errorf("instance %s: %w", sub.ID, sentinel.ErrNotFound))
	s.mockDeps.EXPECT().GetSubscription(gomock.Any(), sub.ID).
		Return(&store.SubscriptionRow{ID: sub.ID, Status: sub.Status}, nil)
	s.mockDeps.EXPECT().GetInstance(gomock.Any(), linkBlockID).
		Return(&store.InstanceRow{ID: linkBlockID, TypeName: "LinkBlock", OwnerID: linkSubID}, nil)
	s.mockDeps.EXPECT().GetSubscription(gomock.Any(), linkSubID).
		Return(&store.SubscriptionRow{ID: linkSubID, Description: "Point to point link", Status: status}, nil)
	return linkSubID
}

// =============================================================================
// Dependency Safety Tests
// =============================================================================

func (s *TransitionSuite) TestDependents() {
	sub := s.newPort()
	linkSubID := s.expectLinkDependent(sub, lifecycle.Active)

	deps, err := s.service.Dependents(s.ctx(), sub)
	s.Require().NoError(err)
	s.Require().Len(deps, 1)
	s.Equal(linkSubID, deps[0].SubscriptionID)
	s.Equal(lifecycle.Active, deps[0].Status)
	s.Equal("Point to point link", deps[0].Description)
	s.Equal(sub.Child("port").ID, deps[0].InstanceID)
}

func (s *TransitionSuite) TestUnsafeTransition() {
	s.Run("active dependent blocks termination", func() {
		sub := s.newPort()
		s.expectLinkDependent(sub, lifecycle.Active)

		next, err := s.service.Transition(s.ctx(), sub, lifecycle.Terminated, false)
		s.Require().Error(err)
		s.Nil(next)
		s.True(dErrors.HasCode(err, dErrors.CodeUnsafeLifecycleTransition))
	})

	s.Run("terminated dependent allows termination", func() {
		sub := s.newPort()
		s.expectLinkDependent(sub, lifecycle.Terminated)

		next, err := s.service.Transition(s.ctx(), sub, lifecycle.Terminated, false)
		s.Require().NoError(err)
		s.Equal(lifecycle.Terminated, next.Status)
	})

	s.Run("skipping the check reads no dependents", func() {
		sub := s.newPort()

		next, err := s.service.Transition(s.ctx(), sub, lifecycle.Terminated, true)
		s.Require().NoError(err)
		s.Equal(lifecycle.Terminated, next.Status)
	})

	s.Run("store failure is internal", func() {
		sub := s.newPort()
		s.mockDeps.EXPECT().ListParentRelations(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("connection reset"))

		_, err := s.service.Transition(s.ctx(), sub, lifecycle.Active, false)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

// =============================================================================
// Rebuild Tests
// =============================================================================

func (s *TransitionSuite) TestRetypesOwnedBlocks() {
	sub := s.newPort()

	next, err := s.service.Transition(s.ctx(), sub, lifecycle.Active, true)
	s.Require().NoError(err)

	s.Equal(sub.ID, next.ID)
	s.Equal(sub.Description, next.Description)
	s.Equal(sub.CustomerID, next.CustomerID)
	s.Equal(int64(10000), next.Get("speed"))

	port := next.Child("port")
	s.Require().NotNil(port)
	s.Equal("PortBlockActive", port.Type.Name)
	s.Equal(sub.Child("port").ID, port.ID)
	s.Equal("xe-0/0/1", port.Get("name"))
	s.Equal([]any{int64(10), int64(20)}, port.Get("vlans"))
	s.Equal("NodeBlockActive", port.Child("node").Type.Name)
	s.Equal("core-1", port.Child("node").Get("hostname"))

	s.Equal("PortBlockInactive", sub.Child("port").Type.Name, "source tree is not modified")
}

func (s *TransitionSuite) TestStampsDates() {
	want := s.now.Truncate(time.Microsecond)

	s.Run("entering active stamps the start date", func() {
		next, err := s.service.Transition(s.ctx(), s.newPort(), lifecycle.Active, true)
		s.Require().NoError(err)
		s.Require().NotNil(next.StartDate)
		s.True(want.Equal(*next.StartDate))
		s.Nil(next.EndDate)
	})

	s.Run("an existing start date is kept", func() {
		sub := s.newPort()
		earlier := want.Add(-48 * time.Hour)
		sub.StartDate = &earlier

		next, err := s.service.Transition(s.ctx(), sub, lifecycle.Active, true)
		s.Require().NoError(err)
		s.True(earlier.Equal(*next.StartDate))
	})

	s.Run("entering terminated stamps the end date", func() {
		next, err := s.service.Transition(s.ctx(), s.newPort(), lifecycle.Terminated, true)
		s.Require().NoError(err)
		s.Require().NotNil(next.EndDate)
		s.True(want.Equal(*next.EndDate))
		s.Nil(next.StartDate)
	})
}

func (s *TransitionSuite) TestTargetValidation() {
	s.Run("missing required values fail", func() {
		sub := s.newPort()
		s.Require().NoError(sub.Child("port").Set("name", nil))

		_, err := s.service.Transition(s.ctx(), sub, lifecycle.Active, true)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
	})

	s.Run("unknown status is rejected", func() {
		_, err := s.service.Transition(s.ctx(), s.newPort(), lifecycle.Status("retired"), true)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func (s *TransitionSuite) TestForeignBlocksAreKept() {
	portSub := s.newPort()
	foreign := portSub.Child("port")

	link, err := models.NewSubscription(s.fx.Product(testfixtures.Link), "customer-2", s.fx.Registry)
	s.Require().NoError(err)
	s.Require().NoError(link.Child("link").SetChild("a_side", foreign))
	owned := link.Child("link").Child("b_side")

	next, err := s.service.Transition(s.ctx(), link, lifecycle.Terminated, true)
	s.Require().NoError(err)

	s.Same(foreign, next.Child("link").Child("a_side"))
	s.NotSame(owned, next.Child("link").Child("b_side"))
	s.Equal(owned.ID, next.Child("link").Child("b_side").ID)
}

func (s *TransitionSuite) TestMembershipDriftSkipsChild() {
	cat, err := schema.LoadSource("box.hcl", []byte(`
block_type "ABlock" {
  field "x" { type = "optional(string)" }
}
block_type "BBlock" {
  field "y" { type = "optional(string)" }
}
block_type "HolderInactive" {
  block     = "Holder"
  lifecycle = ["initial"]
  field "item" { type = "optional(union(ABlock, BBlock))" }
}
block_type "HolderActive" {
  extends   = "HolderInactive"
  lifecycle = ["active"]
  field "item" { type = "optional(ABlock)" }
}
product_type "Box" {
  field "holder" { type = "Holder" }
}
`))
	s.Require().NoError(err)
	reg := registry.New()
	s.Require().NoError(reg.RegisterCatalog(cat))
	svc := New(s.mockDeps, reg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	sub, err := models.NewSubscription(schema.Product{Ref: "box", Type: "Box"}, "customer-3", reg)
	s.Require().NoError(err)
	bType, _ := cat.Type("BBlock")
	item, err := models.NewBlock(bType, sub.ID, lifecycle.Initial, reg)
	s.Require().NoError(err)
	s.Require().NoError(sub.Child("holder").SetChild("item", item))

	next, err := svc.Transition(s.ctx(), sub, lifecycle.Active, true)
	s.Require().NoError(err)
	s.Equal("HolderActive", next.Child("holder").Type.Name)
	s.Nil(next.Child("holder").Child("item"))
}
