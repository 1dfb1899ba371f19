package loader

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"orchestrator/internal/subscription/cache"
	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/store"
	"orchestrator/internal/subscription/testfixtures"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
)

// countingReader records store calls so tests can assert on access patterns.
type countingReader struct {
	Reader
	calls atomic.Int64
}

func (c *countingReader) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*store.SubscriptionRow, error) {
	c.calls.Add(1)
	return c.Reader.GetSubscription(ctx, subID)
}

func (c *countingReader) GetInstance(ctx context.Context, instanceID id.InstanceID) (*store.InstanceRow, error) {
	c.calls.Add(1)
	return c.Reader.GetInstance(ctx, instanceID)
}

func (c *countingReader) ListValues(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error) {
	c.calls.Add(1)
	return c.Reader.ListValues(ctx, instanceID)
}

func (c *countingReader) ListChildRelations(ctx context.Context, parentID id.InstanceID) ([]store.RelationRow, error) {
	c.calls.Add(1)
	return c.Reader.ListChildRelations(ctx, parentID)
}

func (c *countingReader) FetchTree(ctx context.Context, subID id.SubscriptionID) (*store.Tree, error) {
	c.calls.Add(1)
	return c.Reader.FetchTree(ctx, subID)
}

// =============================================================================
// Loader Test Suite
// =============================================================================
// Rows are written straight into the in-memory store so tests control tags,
// indexes and legacy layouts exactly. Every scenario runs against both the
// recursive and the bulk path.

type LoaderSuite struct {
	suite.Suite
	ctx    context.Context
	fx     *testfixtures.Fixture
	store  *store.InMemoryStore
	reader *countingReader
	subID  id.SubscriptionID
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

func (s *LoaderSuite) SetupTest() {
	s.ctx = context.Background()
	s.fx = testfixtures.MustLoad(s.T())
	s.store = store.NewInMemoryStore()
	s.reader = &countingReader{Reader: s.store}
	s.subID = id.NewSubscriptionID()
	s.Require().NoError(s.store.UpsertSubscription(s.ctx, store.SubscriptionRow{
		ID: s.subID, ProductRef: testfixtures.Link, Status: lifecycle.Initial, Description: "Point to point link",
	}))
}

func (s *LoaderSuite) loaders() map[string]*Loader {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return map[string]*Loader{
		"recursive": New(s.reader, s.fx.Products, s.fx.Registry, WithLogger(logger)),
		"bulk":      New(s.reader, s.fx.Products, s.fx.Registry, WithLogger(logger), WithBulk(true)),
	}
}

func (s *LoaderSuite) instance(typeName string, values ...store.ValueRow) id.InstanceID {
	instanceID := id.NewInstanceID()
	s.Require().NoError(s.store.UpsertInstance(s.ctx, store.InstanceRow{ID: instanceID, TypeName: typeName, OwnerID: s.subID}))
	for i := range values {
		values[i].ID = uuid.New()
		values[i].InstanceID = instanceID
	}
	if len(values) > 0 {
		s.Require().NoError(s.store.UpsertValues(s.ctx, values))
	}
	return instanceID
}

func (s *LoaderSuite) link(parent id.InstanceID, rels ...store.RelationRow) {
	s.Require().NoError(s.store.ReplaceChildRelations(s.ctx, parent, rels))
}

func intp(i int) *int { return &i }

// linkTree writes root -> link -> a_side, b_side with the given edge tags.
func (s *LoaderSuite) linkTree(aTag, bTag string) (link, a, b id.InstanceID) {
	link = s.instance("LinkBlock")
	a = s.instance("PortBlock", store.ValueRow{Field: "name", Value: "a"})
	b = s.instance("PortBlock", store.ValueRow{Field: "name", Value: "b"})
	s.link(s.subID.AsParent(), store.RelationRow{ChildID: link, Tag: "link"})
	s.link(link, store.RelationRow{ChildID: b, Tag: bTag}, store.RelationRow{ChildID: a, Tag: aTag})
	return link, a, b
}

// =============================================================================
// Matching Tests
// =============================================================================

func (s *LoaderSuite) TestTaggedEdges() {
	linkID, a, b := s.linkTree("a_side", "b_side")

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			sub, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().NoError(err)
			s.Equal(lifecycle.Initial, sub.Status)
			s.Equal("Point to point link", sub.Description)

			link := sub.Child("link")
			s.Require().NotNil(link)
			s.Equal(linkID, link.ID)
			s.Equal("LinkBlockInactive", link.Type.Name)
			s.Equal(a, link.Child("a_side").ID)
			s.Equal(b, link.Child("b_side").ID)
			s.Equal("a", link.Child("a_side").Get("name"))
			s.Equal(s.subID, link.Child("a_side").Owner)
		})
	}
}

func (s *LoaderSuite) TestLegacyUntaggedEdges() {
	_, a, b := s.linkTree("", "")

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			sub, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().NoError(err)
			link := sub.Child("link")
			got := []id.InstanceID{link.Child("a_side").ID, link.Child("b_side").ID}
			s.ElementsMatch([]id.InstanceID{a, b}, got)
			s.NotEqual(got[0], got[1])
			s.Empty(link.Children("members"))
		})
	}
}

func (s *LoaderSuite) TestAmbiguousUntaggedEdges() {
	linkID, a, b := s.linkTree("", "")
	c := s.instance("PortBlock")
	s.link(linkID,
		store.RelationRow{ChildID: a},
		store.RelationRow{ChildID: b},
		store.RelationRow{ChildID: c},
	)

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			_, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeAmbiguousInstanceMatch))
		})
	}
}

func (s *LoaderSuite) TestMissingRequiredInstance() {
	linkID, a, _ := s.linkTree("a_side", "b_side")
	s.link(linkID, store.RelationRow{ChildID: a, Tag: "a_side"})

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			_, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeMissingRequiredInstance))
		})
	}
}

func (s *LoaderSuite) TestTaggedEdgeWithWrongBlock() {
	linkID, a, b := s.linkTree("a_side", "b_side")
	node := s.instance("NodeBlock")
	s.link(linkID,
		store.RelationRow{ChildID: a, Tag: "a_side"},
		store.RelationRow{ChildID: b, Tag: "b_side"},
		store.RelationRow{ChildID: node, Tag: "a_side"},
	)

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			_, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
		})
	}
}

func (s *LoaderSuite) TestListOrderFollowsIndex() {
	linkID, a, b := s.linkTree("a_side", "b_side")
	p0, p1 := s.instance("PortBlock"), s.instance("NodeBlock")
	s.link(linkID,
		store.RelationRow{ChildID: a, Tag: "a_side"},
		store.RelationRow{ChildID: b, Tag: "b_side"},
		store.RelationRow{ChildID: p1, Tag: "members", Index: intp(1)},
		store.RelationRow{ChildID: p0, Tag: "members", Index: intp(0)},
	)

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			sub, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().NoError(err)
			members := sub.Child("link").Children("members")
			s.Require().Len(members, 2)
			s.Equal(p0, members[0].ID)
			s.Equal(p1, members[1].ID)
			s.Equal("NodeBlockInactive", members[1].Type.Name)
		})
	}
}

func (s *LoaderSuite) TestTaggedListTakesNoUntaggedEdges() {
	linkID, a, b := s.linkTree("a_side", "b_side")
	member, stray := s.instance("PortBlock"), s.instance("PortBlock")
	s.link(linkID,
		store.RelationRow{ChildID: a, Tag: "a_side"},
		store.RelationRow{ChildID: stray},
		store.RelationRow{ChildID: b, Tag: "b_side"},
		store.RelationRow{ChildID: member, Tag: "members", Index: intp(0)},
	)

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			sub, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().NoError(err)
			members := sub.Child("link").Children("members")
			s.Require().Len(members, 1)
			s.Equal(member, members[0].ID)
		})
	}
}

const pairSchema = `
block_type "PBlock" {
  field "x" { type = "optional(string)" }
}
block_type "NBlock" {
  field "y" { type = "optional(string)" }
}
block_type "Pair" {
  field "b" { type = "union(PBlock, NBlock)" }
  field "a" { type = "PBlock" }
}
product_type "PairProduct" {
  field "pair" { type = "Pair" }
}
`

func (s *LoaderSuite) TestUntaggedMatchingIgnoresEdgeOrder() {
	cat, err := schema.LoadSource("pair.hcl", []byte(pairSchema))
	s.Require().NoError(err)
	reg := registry.New()
	s.Require().NoError(reg.RegisterCatalog(cat))
	products := registry.NewProducts(schema.Product{Ref: "pair", Type: "PairProduct"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Untagged edges are ordered by child id, so fresh ids cover both orders.
	for i := 0; i < 32; i++ {
		st := store.NewInMemoryStore()
		subID := id.NewSubscriptionID()
		s.Require().NoError(st.UpsertSubscription(s.ctx, store.SubscriptionRow{ID: subID, ProductRef: "pair", Status: lifecycle.Initial}))
		pair, p, n := id.NewInstanceID(), id.NewInstanceID(), id.NewInstanceID()
		for instanceID, typeName := range map[id.InstanceID]string{pair: "Pair", p: "PBlock", n: "NBlock"} {
			s.Require().NoError(st.UpsertInstance(s.ctx, store.InstanceRow{ID: instanceID, TypeName: typeName, OwnerID: subID}))
		}
		s.Require().NoError(st.ReplaceChildRelations(s.ctx, subID.AsParent(), []store.RelationRow{{ChildID: pair, Tag: "pair"}}))
		s.Require().NoError(st.ReplaceChildRelations(s.ctx, pair, []store.RelationRow{{ChildID: p}, {ChildID: n}}))

		for _, bulk := range []bool{false, true} {
			l := New(st, products, reg, WithLogger(logger), WithBulk(bulk))
			sub, err := l.LoadSubscription(s.ctx, subID, "")
			s.Require().NoError(err, "bulk=%v", bulk)
			s.Equal(p, sub.Child("pair").Child("a").ID)
			s.Equal(n, sub.Child("pair").Child("b").ID)
		}
	}
}

// =============================================================================
// Value Tests
// =============================================================================

func (s *LoaderSuite) TestValues() {
	linkID, a, b := s.linkTree("a_side", "b_side")
	port := s.instance("PortBlock",
		store.ValueRow{Field: "speed", Value: "10000"},
		store.ValueRow{Field: "vlans", Value: "30", Index: intp(2)},
		store.ValueRow{Field: "vlans", Value: "10", Index: intp(0)},
		store.ValueRow{Field: "vlans", Value: "20", Index: intp(1)},
		store.ValueRow{Field: "retired_field", Value: "x"},
	)
	s.link(linkID,
		store.RelationRow{ChildID: a, Tag: "a_side"},
		store.RelationRow{ChildID: b, Tag: "b_side"},
		store.RelationRow{ChildID: port, Tag: "members", Index: intp(0)},
	)

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			sub, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.Require().NoError(err)
			got := sub.Child("link").Children("members")[0]
			s.Equal(int64(10000), got.Get("speed"))
			s.Equal([]any{int64(10), int64(20), int64(30)}, got.Get("vlans"))
			s.Nil(got.Get("retired_field"))
		})
	}
}

func (s *LoaderSuite) TestBadValue() {
	linkID, a, b := s.linkTree("a_side", "b_side")
	port := s.instance("PortBlock", store.ValueRow{Field: "speed", Value: "fast"})
	s.link(linkID,
		store.RelationRow{ChildID: a, Tag: "a_side"},
		store.RelationRow{ChildID: b, Tag: "b_side"},
		store.RelationRow{ChildID: port, Tag: "members", Index: intp(0)},
	)

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			_, err := l.LoadSubscription(s.ctx, s.subID, "")
			s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
		})
	}
}

// =============================================================================
// Status and Access Tests
// =============================================================================

func (s *LoaderSuite) TestStatusOverride() {
	s.linkTree("a_side", "b_side")

	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			sub, err := l.LoadSubscription(s.ctx, s.subID, lifecycle.Provisioning)
			s.Require().Error(err, "provisioning variants require a circuit id")
			s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
			s.Nil(sub)

			sub, err = l.LoadSubscription(s.ctx, s.subID, lifecycle.Terminated)
			s.Require().NoError(err)
			s.Equal(lifecycle.Terminated, sub.Status)
		})
	}
}

func (s *LoaderSuite) TestNotFound() {
	for mode, l := range s.loaders() {
		s.Run(mode, func() {
			_, err := l.LoadSubscription(s.ctx, id.NewSubscriptionID(), "")
			s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		})
	}
}

func (s *LoaderSuite) TestBulkMatchesRecursive() {
	linkID, a, b := s.linkTree("", "b_side")
	port := s.instance("PortBlock", store.ValueRow{Field: "vlans", Value: "7", Index: intp(0)})
	node := s.instance("NodeBlock", store.ValueRow{Field: "hostname", Value: "core-1"})
	s.link(linkID,
		store.RelationRow{ChildID: a},
		store.RelationRow{ChildID: b, Tag: "b_side"},
		store.RelationRow{ChildID: port, Tag: "members", Index: intp(0)},
	)
	s.link(port, store.RelationRow{ChildID: node, Tag: "node"})

	loaders := s.loaders()
	recursive, err := loaders["recursive"].LoadSubscription(s.ctx, s.subID, "")
	s.Require().NoError(err)
	bulk, err := loaders["bulk"].LoadSubscription(s.ctx, s.subID, "")
	s.Require().NoError(err)
	s.Equal(recursive, bulk)
}

func (s *LoaderSuite) TestBulkUsesOneStoreCall() {
	s.linkTree("a_side", "b_side")
	l := s.loaders()["bulk"]

	_, err := l.LoadSubscription(s.ctx, s.subID, "")
	s.Require().NoError(err)
	s.Equal(int64(1), s.reader.calls.Load())
}

func (s *LoaderSuite) TestReconstructionCache() {
	s.linkTree("a_side", "b_side")
	l := s.loaders()["recursive"]

	ctx, release := cache.Enter(s.ctx)
	defer release()

	first, err := l.LoadSubscription(ctx, s.subID, "")
	s.Require().NoError(err)
	calls := s.reader.calls.Load()

	second, err := l.LoadSubscription(ctx, s.subID, lifecycle.Initial)
	s.Require().NoError(err)
	s.Same(first, second)
	s.Equal(calls, s.reader.calls.Load(), "cached load reads nothing")

	_, err = l.LoadSubscription(ctx, s.subID, lifecycle.Terminated)
	s.Require().NoError(err)
	s.Greater(s.reader.calls.Load(), calls, "another status is rebuilt")
}

func (s *LoaderSuite) TestLoadBlock() {
	linkID, a, b := s.linkTree("b_side", "a_side")
	l := s.loaders()["recursive"]

	s.Run("declared tags route edges", func() {
		link, err := l.LoadBlock(s.ctx, linkID, lifecycle.Initial, Options{MatchDeclaredField: true})
		s.Require().NoError(err)
		s.Equal(b, link.Child("a_side").ID)
		s.Equal(a, link.Child("b_side").ID)
	})

	s.Run("type matching ignores tags", func() {
		link, err := l.LoadBlock(s.ctx, linkID, lifecycle.Initial, Options{})
		s.Require().NoError(err)
		s.ElementsMatch([]id.InstanceID{a, b}, []id.InstanceID{link.Child("a_side").ID, link.Child("b_side").ID})
	})
}

func (s *LoaderSuite) TestLoadBlockBoundary() {
	// The link belongs to another aggregate and its tags would put a node block
	// on a port field.
	foreign := id.NewSubscriptionID()
	linkID := id.NewInstanceID()
	s.Require().NoError(s.store.UpsertInstance(s.ctx, store.InstanceRow{ID: linkID, TypeName: "LinkBlock", OwnerID: foreign}))
	a, b, node := s.instance("PortBlock"), s.instance("PortBlock"), s.instance("NodeBlock")
	s.link(linkID,
		store.RelationRow{ChildID: a, Tag: "a_side"},
		store.RelationRow{ChildID: node, Tag: "a_side"},
		store.RelationRow{ChildID: b, Tag: "b_side"},
	)
	l := s.loaders()["recursive"]

	s.Run("tags outside the boundary are matched by type", func() {
		link, err := l.LoadBlock(s.ctx, linkID, lifecycle.Initial, Options{MatchDeclaredField: true, Boundary: s.subID})
		s.Require().NoError(err)
		s.ElementsMatch([]id.InstanceID{a, b}, []id.InstanceID{link.Child("a_side").ID, link.Child("b_side").ID})
		members := link.Children("members")
		s.Require().Len(members, 1)
		s.Equal(node, members[0].ID)
	})

	s.Run("tags inside the boundary bind", func() {
		_, err := l.LoadBlock(s.ctx, linkID, lifecycle.Initial, Options{MatchDeclaredField: true, Boundary: foreign})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
	})

	s.Run("no boundary binds every tag", func() {
		_, err := l.LoadBlock(s.ctx, linkID, lifecycle.Initial, Options{MatchDeclaredField: true})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeSchemaValidation))
	})
}
