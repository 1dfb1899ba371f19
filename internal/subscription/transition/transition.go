// Package transition moves subscriptions between lifecycle states.
//
// A transition rebuilds the tree under the registry variants for the target
// status, field by field. Before that it checks every subscription that depends
// on one of the moving subscription's blocks: each dependent must be in a state
// the lifecycle table allows for the target.
package transition

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
	"orchestrator/pkg/platform/sentinel"
	"orchestrator/pkg/requestcontext"
)

// DependencyReader finds the subscriptions linking to a block.
type DependencyReader interface {
	ListParentRelations(ctx context.Context, childID id.InstanceID) ([]store.RelationRow, error)
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*store.InstanceRow, error)
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*store.SubscriptionRow, error)
}

type Transitioner struct {
	deps   DependencyReader
	types  *registry.Registry
	logger *slog.Logger
}

type Option func(*Transitioner)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transitioner) {
		t.logger = logger
	}
}

func New(deps DependencyReader, types *registry.Registry, opts ...Option) *Transitioner {
	t := &Transitioner{deps: deps, types: types, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dependent is a subscription linking to a block of another subscription.
type Dependent struct {
	SubscriptionID id.SubscriptionID
	Description    string
	Status         lifecycle.Status
	// InstanceID is the linked block.
	InstanceID id.InstanceID
}

// Transition returns a copy of sub typed for target. Owned blocks are rebuilt
// under their target variants; foreign blocks are kept as they are. Entering the
// active state stamps an unset start date, entering terminated an unset end date.
//
// Errors: CodeUnsafeLifecycleTransition when a dependent is in a state not
// allowed for target (unless skipSafetyCheck), CodeSchemaValidation when the
// rebuilt tree does not satisfy the target variants.
func (t *Transitioner) Transition(ctx context.Context, sub *models.Subscription, target lifecycle.Status, skipSafetyCheck bool) (*models.Subscription, error) {
	if !target.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid lifecycle status %q", target)
	}
	if !skipSafetyCheck {
		if err := t.checkDependents(ctx, sub, target); err != nil {
			return nil, err
		}
	}

	rootType, ok := t.types.Resolve(sub.Type.Block, target)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeInvalidLifecycleType, "product type %s not registered", sub.Type.Block)
	}
	next := models.HydrateSubscription(rootType, sub.ID, sub.Product, target)
	next.Description = sub.Description
	next.CustomerID = sub.CustomerID
	next.Insync = sub.Insync
	next.Note = sub.Note
	next.StartDate = sub.StartDate
	next.EndDate = sub.EndDate

	r := &rebuild{t: t, owner: sub.ID, status: target, done: map[id.InstanceID]*models.Block{}}
	if err := r.node(ctx, &next.Node, &sub.Node); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	if target.IsActiveEquivalent() && next.StartDate == nil {
		next.StartDate = &now
	}
	if target.IsTerminal() && next.EndDate == nil {
		next.EndDate = &now
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Dependents lists the subscriptions other than sub that link to blocks sub owns.
func (t *Transitioner) Dependents(ctx context.Context, sub *models.Subscription) ([]Dependent, error) {
	var out []Dependent
	seen := map[id.SubscriptionID]bool{}
	for _, b := range sub.Blocks() {
		if b.Owner != sub.ID {
			continue
		}
		rels, err := t.deps.ListParentRelations(ctx, b.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list dependents")
		}
		for _, rel := range rels {
			owner, err := t.ownerOf(ctx, rel.ParentID)
			if err != nil {
				return nil, err
			}
			if owner.IsNil() || owner == sub.ID || seen[owner] {
				continue
			}
			seen[owner] = true
			row, err := t.deps.GetSubscription(ctx, owner)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependent subscription")
			}
			out = append(out, Dependent{
				SubscriptionID: owner,
				Description:    row.Description,
				Status:         row.Status,
				InstanceID:     b.ID,
			})
		}
	}
	return out, nil
}

func (t *Transitioner) checkDependents(ctx context.Context, sub *models.Subscription, target lifecycle.Status) error {
	dependents, err := t.Dependents(ctx, sub)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if lifecycle.IsSafeDependent(target, dep.Status) {
			continue
		}
		t.logger.WarnContext(ctx, "transition blocked by dependent subscription",
			"subscription_id", sub.ID.String(),
			"status", string(target),
			"dependent_id", dep.SubscriptionID.String(),
			"dependent_status", string(dep.Status),
			"dependent_description", dep.Description,
		)
		return dErrors.Newf(dErrors.CodeUnsafeLifecycleTransition,
			"subscription %q (%s) depends on instance %s and is %s", dep.Description, dep.SubscriptionID, dep.InstanceID, dep.Status)
	}
	return nil
}

// ownerOf returns the subscription owning a relation's parent. The parent is an
// instance, or a subscription for root edges. Unknown parents yield a nil id.
func (t *Transitioner) ownerOf(ctx context.Context, parentID id.InstanceID) (id.SubscriptionID, error) {
	row, err := t.deps.GetInstance(ctx, parentID)
	if err == nil {
		return row.OwnerID, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return id.SubscriptionID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load parent instance")
	}
	subID := id.SubscriptionID(parentID)
	if _, err := t.deps.GetSubscription(ctx, subID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return id.SubscriptionID{}, nil
		}
		return id.SubscriptionID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load parent subscription")
	}
	return subID, nil
}

type rebuild struct {
	t      *Transitioner
	owner  id.SubscriptionID
	status lifecycle.Status
	done   map[id.InstanceID]*models.Block
}

// node copies the fields of from into to, whose type is already the target
// variant.
func (r *rebuild) node(ctx context.Context, to, from *models.Node) error {
	fields := schema.MustIntrospect(to.Type)
	values := map[string]any{}
	for name, v := range from.Values() {
		if _, ok := fields.Scalar(name); !ok {
			r.t.logger.DebugContext(ctx, "dropping field absent from target variant",
				"type", to.Type.Name, "field", name)
			continue
		}
		values[name] = v
	}
	to.SetValues(values)

	children := map[string][]*models.Block{}
	for _, f := range fields.Children {
		for _, child := range from.Children(f.Name) {
			if !f.Accepts(child.Type.Block) {
				r.t.logger.WarnContext(ctx, "skipping child whose block is not a member of the target field",
					"type", to.Type.Name, "field", f.Name, "block", child.Type.Block, "instance_id", child.ID.String())
				continue
			}
			rebuilt, err := r.block(ctx, child)
			if err != nil {
				return err
			}
			children[f.Name] = append(children[f.Name], rebuilt)
		}
	}
	to.SetChildMap(children)
	return nil
}

func (r *rebuild) block(ctx context.Context, b *models.Block) (*models.Block, error) {
	if b.Owner != r.owner {
		return b, nil
	}
	if done, ok := r.done[b.ID]; ok {
		return done, nil
	}
	t, ok := r.t.types.Resolve(b.Type.Block, r.status)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeInvalidLifecycleType, "block %s not registered", b.Type.Block)
	}
	next := models.Hydrate(t, b.ID, b.Owner, b.Label)
	r.done[b.ID] = next
	if err := r.node(ctx, &next.Node, &b.Node); err != nil {
		return nil, err
	}
	return next, nil
}
