// Package loader rebuilds typed subscription trees from persisted rows.
//
// Every node is typed with the registry variant of its persisted block name for
// the requested status. Child edges are routed to the parent's declared fields by
// their field tag; edges without a usable tag are matched by block type, which
// covers legacy rows written before tags existed.
package loader

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"orchestrator/internal/subscription/cache"
	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/store"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
	"orchestrator/pkg/platform/sentinel"
)

// Reader is the part of the store the loader reads.
type Reader interface {
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*store.SubscriptionRow, error)
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*store.InstanceRow, error)
	ListValues(ctx context.Context, instanceID id.InstanceID) ([]store.ValueRow, error)
	ListChildRelations(ctx context.Context, parentID id.InstanceID) ([]store.RelationRow, error)
	FetchTree(ctx context.Context, subID id.SubscriptionID) (*store.Tree, error)
}

// ProductCatalog resolves product definitions.
type ProductCatalog interface {
	GetProduct(ctx context.Context, ref string) (schema.Product, error)
}

type Loader struct {
	reader   Reader
	products ProductCatalog
	types    *registry.Registry
	logger   *slog.Logger
	bulk     bool
}

type Option func(*Loader)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithBulk makes LoadSubscription fetch the whole tree in one store call.
func WithBulk(enabled bool) Option {
	return func(l *Loader) {
		l.bulk = enabled
	}
}

func New(reader Reader, products ProductCatalog, types *registry.Registry, opts ...Option) *Loader {
	l := &Loader{reader: reader, products: products, types: types, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Options tune non-root loads.
type Options struct {
	// MatchDeclaredField routes edges by their field tag. When false every edge
	// is treated as untagged and matched by block type only.
	MatchDeclaredField bool
	// Boundary, when set, limits tag routing to edges under instances owned by
	// that aggregate. Edges elsewhere in the tree are matched by block type, as
	// when loading a child tree embedded in another aggregate's tree.
	Boundary id.SubscriptionID
}

// Bulk reports whether root loads use the single-fetch path.
func (l *Loader) Bulk() bool { return l.bulk }

// LoadSubscription rebuilds a whole subscription. An empty status means the
// persisted one. Inside a reconstruction cache scope a subscription already
// loaded in that status is returned without store access.
func (l *Loader) LoadSubscription(ctx context.Context, subID id.SubscriptionID, status lifecycle.Status) (*models.Subscription, error) {
	if cached, ok := cache.Get(ctx, subID); ok && (status == "" || cached.Status == status) {
		return cached, nil
	}

	var (
		row *store.SubscriptionRow
		src source
	)
	if l.bulk {
		tree, err := l.reader.FetchTree(ctx, subID)
		if err != nil {
			return nil, translate(err, "subscription not found", "failed to fetch subscription tree")
		}
		row, src = &tree.Subscription, treeSource{tree: tree}
	} else {
		r, err := l.reader.GetSubscription(ctx, subID)
		if err != nil {
			return nil, translate(err, "subscription not found", "failed to load subscription")
		}
		row, src = r, newStoreSource(l.reader)
	}

	sub, err := l.buildSubscription(ctx, src, row, status)
	if err != nil {
		return nil, err
	}
	cache.Put(ctx, sub)
	return sub, nil
}

// LoadBlock rebuilds one block and its subtree.
func (l *Loader) LoadBlock(ctx context.Context, instanceID id.InstanceID, status lifecycle.Status, opts Options) (*models.Block, error) {
	w := l.newWalk(newStoreSource(l.reader), status, opts)
	return w.block(ctx, instanceID)
}

func (l *Loader) buildSubscription(ctx context.Context, src source, row *store.SubscriptionRow, status lifecycle.Status) (*models.Subscription, error) {
	if status == "" {
		status = row.Status
	}
	product, err := l.products.GetProduct(ctx, row.ProductRef)
	if err != nil {
		return nil, translate(err, "product "+row.ProductRef+" not found", "failed to load product")
	}
	t, ok := l.types.Resolve(product.Type, status)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeSchemaValidation, "product type %s not registered", product.Type)
	}

	sub := models.HydrateSubscription(t, row.ID, product, status)
	sub.Description = row.Description
	sub.CustomerID = row.CustomerID
	sub.Insync = row.Insync
	sub.Note = row.Note
	sub.StartDate = row.StartDate
	sub.EndDate = row.EndDate
	inputs := make(map[string]string, len(row.FixedInputs))
	for name, text := range row.FixedInputs {
		if _, ok := schema.MustIntrospect(t).Scalar(name); ok {
			inputs[name] = text
		}
	}
	if err := sub.SetFixedInputs(inputs); err != nil {
		l.logInvalid(ctx, row.ID.String(), t, row.FixedInputs, err)
		return nil, err
	}

	w := l.newWalk(src, status, Options{MatchDeclaredField: true})
	children, err := w.match(ctx, t, row.ID.AsParent(), row.ID)
	if err != nil {
		return nil, err
	}
	sub.SetChildMap(children)
	if err := sub.Node.Validate(); err != nil {
		l.logInvalid(ctx, row.ID.String(), t, row.FixedInputs, err)
		return nil, err
	}
	return sub, nil
}

func (l *Loader) logInvalid(ctx context.Context, nodeID string, t *schema.BlockType, raw any, err error) {
	l.logger.ErrorContext(ctx, "persisted node failed validation",
		"instance_id", nodeID,
		"type", t.Name,
		"values", raw,
		"error", err,
	)
}

// translate maps store errors to coded errors.
func translate(err error, notFound, internal string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, notFound)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, internal)
}

// walk holds the state of one load: the row source, the target status, and the
// blocks already built so shared children are built once.
type walk struct {
	l      *Loader
	src    source
	status lifecycle.Status
	opts   Options
	built  map[id.InstanceID]*models.Block
	path   map[id.InstanceID]bool
}

func (l *Loader) newWalk(src source, status lifecycle.Status, opts Options) *walk {
	return &walk{
		l:      l,
		src:    src,
		status: status,
		opts:   opts,
		built:  map[id.InstanceID]*models.Block{},
		path:   map[id.InstanceID]bool{},
	}
}

func (w *walk) block(ctx context.Context, instanceID id.InstanceID) (*models.Block, error) {
	if b, ok := w.built[instanceID]; ok {
		return b, nil
	}
	if w.path[instanceID] {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "relation cycle through instance %s", instanceID)
	}
	w.path[instanceID] = true
	defer delete(w.path, instanceID)

	row, err := w.src.instance(ctx, instanceID)
	if err != nil {
		return nil, translate(err, "instance "+instanceID.String()+" not found", "failed to load instance")
	}
	t, ok := w.l.types.Resolve(row.TypeName, w.status)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeSchemaValidation, "instance %s has unknown block type %s", instanceID, row.TypeName)
	}

	valueRows, err := w.src.values(ctx, instanceID)
	if err != nil {
		return nil, translate(err, "values not found", "failed to load values")
	}
	values, err := w.coerce(ctx, t, valueRows)
	if err != nil {
		w.l.logInvalid(ctx, instanceID.String(), t, rawValues(valueRows), err)
		return nil, err
	}

	children, err := w.match(ctx, t, instanceID, row.OwnerID)
	if err != nil {
		return nil, err
	}

	b := models.Hydrate(t, row.ID, row.OwnerID, row.Label)
	b.SetValues(values)
	b.SetChildMap(children)
	if err := b.Validate(); err != nil {
		w.l.logInvalid(ctx, instanceID.String(), t, rawValues(valueRows), err)
		return nil, err
	}
	w.built[instanceID] = b
	return b, nil
}

// coerce turns value rows into canonical values. Rows for fields the variant
// does not declare are skipped; a stricter variant may have written them.
func (w *walk) coerce(ctx context.Context, t *schema.BlockType, rows []store.ValueRow) (map[string]any, error) {
	fields := schema.MustIntrospect(t)
	values := map[string]any{}
	lists := map[string][]store.ValueRow{}
	for _, row := range rows {
		f, ok := fields.Scalar(row.Field)
		if !ok {
			w.l.logger.DebugContext(ctx, "skipping undeclared value",
				"instance_id", row.InstanceID.String(), "type", t.Name, "field", row.Field)
			continue
		}
		if f.List {
			lists[f.Name] = append(lists[f.Name], row)
			continue
		}
		v, err := schema.Coerce(f.Kind, row.Value)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeSchemaValidation, t.Name+"."+f.Name)
		}
		values[f.Name] = v
	}
	for name, items := range lists {
		f, _ := fields.Scalar(name)
		sort.SliceStable(items, func(i, j int) bool { return indexOf(items[i].Index) < indexOf(items[j].Index) })
		list := make([]any, len(items))
		for i, row := range items {
			v, err := schema.Coerce(f.Kind, row.Value)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeSchemaValidation, t.Name+"."+f.Name)
			}
			list[i] = v
		}
		values[name] = list
	}
	return values, nil
}

func rawValues(rows []store.ValueRow) map[string][]string {
	out := map[string][]string{}
	for _, row := range rows {
		out[row.Field] = append(out[row.Field], row.Value)
	}
	return out
}

// indexOf orders unindexed rows after indexed ones.
func indexOf(i *int) int {
	if i == nil {
		return int(^uint(0) >> 1)
	}
	return *i
}
