// Package service is the entry point of the subscription engine. It ties the
// loader, saver and transitioner to one store and adds logging, metrics and
// tracing around them.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orchestrator/internal/subscription/cache"
	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/loader"
	"orchestrator/internal/subscription/metrics"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/saver"
	"orchestrator/internal/subscription/store"
	"orchestrator/internal/subscription/transition"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
	"orchestrator/pkg/platform/sentinel"
)

var tracer = otel.Tracer("orchestrator.subscription")

type Service struct {
	store       store.Store
	types       *registry.Registry
	products    loader.ProductCatalog
	loader      *loader.Loader
	saver       *saver.Saver
	transitions *transition.Transitioner
	logger      *slog.Logger
	metrics     *metrics.Metrics
	bulk        bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithBulkLoad makes root loads fetch the whole tree in one store call.
func WithBulkLoad(enabled bool) Option {
	return func(s *Service) {
		s.bulk = enabled
	}
}

func New(st store.Store, types *registry.Registry, products loader.ProductCatalog, opts ...Option) *Service {
	s := &Service{store: st, types: types, products: products, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.loader = loader.New(st, products, types, loader.WithLogger(s.logger), loader.WithBulk(s.bulk))
	s.saver = saver.New(st, types, saver.WithLogger(s.logger))
	s.transitions = transition.New(st, types, transition.WithLogger(s.logger))
	return s
}

// WithReconstructionCache runs fn with a reconstruction cache scope in its
// context. Loads inside fn return the same tree for a subscription already
// loaded in that status. The scope is cleared when fn returns, also on panic.
func (s *Service) WithReconstructionCache(ctx context.Context, fn func(ctx context.Context) error) error {
	outer := cache.Active(ctx)
	ctx, release := cache.Enter(ctx)
	defer release()
	if !outer {
		defer func() {
			s.metrics.AddCacheLookups(cache.Stats(ctx))
		}()
	}
	return fn(ctx)
}

// Load rebuilds a subscription. An empty status means the persisted one.
func (s *Service) Load(ctx context.Context, subID id.SubscriptionID, status lifecycle.Status) (*models.Subscription, error) {
	ctx, span := tracer.Start(ctx, "subscription.Load", trace.WithAttributes(
		attribute.String("subscription.id", subID.String()),
		attribute.String("subscription.status", string(status)),
		attribute.Bool("subscription.bulk", s.bulk),
	))
	defer span.End()

	start := time.Now()
	sub, err := s.loader.LoadSubscription(ctx, subID, status)
	if err != nil {
		return nil, s.fail(ctx, span, "load", err)
	}
	s.metrics.ObserveLoadLatency(s.bulk, time.Since(start))
	return sub, nil
}

// LoadBlock rebuilds one block and its subtree. With matchDeclaredField unset
// edges are matched by block type only. A non-nil boundary keeps tag routing to
// instances that aggregate owns.
func (s *Service) LoadBlock(ctx context.Context, instanceID id.InstanceID, status lifecycle.Status, matchDeclaredField bool, boundary id.SubscriptionID) (*models.Block, error) {
	ctx, span := tracer.Start(ctx, "subscription.LoadBlock", trace.WithAttributes(
		attribute.String("instance.id", instanceID.String()),
		attribute.String("subscription.status", string(status)),
	))
	defer span.End()
	if !boundary.IsNil() {
		span.SetAttributes(attribute.String("subscription.boundary", boundary.String()))
	}

	b, err := s.loader.LoadBlock(ctx, instanceID, status, loader.Options{MatchDeclaredField: matchDeclaredField, Boundary: boundary})
	if err != nil {
		return nil, s.fail(ctx, span, "load_block", err)
	}
	return b, nil
}

// Create builds a new, unsaved subscription of the product in the initial status.
func (s *Service) Create(ctx context.Context, productRef, customerID string) (*models.Subscription, error) {
	product, err := s.products.GetProduct(ctx, productRef)
	if err != nil {
		return nil, productError(err, productRef)
	}
	sub, err := models.NewSubscription(product, customerID, s.types)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Save persists sub. Inside a reconstruction cache scope the entry for sub is
// replaced by the saved tree, or dropped when the save fails.
func (s *Service) Save(ctx context.Context, sub *models.Subscription) (*saver.RowsWritten, error) {
	ctx, span := tracer.Start(ctx, "subscription.Save", trace.WithAttributes(
		attribute.String("subscription.id", sub.ID.String()),
		attribute.String("subscription.status", string(sub.Status)),
	))
	defer span.End()

	start := time.Now()
	written, err := s.saver.SaveSubscription(ctx, sub)
	if err != nil {
		cache.Invalidate(ctx, sub.ID)
		return nil, s.fail(ctx, span, "save", err)
	}
	s.metrics.ObserveSaveLatency(time.Since(start))
	cache.Put(ctx, sub)
	span.SetAttributes(
		attribute.Int("subscription.instances", len(written.Instances)),
		attribute.Int("subscription.deleted", len(written.Deleted)),
	)
	s.logger.InfoContext(ctx, "subscription saved",
		"subscription_id", sub.ID.String(),
		"status", string(sub.Status),
		"instances", len(written.Instances),
		"deleted", len(written.Deleted),
	)
	return written, nil
}

// Transition returns a copy of sub typed for target without saving it.
func (s *Service) Transition(ctx context.Context, sub *models.Subscription, target lifecycle.Status, skipSafetyCheck bool) (*models.Subscription, error) {
	ctx, span := tracer.Start(ctx, "subscription.Transition", trace.WithAttributes(
		attribute.String("subscription.id", sub.ID.String()),
		attribute.String("subscription.from", string(sub.Status)),
		attribute.String("subscription.to", string(target)),
		attribute.Bool("subscription.skip_safety_check", skipSafetyCheck),
	))
	defer span.End()

	next, err := s.transitions.Transition(ctx, sub, target, skipSafetyCheck)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnsafeLifecycleTransition) {
			s.metrics.IncrementBlockedTransition(string(target))
		}
		return nil, s.fail(ctx, span, "transition", err)
	}
	return next, nil
}

// ChangeStatus loads a subscription, moves it to target and saves it, all in
// one reconstruction cache scope.
func (s *Service) ChangeStatus(ctx context.Context, subID id.SubscriptionID, target lifecycle.Status, skipSafetyCheck bool) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.WithReconstructionCache(ctx, func(ctx context.Context) error {
		sub, err := s.Load(ctx, subID, "")
		if err != nil {
			return err
		}
		from := sub.Status
		next, err := s.Transition(ctx, sub, target, skipSafetyCheck)
		if err != nil {
			return err
		}
		if _, err := s.Save(ctx, next); err != nil {
			return err
		}
		s.metrics.IncrementTransition(string(target))
		s.logger.InfoContext(ctx, "subscription status changed",
			"subscription_id", subID.String(),
			"from", string(from),
			"to", string(target),
			"skip_safety_check", skipSafetyCheck,
		)
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Dependents lists the subscriptions linking to blocks the subscription owns.
func (s *Service) Dependents(ctx context.Context, subID id.SubscriptionID) ([]transition.Dependent, error) {
	ctx, span := tracer.Start(ctx, "subscription.Dependents", trace.WithAttributes(
		attribute.String("subscription.id", subID.String()),
	))
	defer span.End()

	sub, err := s.Load(ctx, subID, "")
	if err != nil {
		return nil, err
	}
	deps, err := s.transitions.Dependents(ctx, sub)
	if err != nil {
		return nil, s.fail(ctx, span, "dependents", err)
	}
	span.SetAttributes(attribute.Int("subscription.dependents", len(deps)))
	return deps, nil
}

// productError keeps coded catalog errors and maps the rest.
func productError(err error, ref string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "product "+ref+" not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load product")
}

func (s *Service) fail(ctx context.Context, span trace.Span, operation string, err error) error {
	code := dErrors.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	s.metrics.IncrementError(operation, string(code))
	if code == dErrors.CodeInternal {
		s.logger.ErrorContext(ctx, "subscription operation failed", "operation", operation, "error", err)
	} else {
		s.logger.WarnContext(ctx, "subscription operation rejected", "operation", operation, "code", string(code), "error", err)
	}
	return err
}
