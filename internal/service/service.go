// Package service implements the registry operations: it validates request
// parameters, checks references against a [registry.Store], runs item
// mutations as transactions, and renders results as plain text or CSV.
//
// Every operation is reached through [Service.Execute], which asserts the
// caller's role, records metrics and a span, and returns either the
// response body or an [*Error].
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/registry"
)

// tagLookupConcurrency bounds parallel tag lookups outside a transaction.
const tagLookupConcurrency = 8

type handler func(ctx context.Context, p Params) (string, error)

// Service executes registry operations against a store.
type Service struct {
	store    registry.Store
	metrics  *observe.Metrics
	handlers map[Operation]handler
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics records operation metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New returns a Service backed by store. The store should already carry
// the retry policy (see [registry.NewRetrying]); Service performs one
// MutateItem call per item transaction.
func New(store registry.Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.handlers = map[Operation]handler{
		OpCreateItem:      s.createItem,
		OpUpdateItem:      s.updateItem,
		OpDeleteItem:      s.deleteItem,
		OpGetItem:         s.getItem,
		OpListItems:       s.listItems,
		OpAcquireItem:     s.acquireItem,
		OpCreateLocation:  s.createLocation,
		OpDeleteLocation:  s.deleteLocation,
		OpListLocations:   s.listLocations,
		OpCreateTag:       s.createTag,
		OpDeleteTag:       s.deleteTag,
		OpListTags:        s.listTags,
		OpUpdateAttribute: s.updateAttribute,
		OpGetAttribute:    s.getAttribute,
	}
	return s
}

// Execute runs op on behalf of a caller holding role. On failure the
// returned error is always an [*Error].
func (s *Service) Execute(ctx context.Context, op Operation, role Role, p Params) (body string, err error) {
	h, ok := s.handlers[op]
	if !ok {
		return "", validationErrorf("Unknown operation: %s", op)
	}

	ctx, span := observe.StartOperation(ctx, string(op), string(role))
	s.metrics.InFlightOperations.Add(ctx, 1)
	start := time.Now()
	defer func() {
		s.metrics.InFlightOperations.Add(ctx, -1)
		kind := KindOf(err)
		s.metrics.RecordOperation(ctx, string(op), time.Since(start), kind.String())
		observe.EndOperation(span, kind.String(), err, kind == KindStore || kind == KindStoreTimeout)
	}()

	if !op.Allows(role) {
		return "", authorizationError()
	}

	body, err = h(ctx, p)
	if err != nil {
		e := translate(err)
		switch e.Kind {
		case KindStore, KindStoreTimeout:
			observe.Logger(ctx).Error("store call failed", "operation", op, "err", e.Err)
		default:
			observe.Logger(ctx).Debug("request rejected", "operation", op, "kind", e.Kind.String(), "msg", e.Msg)
		}
		return "", e
	}
	return body, nil
}

// Ping reports whether the underlying store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ─── shared validation helpers ──────────────────────────────────────────────

// missingTag returns the first name in tags that has no tag record, or ""
// when all exist. limit bounds concurrent lookups; pass 1 inside a
// transaction, whose reader may not support concurrent use.
func missingTag(ctx context.Context, r registry.Reader, tags []string, limit int) (string, error) {
	found := make([]bool, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, name := range tags {
		g.Go(func() error {
			_, err := r.FindTag(gctx, name)
			switch {
			case err == nil:
				found[i] = true
			case !errors.Is(err, registry.ErrNotFound):
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	for i, ok := range found {
		if !ok {
			return tags[i], nil
		}
	}
	return "", nil
}

// positiveLimit parses an optional max_items / max_tags parameter.
func positiveLimit(p Params, name string) (int, error) {
	raw, ok := p[name]
	if !ok {
		return registry.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, validationErrorf("Invalid %s (must be a positive integer)", name)
	}
	return n, nil
}

// createCoordinateError describes a dimension mismatch at create time.
func createCoordinateError(kind registry.LocationKind) error {
	if kind == registry.Outdoor {
		return validationError("Invalid coordinates (must be latitude, longitude)")
	}
	return validationError("Invalid coordinates (must be x, y, z)")
}

// updateCoordinateError describes a dimension mismatch at update time.
func updateCoordinateError(kind registry.LocationKind) error {
	return validationErrorf("Invalid coordinates (should be %d for %s location)", kind.Dimensions(), kind)
}
