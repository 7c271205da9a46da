package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/locus/internal/resilience"
)

// RetryPolicy bounds how [Retrying] re-runs a conflicting transaction.
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between two attempts.
	MaxInterval time.Duration

	// Multiplier grows the delay after every attempt.
	Multiplier float64

	// Deadline bounds the whole transaction, waits included.
	Deadline time.Duration
}

// DefaultRetryPolicy returns the production policy: 1s initial delay growing
// by 1.5x up to 2s, with a 5s overall deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     2 * time.Second,
		Multiplier:      1.5,
		Deadline:        5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Deadline <= 0 {
		p.Deadline = d.Deadline
	}
	return p
}

// Compile-time interface check.
var _ Store = (*Retrying)(nil)

// Retrying wraps a [Store] so that [Store.MutateItem] is retried with
// exponential backoff on [ErrConflict] and [ErrTimeout], and every call
// passes through an optional circuit breaker. Errors produced by the mutate
// function are never retried.
type Retrying struct {
	store   Store
	policy  RetryPolicy
	breaker *resilience.CircuitBreaker
	notify  func(ctx context.Context, err error, next time.Duration)
}

// RetryOption configures a [Retrying] store.
type RetryOption func(*Retrying)

// WithBreaker routes every backend call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) RetryOption {
	return func(r *Retrying) { r.breaker = cb }
}

// WithRetryNotify registers fn to be called before every retry wait.
func WithRetryNotify(fn func(ctx context.Context, err error, next time.Duration)) RetryOption {
	return func(r *Retrying) { r.notify = fn }
}

// NewRetrying wraps s with policy. Zero fields of policy take the values of
// [DefaultRetryPolicy].
func NewRetrying(s Store, policy RetryPolicy, opts ...RetryOption) *Retrying {
	r := &Retrying{store: s, policy: policy.withDefaults()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsStoreFault reports whether err describes a backend failure rather than
// the outcome of the request. Only store faults count against the circuit
// breaker.
func IsStoreFault(err error) bool {
	if err == nil {
		return false
	}
	var ab *abortError
	switch {
	case errors.As(err, &ab),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicateName),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// abortError marks an error returned by a [MutateFunc] so that it is neither
// retried nor counted as a store fault.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func guard[T any](r *Retrying, fn func() (T, error)) (T, error) {
	return resilience.Do(r.breaker, fn)
}

// MutateItem implements [Store.MutateItem] with bounded retries.
func (r *Retrying) MutateItem(ctx context.Context, id string, fn MutateFunc) (Item, error) {
	ctx, cancel := context.WithTimeout(ctx, r.policy.Deadline)
	defer cancel()

	marked := func(ctx context.Context, rd Reader, current Item) (Item, error) {
		next, err := fn(ctx, rd, current)
		switch {
		case err == nil:
		case errors.Is(err, ErrConflict), errors.Is(err, ErrTimeout):
			// A read inside the transaction lost a race; retry it.
			return Item{}, err
		default:
			return Item{}, &abortError{err: err}
		}
		return next, nil
	}

	attempts := 0
	op := func() (Item, error) {
		attempts++
		it, err := guard(r, func() (Item, error) {
			return r.store.MutateItem(ctx, id, marked)
		})
		if err == nil {
			return it, nil
		}

		var ab *abortError
		switch {
		case errors.As(err, &ab):
			return Item{}, backoff.Permanent(ab.err)
		case errors.Is(err, ErrConflict), errors.Is(err, ErrTimeout):
			return Item{}, err
		case errors.Is(err, context.DeadlineExceeded):
			return Item{}, backoff.Permanent(fmt.Errorf("%w: %w", ErrTimeout, err))
		}
		return Item{}, backoff.Permanent(err)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          r.policy.Multiplier,
		MaxInterval:         r.policy.MaxInterval,
	}

	it, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(r.policy.Deadline),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying item transaction", "item_id", id, "attempt", attempts, "next", next, "err", err)
			if r.notify != nil {
				r.notify(ctx, err, next)
			}
		}),
	)
	if err == nil {
		return it, nil
	}

	if errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("item transaction gave up", "item_id", id, "attempts", attempts, "err", err)
		if errors.Is(err, ErrTimeout) {
			return Item{}, err
		}
		return Item{}, fmt.Errorf("%w: item %s after %d attempts: %w", ErrTimeout, id, attempts, err)
	}
	return Item{}, err
}

// ─── Pass-through methods ────────────────────────────────────────────────────

// GetLocation implements [Reader.GetLocation].
func (r *Retrying) GetLocation(ctx context.Context, id string) (Location, error) {
	return guard(r, func() (Location, error) { return r.store.GetLocation(ctx, id) })
}

// FindTag implements [Reader.FindTag].
func (r *Retrying) FindTag(ctx context.Context, name string) (Tag, error) {
	return guard(r, func() (Tag, error) { return r.store.FindTag(ctx, name) })
}

// CreateLocation implements [Store.CreateLocation].
func (r *Retrying) CreateLocation(ctx context.Context, loc Location) (Location, error) {
	return guard(r, func() (Location, error) { return r.store.CreateLocation(ctx, loc) })
}

// ListLocations implements [Store.ListLocations].
func (r *Retrying) ListLocations(ctx context.Context) ([]Location, error) {
	return guard(r, func() ([]Location, error) { return r.store.ListLocations(ctx) })
}

// DeleteLocation implements [Store.DeleteLocation].
func (r *Retrying) DeleteLocation(ctx context.Context, id string) (int, error) {
	return guard(r, func() (int, error) { return r.store.DeleteLocation(ctx, id) })
}

// CreateTag implements [Store.CreateTag].
func (r *Retrying) CreateTag(ctx context.Context, tag Tag) (Tag, error) {
	return guard(r, func() (Tag, error) { return r.store.CreateTag(ctx, tag) })
}

// ListTags implements [Store.ListTags].
func (r *Retrying) ListTags(ctx context.Context, limit int) ([]Tag, error) {
	return guard(r, func() ([]Tag, error) { return r.store.ListTags(ctx, limit) })
}

// DeleteTag implements [Store.DeleteTag].
func (r *Retrying) DeleteTag(ctx context.Context, id string) error {
	_, err := guard(r, func() (struct{}, error) { return struct{}{}, r.store.DeleteTag(ctx, id) })
	return err
}

// CreateItem implements [Store.CreateItem].
func (r *Retrying) CreateItem(ctx context.Context, item Item) (Item, error) {
	return guard(r, func() (Item, error) { return r.store.CreateItem(ctx, item) })
}

// GetItem implements [Store.GetItem].
func (r *Retrying) GetItem(ctx context.Context, id string) (Item, error) {
	return guard(r, func() (Item, error) { return r.store.GetItem(ctx, id) })
}

// DeleteItem implements [Store.DeleteItem].
func (r *Retrying) DeleteItem(ctx context.Context, id string) error {
	_, err := guard(r, func() (struct{}, error) { return struct{}{}, r.store.DeleteItem(ctx, id) })
	return err
}

// ListItems implements [Store.ListItems].
func (r *Retrying) ListItems(ctx context.Context, q ItemQuery) ([]Item, error) {
	return guard(r, func() ([]Item, error) { return r.store.ListItems(ctx, q) })
}

// Ping implements [Store.Ping]. It bypasses the circuit breaker so that
// readiness probes observe the backend directly.
func (r *Retrying) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
