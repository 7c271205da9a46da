package service

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/mutation"
	"github.com/MrWong99/locus/internal/registry"
)

const msgAttributeFormat = "Invalid attribute (should be in key-value format, e.g., 'temperature=20')"

// updateAttribute sets, increments or decrements one attribute inside an
// item transaction and returns the stored value.
func (s *Service) updateAttribute(ctx context.Context, p Params) (string, error) {
	id := p["item_id"]
	if id == "" {
		return "", validationError("Invalid item_id")
	}
	kv := strings.Split(p["attribute"], "=")
	if len(kv) != 2 {
		return "", validationError(msgAttributeFormat)
	}
	rawKey := kv[0]
	key, op := mutation.Split(rawKey)
	if key == "" {
		return "", validationError(msgAttributeFormat)
	}
	if strings.ContainsAny(key, ", ") {
		return "", validationErrorf("Invalid attribute key (can't contain commas, spaces, or equal signs): %s", key)
	}
	operand := attr.Normalize(kv[1])

	updated, err := s.store.MutateItem(ctx, id, func(_ context.Context, _ registry.Reader, cur registry.Item) (registry.Item, error) {
		attrs := cur.Attributes.Clone()
		if _, err := mutation.Apply(attrs, rawKey, operand); err != nil {
			return cur, invalid(err)
		}
		cur.Attributes = attrs
		return cur, nil
	})
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("Invalid item_id", err)
	}
	if err != nil {
		return "", err
	}
	s.metrics.RecordAttributeMutation(ctx, op.String())
	return updated.Attributes[key].String(), nil
}

func (s *Service) getAttribute(ctx context.Context, p Params) (string, error) {
	id := p["item_id"]
	if id == "" {
		return "", validationError("Invalid item_id")
	}
	it, err := s.store.GetItem(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("Invalid item_id", err)
	}
	if err != nil {
		return "", err
	}
	v, ok := it.Attributes[p["attribute"]]
	if !ok {
		return "", validationError("Invalid attribute (attribute does not exist)")
	}
	return v.String(), nil
}
