package service

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/locus/internal/registry"
)

func (s *Service) createTag(ctx context.Context, p Params) (string, error) {
	name := p["name"]
	switch {
	case name == "":
		return "", validationError("name is required")
	case strings.Contains(name, " "):
		return "", validationError("name can't contain spaces")
	case strings.Contains(name, ","):
		return "", validationError("name can't contain commas")
	}

	tag, err := s.store.CreateTag(ctx, registry.Tag{Name: name})
	if errors.Is(err, registry.ErrDuplicateName) {
		return "", conflictError("name must be unique", err)
	}
	if err != nil {
		return "", err
	}
	return "Tag created successfully," + tag.ID, nil
}

// deleteTag removes the tag record only. Items that carry the name keep it.
func (s *Service) deleteTag(ctx context.Context, p Params) (string, error) {
	name := p["tag"]
	if name == "" {
		return "", validationError("tag is required")
	}
	tag, err := s.store.FindTag(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("The tag does not exist", err)
	}
	if err != nil {
		return "", err
	}
	if err := s.store.DeleteTag(ctx, tag.ID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", notFoundError("The tag does not exist", err)
		}
		return "", err
	}
	return "The tag was deleted successfully", nil
}

func (s *Service) listTags(ctx context.Context, p Params) (string, error) {
	limit, err := positiveLimit(p, "max_tags")
	if err != nil {
		return "", err
	}
	tags, err := s.store.ListTags(ctx, limit)
	if err != nil {
		return "", err
	}
	return tagList(tags), nil
}
