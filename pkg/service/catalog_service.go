package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/noetl/noetl/pkg/cache"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/playbook"
)

// CatalogService handles playbook registration and credential management.
type CatalogService struct {
	cat   catalog.Catalog
	creds *cache.CredentialCache
}

// NewCatalogService creates a new CatalogService. creds may be nil when no
// cache is configured.
func NewCatalogService(cat catalog.Catalog, creds *cache.CredentialCache) *CatalogService {
	if cat == nil {
		panic("NewCatalogService: catalog must not be nil")
	}
	return &CatalogService{cat: cat, creds: creds}
}

// RegisterPlaybook parses, validates, and stores playbook YAML. The catalog
// path comes from the document's `path` (falling back to `name`).
func (s *CatalogService) RegisterPlaybook(ctx context.Context, content string) (*catalog.Entry, error) {
	if content == "" {
		return nil, NewValidationError("content", "playbook content is required")
	}
	pb, err := playbook.Parse([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := playbook.Validate(pb); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	path := pb.Path
	if path == "" {
		path = pb.Name
	}
	if path == "" {
		return nil, NewValidationError("path", "playbook must declare a path or name")
	}
	return s.cat.Register(ctx, catalog.KindPlaybook, path, content)
}

// GetPlaybook returns one registered version; version 0 means latest.
func (s *CatalogService) GetPlaybook(ctx context.Context, path string, version int) (*catalog.Entry, error) {
	var entry *catalog.Entry
	var err error
	if version > 0 {
		entry, err = s.cat.Get(ctx, path, version)
	} else {
		entry, err = s.cat.Latest(ctx, path)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListPlaybooks returns the latest version of every registered path.
func (s *CatalogService) ListPlaybooks(ctx context.Context) ([]*catalog.Entry, error) {
	return s.cat.List(ctx)
}

// PutCredential stores a credential and drops any cached copy.
func (s *CatalogService) PutCredential(ctx context.Context, cred *catalog.Credential) error {
	if cred.Name == "" {
		return NewValidationError("name", "credential name is required")
	}
	if err := s.cat.PutCredential(ctx, cred); err != nil {
		return err
	}
	if s.creds != nil {
		s.creds.Invalidate(ctx, cred.Name)
	}
	return nil
}

// GetCredential resolves a credential with data, via the cache when present.
func (s *CatalogService) GetCredential(ctx context.Context, name string) (*catalog.Credential, error) {
	var cred *catalog.Credential
	var err error
	if s.creds != nil {
		cred, err = s.creds.Get(ctx, name)
	} else {
		cred, err = s.cat.GetCredential(ctx, name)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	return cred, err
}

// ListCredentials returns credentials without data payloads.
func (s *CatalogService) ListCredentials(ctx context.Context) ([]*catalog.Credential, error) {
	return s.cat.ListCredentials(ctx)
}

// DeleteCredential removes a credential and its cached copy.
func (s *CatalogService) DeleteCredential(ctx context.Context, name string) error {
	err := s.cat.DeleteCredential(ctx, name)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if s.creds != nil {
		s.creds.Invalidate(ctx, name)
	}
	return nil
}
