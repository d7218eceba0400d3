package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/playbook"
)

// MemoryCatalog is an in-memory Catalog for unit tests.
type MemoryCatalog struct {
	mu          sync.RWMutex
	entries     map[string][]*Entry // per path, version ascending
	credentials map[string]*Credential
}

// NewMemoryCatalog returns an empty MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		entries:     make(map[string][]*Entry),
		credentials: make(map[string]*Credential),
	}
}

func (c *MemoryCatalog) Register(_ context.Context, kind, path, content string) (*Entry, error) {
	hash := playbook.ContentHash([]byte(content))
	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.entries[path]
	if n := len(versions); n > 0 && versions[n-1].ContentHash == hash {
		cp := *versions[n-1]
		return &cp, nil
	}
	entry := &Entry{
		Kind:         kind,
		Path:         path,
		Version:      len(versions) + 1,
		Content:      content,
		ContentHash:  hash,
		RegisteredAt: time.Now().UTC(),
	}
	c.entries[path] = append(versions, entry)
	cp := *entry
	return &cp, nil
}

func (c *MemoryCatalog) Get(_ context.Context, path string, version int) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.entries[path]
	if version < 1 || version > len(versions) {
		return nil, ErrNotFound
	}
	cp := *versions[version-1]
	return &cp, nil
}

func (c *MemoryCatalog) Latest(_ context.Context, path string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.entries[path]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (c *MemoryCatalog) List(_ context.Context) ([]*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Entry
	for _, versions := range c.entries {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (c *MemoryCatalog) PutCredential(_ context.Context, cred *Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	cp := *cred
	cp.UpdatedAt = now
	if existing, ok := c.credentials[cred.Name]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	c.credentials[cred.Name] = &cp
	return nil
}

func (c *MemoryCatalog) GetCredential(_ context.Context, name string) (*Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.credentials[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (c *MemoryCatalog) ListCredentials(_ context.Context) ([]*Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Credential
	for _, cred := range c.credentials {
		cp := *cred
		cp.Data = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *MemoryCatalog) DeleteCredential(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.credentials[name]; !ok {
		return ErrNotFound
	}
	delete(c.credentials, name)
	return nil
}
