// Package catalog is the versioned registry of playbooks and the credential
// store. Paths are logical identifiers; each registration of new content
// bumps the path's version, while re-registering identical content is a
// no-op returning the existing version.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/noetl/noetl/pkg/model"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the entry or credential does not exist.
	ErrNotFound = errors.New("catalog entry not found")
)

// KindPlaybook is the only resource kind the engine executes today. The
// column exists so datasets and other resource kinds can share the table.
const KindPlaybook = "playbook"

// Entry is one registered resource version.
type Entry struct {
	Kind         string    `json:"kind"`
	Path         string    `json:"path"`
	Version      int       `json:"version"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Credential is a named opaque secret payload. Data is never written to the
// event log or to any log line.
type Credential struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Data      model.JSON `json:"data,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Catalog stores versioned resources and credentials.
type Catalog interface {
	// Register stores content under path. Identical content returns the
	// current version unchanged; new content gets version latest+1.
	Register(ctx context.Context, kind, path, content string) (*Entry, error)
	// Get returns one exact version, or ErrNotFound.
	Get(ctx context.Context, path string, version int) (*Entry, error)
	// Latest returns the highest version for path, or ErrNotFound.
	Latest(ctx context.Context, path string) (*Entry, error)
	// List returns the latest version of every path, ordered by path.
	List(ctx context.Context) ([]*Entry, error)

	// PutCredential creates or replaces a credential.
	PutCredential(ctx context.Context, cred *Credential) error
	// GetCredential returns the credential with its data, or ErrNotFound.
	GetCredential(ctx context.Context, name string) (*Credential, error)
	// ListCredentials returns all credentials without their data payloads.
	ListCredentials(ctx context.Context) ([]*Credential, error)
	// DeleteCredential removes the credential, ErrNotFound when absent.
	DeleteCredential(ctx context.Context, name string) error
}
