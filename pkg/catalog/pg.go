package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/playbook"
)

// PGCatalog is the PostgreSQL Catalog.
type PGCatalog struct {
	pool *pgxpool.Pool
}

// NewPGCatalog wraps an existing pool.
func NewPGCatalog(pool *pgxpool.Pool) *PGCatalog {
	return &PGCatalog{pool: pool}
}

func (c *PGCatalog) Register(ctx context.Context, kind, path, content string) (*Entry, error) {
	hash := playbook.ContentHash([]byte(content))

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin register: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the path's version chain so concurrent registrations serialize.
	var latestVersion int
	var latestHash string
	err = tx.QueryRow(ctx, `
		SELECT version, content_hash FROM catalog
		WHERE path = $1 ORDER BY version DESC LIMIT 1
		FOR UPDATE`, path).Scan(&latestVersion, &latestHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock catalog path %q: %w", path, err)
	}
	if latestHash == hash {
		return c.Get(ctx, path, latestVersion)
	}

	entry := &Entry{Kind: kind, Path: path, Version: latestVersion + 1, Content: content, ContentHash: hash}
	err = tx.QueryRow(ctx, `
		INSERT INTO catalog (kind, path, version, content, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING registered_at`,
		kind, path, entry.Version, content, hash).Scan(&entry.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("register %q v%d: %w", path, entry.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit register: %w", err)
	}
	return entry, nil
}

func (c *PGCatalog) Get(ctx context.Context, path string, version int) (*Entry, error) {
	return c.queryOne(ctx, `
		SELECT kind, path, version, content, content_hash, registered_at
		FROM catalog WHERE path = $1 AND version = $2`, path, version)
}

func (c *PGCatalog) Latest(ctx context.Context, path string) (*Entry, error) {
	return c.queryOne(ctx, `
		SELECT kind, path, version, content, content_hash, registered_at
		FROM catalog WHERE path = $1 ORDER BY version DESC LIMIT 1`, path)
}

func (c *PGCatalog) List(ctx context.Context) ([]*Entry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT DISTINCT ON (path) kind, path, version, content, content_hash, registered_at
		FROM catalog ORDER BY path, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Kind, &e.Path, &e.Version, &e.Content, &e.ContentHash, &e.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (c *PGCatalog) queryOne(ctx context.Context, sql string, args ...any) (*Entry, error) {
	var e Entry
	err := c.pool.QueryRow(ctx, sql, args...).
		Scan(&e.Kind, &e.Path, &e.Version, &e.Content, &e.ContentHash, &e.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query catalog entry: %w", err)
	}
	return &e, nil
}

func (c *PGCatalog) PutCredential(ctx context.Context, cred *Credential) error {
	data, err := json.Marshal(cred.Data)
	if err != nil {
		return fmt.Errorf("marshal credential data: %w", err)
	}
	err = c.pool.QueryRow(ctx, `
		INSERT INTO credentials (name, type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET type = $2, data = $3, updated_at = now()
		RETURNING created_at, updated_at`,
		cred.Name, cred.Type, data).Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put credential %q: %w", cred.Name, err)
	}
	return nil
}

func (c *PGCatalog) GetCredential(ctx context.Context, name string) (*Credential, error) {
	var cred Credential
	var data []byte
	err := c.pool.QueryRow(ctx, `
		SELECT name, type, data, created_at, updated_at
		FROM credentials WHERE name = $1`, name).
		Scan(&cred.Name, &cred.Type, &data, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", name, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cred.Data); err != nil {
			return nil, fmt.Errorf("unmarshal credential data: %w", err)
		}
	}
	return &cred, nil
}

func (c *PGCatalog) ListCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT name, type, created_at, updated_at FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []*Credential
	for rows.Next() {
		var cred Credential
		if err := rows.Scan(&cred.Name, &cred.Type, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, &cred)
	}
	return out, rows.Err()
}

func (c *PGCatalog) DeleteCredential(ctx context.Context, name string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM credentials WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
