package tool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/pkg/model"
)

// PostgresTool runs one SQL command or query against an external database.
//
// Spec: {dsn | auth: <credential with dsn>, query|command}. Args become
// positional parameters via the `params` list. Queries return
// {rows: [...], count}; commands return {rows_affected}.
type PostgresTool struct{}

// NewPostgresTool returns the plugin.
func NewPostgresTool() *PostgresTool {
	return &PostgresTool{}
}

func (t *PostgresTool) Name() string { return "postgres" }

func (t *PostgresTool) Execute(ctx context.Context, req Request) (any, error) {
	dsn, _ := req.Spec["dsn"].(string)
	if auth, _ := req.Spec["auth"].(string); auth != "" {
		cred, ok := req.Credentials[auth]
		if !ok {
			return nil, NewError(model.ErrKindValidation, fmt.Errorf("postgres: credential %q not resolved", auth))
		}
		if d, _ := cred["dsn"].(string); d != "" {
			dsn = d
		}
	}
	if dsn == "" {
		return nil, NewError(model.ErrKindValidation, fmt.Errorf("postgres: spec.dsn or spec.auth is required"))
	}

	query, isQuery := req.Spec["query"].(string)
	command, _ := req.Spec["command"].(string)
	if !isQuery && command == "" {
		return nil, NewError(model.ErrKindValidation, fmt.Errorf("postgres: spec.query or spec.command is required"))
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, NewError(model.ErrKindTransport, fmt.Errorf("postgres: connect: %w", err))
	}
	defer func() { _ = conn.Close(ctx) }()

	params, _ := req.Args["params"].([]any)

	if isQuery {
		rows, err := conn.Query(ctx, query, params...)
		if err != nil {
			return nil, NewError(model.ErrKindTool, fmt.Errorf("postgres: query: %w", err))
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		var out []any
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return nil, NewError(model.ErrKindTool, fmt.Errorf("postgres: scan: %w", err))
			}
			row := make(map[string]any, len(fields))
			for i, f := range fields {
				row[f.Name] = values[i]
			}
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return nil, NewError(model.ErrKindTool, fmt.Errorf("postgres: rows: %w", err))
		}
		return map[string]any{"rows": out, "count": len(out)}, nil
	}

	tag, err := conn.Exec(ctx, command, params...)
	if err != nil {
		return nil, NewError(model.ErrKindTool, fmt.Errorf("postgres: exec: %w", err))
	}
	return map[string]any{"rows_affected": tag.RowsAffected()}, nil
}
