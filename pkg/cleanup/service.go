// Package cleanup enforces event log retention: events of executions that
// reached a terminal status long enough ago are deleted, along with their
// finished queue rows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/config"
)

// Service periodically prunes events and finished commands for terminal
// executions past the retention window. All operations are idempotent and
// safe to run from multiple instances.
type Service struct {
	cfg  *config.RetentionConfig
	pool *pgxpool.Pool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service over the shared pool.
func NewService(cfg *config.RetentionConfig, pool *pgxpool.Pool) *Service {
	return &Service{cfg: cfg, pool: pool}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"execution_retention", s.cfg.ExecutionRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneEvents(ctx)
	s.pruneCommands(ctx)
}

// pruneEvents deletes the event stream of executions that ended before the
// retention cutoff. The execution row itself stays as a historical record.
func (s *Service) pruneEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.ExecutionRetention)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events e
		USING executions x
		WHERE e.execution_id = x.execution_id
		  AND x.status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		  AND x.ended_at IS NOT NULL
		  AND x.ended_at < $1`, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("Retention: pruned events", "count", n, "cutoff", cutoff)
	}
}

// pruneCommands deletes DONE/FAILED queue rows past the retention cutoff.
func (s *Service) pruneCommands(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.ExecutionRetention)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM commands
		WHERE status IN ('DONE', 'FAILED') AND created_at < $1`, cutoff)
	if err != nil {
		slog.Error("Retention: command cleanup failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("Retention: pruned commands", "count", n, "cutoff", cutoff)
	}
}
