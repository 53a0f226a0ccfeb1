package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agent-dispatch/internal/models"
)

// RecordFailure inserts or increments the per-target failure record. At most
// one record exists per target; the primary key enforces that.
func (s *Store) RecordFailure(ctx context.Context, target models.Target, errText, traceback string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_request_failures (server_type, server, failure_count, error, traceback)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (server_type, server) DO UPDATE
		SET failure_count = agent_request_failures.failure_count + 1,
			error = EXCLUDED.error, traceback = EXCLUDED.traceback, updated_at = NOW()
	`, target.ServerType, target.Server, errText, traceback)
	if err != nil {
		return fmt.Errorf("record request failure: %w", err)
	}
	return nil
}

// HasFailure reports whether the target is currently tripped.
func (s *Store) HasFailure(ctx context.Context, target models.Target) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM agent_request_failures WHERE server_type = $1 AND server = $2
	`, target.ServerType, target.Server).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query request failure: %w", err)
	}
	return true, nil
}

// ListFailures returns every tracked target, oldest first.
func (s *Store) ListFailures(ctx context.Context) ([]models.RequestFailure, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT server_type, server, failure_count, error, traceback, created_at, updated_at
		FROM agent_request_failures ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query request failures: %w", err)
	}
	defer rows.Close()
	var out []models.RequestFailure
	for rows.Next() {
		var f models.RequestFailure
		if err := rows.Scan(&f.ServerType, &f.Server, &f.FailureCount, &f.Error, &f.Trace,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetFailureCount stores the healed counter value for a target.
func (s *Store) SetFailureCount(ctx context.Context, target models.Target, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_request_failures SET failure_count = $3, updated_at = NOW()
		WHERE server_type = $1 AND server = $2
	`, target.ServerType, target.Server, count)
	if err != nil {
		return fmt.Errorf("set failure count: %w", err)
	}
	return nil
}

// DeleteFailure un-trips the target.
func (s *Store) DeleteFailure(ctx context.Context, target models.Target) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM agent_request_failures WHERE server_type = $1 AND server = $2
	`, target.ServerType, target.Server)
	if err != nil {
		return fmt.Errorf("delete request failure: %w", err)
	}
	return nil
}
