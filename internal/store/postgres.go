package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	version     BIGINT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	saved_at    TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
)`

// PostgresStore is the durable snapshot backend. A write never replaces a
// snapshot with an older version.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the snapshot table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate document_snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT content, version, metadata, saved_at
		FROM document_snapshots
		WHERE document_id = $1 AND (expires_at IS NULL OR expires_at > now())`, id,
	).Scan(&snap.Content, &snap.Version, &snap.Metadata, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", id, err)
	}
	return &snap, nil
}

func (s *PostgresStore) Set(ctx context.Context, id string, snap Snapshot, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := snap.SavedAt.Add(ttl)
		expires = &t
	}
	metadata := snap.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_snapshots (document_id, content, version, metadata, saved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			saved_at = EXCLUDED.saved_at,
			expires_at = EXCLUDED.expires_at
		WHERE document_snapshots.version <= EXCLUDED.version`,
		id, snap.Content, snap.Version, metadata, snap.SavedAt, expires)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
