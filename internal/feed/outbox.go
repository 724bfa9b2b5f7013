package feed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	pq "github.com/lib/pq"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/indexing"
)

// Event is a claimed outbox row.
type Event struct {
	ID        int64
	EventID   string
	Diagram   indexing.Diagram
	CreatedAt time.Time
	Attempts  int
}

// Store persists diagram events until they are indexed.
type Store interface {
	Claim(ctx context.Context, limit int, lockTimeout time.Duration, maxAttempts int) ([]Event, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64, cause string) error
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dbURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

// PGStore is the Postgres outbox in stage.diagram_outbox.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps db.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the outbox table when it is missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS stage;
		CREATE TABLE IF NOT EXISTS stage.diagram_outbox (
			id               BIGSERIAL PRIMARY KEY,
			event_id         TEXT NOT NULL UNIQUE,
			origin_url       TEXT NOT NULL,
			title            TEXT NOT NULL DEFAULT '',
			architecture_url TEXT NOT NULL DEFAULT '',
			published_at     TIMESTAMPTZ NOT NULL,
			crawler_text     TEXT NOT NULL DEFAULT '',
			labels           TEXT[] NOT NULL DEFAULT '{}',
			text_services    TEXT[] NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			attempts         INT NOT NULL DEFAULT 0,
			locked_at        TIMESTAMPTZ,
			processed_at     TIMESTAMPTZ,
			last_error       TEXT
		);
		CREATE INDEX IF NOT EXISTS diagram_outbox_pending_idx
			ON stage.diagram_outbox (created_at) WHERE processed_at IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to ensure diagram_outbox: %w", err)
	}
	return nil
}

// Enqueue records a diagram for indexing and returns its event id.
func (s *PGStore) Enqueue(ctx context.Context, d indexing.Diagram) (string, error) {
	eventID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage.diagram_outbox
			(event_id, origin_url, title, architecture_url, published_at, crawler_text, labels, text_services)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		d.OriginURL,
		d.Title,
		d.ArchitectureURL,
		d.PublishedAt.UTC(),
		d.CrawlerText,
		pq.Array(d.Labels),
		pq.Array(d.TextServices),
	)
	if err != nil {
		return "", fmt.Errorf("insert into diagram_outbox: %w", err)
	}
	return eventID, nil
}

// Claim locks up to limit pending rows. Rows locked longer than lockTimeout
// are considered abandoned and may be claimed again. Rows already attempted
// maxAttempts times are left alone; maxAttempts <= 0 disables the limit.
func (s *PGStore) Claim(ctx context.Context, limit int, lockTimeout time.Duration, maxAttempts int) (records []Event, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_id, origin_url, title, architecture_url, published_at,
		       crawler_text, labels, text_services, created_at, attempts
		FROM stage.diagram_outbox
		WHERE processed_at IS NULL
		  AND (locked_at IS NULL OR locked_at < NOW() - ($2 * INTERVAL '1 second'))
		  AND ($3 <= 0 OR attempts < $3)
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
		int(lockTimeout.Seconds()),
		maxAttempts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.Diagram.OriginURL,
			&ev.Diagram.Title,
			&ev.Diagram.ArchitectureURL,
			&ev.Diagram.PublishedAt,
			&ev.Diagram.CrawlerText,
			pq.Array(&ev.Diagram.Labels),
			pq.Array(&ev.Diagram.TextServices),
			&ev.CreatedAt,
			&ev.Attempts,
		); err != nil {
			return nil, err
		}
		records = append(records, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE stage.diagram_outbox
		SET locked_at = NOW(), attempts = attempts + 1
		WHERE id = ANY($1)`,
		pq.Array(eventIDs(records)),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkProcessed releases rows as done.
func (s *PGStore) MarkProcessed(ctx context.Context, ids []int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stage.diagram_outbox
		SET processed_at = NOW(), last_error = NULL, locked_at = NULL
		WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	return err
}

// MarkFailed releases rows for a later retry with the failure recorded.
func (s *PGStore) MarkFailed(ctx context.Context, ids []int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stage.diagram_outbox
		SET last_error = $2, locked_at = NULL
		WHERE id = ANY($1)`,
		pq.Array(ids),
		cause,
	)
	return err
}

// Ping checks the database connection.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func eventIDs(events []Event) []int64 {
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}
