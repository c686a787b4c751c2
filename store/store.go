// Package store is the event store backing the outbox/inbox pattern:
// idempotent row inserts, one-way status transitions and fail-open
// existence probes over Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/config"
	"github.com/boxbus/boxbus/logger"
)

// Outbox row statuses. A row only ever moves processing -> published or
// processing -> failed.
const (
	OutboxProcessing = "processing"
	OutboxPublished  = "published"
	OutboxFailed     = "failed"
)

// Inbox row statuses. Once processed, further deliveries of the same
// (message_id, consumer_id) are skipped.
const (
	InboxProcessing = "processing"
	InboxProcessed  = "processed"
	InboxFailed     = "failed"
)

// Store wraps one database handle. Insert* report duplicates as a
// distinguished false and surface every other error to the caller; Mark*
// are advisory and never fail the caller; Exists* fail open.
type Store struct {
	db     *sql.DB
	schema string
	lg     zerolog.Logger
}

func New(db *sql.DB, schema string) *Store {
	if schema == "" {
		schema = config.DefaultSchema
	}
	return &Store{
		db:     db,
		schema: schema,
		lg:     logger.Component("event_store"),
	}
}

// Open validates the event-store configuration and opens a handle. Missing
// options fail with a MissingConfigError naming every absent key, never
// with an obscure connection error.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.Validate(config.DB); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db, cfg.DBSchema), nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) table(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name)
}

// InsertOutbox persists an outgoing event before broker emission.
// Returns false when a row with the same message_id already exists; any
// other store failure is returned to the caller.
func (s *Store) InsertOutbox(ctx context.Context, producerID, eventType, messageID, partitionKey string, body []byte) (bool, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (message_id, producer_id, event_type, partition_key, body, status, created_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, s.table("outbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, producerID, eventType, nullable(partitionKey), body, OutboxProcessing)
	if err != nil {
		if IsDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert outbox: %w", err)
	}
	n, _ := tag.RowsAffected()
	return n == 1, nil
}

// MarkOutboxPublished advances the row to published. Advisory: a false
// return means status bookkeeping may be stale, not that publishing failed.
func (s *Store) MarkOutboxPublished(ctx context.Context, messageID string) bool {
	q := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, published_at = NOW(), error = NULL
		WHERE message_id = $1 AND status = $3
	`, s.table("outbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, OutboxPublished, OutboxProcessing)
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("mark outbox published failed")
		return false
	}
	n, _ := tag.RowsAffected()
	return n == 1
}

// MarkOutboxFailed records a failed broker emission. Advisory.
func (s *Store) MarkOutboxFailed(ctx context.Context, messageID string, reason string) bool {
	q := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, error = $3
		WHERE message_id = $1 AND status = $4
	`, s.table("outbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, OutboxFailed, nullable(reason), OutboxProcessing)
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("mark outbox failed failed")
		return false
	}
	n, _ := tag.RowsAffected()
	return n == 1
}

// InsertInbox admits an inbound event for this consumer. Returns false when
// the (message_id, consumer_id) pair is already tracked, meaning a
// concurrent admitter won; any other failure is the caller's problem.
func (s *Store) InsertInbox(ctx context.Context, consumerID, producerID, eventType, messageID string, body []byte) (bool, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (message_id, consumer_id, producer_id, event_type, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (message_id, consumer_id) DO NOTHING
	`, s.table("inbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, consumerID, producerID, eventType, body, InboxProcessing)
	if err != nil {
		if IsDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert inbox: %w", err)
	}
	n, _ := tag.RowsAffected()
	return n == 1, nil
}

// ExistsInInbox reports whether the pair is tracked at all. Fails open: a
// broken store answers "not present" so traffic keeps flowing.
func (s *Store) ExistsInInbox(ctx context.Context, messageID, consumerID string) bool {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE message_id = $1 AND consumer_id = $2 LIMIT 1`, s.table("inbox"))

	var one int
	err := s.db.QueryRowContext(ctx, q, messageID, consumerID).Scan(&one)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("inbox exists probe failed (fail-open)")
		return false
	}
	return true
}

// ExistsInInboxProcessed reports whether the pair completed processing.
// Distinct from ExistsInInbox: a previously failed attempt leaves a row
// behind but must be reprocessed on redelivery.
func (s *Store) ExistsInInboxProcessed(ctx context.Context, messageID, consumerID string) bool {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE message_id = $1 AND consumer_id = $2 AND status = $3 LIMIT 1`, s.table("inbox"))

	var one int
	err := s.db.QueryRowContext(ctx, q, messageID, consumerID, InboxProcessed).Scan(&one)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("inbox processed probe failed (fail-open)")
		return false
	}
	return true
}

// MarkInboxProcessed advances the row after a successful handler run.
// Advisory.
func (s *Store) MarkInboxProcessed(ctx context.Context, messageID, consumerID string) bool {
	q := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, processed_at = NOW(), error = NULL
		WHERE message_id = $1 AND consumer_id = $2
	`, s.table("inbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, consumerID, InboxProcessed)
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("mark inbox processed failed")
		return false
	}
	n, _ := tag.RowsAffected()
	return n == 1
}

// MarkInboxFailed records the terminal failure reason once attempts are
// exhausted. Advisory.
func (s *Store) MarkInboxFailed(ctx context.Context, messageID, consumerID, reason string) bool {
	q := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, error = $4
		WHERE message_id = $1 AND consumer_id = $2
	`, s.table("inbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, consumerID, InboxFailed, nullable(reason))
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("mark inbox failed failed")
		return false
	}
	n, _ := tag.RowsAffected()
	return n == 1
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
