package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/logger"
)

// Relay tuning. Claimed rows get their next_retry_at pushed into the future
// so a second relay instance does not double-publish while this one holds
// the batch outside the claim transaction.
const (
	relayBatchSize    = 20
	relayMaxAttempts  = 12
	relayReservation  = 30 * time.Second
	relayPollInterval = 500 * time.Millisecond
)

// OutboxMessage is a claimed outbox row awaiting emission.
type OutboxMessage struct {
	MessageID  string
	ProducerID string
	EventType  string
	Body       []byte
	Attempts   int
}

// Emitter re-publishes an outbox row to the broker. Implemented by
// rabbitmq.Publisher's direct broker path.
type Emitter interface {
	EmitRaw(ctx context.Context, eventType, messageID, producerID string, body []byte) error
}

// ClaimDueOutbox claims up to limit rows whose emission is owed: still
// processing past their retry time, or failed with attempts left. The claim
// runs FOR UPDATE SKIP LOCKED so multiple relay processes divide the work.
func (s *Store) ClaimDueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = relayBatchSize
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`
		SELECT message_id, producer_id, event_type, body, attempts
		FROM %s
		WHERE status IN ($1, $2)
		  AND next_retry_at <= NOW()
		  AND attempts < $3
		ORDER BY next_retry_at ASC, created_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, s.table("outbox"))

	rows, err := tx.QueryContext(ctx, q, OutboxProcessing, OutboxFailed, relayMaxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.MessageID, &m.ProducerID, &m.EventType, &m.Body, &m.Attempts); err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(batch) == 0 {
		return nil, tx.Commit()
	}

	reserve := fmt.Sprintf(`UPDATE %s SET next_retry_at = $2 WHERE message_id = $1`, s.table("outbox"))
	until := time.Now().UTC().Add(relayReservation)
	for _, m := range batch {
		if _, err := tx.ExecContext(ctx, reserve, m.MessageID, until); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// RescheduleOutbox pushes a row's next attempt out by delay after a failed
// emission. Advisory.
func (s *Store) RescheduleOutbox(ctx context.Context, messageID string, delay time.Duration, reason string) bool {
	q := fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
		    attempts = attempts + 1,
		    next_retry_at = NOW() + $3::interval,
		    error = $4
		WHERE message_id = $1
	`, s.table("outbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, OutboxFailed, fmt.Sprintf("%f seconds", delay.Seconds()), nullable(reason))
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("reschedule outbox failed")
		return false
	}
	n, _ := tag.RowsAffected()
	return n == 1
}

// CompleteOutbox marks a relayed row published regardless of its current
// non-published status. Advisory.
func (s *Store) CompleteOutbox(ctx context.Context, messageID string) bool {
	q := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, published_at = NOW(), error = NULL
		WHERE message_id = $1 AND status <> $2
	`, s.table("outbox"))

	tag, err := s.db.ExecContext(ctx, q, messageID, OutboxPublished)
	if err != nil {
		s.lg.Warn().Err(err).Str("message_id", messageID).Msg("complete outbox failed")
		return false
	}
	n, _ := tag.RowsAffected()
	return n == 1
}

// StartOutboxRelay polls for owed outbox rows and re-emits them through the
// broker path. The publisher path already wrote the durable record; this
// loop is what lets an offline producer catch up once the broker returns.
func (s *Store) StartOutboxRelay(ctx context.Context, pub Emitter) {
	go func() {
		lg := logger.Component("outbox_relay")

		ticker := time.NewTicker(relayPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				lg.Info().Msg("stopped")
				return
			case <-ticker.C:
				batch, err := s.ClaimDueOutbox(ctx, relayBatchSize)
				if err != nil {
					lg.Warn().Err(err).Msg("outbox claim failed")
					continue
				}
				for _, m := range batch {
					s.relayOne(ctx, pub, m, lg)
				}
			}
		}
	}()
}

func (s *Store) relayOne(ctx context.Context, pub Emitter, m OutboxMessage, lg zerolog.Logger) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := pub.EmitRaw(pubCtx, m.EventType, m.MessageID, m.ProducerID, m.Body)
	if err != nil {
		delay := relayBackoff(m.Attempts + 1)
		s.RescheduleOutbox(ctx, m.MessageID, delay, err.Error())
		lg.Warn().
			Err(err).
			Str("message_id", m.MessageID).
			Str("event_type", m.EventType).
			Int("attempt", m.Attempts+1).
			Dur("retry_in", delay).
			Msg("relay emission failed; scheduled retry")
		return
	}

	s.CompleteOutbox(ctx, m.MessageID)
	lg.Info().
		Str("message_id", m.MessageID).
		Str("event_type", m.EventType).
		Msg("relayed")
}

// relayBackoff: exponential, bounded between 5s and 30 minutes, with jitter
// so a fleet of relays does not probe in lockstep.
func relayBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	sec := math.Pow(2, float64(attempt))
	if sec < 5 {
		sec = 5
	}
	if sec > 1800 {
		sec = 1800
	}
	d := time.Duration(sec) * time.Second
	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}
