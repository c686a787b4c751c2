package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxbus/boxbus/config"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "public"), mock
}

var (
	insertOutboxQ  = regexp.QuoteMeta(`INSERT INTO "public"."outbox"`)
	updateOutboxQ  = regexp.QuoteMeta(`UPDATE "public"."outbox"`)
	insertInboxQ   = regexp.QuoteMeta(`INSERT INTO "public"."inbox"`)
	updateInboxQ   = regexp.QuoteMeta(`UPDATE "public"."inbox"`)
	existsInboxQ   = regexp.QuoteMeta(`SELECT 1 FROM "public"."inbox"`)
	claimOutboxQ   = regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)
	reserveOutboxQ = regexp.QuoteMeta(`SET next_retry_at = $2 WHERE message_id = $1`)
)

func TestInsertOutbox(t *testing.T) {
	st, mock := newTestStore(t)
	body := []byte(`{"payload":{}}`)

	mock.ExpectExec(insertOutboxQ).
		WithArgs("m-1", "crm.users", "user.created", nil, body, OutboxProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := st.InsertOutbox(context.Background(), "crm.users", "user.created", "m-1", "", body)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutbox_PartitionKeyPassedThrough(t *testing.T) {
	st, mock := newTestStore(t)
	body := []byte(`{}`)

	mock.ExpectExec(insertOutboxQ).
		WithArgs("m-1", "crm.users", "user.created", "tenant-7", body, OutboxProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := st.InsertOutbox(context.Background(), "crm.users", "user.created", "m-1", "tenant-7", body)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutbox_DuplicateViaConflictNoop(t *testing.T) {
	st, mock := newTestStore(t)

	// ON CONFLICT DO NOTHING surfaces the duplicate as zero affected rows
	mock.ExpectExec(insertOutboxQ).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := st.InsertOutbox(context.Background(), "p", "e", "m-1", "", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestInsertOutbox_DuplicateViaDriverError(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(insertOutboxQ).
		WillReturnError(&pq.Error{Code: "23505"})

	inserted, err := st.InsertOutbox(context.Background(), "p", "e", "m-1", "", []byte(`{}`))
	require.NoError(t, err, "a duplicate is a distinguished outcome, not an error")
	assert.False(t, inserted)
}

func TestInsertOutbox_OtherErrorPropagates(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(insertOutboxQ).
		WillReturnError(errors.New("connection reset"))

	_, err := st.InsertOutbox(context.Background(), "p", "e", "m-1", "", []byte(`{}`))
	assert.ErrorContains(t, err, "insert outbox")
}

func TestMarkOutboxPublished(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateOutboxQ).
		WithArgs("m-1", OutboxPublished, OutboxProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, st.MarkOutboxPublished(context.Background(), "m-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOutboxPublished_AdvisoryOnError(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateOutboxQ).
		WillReturnError(errors.New("connection reset"))

	// the mark never fails its caller
	assert.False(t, st.MarkOutboxPublished(context.Background(), "m-1"))
}

func TestMarkOutboxFailed(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateOutboxQ).
		WithArgs("m-1", OutboxFailed, "broker gone", OutboxProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, st.MarkOutboxFailed(context.Background(), "m-1", "broker gone"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertInbox(t *testing.T) {
	st, mock := newTestStore(t)
	body := []byte(`{"payload":{}}`)

	mock.ExpectExec(insertInboxQ).
		WithArgs("m-1", "crm.billing", "crm.users", "user.created", body, InboxProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	admitted, err := st.InsertInbox(context.Background(), "crm.billing", "crm.users", "user.created", "m-1", body)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertInbox_ConcurrentAdmitterWins(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(insertInboxQ).
		WillReturnResult(sqlmock.NewResult(0, 0))

	admitted, err := st.InsertInbox(context.Background(), "c", "p", "e", "m-1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestExistsInInbox(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(existsInboxQ).
		WithArgs("m-1", "crm.billing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	assert.True(t, st.ExistsInInbox(context.Background(), "m-1", "crm.billing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsInInbox_NoRow(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(existsInboxQ).
		WillReturnError(sql.ErrNoRows)

	assert.False(t, st.ExistsInInbox(context.Background(), "m-1", "c"))
}

func TestExistsInInbox_FailsOpen(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(existsInboxQ).
		WillReturnError(errors.New("store down"))

	// a broken probe answers "not present" and lets traffic flow
	assert.False(t, st.ExistsInInbox(context.Background(), "m-1", "c"))
}

func TestExistsInInboxProcessed(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(existsInboxQ).
		WithArgs("m-1", "crm.billing", InboxProcessed).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	assert.True(t, st.ExistsInInboxProcessed(context.Background(), "m-1", "crm.billing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsInInboxProcessed_FailedRowDoesNotCount(t *testing.T) {
	st, mock := newTestStore(t)

	// the status predicate filters the failed row out server-side
	mock.ExpectQuery(existsInboxQ).
		WithArgs("m-1", "c", InboxProcessed).
		WillReturnError(sql.ErrNoRows)

	assert.False(t, st.ExistsInInboxProcessed(context.Background(), "m-1", "c"))
}

func TestMarkInboxProcessed(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateInboxQ).
		WithArgs("m-1", "c", InboxProcessed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, st.MarkInboxProcessed(context.Background(), "m-1", "c"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInboxFailed(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateInboxQ).
		WithArgs("m-1", "c", InboxFailed, "handler exploded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, st.MarkInboxFailed(context.Background(), "m-1", "c", "handler exploded"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDueOutbox(t *testing.T) {
	st, mock := newTestStore(t)
	body := []byte(`{"payload":{}}`)

	mock.ExpectBegin()
	mock.ExpectQuery(claimOutboxQ).
		WithArgs(OutboxProcessing, OutboxFailed, relayMaxAttempts, 2).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "producer_id", "event_type", "body", "attempts"}).
			AddRow("m-1", "crm.users", "user.created", body, 0).
			AddRow("m-2", "crm.users", "user.updated", body, 3))
	mock.ExpectExec(reserveOutboxQ).
		WithArgs("m-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(reserveOutboxQ).
		WithArgs("m-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch, err := st.ClaimDueOutbox(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "m-1", batch[0].MessageID)
	assert.Equal(t, "user.updated", batch[1].EventType)
	assert.Equal(t, 3, batch[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDueOutbox_EmptyBatch(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(claimOutboxQ).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "producer_id", "event_type", "body", "attempts"}))
	mock.ExpectCommit()

	batch, err := st.ClaimDueOutbox(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRescheduleOutbox(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateOutboxQ).
		WithArgs("m-1", OutboxFailed, sqlmock.AnyArg(), "broker gone").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, st.RescheduleOutbox(context.Background(), "m-1", 5000000000, "broker gone"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteOutbox(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectExec(updateOutboxQ).
		WithArgs("m-1", OutboxPublished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.True(t, st.CompleteOutbox(context.Background(), "m-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_MissingConfigNamesEveryKey(t *testing.T) {
	_, err := Open(&config.Config{DBPort: 5432})

	var missing *config.MissingConfigError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{
		"DB_BOX_HOST", "DB_BOX_NAME", "DB_BOX_USER", "DB_BOX_PASS",
	}, missing.Keys)
}

func TestRelayBackoff_Bounds(t *testing.T) {
	for attempt := 0; attempt <= 20; attempt++ {
		d := relayBackoff(attempt)
		assert.GreaterOrEqual(t, d.Seconds(), 4.5, "attempt %d", attempt)
		assert.LessOrEqual(t, d.Seconds(), 2000.0, "attempt %d", attempt)
	}
}
