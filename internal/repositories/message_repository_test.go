package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swaply-chat/internal/models"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func stmt(fragment string) string {
	return "(?s)" + regexp.QuoteMeta(fragment)
}

func replyBatch() MessageBatch {
	return MessageBatch{
		ConversationID: "c1",
		Transition: &ProposalTransition{
			MessageID:   "p1",
			To:          models.ProposalAccepted,
			RespondedBy: "bob",
			RespondedAt: t0,
		},
		Messages: []NewMessage{{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "bob",
			Recipients:     []string{"alice"},
			Type:           models.TypeText,
			Content:        models.TextContent{Text: "deal"},
			CreatedAt:      t0,
		}},
	}
}

func TestCreateMessagesWritesBatchInOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(stmt(`UPDATE exchange_proposals`)+`.*status='pending' AND expires_at > \$4`).
		WithArgs("p1", "accepted", "bob", t0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(stmt(`INSERT INTO messages`)).
		WithArgs("m1", "c1", "bob", pq.Array([]string{"alice"}), "text", sqlmock.AnyArg(), t0).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectExec(stmt(`INSERT INTO message_receipts`)).
		WithArgs("m1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt(`UPDATE conversation_participants SET unread_count = unread_count + 1`)).
		WithArgs("c1", pq.Array([]string{"alice"})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt(`UPDATE conversations SET last_message_id=$2, last_activity_at=$3 WHERE id=$1`)).
		WithArgs("c1", "m1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt(`UPDATE conversation_participants SET hidden = FALSE`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	msgs, err := repo.CreateMessages(context.Background(), replyBatch())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].Seq)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Equal(t, []models.Receipt{{UserID: "alice"}}, msgs[0].ReadBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessagesRollsBackStaleTransition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(stmt(`UPDATE exchange_proposals`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	msgs, err := repo.CreateMessages(context.Background(), replyBatch())
	assert.ErrorIs(t, err, ErrProposalNotPending)
	assert.Nil(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessagesRollsBackOnPartialFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	batch := replyBatch()
	batch.Transition = nil

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`INSERT INTO messages`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(8)))
	mock.ExpectExec(stmt(`INSERT INTO message_receipts`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.CreateMessages(context.Background(), batch)
	assert.ErrorContains(t, err, "insert receipt")
	assert.NoError(t, mock.ExpectationsWereMet())

	batch.Messages[0].ConversationID = "other"
	mock.ExpectBegin()
	mock.ExpectRollback()
	_, err = repo.CreateMessages(context.Background(), batch)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadStampsReceiptsAndResetsUnread(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`UPDATE message_receipts r`)+`.*read_at IS NULL.*RETURNING r\.message_id`).
		WithArgs("c1", "bob", t0).
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("m1").AddRow("m2"))
	mock.ExpectExec(stmt(`UPDATE messages m SET status = CASE`)).
		WithArgs(pq.Array([]string{"m1", "m2"})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(stmt(`UPDATE conversation_participants SET unread_count = 0`)).
		WithArgs("c1", "bob").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ids, err := repo.MarkRead(context.Background(), "c1", "bob", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadWithNothingUnreadStillResetsCounter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`UPDATE message_receipts r`)).
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}))
	mock.ExpectExec(stmt(`UPDATE conversation_participants SET unread_count = 0`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ids, err := repo.MarkRead(context.Background(), "c1", "bob", t0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadRollsBackWhenResetFails(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`UPDATE message_receipts r`)).
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("m1"))
	mock.ExpectExec(stmt(`UPDATE messages m SET status = CASE`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt(`UPDATE conversation_participants SET unread_count = 0`)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := repo.MarkRead(context.Background(), "c1", "bob", t0)
	assert.ErrorContains(t, err, "reset unread")
	assert.NoError(t, mock.ExpectationsWereMet())
}
