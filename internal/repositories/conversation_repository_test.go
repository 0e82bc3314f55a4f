package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swaply-chat/internal/models"
)

var conversationCols = []string{"id", "participant_key", "publication_id", "last_message_id", "last_activity_at", "created_at"}

func TestCreateConversationInsertsParticipants(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	key := models.ParticipantKey([]string{"alice", "bob"})

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`INSERT INTO conversations`)+`.*ON CONFLICT \(participant_key, publication_key\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), key, "", sqlmock.AnyArg(), t0).
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow("c1", key, nil, nil, t0, t0))
	mock.ExpectExec(stmt(`INSERT INTO conversation_participants`)).
		WithArgs("c1", "alice", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt(`INSERT INTO conversation_participants`)).
		WithArgs("c1", "bob", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	conv, err := repo.CreateConversation(context.Background(), []string{"bob", "alice"}, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	assert.Len(t, conv.Members, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConversationFallsBackToExistingOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	key := models.ParticipantKey([]string{"alice", "bob"})

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`INSERT INTO conversations`)).
		WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectRollback()
	mock.ExpectQuery(stmt(`FROM conversations c WHERE c.participant_key=$1 AND c.publication_key=$2`)).
		WithArgs(key, "").
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow("c-existing", key, nil, "m9", t0, t0))
	mock.ExpectQuery(stmt(`FROM conversation_participants WHERE conversation_id = ANY($1::uuid[])`)).
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "user_id", "unread_count", "archived", "blocked", "hidden", "joined_at"}).
			AddRow("c-existing", "bob", 3, false, false, false, t0).
			AddRow("c-existing", "alice", 0, true, false, false, t0))

	conv, err := repo.CreateConversation(context.Background(), []string{"alice", "bob"}, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, "c-existing", conv.ID)
	require.NotNil(t, conv.LastMessageID)
	assert.Equal(t, "m9", *conv.LastMessageID)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 3}, conv.UnreadCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConversationRollsBackWhenParticipantInsertFails(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	key := models.ParticipantKey([]string{"alice", "bob"})

	mock.ExpectBegin()
	mock.ExpectQuery(stmt(`INSERT INTO conversations`)).
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow("c1", key, nil, nil, t0, t0))
	mock.ExpectExec(stmt(`INSERT INTO conversation_participants`)).
		WillReturnError(errors.New("foreign key violation"))
	mock.ExpectRollback()

	_, err := repo.CreateConversation(context.Background(), []string{"alice", "bob"}, nil, t0)
	assert.ErrorContains(t, err, "insert participant")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConversationNeedsTwoParticipants(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	_, err := repo.CreateConversation(context.Background(), []string{"alice", " alice "}, nil, t0)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateParticipantMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	archived := true

	mock.ExpectExec(stmt(`UPDATE conversation_participants SET`)).
		WithArgs("c1", "mallory", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateParticipant(context.Background(), "c1", "mallory", ParticipantUpdate{Archived: &archived})
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
