package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"swaply-chat/internal/models"
)

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `c.id, c.participant_key, c.publication_id, c.last_message_id, c.last_activity_at, c.created_at`

// FindConversation looks up the conversation keyed by participant set and publication.
func (r *ConversationRepo) FindConversation(ctx context.Context, participantKey, publicationKey string) (models.Conversation, error) {
	var conv models.Conversation
	err := retryRead(ctx, func() error {
		return r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations c WHERE c.participant_key=$1 AND c.publication_key=$2`, participantKey, publicationKey)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return r.withMembers(ctx, conv)
}

// CreateConversation inserts the conversation and its participants. When a concurrent
// caller created the same key first, the existing conversation is returned.
func (r *ConversationRepo) CreateConversation(ctx context.Context, participants []string, publicationID *string, now time.Time) (models.Conversation, error) {
	ids := models.NormalizeParticipants(participants)
	if len(ids) < 2 {
		return models.Conversation{}, errors.New("conversation needs at least two participants")
	}
	key := models.ParticipantKey(ids)
	pubKey := models.PublicationKey(publicationID)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (id, participant_key, publication_key, publication_id, last_activity_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $5)
        ON CONFLICT (participant_key, publication_key) DO NOTHING
        RETURNING id, participant_key, publication_id, last_message_id, last_activity_at, created_at`,
		uuid.NewString(), key, pubKey, publicationID, now.UTC()).StructScan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		err = nil
		return r.FindConversation(ctx, key, pubKey)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`, conv.ID, id, now.UTC()); err != nil {
			return models.Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}

	conv.Participants = ids
	conv.Members = make([]models.Participant, 0, len(ids))
	for _, id := range ids {
		conv.Members = append(conv.Members, models.Participant{ConversationID: conv.ID, UserID: id, JoinedAt: now.UTC()})
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := retryRead(ctx, func() error {
		return r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id=$1`, conversationID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return r.withMembers(ctx, conv)
}

// ListConversations returns the user's visible conversations, most recent activity first, plus the total count.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]models.Conversation, int, error) {
	where := `FROM conversations c
        INNER JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
        WHERE p.hidden = FALSE AND ($2::boolean OR (p.archived = FALSE AND p.blocked = FALSE))`

	var total int
	if err := retryRead(ctx, func() error {
		return r.db.GetContext(ctx, &total, `SELECT COUNT(*) `+where, userID, filter.IncludeArchived)
	}); err != nil {
		return nil, 0, err
	}

	var convs []models.Conversation
	err := retryRead(ctx, func() error {
		convs = nil
		return r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` `+where+`
        ORDER BY c.last_activity_at DESC, c.id DESC
        LIMIT $3 OFFSET $4`, userID, filter.IncludeArchived, filter.Limit, filter.Offset)
	})
	if err != nil {
		return nil, 0, err
	}
	if err := r.attachMembers(ctx, convs); err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// ListConversationIDs returns every conversation the user participates in.
func (r *ConversationRepo) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := retryRead(ctx, func() error {
		ids = nil
		return r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM conversation_participants WHERE user_id=$1`, userID)
	})
	return ids, err
}

// UpdateParticipant changes the per-participant flags of userID.
func (r *ConversationRepo) UpdateParticipant(ctx context.Context, conversationID, userID string, update ParticipantUpdate) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversation_participants SET
            archived = COALESCE($3, archived),
            blocked = COALESCE($4, blocked),
            hidden = COALESCE($5, hidden)
        WHERE conversation_id=$1 AND user_id=$2`,
		conversationID, userID, nullBool(update.Archived), nullBool(update.Blocked), nullBool(update.Hidden))
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *ConversationRepo) withMembers(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	convs := []models.Conversation{conv}
	if err := r.attachMembers(ctx, convs); err != nil {
		return models.Conversation{}, err
	}
	return convs[0], nil
}

func (r *ConversationRepo) attachMembers(ctx context.Context, convs []models.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}

	var members []models.Participant
	err := retryRead(ctx, func() error {
		members = nil
		return r.db.SelectContext(ctx, &members, `SELECT conversation_id, user_id, unread_count, archived, blocked, hidden, joined_at
            FROM conversation_participants WHERE conversation_id = ANY($1::uuid[])`, pq.Array(ids))
	})
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}

	byConv := make(map[string][]models.Participant, len(convs))
	for _, m := range members {
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}
	for i := range convs {
		list := byConv[convs[i].ID]
		sort.Slice(list, func(a, b int) bool { return list[a].UserID < list[b].UserID })
		convs[i].Members = list
		convs[i].Participants = make([]string, 0, len(list))
		for _, m := range list {
			convs[i].Participants = append(convs[i].Participants, m.UserID)
		}
	}
	return nil
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
