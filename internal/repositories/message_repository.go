package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"swaply-chat/internal/models"
)

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Recipients     pq.StringArray `db:"recipients"`
	Seq            int64          `db:"seq"`
	Type           string         `db:"type"`
	Content        []byte         `db:"content"`
	Status         string         `db:"status"`
	IsEdited       bool           `db:"is_edited"`
	EditedAt       *time.Time     `db:"edited_at"`
	EditHistory    []byte         `db:"edit_history"`
	IsDeleted      bool           `db:"is_deleted"`
	DeletedAt      *time.Time     `db:"deleted_at"`
	DeletedBy      *string        `db:"deleted_by"`
	CreatedAt      time.Time      `db:"created_at"`
}

type proposalRow struct {
	MessageID      string     `db:"message_id"`
	Proposer       string     `db:"proposer"`
	OfferedItems   []byte     `db:"offered_items"`
	RequestedItems []byte     `db:"requested_items"`
	Terms          string     `db:"terms"`
	Status         string     `db:"status"`
	ExpiresAt      time.Time  `db:"expires_at"`
	RespondedBy    *string    `db:"responded_by"`
	RespondedAt    *time.Time `db:"responded_at"`
	CounterOf      *string    `db:"counter_of"`
	CounteredBy    *string    `db:"countered_by"`
}

type receiptRow struct {
	MessageID string `db:"message_id"`
	models.Receipt
}

const messageColumns = `id, conversation_id, sender_id, recipients, seq, type, content, status, is_edited, edited_at, edit_history, is_deleted, deleted_at, deleted_by, created_at`

// CreateMessages writes the batch in one transaction. A transition that finds the
// proposal no longer pending, or past its deadline at RespondedAt, aborts the whole
// batch with ErrProposalNotPending.
func (r *MessageRepo) CreateMessages(ctx context.Context, batch MessageBatch) (msgs []models.Message, err error) {
	if len(batch.Messages) == 0 {
		return nil, errors.New("empty message batch")
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if t := batch.Transition; t != nil {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `UPDATE exchange_proposals
            SET status=$2, responded_by=$3, responded_at=$4, countered_by=COALESCE($5, countered_by)
            WHERE message_id=$1 AND status='pending' AND expires_at > $4`,
			t.MessageID, string(t.To), t.RespondedBy, t.RespondedAt.UTC(), t.CounteredBy)
		if err != nil {
			return nil, fmt.Errorf("transition proposal: %w", err)
		}
		var count int64
		if count, err = res.RowsAffected(); err != nil {
			return nil, err
		}
		if count == 0 {
			err = ErrProposalNotPending
			return nil, err
		}
	}

	msgs = make([]models.Message, 0, len(batch.Messages))
	for _, nm := range batch.Messages {
		if nm.ConversationID != batch.ConversationID {
			err = fmt.Errorf("message %s does not belong to conversation %s", nm.ID, batch.ConversationID)
			return nil, err
		}
		var msg models.Message
		if msg, err = insertMessage(ctx, tx, nm); err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = unread_count + 1
            WHERE conversation_id=$1 AND user_id = ANY($2)`, nm.ConversationID, pq.Array(nm.Recipients)); err != nil {
			return nil, fmt.Errorf("increment unread: %w", err)
		}
		msgs = append(msgs, msg)
	}

	last := msgs[len(msgs)-1]
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message_id=$2, last_activity_at=$3 WHERE id=$1`,
		batch.ConversationID, last.ID, last.CreatedAt); err != nil {
		return nil, fmt.Errorf("update last message: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversation_participants SET hidden = FALSE WHERE conversation_id=$1 AND hidden = TRUE`, batch.ConversationID); err != nil {
		return nil, fmt.Errorf("unhide conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, nm NewMessage) (models.Message, error) {
	content := []byte("{}")
	proposal, isProposal := nm.Content.(models.ProposalContent)
	if !isProposal {
		raw, err := json.Marshal(nm.Content)
		if err != nil {
			return models.Message{}, err
		}
		content = raw
	}

	var seq int64
	if err := tx.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, recipients, type, content, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, 'sent', $7) RETURNING seq`,
		nm.ID, nm.ConversationID, nm.SenderID, pq.Array(nm.Recipients), string(nm.Type), content, nm.CreatedAt.UTC()).Scan(&seq); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	receipts := make([]models.Receipt, 0, len(nm.Recipients))
	for _, userID := range nm.Recipients {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_receipts (message_id, user_id) VALUES ($1, $2)`, nm.ID, userID); err != nil {
			return models.Message{}, fmt.Errorf("insert receipt: %w", err)
		}
		receipts = append(receipts, models.Receipt{UserID: userID})
	}

	if isProposal && proposal.Proposal != nil {
		p := proposal.Proposal
		offered, err := json.Marshal(p.OfferedItems)
		if err != nil {
			return models.Message{}, err
		}
		requested, err := json.Marshal(p.RequestedItems)
		if err != nil {
			return models.Message{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO exchange_proposals (message_id, proposer, offered_items, requested_items, terms, status, expires_at, counter_of)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			nm.ID, p.Proposer, offered, requested, p.Terms, string(p.Status), p.ExpiresAt.UTC(), p.CounterOf); err != nil {
			return models.Message{}, fmt.Errorf("insert proposal: %w", err)
		}
	}

	return models.Message{
		ID:             nm.ID,
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Recipients:     append([]string(nil), nm.Recipients...),
		Seq:            seq,
		Type:           nm.Type,
		Content:        nm.Content,
		Status:         models.ComputeStatus(receipts),
		ReadBy:         receipts,
		CreatedAt:      nm.CreatedAt.UTC(),
	}, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	msgs, err := r.GetMessages(ctx, []string{messageID})
	if err != nil {
		return models.Message{}, err
	}
	if len(msgs) == 0 {
		return models.Message{}, ErrMessageNotFound
	}
	return msgs[0], nil
}

// GetMessages retrieves messages by id in insertion order.
func (r *MessageRepo) GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rows []messageRow
	err := retryRead(ctx, func() error {
		rows = nil
		return r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1::uuid[]) ORDER BY seq ASC`, pq.Array(messageIDs))
	})
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, rows)
}

// ListMessages returns one page of a conversation, newest first, and the total number of messages.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error) {
	var total int
	if err := retryRead(ctx, func() error {
		return r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages WHERE conversation_id=$1`, conversationID)
	}); err != nil {
		return nil, 0, err
	}
	var rows []messageRow
	err := retryRead(ctx, func() error {
		rows = nil
		return r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, seq DESC
            LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	})
	if err != nil {
		return nil, 0, err
	}
	msgs, err := r.hydrate(ctx, rows)
	return msgs, total, err
}

// EditMessage replaces the text of a message, appending the prior content to its history.
func (r *MessageRepo) EditMessage(ctx context.Context, messageID string, text string, prior models.EditRecord) error {
	content, err := json.Marshal(models.TextContent{Text: text})
	if err != nil {
		return err
	}
	history, err := json.Marshal([]models.EditRecord{prior})
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE messages
        SET content=$2, is_edited=TRUE, edited_at=$3, edit_history = edit_history || $4::jsonb
        WHERE id=$1 AND type='text' AND is_deleted=FALSE`, messageID, content, prior.EditedAt.UTC(), history)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SoftDeleteMessage marks a message deleted. The stored content is kept.
func (r *MessageRepo) SoftDeleteMessage(ctx context.Context, messageID, deletedBy string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_deleted=TRUE, deleted_at=COALESCE(deleted_at, $3), deleted_by=COALESCE(deleted_by, $2) WHERE id=$1`,
		messageID, deletedBy, at.UTC())
	if err != nil {
		return err
	}
	return expectRow(res)
}

// MarkRead stamps every unread receipt of userID in the conversation, refreshes message
// status and zeroes the user's unread counter. It returns the ids of changed messages.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (ids []string, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.SelectContext(ctx, &ids, `UPDATE message_receipts r
        SET read_at=$3, delivered_at=COALESCE(r.delivered_at, $3)
        FROM messages m
        WHERE r.message_id = m.id AND m.conversation_id=$1 AND r.user_id=$2 AND r.read_at IS NULL
        RETURNING r.message_id`, conversationID, userID, at.UTC()); err != nil {
		return nil, fmt.Errorf("mark receipts read: %w", err)
	}
	if err = refreshStatus(ctx, tx, ids); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = 0 WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID); err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkDelivered stamps every undelivered receipt of userID in the conversation.
func (r *MessageRepo) MarkDelivered(ctx context.Context, conversationID, userID string, at time.Time) (ids []string, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.SelectContext(ctx, &ids, `UPDATE message_receipts r
        SET delivered_at=$3
        FROM messages m
        WHERE r.message_id = m.id AND m.conversation_id=$1 AND r.user_id=$2 AND r.delivered_at IS NULL
        RETURNING r.message_id`, conversationID, userID, at.UTC()); err != nil {
		return nil, fmt.Errorf("mark receipts delivered: %w", err)
	}
	if err = refreshStatus(ctx, tx, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkDeliveredTo stamps delivery of a single message for the given users.
func (r *MessageRepo) MarkDeliveredTo(ctx context.Context, messageID string, userIDs []string, at time.Time) (err error) {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `UPDATE message_receipts SET delivered_at=$3
        WHERE message_id=$1 AND user_id = ANY($2) AND delivered_at IS NULL`, messageID, pq.Array(userIDs), at.UTC()); err != nil {
		return err
	}
	if err = refreshStatus(ctx, tx, []string{messageID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ExpireProposal moves an overdue pending proposal to expired. It reports whether a row changed.
func (r *MessageRepo) ExpireProposal(ctx context.Context, messageID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE exchange_proposals SET status='expired'
        WHERE message_id=$1 AND status='pending' AND expires_at <= $2`, messageID, now.UTC())
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// ExpireOverdueProposals expires every pending proposal whose window has closed.
func (r *MessageRepo) ExpireOverdueProposals(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `UPDATE exchange_proposals SET status='expired'
        WHERE status='pending' AND expires_at <= $1 RETURNING message_id`, now.UTC())
	return ids, err
}

func refreshStatus(ctx context.Context, tx *sqlx.Tx, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE messages m SET status = CASE
            WHEN NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = m.id AND r.read_at IS NULL) THEN 'read'
            WHEN NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = m.id AND r.delivered_at IS NULL) THEN 'delivered'
            ELSE 'sent' END
        WHERE m.id = ANY($1::uuid[])`, pq.Array(messageIDs))
	if err != nil {
		return fmt.Errorf("refresh message status: %w", err)
	}
	return nil
}

func (r *MessageRepo) hydrate(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	if len(rows) == 0 {
		return []models.Message{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var receipts []receiptRow
	if err := retryRead(ctx, func() error {
		receipts = nil
		return r.db.SelectContext(ctx, &receipts, `SELECT message_id, user_id, delivered_at, read_at FROM message_receipts WHERE message_id = ANY($1::uuid[]) ORDER BY user_id`, pq.Array(ids))
	}); err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	var proposals []proposalRow
	if err := retryRead(ctx, func() error {
		proposals = nil
		return r.db.SelectContext(ctx, &proposals, `SELECT message_id, proposer, offered_items, requested_items, terms, status, expires_at, responded_by, responded_at, counter_of, countered_by
            FROM exchange_proposals WHERE message_id = ANY($1::uuid[])`, pq.Array(ids))
	}); err != nil {
		return nil, fmt.Errorf("load proposals: %w", err)
	}

	receiptsByMsg := make(map[string][]models.Receipt, len(rows))
	for _, rr := range receipts {
		receiptsByMsg[rr.MessageID] = append(receiptsByMsg[rr.MessageID], rr.Receipt)
	}
	proposalByMsg := make(map[string]proposalRow, len(proposals))
	for _, p := range proposals {
		proposalByMsg[p.MessageID] = p
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toModel(receiptsByMsg[row.ID])
		if err != nil {
			return nil, err
		}
		if p, ok := proposalByMsg[row.ID]; ok {
			proposal, err := p.toModel()
			if err != nil {
				return nil, err
			}
			msg.Content = models.ProposalContent{Proposal: proposal}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (row messageRow) toModel(receipts []models.Receipt) (models.Message, error) {
	msgType := models.MessageType(row.Type)
	content, err := models.DecodeContent(msgType, row.Content)
	if err != nil {
		return models.Message{}, err
	}
	var history []models.EditRecord
	if len(row.EditHistory) > 0 {
		if err := json.Unmarshal(row.EditHistory, &history); err != nil {
			return models.Message{}, fmt.Errorf("decode edit history: %w", err)
		}
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	return models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Recipients:     []string(row.Recipients),
		Seq:            row.Seq,
		Type:           msgType,
		Content:        content,
		Status:         models.MessageStatus(row.Status),
		ReadBy:         receipts,
		Edited:         models.Edited{IsEdited: row.IsEdited, EditedAt: row.EditedAt, History: history},
		Deleted:        models.Deleted{IsDeleted: row.IsDeleted, DeletedAt: row.DeletedAt, DeletedBy: row.DeletedBy},
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (p proposalRow) toModel() (*models.ExchangeProposal, error) {
	proposal := &models.ExchangeProposal{
		Proposer:    p.Proposer,
		Terms:       p.Terms,
		Status:      models.ProposalStatus(p.Status),
		ExpiresAt:   p.ExpiresAt,
		RespondedBy: p.RespondedBy,
		RespondedAt: p.RespondedAt,
		CounterOf:   p.CounterOf,
		CounteredBy: p.CounteredBy,
	}
	if err := json.Unmarshal(p.OfferedItems, &proposal.OfferedItems); err != nil {
		return nil, fmt.Errorf("decode offered items: %w", err)
	}
	if err := json.Unmarshal(p.RequestedItems, &proposal.RequestedItems); err != nil {
		return nil, fmt.Errorf("decode requested items: %w", err)
	}
	return proposal, nil
}

func expectRow(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
