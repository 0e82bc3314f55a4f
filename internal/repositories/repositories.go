package repositories

import (
	"context"
	"errors"
	"time"

	"swaply-chat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrProposalNotPending   = errors.New("proposal is not pending")
)

// ConversationFilter narrows a participant's conversation list.
type ConversationFilter struct {
	IncludeArchived bool
	Offset          int
	Limit           int
}

// ParticipantUpdate changes per-participant flags; nil fields are left untouched.
type ParticipantUpdate struct {
	Archived *bool
	Blocked  *bool
	Hidden   *bool
}

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindConversation(ctx context.Context, participantKey, publicationKey string) (models.Conversation, error)
	CreateConversation(ctx context.Context, participants []string, publicationID *string, now time.Time) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string, filter ConversationFilter) ([]models.Conversation, int, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
	UpdateParticipant(ctx context.Context, conversationID, userID string, update ParticipantUpdate) error
}

// NewMessage is a message to insert. ID and CreatedAt are assigned by the caller.
type NewMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Recipients     []string
	Type           models.MessageType
	Content        models.Content
	CreatedAt      time.Time
}

// ProposalTransition moves a pending proposal to another status.
type ProposalTransition struct {
	MessageID   string
	To          models.ProposalStatus
	RespondedBy string
	RespondedAt time.Time
	CounteredBy *string
}

// MessageBatch is written atomically: the optional transition, every message,
// the conversation's last-message pointer and the recipients' unread counters.
type MessageBatch struct {
	ConversationID string
	Transition     *ProposalTransition
	Messages       []NewMessage
}

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	CreateMessages(ctx context.Context, batch MessageBatch) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error)
	// ListMessages pages newest first and returns the conversation's total message count.
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error)
	EditMessage(ctx context.Context, messageID string, text string, prior models.EditRecord) error
	SoftDeleteMessage(ctx context.Context, messageID, deletedBy string, at time.Time) error
	// MarkRead also resets the reader's unread counter.
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	MarkDelivered(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	MarkDeliveredTo(ctx context.Context, messageID string, userIDs []string, at time.Time) error
	ExpireProposal(ctx context.Context, messageID string, now time.Time) (bool, error)
	ExpireOverdueProposals(ctx context.Context, now time.Time) ([]string, error)
}
