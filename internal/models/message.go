package models

import (
	"encoding/json"
	"time"
)

// DeletedPlaceholder replaces the content of soft-deleted messages in every read path.
const DeletedPlaceholder = "Este mensaje fue eliminado"

// MessageStatus is the minimum delivery state across all recipients.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is one unit of communication within a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Recipients     []string      `json:"recipients"`
	Seq            int64         `json:"seq"`
	Type           MessageType   `json:"type"`
	Content        Content       `json:"content"`
	Status         MessageStatus `json:"status"`
	ReadBy         []Receipt     `json:"read_by"`
	Edited         Edited        `json:"edited"`
	Deleted        Deleted       `json:"deleted"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Receipt tracks delivery and read state of a message for one recipient.
type Receipt struct {
	UserID      string     `db:"user_id" json:"user_id"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// Edited keeps the edit state and every prior snapshot, newest last.
type Edited struct {
	IsEdited bool         `json:"is_edited"`
	EditedAt *time.Time   `json:"edited_at,omitempty"`
	History  []EditRecord `json:"history,omitempty"`
}

// EditRecord is a content snapshot taken before an edit.
type EditRecord struct {
	Text     string    `json:"text"`
	EditedAt time.Time `json:"edited_at"`
}

// OriginalContent returns the content immediately prior to the latest edit.
func (e Edited) OriginalContent() (string, bool) {
	if len(e.History) == 0 {
		return "", false
	}
	return e.History[len(e.History)-1].Text, true
}

// Deleted is the soft-delete marker.
type Deleted struct {
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy *string    `json:"deleted_by,omitempty"`
}

// Visible returns the message as it may be served to any reader.
func (m Message) Visible() Message {
	if !m.Deleted.IsDeleted {
		return m
	}
	out := m
	out.Type = TypeText
	out.Content = TextContent{Text: DeletedPlaceholder}
	out.Edited = Edited{IsEdited: m.Edited.IsEdited, EditedAt: m.Edited.EditedAt}
	return out
}

// Proposal returns the embedded exchange proposal, if any.
func (m Message) Proposal() (*ExchangeProposal, bool) {
	pc, ok := m.Content.(ProposalContent)
	if !ok || pc.Proposal == nil {
		return nil, false
	}
	return pc.Proposal, true
}

// IsRecipient reports whether userID is addressed by the message.
func (m Message) IsRecipient(userID string) bool {
	for _, id := range m.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}

// ComputeStatus derives the message-level status from recipient receipts.
func ComputeStatus(receipts []Receipt) MessageStatus {
	if len(receipts) == 0 {
		return StatusSent
	}
	status := StatusRead
	for _, r := range receipts {
		switch {
		case r.ReadAt != nil:
		case r.DeliveredAt != nil:
			status = StatusDelivered
		default:
			return StatusSent
		}
	}
	return status
}

type messageJSON struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Recipients     []string        `json:"recipients"`
	Seq            int64           `json:"seq"`
	Type           MessageType     `json:"type"`
	Content        json.RawMessage `json:"content"`
	Status         MessageStatus   `json:"status"`
	ReadBy         []Receipt       `json:"read_by"`
	Edited         Edited          `json:"edited"`
	Deleted        Deleted         `json:"deleted"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UnmarshalJSON decodes the content variant matching the message type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := DecodeContent(raw.Type, raw.Content)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		SenderID:       raw.SenderID,
		Recipients:     raw.Recipients,
		Seq:            raw.Seq,
		Type:           raw.Type,
		Content:        content,
		Status:         raw.Status,
		ReadBy:         raw.ReadBy,
		Edited:         raw.Edited,
		Deleted:        raw.Deleted,
		CreatedAt:      raw.CreatedAt,
	}
	return nil
}
