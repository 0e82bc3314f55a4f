package notify

import (
	"context"

	"swaply-chat/internal/models"
	"swaply-chat/internal/observability"
)

const routingKeyNewMessage = "notifications.chat.message"

// NewMessagePayload is consumed by the notification delivery service.
type NewMessagePayload struct {
	RecipientID    string             `json:"recipient_id"`
	ConversationID string             `json:"conversation_id"`
	PublicationID  *string            `json:"publication_id,omitempty"`
	MessageID      string             `json:"message_id"`
	SenderID       string             `json:"sender_id"`
	MessageType    models.MessageType `json:"message_type"`
	Preview        string             `json:"preview"`
}

// BrokerNotifier hands offline-recipient notifications to the event broker.
type BrokerNotifier struct{}

func (BrokerNotifier) NotifyNewMessage(ctx context.Context, recipientID string, conv models.Conversation, msg models.Message) error {
	return observability.PublishEvent(ctx, routingKeyNewMessage, observability.EventEnvelope{
		EventType: "notification",
		EventName: "chat.message.created",
		Payload: NewMessagePayload{
			RecipientID:    recipientID,
			ConversationID: conv.ID,
			PublicationID:  conv.PublicationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			MessageType:    msg.Type,
			Preview:        models.Format(msg),
		},
	}, nil)
}
