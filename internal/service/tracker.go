package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"swaply-chat/internal/models"
)

// MarkRead marks every message addressed to userID in the conversation as read and
// zeroes the user's unread counter. Calling it again changes nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (ids []string, err error) {
	ctx, span := s.start(ctx, "MarkRead", attribute.String("conversation.id", conversationID))
	defer func() { finish(span, err) }()

	conv, err := s.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	changed, err := s.markRead(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	ids = make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkDelivered stamps delivery of every message addressed to userID in the conversation.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, userID string) ([]string, error) {
	conv, err := s.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	ids, err := s.msgs.MarkDelivered(ctx, conv.ID, userID, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.emitUpdated(ctx, conv, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Join checks membership for a gateway subscription and marks pending messages delivered.
func (s *Service) Join(ctx context.Context, conversationID, userID string) error {
	_, err := s.MarkDelivered(ctx, conversationID, userID)
	return err
}

func (s *Service) markRead(ctx context.Context, conv models.Conversation, userID string) (map[string]models.Message, error) {
	ids, err := s.msgs.MarkRead(ctx, conv.ID, userID, s.now())
	if err != nil {
		return nil, err
	}
	changed, err := s.emitUpdated(ctx, conv, ids)
	if err != nil {
		return nil, err
	}
	if updated, err := s.convs.GetConversation(ctx, conv.ID); err == nil {
		s.emitToUser(ctx, userID, conv.ID, models.EventConversationUpdated, updated.ViewFor(userID))
	}
	return changed, nil
}

// emitUpdated reloads messages whose receipts changed and pushes message.updated for each.
func (s *Service) emitUpdated(ctx context.Context, conv models.Conversation, ids []string) (map[string]models.Message, error) {
	changed := make(map[string]models.Message, len(ids))
	if len(ids) == 0 {
		return changed, nil
	}
	msgs, err := s.msgs.GetMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		changed[m.ID] = m
		s.emit(ctx, conv, models.EventMessageUpdated, m.Visible())
	}
	return changed, nil
}
