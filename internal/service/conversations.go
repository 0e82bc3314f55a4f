package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"swaply-chat/internal/models"
	"swaply-chat/internal/repositories"
)

// ConversationAction is a per-participant status change.
type ConversationAction string

const (
	ActionArchive   ConversationAction = "archive"
	ActionUnarchive ConversationAction = "unarchive"
	ActionBlock     ConversationAction = "block"
	ActionUnblock   ConversationAction = "unblock"
)

// ListOptions pages a conversation list.
type ListOptions struct {
	Page            int
	Limit           int
	IncludeArchived bool
}

// GetOrCreate returns the conversation keyed by the participant pair and publication,
// creating it on first use. It is symmetric in requester and other.
func (s *Service) GetOrCreate(ctx context.Context, requesterID, otherID string, publicationID *string) (conv models.Conversation, err error) {
	ctx, span := s.start(ctx, "GetOrCreate", attribute.String("user.id", requesterID))
	defer func() { finish(span, err) }()

	requesterID = strings.TrimSpace(requesterID)
	otherID = strings.TrimSpace(otherID)
	if otherID == "" || otherID == requesterID {
		return models.Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidParticipant)
	}
	if publicationID != nil && strings.TrimSpace(*publicationID) == "" {
		publicationID = nil
	}

	exists, err := s.users.UserExists(ctx, otherID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !exists {
		return models.Conversation{}, fmt.Errorf("%w: user %s does not exist", ErrInvalidParticipant, otherID)
	}

	participants := []string{requesterID, otherID}
	conv, err = s.convs.FindConversation(ctx, models.ParticipantKey(participants), models.PublicationKey(publicationID))
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		conv, err = s.convs.CreateConversation(ctx, participants, publicationID, s.now())
		if err != nil {
			return models.Conversation{}, err
		}
		s.gateway.Subscribe(conv.ID, conv.Participants)
		s.logger.Info("conversation created", "conversation_id", conv.ID, "participants", conv.Participants)
	case err != nil:
		return models.Conversation{}, err
	}

	if m, ok := conv.Member(requesterID); ok && m.Hidden {
		visible := false
		if err := s.convs.UpdateParticipant(ctx, conv.ID, requesterID, repositories.ParticipantUpdate{Hidden: &visible}); err != nil {
			return models.Conversation{}, err
		}
		if conv, err = s.convs.GetConversation(ctx, conv.ID); err != nil {
			return models.Conversation{}, err
		}
	}
	if err := s.attachLastMessages(ctx, []*models.Conversation{&conv}); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Get returns one conversation the user participates in.
func (s *Service) Get(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, err := s.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return models.Conversation{}, err
	}
	if err := s.attachLastMessages(ctx, []*models.Conversation{&conv}); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListForUser pages the user's conversations, most recent activity first.
func (s *Service) ListForUser(ctx context.Context, userID string, opts ListOptions) (result Page[models.Conversation], err error) {
	ctx, span := s.start(ctx, "ListForUser", attribute.String("user.id", userID))
	defer func() { finish(span, err) }()

	page, limit := normalizePage(opts.Page, opts.Limit)
	convs, total, err := s.convs.ListConversations(ctx, userID, repositories.ConversationFilter{
		IncludeArchived: opts.IncludeArchived,
		Offset:          (page - 1) * limit,
		Limit:           limit,
	})
	if err != nil {
		return Page[models.Conversation]{}, err
	}
	refs := make([]*models.Conversation, 0, len(convs))
	for i := range convs {
		refs = append(refs, &convs[i])
	}
	if err := s.attachLastMessages(ctx, refs); err != nil {
		return Page[models.Conversation]{}, err
	}
	return newPage(convs, page, limit, total), nil
}

// ConversationIDs lists every conversation the user participates in.
func (s *Service) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return s.convs.ListConversationIDs(ctx, userID)
}

// SetStatus archives, unarchives, blocks or unblocks the conversation for userID only.
func (s *Service) SetStatus(ctx context.Context, conversationID, userID string, action ConversationAction) (conv models.Conversation, err error) {
	ctx, span := s.start(ctx, "SetStatus", attribute.String("conversation.id", conversationID), attribute.String("action", string(action)))
	defer func() { finish(span, err) }()

	on, off := true, false
	var update repositories.ParticipantUpdate
	switch action {
	case ActionArchive:
		update.Archived = &on
	case ActionUnarchive:
		update.Archived = &off
	case ActionBlock:
		update.Blocked = &on
	case ActionUnblock:
		update.Blocked = &off
	default:
		return models.Conversation{}, fmt.Errorf("%w: unknown action %q", ErrInvalidContent, action)
	}

	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return models.Conversation{}, err
	}
	if err := s.convs.UpdateParticipant(ctx, conversationID, userID, update); err != nil {
		return models.Conversation{}, err
	}
	conv, err = s.Get(ctx, conversationID, userID)
	if err != nil {
		return models.Conversation{}, err
	}

	s.emitToUser(ctx, userID, conv.ID, models.EventConversationUpdated, conv.ViewFor(userID))
	if action == ActionBlock || action == ActionUnblock {
		s.opts.Audit.Record(ctx, userID, "conversation."+string(action), conv.ID, nil)
	}
	return conv, nil
}

// Hide removes the conversation from the user's list until a new message arrives.
func (s *Service) Hide(ctx context.Context, conversationID, userID string) error {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	hidden := true
	if err := s.convs.UpdateParticipant(ctx, conversationID, userID, repositories.ParticipantUpdate{Hidden: &hidden}); err != nil {
		return err
	}
	s.opts.Audit.Record(ctx, userID, "conversation.hide", conversationID, nil)
	return nil
}

func (s *Service) attachLastMessages(ctx context.Context, convs []*models.Conversation) error {
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.LastMessageID != nil {
			ids = append(ids, *c.LastMessageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	msgs, err := s.msgs.GetMessages(ctx, ids)
	if err != nil {
		return fmt.Errorf("load last messages: %w", err)
	}
	byID := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	for _, c := range convs {
		if c.LastMessageID == nil {
			continue
		}
		if m, ok := byID[*c.LastMessageID]; ok {
			visible := m.Visible()
			c.LastMessage = &visible
		}
	}
	return nil
}
