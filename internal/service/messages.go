package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"swaply-chat/internal/models"
	"swaply-chat/internal/observability"
	"swaply-chat/internal/repositories"
)

const maxTextLength = 5000

// SendInput is the client payload of a new message.
type SendInput struct {
	Type        models.MessageType
	Text        string
	Attachments []models.Attachment
	Location    *models.LocationContent
}

// MessageListOptions pages a conversation's history. A nil MarkRead uses the service default.
type MessageListOptions struct {
	Page     int
	Limit    int
	MarkRead *bool
}

// Send validates and persists a message, then fans it out to the conversation.
func (s *Service) Send(ctx context.Context, conversationID, senderID string, in SendInput) (msg models.Message, err error) {
	ctx, span := s.start(ctx, "Send", attribute.String("conversation.id", conversationID), attribute.String("message.type", string(in.Type)))
	defer func() { finish(span, err) }()

	conv, err := s.participantConversation(ctx, conversationID, senderID)
	if err != nil {
		return models.Message{}, err
	}
	content, err := buildContent(in)
	if err != nil {
		return models.Message{}, err
	}
	if !s.limiter.Allow(senderID) {
		observability.IncRateLimited()
		return models.Message{}, ErrRateLimited
	}

	created, err := s.msgs.CreateMessages(ctx, repositories.MessageBatch{
		ConversationID: conv.ID,
		Messages:       []repositories.NewMessage{s.newMessage(conv, senderID, content)},
	})
	if err != nil {
		return models.Message{}, err
	}
	msg = created[0]
	s.publishCreated(ctx, conv, msg)
	return msg.Visible(), nil
}

// List returns one page of history oldest to newest, page 1 holding the most recent messages.
func (s *Service) List(ctx context.Context, conversationID, requesterID string, opts MessageListOptions) (result Page[models.Message], err error) {
	ctx, span := s.start(ctx, "List", attribute.String("conversation.id", conversationID))
	defer func() { finish(span, err) }()

	conv, err := s.participantConversation(ctx, conversationID, requesterID)
	if err != nil {
		return Page[models.Message]{}, err
	}
	page, limit := normalizePage(opts.Page, opts.Limit)
	msgs, total, err := s.msgs.ListMessages(ctx, conv.ID, (page-1)*limit, limit)
	if err != nil {
		return Page[models.Message]{}, err
	}

	now := s.now()
	for i := range msgs {
		s.expireIfOverdue(ctx, conv, &msgs[i], now)
	}

	markRead := s.opts.ReadOnFetch
	if opts.MarkRead != nil {
		markRead = *opts.MarkRead
	}
	if markRead {
		changed, err := s.markRead(ctx, conv, requesterID)
		if err != nil {
			return Page[models.Message]{}, err
		}
		for i := range msgs {
			if m, ok := changed[msgs[i].ID]; ok {
				msgs[i] = m
			}
		}
	}

	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m.Visible()
	}
	return newPage(out, page, limit, total), nil
}

// Edit replaces the text of a message authored by requesterID.
func (s *Service) Edit(ctx context.Context, messageID, requesterID, newText string) (msg models.Message, err error) {
	ctx, span := s.start(ctx, "Edit", attribute.String("message.id", messageID))
	defer func() { finish(span, err) }()

	msg, err = s.loadMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != requesterID {
		return models.Message{}, ErrNotAuthor
	}
	if msg.Type != models.TypeText {
		return models.Message{}, ErrWrongType
	}
	if msg.Deleted.IsDeleted {
		return models.Message{}, fmt.Errorf("%w: message was deleted", ErrInvalidContent)
	}
	text, err := validateText(newText)
	if err != nil {
		return models.Message{}, err
	}

	current, _ := msg.Content.(models.TextContent)
	prior := models.EditRecord{Text: current.Text, EditedAt: s.now()}
	if err := s.msgs.EditMessage(ctx, msg.ID, text, prior); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return models.Message{}, err
	}
	return s.refreshAndEmit(ctx, msg)
}

// SoftDelete marks a message deleted. Its original content is kept but never served.
func (s *Service) SoftDelete(ctx context.Context, messageID, requesterID string) (err error) {
	ctx, span := s.start(ctx, "SoftDelete", attribute.String("message.id", messageID))
	defer func() { finish(span, err) }()

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrNotAuthor
	}
	if msg.Deleted.IsDeleted {
		return nil
	}
	if err := s.msgs.SoftDeleteMessage(ctx, msg.ID, requesterID, s.now()); err != nil {
		return err
	}
	if _, err := s.refreshAndEmit(ctx, msg); err != nil {
		return err
	}
	s.opts.Audit.Record(ctx, requesterID, "message.delete", msg.ID, map[string]any{"conversation_id": msg.ConversationID})
	return nil
}

func (s *Service) refreshAndEmit(ctx context.Context, msg models.Message) (models.Message, error) {
	updated, err := s.msgs.GetMessage(ctx, msg.ID)
	if err != nil {
		return models.Message{}, err
	}
	conv, err := s.convs.GetConversation(ctx, updated.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	visible := updated.Visible()
	s.emit(ctx, conv, models.EventMessageUpdated, visible)
	return visible, nil
}

func (s *Service) newMessage(conv models.Conversation, senderID string, content models.Content) repositories.NewMessage {
	return repositories.NewMessage{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Recipients:     conv.Others(senderID),
		Type:           content.MessageType(),
		Content:        content,
		CreatedAt:      s.now(),
	}
}

// publishCreated pushes a committed message to the room, marks it delivered for the
// recipients that received it, and notifies the rest unless they blocked the conversation.
func (s *Service) publishCreated(ctx context.Context, conv models.Conversation, msg models.Message) {
	observability.IncMessageCreated(string(msg.Type))
	pushed := s.emit(ctx, conv, models.EventMessageCreated, msg.Visible())

	reached := make(map[string]bool, len(pushed))
	var delivered []string
	for _, id := range pushed {
		reached[id] = true
		if msg.IsRecipient(id) {
			delivered = append(delivered, id)
		}
	}
	if len(delivered) > 0 {
		if err := s.msgs.MarkDeliveredTo(ctx, msg.ID, delivered, s.now()); err != nil {
			s.logger.Warn("mark delivered failed", "message_id", msg.ID, "error", err)
		}
	}

	blocked := conv.BlockedBy()
	for _, id := range msg.Recipients {
		if reached[id] || blocked[id] {
			continue
		}
		if err := s.notifier.NotifyNewMessage(ctx, id, conv, msg.Visible()); err != nil {
			s.logger.Warn("notify recipient failed", "recipient_id", id, "message_id", msg.ID, "error", err)
		}
	}
}

func buildContent(in SendInput) (models.Content, error) {
	switch in.Type {
	case models.TypeText:
		text, err := validateText(in.Text)
		if err != nil {
			return nil, err
		}
		return models.TextContent{Text: text}, nil
	case models.TypeImage, models.TypeFile:
		if len(in.Attachments) == 0 {
			return nil, fmt.Errorf("%w: %s message needs at least one attachment", ErrInvalidContent, in.Type)
		}
		for _, a := range in.Attachments {
			if strings.TrimSpace(a.URL) == "" {
				return nil, fmt.Errorf("%w: attachment url is required", ErrInvalidContent)
			}
			if a.Size < 0 {
				return nil, fmt.Errorf("%w: attachment size must not be negative", ErrInvalidContent)
			}
		}
		if in.Type == models.TypeImage {
			return models.ImageContent{Caption: strings.TrimSpace(in.Text), Attachments: in.Attachments}, nil
		}
		return models.FileContent{Caption: strings.TrimSpace(in.Text), Attachments: in.Attachments}, nil
	case models.TypeLocation:
		loc := in.Location
		if loc == nil || math.IsNaN(loc.Latitude) || math.IsNaN(loc.Longitude) ||
			loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			return nil, fmt.Errorf("%w: valid coordinates are required", ErrInvalidContent)
		}
		return models.LocationContent{Latitude: loc.Latitude, Longitude: loc.Longitude, Label: strings.TrimSpace(loc.Label)}, nil
	case "":
		return nil, fmt.Errorf("%w: message type is required", ErrInvalidContent)
	default:
		return nil, fmt.Errorf("%w: clients cannot send %q messages", ErrInvalidContent, in.Type)
	}
}

func validateText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("%w: text must not be empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrInvalidContent, maxTextLength)
	}
	return text, nil
}
