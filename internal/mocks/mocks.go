package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"swaply-chat/internal/models"
	"swaply-chat/internal/service"
)

type ChatServiceMock struct {
	mock.Mock
}

func (m *ChatServiceMock) GetOrCreate(ctx context.Context, requesterID, otherID string, publicationID *string) (models.Conversation, error) {
	args := m.Called(ctx, requesterID, otherID, publicationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ChatServiceMock) Get(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ChatServiceMock) ListForUser(ctx context.Context, userID string, opts service.ListOptions) (service.Page[models.Conversation], error) {
	args := m.Called(ctx, userID, opts)
	var page service.Page[models.Conversation]
	if val := args.Get(0); val != nil {
		page = val.(service.Page[models.Conversation])
	}
	return page, args.Error(1)
}

func (m *ChatServiceMock) SetStatus(ctx context.Context, conversationID, userID string, action service.ConversationAction) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID, action)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ChatServiceMock) Hide(ctx context.Context, conversationID, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ChatServiceMock) MarkRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	args := m.Called(ctx, conversationID, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *ChatServiceMock) Send(ctx context.Context, conversationID, senderID string, in service.SendInput) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) List(ctx context.Context, conversationID, requesterID string, opts service.MessageListOptions) (service.Page[models.Message], error) {
	args := m.Called(ctx, conversationID, requesterID, opts)
	var page service.Page[models.Message]
	if val := args.Get(0); val != nil {
		page = val.(service.Page[models.Message])
	}
	return page, args.Error(1)
}

func (m *ChatServiceMock) Edit(ctx context.Context, messageID, requesterID, newText string) (models.Message, error) {
	args := m.Called(ctx, messageID, requesterID, newText)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	args := m.Called(ctx, messageID, requesterID)
	return args.Error(0)
}

func (m *ChatServiceMock) Propose(ctx context.Context, conversationID, proposerID string, in service.ProposalInput) (models.Message, error) {
	args := m.Called(ctx, conversationID, proposerID, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) Respond(ctx context.Context, messageID, responderID string, in service.RespondInput) (service.RespondResult, error) {
	args := m.Called(ctx, messageID, responderID, in)
	var res service.RespondResult
	if val := args.Get(0); val != nil {
		res = val.(service.RespondResult)
	}
	return res, args.Error(1)
}

// DispatcherMock serves the gateway's calls into the messaging core.
type DispatcherMock struct {
	mock.Mock
}

func (m *DispatcherMock) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *DispatcherMock) Join(ctx context.Context, conversationID, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *DispatcherMock) MarkRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	args := m.Called(ctx, conversationID, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	args := m.Called(ctx, key, reader, size, contentType)
	return args.String(0), args.Error(1)
}
