package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swaply-chat/internal/middleware"
	"swaply-chat/internal/models"
	"swaply-chat/internal/service"
)

// ChatService is the messaging core used by the HTTP handlers.
type ChatService interface {
	GetOrCreate(ctx context.Context, requesterID, otherID string, publicationID *string) (models.Conversation, error)
	Get(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string, opts service.ListOptions) (service.Page[models.Conversation], error)
	SetStatus(ctx context.Context, conversationID, userID string, action service.ConversationAction) (models.Conversation, error)
	Hide(ctx context.Context, conversationID, userID string) error
	MarkRead(ctx context.Context, conversationID, userID string) ([]string, error)

	Send(ctx context.Context, conversationID, senderID string, in service.SendInput) (models.Message, error)
	List(ctx context.Context, conversationID, requesterID string, opts service.MessageListOptions) (service.Page[models.Message], error)
	Edit(ctx context.Context, messageID, requesterID, newText string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID, requesterID string) error

	Propose(ctx context.Context, conversationID, proposerID string, in service.ProposalInput) (models.Message, error)
	Respond(ctx context.Context, messageID, responderID string, in service.RespondInput) (service.RespondResult, error)
}

// ConversationHandler manages conversation endpoints.
type ConversationHandler struct {
	svc  ChatService
	errs errorWriter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(svc ChatService, logger *slog.Logger, dev bool) *ConversationHandler {
	return &ConversationHandler{svc: svc, errs: errorWriter{logger: logger, dev: dev}}
}

// ListConversations returns the caller's conversations, most recent activity first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := middleware.UserID(c)
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	includeArchived := false
	if raw := c.Query("include_archived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "include_archived must be a boolean")
			return
		}
		includeArchived = v
	}

	result, err := h.svc.ListForUser(c.Request.Context(), userID, service.ListOptions{Page: page, Limit: limit, IncludeArchived: includeArchived})
	if err != nil {
		h.errs.write(c, err)
		return
	}
	views := make([]models.ConversationView, 0, len(result.Items))
	for _, conv := range result.Items {
		views = append(views, conv.ViewFor(userID))
	}
	respondPage(c, "conversations", result, views)
}

// StartConversation gets or creates the conversation with another user.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		ParticipantID string  `json:"participant_id" binding:"required"`
		PublicationID *string `json:"publication_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	conv, err := h.svc.GetOrCreate(c.Request.Context(), userID, req.ParticipantID, req.PublicationID)
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "conversation ready", conv.ViewFor(userID))
}

// GetConversation returns one conversation.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	userID := middleware.UserID(c)
	conv, err := h.svc.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "conversation", conv.ViewFor(userID))
}

// HideConversation removes the conversation from the caller's list.
func (h *ConversationHandler) HideConversation(c *gin.Context) {
	if err := h.svc.Hide(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "conversation hidden", nil)
}

// MarkRead marks every message addressed to the caller as read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	ids, err := h.svc.MarkRead(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "messages marked as read", gin.H{"message_ids": ids, "count": len(ids)})
}

// SetStatus returns a handler applying one per-participant status action.
func (h *ConversationHandler) SetStatus(action service.ConversationAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		conv, err := h.svc.SetStatus(c.Request.Context(), c.Param("id"), userID, action)
		if err != nil {
			h.errs.write(c, err)
			return
		}
		respond(c, http.StatusOK, "conversation updated", conv.ViewFor(userID))
	}
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, err := intQuery(c, "page")
	if err != nil {
		badRequest(c, "page must be a number")
		return 0, 0, false
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, "limit must be a number")
		return 0, 0, false
	}
	return page, limit, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
