package handlers

import (
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"swaply-chat/internal/middleware"
	"swaply-chat/internal/models"
	"swaply-chat/internal/service"
	"swaply-chat/internal/storage/s3"
)

const (
	maxAttachments     = 10
	maxAttachmentBytes = 10 << 20
)

// MessageHandler manages message and exchange proposal endpoints.
type MessageHandler struct {
	svc      ChatService
	uploader s3.Uploader
	errs     errorWriter
	now      func() time.Time
}

// NewMessageHandler builds a MessageHandler. A nil uploader rejects file uploads.
func NewMessageHandler(svc ChatService, uploader s3.Uploader, logger *slog.Logger, dev bool) *MessageHandler {
	if uploader == nil {
		uploader = s3.NoopUploader{}
	}
	return &MessageHandler{svc: svc, uploader: uploader, errs: errorWriter{logger: logger, dev: dev}, now: time.Now}
}

type sendMessageRequest struct {
	Type        models.MessageType      `json:"type"`
	Content     string                  `json:"content"`
	Attachments []models.Attachment     `json:"attachments"`
	Location    *models.LocationContent `json:"location"`
}

// ListMessages returns one page of a conversation's history.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	opts := service.MessageListOptions{Page: page, Limit: limit}
	if raw := c.Query("mark_read"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "mark_read must be a boolean")
			return
		}
		opts.MarkRead = &v
	}

	result, err := h.svc.List(c.Request.Context(), c.Param("id"), middleware.UserID(c), opts)
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respondPage(c, "messages", result, result.Items)
}

// SendMessage accepts a JSON body or a multipart form with attachment files.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	conversationID := c.Param("id")
	userID := middleware.UserID(c)

	var req sendMessageRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if !h.bindMultipart(c, conversationID, userID, &req) {
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = inferType(req)
	}

	msg, err := h.svc.Send(c.Request.Context(), conversationID, userID, service.SendInput{
		Type:        req.Type,
		Text:        req.Content,
		Attachments: req.Attachments,
		Location:    req.Location,
	})
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusCreated, "message sent", msg)
}

// bindMultipart uploads the attached files and fills req. The membership check runs
// first so outsiders cannot store files.
func (h *MessageHandler) bindMultipart(c *gin.Context, conversationID, userID string, req *sendMessageRequest) bool {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "invalid multipart form")
		return false
	}
	req.Type = models.MessageType(c.PostForm("type"))
	req.Content = c.PostForm("content")

	files := append(form.File["attachments[]"], form.File["attachments"]...)
	if len(files) > maxAttachments {
		badRequest(c, fmt.Sprintf("at most %d attachments are allowed", maxAttachments))
		return false
	}
	if len(files) == 0 {
		return true
	}
	if _, err := h.svc.Get(c.Request.Context(), conversationID, userID); err != nil {
		h.errs.write(c, err)
		return false
	}
	for _, fh := range files {
		if fh.Size > maxAttachmentBytes {
			badRequest(c, fmt.Sprintf("attachment %q exceeds %d bytes", fh.Filename, maxAttachmentBytes))
			return false
		}
		att, err := h.upload(c, conversationID, fh)
		if err != nil {
			h.errs.write(c, fmt.Errorf("%w: upload attachment: %v", service.ErrTransport, err))
			return false
		}
		req.Attachments = append(req.Attachments, att)
	}
	return true
}

func (h *MessageHandler) upload(c *gin.Context, conversationID string, fh *multipart.FileHeader) (models.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, err
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := s3.AttachmentKey(conversationID, fh.Filename, h.now())
	url, err := h.uploader.Upload(c.Request.Context(), key, f, fh.Size, contentType)
	if err != nil {
		return models.Attachment{}, err
	}
	return models.Attachment{URL: url, Name: fh.Filename, Size: fh.Size, MimeType: contentType}, nil
}

func inferType(req sendMessageRequest) models.MessageType {
	switch {
	case req.Location != nil:
		return models.TypeLocation
	case len(req.Attachments) > 0:
		for _, a := range req.Attachments {
			if !strings.HasPrefix(a.MimeType, "image/") {
				return models.TypeFile
			}
		}
		return models.TypeImage
	default:
		return models.TypeText
	}
}

// EditMessage replaces the text of the caller's message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.svc.Edit(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.Content)
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "message updated", msg)
}

// DeleteMessage soft-deletes the caller's message for everyone.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	if err := h.svc.SoftDelete(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "message deleted", nil)
}

type proposalRequest struct {
	OfferedItems    []models.ProposalItem `json:"offered_items"`
	RequestedItems  []models.ProposalItem `json:"requested_items"`
	Terms           string                `json:"terms"`
	ExpirationHours *int                  `json:"expiration_hours"`
}

func (r proposalRequest) input() service.ProposalInput {
	return service.ProposalInput{
		OfferedItems:    r.OfferedItems,
		RequestedItems:  r.RequestedItems,
		Terms:           r.Terms,
		ExpirationHours: r.ExpirationHours,
	}
}

// ProposeExchange posts an exchange proposal to the conversation.
func (h *MessageHandler) ProposeExchange(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.svc.Propose(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.input())
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusCreated, "exchange proposal sent", msg)
}

// RespondExchange accepts, rejects or counters a pending proposal.
func (h *MessageHandler) RespondExchange(c *gin.Context) {
	var req struct {
		Action       models.ProposalAction `json:"action" binding:"required"`
		CounterOffer *proposalRequest      `json:"counter_offer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	in := service.RespondInput{Action: req.Action}
	if req.CounterOffer != nil {
		counter := req.CounterOffer.input()
		in.CounterOffer = &counter
	}
	result, err := h.svc.Respond(c.Request.Context(), c.Param("id"), middleware.UserID(c), in)
	if err != nil {
		h.errs.write(c, err)
		return
	}
	respond(c, http.StatusOK, "exchange proposal answered", result)
}
