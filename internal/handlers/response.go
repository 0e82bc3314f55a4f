package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"swaply-chat/internal/service"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Page    *int   `json:"page,omitempty"`
	Limit   *int   `json:"limit,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Pages   *int   `json:"pages,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

func respondPage[T any](c *gin.Context, message string, page service.Page[T], data any) {
	c.JSON(http.StatusOK, envelope{
		Success: true,
		Message: message,
		Data:    data,
		Page:    &page.Page,
		Limit:   &page.Limit,
		Total:   &page.Total,
		Pages:   &page.Pages,
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, envelope{Success: false, Message: message})
}

// errorWriter maps service errors to HTTP responses. Detail of 5xx errors is only
// exposed in dev.
type errorWriter struct {
	logger *slog.Logger
	dev    bool
}

func (w errorWriter) write(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		if w.logger != nil {
			w.logger.Error("request failed", "path", c.FullPath(), "status", status, "request_id", c.GetString("request_id"), "error", err)
		}
		message = "internal error"
		if status == http.StatusBadGateway {
			message = service.ErrTransport.Error()
		}
		if w.dev {
			message += ": " + err.Error()
		}
	}
	c.AbortWithStatusJSON(status, envelope{Success: false, Message: message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotParticipant),
		errors.Is(err, service.ErrNotAuthor),
		errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrWrongType),
		errors.Is(err, service.ErrInvalidContent),
		errors.Is(err, service.ErrInvalidParticipant),
		errors.Is(err, service.ErrAlreadyResolved):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
