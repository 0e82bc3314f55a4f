package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	grpcclient "swaply-chat/internal/grpc"
	"swaply-chat/internal/middleware"
	"swaply-chat/internal/observability"
)

// Options tune connection keepalive and buffering.
type Options struct {
	PingInterval time.Duration
	WriteWait    time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Handler upgrades authenticated requests to gateway connections.
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	validator  middleware.TokenValidator
	opts       Options
	logger     *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, dispatcher Dispatcher, validator middleware.TokenValidator, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, dispatcher: dispatcher, validator: validator, opts: opts.withDefaults(), logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the request, upgrades it and subscribes the connection to
// every conversation of the user.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("swaply-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing token"})
		return
	}
	userID, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, grpcclient.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "identity provider unavailable"})
		return
	}
	span.SetAttributes(attribute.String("user.id", userID))

	conversationIDs, err := h.dispatcher.ConversationIDs(ctx, userID)
	if err != nil {
		h.logger.Error("ws list conversations", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "could not load conversations"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(h.hub, conn, info, h.opts.SendBuffer)
	h.hub.Register(client, conversationIDs)

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, info, "ws_connect", "")

	// connection work outlives the request context
	connCtx := observability.WithRequestID(context.Background(), info.RequestID)
	go client.writePump(h.opts.PingInterval, h.opts.WriteWait)
	go func() {
		err := client.readPump(connCtx, h.dispatcher, h.opts.PingInterval*10/9+h.opts.WriteWait)
		h.hub.Unregister(client)
		observability.DecWSActive(wsKind)

		reason := client.closeReason()
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			if reason == "" || reason == "unregistered" {
				reason = err.Error()
			}
			publishWSEvent(connCtx, info, "ws_error", reason)
		}
		publishWSEvent(connCtx, info, "ws_disconnect", reason)
	}()
}
