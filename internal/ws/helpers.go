package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"swaply-chat/internal/observability"
	"swaply-chat/internal/service"
)

const (
	wsKind       = "conversation"
	wsRoutingKey = "ws_events.conversations"
)

func newConnID() string {
	return uuid.NewString()
}

// publishWSEvent reports a connection lifecycle event to the broker and metrics.
func publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(wsKind, event)
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        wsKind,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, service.ErrNotFound):
		return "not_found"
	case errors.Is(err, service.ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
