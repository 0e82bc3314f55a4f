package telemetry

import (
	"context"
	"log/slog"
	"time"

	"swaply-chat/internal/observability"
)

type AuditEmitter struct {
	publisher   observability.Publisher
	logger      *slog.Logger
	routingKey  string
	service     string
	environment string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level    string         `json:"level"`
	Text     string         `json:"text"`
	Action   string         `json:"action,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func NewAuditEmitter(publisher observability.Publisher, logger *slog.Logger, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		logger:      logger,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	e.EmitPayload(ctx, requestID, userID, AuditPayload{Level: level, Text: text})
}

// Record emits an INFO audit entry for a user action on a resource.
func (e *AuditEmitter) Record(ctx context.Context, userID, action, resource string, details map[string]any) {
	if e == nil {
		return
	}
	uid := userID
	e.EmitPayload(ctx, observability.RequestIDFromContext(ctx), &uid, AuditPayload{
		Level:    "INFO",
		Text:     action + " " + resource,
		Action:   action,
		Resource: resource,
		Details:  details,
	})
}

func (e *AuditEmitter) EmitPayload(ctx context.Context, requestID string, userID *string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	if e.logger != nil {
		e.logger.Debug("audit emit", "level", payload.Level, "request_id", requestID, "action", payload.Action, "text", payload.Text)
	}
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, observability.HeadersFromContext(ctx)); err != nil {
		observability.IncPublishError()
		if e.logger != nil {
			e.logger.Warn("audit publish failed", "error", err)
		}
	}
}
