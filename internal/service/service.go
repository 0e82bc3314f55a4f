package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"swaply-chat/internal/models"
	"swaply-chat/internal/ratelimit"
	"swaply-chat/internal/repositories"
	"swaply-chat/internal/telemetry"
)

// Gateway pushes events to connected clients.
type Gateway interface {
	// Broadcast sends the event to every connection subscribed to the conversation,
	// skipping excluded users, and returns the users it was queued for.
	Broadcast(ctx context.Context, conversationID string, event models.Event, exclude map[string]bool) []string
	SendToUser(ctx context.Context, userID string, event models.Event) bool
	Subscribe(conversationID string, userIDs []string)
}

// Notifier reaches recipients that are not connected to the gateway.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, recipientID string, conv models.Conversation, msg models.Message) error
}

// UserDirectory answers whether a user id exists.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Options tune service behavior.
type Options struct {
	ReadOnFetch          bool
	ProposalDefaultHours int
	ProposalMaxHours     int
	Now                  func() time.Time
	Logger               *slog.Logger
	Audit                *telemetry.AuditEmitter
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{ReadOnFetch: true, ProposalDefaultHours: 48, ProposalMaxHours: 720}
}

// Service implements conversation, message, negotiation and read tracking operations.
type Service struct {
	convs    repositories.ConversationRepository
	msgs     repositories.MessageRepository
	users    UserDirectory
	gateway  Gateway
	notifier Notifier
	limiter  ratelimit.Limiter
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires a Service. Nil gateway, notifier and limiter fall back to no-ops.
func New(convs repositories.ConversationRepository, msgs repositories.MessageRepository, users UserDirectory, gateway Gateway, notifier Notifier, limiter ratelimit.Limiter, opts Options) *Service {
	if gateway == nil {
		gateway = nopGateway{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		convs:    convs,
		msgs:     msgs,
		users:    users,
		gateway:  gateway,
		notifier: notifier,
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("swaply-chat/service"),
	}
}

// ReadOnFetch reports whether listing messages marks them read by default.
func (s *Service) ReadOnFetch() bool { return s.opts.ReadOnFetch }

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// participantConversation loads a conversation and checks userID belongs to it.
func (s *Service) participantConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

func (s *Service) loadMessage(ctx context.Context, messageID string) (models.Message, error) {
	msg, err := s.msgs.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return msg, err
}

// emit builds and broadcasts an event to the conversation room, skipping users that
// blocked the conversation. Marshalling failures are logged, never returned.
func (s *Service) emit(ctx context.Context, conv models.Conversation, t models.EventType, payload any) []string {
	evt, err := models.NewEvent(t, conv.ID, payload)
	if err != nil {
		s.logger.Error("build gateway event", "type", t, "error", err)
		return nil
	}
	return s.gateway.Broadcast(ctx, conv.ID, evt, conv.BlockedBy())
}

func (s *Service) emitToUser(ctx context.Context, userID, conversationID string, t models.EventType, payload any) {
	evt, err := models.NewEvent(t, conversationID, payload)
	if err != nil {
		s.logger.Error("build gateway event", "type", t, "error", err)
		return
	}
	s.gateway.SendToUser(ctx, userID, evt)
}

type nopGateway struct{}

func (nopGateway) Broadcast(context.Context, string, models.Event, map[string]bool) []string {
	return nil
}
func (nopGateway) SendToUser(context.Context, string, models.Event) bool { return false }
func (nopGateway) Subscribe(string, []string)                            {}

type nopNotifier struct{}

func (nopNotifier) NotifyNewMessage(context.Context, string, models.Conversation, models.Message) error {
	return nil
}
