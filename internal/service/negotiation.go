package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"swaply-chat/internal/models"
	"swaply-chat/internal/observability"
	"swaply-chat/internal/repositories"
)

const (
	textProposalAccepted = "Propuesta de intercambio aceptada"
	textProposalRejected = "Propuesta de intercambio rechazada"
	textProposalCounter  = "Contraoferta enviada"
)

// ProposalInput describes the items of a proposal or counter offer.
// A nil ExpirationHours uses the configured default.
type ProposalInput struct {
	OfferedItems    []models.ProposalItem
	RequestedItems  []models.ProposalItem
	Terms           string
	ExpirationHours *int
}

// RespondInput is a responder's answer. CounterOffer is required for counter.
type RespondInput struct {
	Action       models.ProposalAction
	CounterOffer *ProposalInput
}

// RespondResult holds the messages produced by a response.
type RespondResult struct {
	Proposal models.Message  `json:"proposal"`
	Counter  *models.Message `json:"counter,omitempty"`
	System   models.Message  `json:"system"`
}

// Propose creates a pending exchange proposal message.
func (s *Service) Propose(ctx context.Context, conversationID, proposerID string, in ProposalInput) (msg models.Message, err error) {
	ctx, span := s.start(ctx, "Propose", attribute.String("conversation.id", conversationID))
	defer func() { finish(span, err) }()

	conv, err := s.participantConversation(ctx, conversationID, proposerID)
	if err != nil {
		return models.Message{}, err
	}
	proposal, err := s.buildProposal(proposerID, in, nil)
	if err != nil {
		return models.Message{}, err
	}
	if !s.limiter.Allow(proposerID) {
		observability.IncRateLimited()
		return models.Message{}, ErrRateLimited
	}

	created, err := s.msgs.CreateMessages(ctx, repositories.MessageBatch{
		ConversationID: conv.ID,
		Messages:       []repositories.NewMessage{s.newMessage(conv, proposerID, models.ProposalContent{Proposal: proposal})},
	})
	if err != nil {
		return models.Message{}, err
	}
	observability.IncProposalTransition(string(models.ProposalPending))
	s.publishCreated(ctx, conv, created[0])
	return created[0], nil
}

// Respond applies accept, reject or counter to a pending proposal. Checks run in a fixed
// order: missing, expired, resolved, then responder rights. Every write of one response
// commits together; a concurrent winner turns this call into ErrAlreadyResolved.
func (s *Service) Respond(ctx context.Context, messageID, responderID string, in RespondInput) (result RespondResult, err error) {
	ctx, span := s.start(ctx, "Respond", attribute.String("message.id", messageID), attribute.String("action", string(in.Action)))
	defer func() { finish(span, err) }()

	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return RespondResult{}, err
	}
	proposal, ok := msg.Proposal()
	if !ok || msg.Deleted.IsDeleted {
		return RespondResult{}, fmt.Errorf("proposal %s: %w", messageID, ErrNotFound)
	}
	conv, err := s.convs.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return RespondResult{}, err
	}

	now := s.now()
	if proposal.Status == models.ProposalExpired {
		return RespondResult{}, ErrExpired
	}
	if s.expireIfOverdue(ctx, conv, &msg, now) {
		return RespondResult{}, ErrExpired
	}
	if proposal.Status != models.ProposalPending {
		return RespondResult{}, ErrAlreadyResolved
	}
	if responderID == proposal.Proposer || !conv.HasParticipant(responderID) {
		return RespondResult{}, ErrForbidden
	}

	transition := &repositories.ProposalTransition{
		MessageID:   msg.ID,
		RespondedBy: responderID,
	}
	var (
		batch     []repositories.NewMessage
		systemTxt string
	)
	switch in.Action {
	case models.ActionAccept:
		transition.To = models.ProposalAccepted
		systemTxt = textProposalAccepted
	case models.ActionReject:
		transition.To = models.ProposalRejected
		systemTxt = textProposalRejected
	case models.ActionCounter:
		if in.CounterOffer == nil {
			return RespondResult{}, fmt.Errorf("%w: counter offer is required", ErrInvalidContent)
		}
		counter, err := s.buildProposal(responderID, *in.CounterOffer, &msg.ID)
		if err != nil {
			return RespondResult{}, err
		}
		counterMsg := s.newMessage(conv, responderID, models.ProposalContent{Proposal: counter})
		transition.To = models.ProposalCountered
		transition.CounteredBy = &counterMsg.ID
		batch = append(batch, counterMsg)
		systemTxt = textProposalCounter
	default:
		return RespondResult{}, fmt.Errorf("%w: unknown action %q", ErrInvalidContent, in.Action)
	}
	batch = append(batch, s.newMessage(conv, responderID, models.SystemContent{
		Text:         systemTxt,
		Event:        "proposal." + string(transition.To),
		RefMessageID: msg.ID,
	}))

	// the store rejects the transition once the deadline has passed at this instant
	transition.RespondedAt = s.now()
	created, err := s.msgs.CreateMessages(ctx, repositories.MessageBatch{
		ConversationID: conv.ID,
		Transition:     transition,
		Messages:       batch,
	})
	if errors.Is(err, repositories.ErrProposalNotPending) {
		if latest, lerr := s.msgs.GetMessage(ctx, msg.ID); lerr == nil {
			if p, ok := latest.Proposal(); ok && (p.Status == models.ProposalExpired || p.ExpiredAt(transition.RespondedAt)) {
				return RespondResult{}, ErrExpired
			}
		}
		return RespondResult{}, ErrAlreadyResolved
	}
	if err != nil {
		return RespondResult{}, err
	}
	observability.IncProposalTransition(string(transition.To))

	original, err := s.msgs.GetMessage(ctx, msg.ID)
	if err != nil {
		return RespondResult{}, err
	}
	result = RespondResult{Proposal: original.Visible(), System: created[len(created)-1]}
	if len(created) == 2 {
		counter := created[0]
		result.Counter = &counter
		observability.IncProposalTransition(string(models.ProposalPending))
	}

	s.emit(ctx, conv, models.EventProposalResponded, models.ProposalRespondedPayload{
		Message:        result.Proposal,
		Action:         in.Action,
		CounterMessage: result.Counter,
	})
	for _, m := range created {
		s.publishCreated(ctx, conv, m)
	}
	s.opts.Audit.Record(ctx, responderID, "proposal."+string(in.Action), msg.ID, map[string]any{"conversation_id": conv.ID})
	return result, nil
}

// ExpireOverdue expires every pending proposal past its deadline and reports how many changed.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.msgs.ExpireOverdueProposals(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	msgs, err := s.msgs.GetMessages(ctx, ids)
	if err != nil {
		return len(ids), err
	}
	convs := map[string]models.Conversation{}
	for _, m := range msgs {
		observability.IncProposalTransition(string(models.ProposalExpired))
		conv, ok := convs[m.ConversationID]
		if !ok {
			if conv, err = s.convs.GetConversation(ctx, m.ConversationID); err != nil {
				s.logger.Warn("load conversation for expired proposal", "message_id", m.ID, "error", err)
				continue
			}
			convs[m.ConversationID] = conv
		}
		s.emit(ctx, conv, models.EventMessageUpdated, m.Visible())
	}
	return len(ids), nil
}

// expireIfOverdue persists the expired status of an overdue pending proposal and updates
// msg in place. It reports whether msg is now expired because of this call or a concurrent one.
func (s *Service) expireIfOverdue(ctx context.Context, conv models.Conversation, msg *models.Message, now time.Time) bool {
	p, ok := msg.Proposal()
	if !ok || p.Status != models.ProposalPending || !p.ExpiredAt(now) {
		return false
	}
	changed, err := s.msgs.ExpireProposal(ctx, msg.ID, now)
	if err != nil {
		s.logger.Warn("expire proposal failed", "message_id", msg.ID, "error", err)
		return false
	}
	latest, err := s.msgs.GetMessage(ctx, msg.ID)
	if err != nil {
		return false
	}
	*msg = latest
	if lp, ok := latest.Proposal(); !ok || lp.Status != models.ProposalExpired {
		return false
	}
	if changed {
		observability.IncProposalTransition(string(models.ProposalExpired))
		s.emit(ctx, conv, models.EventMessageUpdated, latest.Visible())
	}
	return true
}

func (s *Service) buildProposal(proposerID string, in ProposalInput, counterOf *string) (*models.ExchangeProposal, error) {
	offered, err := cleanItems(in.OfferedItems, "offered")
	if err != nil {
		return nil, err
	}
	requested, err := cleanItems(in.RequestedItems, "requested")
	if err != nil {
		return nil, err
	}
	hours := s.opts.ProposalDefaultHours
	if in.ExpirationHours != nil {
		hours = *in.ExpirationHours
	}
	if hours < 0 {
		hours = 0
	}
	if hours > s.opts.ProposalMaxHours {
		hours = s.opts.ProposalMaxHours
	}
	var ref *string
	if counterOf != nil {
		id := *counterOf
		ref = &id
	}
	return &models.ExchangeProposal{
		OfferedItems:   offered,
		RequestedItems: requested,
		Terms:          strings.TrimSpace(in.Terms),
		Proposer:       proposerID,
		Status:         models.ProposalPending,
		ExpiresAt:      s.now().Add(time.Duration(hours) * time.Hour),
		CounterOf:      ref,
	}, nil
}

func cleanItems(items []models.ProposalItem, side string) ([]models.ProposalItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s items must not be empty", ErrInvalidContent, side)
	}
	out := make([]models.ProposalItem, 0, len(items))
	for _, item := range items {
		item.PublicationID = strings.TrimSpace(item.PublicationID)
		item.Description = strings.TrimSpace(item.Description)
		if item.PublicationID == "" {
			return nil, fmt.Errorf("%w: every %s item needs a publication id", ErrInvalidContent, side)
		}
		out = append(out, item)
	}
	return out, nil
}
