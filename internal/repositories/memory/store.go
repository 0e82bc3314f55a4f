package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"swaply-chat/internal/models"
	"swaply-chat/internal/repositories"
)

// Store is an in-memory implementation of both conversation and message
// repositories. One lock guards every aggregate so batches stay atomic.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*models.Conversation
	byKey   map[string]string
	msgs    map[string]*models.Message
	byConv  map[string][]string
	nextSeq int64
}

var (
	_ repositories.ConversationRepository = (*Store)(nil)
	_ repositories.MessageRepository      = (*Store)(nil)
)

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		convs:  make(map[string]*models.Conversation),
		byKey:  make(map[string]string),
		msgs:   make(map[string]*models.Message),
		byConv: make(map[string][]string),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

func lookupKey(participantKey, publicationKey string) string {
	return participantKey + "|" + publicationKey
}

func (s *Store) FindConversation(ctx context.Context, participantKey, publicationKey string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[lookupKey(participantKey, publicationKey)]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return cloneConversation(s.convs[id]), nil
}

func (s *Store) CreateConversation(ctx context.Context, participants []string, publicationID *string, now time.Time) (models.Conversation, error) {
	ids := models.NormalizeParticipants(participants)
	if len(ids) < 2 {
		return models.Conversation{}, fmt.Errorf("conversation needs at least two participants")
	}
	key := models.ParticipantKey(ids)
	pubKey := models.PublicationKey(publicationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[lookupKey(key, pubKey)]; ok {
		return cloneConversation(s.convs[id]), nil
	}

	conv := &models.Conversation{
		ID:             uuid.NewString(),
		ParticipantKey: key,
		Participants:   ids,
		LastActivityAt: now.UTC(),
		CreatedAt:      now.UTC(),
	}
	if publicationID != nil {
		pub := pubKey
		conv.PublicationID = &pub
	}
	for _, id := range ids {
		conv.Members = append(conv.Members, models.Participant{ConversationID: conv.ID, UserID: id, JoinedAt: now.UTC()})
	}
	s.convs[conv.ID] = conv
	s.byKey[lookupKey(key, pubKey)] = conv.ID
	return cloneConversation(conv), nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, filter repositories.ConversationFilter) ([]models.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*models.Conversation, 0)
	for _, conv := range s.convs {
		m, ok := conv.Member(userID)
		if !ok || m.Hidden {
			continue
		}
		if !filter.IncludeArchived && (m.Archived || m.Blocked) {
			continue
		}
		matches = append(matches, conv)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastActivityAt.Equal(matches[j].LastActivityAt) {
			return matches[i].LastActivityAt.After(matches[j].LastActivityAt)
		}
		return matches[i].ID > matches[j].ID
	})

	total := len(matches)
	out := make([]models.Conversation, 0, filter.Limit)
	for _, conv := range page(matches, filter.Offset, filter.Limit) {
		out = append(out, cloneConversation(conv))
	}
	return out, total, nil
}

func (s *Store) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, conv := range s.convs {
		if conv.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) UpdateParticipant(ctx context.Context, conversationID, userID string, update repositories.ParticipantUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.member(conversationID, userID)
	if m == nil {
		return repositories.ErrConversationNotFound
	}
	if update.Archived != nil {
		m.Archived = *update.Archived
	}
	if update.Blocked != nil {
		m.Blocked = *update.Blocked
	}
	if update.Hidden != nil {
		m.Hidden = *update.Hidden
	}
	return nil
}

func (s *Store) CreateMessages(ctx context.Context, batch repositories.MessageBatch) ([]models.Message, error) {
	if len(batch.Messages) == 0 {
		return nil, fmt.Errorf("empty message batch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[batch.ConversationID]
	if !ok {
		return nil, repositories.ErrConversationNotFound
	}
	var target *models.ExchangeProposal
	if t := batch.Transition; t != nil {
		msg, ok := s.msgs[t.MessageID]
		if !ok {
			return nil, repositories.ErrMessageNotFound
		}
		p, ok := msg.Proposal()
		if !ok || p.Status != models.ProposalPending || p.ExpiredAt(t.RespondedAt) {
			return nil, repositories.ErrProposalNotPending
		}
		target = p
	}
	for _, nm := range batch.Messages {
		if nm.ConversationID != batch.ConversationID {
			return nil, fmt.Errorf("message %s does not belong to conversation %s", nm.ID, batch.ConversationID)
		}
		if _, dup := s.msgs[nm.ID]; dup {
			return nil, fmt.Errorf("message %s already exists", nm.ID)
		}
	}

	// validated; nothing below can fail
	if t := batch.Transition; t != nil {
		at := t.RespondedAt.UTC()
		by := t.RespondedBy
		target.Status = t.To
		target.RespondedBy = &by
		target.RespondedAt = &at
		if t.CounteredBy != nil {
			counter := *t.CounteredBy
			target.CounteredBy = &counter
		}
	}

	out := make([]models.Message, 0, len(batch.Messages))
	for _, nm := range batch.Messages {
		s.nextSeq++
		receipts := make([]models.Receipt, 0, len(nm.Recipients))
		for _, id := range nm.Recipients {
			receipts = append(receipts, models.Receipt{UserID: id})
		}
		msg := &models.Message{
			ID:             nm.ID,
			ConversationID: nm.ConversationID,
			SenderID:       nm.SenderID,
			Recipients:     append([]string(nil), nm.Recipients...),
			Seq:            s.nextSeq,
			Type:           nm.Type,
			Content:        cloneContent(nm.Content),
			Status:         models.ComputeStatus(receipts),
			ReadBy:         receipts,
			CreatedAt:      nm.CreatedAt.UTC(),
		}
		s.msgs[msg.ID] = msg
		s.byConv[conv.ID] = append(s.byConv[conv.ID], msg.ID)
		for _, id := range nm.Recipients {
			if m := s.member(conv.ID, id); m != nil {
				m.UnreadCount++
			}
		}
		lastID := msg.ID
		conv.LastMessageID = &lastID
		conv.LastActivityAt = msg.CreatedAt
		out = append(out, cloneMessage(msg))
	}
	for i := range conv.Members {
		conv.Members[i].Hidden = false
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *Store) GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		if msg, ok := s.msgs[id]; ok {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	all := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.msgs[id])
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].Seq > all[j].Seq
	})
	out := make([]models.Message, 0, limit)
	for _, msg := range page(all, offset, limit) {
		out = append(out, cloneMessage(msg))
	}
	return out, len(all), nil
}

func (s *Store) EditMessage(ctx context.Context, messageID string, text string, prior models.EditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok || msg.Type != models.TypeText || msg.Deleted.IsDeleted {
		return repositories.ErrMessageNotFound
	}
	at := prior.EditedAt.UTC()
	msg.Content = models.TextContent{Text: text}
	msg.Edited.IsEdited = true
	msg.Edited.EditedAt = &at
	msg.Edited.History = append(msg.Edited.History, prior)
	return nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID, deletedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return repositories.ErrMessageNotFound
	}
	if msg.Deleted.IsDeleted {
		return nil
	}
	ts := at.UTC()
	by := deletedBy
	msg.Deleted = models.Deleted{IsDeleted: true, DeletedAt: &ts, DeletedBy: &by}
	return nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := at.UTC()
	var changed []string
	for _, id := range s.byConv[conversationID] {
		msg := s.msgs[id]
		for i := range msg.ReadBy {
			r := &msg.ReadBy[i]
			if r.UserID != userID || r.ReadAt != nil {
				continue
			}
			r.ReadAt = &ts
			if r.DeliveredAt == nil {
				r.DeliveredAt = &ts
			}
			msg.Status = models.ComputeStatus(msg.ReadBy)
			changed = append(changed, id)
		}
	}
	if m := s.member(conversationID, userID); m != nil {
		m.UnreadCount = 0
	}
	return changed, nil
}

func (s *Store) MarkDelivered(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range s.byConv[conversationID] {
		if s.deliver(s.msgs[id], userID, at) {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (s *Store) MarkDeliveredTo(ctx context.Context, messageID string, userIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return repositories.ErrMessageNotFound
	}
	for _, id := range userIDs {
		s.deliver(msg, id, at)
	}
	return nil
}

func (s *Store) ExpireProposal(ctx context.Context, messageID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	return expire(msg, now), nil
}

func (s *Store) ExpireOverdueProposals(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, msg := range s.msgs {
		if expire(msg, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func expire(msg *models.Message, now time.Time) bool {
	p, ok := msg.Proposal()
	if !ok || p.Status != models.ProposalPending || !p.ExpiredAt(now) {
		return false
	}
	p.Status = models.ProposalExpired
	return true
}

func (s *Store) deliver(msg *models.Message, userID string, at time.Time) bool {
	ts := at.UTC()
	for i := range msg.ReadBy {
		r := &msg.ReadBy[i]
		if r.UserID == userID && r.DeliveredAt == nil {
			r.DeliveredAt = &ts
			msg.Status = models.ComputeStatus(msg.ReadBy)
			return true
		}
	}
	return false
}

func (s *Store) member(conversationID, userID string) *models.Participant {
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	for i := range conv.Members {
		if conv.Members[i].UserID == userID {
			return &conv.Members[i]
		}
	}
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneConversation(c *models.Conversation) models.Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Members = append([]models.Participant(nil), c.Members...)
	out.LastMessage = nil
	return out
}

func cloneMessage(m *models.Message) models.Message {
	out := *m
	out.Recipients = append([]string(nil), m.Recipients...)
	out.ReadBy = append([]models.Receipt{}, m.ReadBy...)
	out.Edited.History = append([]models.EditRecord(nil), m.Edited.History...)
	out.Content = cloneContent(m.Content)
	return out
}

func cloneContent(c models.Content) models.Content {
	pc, ok := c.(models.ProposalContent)
	if !ok || pc.Proposal == nil {
		return c
	}
	p := *pc.Proposal
	p.OfferedItems = append([]models.ProposalItem(nil), pc.Proposal.OfferedItems...)
	p.RequestedItems = append([]models.ProposalItem(nil), pc.Proposal.RequestedItems...)
	return models.ProposalContent{Proposal: &p}
}
