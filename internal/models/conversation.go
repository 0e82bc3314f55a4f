package models

import (
	"sort"
	"strings"
	"time"
)

// ConversationStatus is the per-participant view of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationBlocked  ConversationStatus = "blocked"
)

// Conversation is a durable thread between a fixed participant set, optionally about one publication.
type Conversation struct {
	ID             string        `db:"id" json:"id"`
	PublicationID  *string       `db:"publication_id" json:"publication_id,omitempty"`
	ParticipantKey string        `db:"participant_key" json:"-"`
	Participants   []string      `json:"participants"`
	Members        []Participant `json:"-"`
	LastMessageID  *string       `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessage    *Message      `json:"last_message,omitempty"`
	LastActivityAt time.Time     `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// Participant holds the state one user has in a conversation.
type Participant struct {
	ConversationID string    `db:"conversation_id" json:"-"`
	UserID         string    `db:"user_id" json:"user_id"`
	UnreadCount    int       `db:"unread_count" json:"unread_count"`
	Archived       bool      `db:"archived" json:"archived"`
	Blocked        bool      `db:"blocked" json:"blocked"`
	Hidden         bool      `db:"hidden" json:"hidden"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Member returns the participant state for userID.
func (c Conversation) Member(userID string) (Participant, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Participant{}, false
}

// UnreadCount maps each participant to their unread counter.
func (c Conversation) UnreadCount() map[string]int {
	counts := make(map[string]int, len(c.Members))
	for _, m := range c.Members {
		counts[m.UserID] = m.UnreadCount
	}
	return counts
}

// StatusFor returns the status as seen by userID. Blocked wins over archived.
func (c Conversation) StatusFor(userID string) ConversationStatus {
	m, ok := c.Member(userID)
	switch {
	case !ok:
		return ConversationActive
	case m.Blocked:
		return ConversationBlocked
	case m.Archived:
		return ConversationArchived
	default:
		return ConversationActive
	}
}

// BlockedBy lists participants that blocked the conversation.
func (c Conversation) BlockedBy() map[string]bool {
	out := map[string]bool{}
	for _, m := range c.Members {
		if m.Blocked {
			out[m.UserID] = true
		}
	}
	return out
}

// Others returns every participant except userID.
func (c Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, id := range c.Participants {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// ConversationView is the API shape of a conversation for one viewer.
type ConversationView struct {
	ID             string             `json:"id"`
	PublicationID  *string            `json:"publication_id,omitempty"`
	Participants   []string           `json:"participants"`
	LastMessage    *Message           `json:"last_message,omitempty"`
	UnreadCount    map[string]int     `json:"unread_count"`
	Status         ConversationStatus `json:"status"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ViewFor renders the conversation for userID.
func (c Conversation) ViewFor(userID string) ConversationView {
	view := ConversationView{
		ID:             c.ID,
		PublicationID:  c.PublicationID,
		Participants:   append([]string(nil), c.Participants...),
		UnreadCount:    c.UnreadCount(),
		Status:         c.StatusFor(userID),
		LastActivityAt: c.LastActivityAt,
		CreatedAt:      c.CreatedAt,
	}
	if c.LastMessage != nil {
		last := c.LastMessage.Visible()
		view.LastMessage = &last
	}
	return view
}

// NormalizeParticipants trims, deduplicates and sorts user ids.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParticipantKey builds the order-independent key of a participant set.
func ParticipantKey(ids []string) string {
	return strings.Join(NormalizeParticipants(ids), ",")
}

// PublicationKey maps an optional publication to its lookup key.
func PublicationKey(publicationID *string) string {
	if publicationID == nil {
		return ""
	}
	return strings.TrimSpace(*publicationID)
}
