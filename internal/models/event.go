package models

import (
	"encoding/json"
	"time"
)

// EventType names a delivery gateway event.
type EventType string

// Server to client.
const (
	EventMessageCreated      EventType = "message.created"
	EventMessageUpdated      EventType = "message.updated"
	EventProposalResponded   EventType = "proposal.responded"
	EventPresenceUpdate      EventType = "presence.update"
	EventConversationUpdated EventType = "conversation.updated"
	EventError               EventType = "error"
)

// Both directions.
const (
	EventTypingStart EventType = "typing.start"
	EventTypingStop  EventType = "typing.stop"
)

// Client to server.
const (
	EventConversationJoin  EventType = "conversation.join"
	EventConversationLeave EventType = "conversation.leave"
	EventReadAck           EventType = "read.ack"
)

// Event is the wire envelope of every gateway frame.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into an envelope stamped with now.
func NewEvent(t EventType, conversationID string, payload any) (Event, error) {
	evt := Event{Type: t, ConversationID: conversationID, Timestamp: time.Now().UTC()}
	if payload == nil {
		return evt, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	evt.Payload = raw
	return evt, nil
}

// TypingPayload is relayed for typing.start and typing.stop.
type TypingPayload struct {
	UserID string `json:"user_id"`
}

// PresencePayload reports online state of a user.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ProposalRespondedPayload carries the updated proposal message and the outcome.
type ProposalRespondedPayload struct {
	Message        Message        `json:"message"`
	Action         ProposalAction `json:"action"`
	CounterMessage *Message       `json:"counter_message,omitempty"`
}

// ErrorPayload answers an invalid client frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
