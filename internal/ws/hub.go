package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"swaply-chat/internal/models"
	"swaply-chat/internal/observability"
)

// Dispatcher is the part of the messaging core the gateway calls into.
type Dispatcher interface {
	ConversationIDs(ctx context.Context, userID string) ([]string, error)
	Join(ctx context.Context, conversationID, userID string) error
	MarkRead(ctx context.Context, conversationID, userID string) ([]string, error)
}

// Hub tracks gateway connections by user and by conversation room.
type Hub struct {
	mu       sync.RWMutex
	users    map[string]map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	joined   map[*Client]map[string]struct{}
	presence *Presence
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		users:    make(map[string]map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		joined:   make(map[*Client]map[string]struct{}),
		presence: NewPresence(),
		logger:   logger,
	}
}

// Presence exposes the process-local presence tracker.
func (h *Hub) Presence() *Presence { return h.presence }

// Register adds a connection and subscribes it to the given conversations.
// Peers are told the user came online on their first connection, and the new
// connection is told which peers in its rooms are already online.
func (h *Hub) Register(c *Client, conversationIDs []string) {
	h.mu.Lock()
	if _, ok := h.users[c.UserID()]; !ok {
		h.users[c.UserID()] = make(map[*Client]struct{})
	}
	h.users[c.UserID()][c] = struct{}{}
	h.joined[c] = make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		h.joinLocked(c, id)
	}
	h.mu.Unlock()

	if h.presence.Connect(c.UserID()) {
		h.announcePresence(c.UserID(), conversationIDs, true)
	}
	h.sendPresenceSnapshot(c, conversationIDs)
}

// Unregister removes a connection. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	rooms, ok := h.joined[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.joined, c)
	left := make([]string, 0, len(rooms))
	for id := range rooms {
		h.leaveLocked(c, id)
		left = append(left, id)
	}
	if conns, ok := h.users[c.UserID()]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.UserID())
		}
	}
	h.mu.Unlock()
	c.close("unregistered")

	if h.presence.Disconnect(c.UserID()) {
		h.announcePresence(c.UserID(), left, false)
	}
}

// Subscribe adds every open connection of the given users to a conversation room.
func (h *Hub) Subscribe(conversationID string, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userID := range userIDs {
		for c := range h.users[userID] {
			h.joinLocked(c, conversationID)
		}
	}
}

// Broadcast queues the event for every connection in the room except excluded users
// and returns the users it reached. Connections with a full queue are dropped.
func (h *Hub) Broadcast(ctx context.Context, conversationID string, event models.Event, exclude map[string]bool) []string {
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal ws event", "type", event.Type, "error", err)
		return nil
	}

	reached := map[string]struct{}{}
	var dropped []*Client
	h.mu.RLock()
	for c := range h.rooms[conversationID] {
		if exclude[c.UserID()] {
			continue
		}
		if c.enqueue(frame) {
			reached[c.UserID()] = struct{}{}
		} else {
			dropped = append(dropped, c)
		}
	}
	h.mu.RUnlock()

	h.dropAll(ctx, dropped)
	out := make([]string, 0, len(reached))
	for id := range reached {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendToUser queues the event on every connection of one user.
func (h *Hub) SendToUser(ctx context.Context, userID string, event models.Event) bool {
	frame, err := json.Marshal(event)
	if err != nil {
		return false
	}
	sent := false
	var dropped []*Client
	h.mu.RLock()
	for c := range h.users[userID] {
		if c.enqueue(frame) {
			sent = true
		} else {
			dropped = append(dropped, c)
		}
	}
	h.mu.RUnlock()
	h.dropAll(ctx, dropped)
	return sent
}

// InRoom reports whether the connection is subscribed to the conversation.
func (h *Hub) InRoom(c *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[c][conversationID]
	return ok
}

func (h *Hub) join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.joined[c]; ok {
		h.joinLocked(c, conversationID)
	}
}

func (h *Hub) leave(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationID)
}

func (h *Hub) joinLocked(c *Client, conversationID string) {
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	if rooms, ok := h.joined[c]; ok {
		rooms[conversationID] = struct{}{}
	}
}

func (h *Hub) leaveLocked(c *Client, conversationID string) {
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if rooms, ok := h.joined[c]; ok {
		delete(rooms, conversationID)
	}
}

func (h *Hub) dropAll(ctx context.Context, clients []*Client) {
	for _, c := range clients {
		h.logger.Warn("ws send queue full, dropping connection", "conn_id", c.info.ConnID, "user_id", c.UserID())
		publishWSEvent(ctx, c.info, "ws_error", "send queue full")
		h.Unregister(c)
	}
}

// announcePresence tells every peer sharing one of the rooms about userID's state.
func (h *Hub) announcePresence(userID string, rooms []string, online bool) {
	payload := models.PresencePayload{UserID: userID, Online: online}
	exclude := map[string]bool{userID: true}
	for _, id := range rooms {
		evt, err := models.NewEvent(models.EventPresenceUpdate, id, payload)
		if err != nil {
			continue
		}
		h.Broadcast(context.Background(), id, evt, exclude)
	}
}

// sendPresenceSnapshot queues one online presence.update per peer already
// connected to each of the rooms.
func (h *Hub) sendPresenceSnapshot(c *Client, rooms []string) {
	peers := make(map[string][]string, len(rooms))
	h.mu.RLock()
	for _, id := range rooms {
		seen := map[string]struct{}{}
		for peer := range h.rooms[id] {
			userID := peer.UserID()
			if userID == c.UserID() {
				continue
			}
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			peers[id] = append(peers[id], userID)
		}
	}
	h.mu.RUnlock()

	for _, id := range rooms {
		online := peers[id]
		sort.Strings(online)
		for _, userID := range online {
			if h.presence.Online(userID) {
				c.sendEvent(models.EventPresenceUpdate, id, models.PresencePayload{UserID: userID, Online: true})
			}
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, d Dispatcher, evt models.Event) {
	observability.IncWSEvent(wsKind, string(evt.Type))
	userID := c.UserID()
	switch evt.Type {
	case models.EventConversationJoin:
		if evt.ConversationID == "" {
			c.sendError("", "invalid_payload", "conversation_id is required")
			return
		}
		if err := d.Join(ctx, evt.ConversationID, userID); err != nil {
			c.sendError(evt.ConversationID, errorCode(err), err.Error())
			return
		}
		h.join(c, evt.ConversationID)
		h.sendPresenceSnapshot(c, []string{evt.ConversationID})
	case models.EventConversationLeave:
		h.leave(c, evt.ConversationID)
	case models.EventTypingStart, models.EventTypingStop:
		if !h.InRoom(c, evt.ConversationID) {
			c.sendError(evt.ConversationID, "not_subscribed", "join the conversation first")
			return
		}
		relay, err := models.NewEvent(evt.Type, evt.ConversationID, models.TypingPayload{UserID: userID})
		if err != nil {
			return
		}
		h.Broadcast(ctx, evt.ConversationID, relay, map[string]bool{userID: true})
	case models.EventReadAck:
		if _, err := d.MarkRead(ctx, evt.ConversationID, userID); err != nil {
			c.sendError(evt.ConversationID, errorCode(err), err.Error())
		}
	default:
		c.sendError(evt.ConversationID, "unknown_event", "unsupported event type "+string(evt.Type))
	}
}
