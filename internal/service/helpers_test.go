package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swaply-chat/internal/models"
	"swaply-chat/internal/repositories/memory"
)

type directory map[string]bool

func (d directory) UserExists(ctx context.Context, userID string) (bool, error) {
	return d[userID], nil
}

type sentEvent struct {
	conversationID string
	event          models.Event
	exclude        map[string]bool
	toUser         string
}

// fakeGateway records events and reports online users as reached.
type fakeGateway struct {
	mu     sync.Mutex
	online map[string]bool
	rooms  map[string][]string
	events []sentEvent
}

func newFakeGateway(online ...string) *fakeGateway {
	g := &fakeGateway{online: map[string]bool{}, rooms: map[string][]string{}}
	for _, id := range online {
		g.online[id] = true
	}
	return g
}

func (g *fakeGateway) Broadcast(ctx context.Context, conversationID string, event models.Event, exclude map[string]bool) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, sentEvent{conversationID: conversationID, event: event, exclude: exclude})
	var reached []string
	for _, id := range g.rooms[conversationID] {
		if g.online[id] && !exclude[id] {
			reached = append(reached, id)
		}
	}
	return reached
}

func (g *fakeGateway) SendToUser(ctx context.Context, userID string, event models.Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, sentEvent{conversationID: event.ConversationID, event: event, toUser: userID})
	return g.online[userID]
}

func (g *fakeGateway) Subscribe(conversationID string, userIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rooms[conversationID] = append([]string(nil), userIDs...)
}

func (g *fakeGateway) ofType(t models.EventType) []sentEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentEvent
	for _, e := range g.events {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordedNotification struct {
	recipient string
	messageID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (n *fakeNotifier) NotifyNewMessage(ctx context.Context, recipientID string, conv models.Conversation, msg models.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNotification{recipient: recipientID, messageID: msg.ID})
	return nil
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

// tokenBucket grants a fixed number of sends in total.
type tokenBucket struct {
	mu     sync.Mutex
	tokens int
}

func (b *tokenBucket) Allow(string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	gateway  *fakeGateway
	notifier *fakeNotifier
	clock    *clock
}

func newFixture(t *testing.T, online ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		gateway:  newFakeGateway(online...),
		notifier: &fakeNotifier{},
		clock:    &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	opts := DefaultOptions()
	opts.Now = func() time.Time {
		f.clock.Advance(time.Millisecond)
		return f.clock.Now()
	}
	users := directory{"alice": true, "bob": true, "carol": true}
	f.svc = New(f.store, f.store, users, f.gateway, f.notifier, nil, opts)
	return f
}

func (f *fixture) conversation(t *testing.T, a, b string) models.Conversation {
	t.Helper()
	conv, err := f.svc.GetOrCreate(context.Background(), a, b, nil)
	require.NoError(t, err)
	return conv
}

func (f *fixture) sendText(t *testing.T, convID, sender, text string) models.Message {
	t.Helper()
	msg, err := f.svc.Send(context.Background(), convID, sender, SendInput{Type: models.TypeText, Text: text})
	require.NoError(t, err)
	return msg
}

func (f *fixture) unread(t *testing.T, convID string) map[string]int {
	t.Helper()
	conv, err := f.store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	return conv.UnreadCount()
}

func items(ids ...string) []models.ProposalItem {
	out := make([]models.ProposalItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.ProposalItem{PublicationID: id, Description: "item " + id})
	}
	return out
}

func hours(n int) *int { return &n }

func decodePayload[T any](t *testing.T, evt models.Event) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(evt.Payload, &out))
	return out
}
