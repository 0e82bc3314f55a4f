package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	grpcclient "swaply-chat/internal/grpc"
	"swaply-chat/internal/mocks"
	"swaply-chat/internal/models"
)

func testClient(hub *Hub, userID string, buffer int) *Client {
	return newClient(hub, nil, ConnInfo{ConnID: userID + "-conn", UserID: userID, ConnectedAt: time.Now()}, buffer)
}

func drain(t *testing.T, c *Client) []models.Event {
	t.Helper()
	var out []models.Event
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			var evt models.Event
			require.NoError(t, json.Unmarshal(frame, &evt))
			out = append(out, evt)
		default:
			return out
		}
	}
}

func messageEvent(t *testing.T, conversationID string) models.Event {
	t.Helper()
	evt, err := models.NewEvent(models.EventMessageCreated, conversationID, models.Message{ID: "m1", ConversationID: conversationID})
	require.NoError(t, err)
	return evt
}

func TestHubBroadcastRespectsRoomsAndExclusions(t *testing.T) {
	hub := NewHub(nil)
	alice := testClient(hub, "alice", 8)
	bob := testClient(hub, "bob", 8)
	carol := testClient(hub, "carol", 8)
	hub.Register(alice, []string{"c1"})
	hub.Register(bob, []string{"c1"})
	hub.Register(carol, []string{"c2"})
	drain(t, alice)

	reached := hub.Broadcast(context.Background(), "c1", messageEvent(t, "c1"), nil)
	assert.Equal(t, []string{"alice", "bob"}, reached)

	reached = hub.Broadcast(context.Background(), "c1", messageEvent(t, "c1"), map[string]bool{"bob": true})
	assert.Equal(t, []string{"alice"}, reached)

	assert.Len(t, drain(t, alice), 2)
	bobEvents := drain(t, bob)
	require.Len(t, bobEvents, 2)
	assert.Equal(t, models.EventPresenceUpdate, bobEvents[0].Type, "snapshot of alice comes first")
	assert.Empty(t, drain(t, carol))
}

func TestHubPresenceAnnouncements(t *testing.T) {
	hub := NewHub(nil)
	alice := testClient(hub, "alice", 8)
	hub.Register(alice, []string{"c1"})

	bob1 := testClient(hub, "bob", 8)
	bob2 := testClient(hub, "bob", 8)
	hub.Register(bob1, []string{"c1"})
	hub.Register(bob2, []string{"c1"})

	events := drain(t, alice)
	require.Len(t, events, 1, "only the first connection announces")
	assert.Equal(t, models.EventPresenceUpdate, events[0].Type)
	var payload models.PresencePayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, models.PresencePayload{UserID: "bob", Online: true}, payload)
	assert.True(t, hub.Presence().Online("bob"))

	hub.Unregister(bob1)
	assert.Empty(t, drain(t, alice))
	hub.Unregister(bob2)
	hub.Unregister(bob2)

	events = drain(t, alice)
	require.Len(t, events, 1)
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, models.PresencePayload{UserID: "bob", Online: false}, payload)
	assert.False(t, hub.Presence().Online("bob"))
	assert.Equal(t, []string{"alice"}, hub.Presence().OnlineUsers())
}

func TestHubDropsClientWithFullQueue(t *testing.T) {
	hub := NewHub(nil)
	slow := testClient(hub, "slow", 1)
	fast := testClient(hub, "fast", 8)
	hub.Register(slow, []string{"c1"})
	hub.Register(fast, []string{"c1"})

	// the presence frame for fast already fills the slow queue
	reached := hub.Broadcast(context.Background(), "c1", messageEvent(t, "c1"), nil)

	assert.Equal(t, []string{"fast"}, reached)
	assert.False(t, hub.InRoom(slow, "c1"))
	assert.False(t, hub.Presence().Online("slow"))
	assert.Equal(t, "send queue full", slow.closeReason())
	assert.Len(t, drain(t, slow), 1)
	// snapshot of slow, the message, then slow going offline
	assert.Len(t, drain(t, fast), 3)
}

func TestHubSendsPresenceSnapshotToNewConnection(t *testing.T) {
	hub := NewHub(nil)
	alice := testClient(hub, "alice", 8)
	carol := testClient(hub, "carol", 8)
	hub.Register(alice, []string{"c1", "c2"})
	hub.Register(carol, []string{"c2"})

	bob := testClient(hub, "bob", 8)
	hub.Register(bob, []string{"c1", "c3"})

	events := drain(t, bob)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPresenceUpdate, events[0].Type)
	assert.Equal(t, "c1", events[0].ConversationID)
	var payload models.PresencePayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, models.PresencePayload{UserID: "alice", Online: true}, payload)

	// a second connection of the same user still gets its own snapshot
	bob2 := testClient(hub, "bob", 8)
	hub.Register(bob2, []string{"c1"})
	assert.Len(t, drain(t, bob2), 1)

	d := new(mocks.DispatcherMock)
	d.On("Join", mock.Anything, "c2", "bob").Return(nil).Once()
	hub.dispatch(context.Background(), bob, d, models.Event{Type: models.EventConversationJoin, ConversationID: "c2"})

	events = drain(t, bob)
	require.Len(t, events, 2)
	var users []string
	for _, evt := range events {
		assert.Equal(t, "c2", evt.ConversationID)
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		assert.True(t, payload.Online)
		users = append(users, payload.UserID)
	}
	assert.Equal(t, []string{"alice", "carol"}, users)
	d.AssertExpectations(t)
}

func TestHubSubscribeAndSendToUser(t *testing.T) {
	hub := NewHub(nil)
	alice := testClient(hub, "alice", 8)
	hub.Register(alice, nil)

	assert.Empty(t, hub.Broadcast(context.Background(), "c9", messageEvent(t, "c9"), nil))
	hub.Subscribe("c9", []string{"alice", "offline-user"})
	assert.Equal(t, []string{"alice"}, hub.Broadcast(context.Background(), "c9", messageEvent(t, "c9"), nil))

	evt, err := models.NewEvent(models.EventConversationUpdated, "c9", nil)
	require.NoError(t, err)
	assert.True(t, hub.SendToUser(context.Background(), "alice", evt))
	assert.False(t, hub.SendToUser(context.Background(), "nobody", evt))
	assert.Len(t, drain(t, alice), 2)
}

func TestPresenceRefcount(t *testing.T) {
	p := NewPresence()
	assert.True(t, p.Connect("u"))
	assert.False(t, p.Connect("u"))
	assert.False(t, p.Disconnect("u"))
	assert.True(t, p.Disconnect("u"))
	assert.False(t, p.Disconnect("u"))
	assert.False(t, p.Online("u"))
}

type gateway struct {
	server     *httptest.Server
	hub        *Hub
	dispatcher *mocks.DispatcherMock
	validator  *mocks.TokenValidatorMock
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	g := &gateway{
		hub:        NewHub(nil),
		dispatcher: new(mocks.DispatcherMock),
		validator:  new(mocks.TokenValidatorMock),
	}
	handler := NewHandler(g.hub, g.dispatcher, g.validator, Options{PingInterval: time.Second}, nil)
	r := gin.New()
	r.GET("/ws", handler.Handle)
	g.server = httptest.NewServer(r)
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (g *gateway) connect(t *testing.T, userID string, conversations ...string) *websocket.Conn {
	t.Helper()
	token := "token-" + userID
	g.validator.On("ValidateToken", mock.Anything, token).Return(userID, nil)
	g.dispatcher.On("ConversationIDs", mock.Anything, userID).Return(conversations, nil)
	conn := g.dial(t, token)
	require.Eventually(t, func() bool { return g.hub.Presence().Online(userID) }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt models.Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func readUntil(t *testing.T, conn *websocket.Conn, typ models.EventType) models.Event {
	t.Helper()
	for i := 0; i < 10; i++ {
		if evt := readEvent(t, conn); evt.Type == typ {
			return evt
		}
	}
	t.Fatalf("no %s event received", typ)
	return models.Event{}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	g := newGateway(t)
	g.validator.On("ValidateToken", mock.Anything, "bad").Return("", grpcclient.ErrInvalidToken)

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(g.server.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayDeliversBroadcasts(t *testing.T) {
	g := newGateway(t)
	conn := g.connect(t, "alice", "c1")

	reached := g.hub.Broadcast(context.Background(), "c1", messageEvent(t, "c1"), nil)
	assert.Equal(t, []string{"alice"}, reached)

	evt := readEvent(t, conn)
	assert.Equal(t, models.EventMessageCreated, evt.Type)
	assert.Equal(t, "c1", evt.ConversationID)
}

func TestGatewayRelaysTypingAndPresence(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice", "c1")
	bob := g.connect(t, "bob", "c1")

	presence := readUntil(t, alice, models.EventPresenceUpdate)
	var p models.PresencePayload
	require.NoError(t, json.Unmarshal(presence.Payload, &p))
	assert.Equal(t, models.PresencePayload{UserID: "bob", Online: true}, p)

	require.NoError(t, bob.WriteJSON(models.Event{Type: models.EventTypingStart, ConversationID: "c1"}))
	typing := readUntil(t, alice, models.EventTypingStart)
	var tp models.TypingPayload
	require.NoError(t, json.Unmarshal(typing.Payload, &tp))
	assert.Equal(t, "bob", tp.UserID)

	require.NoError(t, bob.WriteJSON(models.Event{Type: models.EventTypingStart, ConversationID: "c2"}))
	errEvt := readUntil(t, bob, models.EventError)
	assert.Equal(t, "c2", errEvt.ConversationID)
}

func TestGatewayTellsLateJoinerWhoIsOnline(t *testing.T) {
	g := newGateway(t)
	g.connect(t, "alice", "c1")
	bob := g.connect(t, "bob", "c1")

	evt := readUntil(t, bob, models.EventPresenceUpdate)
	assert.Equal(t, "c1", evt.ConversationID)
	var p models.PresencePayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, models.PresencePayload{UserID: "alice", Online: true}, p)
}

func TestGatewayJoinAndReadAck(t *testing.T) {
	g := newGateway(t)
	conn := g.connect(t, "alice")
	g.dispatcher.On("Join", mock.Anything, "c7", "alice").Return(nil).Once()
	acked := make(chan struct{})
	g.dispatcher.On("MarkRead", mock.Anything, "c7", "alice").Return([]string{"m1"}, nil).Once().
		Run(func(mock.Arguments) { close(acked) })

	require.NoError(t, conn.WriteJSON(models.Event{Type: models.EventConversationJoin, ConversationID: "c7"}))
	require.Eventually(t, func() bool {
		return len(g.hub.Broadcast(context.Background(), "c7", messageEvent(t, "c7"), nil)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(models.Event{Type: models.EventReadAck, ConversationID: "c7"}))
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("read.ack was not dispatched")
	}
}

func TestGatewayAnswersUnknownEvents(t *testing.T) {
	g := newGateway(t)
	conn := g.connect(t, "alice")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	evt := readUntil(t, conn, models.EventError)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "unknown_event", payload.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	evt = readUntil(t, conn, models.EventError)
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "invalid_payload", payload.Code)
}

func TestGatewayDisconnectClearsPresence(t *testing.T) {
	g := newGateway(t)
	conn := g.connect(t, "alice", "c1")
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return !g.hub.Presence().Online("alice") }, 2*time.Second, 10*time.Millisecond)
}
