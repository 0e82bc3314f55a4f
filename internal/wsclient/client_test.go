package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swaply-chat/internal/models"
	"swaply-chat/internal/service"
)

type fakeGateway struct {
	server   *httptest.Server
	healthy  atomic.Bool
	dials    atomic.Int32
	dropNext atomic.Bool
	dropAll  atomic.Bool
	received chan models.Event
	token    string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{received: make(chan models.Event, 8), token: "secret"}
	g.healthy.Store(true)
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.dials.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+g.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !g.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if g.dropAll.Load() || g.dropNext.CompareAndSwap(true, false) {
			return
		}
		hello, _ := models.NewEvent(models.EventPresenceUpdate, "c1", models.PresencePayload{UserID: "bob", Online: true})
		if err := conn.WriteJSON(hello); err != nil {
			return
		}
		for {
			var evt models.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			g.received <- evt
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

type stateLog struct {
	mu    sync.Mutex
	moves []State
}

func (l *stateLog) record(_, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, to)
}

func (l *stateLog) seen(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.moves {
		if m == s {
			return true
		}
	}
	return false
}

func startClient(t *testing.T, cfg Config) (*Client, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(cfg)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return c, done
}

func fastConfig(g *fakeGateway) Config {
	return Config{
		URL:             g.url(),
		Token:           g.token,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestStateTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connecting, BackoffWait, true},
		{Connecting, Disconnected, true},
		{Connected, BackoffWait, true},
		{Connected, Connecting, false},
		{BackoffWait, Connecting, true},
		{BackoffWait, Connected, false},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}

func TestClientDeliversAndSendsEvents(t *testing.T) {
	g := newFakeGateway(t)
	c, _ := startClient(t, fastConfig(g))

	select {
	case evt := <-c.Events():
		assert.Equal(t, models.EventPresenceUpdate, evt.Type)
		assert.Equal(t, "c1", evt.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.Equal(t, Connected, c.State())

	require.NoError(t, c.Send(context.Background(), models.Event{Type: models.EventTypingStart, ConversationID: "c1"}))
	select {
	case evt := <-g.received:
		assert.Equal(t, models.EventTypingStart, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the event")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send(context.Background(), models.Event{Type: models.EventReadAck}), ErrNotConnected)
}

func TestClientGivesUpThenReconnectsOnDemand(t *testing.T) {
	g := newFakeGateway(t)
	g.healthy.Store(false)
	log := &stateLog{}
	cfg := fastConfig(g)
	cfg.OnStateChange = log.record
	c, _ := startClient(t, cfg)

	require.Eventually(t, func() bool { return c.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Err(), service.ErrTransport)
	assert.Equal(t, int32(3), g.dials.Load())
	assert.True(t, log.seen(BackoffWait))

	// stays parked until asked
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), g.dials.Load())

	g.healthy.Store(true)
	c.Reconnect()
	require.Eventually(t, func() bool { return c.State() == Connected }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, c.Err())
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	g := newFakeGateway(t)
	g.dropNext.Store(true)
	log := &stateLog{}
	cfg := fastConfig(g)
	cfg.OnStateChange = log.record
	c, _ := startClient(t, cfg)

	select {
	case <-c.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not come back after the drop")
	}
	assert.GreaterOrEqual(t, g.dials.Load(), int32(2))
	assert.True(t, log.seen(BackoffWait))
	assert.NoError(t, c.Err())
}

func TestClientBoundsAttemptsWhenGatewayDropsRightAway(t *testing.T) {
	g := newFakeGateway(t)
	g.dropAll.Store(true)
	log := &stateLog{}
	cfg := fastConfig(g)
	cfg.InitialInterval = 20 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond
	cfg.StableAfter = time.Second
	cfg.OnStateChange = log.record
	started := time.Now()
	c, _ := startClient(t, cfg)

	require.Eventually(t, func() bool { return c.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond, "attempts are spaced by backoff")
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Err(), service.ErrTransport)
	assert.ErrorIs(t, c.Err(), errUnstable)
	assert.Equal(t, int32(3), g.dials.Load())
	assert.True(t, log.seen(Connected))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), g.dials.Load())

	g.dropAll.Store(false)
	c.Reconnect()
	select {
	case <-c.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect after the manual trigger")
	}
	assert.NoError(t, c.Err())
}

func TestClientUnauthorizedIsNotRetried(t *testing.T) {
	g := newFakeGateway(t)
	cfg := fastConfig(g)
	cfg.Token = "wrong"
	c, _ := startClient(t, cfg)

	require.Eventually(t, func() bool { return c.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(c.Err(), ErrUnauthorized))
	assert.Equal(t, int32(1), g.dials.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	g := newFakeGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := New(fastConfig(g))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Connected }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Disconnected, c.State())
}
