// Package wsclient is a reconnecting client for the delivery gateway.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"swaply-chat/internal/models"
	"swaply-chat/internal/service"
)

var (
	ErrNotConnected = errors.New("gateway connection is not established")
	ErrUnauthorized = errors.New("gateway rejected the token")

	errUnstable = errors.New("gateway closed the connection before it became stable")
)

// Config describes where to connect and how hard to retry. A connection that
// closes before StableAfter without delivering an event counts as a failed attempt.
type Config struct {
	URL             string
	Token           string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	StableAfter     time.Duration
	EventBuffer     int
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
	// OnStateChange is called from the Run goroutine after every transition.
	OnStateChange func(from, to State)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client keeps one gateway connection alive. Live events missed while it is
// not connected are not replayed; callers reconcile through the REST history.
type Client struct {
	cfg     Config
	events  chan models.Event
	trigger chan struct{}

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	lastErr error

	writeMu sync.Mutex
}

// New builds a disconnected client. Call Run to start connecting.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		events:  make(chan models.Event, cfg.EventBuffer),
		trigger: make(chan struct{}, 1),
		state:   Disconnected,
	}
}

// Events delivers decoded server events.
func (c *Client) Events() <-chan models.Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the persistent error left after retries were exhausted, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Reconnect asks a client that gave up to start a new round of attempts.
func (c *Client) Reconnect() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Send writes one client event on the live connection.
func (c *Client) Send(ctx context.Context, evt models.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(evt); err != nil {
		return fmt.Errorf("%w: %w", service.ErrTransport, err)
	}
	return nil
}

// Run connects and keeps reconnecting until ctx is cancelled. Attempts share one
// backoff policy; a connection that drops before StableAfter without delivering
// an event counts as a failed attempt. After MaxAttempts failures in a row it
// parks in Disconnected until Reconnect is called.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(Disconnected)
	policy := c.newPolicy()
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			if c.serve(ctx, conn) {
				policy.Reset()
				failures = 0
			} else {
				err = errUnstable
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if err == nil {
			c.setState(BackoffWait)
			continue
		}

		failures++
		if failures >= c.cfg.MaxAttempts || errors.Is(err, ErrUnauthorized) {
			c.fail(err, failures)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.trigger:
				c.clearErr()
				policy.Reset()
				failures = 0
				continue
			}
		}

		wait := policy.NextBackOff()
		c.cfg.Logger.Warn("gateway connection failed", "url", c.cfg.URL, "attempt", failures, "retry_in", wait, "error", err)
		c.setState(BackoffWait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) newPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	c.setState(Connecting)
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps events until the connection ends. It reports whether the
// connection was stable: it delivered an event or stayed up for StableAfter.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) bool {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected)
	started := time.Now()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	delivered, err := c.readLoop(ctx, conn)
	close(done)
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	if ctx.Err() == nil {
		c.cfg.Logger.Info("gateway connection lost", "url", c.cfg.URL, "events", delivered, "error", err)
	}
	return delivered > 0 || time.Since(started) >= c.cfg.StableAfter
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) (int, error) {
	delivered := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		var evt models.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.cfg.Logger.Debug("skip undecodable gateway frame", "error", err)
			continue
		}
		select {
		case c.events <- evt:
			delivered++
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

func (c *Client) fail(err error, attempts int) {
	c.setState(Disconnected)
	c.mu.Lock()
	c.lastErr = fmt.Errorf("%w: gateway unreachable after %d attempts: %w", service.ErrTransport, attempts, err)
	c.mu.Unlock()
	c.cfg.Logger.Error("gateway reconnect gave up", "url", c.cfg.URL, "error", err)
}

func (c *Client) clearErr() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		c.mu.Unlock()
		c.cfg.Logger.Error("gateway client state", "from", prev.String(), "to", next.String(), "error", ErrInvalidTransition)
		return
	}
	c.state = next
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(prev, next)
	}
}
