// Package channel is the driver's side of the bidirectional real-time
// channel: JSON frames over a websocket, with request/ack correlation for the
// calls that need an answer and automatic reconnection.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Outbound events.
const (
	EventRegisterDriver       = "registerDriver"
	EventAcceptRide           = "acceptRide"
	EventRejectRide           = "rejectRide"
	EventOTPVerified          = "otpVerified"
	EventRideStarted          = "rideStarted"
	EventDriverLiveLocation   = "driverLiveLocation"
	EventRideCompleted        = "rideCompleted"
	EventDriverOffline        = "driverOffline"
	EventRideTakenAcknowledge = "rideTakenNotificationCleared"
)

// Inbound events.
const (
	EventConnect          = "connect"
	EventNewRideRequest   = "newRideRequest"
	EventRideAccepted     = "rideAccepted"
	EventRideTakenByOther = "rideTakenByOther"
)

var ErrNotConnected = errors.New("channel not connected")

// Frame is the wire envelope. Requests carry ID; their answers carry Ack.
type Frame struct {
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives inbound events. It runs on the read loop and must not block
// for long.
type Handler func(event string, data json.RawMessage)

type Options struct {
	URL               string
	Header            http.Header
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

func (o *Options) defaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 20
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan json.RawMessage
	handler Handler

	writeMu sync.Mutex
}

func New(opts Options, logger *slog.Logger) *Client {
	opts.defaults()
	return &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger:  logger,
		pending: make(map[string]chan json.RawMessage),
	}
}

// OnEvent installs the inbound handler.
func (c *Client) OnEvent(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials and reads until ctx ends, reconnecting after drops. It gives up
// after ReconnectAttempts consecutive failed dials.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= c.opts.ReconnectAttempts {
				return fmt.Errorf("channel dial failed %d times: %w", failures, err)
			}
			c.logger.Warn("channel_dial_failed", "attempt", failures, "error", err)
			if !sleep(ctx, c.opts.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		c.attach(conn)
		c.dispatch(EventConnect, nil)
		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("channel_disconnected", "error", err)
		if !sleep(ctx, c.opts.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Ack != "" {
			c.resolve(f.Ack, f.Data)
			continue
		}
		if f.Event != "" {
			c.dispatch(f.Event, f.Data)
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// detach closes conn and fails every request waiting on it.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(event, data)
	}
}

func (c *Client) resolve(id string, data json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- data
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	return c.write(ctx, event, "", payload)
}

// Request sends event and waits for the frame acknowledging it.
func (c *Client) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, event, id, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return data, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, event, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(Frame{Event: event, ID: id, Data: data})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
