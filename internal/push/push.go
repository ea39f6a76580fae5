// Package push is the client for the push-notification transport: a
// websocket carrying small "something changed" messages on named
// channels.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/channel"
	rserrors "github.com/alexjbarnes/replica-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=push.go -destination=mocks_test.go -package=push -mock_names=wsConn=MockWSConn

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the growth factor applied to the
	// reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor bounds reconnect jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// readLimit caps a single inbound frame. Push messages are small
	// notifications, never content.
	readLimit = 1024 * 1024

	// inboundChanSize is the buffer between the reader goroutine and the
	// event loop.
	inboundChanSize = 64

	// messagesChanSize is the buffer of decoded messages for consumers.
	messagesChanSize = 64
)

// inboundMsg wraps a message read from the websocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the websocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Config holds the parameters needed to reach the push transport.
type Config struct {
	URL    string
	Token  string
	Logger *slog.Logger
}

// Client maintains one websocket to the push transport.
//
// A reader goroutine feeds inboundCh with raw frames. The event loop in
// Listen processes inbound frames, resubscribe requests and heartbeat
// ticks, and is the only writer on the connection.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	dial  func(ctx context.Context) (wsConn, error)
	randN func(int64) int64

	// conn and inboundCh are owned by the Listen goroutine.
	conn      wsConn
	inboundCh chan inboundMsg

	// subCh holds at most one unsent subscription change.
	subCh chan struct{}

	messages chan channel.PushMessage

	mu          sync.Mutex
	channels    []string
	lastMessage *channel.PushMessage
	lastFrame   time.Time

	connected atomic.Bool
}

// NewClient creates a push client. Call Listen to connect.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		url:      cfg.URL,
		token:    cfg.Token,
		logger:   cfg.Logger,
		randN:    rand.Int64N, //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
		subCh:    make(chan struct{}, 1),
		messages: make(chan channel.PushMessage, messagesChanSize),
	}
	c.dial = c.dialWebsocket

	return c
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Subscribe replaces the channel list. The list is sent immediately when
// connected and again after every reconnect. It never blocks on the
// network.
func (c *Client) Subscribe(_ context.Context, channels []string) error {
	c.mu.Lock()
	c.channels = slices.Clone(channels)
	c.mu.Unlock()

	select {
	case c.subCh <- struct{}{}:
	default:
	}

	return nil
}

// Messages delivers decoded push messages. Messages are dropped when the
// consumer falls behind; LastMessage always holds the newest.
func (c *Client) Messages() <-chan channel.PushMessage {
	return c.messages
}

// LastMessage returns the most recent push message, or nil.
func (c *Client) LastMessage() *channel.PushMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastMessage == nil {
		return nil
	}

	msg := *c.lastMessage

	return &msg
}

// Connected reports whether the websocket is live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Listen connects and processes frames, reconnecting with exponential
// backoff until ctx is cancelled.
func (c *Client) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		established, err := c.session(ctx)

		c.connected.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if established {
			backoff = reconnectMin
		}

		c.logger.Warn("push connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(c.randN(int64(backoff) / jitterDivisor))

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// session runs one connection from dial to failure. It reports whether
// the connection was established.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dialing push transport: %w", err)
	}

	conn.SetReadLimit(readLimit)
	c.conn = conn

	defer func() {
		conn.Close(websocket.StatusNormalClosure, "bye")
		c.conn = nil
	}()

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	c.startReader(connCtx)
	c.touchLastFrame()
	c.connected.Store(true)

	c.logger.Info("push transport connected", slog.String("url", c.url))

	// A fresh connection has no subscriptions; drop any queued request
	// and send the current list.
	select {
	case <-c.subCh:
	default:
	}

	if err := c.sendSubscribe(ctx); err != nil {
		return true, err
	}

	return true, c.eventLoop(ctx)
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. The read error is delivered as the final message.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

func (c *Client) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.touchLastFrame()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleInbound(msg.data)

		case <-c.subCh:
			if err := c.sendSubscribe(ctx); err != nil {
				return err
			}

		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.lastFrame)
			c.mu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("push connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")

				return errors.New("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type subscribeFrame struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

func (c *Client) sendSubscribe(ctx context.Context) error {
	c.mu.Lock()
	channels := slices.Clone(c.channels)
	c.mu.Unlock()

	// Nothing to send until the first Subscribe.
	if channels == nil {
		return nil
	}

	if err := c.writeJSON(ctx, subscribeFrame{Op: "subscribe", Channels: channels}); err != nil {
		return fmt.Errorf("sending subscribe: %w", err)
	}

	c.logger.Debug("subscribe sent", slog.Int("channels", len(channels)))

	return nil
}

// handleInbound processes one text frame. Control frames carry "op";
// notifications carry "channel" and "type".
func (c *Client) handleInbound(data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return
	}

	frame := gjson.ParseBytes(data)

	switch op := frame.Get("op").Str; op {
	case "pong":
		return

	case "subscribed":
		c.logger.Debug("subscription confirmed", slog.Int64("channels", frame.Get("channels.#").Int()))
		return

	case "":
		msg, ok := decodeMessage(frame)
		if !ok {
			c.logger.Debug("push frame missing channel or type")
			return
		}

		c.deliver(msg)

	default:
		c.logger.Debug("unexpected op", slog.String("op", op))
	}
}

// decodeMessage builds a PushMessage from a notification frame. The
// timestamp may be RFC 3339 or Unix milliseconds; frames without one are
// stamped on receipt.
func decodeMessage(frame gjson.Result) (channel.PushMessage, bool) {
	msg := channel.PushMessage{
		Channel: frame.Get("channel").Str,
		Type:    frame.Get("type").Str,
	}

	if msg.Channel == "" || msg.Type == "" {
		return msg, false
	}

	if p := frame.Get("payload"); p.Exists() {
		msg.Payload = json.RawMessage(p.Raw)
	}

	ts := frame.Get("timestamp")
	switch ts.Type {
	case gjson.Number:
		msg.Timestamp = time.UnixMilli(ts.Int())
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, ts.Str); err == nil {
			msg.Timestamp = t
		}
	default:
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return msg, true
}

func (c *Client) deliver(msg channel.PushMessage) {
	c.mu.Lock()
	c.lastMessage = &msg
	c.mu.Unlock()

	select {
	case c.messages <- msg:
	default:
		c.logger.Debug("dropping push message, consumer behind", slog.String("channel", msg.Channel))
	}
}

func (c *Client) touchLastFrame() {
	c.mu.Lock()
	c.lastFrame = time.Now()
	c.mu.Unlock()
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	if c.conn == nil {
		return rserrors.ErrNotConnected
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}
