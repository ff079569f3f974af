package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
)

// ErrNotConnected is returned by Emit while the socket is down.
var ErrNotConnected = errors.New("socket not connected")

// Handler processes one inbound event on the node.
type Handler func(data json.RawMessage)

// TokenSource supplies the current access token; the node swaps tokens on
// refresh so the client asks on every (re)connect.
type TokenSource func() string

// Client is the node side of the push channel. It reconnects with backoff
// and invokes OnConnect after every successful (re)connect so the node can
// resync missed work.
type Client struct {
	serverURL string
	tokens    TokenSource
	logger    zerolog.Logger

	// OnConnect runs after every successful connect, before events flow.
	OnConnect func()

	mu       sync.RWMutex
	handlers map[string]Handler
	ws       *websocket.Conn
}

// NewClient creates a socket client for the coordinator at serverURL
// (http(s) scheme; it is rewritten to ws(s)).
func NewClient(serverURL string, tokens TokenSource) *Client {
	return &Client{
		serverURL: serverURL,
		tokens:    tokens,
		handlers:  make(map[string]Handler),
		logger:    log.WithComponent("socket-client"),
	}
}

// On registers a handler for an event name.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Run connects and processes events until ctx is cancelled, reconnecting
// with capped exponential backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("socket connection lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/tasks"
	q := u.Query()
	q.Set("token", c.tokens())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndListen(ctx context.Context) error {
	addr, err := c.wsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		ws.Close()
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	c.logger.Info().Msg("socket connected")
	if c.OnConnect != nil {
		c.OnConnect()
	}

	// close the socket when ctx ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("malformed event from coordinator")
			continue
		}

		c.mu.RLock()
		h := c.handlers[msg.Event]
		c.mu.RUnlock()
		if h == nil {
			c.logger.Debug().Str("event", msg.Event).Msg("no handler for event")
			continue
		}
		h(msg.Data)
	}
}

// Emit sends an event to the coordinator. A nil error does not guarantee
// delivery; final truth lives in the coordinator's database.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// Disconnect closes the current connection; Run will reconnect unless its
// context ended.
func (c *Client) Disconnect() {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws != nil {
		ws.Close()
	}
}
