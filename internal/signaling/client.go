package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/util"
	"github.com/screenrelay/screenrelay/internal/version"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Listener receives inbound messages and connection lifecycle events. Calls
// come from the client's read goroutine.
type Listener interface {
	OnOpen()
	OnMessage(msg Message)
	OnClose()
	OnError(err error)
}

// Client is a websocket connection to the rendezvous relay.
type Client struct {
	url      string
	dialer   *websocket.Dialer
	header   http.Header
	listener Listener

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(url string, listener Listener) *Client {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header:   header,
		listener: listener,
	}
}

// Connect dials the relay. It is a no-op while already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %w", errdefs.ErrSignalingTransport, c.url, err)
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	util.GetLogger().Info("Signaling connected", "url", c.url)
	go c.readLoop(conn)
	c.listener.OnOpen()
	return nil
}

// Disconnect closes the connection. It is a no-op while already closed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		util.GetLogger().Debug("Signaling close returned error", "error", err)
	}
	util.GetLogger().Info("Signaling disconnected", "url", c.url)
	c.listener.OnClose()
	return nil
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one message.
func (c *Client) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", errdefs.ErrSignalingTransport)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %w", errdefs.ErrSignalingTransport, msg.Type, err)
	}
	return nil
}

// EndSession tells the peer its session is over.
func (c *Client) EndSession(peerID string) error {
	return c.Send(NewBye(peerID))
}

func (c *Client) readLoop(conn *websocket.Conn) {
	logger := util.GetLogger()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		msg, err := Decode(data)
		switch {
		case errors.Is(err, ErrUnknownType):
			logger.Warn("Ignoring signaling message", "error", err)
			continue
		case err != nil:
			logger.Warn("Dropping malformed signaling message", "error", err, "size", len(data))
			continue
		}
		logger.Debug("Signaling message received", "type", msg.Type, "peer", msg.PeerID)
		c.listener.OnMessage(msg)
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// closed by Disconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		util.GetLogger().Info("Signaling closed by relay", "url", c.url)
		c.listener.OnClose()
		return
	}
	util.GetLogger().Error("Signaling connection lost", "url", c.url, "error", err)
	c.listener.OnError(fmt.Errorf("%w: %w", errdefs.ErrSignalingTransport, err))
}
