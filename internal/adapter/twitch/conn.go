package twitch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
	"github.com/Jair4x/scst-server/internal/platform/version"
)

const (
	closeWriteTimeout = time.Second
	maxMessageSize    = 1 << 20
)

// Conn is one upstream EventSub websocket. Reads happen from a single
// goroutine; Close may be called from any goroutine.
type Conn struct {
	ws        *websocket.Conn
	url       string
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a websocket to url. timeout bounds the TCP + TLS + upgrade handshake.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws, url: url}, nil
}

// URL returns the address the connection was dialed with.
func (c *Conn) URL() string { return c.url }

// Next blocks for the next message until deadline. A frame that cannot be
// decoded yields a protocol error and leaves the connection usable; any
// other error means the connection is gone.
func (c *Conn) Next(deadline time.Time) (Message, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, apperrors.ProtocolError(fmt.Sprintf("unexpected websocket frame type %d", msgType), nil)
	}
	return ParseMessage(data)
}

// Close sends a normal close frame and releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
