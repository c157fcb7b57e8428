package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebSocketMaxMessageSize     = 1 << 17
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketPingWriteDeadline  = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give peer to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

// Conn exposes a websocket as a byte stream. Every Write is sent as one
// binary message; Read concatenates incoming binary messages.
type Conn struct {
	ws     *websocket.Conn
	reader io.Reader
	done   chan struct{}
	once   *sync.Once

	logger zerolog.Logger
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps ws and starts its keepalive.
func NewConn(ws *websocket.Conn, logger *zerolog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		done:   make(chan struct{}),
		once:   &sync.Once{},
		logger: logger.With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}

	ws.SetReadLimit(defaultWebSocketMaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := ws.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
	}
	go c.pinger()
	return c
}

func (c *Conn) pinger() {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
PingLoop:
	for {
		select {
		case <-c.done:
			break PingLoop
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWebSocketPingWriteDeadline))
			if err != nil {
				c.logger.Debug().Err(err).Msg("failed to send ping")
				break PingLoop
			}
			c.logger.Trace().Msg("ping sent")
		}
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translateError(err)
			}
			if mt != websocket.BinaryMessage {
				c.logger.Debug().Int("type", mt).Msg("skipping non-binary message")
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, translateError(err)
	}
	return len(b), nil
}

// Close sends a close frame on a best effort basis and closes the socket.
func (c *Conn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if wsErr := c.ws.WriteControl(websocket.CloseMessage, msg,
			time.Now().Add(defaultWebSocketCloseWriteDeadline)); wsErr != nil {
			c.logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// translateError maps a normal close to io.EOF so that callers treat a
// websocket peer leaving like a stream peer hanging up.
func translateError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

// Dial connects to a hub serving websocket sync on addr (host:port).
func Dial(ctx context.Context, addr string, logger *zerolog.Logger) (net.Conn, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
	}
	ws, resp, err := d.DialContext(ctx, "ws://"+addr+SyncPath, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewConn(ws, logger), nil
}
