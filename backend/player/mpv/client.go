// Package mpv drives an mpv process over its JSON IPC socket.
package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/voyeurs/backend/player"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 3 * time.Second
	defaultWriteDeadline  = 2 * time.Second

	errSuccess             = "success"
	errPropertyUnavailable = "property unavailable"
)

var (
	ErrClosed = errors.New("mpv ipc connection closed")
)

// CommandError is an error reported by mpv in reply to a command.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("mpv %s: %s", e.Command, e.Message)
}

type (
	request struct {
		Command   []any `json:"command"`
		RequestID int64 `json:"request_id"`
	}

	message struct {
		Data      json.RawMessage `json:"data"`
		Error     string          `json:"error"`
		Event     string          `json:"event"`
		Name      string          `json:"name"`
		Reason    string          `json:"reason"`
		RequestID int64           `json:"request_id"`
	}

	reply struct {
		err  error
		data json.RawMessage
	}

	// Client implements player.Player on top of one IPC connection. Requests
	// may be issued concurrently; events are queued until NextEvent takes them.
	Client struct {
		logger  zerolog.Logger
		conn    net.Conn
		wmx     *sync.Mutex
		mx      *sync.Mutex
		pending map[int64]chan reply
		queue   []player.Event
		notify  chan struct{}
		done    chan struct{}
		readErr error

		nextID     atomic.Int64
		observerID atomic.Int64
		timeout    time.Duration
	}
)

var _ player.Player = (*Client)(nil)

// NewClient starts reading from conn. The client owns conn from now on.
func NewClient(conn net.Conn, logger *zerolog.Logger) *Client {
	c := &Client{
		logger:  logger.With().Str("component", "mpv").Logger(),
		conn:    conn,
		wmx:     &sync.Mutex{},
		mx:      &sync.Mutex{},
		pending: make(map[int64]chan reply),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: defaultRequestTimeout,
	}
	go c.readLoop()
	return c
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	var (
		err error
		r   = bufio.NewReader(c.conn)
	)
	for {
		var line []byte
		if line, err = r.ReadBytes('\n'); err != nil {
			break
		}
		var msg message
		if jErr := json.Unmarshal(line, &msg); jErr != nil {
			c.logger.Warn().Err(jErr).Bytes("line", line).Msg("failed to decode ipc message")
			continue
		}
		if msg.Event != "" {
			c.dispatchEvent(&msg)
			continue
		}
		c.dispatchReply(&msg)
	}

	c.mx.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		ch <- reply{err: ErrClosed}
		delete(c.pending, id)
	}
	close(c.done)
	c.mx.Unlock()
	c.logger.Debug().Err(err).Msg("ipc reader stopped")
}

func (c *Client) dispatchReply(msg *message) {
	c.mx.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mx.Unlock()
	if !ok {
		c.logger.Debug().Int64("request", msg.RequestID).Msg("reply to unknown request")
		return
	}
	rep := reply{data: msg.Data}
	if msg.Error != errSuccess {
		rep.err = errors.New(msg.Error)
	}
	ch <- rep
}

func (c *Client) dispatchEvent(msg *message) {
	var ev player.Event
	switch msg.Event {
	case "shutdown":
		ev.Kind = player.EventShutdown
	case "file-loaded":
		ev.Kind = player.EventFileLoaded
	case "end-file":
		// stop and redirect come from replacing the file
		if msg.Reason != "eof" && msg.Reason != "quit" && msg.Reason != "error" {
			c.logger.Debug().Str("reason", msg.Reason).Msg("file replaced")
			return
		}
		ev.Kind = player.EventEndOfFile
	case "property-change":
		ev.Kind = player.EventPropertyChanged
		ev.Name = msg.Name
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &ev.Value); err != nil {
				c.logger.Warn().Err(err).Str("property", msg.Name).Msg("failed to decode property value")
			}
		}
	default:
		c.logger.Trace().Str("event", msg.Event).Msg("ignoring event")
		return
	}

	c.mx.Lock()
	c.queue = append(c.queue, ev)
	c.mx.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// NextEvent returns queued events in order. Once mpv closes the socket and
// the queue is drained it reports a shutdown.
func (c *Client) NextEvent(ctx context.Context) (player.Event, error) {
	for {
		c.mx.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mx.Unlock()
			return ev, nil
		}
		c.mx.Unlock()

		select {
		case <-ctx.Done():
			return player.Event{}, ctx.Err()
		case <-c.notify:
		case <-c.done:
			c.mx.Lock()
			empty, err := len(c.queue) == 0, c.readErr
			c.mx.Unlock()
			if !empty {
				continue
			}
			if errors.Is(err, io.EOF) {
				return player.Event{Kind: player.EventShutdown}, nil
			}
			return player.Event{}, errors.Join(ErrClosed, err)
		}
	}
}

func (c *Client) command(ctx context.Context, args ...any) (json.RawMessage, error) {
	name := fmt.Sprint(args[0])
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mx.Lock()
	select {
	case <-c.done:
		c.mx.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mx.Unlock()

	b, err := json.Marshal(&request{Command: args, RequestID: id})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	b = append(b, '\n')

	c.wmx.Lock()
	err = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	if err == nil {
		_, err = c.conn.Write(b)
	}
	c.wmx.Unlock()
	if err != nil {
		c.forget(id)
		return nil, errors.Join(player.ErrTransient, err)
	}
	c.logger.Trace().Int64("request", id).Any("command", args).Msg("ipc request sent")

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		return rep.data, classify(name, rep.err)
	case <-timer.C:
		c.forget(id)
		return nil, errors.Join(player.ErrTransient, &CommandError{Command: name, Message: "timeout"})
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mx.Lock()
	delete(c.pending, id)
	c.mx.Unlock()
}

func classify(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClosed):
		return err
	case err.Error() == errPropertyUnavailable:
		return errors.Join(player.ErrTransient, &CommandError{Command: name, Message: err.Error()})
	default:
		return &CommandError{Command: name, Message: err.Error()}
	}
}

func (c *Client) property(ctx context.Context, name string, v any) error {
	data, err := c.command(ctx, "get_property", name)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, v); err != nil {
		return &CommandError{Command: "get_property", Message: fmt.Sprintf("%s: %v", name, err)}
	}
	return nil
}

func (c *Client) Bool(ctx context.Context, name string) (bool, error) {
	var v bool
	err := c.property(ctx, name, &v)
	return v, err
}

func (c *Client) Float(ctx context.Context, name string) (float64, error) {
	var v float64
	err := c.property(ctx, name, &v)
	return v, err
}

func (c *Client) String(ctx context.Context, name string) (string, error) {
	var v string
	err := c.property(ctx, name, &v)
	return v, err
}

func (c *Client) SetProperty(ctx context.Context, name string, value any) error {
	_, err := c.command(ctx, "set_property", name, value)
	return err
}

func (c *Client) SeekAbsolute(ctx context.Context, seconds float64) error {
	_, err := c.command(ctx, "seek", seconds, "absolute")
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	return c.SetProperty(ctx, player.PropPause, true)
}

func (c *Client) LoadFile(ctx context.Context, pathOrURL string) error {
	_, err := c.command(ctx, "loadfile", pathOrURL, "replace")
	return err
}

func (c *Client) ShowText(ctx context.Context, text string, d time.Duration) error {
	_, err := c.command(ctx, "show-text", text, d.Milliseconds())
	return err
}

func (c *Client) ObserveProperty(ctx context.Context, name string) error {
	_, err := c.command(ctx, "observe_property", c.observerID.Add(1), name)
	return err
}

// Quit asks mpv to exit.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.command(ctx, "quit")
	return err
}
