package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/adwski/voyeurs/backend/player"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMPV answers IPC requests the way mpv does. Property values come from
// props, commands are recorded.
type fakeMPV struct {
	conn     net.Conn
	mx       *sync.Mutex
	props    map[string]any
	commands [][]any
	silent   bool
}

func newFakeMPV(t *testing.T, props map[string]any) (*fakeMPV, *Client) {
	t.Helper()
	local, remote := net.Pipe()
	f := &fakeMPV{conn: remote, mx: &sync.Mutex{}, props: props}
	go f.serve()

	logger := zerolog.Nop()
	c := NewClient(local, &logger)
	t.Cleanup(func() {
		_ = c.Close()
		_ = remote.Close()
	})
	return f, c
}

func (f *fakeMPV) serve() {
	s := bufio.NewScanner(f.conn)
	for s.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(s.Bytes(), &req); err != nil {
			return
		}
		f.mx.Lock()
		f.commands = append(f.commands, req.Command)
		silent := f.silent
		resp := map[string]any{"request_id": req.RequestID, "error": "success"}
		switch req.Command[0] {
		case "get_property":
			v, ok := f.props[req.Command[1].(string)]
			switch {
			case !ok:
				resp["error"] = "property not found"
			case v == nil:
				resp["error"] = "property unavailable"
			default:
				resp["data"] = v
			}
		case "set_property":
			f.props[req.Command[1].(string)] = req.Command[2]
		}
		f.mx.Unlock()
		if silent {
			continue
		}
		f.send(resp)
	}
}

func (f *fakeMPV) send(msg map[string]any) {
	b, _ := json.Marshal(msg)
	_, _ = f.conn.Write(append(b, '\n'))
}

func (f *fakeMPV) lastCommand() []any {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.commands[len(f.commands)-1]
}

func TestClient_Properties(t *testing.T) {
	_, c := newFakeMPV(t, map[string]any{
		"pause":         true,
		"playback-time": 12.5,
		"filename":      "movie.mkv",
		"duration":      nil,
	})
	ctx := context.Background()

	paused, err := c.Bool(ctx, player.PropPause)
	require.NoError(t, err)
	assert.True(t, paused)

	pos, err := c.Float(ctx, player.PropPlaybackTime)
	require.NoError(t, err)
	assert.Equal(t, 12.5, pos)

	name, err := c.String(ctx, player.PropFilename)
	require.NoError(t, err)
	assert.Equal(t, "movie.mkv", name)

	_, err = c.Float(ctx, player.PropDuration)
	assert.True(t, player.IsTransient(err), "unavailable property is worth retrying")

	_, err = c.String(ctx, "no-such-property")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "property not found", cmdErr.Message)
	assert.False(t, player.IsTransient(err))

	_, err = c.String(ctx, player.PropPause)
	assert.ErrorAs(t, err, &cmdErr, "type mismatch")
}

func TestClient_Commands(t *testing.T) {
	f, c := newFakeMPV(t, map[string]any{"pause": false})
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want []any
	}{
		{
			name: "pause",
			run:  func() error { return c.Pause(ctx) },
			want: []any{"set_property", "pause", true},
		},
		{
			name: "seek",
			run:  func() error { return c.SeekAbsolute(ctx, 42.5) },
			want: []any{"seek", 42.5, "absolute"},
		},
		{
			name: "loadfile",
			run:  func() error { return c.LoadFile(ctx, "https://example.com/a.m3u8") },
			want: []any{"loadfile", "https://example.com/a.m3u8", "replace"},
		},
		{
			name: "show-text",
			run:  func() error { return c.ShowText(ctx, "hello", 2*time.Second) },
			want: []any{"show-text", "hello", 2000.0},
		},
		{
			name: "observe",
			run:  func() error { return c.ObserveProperty(ctx, player.PropSeeking) },
			want: []any{"observe_property", 1.0, "seeking"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.run())
			assert.Equal(t, tt.want, f.lastCommand())
		})
	}
}

func TestClient_ConcurrentRequests(t *testing.T) {
	_, c := newFakeMPV(t, map[string]any{"playback-time": 3.0, "pause": true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				v, err := c.Float(ctx, player.PropPlaybackTime)
				assert.NoError(t, err)
				assert.Equal(t, 3.0, v)
				return
			}
			v, err := c.Bool(ctx, player.PropPause)
			assert.NoError(t, err)
			assert.True(t, v)
		}()
	}
	wg.Wait()
}

func TestClient_Events(t *testing.T) {
	f, c := newFakeMPV(t, map[string]any{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		f.send(map[string]any{"event": "property-change", "id": 1, "name": "pause", "data": true})
		f.send(map[string]any{"event": "property-change", "id": 2, "name": "seeking"})
		f.send(map[string]any{"event": "end-file", "reason": "stop"})
		f.send(map[string]any{"event": "file-loaded"})
		f.send(map[string]any{"event": "playback-restart"})
		f.send(map[string]any{"event": "end-file", "reason": "eof"})
		f.send(map[string]any{"event": "shutdown"})
	}()

	want := []player.Event{
		{Kind: player.EventPropertyChanged, Name: "pause", Value: true},
		{Kind: player.EventPropertyChanged, Name: "seeking"},
		{Kind: player.EventFileLoaded},
		{Kind: player.EventEndOfFile},
		{Kind: player.EventShutdown},
	}
	for _, w := range want {
		ev, err := c.NextEvent(ctx)
		require.NoError(t, err)
		assert.Equal(t, w, ev)
	}
}

func TestClient_SocketClosed(t *testing.T) {
	f, c := newFakeMPV(t, map[string]any{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f.send(map[string]any{"event": "file-loaded"})
	require.NoError(t, f.conn.Close())

	ev, err := c.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, player.EventFileLoaded, ev.Kind)

	ev, err = c.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, player.EventShutdown, ev.Kind, "closed socket means mpv is gone")

	_, err = c.Bool(ctx, player.PropPause)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, player.IsTransient(err))
}

func TestClient_Timeout(t *testing.T) {
	f, c := newFakeMPV(t, map[string]any{"pause": true})
	f.mx.Lock()
	f.silent = true
	f.mx.Unlock()
	c.timeout = 50 * time.Millisecond

	_, err := c.Bool(context.Background(), player.PropPause)
	assert.True(t, player.IsTransient(err))
}
