package bridge

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/adwski/voyeurs/backend/model"
	"github.com/adwski/voyeurs/backend/player"
	"github.com/adwski/voyeurs/backend/player/playertest"
	"github.com/adwski/voyeurs/backend/protocol"
	"github.com/adwski/voyeurs/backend/room"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	room   *room.Room
	player *playertest.Player
	latch  *Latch
	errc   chan error
}

func startBridge(t *testing.T, settings model.Settings, state playertest.State) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		room:   room.New(room.Config{Logger: &logger}),
		player: playertest.New(state).EmitEvents(true),
		latch:  NewLatch(),
		errc:   make(chan error, 1),
	}
	b := New(Config{
		Logger:   &logger,
		Player:   h.player,
		Room:     h.room,
		Latch:    h.latch,
		Settings: settings,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		h.errc <- b.Run(ctx)
	}()
	// startup property values are reported before anyone joins
	require.Eventually(t, h.player.Idle, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) join(t *testing.T, addr string) net.Conn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	require.NoError(t, h.room.Join(addr, local))
	return remote
}

func propertyChange(name string, value any) player.Event {
	return player.Event{Kind: player.EventPropertyChanged, Name: name, Value: value}
}

func readCommand(t *testing.T, conn net.Conn) protocol.Command {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	p, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	return p.Command
}

func assertSilent(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := protocol.ReadPacket(conn)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "unexpected error %v", err)
	assert.True(t, netErr.Timeout())
}

func TestBridge_InitialState(t *testing.T) {
	tests := []struct {
		name   string
		paused bool
	}{
		{name: "playing", paused: false},
		{name: "paused", paused: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startBridge(t, model.Settings{Hub: true}, playertest.State{Paused: tt.paused})

			assert.Equal(t, !tt.paused, h.room.IsReady(), "local vote follows the player")
			assert.Equal(t, 0, h.player.Count("pause", nil))
			assert.Empty(t, h.player.Texts())
		})
	}
}

func TestBridge_LocalPause(t *testing.T) {
	h := startBridge(t, model.Settings{Hub: true}, playertest.State{})
	peer := h.join(t, "a")

	h.player.Push(propertyChange(player.PropPause, true))

	assert.Equal(t, protocol.Ready{Flag: false}, readCommand(t, peer))
	assert.False(t, h.room.IsReady())
}

func TestBridge_LocalUnpauseAllReady(t *testing.T) {
	h := startBridge(t, model.Settings{Hub: true}, playertest.State{})
	peer := h.join(t, "a")
	_, err := h.room.SetPeerReady("a", true)
	require.NoError(t, err)

	h.player.Push(propertyChange(player.PropPause, false))

	assert.Equal(t, protocol.Ready{Flag: true}, readCommand(t, peer))
	assert.True(t, h.room.IsReady())
	assert.Equal(t, 0, h.player.Count("pause", nil))
}

func TestBridge_LocalUnpauseSomebodyNotReady(t *testing.T) {
	h := startBridge(t, model.Settings{Hub: true}, playertest.State{Paused: false})
	ready := h.join(t, "a")
	notReady := h.join(t, "b")
	_, err := h.room.SetPeerReady("a", true)
	require.NoError(t, err)

	h.player.Push(propertyChange(player.PropPause, false))

	assert.Equal(t, protocol.Ready{Flag: true}, readCommand(t, ready))
	assert.Equal(t, protocol.Ready{Flag: true}, readCommand(t, notReady))
	assert.True(t, h.player.Paused(), "local player is paused again")
	assert.Contains(t, h.player.Texts(), "Somebody isn't ready")

	// the re-pause is our own doing and must not be announced
	assert.Eventually(t, func() bool { return h.room.PendingEchoes() == 0 }, time.Second, 10*time.Millisecond)
	assertSilent(t, ready)
	assert.True(t, h.room.IsReady(), "local vote stays ready")
}

func TestBridge_Standalone(t *testing.T) {
	h := startBridge(t, model.Settings{Standalone: true}, playertest.State{})
	peer := h.join(t, "a")

	h.player.Push(propertyChange(player.PropPause, false))
	assert.Equal(t, protocol.Ready{Flag: true}, readCommand(t, peer))

	h.player.Push(propertyChange(player.PropPause, true))
	assert.Equal(t, protocol.Ready{Flag: false}, readCommand(t, peer))
	assert.Equal(t, 0, h.player.Count("pause", nil))
}

func TestBridge_Seek(t *testing.T) {
	h := startBridge(t, model.Settings{}, playertest.State{Position: 33.25})
	peer := h.join(t, "a")

	h.player.Push(propertyChange(player.PropSeeking, true))
	h.player.Push(propertyChange(player.PropSeeking, false))

	assert.Equal(t, protocol.Seek{Position: 33.25}, readCommand(t, peer))
	assertSilent(t, peer)
}

func TestBridge_EchoSuppression(t *testing.T) {
	tests := []struct {
		name  string
		echo  room.Echo
		event player.Event
		want  protocol.Command
	}{
		{
			name:  "seek",
			echo:  room.SeekEcho(),
			event: propertyChange(player.PropSeeking, false),
			want:  protocol.Seek{Position: 5},
		},
		{
			name:  "pause",
			echo:  room.PauseEcho(true),
			event: propertyChange(player.PropPause, true),
			want:  protocol.Ready{Flag: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startBridge(t, model.Settings{Hub: true}, playertest.State{Position: 5})
			peer := h.join(t, "a")
			h.room.Expect(tt.echo)

			h.player.Push(tt.event)
			assertSilent(t, peer)

			h.player.Push(tt.event)
			assert.Equal(t, tt.want, readCommand(t, peer))
		})
	}
}

func TestBridge_FileLoadedAndExit(t *testing.T) {
	h := startBridge(t, model.Settings{}, playertest.State{})
	assert.False(t, h.latch.IsSet())

	h.player.Push(player.Event{Kind: player.EventFileLoaded})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.latch.Wait(ctx))

	h.player.Push(player.Event{Kind: player.EventEndOfFile})
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, player.ErrExited)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridge_LoadedBeforeStart(t *testing.T) {
	h := startBridge(t, model.Settings{}, playertest.State{Filename: "movie.mkv"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.latch.Wait(ctx))
}

func TestBridge_PlayerFailure(t *testing.T) {
	errIPC := errors.New("broken pipe")
	logger := zerolog.Nop()
	p := playertest.New(playertest.State{})
	p.FailOn("observe", errIPC)
	b := New(Config{Logger: &logger, Player: p, Room: room.New(room.Config{Logger: &logger})})

	err := b.Run(context.Background())
	assert.ErrorIs(t, err, ErrPlayer)
	assert.ErrorIs(t, err, errIPC)
}

func TestLatch_Reset(t *testing.T) {
	l := NewLatch()
	l.Signal()
	l.Signal()
	require.True(t, l.IsSet())

	l.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	l.Signal()
	assert.NoError(t, l.Wait(context.Background()))
}
