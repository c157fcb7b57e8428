package websocket

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/adwski/voyeurs/backend/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, handler Handler) (*Server, context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger:     &logger,
		Handler:    handler,
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go srv.Run(ctx, wg, make(chan error, 1))
	return srv, cancel, wg
}

func TestConn_Frames(t *testing.T) {
	received := make(chan protocol.Packet, 2)
	srv, cancel, wg := startServer(t, func(_ context.Context, _ string, conn net.Conn) {
		defer func() { _ = conn.Close() }()
		for {
			p, err := protocol.ReadPacket(conn)
			if err != nil {
				return
			}
			received <- p
			if _, err = conn.Write(protocol.Marshal(p)); err != nil {
				return
			}
		}
	})
	defer func() {
		cancel()
		wg.Wait()
	}()

	logger := zerolog.Nop()
	conn, err := Dial(context.Background(), srv.ListenAddr(), &logger)
	require.NoError(t, err)

	packets := []protocol.Packet{
		{Timestamp: 1, Command: protocol.NewConnection{Username: "user"}},
		{Timestamp: 2, Command: protocol.Seek{Position: 12.5}},
	}
	for _, p := range packets {
		_, err = conn.Write(protocol.Marshal(p))
		require.NoError(t, err)
	}

	for _, want := range packets {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not receive packet")
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		got, err := protocol.ReadPacket(conn)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, conn.Close())
}

func TestConn_CloseIsEOF(t *testing.T) {
	srv, cancel, wg := startServer(t, func(_ context.Context, _ string, conn net.Conn) {
		_ = conn.Close()
	})
	defer func() {
		cancel()
		wg.Wait()
	}()

	logger := zerolog.Nop()
	conn, err := Dial(context.Background(), srv.ListenAddr(), &logger)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_Cancel(t *testing.T) {
	stopped := make(chan struct{})
	srv, cancel, wg := startServer(t, func(ctx context.Context, _ string, conn net.Conn) {
		<-ctx.Done()
		_ = conn.Close()
		close(stopped)
	})

	logger := zerolog.Nop()
	conn, err := Dial(context.Background(), srv.ListenAddr(), &logger)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop")
	}
	wg.Wait()
}
