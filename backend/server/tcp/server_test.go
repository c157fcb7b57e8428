package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_AcceptAndDial(t *testing.T) {
	logger := zerolog.Nop()
	accepted := make(chan string, 1)
	srv := NewServer(Config{
		Logger:     &logger,
		ListenAddr: "127.0.0.1:0",
		Handler: func(_ context.Context, addr string, conn net.Conn) {
			defer func() { _ = conn.Close() }()
			accepted <- addr
			_, _ = io.Copy(conn, conn)
		},
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	conn, err := Dial(ctx, srv.Addr())
	require.NoError(t, err)

	select {
	case addr := <-accepted:
		assert.Equal(t, conn.LocalAddr().String(), addr)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not accepted")
	}

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, conn.Close())
	cancel()
	wg.Wait()
	assert.Empty(t, errc)
}

type tempError struct{}

func (tempError) Error() string   { return "too many open files" }
func (tempError) Timeout() bool   { return false }
func (tempError) Temporary() bool { return true }

// flakyListener fails the first accepts with a temporary error.
type flakyListener struct {
	net.Listener
	mx       *sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mx.Lock()
	if l.failures > 0 {
		l.failures--
		l.mx.Unlock()
		return nil, tempError{}
	}
	l.mx.Unlock()
	return l.Listener.Accept()
}

func TestServer_TemporaryAcceptError(t *testing.T) {
	logger := zerolog.Nop()
	accepted := make(chan struct{}, 1)
	srv := NewServer(Config{
		Logger:     &logger,
		ListenAddr: "127.0.0.1:0",
		Handler: func(_ context.Context, _ string, conn net.Conn) {
			_ = conn.Close()
			accepted <- struct{}{}
		},
	})
	require.NoError(t, srv.Listen())
	srv.listener = &flakyListener{Listener: srv.listener, mx: &sync.Mutex{}, failures: 3}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	conn, err := Dial(ctx, srv.Addr())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server gave up after temporary errors")
	}
	cancel()
	wg.Wait()
	assert.Empty(t, errc)
}

func TestServer_ListenFailure(t *testing.T) {
	logger := zerolog.Nop()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	srv := NewServer(Config{Logger: &logger, ListenAddr: l.Addr().String()})
	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(context.Background(), wg, errc)
	wg.Wait()

	assert.ErrorIs(t, <-errc, ErrUnexpected)
}
