package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 15 * time.Second

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Handler serves one accepted connection and returns when it is done.
	Handler func(ctx context.Context, addr string, conn net.Conn)

	Config struct {
		Logger     *zerolog.Logger
		Handler    Handler
		ListenAddr string
	}

	Server struct {
		logger   zerolog.Logger
		handler  Handler
		listener net.Listener
		addr     string
	}
)

func NewServer(cfg Config) *Server {
	return &Server{
		logger:  cfg.Logger.With().Str("component", "tcp-server").Logger(),
		handler: cfg.Handler,
		addr:    cfg.ListenAddr,
	}
}

// Listen binds the listening socket. Run calls it when it was not done before.
func (srv *Server) Listen() error {
	lc := net.ListenConfig{KeepAlive: defaultKeepAlive}
	l, err := lc.Listen(context.Background(), "tcp", srv.addr)
	if err != nil {
		return err
	}
	srv.listener = l
	return nil
}

// Addr returns the bound address once listening, the configured one before.
func (srv *Server) Addr() string {
	if srv.listener != nil {
		return srv.listener.Addr().String()
	}
	return srv.addr
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	handlers := &sync.WaitGroup{}
	defer func() {
		handlers.Wait()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.listener == nil {
		if err := srv.Listen(); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
	}
	srv.logger.Info().Str("addr", srv.Addr()).Msg("server started")

	stop := context.AfterFunc(ctx, func() {
		_ = srv.listener.Close()
	})
	defer stop()

	delay := newAcceptBackOff()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !temporary(err) {
				errc <- errors.Join(ErrUnexpected, err)
				return
			}
			wait := delay.NextBackOff()
			srv.logger.Warn().Err(err).Dur("retryIn", wait).Msg("accept failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		delay.Reset()
		addr := conn.RemoteAddr().String()
		srv.logger.Debug().Str("remote", addr).Msg("connection accepted")

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			srv.handler(ctx, addr, conn)
		}()
	}
}

func newAcceptBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minAcceptDelay
	b.MaxInterval = maxAcceptDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// temporary matches accept errors that go away on their own, like running
// out of file descriptors.
func temporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// Dial connects to a hub listening on addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	return d.DialContext(ctx, "tcp", addr)
}
