package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	SyncPath = "/sync"

	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 4096
	defaultWebsocketWriteBufferSize  = 4096
	defaultWebSocketHandshakeTimeout = 3 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Handler serves one upgraded connection and returns when it is done.
	Handler func(ctx context.Context, addr string, conn net.Conn)

	Config struct {
		Logger     *zerolog.Logger
		Handler    Handler
		ListenAddr string
	}

	Server struct {
		handler  Handler
		ws       *websocket.Upgrader
		listener net.Listener
		handlers *sync.WaitGroup
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		handler:  cfg.Handler,
		handlers: &sync.WaitGroup{},
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SyncPath, srv.sync)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Listen binds the listening socket. Run calls it when it was not done before.
func (srv *Server) Listen() error {
	l, err := net.Listen("tcp", srv.Server.Addr)
	if err != nil {
		return err
	}
	srv.listener = l
	return nil
}

// ListenAddr returns the bound address once listening, the configured one before.
func (srv *Server) ListenAddr() string {
	if srv.listener != nil {
		return srv.listener.Addr().String()
	}
	return srv.Server.Addr
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.handlers.Wait()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.listener == nil {
		if err := srv.Listen(); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
	}
	// hijacked connections outlive Shutdown, their handlers stop with ctx
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.Serve(srv.listener)
	}()

	srv.logger.Info().Str("addr", srv.ListenAddr()).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) sync(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	addr := r.RemoteAddr
	srv.logger.Debug().Str("remote", addr).Msg("websocket connection upgraded")

	srv.handlers.Add(1)
	defer srv.handlers.Done()
	srv.handler(r.Context(), addr, NewConn(ws, &srv.logger))
}
