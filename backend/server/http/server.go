package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/voyeurs/backend/model"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	Snapshot() model.Room
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger   zerolog.Logger
	svc      RoomService
	listener net.Listener
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "status-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/room", srv.room)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	})

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func (srv *Server) room(w http.ResponseWriter, _ *http.Request) {
	snap := srv.svc.Snapshot()
	srv.logger.Trace().Any("room", snap).Msg("serving room snapshot")

	b, err := json.Marshal(&GenericResponse{Data: snap})
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal room snapshot")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, http.StatusOK, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
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
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.listener == nil {
		if err := srv.Listen(); err != nil {
			errc <- errors.Join(ErrUnexpected, err)
			return
		}
	}

	hErr := make(chan error)
	go func() {
		hErr <- srv.Serve(srv.listener)
	}()

	srv.logger.Info().Str("addr", srv.ListenAddr()).Msg("server started")

	select {
	case err := <-hErr:
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
