package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/adwski/voyeurs/backend/clock"
	"github.com/adwski/voyeurs/backend/model"
	"github.com/adwski/voyeurs/backend/player"
	"github.com/adwski/voyeurs/backend/protocol"
	"github.com/adwski/voyeurs/backend/room"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const notificationDuration = 2 * time.Second

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrPlayer          = errors.New("player command failed")
)

type State uint32

const (
	StateAwaitingHandshake State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type (
	// FileLoadWaiter tells when the local player has a file loaded.
	FileLoadWaiter interface {
		Reset()
		Wait(ctx context.Context) error
	}

	Config struct {
		Logger   *zerolog.Logger
		Room     *room.Room
		Player   player.Player
		Clock    *clock.Clock
		Loads    FileLoadWaiter
		Settings model.Settings
	}

	// Session serves one peer connection for its whole lifetime.
	Session struct {
		logger   zerolog.Logger
		room     *room.Room
		player   player.Player
		clock    *clock.Clock
		loads    FileLoadWaiter
		conn     net.Conn
		settings model.Settings
		addr     string
		outbound bool
		joining  bool
		state    atomic.Uint32
	}
)

// New creates a session for conn. Outbound sessions start the handshake,
// inbound ones wait for the peer to speak first.
func New(cfg Config, addr string, conn net.Conn, outbound bool) *Session {
	s := &Session{
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("session", uuid.NewString()).
			Str("addr", addr).
			Logger(),
		room:     cfg.Room,
		player:   cfg.Player,
		clock:    cfg.Clock,
		loads:    cfg.Loads,
		conn:     conn,
		settings: cfg.Settings,
		addr:     addr,
		outbound: outbound,
	}
	if s.clock == nil {
		s.clock = clock.New(nil, 0)
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
	s.logger.Debug().Stringer("state", st).Msg("session state changed")
}

// Run serves the connection until it fails or ctx is done. Only failures
// that must stop the process are returned; everything else closes this
// connection alone.
func (s *Session) Run(ctx context.Context) error {
	if err := s.room.Join(s.addr, s.conn); err != nil {
		s.logger.Error().Err(err).Msg("failed to join room")
		_ = s.conn.Close()
		s.setState(StateClosed)
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	err := s.serve(ctx)
	s.close(ctx)
	return err
}

func (s *Session) serve(ctx context.Context) error {
	if s.outbound {
		if err := s.handshake(ctx); err != nil {
			return err
		}
	}
	for {
		pkt, err := protocol.ReadPacket(s.conn)
		if err != nil {
			s.logReadError(ctx, err)
			return nil
		}
		if s.State() == StateAwaitingHandshake {
			s.setState(StateActive)
		}
		s.observe(pkt)

		if err = s.dispatch(ctx, pkt.Command); err != nil {
			if errors.Is(err, ErrInvalidUsername) {
				s.logger.Warn().Err(err).Msg("rejecting peer")
				return nil
			}
			return err
		}
	}
}

func (s *Session) handshake(ctx context.Context) error {
	if s.settings.AcceptSource {
		s.unicast(protocol.GetStreamName{})
		return nil
	}
	if s.loads != nil {
		if err := s.loads.Wait(ctx); err != nil {
			return nil
		}
	}
	s.join()
	return nil
}

// join asks the hub for its playback state. The reply ends with the first
// Ready received afterwards.
func (s *Session) join() {
	s.joining = true
	s.unicast(protocol.NewConnection{Username: s.settings.Username})
}

func (s *Session) observe(pkt protocol.Packet) {
	latency := s.clock.Since(pkt.Timestamp)
	weighted, err := s.room.RecordLatency(s.addr, latency)
	if err != nil {
		s.logger.Debug().Err(err).Msg("failed to record latency")
	}
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("packet", protocol.Dump(pkt)).Dur("latency", latency).Msg("packet received")
		return
	}
	s.logger.Debug().
		Stringer("command", pkt.Command).
		Dur("latency", latency).
		Dur("weightedLatency", weighted).
		Msg("command received")
}

func (s *Session) logReadError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		s.logger.Debug().Msg("session canceled")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Info().Msg("connection closed")
	case errors.Is(err, protocol.ErrProtocolVersionMismatch),
		errors.Is(err, protocol.ErrUnknownCommand),
		errors.Is(err, protocol.ErrTruncatedPayload),
		errors.Is(err, protocol.ErrMalformedPayload):
		s.logger.Warn().Err(err).Msg("protocol violation")
	default:
		s.logger.Error().Err(err).Msg("unexpected error during receive")
	}
}

// close removes the peer before tearing the socket down, so nothing is
// dispatched against or written to a closed connection.
func (s *Session) close(ctx context.Context) {
	info, ok := s.room.Leave(s.addr)
	_ = s.conn.Close()
	s.setState(StateClosed)
	if !ok || ctx.Err() != nil {
		return
	}
	name := info.Username
	if name == "" {
		name = s.addr
	}
	if err := s.player.ShowText(ctx, name+": disconnected", notificationDuration); err != nil {
		s.logger.Warn().Err(err).Msg("failed to show disconnect notice")
	}
}

func (s *Session) unicast(cmd protocol.Command) {
	if err := s.room.Unicast(s.addr, cmd); err != nil {
		s.logger.Warn().Err(err).Stringer("command", cmd).Msg("failed to send command")
	}
}

func playerErr(err error) error {
	return errors.Join(ErrPlayer, err)
}
