package session

import (
	"context"
	"fmt"
	"net/url"

	"github.com/adwski/voyeurs/backend/model"
	"github.com/adwski/voyeurs/backend/player"
	"github.com/adwski/voyeurs/backend/protocol"
	"github.com/adwski/voyeurs/backend/room"
)

func (s *Session) dispatch(ctx context.Context, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.NewConnection:
		return s.onNewConnection(ctx, c.Username)
	case protocol.Ready:
		if s.joining {
			s.joining = false
			return s.onJoined(ctx, c.Flag)
		}
		if s.settings.Standalone {
			return s.onReadyStandalone(ctx, c.Flag)
		}
		return s.onReady(ctx, c.Flag)
	case protocol.Seek:
		return s.onSeek(ctx, c.Position)
	case protocol.Filename:
		if c.Name != s.readString(ctx, player.PropFilename) {
			return s.warn(ctx, "filename does not match with server's filename")
		}
	case protocol.Duration:
		if c.Seconds != s.readFloat(ctx, player.PropDuration) {
			return s.warn(ctx, "duration does not match with server's duration")
		}
	case protocol.StreamName:
		return s.onStreamName(ctx, c.URL)
	case protocol.GetStreamName:
		return s.onGetStreamName(ctx)
	}
	return nil
}

// onNewConnection answers a joining peer with the local playback state.
// The state is read before pausing so the peer learns our playback intent.
func (s *Session) onNewConnection(ctx context.Context, username string) error {
	if !model.ValidUsername(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	var (
		filename = s.readString(ctx, player.PropFilename)
		duration = s.readFloat(ctx, player.PropDuration)
		position = s.readFloat(ctx, player.PropPlaybackTime)
		paused   = s.readBool(ctx, player.PropPause)
	)
	if !paused {
		s.room.Expect(room.PauseEcho(true))
	}
	if err := s.player.Pause(ctx); err != nil {
		return playerErr(err)
	}
	if err := s.player.ShowText(ctx, username+": connected", notificationDuration); err != nil {
		return playerErr(err)
	}
	if err := s.room.SetUsername(s.addr, username); err != nil {
		return nil
	}
	s.logger.Info().Str("username", username).Msg("peer connected")

	// The local vote is kept: playback resumes once the joining peer reports
	// the state it was sent. The others hold until then.
	if !paused {
		s.room.BroadcastExcluding(protocol.Ready{Flag: false}, s.addr)
	}

	s.unicast(protocol.Filename{Name: filename})
	s.unicast(protocol.Duration{Seconds: duration})
	s.unicast(protocol.Seek{Position: position})
	s.unicast(protocol.Ready{Flag: !paused})
	return nil
}

// onJoined adopts the hub's playback state from the end of the join reply
// as the local vote and reports it back, so both sides agree.
func (s *Session) onJoined(ctx context.Context, ready bool) error {
	s.room.SetReady(ready)
	if _, err := s.room.SetPeerReady(s.addr, ready); err != nil {
		return nil
	}
	if s.readBool(ctx, player.PropPause) == ready {
		if err := s.setPaused(ctx, !ready); err != nil {
			return err
		}
	}
	s.logger.Info().Bool("ready", ready).Msg("joined hub")
	s.unicast(protocol.Ready{Flag: ready})
	return nil
}

// onReady applies a peer's vote to the readiness barrier: any peer that is
// not ready pauses everybody, playback resumes only on a unanimous vote.
func (s *Session) onReady(ctx context.Context, ready bool) error {
	resume, err := s.room.SetPeerReady(s.addr, ready)
	if err != nil {
		return nil
	}

	if !ready {
		if !s.readBool(ctx, player.PropPause) {
			if err = s.setPaused(ctx, true); err != nil {
				return err
			}
		}
		if s.settings.Hub {
			s.room.BroadcastExcluding(protocol.Ready{Flag: false}, s.addr)
		}
		return nil
	}

	if !resume {
		s.logger.Debug().Msg("peer is ready, waiting for the others")
		return nil
	}
	if s.readBool(ctx, player.PropPause) {
		if err = s.setPaused(ctx, false); err != nil {
			return err
		}
	}
	if s.settings.Hub {
		s.room.Broadcast(protocol.Ready{Flag: true})
	}
	return nil
}

// onReadyStandalone mirrors the peer's pause state without a barrier.
func (s *Session) onReadyStandalone(ctx context.Context, ready bool) error {
	if s.readBool(ctx, player.PropPause) == ready {
		if err := s.setPaused(ctx, !ready); err != nil {
			return err
		}
	}
	if s.settings.Hub {
		s.room.BroadcastExcluding(protocol.Ready{Flag: ready}, s.addr)
	}
	return nil
}

func (s *Session) setPaused(ctx context.Context, paused bool) error {
	s.room.Expect(room.PauseEcho(paused))
	if err := s.player.SetProperty(ctx, player.PropPause, paused); err != nil {
		return playerErr(err)
	}
	return nil
}

func (s *Session) onSeek(ctx context.Context, position float64) error {
	if position == s.readFloat(ctx, player.PropPlaybackTime) {
		return nil
	}
	s.room.Expect(room.SeekEcho())
	if err := s.player.SeekAbsolute(ctx, position); err != nil {
		return playerErr(err)
	}
	if s.settings.Hub {
		s.room.BroadcastExcluding(protocol.Seek{Position: position}, s.addr)
	}
	return nil
}

func (s *Session) onStreamName(ctx context.Context, source string) error {
	if !s.settings.AcceptSource {
		s.logger.Debug().Msg("ignoring stream name, source is not accepted")
		return nil
	}
	if source == "" {
		s.logger.Warn().Msg("hub is not streaming from a valid url")
		return s.warn(ctx, "Server is not streaming from a valid url")
	}

	if s.loads != nil {
		s.loads.Reset()
	}
	if err := s.player.LoadFile(ctx, source); err != nil {
		return playerErr(err)
	}
	if s.loads != nil {
		if err := s.loads.Wait(ctx); err != nil {
			return nil
		}
	}
	s.logger.Info().Str("url", source).Msg("playing hub's stream")
	s.join()
	return nil
}

func (s *Session) onGetStreamName(ctx context.Context) error {
	if !s.settings.Hub {
		return nil
	}
	source := s.readString(ctx, player.PropPath)
	if !isURL(source) {
		source = ""
	}
	s.unicast(protocol.StreamName{URL: source})
	return nil
}

// isURL accepts absolute URLs only; a one-letter scheme is a drive letter.
func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && len(u.Scheme) > 1
}

func (s *Session) warn(ctx context.Context, text string) error {
	if err := s.player.ShowText(ctx, text, notificationDuration); err != nil {
		return playerErr(err)
	}
	return nil
}

func (s *Session) readBool(ctx context.Context, name string) bool {
	v, err := s.player.Bool(ctx, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("property", name).Msg("failed to read property")
		return false
	}
	return v
}

func (s *Session) readFloat(ctx context.Context, name string) float64 {
	v, err := s.player.Float(ctx, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("property", name).Msg("failed to read property")
		return 0
	}
	return v
}

func (s *Session) readString(ctx context.Context, name string) string {
	v, err := s.player.String(ctx, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("property", name).Msg("failed to read property")
		return ""
	}
	return v
}
