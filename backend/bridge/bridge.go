package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/voyeurs/backend/model"
	"github.com/adwski/voyeurs/backend/player"
	"github.com/adwski/voyeurs/backend/protocol"
	"github.com/adwski/voyeurs/backend/room"
	"github.com/rs/zerolog"
)

const notReadyNoticeDuration = 2 * time.Second

var ErrPlayer = errors.New("player command failed")

type (
	Config struct {
		Logger   *zerolog.Logger
		Player   player.Player
		Room     *room.Room
		Latch    *Latch
		Settings model.Settings
	}

	// Bridge turns local player events into protocol commands.
	Bridge struct {
		logger   zerolog.Logger
		player   player.Player
		room     *room.Room
		latch    *Latch
		settings model.Settings
	}
)

func New(cfg Config) *Bridge {
	b := &Bridge{
		logger:   cfg.Logger.With().Str("component", "bridge").Logger(),
		player:   cfg.Player,
		room:     cfg.Room,
		latch:    cfg.Latch,
		settings: cfg.Settings,
	}
	if b.latch == nil {
		b.latch = NewLatch()
	}
	return b
}

// Run drains the player's events until the player exits (player.ErrExited),
// the context is done, or a player command fails.
func (b *Bridge) Run(ctx context.Context) error {
	for _, prop := range []string{player.PropPause, player.PropSeeking} {
		if err := b.player.ObserveProperty(ctx, prop); err != nil {
			return errors.Join(ErrPlayer, err)
		}
	}
	if name, err := b.player.String(ctx, player.PropFilename); err == nil && name != "" {
		b.latch.Signal()
	}
	b.logger.Debug().Msg("bridge started")

	for {
		ev, err := b.player.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Join(ErrPlayer, err)
		}
		if err = b.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev player.Event) error {
	switch ev.Kind {
	case player.EventShutdown, player.EventEndOfFile:
		b.logger.Info().Stringer("event", ev.Kind).Msg("player is done")
		return player.ErrExited
	case player.EventFileLoaded:
		b.logger.Debug().Msg("file loaded")
		b.latch.Signal()
		return nil
	case player.EventPropertyChanged:
	default:
		return nil
	}

	value, ok := ev.Value.(bool)
	if !ok {
		b.logger.Debug().Str("property", ev.Name).Interface("value", ev.Value).Msg("ignoring property change")
		return nil
	}

	switch ev.Name {
	case player.PropPause:
		if id, ok := b.room.ConsumeEcho(room.PauseEcho(value)); ok {
			b.logger.Debug().Str("echo", id).Bool("paused", value).Msg("suppressed echo")
			return nil
		}
		return b.onPause(ctx, value)
	case player.PropSeeking:
		if value {
			b.logger.Debug().Msg("seeking, player is buffering")
			return nil
		}
		if id, ok := b.room.ConsumeEcho(room.SeekEcho()); ok {
			b.logger.Debug().Str("echo", id).Msg("suppressed echo")
			return nil
		}
		return b.onSeek(ctx)
	}
	return nil
}

func (b *Bridge) onPause(ctx context.Context, paused bool) error {
	if b.settings.Standalone {
		b.room.Broadcast(protocol.Ready{Flag: !paused})
		return nil
	}
	if paused {
		b.room.SetReady(false)
		b.room.Broadcast(protocol.Ready{Flag: false})
		return nil
	}

	if !b.room.SetReady(true) {
		b.room.Expect(room.PauseEcho(true))
		if err := b.player.Pause(ctx); err != nil {
			return errors.Join(ErrPlayer, err)
		}
		if err := b.player.ShowText(ctx, "Somebody isn't ready", notReadyNoticeDuration); err != nil {
			return errors.Join(ErrPlayer, err)
		}
		b.logger.Info().Msg("waiting for peers to get ready")
	}
	b.room.Broadcast(protocol.Ready{Flag: true})
	return nil
}

func (b *Bridge) onSeek(ctx context.Context) error {
	pos, err := b.player.Float(ctx, player.PropPlaybackTime)
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to read playback position")
		return nil
	}
	b.logger.Debug().Float64("position", pos).Msg("local seek")
	b.room.Broadcast(protocol.Seek{Position: pos})
	return nil
}
