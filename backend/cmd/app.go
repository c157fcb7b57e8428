package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/voyeurs/backend/bridge"
	"github.com/adwski/voyeurs/backend/clock"
	"github.com/adwski/voyeurs/backend/config"
	"github.com/adwski/voyeurs/backend/player"
	"github.com/adwski/voyeurs/backend/player/mpv"
	"github.com/adwski/voyeurs/backend/room"
	httpServer "github.com/adwski/voyeurs/backend/server/http"
	tcpServer "github.com/adwski/voyeurs/backend/server/tcp"
	websocketServer "github.com/adwski/voyeurs/backend/server/websocket"
	"github.com/adwski/voyeurs/backend/session"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	exitOK = iota
	exitConfig
	exitClock
	exitNetwork
	exitPlayer
)

var errHubLost = errors.New("connection to hub lost")

type server interface {
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Msg("failed to load .env file")
	}
	cfg, err := config.Load(config.Source{Args: os.Args[1:]})
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return exitOK
		}
		logger.Error().Err(err).Msg("failed to load configuration")
		return exitConfig
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse loglevel")
		return exitConfig
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk, err := clock.Sync(ctx, clock.SyncConfig{
		Logger:          &logger,
		Server:          cfg.NTPServer,
		TrustSystemTime: cfg.TrustSystemTime,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to synchronize clock")
		return exitClock
	}

	proc, err := mpv.Start(ctx, mpv.ProcessConfig{
		Logger:       &logger,
		Binary:       cfg.Player,
		Args:         cfg.PlayerArgs,
		AcceptSource: cfg.AcceptSource,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start player")
		return exitPlayer
	}
	defer func() {
		if err := proc.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to stop player")
		}
	}()

	var (
		settings = cfg.Settings()
		plr      = player.NewResilient(proc, player.RetryConfig{Logger: &logger})
		latch    = bridge.NewLatch()
		rm       = room.New(room.Config{Logger: &logger, Clock: clk})
		sessCfg  = session.Config{
			Logger:   &logger,
			Room:     rm,
			Player:   plr,
			Clock:    clk,
			Loads:    latch,
			Settings: settings,
		}
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 8)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := bridge.New(bridge.Config{
			Logger:   &logger,
			Player:   plr,
			Room:     rm,
			Latch:    latch,
			Settings: settings,
		}).Run(ctx)
		if ctx.Err() == nil {
			report(errc, err)
		}
	}()

	if cfg.StatusAddr != "" {
		wg.Add(1)
		go httpServer.NewServer(httpServer.Config{
			Logger:      &logger,
			RoomService: rm,
			ListenAddr:  cfg.StatusAddr,
		}).Run(ctx, wg, errc)
	}

	if cfg.Serve {
		handler := func(ctx context.Context, addr string, conn net.Conn) {
			if err := session.New(sessCfg, addr, conn, false).Run(ctx); err != nil {
				report(errc, err)
			}
		}
		var srv server
		switch cfg.Transport {
		case config.TransportWebsocket:
			srv = websocketServer.NewServer(websocketServer.Config{
				Logger:     &logger,
				Handler:    handler,
				ListenAddr: cfg.Address,
			})
		default:
			srv = tcpServer.NewServer(tcpServer.Config{
				Logger:     &logger,
				Handler:    handler,
				ListenAddr: cfg.Address,
			})
		}
		wg.Add(1)
		go srv.Run(ctx, wg, errc)
	} else {
		logger.Info().Str("addr", cfg.Address).Str("transport", cfg.Transport).Msg("connecting to hub")
		conn, err := dial(ctx, cfg.Transport, cfg.Address, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to hub")
			cancel()
			wg.Wait()
			return exitNetwork
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := session.New(sessCfg, cfg.Address, conn, true).Run(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errHubLost
			}
			report(errc, err)
		}()
	}

	code := exitOK
	select {
	case err = <-errc:
		code = exitCode(err)
		if code == exitOK {
			logger.Info().Err(err).Msg("player is done, shutting down")
		} else {
			logger.Error().Err(err).Msg("unexpected error, shutting down")
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return code
}

func dial(ctx context.Context, transport, addr string, logger *zerolog.Logger) (net.Conn, error) {
	if transport == config.TransportWebsocket {
		return websocketServer.Dial(ctx, addr, logger)
	}
	return tcpServer.Dial(ctx, addr)
}

func report(errc chan<- error, err error) {
	select {
	case errc <- err:
	default:
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, player.ErrExited):
		return exitOK
	case errors.Is(err, bridge.ErrPlayer), errors.Is(err, session.ErrPlayer):
		return exitPlayer
	default:
		return exitNetwork
	}
}
