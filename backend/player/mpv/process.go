package mpv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultBinary = "mpv"

	defaultStartTimeout = 10 * time.Second
	defaultStopTimeout  = 3 * time.Second
	welcomeDuration     = 5 * time.Second
	socketName          = "mpv.sock"
)

var (
	ErrStart = errors.New("failed to start mpv")
)

type (
	ProcessConfig struct {
		Logger       *zerolog.Logger
		Binary       string
		Args         []string
		AcceptSource bool
		StartTimeout time.Duration
	}

	// Process is a spawned mpv bound to its IPC client.
	Process struct {
		*Client

		logger zerolog.Logger
		cmd    *exec.Cmd
		dir    string
		exited chan struct{}
	}
)

// Start spawns mpv with an IPC socket in a fresh temporary directory,
// connects to it, pauses playback and greets the user.
func Start(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	dir, err := os.MkdirTemp("", "voyeurs-")
	if err != nil {
		return nil, errors.Join(ErrStart, err)
	}
	socket := filepath.Join(dir, socketName)

	args := []string{"--input-ipc-server=" + socket}
	if cfg.AcceptSource {
		args = append(args, "--player-operation-mode=pseudo-gui")
	}
	args = append(args, cfg.Args...)

	p := &Process{
		logger: cfg.Logger.With().Str("component", "mpv-process").Logger(),
		cmd:    exec.Command(binary, args...),
		dir:    dir,
		exited: make(chan struct{}),
	}
	p.cmd.Stdin = os.Stdin
	p.cmd.Stdout = os.Stdout
	p.cmd.Stderr = os.Stderr

	if err = p.cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Join(ErrStart, err)
	}
	p.logger.Debug().Int("pid", p.cmd.Process.Pid).Str("socket", socket).Msg("mpv started")
	go func() {
		err := p.cmd.Wait()
		p.logger.Debug().Err(err).Msg("mpv exited")
		close(p.exited)
	}()

	conn, err := p.connect(ctx, socket, timeout)
	if err != nil {
		p.kill()
		return nil, errors.Join(ErrStart, err)
	}
	p.Client = NewClient(conn, cfg.Logger)

	if err = p.Pause(ctx); err != nil {
		_ = p.Close()
		return nil, errors.Join(ErrStart, err)
	}
	if err = p.ShowText(ctx, "Connected to voyeurs", welcomeDuration); err != nil {
		_ = p.Close()
		return nil, errors.Join(ErrStart, err)
	}
	return p, nil
}

func (p *Process) connect(ctx context.Context, socket string, timeout time.Duration) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = timeout

	var d net.Dialer
	return backoff.RetryNotifyWithData(func() (net.Conn, error) {
		select {
		case <-p.exited:
			return nil, backoff.Permanent(fmt.Errorf("mpv exited with %s", p.cmd.ProcessState))
		default:
		}
		return d.DialContext(ctx, "unix", socket)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		p.logger.Trace().Err(err).Dur("retryIn", wait).Msg("waiting for mpv socket")
	})
}

// Exited is closed once the mpv process is gone.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Close asks mpv to quit, kills it if it does not, and cleans up the socket.
func (p *Process) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()

	if err := p.Quit(ctx); err != nil && !errors.Is(err, ErrClosed) {
		p.logger.Debug().Err(err).Msg("quit command failed")
	}
	select {
	case <-p.exited:
	case <-ctx.Done():
		p.logger.Warn().Msg("mpv did not quit, killing it")
		p.kill()
	}
	err := p.Client.Close()
	if rmErr := os.RemoveAll(p.dir); rmErr != nil {
		p.logger.Error().Err(rmErr).Msg("failed to remove socket directory")
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (p *Process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error().Err(err).Msg("failed to kill mpv")
	}
	<-p.exited
	if err := os.RemoveAll(p.dir); err != nil {
		p.logger.Error().Err(err).Msg("failed to remove socket directory")
	}
}
