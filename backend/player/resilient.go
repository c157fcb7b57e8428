package player

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxElapsed      = 2 * time.Second
)

type RetryConfig struct {
	Logger          *zerolog.Logger
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Resilient retries transient failures of the wrapped player with
// exponential backoff. Structural failures are returned at once.
type Resilient struct {
	next   Player
	logger zerolog.Logger

	initialInterval time.Duration
	maxElapsed      time.Duration
}

func NewResilient(next Player, cfg RetryConfig) *Resilient {
	r := &Resilient{
		next:            next,
		logger:          cfg.Logger.With().Str("component", "player").Logger(),
		initialInterval: cfg.InitialInterval,
		maxElapsed:      cfg.MaxElapsed,
	}
	if r.initialInterval <= 0 {
		r.initialInterval = defaultRetryInitialInterval
	}
	if r.maxElapsed <= 0 {
		r.maxElapsed = defaultRetryMaxElapsed
	}
	return r
}

func (r *Resilient) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxElapsedTime = r.maxElapsed

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("op", op).Dur("retryIn", wait).Msg("player command failed")
	})
}

func (r *Resilient) Bool(ctx context.Context, name string) (v bool, err error) {
	err = r.retry(ctx, "get "+name, func() (e error) {
		v, e = r.next.Bool(ctx, name)
		return
	})
	return
}

func (r *Resilient) Float(ctx context.Context, name string) (v float64, err error) {
	err = r.retry(ctx, "get "+name, func() (e error) {
		v, e = r.next.Float(ctx, name)
		return
	})
	return
}

func (r *Resilient) String(ctx context.Context, name string) (v string, err error) {
	err = r.retry(ctx, "get "+name, func() (e error) {
		v, e = r.next.String(ctx, name)
		return
	})
	return
}

func (r *Resilient) SetProperty(ctx context.Context, name string, value any) error {
	return r.retry(ctx, "set "+name, func() error {
		return r.next.SetProperty(ctx, name, value)
	})
}

func (r *Resilient) SeekAbsolute(ctx context.Context, seconds float64) error {
	return r.retry(ctx, "seek", func() error {
		return r.next.SeekAbsolute(ctx, seconds)
	})
}

func (r *Resilient) Pause(ctx context.Context) error {
	return r.retry(ctx, "pause", func() error {
		return r.next.Pause(ctx)
	})
}

func (r *Resilient) LoadFile(ctx context.Context, pathOrURL string) error {
	return r.retry(ctx, "loadfile", func() error {
		return r.next.LoadFile(ctx, pathOrURL)
	})
}

func (r *Resilient) ShowText(ctx context.Context, text string, d time.Duration) error {
	return r.retry(ctx, "show-text", func() error {
		return r.next.ShowText(ctx, text, d)
	})
}

func (r *Resilient) ObserveProperty(ctx context.Context, name string) error {
	return r.retry(ctx, "observe "+name, func() error {
		return r.next.ObserveProperty(ctx, name)
	})
}

// NextEvent is not retried: a failed event stream means the player is gone.
func (r *Resilient) NextEvent(ctx context.Context) (Event, error) {
	return r.next.NextEvent(ctx)
}
