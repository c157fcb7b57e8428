package clock

import (
	"context"
	"errors"
	"time"

	"github.com/beevik/ntp"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultNTPServer = "pool.ntp.org"

	defaultQueryTimeout = 5 * time.Second
)

var ErrSync = errors.New("unable to synchronize clock")

// Clock is the local clock corrected by the skew measured at startup.
// It is immutable after construction.
type Clock struct {
	base clockwork.Clock
	skew time.Duration
}

// QueryFunc returns referenceNow - localNow as measured against host.
type QueryFunc func(ctx context.Context, host string) (time.Duration, error)

type SyncConfig struct {
	Logger          *zerolog.Logger
	Base            clockwork.Clock
	Query           QueryFunc
	Server          string
	TrustSystemTime bool
}

func New(base clockwork.Clock, skew time.Duration) *Clock {
	if base == nil {
		base = clockwork.NewRealClock()
	}
	return &Clock{base: base, skew: skew.Truncate(time.Millisecond)}
}

// Sync measures the skew against the reference server unless the system time is trusted.
func Sync(ctx context.Context, cfg SyncConfig) (*Clock, error) {
	logger := cfg.Logger.With().Str("component", "clock").Logger()
	if cfg.TrustSystemTime {
		logger.Warn().Msg("trusting system time, clock skew is fixed at 0")
		return New(cfg.Base, 0), nil
	}
	query := cfg.Query
	if query == nil {
		query = queryNTP
	}
	server := cfg.Server
	if server == "" {
		server = DefaultNTPServer
	}

	skew, err := query(ctx, server)
	if err != nil {
		return nil, errors.Join(ErrSync, err)
	}
	c := New(cfg.Base, skew)
	logger.Info().
		Str("server", server).
		Int64("skewMillis", c.skew.Milliseconds()).
		Msg("clock skew measured")
	return c, nil
}

func queryNTP(ctx context.Context, host string) (time.Duration, error) {
	timeout := defaultQueryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err = resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func (c *Clock) Skew() time.Duration {
	return c.skew
}

// Now returns the corrected current time.
func (c *Clock) Now() time.Time {
	return c.base.Now().Add(c.skew)
}

// Timestamp returns the corrected unix time in milliseconds, as stamped on outgoing packets.
func (c *Clock) Timestamp() uint64 {
	ms := c.Now().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// Since returns the one-way latency of a packet stamped with ts.
// Negative results caused by residual skew are clamped to zero.
func (c *Clock) Since(ts uint64) time.Duration {
	now := c.Timestamp()
	if ts >= now {
		return 0
	}
	return time.Duration(now-ts) * time.Millisecond
}
