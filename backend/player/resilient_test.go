package player_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adwski/voyeurs/backend/player"
	"github.com/adwski/voyeurs/backend/player/playertest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPlayer struct {
	*playertest.Player
	err      error
	failures int
	attempts int
}

func (f *flakyPlayer) Pause(ctx context.Context) error {
	f.attempts++
	if f.attempts <= f.failures {
		return f.err
	}
	return f.Player.Pause(ctx)
}

func TestResilient(t *testing.T) {
	logger := zerolog.Nop()
	errStructural := errors.New("property not found")

	tests := []struct {
		name         string
		err          error
		failures     int
		wantAttempts int
		wantErr      error
	}{
		{
			name:         "success",
			failures:     0,
			wantAttempts: 1,
		},
		{
			name:         "transient failures are retried",
			err:          fmt.Errorf("%w: reply timeout", player.ErrTransient),
			failures:     2,
			wantAttempts: 3,
		},
		{
			name:         "structural failure is not retried",
			err:          errStructural,
			failures:     100,
			wantAttempts: 1,
			wantErr:      errStructural,
		},
		{
			name:     "repeated transient failures give up",
			err:      fmt.Errorf("%w: reply timeout", player.ErrTransient),
			failures: 1000,
			wantErr:  player.ErrTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &flakyPlayer{Player: playertest.New(playertest.State{}), err: tt.err, failures: tt.failures}
			p := player.NewResilient(fake, player.RetryConfig{
				Logger:          &logger,
				InitialInterval: time.Millisecond,
				MaxElapsed:      50 * time.Millisecond,
			})

			err := p.Pause(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.True(t, fake.Paused())
			}
			if tt.wantAttempts > 0 {
				assert.Equal(t, tt.wantAttempts, fake.attempts)
			}
		})
	}
}

func TestResilient_PassThrough(t *testing.T) {
	logger := zerolog.Nop()
	fake := playertest.New(playertest.State{Filename: "a.mkv", Position: 3, Duration: 9})
	p := player.NewResilient(fake, player.RetryConfig{Logger: &logger})
	ctx := context.Background()

	name, err := p.String(ctx, player.PropFilename)
	require.NoError(t, err)
	assert.Equal(t, "a.mkv", name)

	pos, err := p.Float(ctx, player.PropPlaybackTime)
	require.NoError(t, err)
	assert.Equal(t, 3.0, pos)

	require.NoError(t, p.SeekAbsolute(ctx, 7))
	assert.Equal(t, 7.0, fake.Position())

	require.NoError(t, p.ShowText(ctx, "hello", time.Second))
	assert.Equal(t, []string{"hello"}, fake.Texts())
}
