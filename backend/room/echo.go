package room

import (
	"time"

	"github.com/google/uuid"
)

type EchoKind uint8

const (
	EchoPause EchoKind = iota + 1
	EchoSeek
)

// Echo describes a local player event caused by applying a remote command.
type Echo struct {
	Kind   EchoKind
	Paused bool // EchoPause only
}

func PauseEcho(paused bool) Echo {
	return Echo{Kind: EchoPause, Paused: paused}
}

func SeekEcho() Echo {
	return Echo{Kind: EchoSeek}
}

func (e Echo) matches(other Echo) bool {
	if e.Kind != other.Kind {
		return false
	}
	return e.Kind != EchoPause || e.Paused == other.Paused
}

type expectation struct {
	deadline time.Time
	id       string
	echo     Echo
}

// Expect registers an event that the player is about to emit as a result of
// a remote command. It must be called before the player command is issued.
func (r *Room) Expect(e Echo) string {
	r.mx.Lock()
	defer r.mx.Unlock()

	exp := expectation{
		deadline: r.clock.Now().Add(r.echoTTL),
		id:       uuid.NewString(),
		echo:     e,
	}
	r.echoes = append(r.echoes, exp)
	r.logger.Trace().Str("echo", exp.id).Uint8("kind", uint8(e.Kind)).Msg("echo expected")
	return exp.id
}

// ConsumeEcho reports whether e was expected, removing the oldest matching
// expectation. Expired expectations are discarded first.
func (r *Room) ConsumeEcho(e Echo) (string, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	now := r.clock.Now()
	live := r.echoes[:0]
	for _, exp := range r.echoes {
		if now.Before(exp.deadline) {
			live = append(live, exp)
		} else {
			r.logger.Debug().Str("echo", exp.id).Msg("echo expectation expired")
		}
	}
	r.echoes = live

	for i, exp := range r.echoes {
		if exp.echo.matches(e) {
			r.echoes = append(r.echoes[:i], r.echoes[i+1:]...)
			return exp.id, true
		}
	}
	return "", false
}

// PendingEchoes returns the number of unexpired expectations.
func (r *Room) PendingEchoes() int {
	r.mx.Lock()
	defer r.mx.Unlock()

	now := r.clock.Now()
	n := 0
	for _, exp := range r.echoes {
		if now.Before(exp.deadline) {
			n++
		}
	}
	return n
}
