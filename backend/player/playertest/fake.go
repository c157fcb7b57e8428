// Package playertest provides an in-memory player for tests.
package playertest

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/adwski/voyeurs/backend/player"
)

type Call struct {
	Value any
	Op    string
}

// Player mimics the observable behaviour of a media player: property
// changes made through it are reported as events when Emit is enabled.
type Player struct {
	events  []player.Event
	notify  chan struct{}
	waiting bool
	fail    map[string]error
	calls  []Call
	texts  []string

	paused   bool
	position float64
	filename string
	duration float64
	path     string
	emit     bool

	mu sync.Mutex
}

type State struct {
	Filename string
	Path     string
	Position float64
	Duration float64
	Paused   bool
}

func New(s State) *Player {
	return &Player{
		notify:   make(chan struct{}, 1),
		fail:     make(map[string]error),
		paused:   s.Paused,
		position: s.Position,
		filename: s.Filename,
		duration: s.Duration,
		path:     s.Path,
	}
}

// EmitEvents makes state changes produce events, as a real player does.
func (p *Player) EmitEvents(on bool) *Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit = on
	return p
}

// FailOn makes op ("pause", "seek", "show-text", "loadfile", "set <prop>", "get <prop>") return err.
func (p *Player) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[op] = err
}

// Push delivers an event as if the player emitted it.
func (p *Player) Push(e player.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueue(e)
}

// Idle reports whether every event was taken and the consumer came back for
// more, i.e. it is done handling the previous ones.
func (p *Player) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting && len(p.events) == 0
}

func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *Player) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *Player) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Count returns how many times op was called with value (any value if nil).
func (p *Player) Count(op string, value any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op && (value == nil || c.Value == value) {
			n++
		}
	}
	return n
}

func (p *Player) record(op string, value any) error {
	p.calls = append(p.calls, Call{Op: op, Value: value})
	return p.fail[op]
}

func (p *Player) Bool(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail["get "+name]; err != nil {
		return false, err
	}
	switch name {
	case player.PropPause:
		return p.paused, nil
	case player.PropSeeking:
		return false, nil
	}
	return false, fmt.Errorf("property %q is not a bool", name)
}

func (p *Player) Float(_ context.Context, name string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail["get "+name]; err != nil {
		return 0, err
	}
	switch name {
	case player.PropPlaybackTime:
		return p.position, nil
	case player.PropDuration:
		return p.duration, nil
	}
	return 0, fmt.Errorf("property %q is not a number", name)
}

func (p *Player) String(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail["get "+name]; err != nil {
		return "", err
	}
	switch name {
	case player.PropFilename:
		return p.filename, nil
	case player.PropPath:
		return p.path, nil
	}
	return "", fmt.Errorf("property %q is not a string", name)
}

func (p *Player) SetProperty(_ context.Context, name string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("set "+name, value); err != nil {
		return err
	}
	if name == player.PropPause {
		paused, ok := value.(bool)
		if !ok {
			return fmt.Errorf("pause must be a bool, got %T", value)
		}
		p.setPaused(paused)
	}
	return nil
}

func (p *Player) Pause(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("pause", nil); err != nil {
		return err
	}
	p.setPaused(true)
	return nil
}

func (p *Player) setPaused(paused bool) {
	if p.paused == paused {
		return
	}
	p.paused = paused
	p.push(player.Event{Kind: player.EventPropertyChanged, Name: player.PropPause, Value: paused})
}

func (p *Player) SeekAbsolute(_ context.Context, seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("seek", seconds); err != nil {
		return err
	}
	p.position = seconds
	p.push(player.Event{Kind: player.EventPropertyChanged, Name: player.PropSeeking, Value: true})
	p.push(player.Event{Kind: player.EventPropertyChanged, Name: player.PropSeeking, Value: false})
	return nil
}

func (p *Player) LoadFile(_ context.Context, pathOrURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("loadfile", pathOrURL); err != nil {
		return err
	}
	p.path = pathOrURL
	p.filename = path.Base(pathOrURL)
	p.position = 0
	p.push(player.Event{Kind: player.EventFileLoaded})
	return nil
}

func (p *Player) ShowText(_ context.Context, text string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("show-text", text); err != nil {
		return err
	}
	p.texts = append(p.texts, text)
	return nil
}

// ObserveProperty reports the current value right away, like mpv does.
func (p *Player) ObserveProperty(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("observe", name); err != nil {
		return err
	}
	switch name {
	case player.PropPause:
		p.push(player.Event{Kind: player.EventPropertyChanged, Name: name, Value: p.paused})
	case player.PropSeeking:
		p.push(player.Event{Kind: player.EventPropertyChanged, Name: name, Value: false})
	}
	return nil
}

func (p *Player) NextEvent(ctx context.Context) (player.Event, error) {
	for {
		p.mu.Lock()
		if len(p.events) > 0 {
			e := p.events[0]
			p.events = p.events[1:]
			p.waiting = false
			p.mu.Unlock()
			return e, nil
		}
		p.waiting = true
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return player.Event{}, ctx.Err()
		case <-p.notify:
		}
	}
}

func (p *Player) push(e player.Event) {
	if p.emit {
		p.enqueue(e)
	}
}

func (p *Player) enqueue(e player.Event) {
	p.events = append(p.events, e)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
