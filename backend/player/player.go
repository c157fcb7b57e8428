package player

import (
	"context"
	"errors"
	"time"
)

// Properties read and observed by the sync engine.
const (
	PropPause        = "pause"
	PropSeeking      = "seeking"
	PropPlaybackTime = "playback-time"
	PropFilename     = "filename"
	PropDuration     = "duration"
	PropPath         = "path"
)

var (
	// ErrTransient marks failures worth retrying, such as a dropped IPC reply.
	ErrTransient = errors.New("transient player failure")
	// ErrExited is returned once the player shut down or reached the end of the file.
	ErrExited = errors.New("player exited")
)

type EventKind uint8

const (
	EventShutdown EventKind = iota + 1
	EventEndOfFile
	EventFileLoaded
	EventPropertyChanged
)

func (k EventKind) String() string {
	switch k {
	case EventShutdown:
		return "shutdown"
	case EventEndOfFile:
		return "end-file"
	case EventFileLoaded:
		return "file-loaded"
	case EventPropertyChanged:
		return "property-change"
	default:
		return "unknown"
	}
}

type Event struct {
	Value any // PropertyChanged only
	Name  string
	Kind  EventKind
}

// Player is the control surface of the external media player.
type Player interface {
	Bool(ctx context.Context, name string) (bool, error)
	Float(ctx context.Context, name string) (float64, error)
	String(ctx context.Context, name string) (string, error)
	SetProperty(ctx context.Context, name string, value any) error
	SeekAbsolute(ctx context.Context, seconds float64) error
	Pause(ctx context.Context) error
	LoadFile(ctx context.Context, pathOrURL string) error
	ShowText(ctx context.Context, text string, d time.Duration) error
	ObserveProperty(ctx context.Context, name string) error
	// NextEvent blocks until the player emits an event.
	NextEvent(ctx context.Context) (Event, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
