package bridge

import (
	"context"
	"sync"
)

// Latch remembers that the player has a file loaded. Sessions wait on it
// before joining, so a file loaded before they started still counts.
type Latch struct {
	mx  *sync.Mutex
	ch  chan struct{}
	set bool
}

func NewLatch() *Latch {
	return &Latch{
		mx: &sync.Mutex{},
		ch: make(chan struct{}),
	}
}

func (l *Latch) Signal() {
	l.mx.Lock()
	defer l.mx.Unlock()

	if !l.set {
		l.set = true
		close(l.ch)
	}
}

// Reset forgets the loaded file, so that Wait blocks until the next one.
func (l *Latch) Reset() {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

func (l *Latch) Wait(ctx context.Context) error {
	l.mx.Lock()
	ch := l.ch
	l.mx.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (l *Latch) IsSet() bool {
	l.mx.Lock()
	defer l.mx.Unlock()

	return l.set
}
