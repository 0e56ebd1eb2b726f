package sync

import (
	"context"
	"sync"
)

// Latch is a one-shot rendezvous point. Cores Wait on a latch until some
// other core Opens it; once open a latch stays open and every state published
// before Open is visible to the cores returning from Wait.
type Latch struct {
	name string
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

// NewLatch returns a closed latch with the given name.
func NewLatch(name string) *Latch {
	return &Latch{name: name}
}

// Name returns the latch name.
func (l *Latch) Name() string {
	return l.name
}

func (l *Latch) channel() chan struct{} {
	l.init.Do(func() { l.ch = make(chan struct{}) })
	return l.ch
}

// Open releases all current and future waiters. Calling Open more than once
// has no effect.
func (l *Latch) Open() {
	ch := l.channel()
	l.once.Do(func() { close(ch) })
}

// IsOpen returns true if the latch has been opened.
func (l *Latch) IsOpen() bool {
	select {
	case <-l.channel():
		return true
	default:
		return false
	}
}

// Wait blocks until the latch is opened or ctx is cancelled, in which case
// the context error is returned.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
