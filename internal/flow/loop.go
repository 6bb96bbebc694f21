// Package flow provides the small set of event-stream primitives the chat
// client is built from: a single-goroutine event loop, latest-wins and
// one-at-a-time task combinators, a callback-to-future adapter, a typing
// edge detector and a cached multicast state stream.
//
// Everything except State is loop-confined: it must only be used from
// callbacks running on its Loop, which is what makes it lock-free.
package flow

import (
	"sync"
	"time"
)

// DefaultMailbox is the mailbox capacity used when NewLoop is given zero.
const DefaultMailbox = 256

// Loop runs posted callbacks one at a time, in posting order, on a single
// goroutine.
type Loop struct {
	mailbox  chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	onStop   func()
}

// NewLoop starts a loop with the given mailbox capacity.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = DefaultMailbox
	}
	l := &Loop{
		mailbox: make(chan func(), size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			l.teardown()
			return
		case fn := <-l.mailbox:
			// A stop request wins over callbacks that were already queued.
			select {
			case <-l.done:
				l.teardown()
				return
			default:
			}
			fn()
		}
	}
}

func (l *Loop) teardown() {
	if l.onStop != nil {
		l.onStop()
	}
}

// Post queues fn to run on the loop. It returns false, without queueing,
// once Stop has been called. Post blocks while the mailbox is full and must
// not be called from the loop goroutine itself.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.mailbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc runs fn on the loop once d has elapsed. The returned stop
// function must be called on the loop; after it returns fn never runs, even
// if the timer already fired and its callback is waiting in the mailbox.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func()) {
	cancelled := false
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled {
				fn()
			}
		})
	})
	return func() {
		cancelled = true
		t.Stop()
	}
}

// Done is closed when Stop is called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stop ends the loop. onStop runs exactly once, on the loop goroutine, after
// the last callback; queued callbacks that have not started are dropped.
// Stop waits for onStop to return and is safe to call multiple times, but
// not from the loop goroutine.
func (l *Loop) Stop(onStop func()) {
	l.stopOnce.Do(func() {
		l.onStop = onStop
		close(l.done)
	})
	<-l.stopped
}
