// Package eventloop provides the single-goroutine, cooperative dispatcher
// that the rest of this module assumes is available: deferred callbacks,
// repeating timers, socket-readability watches, and posting of
// asynchronous D-Bus call completions. Every callback registered through
// a Loop runs on the Loop's own goroutine, one at a time, so objects that
// only ever touch their state from inside a Loop task never need to
// reason about concurrent callback delivery — only about being called
// from arbitrary application goroutines via their public API.
package eventloop

import (
	"io"
	"sync"
	"time"
)

// Loop is a serial task queue backed by one goroutine. It is the
// Go-idiomatic stand-in for a GLib-style main loop: timers, I/O watches,
// and RPC completions are all delivered as posted closures rather than
// invoked directly on whichever goroutine produced them.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// New starts a Loop. Callers must call Close when done to stop the
// dispatch goroutine.
func New() *Loop {
	l := &Loop{
		tasks:  make(chan func(), 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			// Drain any tasks already queued so Cancel-while-closing
			// callers waiting on a done channel still observe it fire.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the loop goroutine. Safe to call from any
// goroutine, including from inside another task (it will simply run
// after the current one returns).
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Close stops the dispatch goroutine after draining queued tasks. It
// does not cancel outstanding timers or watches — callers must do that
// themselves before or after Close as appropriate.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Timer is a cancellable, possibly-repeating posted callback.
type Timer struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

// AfterFunc posts fn once, after d (d == 0 means "next loop turn").
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{stop: make(chan struct{})}
	if d <= 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			select {
			case <-t.stop:
			default:
				l.Post(fn)
			}
		}()
		return t
	}
	timer := time.NewTimer(d)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-timer.C:
			l.Post(fn)
		case <-t.stop:
			timer.Stop()
		}
	}()
	return t
}

// Every posts fn repeatedly every d until Stop is called.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{stop: make(chan struct{})}
	ticker := time.NewTicker(d)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(fn)
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Stop cancels the timer and blocks until its goroutine has exited. It
// is safe to call Stop more than once, and from inside the timer's own
// callback (the callback has already been posted and is running on the
// loop goroutine by that point, so Stop here only prevents future fires).
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	select {
	case <-t.stop:
		// already stopped
	default:
		close(t.stop)
	}
	t.wg.Wait()
}

// Watch observes readability on an io.Reader by running a dedicated
// goroutine blocked in Read. Real socket-readiness polling (epoll-style)
// is unnecessary here: the heartbeat connection this module watches is
// always read to completion inside onReadable, so a blocking
// reader goroutine that posts once per readable chunk is equivalent and
// far simpler, matching the teacher's own per-connection reader-goroutine
// shape (internal/ipc/bridge.go, internal/watcher/watcher.go).
type Watch struct {
	stop chan struct{}
	wg   sync.WaitGroup
}

// WatchReader starts watching r, reading into buf. onReadable(n, err) is
// posted to the loop once per Read call; the first Read that returns a
// non-nil error (including io.EOF) is posted the same way, after which
// the watch goroutine exits without further reads.
func (l *Loop) WatchReader(r io.Reader, buf []byte, onReadable func(n int, err error)) *Watch {
	w := &Watch{stop: make(chan struct{})}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			n, err := r.Read(buf)
			select {
			case <-w.stop:
				return
			default:
			}
			l.Post(func() { onReadable(n, err) })
			if err != nil {
				return
			}
		}
	}()
	return w
}

// Stop signals the watch goroutine to stop posting further events. Since
// the goroutine may be blocked inside Read, Stop does not wait for the
// goroutine to exit (closing the underlying reader/connection is the
// caller's responsibility and is what unblocks the Read); it only
// guarantees no further onReadable calls are posted after it returns.
func (w *Watch) Stop() {
	if w == nil {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}
