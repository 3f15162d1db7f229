// Package mainloop runs every state mutation of a chat session on one logical
// thread. Callbacks from the network, the audio device and timers are posted
// here instead of touching shared state directly.
package mainloop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loop is a single-consumer task queue with keyed timers.
type Loop struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	pending []func()
	timers  map[string]*scheduled
	gen     uint64
	wake    chan struct{}
}

type scheduled struct {
	timer Timer
	gen   uint64
}

// New returns a loop driven by clock. Tasks only run once Run or Drain is called.
func New(clock Clock, logger zerolog.Logger) *Loop {
	if clock == nil {
		clock = SystemClock()
	}
	return &Loop{
		clock:  clock,
		logger: logger.With().Str("component", "mainloop").Logger(),
		timers: make(map[string]*scheduled),
		wake:   make(chan struct{}, 1),
	}
}

// Clock returns the clock timers are scheduled on.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Post queues fn. It never blocks and is safe from any goroutine, including
// the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted tasks until ctx is done. Pending timers are stopped on return.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug().Msg("loop started")
	defer l.stopTimers()
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug().Msg("loop stopped")
			return ctx.Err()
		case <-l.wake:
			l.Drain()
		}
	}
}

// Drain runs queued tasks, including ones they post, until the queue is empty.
// It returns how many tasks ran. Tests use it to step a loop that is not running.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

// Schedule runs fn on the loop after d. A pending timer with the same key is
// cancelled first, so at most one instance per key is ever live.
func (l *Loop) Schedule(key string, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.timers[key]; ok {
		prev.timer.Stop()
	}
	l.gen++
	gen := l.gen
	s := &scheduled{gen: gen}
	l.timers[key] = s
	s.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if !l.claim(key, gen) {
				return
			}
			fn()
		})
	})
}

// claim removes the timer entry if it is still the live instance for key.
func (l *Loop) claim(key string, gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.timers[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(l.timers, key)
	return true
}

// Cancel removes any pending instance of key. Cancelling nothing is a no-op.
func (l *Loop) Cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.timers[key]; ok {
		s.timer.Stop()
		delete(l.timers, key)
	}
}

// Scheduled reports whether key has a pending instance.
func (l *Loop) Scheduled(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[key]
	return ok
}

func (l *Loop) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, s := range l.timers {
		s.timer.Stop()
		delete(l.timers, key)
	}
}
