// Package loop provides the single execution context the overlay runs on.
// Network pumps and timers never touch component state directly; they Post
// closures that the loop runs one at a time.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a scheduled callback owned by the component that created it.
type Task interface {
	Cancel()
}

// Scheduler is the surface components use to defer work onto the loop.
type Scheduler interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// After runs fn on the loop once d has elapsed, unless cancelled first.
	After(d time.Duration, fn func()) Task
	// Every runs fn on the loop each d until cancelled. A tick that is still
	// queued when the next one fires is not queued twice.
	Every(d time.Duration, fn func()) Task
	// Now is the loop's clock.
	Now() time.Time
}

// Loop is the production Scheduler backed by real timers.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Loop. now may be nil to use time.Now.
func New(now func() time.Time, logger *zap.Logger) *Loop {
	if now == nil {
		now = time.Now
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger,
		now:    now,
	}
}

// Run executes posted work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it, or for ctx.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Now() time.Time { return l.now() }

type timerTask struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *timerTask) Cancel() {
	t.cancelled.Store(true)
	t.timer.Stop()
}

func (l *Loop) After(d time.Duration, fn func()) Task {
	t := &timerTask{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.cancelled.Load() {
				fn()
			}
		})
	})
	return t
}

type tickerTask struct {
	stop      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
	queued    atomic.Bool
}

func (t *tickerTask) Cancel() {
	t.cancelled.Store(true)
	t.once.Do(func() { close(t.stop) })
}

func (l *Loop) Every(d time.Duration, fn func()) Task {
	t := &tickerTask{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if !t.queued.CompareAndSwap(false, true) {
					continue
				}
				l.Post(func() {
					t.queued.Store(false)
					if !t.cancelled.Load() {
						fn()
					}
				})
			}
		}
	}()
	return t
}
