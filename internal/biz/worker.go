package biz

import (
	"context"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Background runs fire-and-forget tasks off the request-serving path: lease
// decrements, session-release bookkeeping, webhook delivery. Tasks are never
// awaited by the submitter; Drain exists so shutdown and tests can wait for
// completion deterministically.
type Background struct {
	logger  *log.Helper
	tasks   chan backgroundTask
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
}

type backgroundTask struct {
	name string
	fn   func(ctx context.Context)
}

// NewBackground creates the worker with a fixed goroutine pool.
func NewBackground(logger log.Logger) *Background {
	b := &Background{
		logger:  log.NewHelper(logger),
		tasks:   make(chan backgroundTask, 1024),
		timeout: 10 * time.Second,
	}
	const workers = 4
	for i := 0; i < workers; i++ {
		go b.run()
	}
	return b
}

func (b *Background) run() {
	for t := range b.tasks {
		b.execute(t)
	}
}

func (b *Background) execute(t backgroundTask) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("background task %s panicked: %v", t.name, r)
		}
	}()

	// Tasks carry their own deadline; the submitter's request context is
	// often already done by the time we run.
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	t.fn(ctx)
}

// Submit enqueues fn for asynchronous execution. When the queue is full or
// the worker is draining, the task is dropped with a warning: callers on the
// hot path must never block here.
func (b *Background) Submit(name string, fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warnf("background worker closed, dropping task %s", name)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	select {
	case b.tasks <- backgroundTask{name: name, fn: fn}:
	default:
		b.wg.Done()
		b.logger.Warnf("background queue full, dropping task %s", name)
	}
}

// Drain waits for every submitted task to finish and stops accepting new
// ones. Called on shutdown and from tests.
func (b *Background) Drain() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
	}
	b.mu.Unlock()
	b.wg.Wait()
}
