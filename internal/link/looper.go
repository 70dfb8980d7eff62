package link

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
)

// Dispatcher runs posted functions on the consumer's execution context,
// one at a time and in posting order. Post must not block.
type Dispatcher interface {
    Post(fn func())
}

// ErrLooperRunning is returned by Run when another goroutine is already running the looper.
var ErrLooperRunning = errors.New("link: looper already running")

// Looper is an unbounded ordered queue drained by whichever goroutine calls Run.
type Looper struct {
    mu    sync.Mutex
    queue []func()

    wake     chan struct{}
    quit     chan struct{}
    quitOnce sync.Once
    running  atomic.Bool
}

// NewLooper returns an idle looper.
func NewLooper() *Looper {
    return &Looper{
        wake: make(chan struct{}, 1),
        quit: make(chan struct{}),
    }
}

// Post enqueues fn. It never blocks.
func (l *Looper) Post(fn func()) {
    l.mu.Lock()
    l.queue = append(l.queue, fn)
    l.mu.Unlock()
    select {
    case l.wake <- struct{}{}:
    default:
    }
}

// Run executes posted functions until Quit is called or ctx ends.
// After Quit, functions already queued are still run before Run returns.
func (l *Looper) Run(ctx context.Context) error {
    if !l.running.CompareAndSwap(false, true) {
        return ErrLooperRunning
    }
    defer l.running.Store(false)
    for {
        if l.drain() {
            continue
        }
        select {
        case <-l.wake:
        case <-l.quit:
            for l.drain() {
            }
            return nil
        case <-ctx.Done():
            return ctx.Err()
        }
    }
}

// Quit makes Run return once the queue is empty.
func (l *Looper) Quit() {
    l.quitOnce.Do(func() { close(l.quit) })
}

func (l *Looper) drain() bool {
    l.mu.Lock()
    batch := l.queue
    l.queue = nil
    l.mu.Unlock()
    for _, fn := range batch {
        fn()
    }
    return len(batch) > 0
}
