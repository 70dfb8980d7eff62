// Package link drives the lifecycle of a serial link to one peer and bridges
// its byte stream to consumer callbacks.
//
// All blocking work (discovery cancellation, connect, reads) happens on a
// background goroutine owned by the Controller. Callbacks and state
// notifications are posted to a Dispatcher, so the consumer sees them one
// at a time and in order: OnConnected, then OnData, then at most one OnError.
// Chunks and OnConnected of a superseded attempt are dropped; an OnError
// reporting how an attempt ended is always delivered, ahead of anything the
// next attempt produces.
package link

import (
    "context"
    "errors"
    "io"
    "sync"

    "go.uber.org/zap"

    "bluetooth-serial/internal/connmgr"
    "bluetooth-serial/internal/transport"
)

var (
    // ErrNotConnected is returned by Send when no session is open.
    ErrNotConnected = errors.New("link: not connected")
    // ErrClosed is returned by every request after Close.
    ErrClosed = errors.New("link: controller closed")
)

// Callbacks receive the events of one connection attempt. Nil fields are ignored.
type Callbacks struct {
    OnConnected func()
    OnError     func(reason string)
    OnData      func(chunk string)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
    return func(c *Controller) {
        if l != nil {
            c.log = l
        }
    }
}

// WithSessionOptions sets the options used for every transport.Open.
func WithSessionOptions(o transport.Options) Option {
    return func(c *Controller) { c.sessOpts = o }
}

// Controller owns the ConnectionState and the at most one background worker of a link.
type Controller struct {
    adapter  transport.Adapter
    disp     Dispatcher
    log      *zap.Logger
    sessOpts transport.Options

    // opMu serializes requests so that one transition sequence is in flight at a time.
    opMu sync.Mutex

    mu       sync.Mutex
    state    State
    gen      uint64 // bumped whenever the current worker is superseded
    session  *transport.Session
    cancel   context.CancelFunc
    done     chan struct{} // closed when the current worker exits
    closed   bool
    watchers map[int]func(State)
    nextID   int
}

// New returns an idle controller opening sessions through a and delivering events through d.
func New(a transport.Adapter, d Dispatcher, opts ...Option) *Controller {
    c := &Controller{
        adapter:  a,
        disp:     d,
        log:      zap.NewNop(),
        watchers: make(map[int]func(State)),
    }
    for _, o := range opts {
        o(c)
    }
    c.log = c.log.Named("link")
    if c.sessOpts.Logger == nil {
        c.sessOpts.Logger = c.log
    }
    return c
}

// State returns the current state.
func (c *Controller) State() State {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.state
}

// Watch registers fn to be called on the dispatcher with every state change.
// The returned function unregisters it.
func (c *Controller) Watch(fn func(State)) (cancel func()) {
    c.mu.Lock()
    id := c.nextID
    c.nextID++
    c.watchers[id] = fn
    c.mu.Unlock()
    return func() {
        c.mu.Lock()
        delete(c.watchers, id)
        c.mu.Unlock()
    }
}

// RequestConnect tears down any current connection and starts connecting to peer.
// It returns once the attempt is started; the outcome is reported through cb.
func (c *Controller) RequestConnect(peer connmgr.Peer, cb Callbacks) error {
    c.opMu.Lock()
    defer c.opMu.Unlock()

    c.mu.Lock()
    closed := c.closed
    c.mu.Unlock()
    if closed {
        return ErrClosed
    }
    c.teardown()

    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan struct{})

    c.mu.Lock()
    c.gen++
    gen := c.gen
    c.cancel = cancel
    c.done = done
    c.setStateLocked(State{Kind: Connecting, Peer: peer})
    c.mu.Unlock()

    go c.run(ctx, cancel, gen, peer, cb, done)
    return nil
}

// RequestDisconnect closes the current session, if any, and returns to Idle.
// No OnError is delivered for a disconnect requested here. Calling it while idle is a no-op.
func (c *Controller) RequestDisconnect() {
    c.opMu.Lock()
    defer c.opMu.Unlock()
    c.teardown()
}

// Send writes p to the connected peer.
func (c *Controller) Send(p []byte) error {
    c.mu.Lock()
    sess := c.session
    kind := c.state.Kind
    c.mu.Unlock()
    if sess == nil || kind != Connected {
        return ErrNotConnected
    }
    return sess.Write(p)
}

// Close disconnects and rejects further requests. It does not stop the dispatcher.
func (c *Controller) Close() {
    c.opMu.Lock()
    defer c.opMu.Unlock()
    c.teardown()
    c.mu.Lock()
    c.closed = true
    c.mu.Unlock()
}

// teardown supersedes the current worker and waits for it to exit.
// Caller holds opMu.
func (c *Controller) teardown() {
    c.mu.Lock()
    active := c.state.Kind == Connecting || c.state.Kind == Connected
    if active {
        c.gen++
        c.setStateLocked(State{Kind: Disconnecting, Peer: c.state.Peer})
    }
    sess, cancel, done := c.session, c.cancel, c.done
    c.session, c.cancel, c.done = nil, nil, nil
    c.mu.Unlock()

    if cancel != nil {
        cancel()
    }
    if sess != nil {
        sess.Close()
    }
    if done != nil {
        <-done
    }
    if active {
        c.mu.Lock()
        c.setStateLocked(State{Kind: Idle})
        c.mu.Unlock()
    }
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, gen uint64, peer connmgr.Peer, cb Callbacks, done chan struct{}) {
    defer close(done)
    defer cancel()

    log := c.log.With(zap.String("peer", peer.Address()))
    sess, err := transport.Open(ctx, c.adapter, peer, c.sessOpts)

    c.mu.Lock()
    if c.gen != gen {
        c.mu.Unlock()
        if sess != nil {
            sess.Close()
        }
        log.Debug("connect superseded")
        return
    }
    if err != nil {
        reason := err.Error()
        log.Warn("connect failed", zap.Error(err))
        c.setStateLocked(State{Kind: Failed, Peer: peer, Reason: reason})
        c.postFinal(func() { call1(cb.OnError, reason) })
        c.mu.Unlock()
        return
    }
    c.session = sess
    c.setStateLocked(State{Kind: Connected, Peer: peer})
    c.post(gen, func() { call0(cb.OnConnected) })
    c.mu.Unlock()
    log.Info("connected", zap.String("name", sess.Peer().Label()))

    c.receive(gen, sess, peer, cb, log)
}

// receive pumps chunks from sess until it ends or the worker is superseded.
func (c *Controller) receive(gen uint64, sess *transport.Session, peer connmgr.Peer, cb Callbacks, log *zap.Logger) {
    for {
        data, err := sess.Read()
        if err == nil {
            chunk := string(data)
            log.Debug("chunk", zap.Int("bytes", len(data)))
            c.post(gen, func() { call1(cb.OnData, chunk) })
            continue
        }

        c.mu.Lock()
        if c.gen != gen {
            // Disconnect requested; teardown owns the session and the state.
            c.mu.Unlock()
            return
        }
        c.session = nil
        if errors.Is(err, io.EOF) {
            log.Info("peer closed the stream")
            c.setStateLocked(State{Kind: Disconnecting, Peer: peer})
            sess.Close()
            c.setStateLocked(State{Kind: Idle})
        } else {
            reason := err.Error()
            log.Warn("receive failed", zap.Error(err))
            c.postFinal(func() { call1(cb.OnError, reason) })
            c.setStateLocked(State{Kind: Disconnecting, Peer: peer})
            sess.Close()
            c.setStateLocked(State{Kind: Failed, Peer: peer, Reason: reason})
        }
        c.mu.Unlock()
        return
    }
}

// setStateLocked records s and notifies watchers. Caller holds mu.
func (c *Controller) setStateLocked(s State) {
    if !ValidTransition(c.state.Kind, s.Kind) {
        c.log.Error("invalid transition", zap.Stringer("from", c.state), zap.Stringer("to", s))
    }
    c.log.Info("state", zap.Stringer("from", c.state.Kind), zap.Stringer("to", s))
    c.state = s
    for _, w := range c.watchers {
        w := w
        c.disp.Post(func() { w(s) })
    }
}

// post delivers fn on the dispatcher unless the worker of gen has been superseded by then.
// The check runs at delivery time, so it is safe to call with mu held.
func (c *Controller) post(gen uint64, fn func()) {
    c.disp.Post(func() {
        c.mu.Lock()
        stale := c.gen != gen
        c.mu.Unlock()
        if !stale {
            fn()
        }
    })
}

// postFinal delivers the OnError that ends a generation. The generation was
// current when it failed, so the error is reported even if a later request
// supersedes it before the dispatcher gets to it. Caller holds mu.
func (c *Controller) postFinal(fn func()) {
    c.disp.Post(fn)
}

func call0(fn func()) {
    if fn != nil {
        fn()
    }
}

func call1(fn func(string), s string) {
    if fn != nil {
        fn(s)
    }
}
