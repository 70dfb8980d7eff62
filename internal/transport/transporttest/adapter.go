// Package transporttest provides an in-memory transport.Adapter whose peers
// are driven from tests through the remote end of a net.Pipe.
package transporttest

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net"
    "sync"
    "time"

    "bluetooth-serial/internal/connmgr"
)

// Adapter is a scripted transport.Adapter. The zero value is not usable; call NewAdapter.
type Adapter struct {
    mu        sync.Mutex
    dialErr   map[string]error
    hang      map[string]bool
    cancelErr error
    remotes   map[string]chan *Remote
    dials     []string
}

// NewAdapter returns an adapter where every dial succeeds.
func NewAdapter() *Adapter {
    return &Adapter{
        dialErr: make(map[string]error),
        hang:    make(map[string]bool),
        remotes: make(map[string]chan *Remote),
    }
}

// FailDial makes dials to addr fail with err.
func (a *Adapter) FailDial(addr string, err error) {
    a.mu.Lock()
    defer a.mu.Unlock()
    a.dialErr[addr] = err
}

// HangDial makes dials to addr block until their context ends.
func (a *Adapter) HangDial(addr string) {
    a.mu.Lock()
    defer a.mu.Unlock()
    a.hang[addr] = true
}

// FailCancelDiscovery makes CancelDiscovery return err.
func (a *Adapter) FailCancelDiscovery(err error) {
    a.mu.Lock()
    defer a.mu.Unlock()
    a.cancelErr = err
}

// Dials returns the addresses dialed so far, in order.
func (a *Adapter) Dials() []string {
    a.mu.Lock()
    defer a.mu.Unlock()
    return append([]string(nil), a.dials...)
}

func (a *Adapter) CancelDiscovery(ctx context.Context) error {
    a.mu.Lock()
    defer a.mu.Unlock()
    return a.cancelErr
}

func (a *Adapter) Dial(ctx context.Context, peer connmgr.Peer) (io.ReadWriteCloser, error) {
    addr := peer.Address()
    a.mu.Lock()
    a.dials = append(a.dials, addr)
    err, hang := a.dialErr[addr], a.hang[addr]
    ch := a.remoteChLocked(addr)
    a.mu.Unlock()

    if hang {
        <-ctx.Done()
        return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
    }
    if err != nil {
        return nil, err
    }
    local, remote := net.Pipe()
    c := &Conn{Conn: local}
    select {
    case ch <- &Remote{Conn: remote, Local: c}:
    default:
        // Nobody is collecting remotes for addr; the peer stays silent.
        go func() { _, _ = io.Copy(io.Discard, remote) }()
    }
    return c, nil
}

func (a *Adapter) remoteChLocked(addr string) chan *Remote {
    ch, ok := a.remotes[addr]
    if !ok {
        ch = make(chan *Remote, 16)
        a.remotes[addr] = ch
    }
    return ch
}

// ErrNoDial is returned by Next when no connection to the address shows up in time.
var ErrNoDial = errors.New("transporttest: no dial")

// Next returns the remote end of the next successful dial to addr.
func (a *Adapter) Next(addr string, timeout time.Duration) (*Remote, error) {
    a.mu.Lock()
    ch := a.remoteChLocked(addr)
    a.mu.Unlock()
    select {
    case r := <-ch:
        return r, nil
    case <-time.After(timeout):
        return nil, fmt.Errorf("%w to %s", ErrNoDial, addr)
    }
}

// Conn is the local end handed to the session. It records the close sequence.
type Conn struct {
    net.Conn

    mu     sync.Mutex
    calls  []string
    broken error
}

func (c *Conn) Read(p []byte) (int, error) {
    n, err := c.Conn.Read(p)
    if err != nil {
        c.mu.Lock()
        if c.broken != nil {
            err = c.broken
        }
        c.mu.Unlock()
    }
    return n, err
}

func (c *Conn) CloseRead() error  { c.record("close-read"); return nil }
func (c *Conn) CloseWrite() error { c.record("close-write"); return nil }

func (c *Conn) Close() error {
    c.record("close")
    return c.Conn.Close()
}

// Calls returns the close-related calls made on the conn, in order.
func (c *Conn) Calls() []string {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]string(nil), c.calls...)
}

func (c *Conn) record(call string) {
    c.mu.Lock()
    c.calls = append(c.calls, call)
    c.mu.Unlock()
}

// Remote is the peer side of a dialed connection.
type Remote struct {
    net.Conn
    Local *Conn
}

// Send writes s and blocks until the local side has read it.
func (r *Remote) Send(s string) error {
    _, err := r.Write([]byte(s))
    return err
}

// Hangup closes the stream gracefully; the local side reads io.EOF.
func (r *Remote) Hangup() error {
    return r.Conn.Close()
}

// Break drops the link; the local side reads err.
func (r *Remote) Break(err error) {
    r.Local.mu.Lock()
    r.Local.broken = err
    r.Local.mu.Unlock()
    _ = r.Conn.Close()
}
