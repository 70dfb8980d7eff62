// Package transport owns an open RFCOMM byte stream to a single peer.
//
// A Session is created by Open and exclusively owned by its caller. Read is
// meant for a single reader goroutine; Write and Close may be called from any
// goroutine. Close unblocks a pending Read, which then returns io.EOF.
package transport

import (
    "context"
    "errors"
    "io"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/multierr"
    "go.uber.org/zap"

    "bluetooth-serial/internal/connmgr"
)

// DefaultReadBuffer is the largest chunk a single Read returns.
const DefaultReadBuffer = 1024

// Adapter is the platform capability sessions are opened through.
type Adapter interface {
    // CancelDiscovery stops any ongoing peer discovery, which would slow the connect down.
    CancelDiscovery(ctx context.Context) error
    // Dial performs a blocking connect to the serial port service of peer.
    Dial(ctx context.Context, peer connmgr.Peer) (io.ReadWriteCloser, error)
}

// Options tunes Open. The zero value is usable.
type Options struct {
    // ReadBuffer caps the size of one chunk. Defaults to DefaultReadBuffer.
    ReadBuffer int
    // ConnectTimeout bounds discovery cancellation plus dial. Zero means ctx alone decides.
    ConnectTimeout time.Duration
    Logger         *zap.Logger
}

// Session is an open duplex stream to one peer.
type Session struct {
    peer connmgr.Peer
    conn io.ReadWriteCloser
    log  *zap.Logger
    buf  []byte

    wmu sync.Mutex

    closed    atomic.Bool
    closeOnce sync.Once
}

type halfCloser interface {
    CloseRead() error
    CloseWrite() error
}

// Open cancels discovery and connects to peer. On failure the returned error is
// a *ConnectError and nothing needs releasing.
func Open(ctx context.Context, a Adapter, peer connmgr.Peer, opts Options) (*Session, error) {
    log := opts.Logger
    if log == nil {
        log = zap.NewNop()
    }
    log = log.Named("transport").With(zap.String("peer", peer.Address()))
    size := opts.ReadBuffer
    if size <= 0 {
        size = DefaultReadBuffer
    }
    if opts.ConnectTimeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
        defer cancel()
    }

    if err := a.CancelDiscovery(ctx); err != nil {
        return nil, &ConnectError{Peer: peer, Op: "cancel-discovery", Err: err}
    }
    conn, err := a.Dial(ctx, peer)
    if err != nil {
        return nil, &ConnectError{Peer: peer, Op: "dial", Err: err}
    }
    log.Debug("session open", zap.Int("buffer", size))
    return &Session{
        peer: peer,
        conn: conn,
        log:  log,
        buf:  make([]byte, size),
    }, nil
}

// Peer returns the peer the session is connected to.
func (s *Session) Peer() connmgr.Peer { return s.peer }

// Read blocks until some bytes are available and returns them as a fresh slice.
// It makes no attempt to assemble messages. io.EOF is returned when the peer
// closes the stream or the session was closed locally; any other failure is an *IOError.
func (s *Session) Read() ([]byte, error) {
    for {
        n, err := s.conn.Read(s.buf)
        if n > 0 {
            out := make([]byte, n)
            copy(out, s.buf[:n])
            return out, nil
        }
        switch {
        case err == nil:
            continue
        case s.closed.Load(), errors.Is(err, io.EOF):
            return nil, io.EOF
        default:
            return nil, &IOError{Op: "read", Err: err}
        }
    }
}

// Write sends p in full.
func (s *Session) Write(p []byte) error {
    if s.closed.Load() {
        return &IOError{Op: "write", Err: io.ErrClosedPipe}
    }
    s.wmu.Lock()
    defer s.wmu.Unlock()
    if _, err := s.conn.Write(p); err != nil {
        return &IOError{Op: "write", Err: err}
    }
    return nil
}

// Close shuts the read side, the write side and then the connection.
// It is idempotent and never fails; close-time errors are only logged.
func (s *Session) Close() {
    s.closeOnce.Do(func() {
        s.closed.Store(true)
        var err error
        if hc, ok := s.conn.(halfCloser); ok {
            err = multierr.Append(err, hc.CloseRead())
            err = multierr.Append(err, hc.CloseWrite())
        }
        err = multierr.Append(err, s.conn.Close())
        if err != nil {
            s.log.Debug("close", zap.Error(err))
        }
        s.log.Debug("session closed")
    })
}
