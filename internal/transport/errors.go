package transport

import (
    "fmt"

    "bluetooth-serial/internal/connmgr"
)

// ConnectError reports a failed Open. No session state is retained.
type ConnectError struct {
    Peer connmgr.Peer
    Op   string // "cancel-discovery", "dial"
    Err  error
}

func (e *ConnectError) Error() string {
    return fmt.Sprintf("connect %s: %s: %v", e.Peer.Address(), e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IOError reports a failed read or write on an open session.
type IOError struct {
    Op  string // "read", "write"
    Err error
}

func (e *IOError) Error() string {
    return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
