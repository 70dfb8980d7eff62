//go:build !linux

package transport

import (
    "io"

    "bluetooth-serial/internal/connmgr"
)

func newFDConn(int, string) (io.ReadWriteCloser, error) {
    return nil, connmgr.ErrUnsupported
}
