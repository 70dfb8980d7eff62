//go:build linux

package transport

import (
    "fmt"
    "io"
    "os"

    "golang.org/x/sys/unix"
)

// fdConn is an RFCOMM socket handed over as a raw descriptor.
// The descriptor is switched to non-blocking mode so that the runtime poller
// owns it and Close wakes up a goroutine parked in Read.
type fdConn struct {
    *os.File
}

func newFDConn(fd int, name string) (io.ReadWriteCloser, error) {
    if err := unix.SetNonblock(fd, true); err != nil {
        _ = unix.Close(fd)
        return nil, fmt.Errorf("transport: set non-blocking: %w", err)
    }
    return &fdConn{File: os.NewFile(uintptr(fd), name)}, nil
}

func (c *fdConn) CloseRead() error  { return c.shutdown(unix.SHUT_RD) }
func (c *fdConn) CloseWrite() error { return c.shutdown(unix.SHUT_WR) }

func (c *fdConn) shutdown(how int) error {
    rc, err := c.File.SyscallConn()
    if err != nil {
        return err
    }
    var serr error
    if err := rc.Control(func(fd uintptr) { serr = unix.Shutdown(int(fd), how) }); err != nil {
        return err
    }
    return serr
}
