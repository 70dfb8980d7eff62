package transport

import (
    "context"
    "fmt"
    "io"
    "strings"

    "bluetooth-serial/internal/connmgr"
)

// Backend selects how the RFCOMM channel is reached.
type Backend string

const (
    // BackendBlueZ resolves the serial port service through bluetoothd (SDP by UUID).
    BackendBlueZ Backend = "bluez"
    // BackendSocket dials a fixed RFCOMM channel directly.
    BackendSocket Backend = "socket"
)

// ParseBackend accepts "bluez" or "socket", case-insensitively.
func ParseBackend(s string) (Backend, error) {
    switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
    case BackendBlueZ, BackendSocket:
        return b, nil
    default:
        return "", fmt.Errorf("transport: unknown backend %q", s)
    }
}

// BlueZAdapter is the Adapter backed by a connmgr.Mgr.
type BlueZAdapter struct {
    mgr     connmgr.Mgr
    backend Backend
    channel uint8
}

// NewBlueZAdapter returns an adapter dialing through m. channel is only used by BackendSocket.
func NewBlueZAdapter(m connmgr.Mgr, backend Backend, channel uint8) *BlueZAdapter {
    if channel == 0 {
        channel = connmgr.DefaultRFCOMMChannel
    }
    return &BlueZAdapter{mgr: m, backend: backend, channel: channel}
}

func (a *BlueZAdapter) CancelDiscovery(ctx context.Context) error {
    return a.mgr.CancelDiscovery(ctx)
}

func (a *BlueZAdapter) Dial(ctx context.Context, peer connmgr.Peer) (io.ReadWriteCloser, error) {
    var (
        fd  int
        err error
    )
    switch a.backend {
    case BackendSocket:
        fd, err = a.mgr.DialRFCOMM(ctx, peer.Address(), a.channel)
    default:
        fd, err = a.mgr.Connect(ctx, peer)
    }
    if err != nil {
        return nil, err
    }
    return newFDConn(fd, "rfcomm:"+peer.Address())
}
