// Package connmgr is the platform capability behind a serial link,
// responsible for enumerating bonded SPP peers and preparing Unix FDs for
// RFCOMM connections via BlueZ D-Bus or a raw RFCOMM socket.
//
// Thread-safety: BondedPeers, CancelDiscovery and DialRFCOMM may be called
// concurrently. Connect calls must be serialized by the caller (one pending
// connection per manager). Close is safe to call concurrently and is idempotent.
package connmgr

import (
    "context"
    "errors"

    "github.com/google/uuid"
)

// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

// SerialPortUUID is SPPUUID in parsed form.
var SerialPortUUID = uuid.MustParse(SPPUUID)

// DefaultRFCOMMChannel is the channel HC-05 style modules expose their serial service on.
const DefaultRFCOMMChannel uint8 = 1

var (
    // ErrClosed is returned by every operation after Close.
    ErrClosed = errors.New("connmgr: closed")
    // ErrUnsupported is returned on platforms without BlueZ.
    ErrUnsupported = errors.New("connmgr: bluetooth not supported on this platform")
)

// Peer represents the minimum information needed to display and connect.
//
// Path is required for the BlueZ backend, MAC for the socket backend.
type Peer struct {
    Path  string // D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
    MAC   string // Bluetooth device address
    Name  string // optional: Device1.Name
    Alias string // optional: Device1.Alias
}

// Label returns the human-readable name of the peer.
func (p Peer) Label() string {
    switch {
    case p.Name != "":
        return p.Name
    case p.Alias != "":
        return p.Alias
    default:
        return p.MAC
    }
}

// Address returns the MAC, resolving it from Path when absent.
func (p Peer) Address() string {
    if p.MAC != "" {
        return p.MAC
    }
    return macFromPath(p.Path)
}

// Mgr is the single public interface for peer enumeration and connections.
// Responsibilities end at preparing FDs for the caller; reconnect is out of scope.
type Mgr interface {
    // BondedPeers returns a snapshot of paired devices advertising SPPUUID.
    // No discovery is started; pairing is handled outside this package.
    // Contract:
    //   - Each returned Peer has a non-empty Path and MAC.
    //   - After Close returns ErrClosed.
    BondedPeers(ctx context.Context) ([]Peer, error)

    // CancelDiscovery stops discovery on every adapter currently discovering.
    // Adapters that are idle are left alone.
    CancelDiscovery(ctx context.Context) error

    // Connect initiates an outgoing SPP connection to the given peer.
    // A client-side profile (Role="client") is registered on first use.
    // It then waits for Profile1.NewConnection to obtain an FD. The returned FD is owned by the caller.
    // State/usage constraints:
    //   - peer.Path must be non-empty; if empty, returns an error immediately.
    //   - Only one Connect may be pending at a time; a concurrent call returns an error.
    // Error policy:
    //   - Context cancellation and deadlines are propagated: errors wrapping context.Canceled or
    //     context.DeadlineExceeded may be returned.
    Connect(ctx context.Context, peer Peer) (fd int, err error)

    // DialRFCOMM opens a raw RFCOMM socket to mac on the given channel, bypassing
    // SDP resolution. Cancelling ctx aborts the blocking connect.
    DialRFCOMM(ctx context.Context, mac string, channel uint8) (fd int, err error)

    // Close releases resources held by the manager (e.g., D-Bus objects, the bus connection).
    // Contract:
    //   - Safe for concurrent use; redundant calls are allowed (idempotent).
    //   - After Close, all other methods return ErrClosed.
    Close() error
}
