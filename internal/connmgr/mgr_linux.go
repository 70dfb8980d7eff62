//go:build linux

package connmgr

import (
    "context"
    "errors"
    "fmt"
    "os"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/zap"
    "golang.org/x/sys/unix"
)

// New creates a new manager instance. A nil logger disables logging.
func New(log *zap.Logger) Mgr {
    if log == nil {
        log = zap.NewNop()
    }
    return &mgr{log: log.Named("connmgr")}
}

var pathCounter uint64

type mgr struct {
    log *zap.Logger

    mu     sync.Mutex
    closed bool

    bus *dbus.Conn

    // client profile, exported and registered on first Connect.
    cliProf *profile

    // cleanup functions to release resources in Close (executed once, in reverse order).
    cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
    if m.bus != nil {
        return nil
    }
    c, err := dbus.SystemBus()
    if err != nil {
        return fmt.Errorf("connmgr: connect system bus: %w", err)
    }
    m.bus = c
    // Close the bus last during cleanup.
    m.cleanup = append(m.cleanup, func() { m.bus.Close() })
    return nil
}

// busOrErr returns the system bus, connecting if needed.
func (m *mgr) busOrErr() (*dbus.Conn, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return nil, ErrClosed
    }
    if err := m.ensureBusLocked(); err != nil {
        return nil, err
    }
    return m.bus, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
    log *zap.Logger

    mu      sync.Mutex
    pending chan acceptResult // non-nil while a Connect is waiting
}

type acceptResult struct {
    fd   int
    peer Peer
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the fd owner closes the socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting Connect.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
    res := acceptResult{
        fd: int(fd),
        peer: Peer{
            Path: string(dev),
            MAC:  macFromPath(string(dev)),
        },
    }
    p.mu.Lock()
    ch := p.pending
    p.pending = nil
    p.mu.Unlock()

    if ch != nil {
        // Buffered with capacity 1 and handed out once; never blocks.
        ch <- res
        return nil
    }
    // No receiver; close FD and return a rejection to avoid leaks.
    p.log.Debug("rejecting unsolicited connection", zap.String("device", string(dev)))
    _ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
    return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
}

func (p *profile) arm() (chan acceptResult, error) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.pending != nil {
        return nil, errors.New("connmgr: connect already pending")
    }
    p.pending = make(chan acceptResult, 1)
    return p.pending, nil
}

func (p *profile) disarm(ch chan acceptResult) {
    p.mu.Lock()
    if p.pending == ch {
        p.pending = nil
    }
    p.mu.Unlock()
    // A connection may have raced in after the caller gave up.
    select {
    case res := <-ch:
        _ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
    default:
    }
}

func (m *mgr) BondedPeers(ctx context.Context) ([]Peer, error) {
    bus, err := m.busOrErr()
    if err != nil {
        return nil, err
    }
    objs, err := managedObjects(ctx, bus)
    if err != nil {
        return nil, err
    }
    out := make([]Peer, 0, len(objs))
    for path, ifaces := range objs {
        if p, ok := peerFromIfaces(path, ifaces); ok {
            out = append(out, p)
        }
    }
    m.log.Debug("bonded peers", zap.Int("count", len(out)))
    return out, nil
}

func (m *mgr) CancelDiscovery(ctx context.Context) error {
    bus, err := m.busOrErr()
    if err != nil {
        return err
    }
    objs, err := managedObjects(ctx, bus)
    if err != nil {
        return err
    }
    var first error
    for path, ifaces := range objs {
        props, ok := ifaces[adapterIface]
        if !ok {
            continue
        }
        if discovering, _ := variantValue[bool](props, "Discovering"); !discovering {
            continue
        }
        m.log.Debug("stopping discovery", zap.String("adapter", string(path)))
        if err := bus.Object(bluezService, path).CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err; err != nil && first == nil {
            first = fmt.Errorf("connmgr: StopDiscovery(%s): %w", path, err)
        }
    }
    return first
}

func (m *mgr) Connect(ctx context.Context, peer Peer) (fd int, err error) {
    if peer.Path == "" {
        return 0, errors.New("connmgr: device path required")
    }
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return 0, ErrClosed
    }
    if err := m.ensureBusLocked(); err != nil {
        m.mu.Unlock()
        return 0, err
    }

    // Export Profile1 for client role once.
    if m.cliProf == nil {
        prof := &profile{log: m.log}
        // Unique client path per instance.
        id := atomic.AddUint64(&pathCounter, 1)
        path := dbus.ObjectPath("/org/bluetooth_serial/connmgr/client/p" + strconv.FormatUint(id, 10))
        if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
            m.mu.Unlock()
            return 0, fmt.Errorf("connmgr: export client profile: %w", err)
        }
        pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
        optsMap := map[string]dbus.Variant{
            "Role": dbus.MakeVariant("client"),
        }
        if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SerialPortUUID.String(), optsMap); call.Err != nil {
            _ = m.bus.Export(nil, path, profileInterfaceName)
            m.mu.Unlock()
            return 0, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
        }
        bus := m.bus
        // Unregister client profile on close.
        m.cleanup = append(m.cleanup, func() {
            _ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
            _ = bus.Export(nil, path, profileInterfaceName)
        })
        m.cliProf = prof
    }
    prof := m.cliProf
    bus := m.bus
    m.mu.Unlock()

    ch, err := prof.arm()
    if err != nil {
        return 0, err
    }
    defer prof.disarm(ch)

    devObj := bus.Object(bluezService, dbus.ObjectPath(peer.Path))
    var pairedVar dbus.Variant
    if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err != nil {
        return 0, fmt.Errorf("connmgr: device %s: %w", peer.Path, call.Err)
    } else if err := call.Store(&pairedVar); err != nil {
        return 0, fmt.Errorf("connmgr: decode Paired: %w", err)
    }
    if b, ok := pairedVar.Value().(bool); ok && !b {
        return 0, fmt.Errorf("connmgr: device %s is not paired", peer.Address())
    }

    m.log.Debug("ConnectProfile", zap.String("device", peer.Path))
    if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SerialPortUUID.String()); call.Err != nil {
        if ctx.Err() != nil {
            return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
        }
        return 0, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
    }

    select {
    case <-ctx.Done():
        return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
    case res := <-ch:
        return res.fd, nil
    }
}

// dialPollInterval bounds how long a cancelled DialRFCOMM can linger.
const dialPollInterval = 100 * time.Millisecond

func (m *mgr) DialRFCOMM(ctx context.Context, mac string, channel uint8) (int, error) {
    m.mu.Lock()
    closed := m.closed
    m.mu.Unlock()
    if closed {
        return 0, ErrClosed
    }
    octets, err := parseMAC(mac)
    if err != nil {
        return 0, err
    }
    // bdaddr_t is little-endian.
    var addr [6]uint8
    for i := range octets {
        addr[i] = octets[5-i]
    }

    fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
    if err != nil {
        return 0, fmt.Errorf("connmgr: rfcomm socket: %w", err)
    }
    ok := false
    defer func() {
        if !ok {
            _ = unix.Close(fd)
        }
    }()

    m.log.Debug("rfcomm connect", zap.String("mac", mac), zap.Uint8("channel", channel))
    err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
    switch {
    case err == nil:
    case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EAGAIN):
        if err := waitWritable(ctx, fd); err != nil {
            return 0, err
        }
        soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
        if err != nil {
            return 0, fmt.Errorf("connmgr: rfcomm connect %s: %w", mac, err)
        }
        if soErr != 0 {
            return 0, fmt.Errorf("connmgr: rfcomm connect %s: %w", mac, unix.Errno(soErr))
        }
    default:
        return 0, fmt.Errorf("connmgr: rfcomm connect %s: %w", mac, err)
    }
    ok = true
    return fd, nil
}

func waitWritable(ctx context.Context, fd int) error {
    fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
    for {
        if err := ctx.Err(); err != nil {
            return fmt.Errorf("connmgr: connect canceled: %w", err)
        }
        n, err := unix.Poll(fds, int(dialPollInterval/time.Millisecond))
        if err != nil {
            if errors.Is(err, unix.EINTR) {
                continue
            }
            return fmt.Errorf("connmgr: poll: %w", err)
        }
        if n > 0 {
            return nil
        }
    }
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    cleanup := m.cleanup
    // Clear to allow GC of captured resources.
    m.cleanup = nil
    m.mu.Unlock()

    // Run cleanup outside the lock in reverse order of registration.
    for i := len(cleanup) - 1; i >= 0; i-- {
        if cleanup[i] != nil {
            cleanup[i]()
        }
    }
    return nil
}

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
    obj := bus.Object(bluezService, dbus.ObjectPath("/"))
    var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
    if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
        return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
    } else if err := call.Store(&objs); err != nil {
        return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
    }
    return objs, nil
}
