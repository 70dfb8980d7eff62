package connmgr

import (
    "fmt"
    "strconv"
    "strings"

    dbus "github.com/godbus/dbus/v5"
    "github.com/google/uuid"
)

const (
    bluezService         = "org.bluez"
    profileInterfaceName = "org.bluez.Profile1"
    profileManagerIface  = "org.bluez.ProfileManager1"
    deviceIface          = "org.bluez.Device1"
    adapterIface         = "org.bluez.Adapter1"
    objManagerIface      = "org.freedesktop.DBus.ObjectManager"
    propsIface           = "org.freedesktop.DBus.Properties"
)

// peerFromIfaces extracts a bonded SPP peer from a GetManagedObjects entry.
func peerFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Peer, bool) {
    props, ok := ifaces[deviceIface]
    if !ok {
        return Peer{}, false
    }
    if paired, _ := variantValue[bool](props, "Paired"); !paired {
        return Peer{}, false
    }
    uu, _ := variantValue[[]string](props, "UUIDs")
    if !containsUUID(uu, SerialPortUUID) {
        return Peer{}, false
    }
    mac, _ := variantValue[string](props, "Address")
    name, _ := variantValue[string](props, "Name")
    alias, _ := variantValue[string](props, "Alias")
    if mac == "" {
        mac = macFromPath(string(path))
    }
    return Peer{
        Path:  string(path),
        MAC:   mac,
        Name:  name,
        Alias: alias,
    }, true
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
    var zero T
    v, ok := props[key]
    if !ok {
        return zero, false
    }
    t, ok := v.Value().(T)
    return t, ok
}

// containsUUID reports whether any entry of list parses to target.
// Entries that are not UUIDs are skipped.
func containsUUID(list []string, target uuid.UUID) bool {
    for _, s := range list {
        u, err := uuid.Parse(s)
        if err == nil && u == target {
            return true
        }
    }
    return false
}

func macFromPath(p string) string {
    // Expect .../dev_XX_XX_XX_XX_XX_XX
    idx := strings.LastIndex(p, "/dev_")
    if idx < 0 {
        return ""
    }
    return strings.ReplaceAll(p[idx+5:], "_", ":")
}

// parseMAC parses "AA:BB:CC:DD:EE:FF" into its six octets in textual order.
func parseMAC(s string) ([6]byte, error) {
    var out [6]byte
    parts := strings.Split(s, ":")
    if len(parts) != 6 {
        return out, fmt.Errorf("connmgr: invalid address %q", s)
    }
    for i, p := range parts {
        if len(p) != 2 {
            return out, fmt.Errorf("connmgr: invalid address %q", s)
        }
        b, err := strconv.ParseUint(p, 16, 8)
        if err != nil {
            return out, fmt.Errorf("connmgr: invalid address %q: %w", s, err)
        }
        out[i] = byte(b)
    }
    return out, nil
}
