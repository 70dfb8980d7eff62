// Terminal for an HC-05 style serial link (Linux, BlueZ).
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on and the module already paired: `bluetoothctl pair XX:XX:XX:XX:XX:XX`.
// - Registering the client profile usually requires sudo.
//
// Usage
// 1) List bonded serial port peers:
//     hc05-term --list
// 2) Pick a bonded peer interactively and print what it sends:
//     sudo hc05-term
// 3) Connect directly, by address or BlueZ object path:
//     sudo hc05-term --peer 98:D3:31:F5:A1:0C
// 4) Skip SDP and dial RFCOMM channel 1 directly:
//     hc05-term --backend socket --channel 1 --peer 98:D3:31:F5:A1:0C
//
// Lines typed on stdin are sent to the peer (with --line-ending appended).
// Ctrl-C disconnects. Settings may also come from hc05.yaml or HC05_* variables.
package main

import (
    "bufio"
    "context"
    "errors"
    "fmt"
    "os"
    "os/signal"
    "strconv"
    "strings"
    "syscall"

    flag "github.com/spf13/pflag"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"
    "golang.org/x/term"

    "bluetooth-serial/internal/config"
    "bluetooth-serial/internal/connmgr"
    "bluetooth-serial/internal/link"
    "bluetooth-serial/internal/observability"
    "bluetooth-serial/internal/transport"
)

func main() {
    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    if err := run(ctx, os.Args[1:]); err != nil {
        fmt.Fprintf(os.Stderr, "hc05-term: %v\n", err)
        os.Exit(1)
    }
}

type options struct {
    configPath string
    list       bool
    stdin      bool
    send       string
    lineEnding string
}

func run(ctx context.Context, args []string) error {
    var o options
    fs := flag.NewFlagSet("hc05-term", flag.ContinueOnError)
    fs.StringVar(&o.configPath, "config", "", "Config file (default: hc05.yaml in ., ./configs, ~/.hc05)")
    fs.BoolVar(&o.list, "list", false, "List bonded serial port peers and exit")
    fs.StringP("peer", "d", "", "Peer address or BlueZ object path (prompt if empty)")
    fs.String("backend", "bluez", "Connect backend: bluez|socket")
    fs.Int("channel", int(connmgr.DefaultRFCOMMChannel), "RFCOMM channel (socket backend)")
    fs.Duration("timeout", 0, "Connect timeout (default from config, 30s)")
    fs.Int("buffer", transport.DefaultReadBuffer, "Read buffer size")
    fs.String("log-level", "info", "Log level: debug|info|warn|error")
    fs.Bool("log-json", false, "Log as JSON")
    fs.BoolVar(&o.stdin, "stdin", true, "Forward stdin lines to the peer")
    fs.StringVar(&o.send, "send", "", "Send this text once connected")
    fs.StringVar(&o.lineEnding, "line-ending", "\r\n", "Appended to every line sent from stdin")
    if err := fs.Parse(args); err != nil {
        return err
    }

    cfg, err := config.Load(o.configPath, fs)
    if err != nil {
        return err
    }
    log, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        return err
    }
    defer func() { _ = log.Sync() }()

    m := connmgr.New(log)
    defer func() {
        if err := m.Close(); err != nil {
            log.Warn("close", zap.Error(err))
        }
    }()

    if o.list {
        return runList(ctx, m)
    }

    peer, err := resolvePeer(ctx, m, cfg.Link)
    if err != nil {
        return err
    }
    backend, err := transport.ParseBackend(cfg.Link.Backend)
    if err != nil {
        return err
    }
    adapter := transport.NewBlueZAdapter(m, backend, uint8(cfg.Link.Channel))
    return runLink(ctx, log, adapter, peer, cfg.Link, o)
}

func runList(ctx context.Context, m connmgr.Mgr) error {
    peers, err := m.BondedPeers(ctx)
    if err != nil {
        return err
    }
    if len(peers) == 0 {
        fmt.Println("no bonded serial port peers")
        return nil
    }
    for i, p := range peers {
        fmt.Printf("[%d] %s (%s) %s\n", i, p.Label(), p.Address(), p.Path)
    }
    return nil
}

// resolvePeer finds the configured peer among the bonded ones, or lets the user pick.
func resolvePeer(ctx context.Context, m connmgr.Mgr, lc config.LinkConfig) (connmgr.Peer, error) {
    peers, err := m.BondedPeers(ctx)
    if err != nil && !(lc.Backend == string(transport.BackendSocket) && lc.Peer != "") {
        return connmgr.Peer{}, err
    }
    if lc.Peer != "" {
        for _, p := range peers {
            if strings.EqualFold(p.Address(), lc.Peer) || p.Path == lc.Peer {
                return p, nil
            }
        }
        if lc.Backend == string(transport.BackendSocket) {
            return connmgr.Peer{MAC: strings.ToUpper(lc.Peer)}, nil
        }
        return connmgr.Peer{}, fmt.Errorf("%s is not a bonded serial port peer", lc.Peer)
    }
    if len(peers) == 0 {
        return connmgr.Peer{}, errors.New("no bonded serial port peers; pair the module first")
    }
    if !term.IsTerminal(int(os.Stdin.Fd())) {
        return connmgr.Peer{}, errors.New("--peer is required when stdin is not a terminal")
    }
    for i, p := range peers {
        fmt.Printf("[%d] %s (%s)\n", i, p.Label(), p.Address())
    }
    fmt.Print("Choose index: ")
    i, err := readIndex(len(peers))
    if err != nil {
        return connmgr.Peer{}, err
    }
    return peers[i], nil
}

func runLink(ctx context.Context, log *zap.Logger, a transport.Adapter, peer connmgr.Peer, lc config.LinkConfig, o options) error {
    looper := link.NewLooper()
    ctrl := link.New(a, looper,
        link.WithLogger(log),
        link.WithSessionOptions(transport.Options{
            ReadBuffer:     lc.ReadBuffer,
            ConnectTimeout: lc.ConnectTimeout,
        }),
    )

    // Written on the looper, read after it stopped.
    var (
        status  statusView
        failure error
    )
    ctrl.Watch(func(s link.State) {
        line, done := status.update(s)
        if line != "" {
            fmt.Fprintln(os.Stderr, line)
        }
        if s.Kind == link.Failed {
            failure = errors.New(s.Reason)
        }
        if done {
            looper.Quit()
        }
    })

    out := bufio.NewWriter(os.Stdout)
    cb := link.Callbacks{
        OnConnected: func() {
            if o.send != "" {
                go sendLine(log, ctrl, o.send)
            }
            if o.stdin {
                go pumpStdin(log, ctrl, o.lineEnding)
            }
        },
        OnData: func(chunk string) {
            _, _ = out.WriteString(chunk)
            _ = out.Flush()
        },
        OnError: func(reason string) {
            log.Debug("link error", zap.String("reason", reason))
        },
    }
    if err := ctrl.RequestConnect(peer, cb); err != nil {
        return err
    }

    stopped := make(chan struct{})
    var g errgroup.Group
    g.Go(func() error {
        defer close(stopped)
        // Not bound to ctx: after a signal the looper still prints the final states.
        return looper.Run(context.Background())
    })
    g.Go(func() error {
        select {
        case <-ctx.Done():
        case <-stopped:
        }
        ctrl.Close()
        looper.Quit()
        return nil
    })
    if err := g.Wait(); err != nil {
        return err
    }
    return failure
}

// statusView turns state changes into the status lines printed on stderr.
type statusView struct {
    connected bool // the current attempt got as far as Connected
}

// update returns the line to print for s, if any, and whether the link is over.
func (v *statusView) update(s link.State) (line string, done bool) {
    switch s.Kind {
    case link.Connecting:
        v.connected = false
        return "Connecting to " + s.Peer.Label(), false
    case link.Connected:
        v.connected = true
        return "Connected to " + s.Peer.Label(), false
    case link.Failed:
        if v.connected {
            return "Connection lost: " + s.Reason, true
        }
        return "Failed to connect: " + s.Reason, true
    case link.Idle:
        return "Disconnected", true
    }
    return "", false
}

func sendLine(log *zap.Logger, ctrl *link.Controller, s string) {
    if err := ctrl.Send([]byte(s)); err != nil {
        log.Warn("send", zap.Error(err))
    }
}

func pumpStdin(log *zap.Logger, ctrl *link.Controller, ending string) {
    sc := bufio.NewScanner(os.Stdin)
    for sc.Scan() {
        if err := ctrl.Send([]byte(sc.Text() + ending)); err != nil {
            if errors.Is(err, link.ErrNotConnected) {
                return
            }
            log.Warn("send", zap.Error(err))
        }
    }
}

func readIndex(n int) (int, error) {
    r := bufio.NewReader(os.Stdin)
    for {
        line, rerr := r.ReadString('\n')
        i, err := strconv.Atoi(strings.TrimSpace(line))
        if err == nil && i >= 0 && i < n {
            return i, nil
        }
        if rerr != nil {
            return 0, fmt.Errorf("read choice: %w", rerr)
        }
        fmt.Printf("enter 0..%d: ", n-1)
    }
}
