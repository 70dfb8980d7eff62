package link

import (
    "context"
    "errors"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"

    "bluetooth-serial/internal/connmgr"
    "bluetooth-serial/internal/transport"
    "bluetooth-serial/internal/transport/transporttest"
)

const waitFor = 2 * time.Second

var (
    peerAB = connmgr.Peer{MAC: "AA:BB", Name: "scale"}
    peerCD = connmgr.Peer{MAC: "CC:DD"}
    peerEF = connmgr.Peer{MAC: "EE:FF"}
)

// recorder is a consumer whose callbacks run on the looper.
type recorder struct {
    events chan string

    mu     sync.Mutex
    states []State
}

func (r *recorder) callbacks() Callbacks {
    return Callbacks{
        OnConnected: func() { r.events <- "connected" },
        OnError:     func(reason string) { r.events <- "error:" + reason },
        OnData:      func(chunk string) { r.events <- "data:" + chunk },
    }
}

func (r *recorder) next(t *testing.T) string {
    t.Helper()
    select {
    case ev := <-r.events:
        return ev
    case <-time.After(waitFor):
        t.Fatal("no event delivered")
        return ""
    }
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
    t.Helper()
    select {
    case ev := <-r.events:
        t.Fatalf("unexpected event %q", ev)
    case <-time.After(d):
    }
}

func (r *recorder) trace() []State {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]State(nil), r.states...)
}

func (r *recorder) kinds() []Kind {
    var out []Kind
    for _, s := range r.trace() {
        out = append(out, s.Kind)
    }
    return out
}

func newController(t *testing.T, a transport.Adapter, opts ...Option) (*Controller, *recorder) {
    t.Helper()
    l := NewLooper()
    ctx, cancel := context.WithCancel(context.Background())
    go func() { _ = l.Run(ctx) }()
    t.Cleanup(cancel)

    opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
    c := New(a, l, opts...)
    t.Cleanup(c.Close)

    rec := &recorder{events: make(chan string, 64)}
    c.Watch(func(s State) {
        rec.mu.Lock()
        rec.states = append(rec.states, s)
        rec.mu.Unlock()
    })
    return c, rec
}

func waitState(t *testing.T, c *Controller, k Kind) {
    t.Helper()
    require.Eventually(t, func() bool { return c.State().Kind == k }, waitFor, 5*time.Millisecond,
        "state never became %s, is %s", k, c.State())
}

func assertValidTrace(t *testing.T, trace []State) {
    t.Helper()
    prev := Idle
    for i, s := range trace {
        assert.True(t, ValidTransition(prev, s.Kind), "step %d: %s -> %s", i, prev, s.Kind)
        prev = s.Kind
    }
}

func connect(t *testing.T, c *Controller, a *transporttest.Adapter, rec *recorder, p connmgr.Peer) *transporttest.Remote {
    t.Helper()
    require.NoError(t, c.RequestConnect(p, rec.callbacks()))
    r, err := a.Next(p.MAC, waitFor)
    require.NoError(t, err)
    require.Equal(t, "connected", rec.next(t))
    return r
}

func TestController_ConnectAndReceive(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)

    r := connect(t, c, a, rec, peerAB)
    assert.Equal(t, State{Kind: Connected, Peer: peerAB}, c.State())

    require.NoError(t, r.Send("12.3\n"))
    require.NoError(t, r.Send("45.6\n"))
    assert.Equal(t, "data:12.3\n", rec.next(t))
    assert.Equal(t, "data:45.6\n", rec.next(t))
    assert.Equal(t, []string{"AA:BB"}, a.Dials())
}

func TestController_ConnectTimeout(t *testing.T) {
    a := transporttest.NewAdapter()
    a.HangDial(peerCD.MAC)
    c, rec := newController(t, a, WithSessionOptions(transport.Options{ConnectTimeout: 50 * time.Millisecond}))

    require.NoError(t, c.RequestConnect(peerCD, rec.callbacks()))
    ev := rec.next(t)
    assert.True(t, strings.HasPrefix(ev, "error:"), ev)
    assert.Contains(t, ev, "deadline exceeded")
    rec.quiet(t, 50*time.Millisecond)

    st := c.State()
    assert.Equal(t, Failed, st.Kind)
    assert.NotEmpty(t, st.Reason)
}

func TestController_ConnectRefused(t *testing.T) {
    a := transporttest.NewAdapter()
    a.FailDial(peerCD.MAC, errors.New("host is down"))
    c, rec := newController(t, a)

    require.NoError(t, c.RequestConnect(peerCD, rec.callbacks()))
    assert.Equal(t, "error:connect CC:DD: dial: host is down", rec.next(t))
    waitState(t, c, Failed)
    assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
}

func TestController_PeerDropsLink(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    r := connect(t, c, a, rec, peerAB)

    require.NoError(t, r.Send("1"))
    assert.Equal(t, "data:1", rec.next(t))

    r.Break(errors.New("connection reset by peer"))
    assert.Equal(t, "error:read: connection reset by peer", rec.next(t))
    rec.quiet(t, 50*time.Millisecond)

    waitState(t, c, Failed)
    assert.Equal(t, "read: connection reset by peer", c.State().Reason)
    assert.Contains(t, r.Local.Calls(), "close")
}

func TestController_PeerHangupIsNotAnError(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    r := connect(t, c, a, rec, peerAB)

    require.NoError(t, r.Hangup())
    waitState(t, c, Idle)
    rec.quiet(t, 50*time.Millisecond)
    assert.Contains(t, r.Local.Calls(), "close")
}

func TestController_DisconnectWhileReading(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    r := connect(t, c, a, rec, peerAB)

    done := make(chan struct{})
    go func() {
        c.RequestDisconnect()
        close(done)
    }()
    select {
    case <-done:
    case <-time.After(waitFor):
        t.Fatal("RequestDisconnect hung on the pending read")
    }

    assert.Equal(t, State{Kind: Idle}, c.State())
    assert.Equal(t, []string{"close-read", "close-write", "close"}, r.Local.Calls())
    rec.quiet(t, 50*time.Millisecond)
}

func TestController_DisconnectWhileConnecting(t *testing.T) {
    a := transporttest.NewAdapter()
    a.HangDial(peerCD.MAC)
    c, rec := newController(t, a)

    require.NoError(t, c.RequestConnect(peerCD, rec.callbacks()))
    require.Eventually(t, func() bool { return len(a.Dials()) == 1 }, waitFor, 5*time.Millisecond)
    c.RequestDisconnect()

    assert.Equal(t, Idle, c.State().Kind)
    rec.quiet(t, 50*time.Millisecond)
}

func TestController_DisconnectWhenIdle(t *testing.T) {
    c, rec := newController(t, transporttest.NewAdapter())
    c.RequestDisconnect()
    c.RequestDisconnect()
    assert.Equal(t, Idle, c.State().Kind)
    rec.quiet(t, 20*time.Millisecond)
    assert.Empty(t, rec.trace())
}

func TestController_SwitchPeer(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    old := connect(t, c, a, rec, peerAB)

    // Keep the old peer chattering while the switch happens.
    stop := make(chan struct{})
    go func() {
        for {
            select {
            case <-stop:
                return
            default:
            }
            if old.Send("old") != nil {
                return
            }
        }
    }()
    defer close(stop)

    require.NoError(t, c.RequestConnect(peerEF, rec.callbacks()))
    assert.Contains(t, old.Local.Calls(), "close")

    nr, err := a.Next(peerEF.MAC, waitFor)
    require.NoError(t, err)

    // Old chunks queued before the switch may be dropped but never follow the new connect.
    for {
        ev := rec.next(t)
        if ev == "connected" {
            break
        }
        assert.Equal(t, "data:old", ev)
    }
    require.NoError(t, nr.Send("new"))
    assert.Equal(t, "data:new", rec.next(t))

    require.Eventually(t, func() bool {
        k := rec.kinds()
        return len(k) > 0 && k[len(k)-1] == Connected
    }, waitFor, 5*time.Millisecond)
    trace := rec.trace()
    assertValidTrace(t, trace)
    assert.Equal(t, []Kind{Connecting, Connected, Disconnecting, Idle, Connecting, Connected}, rec.kinds())
    assert.Equal(t, peerEF, trace[len(trace)-1].Peer)
}

func TestController_ReconnectAfterFailure(t *testing.T) {
    a := transporttest.NewAdapter()
    a.FailDial(peerCD.MAC, errors.New("page timeout"))
    c, rec := newController(t, a)

    require.NoError(t, c.RequestConnect(peerCD, rec.callbacks()))
    assert.Equal(t, "error:connect CC:DD: dial: page timeout", rec.next(t))
    waitState(t, c, Failed)

    connect(t, c, a, rec, peerAB)
    assert.Equal(t, Connected, c.State().Kind)
}

func TestController_FailureReportedAfterSwitch(t *testing.T) {
    a := transporttest.NewAdapter()
    a.FailDial(peerCD.MAC, errors.New("page timeout"))
    c, rec := newController(t, a)

    // Hold the dispatcher so the failure is still queued when the next attempt starts.
    release := make(chan struct{})
    c.disp.Post(func() { <-release })

    require.NoError(t, c.RequestConnect(peerCD, rec.callbacks()))
    waitState(t, c, Failed)
    require.NoError(t, c.RequestConnect(peerAB, rec.callbacks()))
    close(release)

    assert.Equal(t, "error:connect CC:DD: dial: page timeout", rec.next(t))
    _, err := a.Next(peerAB.MAC, waitFor)
    require.NoError(t, err)
    assert.Equal(t, "connected", rec.next(t))
    rec.quiet(t, 50*time.Millisecond)
}

func TestController_ReadFailureReportedAfterSwitch(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    r := connect(t, c, a, rec, peerCD)

    release := make(chan struct{})
    c.disp.Post(func() { <-release })

    r.Break(errors.New("connection reset by peer"))
    waitState(t, c, Failed)
    require.NoError(t, c.RequestConnect(peerAB, rec.callbacks()))
    close(release)

    assert.Equal(t, "error:read: connection reset by peer", rec.next(t))
    _, err := a.Next(peerAB.MAC, waitFor)
    require.NoError(t, err)
    assert.Equal(t, "connected", rec.next(t))
}

func TestController_Send(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)

    r := connect(t, c, a, rec, peerAB)
    got := make(chan string, 1)
    go func() {
        buf := make([]byte, 32)
        n, _ := r.Read(buf)
        got <- string(buf[:n])
    }()
    require.NoError(t, c.Send([]byte("T\r\n")))
    assert.Equal(t, "T\r\n", <-got)
}

func TestController_Close(t *testing.T) {
    a := transporttest.NewAdapter()
    c, rec := newController(t, a)
    connect(t, c, a, rec, peerAB)

    c.Close()
    assert.Equal(t, Idle, c.State().Kind)
    assert.ErrorIs(t, c.RequestConnect(peerAB, rec.callbacks()), ErrClosed)
}

func TestController_TraceIsAlwaysValid(t *testing.T) {
    a := transporttest.NewAdapter()
    a.FailDial(peerCD.MAC, errors.New("refused"))
    c, rec := newController(t, a)

    peers := []connmgr.Peer{peerAB, peerCD, peerEF}
    for i := 0; i < 30; i++ {
        switch i % 4 {
        case 0, 1:
            require.NoError(t, c.RequestConnect(peers[i%3], Callbacks{}))
        case 2:
            c.RequestDisconnect()
        case 3:
            time.Sleep(time.Millisecond)
        }
    }
    c.RequestDisconnect()

    // The watcher runs on the looper; wait for it to catch up with the final Idle.
    require.Eventually(t, func() bool {
        k := rec.kinds()
        return len(k) > 0 && k[len(k)-1] == c.State().Kind
    }, waitFor, 5*time.Millisecond)
    assertValidTrace(t, rec.trace())

    connecting := 0
    for _, k := range rec.kinds() {
        switch k {
        case Connecting:
            connecting++
            assert.Equal(t, 1, connecting, "two attempts in flight")
        case Idle, Failed:
            connecting = 0
        }
    }
}
