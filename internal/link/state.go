package link

import (
    "fmt"

    "bluetooth-serial/internal/connmgr"
)

// Kind enumerates the connection lifecycle states.
type Kind int

const (
    Idle Kind = iota
    Connecting
    Connected
    Disconnecting
    Failed
)

func (k Kind) String() string {
    switch k {
    case Idle:
        return "idle"
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    case Disconnecting:
        return "disconnecting"
    case Failed:
        return "failed"
    default:
        return fmt.Sprintf("kind(%d)", int(k))
    }
}

// State is a snapshot of a Controller's connection state.
// Peer is set for Connecting, Connected and Disconnecting; Reason only for Failed.
type State struct {
    Kind   Kind
    Peer   connmgr.Peer
    Reason string
}

func (s State) String() string {
    switch s.Kind {
    case Connecting, Connected:
        return fmt.Sprintf("%s(%s)", s.Kind, s.Peer.Address())
    case Failed:
        return fmt.Sprintf("failed(%s)", s.Reason)
    default:
        return s.Kind.String()
    }
}

// transitions lists every edge of the lifecycle.
var transitions = map[Kind][]Kind{
    Idle:          {Connecting},
    Failed:        {Connecting},
    Connecting:    {Connected, Failed, Disconnecting},
    Connected:     {Disconnecting},
    Disconnecting: {Idle, Failed},
}

// ValidTransition reports whether the lifecycle allows moving from one kind to another.
func ValidTransition(from, to Kind) bool {
    for _, k := range transitions[from] {
        if k == to {
            return true
        }
    }
    return false
}
