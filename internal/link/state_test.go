package link

import (
    "testing"

    "github.com/stretchr/testify/assert"

    "bluetooth-serial/internal/connmgr"
)

func TestValidTransition(t *testing.T) {
    tests := []struct {
        from, to Kind
        want     bool
    }{
        {Idle, Connecting, true},
        {Failed, Connecting, true},
        {Connecting, Connected, true},
        {Connecting, Failed, true},
        {Connecting, Disconnecting, true},
        {Connected, Disconnecting, true},
        {Disconnecting, Idle, true},
        {Disconnecting, Failed, true},

        {Idle, Connected, false},
        {Connected, Connected, false},
        {Connecting, Connecting, false},
        {Connected, Connecting, false},
        {Connected, Idle, false},
        {Idle, Disconnecting, false},
        {Failed, Connected, false},
    }
    for _, tt := range tests {
        t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
            assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
        })
    }
}

func TestStateString(t *testing.T) {
    p := connmgr.Peer{MAC: "AA:BB"}
    assert.Equal(t, "idle", State{}.String())
    assert.Equal(t, "connecting(AA:BB)", State{Kind: Connecting, Peer: p}.String())
    assert.Equal(t, "connected(AA:BB)", State{Kind: Connected, Peer: p}.String())
    assert.Equal(t, "disconnecting", State{Kind: Disconnecting, Peer: p}.String())
    assert.Equal(t, "failed(timeout)", State{Kind: Failed, Reason: "timeout"}.String())
    assert.Equal(t, "kind(9)", Kind(9).String())
}
