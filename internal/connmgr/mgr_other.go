//go:build !linux

package connmgr

import (
    "context"

    "go.uber.org/zap"
)

// New returns a manager whose operations fail with ErrUnsupported.
func New(_ *zap.Logger) Mgr {
    return unsupported{}
}

type unsupported struct{}

func (unsupported) BondedPeers(context.Context) ([]Peer, error) { return nil, ErrUnsupported }
func (unsupported) CancelDiscovery(context.Context) error       { return ErrUnsupported }
func (unsupported) Connect(context.Context, Peer) (int, error)  { return 0, ErrUnsupported }
func (unsupported) DialRFCOMM(context.Context, string, uint8) (int, error) {
    return 0, ErrUnsupported
}
func (unsupported) Close() error { return nil }
