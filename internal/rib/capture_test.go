package rib

import (
	"net/netip"

	"go.uber.org/zap"
)

// captureTable records every operation reaching it; used as the tail of
// chains under test.
type captureTable struct {
	baseTable
	adds     []*InternalMessage
	replaces [][2]*InternalMessage
	deletes  []*InternalMessage
	dumps    []*InternalMessage
	pushes   int
}

func newCaptureTable() *captureTable {
	t := &captureTable{baseTable: newBaseTable("capture", KindRibOut, zap.NewNop())}
	t.selfRef = t
	return t
}

func (t *captureTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.adds = append(t.adds, msg)
	return ResultUsed
}

func (t *captureTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.replaces = append(t.replaces, [2]*InternalMessage{old, new})
	return ResultUsed
}

func (t *captureTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.deletes = append(t.deletes, msg)
	return nil
}

func (t *captureTable) Push(caller RouteTable) error {
	t.pushes++
	return nil
}

func (t *captureTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.dumps = append(t.dumps, msg)
	return nil
}

func (t *captureTable) LookupRoute(netip.Prefix) (*RouteEntry, bool) { return nil, false }

// fakeOutput implements PeerOutput for plumbing-level tests.
type fakeOutput struct {
	announces []*RouteEntry
	withdraws []netip.Prefix
	pushes    int
	busy      bool
}

func (f *fakeOutput) AnnounceRoute(e *RouteEntry) error {
	f.announces = append(f.announces, e)
	return nil
}

func (f *fakeOutput) WithdrawRoute(p netip.Prefix) error {
	f.withdraws = append(f.withdraws, p)
	return nil
}

func (f *fakeOutput) PushRoutes() error {
	f.pushes++
	return nil
}

func (f *fakeOutput) Busy() bool { return f.busy }
