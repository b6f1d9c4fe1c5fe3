package rib

import (
	"net/netip"

	"go.uber.org/zap"
)

// PeerOutput is the egress side of one peering: the peer handler
// implements it by assembling UPDATE messages. Busy reports transport
// backpressure; the fanout branch stops consuming while it holds.
type PeerOutput interface {
	AnnounceRoute(entry *RouteEntry) error
	WithdrawRoute(prefix netip.Prefix) error
	PushRoutes() error
	Busy() bool
}

// RibOutTable is the tail of a branch: it turns table operations into
// peer announcements and withdraws.
type RibOutTable struct {
	baseTable
	peer   *PeerHandle
	output PeerOutput
}

func NewRibOutTable(peer *PeerHandle, output PeerOutput, logger *zap.Logger) *RibOutTable {
	t := &RibOutTable{
		baseTable: newBaseTable("rib-out."+peer.Name, KindRibOut, logger),
		peer:      peer,
		output:    output,
	}
	t.selfRef = t
	return t
}

func (t *RibOutTable) Peer() *PeerHandle { return t.peer }

// Busy exposes the transport backpressure flag upward.
func (t *RibOutTable) Busy() bool { return t.output.Busy() }

func (t *RibOutTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	if err := t.output.AnnounceRoute(msg.Route); err != nil {
		t.logger.Warn("announce failed", zap.String("peer", t.peer.Name), zap.Error(err))
		return ResultUnused
	}
	return ResultUsed
}

func (t *RibOutTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	// An implicit withdraw: announcing the same prefix with new
	// attributes replaces the old advertisement on the wire.
	return t.AddRoute(new, caller)
}

func (t *RibOutTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	return t.output.WithdrawRoute(msg.Route.Prefix)
}

func (t *RibOutTable) Push(caller RouteTable) error {
	t.checkCaller(caller)
	return t.output.PushRoutes()
}

func (t *RibOutTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	if dumpPeer != t.peer {
		return nil
	}
	return t.output.AnnounceRoute(msg.Route)
}

func (t *RibOutTable) LookupRoute(netip.Prefix) (*RouteEntry, bool) {
	return nil, false
}
