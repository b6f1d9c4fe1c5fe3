package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/policy"
	"go.uber.org/zap"
)

// PolicyTable is the inline filter stage. Three flavors exist in a
// pipeline: import (per-peer, before damping), source-match (feeding
// decision re-runs) and export (per-branch, before rib-out). The
// export flavor binds the outbound peer as neighbor.
type PolicyTable struct {
	baseTable
	flavor policy.Flavor
	filter *policy.Filter

	// exportPeer is the outbound peer for the export flavor; nil
	// otherwise (the originating peer is taken from the message).
	exportPeer *PeerHandle
}

func policyKind(flavor policy.Flavor) TableKind {
	switch flavor {
	case policy.FlavorImport:
		return KindPolicyImport
	case policy.FlavorSourceMatch:
		return KindPolicySourceMatch
	default:
		return KindPolicyExport
	}
}

func NewPolicyTable(name string, flavor policy.Flavor, exportPeer *PeerHandle, logger *zap.Logger) *PolicyTable {
	t := &PolicyTable{
		baseTable:  newBaseTable("policy-"+flavor.String()+"."+name, policyKind(flavor), logger),
		flavor:     flavor,
		filter:     &policy.Filter{Flavor: flavor},
		exportPeer: exportPeer,
	}
	t.selfRef = t
	return t
}

// Configure installs a new filter program and bumps its generation.
func (t *PolicyTable) Configure(terms []policy.Term) {
	gen := t.filter.Generation + 1
	t.filter = &policy.Filter{Flavor: t.flavor, Terms: terms, Generation: gen}
}

// FilterGeneration is the installed program's generation.
func (t *PolicyTable) FilterGeneration() uint32 { return t.filter.Generation }

func (t *PolicyTable) filterSlot() int {
	switch t.flavor {
	case policy.FlavorImport:
		return FilterImport
	case policy.FlavorSourceMatch:
		return FilterSourceMatch
	default:
		return FilterExport
	}
}

// run evaluates the filter for msg. On accept it returns the message to
// forward (a clone when the filter modified attributes); on reject it
// returns nil.
func (t *PolicyTable) run(msg *InternalMessage) *InternalMessage {
	neighbor := msg.Origin
	if t.flavor == policy.FlavorExport && t.exportPeer != nil {
		neighbor = t.exportPeer
	}
	// Bind over a clone so a modifying filter never poisons the
	// attributes stored upstream.
	cloned := msg.Attrs.Clone()
	v := &policy.VarRW{
		Prefix:       msg.Route.Prefix,
		Attrs:        cloned,
		NeighborAddr: neighbor.Addr,
		NeighborAS:   neighbor.AS,
	}
	if t.filter.Run(v) == policy.Reject {
		return nil
	}
	msg.Route.FilterGen[t.filterSlot()] = t.filter.Generation
	if !v.Modified() {
		return msg
	}
	out := msg.Route.Clone()
	out.Attrs = cloned
	return msg.WithRoute(out)
}

func (t *PolicyTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	fwd := t.run(msg)
	if fwd == nil {
		msg.Route.Filtered = true
		return ResultFiltered
	}
	msg.Route.Filtered = false
	if t.next == nil {
		return ResultUnused
	}
	return t.next.AddRoute(fwd, t.self())
}

func (t *PolicyTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	oldAccepted := !old.Route.Filtered
	fwd := t.run(new)
	if fwd == nil {
		new.Route.Filtered = true
		if oldAccepted && t.next != nil {
			// Previously accepted, now rejected: downstream sees a
			// delete.
			_ = t.next.DeleteRoute(old, t.self())
		}
		return ResultFiltered
	}
	new.Route.Filtered = false
	if t.next == nil {
		return ResultUnused
	}
	if !oldAccepted {
		return t.next.AddRoute(fwd, t.self())
	}
	return t.next.ReplaceRoute(old, fwd, t.self())
}

func (t *PolicyTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	if msg.Route.Filtered {
		// The add never made it past this filter; nothing downstream.
		return nil
	}
	if t.next == nil {
		return nil
	}
	return t.next.DeleteRoute(msg, t.self())
}

func (t *PolicyTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	fwd := t.run(msg)
	if fwd == nil {
		return nil
	}
	if t.next == nil {
		return nil
	}
	return t.next.RouteDump(fwd, t.self(), dumpPeer)
}

func (t *PolicyTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	if t.parent == nil {
		return nil, false
	}
	return t.parent.LookupRoute(net)
}
