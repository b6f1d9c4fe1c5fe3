package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/nexthop"
	"go.uber.org/zap"
)

type pendingKind int

const (
	pendingAdd pendingKind = iota
	pendingReplace
)

type pendingRoute struct {
	kind pendingKind
	msg  *InternalMessage
	old  *InternalMessage // saved for pendingReplace
}

// NhLookupTable parks routes whose next hop is not yet resolved. For
// each distinct pending next hop there is a single resolver
// registration no matter how many prefixes wait on it; the resolver's
// answer releases the queue.
type NhLookupTable struct {
	baseTable
	resolver *nexthop.Resolver

	// pending maps next hop → prefix → queued operation.
	pending map[netip.Addr]map[netip.Prefix]*pendingRoute
}

func NewNhLookupTable(name string, resolver *nexthop.Resolver, logger *zap.Logger) *NhLookupTable {
	t := &NhLookupTable{
		baseTable: newBaseTable("nh-lookup."+name, KindNhLookup, logger),
		resolver:  resolver,
		pending:   make(map[netip.Addr]map[netip.Prefix]*pendingRoute),
	}
	t.selfRef = t
	return t
}

func (t *NhLookupTable) enqueue(nh netip.Addr, pr *pendingRoute) {
	byPrefix, ok := t.pending[nh]
	if !ok {
		byPrefix = make(map[netip.Prefix]*pendingRoute)
		t.pending[nh] = byPrefix
		t.resolver.Register(nh, t.resolveDone)
	}
	byPrefix[pr.msg.Route.Prefix] = pr
}

// resolveDone releases every queued prefix for nh.
func (t *NhLookupTable) resolveDone(nh netip.Addr, res nexthop.Resolution) {
	byPrefix, ok := t.pending[nh]
	if !ok {
		return
	}
	delete(t.pending, nh)
	for _, pr := range byPrefix {
		pr.msg.Route.NexthopResolved = res.Resolvable
		pr.msg.Route.IGPMetric = res.Metric
		if t.next == nil {
			continue
		}
		switch pr.kind {
		case pendingAdd:
			t.next.AddRoute(pr.msg, t.self())
		case pendingReplace:
			t.next.ReplaceRoute(pr.old, pr.msg, t.self())
		}
	}
	if t.next != nil {
		_ = t.next.Push(t.self())
	}
}

func (t *NhLookupTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	nh, ok := msg.Route.NextHop()
	if !ok {
		// No next hop at all (withdraw-only attribute set); pass on.
		if t.next == nil {
			return ResultUnused
		}
		return t.next.AddRoute(msg, t.self())
	}
	if res, known := t.resolver.Resolved(nh); known {
		msg.Route.NexthopResolved = res.Resolvable
		msg.Route.IGPMetric = res.Metric
		t.resolver.Register(nh, func(netip.Addr, nexthop.Resolution) {})
		if t.next == nil {
			return ResultUnused
		}
		return t.next.AddRoute(msg, t.self())
	}
	t.enqueue(nh, &pendingRoute{kind: pendingAdd, msg: msg})
	return ResultUsed
}

func (t *NhLookupTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	nh, ok := new.Route.NextHop()
	if !ok {
		if t.next == nil {
			return ResultUnused
		}
		return t.next.ReplaceRoute(old, new, t.self())
	}
	// If the old route is still parked here, the downstream never saw
	// it; collapse the replace into the queue entry.
	if oldNh, okOld := old.Route.NextHop(); okOld {
		if byPrefix, pending := t.pending[oldNh]; pending {
			if pr, queued := byPrefix[old.Route.Prefix]; queued {
				delete(byPrefix, old.Route.Prefix)
				if len(byPrefix) == 0 {
					delete(t.pending, oldNh)
					t.resolver.Deregister(oldNh)
				}
				if pr.kind == pendingReplace {
					old = pr.old
				} else {
					old = nil
				}
			}
		}
	}
	if res, known := t.resolver.Resolved(nh); known {
		new.Route.NexthopResolved = res.Resolvable
		new.Route.IGPMetric = res.Metric
		t.resolver.Register(nh, func(netip.Addr, nexthop.Resolution) {})
		if t.next == nil {
			return ResultUnused
		}
		if old == nil {
			return t.next.AddRoute(new, t.self())
		}
		return t.next.ReplaceRoute(old, new, t.self())
	}
	if old == nil {
		t.enqueue(nh, &pendingRoute{kind: pendingAdd, msg: new})
	} else {
		t.enqueue(nh, &pendingRoute{kind: pendingReplace, msg: new, old: old})
	}
	return ResultUsed
}

func (t *NhLookupTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	if nh, ok := msg.Route.NextHop(); ok {
		if byPrefix, pending := t.pending[nh]; pending {
			if pr, queued := byPrefix[msg.Route.Prefix]; queued {
				// The downstream never saw this route; drop it here.
				// The single registration for nh goes once no other
				// prefix waits on it.
				delete(byPrefix, msg.Route.Prefix)
				if len(byPrefix) == 0 {
					delete(t.pending, nh)
					t.resolver.Deregister(nh)
				}
				if pr.kind == pendingReplace && pr.old != nil && t.next != nil {
					// Downstream still holds the pre-replace route.
					return t.next.DeleteRoute(pr.old, t.self())
				}
				return nil
			}
		}
		t.resolver.Deregister(nh)
	}
	if t.next == nil {
		return nil
	}
	return t.next.DeleteRoute(msg, t.self())
}

func (t *NhLookupTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	if nh, ok := msg.Route.NextHop(); ok {
		if res, known := t.resolver.Resolved(nh); known {
			msg.Route.NexthopResolved = res.Resolvable
			msg.Route.IGPMetric = res.Metric
		}
	}
	if t.next == nil {
		return nil
	}
	return t.next.RouteDump(msg, t.self(), dumpPeer)
}

func (t *NhLookupTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	if t.parent == nil {
		return nil, false
	}
	return t.parent.LookupRoute(net)
}
