package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"github.com/route-beacon/routerd/internal/metrics"
	"github.com/route-beacon/routerd/internal/nexthop"
	"go.uber.org/zap"
)

// DecisionConfig carries the knobs the tie-break ladder consults.
type DecisionConfig struct {
	DefaultLocalPref uint32
	AlwaysCompareMED bool
}

type candidate struct {
	route *RouteEntry
	peer  *PeerHandle
	genID uint32
}

// DecisionTable collects per-peer alternatives for each prefix and
// emits the tie-break winner downstream. It is the one table with
// multiple parents: one per peer branch.
type DecisionTable struct {
	baseTable
	cfg      DecisionConfig
	afi      string
	resolver *nexthop.Resolver
	parents  map[RouteTable]bool

	candidates map[netip.Prefix][]*candidate
	winners    map[netip.Prefix]*candidate

	// nhDeps indexes prefixes by next hop for IGP-change re-runs.
	nhDeps map[netip.Addr]map[netip.Prefix]bool
}

func NewDecisionTable(cfg DecisionConfig, resolver *nexthop.Resolver, logger *zap.Logger) *DecisionTable {
	t := &DecisionTable{
		baseTable:  newBaseTable("decision", KindDecision, logger),
		cfg:        cfg,
		resolver:   resolver,
		parents:    make(map[RouteTable]bool),
		candidates: make(map[netip.Prefix][]*candidate),
		winners:    make(map[netip.Prefix]*candidate),
		nhDeps:     make(map[netip.Addr]map[netip.Prefix]bool),
	}
	t.selfRef = t
	return t
}

// AddParent registers an upstream branch; caller checks accept any of
// them.
func (t *DecisionTable) AddParent(p RouteTable) { t.parents[p] = true }

func (t *DecisionTable) checkBranchCaller(caller RouteTable) {
	if caller == nil {
		return
	}
	if !t.parents[caller] {
		panic("rib: decision called by unregistered parent " + caller.Name())
	}
}

func (t *DecisionTable) indexNextHop(r *RouteEntry) {
	if nh, ok := r.NextHop(); ok {
		deps, present := t.nhDeps[nh]
		if !present {
			deps = make(map[netip.Prefix]bool)
			t.nhDeps[nh] = deps
		}
		deps[r.Prefix] = true
	}
}

func (t *DecisionTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkBranchCaller(caller)
	t.upsert(msg)
	t.recompute(msg.Route.Prefix)
	return ResultUsed
}

func (t *DecisionTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkBranchCaller(caller)
	t.removeCandidate(old.Route.Prefix, old.Origin)
	t.upsert(new)
	t.recompute(new.Route.Prefix)
	return ResultUsed
}

func (t *DecisionTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkBranchCaller(caller)
	t.removeCandidate(msg.Route.Prefix, msg.Origin)
	t.recompute(msg.Route.Prefix)
	return nil
}

func (t *DecisionTable) Push(caller RouteTable) error {
	t.checkBranchCaller(caller)
	if t.next == nil {
		return nil
	}
	return t.next.Push(t.self())
}

func (t *DecisionTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkBranchCaller(caller)
	// Only the current winner is dumped to a fresh peer.
	if w := t.winners[msg.Route.Prefix]; w != nil && w.peer == msg.Origin && t.next != nil {
		return t.next.RouteDump(msg, t.self(), dumpPeer)
	}
	return nil
}

func (t *DecisionTable) upsert(msg *InternalMessage) {
	c := &candidate{route: msg.Route, peer: msg.Origin, genID: msg.GenID}
	t.indexNextHop(msg.Route)
	list := t.candidates[msg.Route.Prefix]
	for i, existing := range list {
		if existing.peer == msg.Origin {
			list[i] = c
			return
		}
	}
	t.candidates[msg.Route.Prefix] = append(list, c)
}

func (t *DecisionTable) removeCandidate(prefix netip.Prefix, peer *PeerHandle) {
	list := t.candidates[prefix]
	for i, c := range list {
		if c.peer == peer {
			t.candidates[prefix] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.candidates[prefix]) == 0 {
		delete(t.candidates, prefix)
	}
}

// recompute picks the winner for prefix and reconciles the downstream
// view with the previous winner.
func (t *DecisionTable) recompute(prefix netip.Prefix) {
	prev := t.winners[prefix]
	var best *candidate
	for _, c := range t.candidates[prefix] {
		if !c.route.NexthopResolved {
			continue
		}
		if best == nil || t.better(c, best) {
			best = c
		}
	}

	switch {
	case best == nil && prev == nil:
		return
	case best == nil:
		delete(t.winners, prefix)
		prev.route.Winner = false
		if t.next != nil {
			_ = t.next.DeleteRoute(NewMessage(prev.route, prev.peer, prev.genID), t.self())
		}
	case prev == nil:
		t.winners[prefix] = best
		best.route.Winner = true
		metrics.BestPathChangesTotal.WithLabelValues(t.afi).Inc()
		if t.next != nil {
			t.next.AddRoute(NewMessage(best.route, best.peer, best.genID), t.self())
		}
	case prev.route == best.route:
		return
	default:
		t.winners[prefix] = best
		prev.route.Winner = false
		best.route.Winner = true
		metrics.BestPathChangesTotal.WithLabelValues(t.afi).Inc()
		if t.next != nil {
			t.next.ReplaceRoute(
				NewMessage(prev.route, prev.peer, prev.genID),
				NewMessage(best.route, best.peer, best.genID),
				t.self())
		}
	}
}

// IGPNextHopChanged re-runs decision for every prefix depending on nh,
// refreshing resolvability and metric first.
func (t *DecisionTable) IGPNextHopChanged(nh netip.Addr) {
	deps := t.nhDeps[nh]
	if deps == nil {
		return
	}
	res, known := t.resolver.Resolved(nh)
	for prefix := range deps {
		for _, c := range t.candidates[prefix] {
			if cnh, ok := c.route.NextHop(); ok && cnh == nh {
				c.route.NexthopResolved = known && res.Resolvable
				c.route.IGPMetric = res.Metric
			}
		}
		t.recompute(prefix)
	}
	if t.next != nil {
		_ = t.next.Push(t.self())
	}
}

func (t *DecisionTable) localPref(c *candidate) uint32 {
	// EBGP routes carry no meaningful LOCAL_PREF; the configured
	// default applies.
	if !c.peer.IBGP {
		return t.cfg.DefaultLocalPref
	}
	if lp, ok := c.route.Attrs.LocalPref(); ok {
		return lp
	}
	return t.cfg.DefaultLocalPref
}

// tieBreakPathLength counts each AS_SET and each confederation segment
// as a single hop.
func tieBreakPathLength(ap *bgp.ASPathAttr) int {
	if ap == nil {
		return 0
	}
	n := 0
	for _, seg := range ap.Segments {
		if seg.Type == bgp.ASPathSegmentSequence {
			n += len(seg.ASNs)
		} else {
			n++
		}
	}
	return n
}

func (t *DecisionTable) routerID(c *candidate) uint32 {
	// Originator-id substitutes for reflected routes.
	if oid, ok := c.route.Attrs.OriginatorID(); ok {
		return oid
	}
	return c.peer.BGPID
}

// better implements the classical ladder; true when a beats b.
func (t *DecisionTable) better(a, b *candidate) bool {
	// 1. Highest LOCAL_PREF.
	alp, blp := t.localPref(a), t.localPref(b)
	if alp != blp {
		return alp > blp
	}
	// 2. Shortest AS_PATH.
	al, bl := tieBreakPathLength(a.route.Attrs.ASPath()), tieBreakPathLength(b.route.Attrs.ASPath())
	if al != bl {
		return al < bl
	}
	// 3. Lowest ORIGIN.
	ao, _ := a.route.Attrs.Origin()
	bo, _ := b.route.Attrs.Origin()
	if ao != bo {
		return ao < bo
	}
	// 4. Lowest MED, only among routes from the same neighbor AS.
	sameNeighborAS := a.route.Attrs.ASPath().FirstAS() == b.route.Attrs.ASPath().FirstAS()
	if t.cfg.AlwaysCompareMED || sameNeighborAS {
		amed, _ := a.route.Attrs.MED()
		bmed, _ := b.route.Attrs.MED()
		if amed != bmed {
			return amed < bmed
		}
	}
	// 5. EBGP over IBGP.
	if a.peer.IBGP != b.peer.IBGP {
		return !a.peer.IBGP
	}
	// 6. Lowest IGP metric to the next hop.
	if a.route.IGPMetric != b.route.IGPMetric {
		return a.route.IGPMetric < b.route.IGPMetric
	}
	// 7. Lowest router id (with originator substitution).
	aid, bid := t.routerID(a), t.routerID(b)
	if aid != bid {
		return aid < bid
	}
	// 8. Shortest cluster list.
	acl, bcl := a.route.Attrs.ClusterListLen(), b.route.Attrs.ClusterListLen()
	if acl != bcl {
		return acl < bcl
	}
	// 9. Lowest peer address.
	return a.peer.Addr.Compare(b.peer.Addr) < 0
}

func (t *DecisionTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	if w := t.winners[net]; w != nil {
		return w.route, true
	}
	return nil, false
}

// DumpWinners walks current winners, used when a new peer comes up and
// needs the full table.
func (t *DecisionTable) DumpWinners(fn func(*RouteEntry, *PeerHandle, uint32) bool) {
	for _, w := range t.winners {
		if !fn(w.route, w.peer, w.genID) {
			return
		}
	}
}
