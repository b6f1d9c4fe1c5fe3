package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"go.uber.org/zap"
)

// AggregateConfig declares one configured aggregate.
type AggregateConfig struct {
	Prefix      netip.Prefix
	SummaryOnly bool
}

type aggregateState struct {
	cfg        AggregateConfig
	components map[netip.Prefix]*InternalMessage
	announced  *RouteEntry
}

// AggregationTable synthesizes RFC 4271 §9.2.2.2 aggregate routes from
// contributing components. Components of a summary-only aggregate are
// suppressed downstream; the synthesized route carries ATOMIC_AGGREGATE
// when attribute information was dropped, plus AGGREGATOR naming the
// local speaker.
type AggregationTable struct {
	baseTable
	localAS    uint32
	localBGPID netip.Addr
	localPeer  *PeerHandle
	aggregates map[netip.Prefix]*aggregateState
}

func NewAggregationTable(localAS uint32, localBGPID netip.Addr, logger *zap.Logger) *AggregationTable {
	t := &AggregationTable{
		baseTable:  newBaseTable("aggregation", KindAggregation, logger),
		localAS:    localAS,
		localBGPID: localBGPID,
		localPeer:  &PeerHandle{Name: "aggregate-origin", AS: localAS},
		aggregates: make(map[netip.Prefix]*aggregateState),
	}
	t.selfRef = t
	return t
}

// Configure installs the aggregate set.
func (t *AggregationTable) Configure(cfgs []AggregateConfig) {
	for _, cfg := range cfgs {
		if _, ok := t.aggregates[cfg.Prefix]; !ok {
			t.aggregates[cfg.Prefix] = &aggregateState{
				cfg:        cfg,
				components: make(map[netip.Prefix]*InternalMessage),
			}
		}
	}
}

func (t *AggregationTable) matchAggregate(p netip.Prefix) *aggregateState {
	for _, agg := range t.aggregates {
		if agg.cfg.Prefix.Contains(p.Addr()) && p.Bits() > agg.cfg.Prefix.Bits() {
			return agg
		}
	}
	return nil
}

// synthesize recomputes the aggregate's attributes from its current
// components.
func (t *AggregationTable) synthesize(agg *aggregateState) *RouteEntry {
	attrs := &bgp.PathAttrs{}
	origin := bgp.OriginIGP
	lossy := false
	first := true
	var common []uint32
	for _, comp := range agg.components {
		if o, ok := comp.Route.Attrs.Origin(); ok && o > origin {
			origin = o
		}
		var seq []uint32
		if ap := comp.Route.Attrs.ASPath(); ap != nil && len(ap.Segments) > 0 &&
			ap.Segments[0].Type == bgp.ASPathSegmentSequence {
			seq = ap.Segments[0].ASNs
		}
		if first {
			common = append([]uint32(nil), seq...)
			first = false
			continue
		}
		n := 0
		for n < len(common) && n < len(seq) && common[n] == seq[n] {
			n++
		}
		if n < len(common) {
			common = common[:n]
			lossy = true
		}
	}
	attrs.Set(&bgp.OriginAttr{Value: origin})
	if len(common) > 0 {
		attrs.Set(&bgp.ASPathAttr{Segments: []bgp.ASSegment{
			{Type: bgp.ASPathSegmentSequence, ASNs: common},
		}})
	} else {
		attrs.Set(&bgp.ASPathAttr{})
	}
	if lossy {
		attrs.Set(&bgp.AtomicAggregateAttr{})
	}
	attrs.Set(&bgp.AggregatorAttr{AS: t.localAS, Addr: t.localBGPID})
	return &RouteEntry{
		Prefix:          agg.cfg.Prefix,
		Attrs:           attrs,
		NexthopResolved: true,
	}
}

func (t *AggregationTable) reconcile(agg *aggregateState) {
	if t.next == nil {
		return
	}
	if len(agg.components) == 0 {
		if agg.announced != nil {
			_ = t.next.DeleteRoute(NewMessage(agg.announced, t.localPeer, 0), t.self())
			agg.announced = nil
		}
		return
	}
	fresh := t.synthesize(agg)
	if agg.announced == nil {
		agg.announced = fresh
		t.next.AddRoute(NewMessage(fresh, t.localPeer, 0), t.self())
		return
	}
	old := agg.announced
	agg.announced = fresh
	t.next.ReplaceRoute(NewMessage(old, t.localPeer, 0), NewMessage(fresh, t.localPeer, 0), t.self())
}

func (t *AggregationTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	agg := t.matchAggregate(msg.Route.Prefix)
	if agg == nil {
		if t.next == nil {
			return ResultUnused
		}
		return t.next.AddRoute(msg, t.self())
	}
	agg.components[msg.Route.Prefix] = msg
	t.reconcile(agg)
	if agg.cfg.SummaryOnly {
		return ResultUsed
	}
	if t.next == nil {
		return ResultUnused
	}
	return t.next.AddRoute(msg, t.self())
}

func (t *AggregationTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	agg := t.matchAggregate(new.Route.Prefix)
	if agg == nil {
		if t.next == nil {
			return ResultUnused
		}
		return t.next.ReplaceRoute(old, new, t.self())
	}
	agg.components[new.Route.Prefix] = new
	t.reconcile(agg)
	if agg.cfg.SummaryOnly {
		return ResultUsed
	}
	if t.next == nil {
		return ResultUnused
	}
	return t.next.ReplaceRoute(old, new, t.self())
}

func (t *AggregationTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	agg := t.matchAggregate(msg.Route.Prefix)
	if agg == nil {
		if t.next == nil {
			return nil
		}
		return t.next.DeleteRoute(msg, t.self())
	}
	delete(agg.components, msg.Route.Prefix)
	t.reconcile(agg)
	if agg.cfg.SummaryOnly {
		return nil
	}
	if t.next == nil {
		return nil
	}
	return t.next.DeleteRoute(msg, t.self())
}

func (t *AggregationTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	if agg := t.matchAggregate(msg.Route.Prefix); agg != nil && agg.cfg.SummaryOnly {
		return nil
	}
	if t.next == nil {
		return nil
	}
	return t.next.RouteDump(msg, t.self(), dumpPeer)
}

func (t *AggregationTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	if agg, ok := t.aggregates[net]; ok && agg.announced != nil {
		return agg.announced, true
	}
	if t.parent == nil {
		return nil, false
	}
	return t.parent.LookupRoute(net)
}
