package rib

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/routerd/internal/nexthop"
	"go.uber.org/zap"
)

func nhMsg(peer *PeerHandle, prefix, nh string) *InternalMessage {
	return NewMessage(&RouteEntry{
		Prefix: netip.MustParsePrefix(prefix),
		Attrs:  routeAttrs([]uint32{65001}, nh),
	}, peer, 1)
}

func TestNhLookup_DefersUntilResolved(t *testing.T) {
	resolver := nexthop.NewResolver(zap.NewNop())
	peer := &PeerHandle{Name: "A", AS: 65001}
	nhl := NewNhLookupTable("A", resolver, zap.NewNop())
	sink := newCaptureTable()
	nhl.SetNext(sink)
	sink.SetParent(nhl)

	nhl.AddRoute(nhMsg(peer, "10.0.0.0/24", "192.0.2.1"), nil)
	if len(sink.adds) != 0 {
		t.Fatalf("route must wait for resolution, adds = %d", len(sink.adds))
	}

	resolver.SetResolution(netip.MustParseAddr("192.0.2.1"),
		nexthop.Resolution{Resolvable: true, Metric: 7})
	if len(sink.adds) != 1 {
		t.Fatalf("resolve-done must release the queue, adds = %d", len(sink.adds))
	}
	r := sink.adds[0].Route
	if !r.NexthopResolved || r.IGPMetric != 7 {
		t.Errorf("released route state: resolved=%v metric=%d", r.NexthopResolved, r.IGPMetric)
	}
	if sink.pushes == 0 {
		t.Error("release must push downstream")
	}
}

func TestNhLookup_SingleQueryPerNextHop(t *testing.T) {
	resolver := nexthop.NewResolver(zap.NewNop())
	peer := &PeerHandle{Name: "A", AS: 65001}
	nhl := NewNhLookupTable("A", resolver, zap.NewNop())
	sink := newCaptureTable()
	nhl.SetNext(sink)
	sink.SetParent(nhl)

	// Many prefixes sharing one unresolved next hop: one registration.
	nhl.AddRoute(nhMsg(peer, "10.0.0.0/24", "192.0.2.1"), nil)
	nhl.AddRoute(nhMsg(peer, "10.0.1.0/24", "192.0.2.1"), nil)
	nhl.AddRoute(nhMsg(peer, "10.0.2.0/24", "192.0.2.1"), nil)

	resolver.SetResolution(netip.MustParseAddr("192.0.2.1"),
		nexthop.Resolution{Resolvable: true})
	if len(sink.adds) != 3 {
		t.Fatalf("all queued prefixes must release, adds = %d", len(sink.adds))
	}
}

func TestNhLookup_DeleteWhilePendingDropsRoute(t *testing.T) {
	resolver := nexthop.NewResolver(zap.NewNop())
	peer := &PeerHandle{Name: "A", AS: 65001}
	nhl := NewNhLookupTable("A", resolver, zap.NewNop())
	sink := newCaptureTable()
	nhl.SetNext(sink)
	sink.SetParent(nhl)

	msg := nhMsg(peer, "10.0.0.0/24", "192.0.2.1")
	nhl.AddRoute(msg, nil)
	if err := nhl.DeleteRoute(nhMsg(peer, "10.0.0.0/24", "192.0.2.1"), nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The answer arriving later must not resurrect the dropped route.
	resolver.SetResolution(netip.MustParseAddr("192.0.2.1"),
		nexthop.Resolution{Resolvable: true})
	if len(sink.adds) != 0 {
		t.Errorf("deleted pending route leaked downstream: adds = %d", len(sink.adds))
	}
	if len(sink.deletes) != 0 {
		t.Errorf("downstream never saw the add; delete must be swallowed, got %d", len(sink.deletes))
	}
}

func TestNhLookup_ReplaceCollapsesPendingAdd(t *testing.T) {
	resolver := nexthop.NewResolver(zap.NewNop())
	peer := &PeerHandle{Name: "A", AS: 65001}
	nhl := NewNhLookupTable("A", resolver, zap.NewNop())
	sink := newCaptureTable()
	nhl.SetNext(sink)
	sink.SetParent(nhl)

	old := nhMsg(peer, "10.0.0.0/24", "192.0.2.1")
	nhl.AddRoute(old, nil)
	// Replace while the add is still parked: downstream must see a
	// plain add of the new route once it resolves.
	new := nhMsg(peer, "10.0.0.0/24", "192.0.2.2")
	nhl.ReplaceRoute(old, new, nil)

	resolver.SetResolution(netip.MustParseAddr("192.0.2.2"),
		nexthop.Resolution{Resolvable: true})
	if len(sink.adds) != 1 {
		t.Fatalf("adds = %d, want 1", len(sink.adds))
	}
	if len(sink.replaces) != 0 {
		t.Errorf("downstream must not see a replace for a never-delivered route")
	}
	// The stale next hop's answer must release nothing.
	resolver.SetResolution(netip.MustParseAddr("192.0.2.1"),
		nexthop.Resolution{Resolvable: true})
	if len(sink.adds) != 1 {
		t.Errorf("stale queue entry leaked: adds = %d", len(sink.adds))
	}
}
