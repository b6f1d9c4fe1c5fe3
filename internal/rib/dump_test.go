package rib

import (
	"net/netip"
	"testing"

	"go.uber.org/zap"
)

func dumpSetup(t *testing.T) (*RibInTable, *RibInTable, *captureTable, *PeerHandle) {
	t.Helper()
	peer1 := &PeerHandle{Name: "P1", AS: 65001}
	peer2 := &PeerHandle{Name: "P2", AS: 65002}
	fresh := &PeerHandle{Name: "fresh", AS: 65003}

	ribin1 := NewRibInTable(peer1, zap.NewNop())
	ribin2 := NewRibInTable(peer2, zap.NewNop())
	sink := newCaptureTable()
	ribin1.SetNext(sink)
	ribin2.SetNext(sink)

	ribin1.IngressAdd(netip.MustParsePrefix("10.1.0.0/24"), routeAttrs([]uint32{65001}, "192.0.2.1"))
	ribin1.IngressAdd(netip.MustParsePrefix("10.2.0.0/24"), routeAttrs([]uint32{65001}, "192.0.2.1"))
	ribin2.IngressAdd(netip.MustParsePrefix("10.3.0.0/24"), routeAttrs([]uint32{65002}, "192.0.2.2"))
	ribin2.IngressAdd(netip.MustParsePrefix("10.4.0.0/24"), routeAttrs([]uint32{65002}, "192.0.2.2"))
	sink.adds = nil // only dump traffic from here on

	return ribin1, ribin2, sink, fresh
}

func TestDumpIterator_DumpsUnionOnce(t *testing.T) {
	ribin1, ribin2, sink, fresh := dumpSetup(t)
	it := NewDumpIterator(fresh, []*RibInTable{ribin1, ribin2}, zap.NewNop())

	for it.Step(1) {
	}
	if !it.Done() {
		t.Fatal("iterator must finish")
	}
	if len(sink.dumps) != 4 {
		t.Fatalf("dumped %d routes, want 4", len(sink.dumps))
	}
	seen := make(map[netip.Prefix]int)
	for _, m := range sink.dumps {
		seen[m.Route.Prefix]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("prefix %v dumped %d times", p, n)
		}
	}
}

func TestDumpIterator_SkipsDumpPeerOwnTable(t *testing.T) {
	ribin1, _, sink, _ := dumpSetup(t)
	// Dumping to peer1 itself: its own RIB-In is excluded.
	it := NewDumpIterator(ribin1.Peer(), []*RibInTable{ribin1}, zap.NewNop())
	for it.Step(10) {
	}
	if len(sink.dumps) != 0 {
		t.Errorf("dump to self produced %d routes", len(sink.dumps))
	}
}

func TestDumpIterator_PeerDownDuringDump(t *testing.T) {
	ribin1, ribin2, sink, fresh := dumpSetup(t)
	it := NewDumpIterator(fresh, []*RibInTable{ribin1, ribin2}, zap.NewNop())

	// One route from the first source, then the source dies.
	it.Step(1)
	if len(sink.dumps) != 1 {
		t.Fatalf("dumped %d routes, want 1", len(sink.dumps))
	}
	it.PeerWentDown(ribin1.Peer())

	for it.Step(1) {
	}
	if !it.Done() {
		t.Fatal("iterator must finish after source went down")
	}
	// The dead source's remaining route stays undumped; peer2's two
	// routes arrive; nothing is dumped twice.
	if len(sink.dumps) != 3 {
		t.Fatalf("dumped %d routes, want 3 (1 + peer2's 2)", len(sink.dumps))
	}
	seen := make(map[netip.Prefix]bool)
	for _, m := range sink.dumps {
		if seen[m.Route.Prefix] {
			t.Fatalf("prefix %v dumped twice", m.Route.Prefix)
		}
		seen[m.Route.Prefix] = true
	}
}

func TestDumpIterator_PeerBackUpRestartsItsDump(t *testing.T) {
	ribin1, ribin2, sink, fresh := dumpSetup(t)
	it := NewDumpIterator(fresh, []*RibInTable{ribin1, ribin2}, zap.NewNop())

	it.Step(1)
	it.PeerWentDown(ribin1.Peer())
	// The source re-establishes mid-dump: its table restarts from
	// scratch in the new epoch.
	ribin1.PeeringCameUp()
	it.PeerCameUp(ribin1.Peer())
	for it.Step(1) {
	}
	if !it.Done() {
		t.Fatal("iterator must finish")
	}
	// 1 (before down) + 2 (restarted peer1) + 2 (peer2) = 5; one
	// prefix appears twice but in different epochs.
	if len(sink.dumps) != 5 {
		t.Fatalf("dumped %d routes, want 5", len(sink.dumps))
	}
}
