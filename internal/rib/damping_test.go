package rib

import (
	"net/netip"
	"testing"

	"go.uber.org/zap"
)

func testDamping() *Damping {
	return NewDamping(DampingConfig{
		Enabled:     true,
		HalfLife:    15,
		MaxHoldDown: 60,
		Reuse:       750,
		Cutoff:      3000,
	})
}

func advance(d *Damping, dt *DampingTable, seconds int) {
	for i := 0; i < seconds; i++ {
		d.Tick()
	}
	if dt != nil {
		dt.Tick()
	}
}

func dampMsg(peer *PeerHandle, prefix string) *InternalMessage {
	return NewMessage(&RouteEntry{Prefix: netip.MustParsePrefix(prefix)}, peer, 1)
}

func TestDamping_MeritDecay(t *testing.T) {
	d := testDamping()
	m := d.InitialMerit()
	if m != 1000 {
		t.Fatalf("initial merit = %d, want 1000", m)
	}
	// One flap charged immediately after another roughly doubles.
	m2 := d.ComputeMerit(0, m)
	if m2 < 1990 || m2 > 2000 {
		t.Errorf("merit after immediate second flap = %d, want ~2000", m2)
	}
	// A half-life later the merit has halved.
	for i := 0; i < 15*60; i++ {
		d.Tick()
	}
	decayed := d.DecayedMerit(0, 1000)
	if decayed < 480 || decayed > 520 {
		t.Errorf("merit after one half-life = %d, want ~500", decayed)
	}
}

func TestDamping_ReuseTime(t *testing.T) {
	d := testDamping()
	// merit 3000, reuse 750: (3000/750 - 1) * 15min = 45min.
	if got := d.ReuseTime(3000); got != 45*60 {
		t.Errorf("reuse time = %ds, want %ds", got, 45*60)
	}
	// Capped at the maximum hold-down.
	if got := d.ReuseTime(100000); got != 60*60 {
		t.Errorf("capped reuse time = %ds, want %ds", got, 60*60)
	}
}

// A route flapping every 10 seconds crosses the cutoff and is
// suppressed; announcements stop propagating until the merit decays to
// the reuse threshold.
func TestDampingTable_FlapSuppression(t *testing.T) {
	d := testDamping()
	peer := &PeerHandle{Name: "A", AS: 65001}
	dt := NewDampingTable("A", d, zap.NewNop())
	sink := newCaptureTable()
	dt.SetNext(sink)
	sink.SetParent(dt)

	const prefix = "10.1.0.0/24"
	suppressedAt := -1
	for flap := 0; flap < 12; flap++ {
		res := dt.AddRoute(dampMsg(peer, prefix), nil)
		if res == ResultFiltered {
			suppressedAt = flap
			break
		}
		advance(d, dt, 5)
		if err := dt.DeleteRoute(dampMsg(peer, prefix), nil); err != nil {
			t.Fatalf("delete: %v", err)
		}
		advance(d, dt, 5)
	}
	if suppressedAt < 0 {
		t.Fatal("route never suppressed")
	}
	if suppressedAt < 3 || suppressedAt > 5 {
		t.Errorf("suppressed at flap %d, expected around the 4th re-announce", suppressedAt)
	}
	forwarded := len(sink.adds)
	if forwarded != suppressedAt {
		t.Errorf("forwarded adds = %d, want %d (none after suppression)", forwarded, suppressedAt)
	}

	// Merit decays below reuse roughly half an hour later; the stored
	// route is re-announced downstream.
	advance(d, dt, 40*60)
	if len(sink.adds) != forwarded+1 {
		t.Fatalf("expected re-announce after reuse, adds = %d", len(sink.adds))
	}
}

func TestDampingTable_PeeringTeardownIsNotAFlap(t *testing.T) {
	d := testDamping()
	peer := &PeerHandle{Name: "A", AS: 65001}
	dt := NewDampingTable("A", d, zap.NewNop())
	sink := newCaptureTable()
	dt.SetNext(sink)
	sink.SetParent(dt)

	msg := dampMsg(peer, "10.1.0.0/24")
	dt.AddRoute(msg, nil)
	down := dampMsg(peer, "10.1.0.0/24")
	down.FromPreviousPeering = true
	if err := dt.DeleteRoute(down, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Fresh peering: the re-announce carries no penalty.
	res := dt.AddRoute(dampMsg(peer, "10.1.0.0/24"), nil)
	if res == ResultFiltered {
		t.Error("teardown re-announce must not be charged")
	}
	if len(sink.deletes) != 1 {
		t.Errorf("teardown delete must propagate, got %d", len(sink.deletes))
	}
}

func TestDampingTable_DisabledPassesThrough(t *testing.T) {
	d := NewDamping(DampingConfig{})
	peer := &PeerHandle{Name: "A", AS: 65001}
	dt := NewDampingTable("A", d, zap.NewNop())
	sink := newCaptureTable()
	dt.SetNext(sink)
	sink.SetParent(dt)

	for i := 0; i < 20; i++ {
		if res := dt.AddRoute(dampMsg(peer, "10.1.0.0/24"), nil); res == ResultFiltered {
			t.Fatal("disabled damping must never filter")
		}
		_ = dt.DeleteRoute(dampMsg(peer, "10.1.0.0/24"), nil)
	}
	if len(sink.adds) != 20 {
		t.Errorf("adds = %d, want 20", len(sink.adds))
	}
}
