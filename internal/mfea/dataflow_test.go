package mfea

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"
)

func u64(v uint64) *uint64 { return &v }

func TestDataflowFilter_Validate(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")
	grp := netip.MustParseAddr("239.1.1.1")
	cases := []struct {
		name string
		f    DataflowFilter
		ok   bool
	}{
		{"geq packets", DataflowFilter{Source: src, Group: grp, Interval: time.Second, ThresholdPackets: u64(10), GeqUpcall: true}, true},
		{"leq bytes", DataflowFilter{Source: src, Group: grp, Interval: time.Second, ThresholdBytes: u64(10), LeqUpcall: true}, true},
		{"both senses", DataflowFilter{Source: src, Group: grp, Interval: time.Second, ThresholdPackets: u64(10), GeqUpcall: true, LeqUpcall: true}, false},
		{"no sense", DataflowFilter{Source: src, Group: grp, Interval: time.Second, ThresholdPackets: u64(10)}, false},
		{"no threshold", DataflowFilter{Source: src, Group: grp, Interval: time.Second, GeqUpcall: true}, false},
		{"no interval", DataflowFilter{Source: src, Group: grp, ThresholdPackets: u64(10), GeqUpcall: true}, false},
	}
	for _, c := range cases {
		err := c.f.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

// MFEA-2: on a kernel without bandwidth upcalls, the userspace poll
// compares counter deltas and fires exactly one upcall.
func TestDataflow_UserspaceFallback(t *testing.T) {
	port := newFakePort() // grantMask zero: no MRT_ADD_BW_UPCALL
	m := startedMroute(t, port, 0)

	var fired []*DataflowFilter
	mon := NewDataflowMonitor(m, func(f *DataflowFilter, pkts, bytes uint64) {
		fired = append(fired, f)
	}, zap.NewNop())

	src := netip.MustParseAddr("192.0.2.1")
	grp := netip.MustParseAddr("239.1.1.1")
	key := MfcKey{Source: src, Group: grp}
	f := &DataflowFilter{
		Source: src, Group: grp,
		Interval:         5 * time.Second,
		ThresholdPackets: u64(1000),
		GeqUpcall:        true,
		Module:           "pim",
	}
	if err := mon.AddMonitor(f); err != nil {
		t.Fatalf("add monitor: %v", err)
	}
	if len(port.callsFor(mrtAddBwUp)) != 0 {
		t.Error("no kernel filter must be installed without support")
	}

	t0 := time.Unix(1000, 0)
	port.sg[key] = SGCounts{Packets: 5000, Bytes: 100000}
	mon.Poll(t0) // priming read, no upcall
	if len(fired) != 0 {
		t.Fatalf("priming poll fired %d upcalls", len(fired))
	}

	// 1200 packets in 5 seconds crosses the 1000-packet GEQ threshold.
	port.sg[key] = SGCounts{Packets: 6200, Bytes: 150000}
	mon.Poll(t0.Add(5 * time.Second))
	if len(fired) != 1 {
		t.Fatalf("upcalls = %d, want exactly 1", len(fired))
	}
	if fired[0].Module != "pim" {
		t.Errorf("upcall module = %s", fired[0].Module)
	}

	// Below threshold in the next window: silent.
	port.sg[key] = SGCounts{Packets: 6500, Bytes: 160000}
	mon.Poll(t0.Add(10 * time.Second))
	if len(fired) != 1 {
		t.Errorf("upcalls = %d after quiet window, want 1", len(fired))
	}
}

func TestDataflow_KernelFilterWhenGranted(t *testing.T) {
	port := newFakePort()
	port.grantMask = MrtFlagBwUpcall
	m := startedMroute(t, port, 0)
	mon := NewDataflowMonitor(m, func(*DataflowFilter, uint64, uint64) {}, zap.NewNop())

	f := &DataflowFilter{
		Source: netip.MustParseAddr("192.0.2.1"), Group: netip.MustParseAddr("239.1.1.1"),
		Interval: 5 * time.Second, ThresholdPackets: u64(1000), GeqUpcall: true,
	}
	if err := mon.AddMonitor(f); err != nil {
		t.Fatalf("add monitor: %v", err)
	}
	if len(port.callsFor(mrtAddBwUp)) != 1 {
		t.Fatal("kernel filter must be installed when granted")
	}
	// The poll path is disabled; the kernel delivers the upcalls.
	mon.Poll(time.Unix(1000, 0))

	if err := mon.DeleteMonitor(f); err != nil {
		t.Fatalf("delete monitor: %v", err)
	}
	if len(port.callsFor(mrtDelBwUp)) != 1 {
		t.Error("kernel filter must be removed on delete")
	}
}

func TestDataflow_DeleteUnknownMonitor(t *testing.T) {
	port := newFakePort()
	m := startedMroute(t, port, 0)
	mon := NewDataflowMonitor(m, func(*DataflowFilter, uint64, uint64) {}, zap.NewNop())
	err := mon.DeleteMonitor(&DataflowFilter{
		Source: netip.MustParseAddr("192.0.2.1"), Group: netip.MustParseAddr("239.1.1.1"),
		Interval: time.Second, ThresholdPackets: u64(1), GeqUpcall: true,
	})
	if err == nil {
		t.Error("expected error for unknown monitor")
	}
}
