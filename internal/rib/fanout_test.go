package rib

import (
	"testing"

	"go.uber.org/zap"
)

func TestFanout_BackpressureHoldsQueue(t *testing.T) {
	f := NewFanoutTable(zap.NewNop())
	peerA := &PeerHandle{Name: "A", AS: 65001}
	peerB := &PeerHandle{Name: "B", AS: 65002}
	sink := newCaptureTable()
	busy := true
	f.AddBranch(sink, peerB, func() bool { return busy })

	msg := nhMsg(peerA, "10.0.0.0/24", "192.0.2.1")
	f.AddRoute(msg, nil)
	_ = f.Push(nil)
	if len(sink.adds) != 0 {
		t.Fatalf("busy branch must hold its queue, adds = %d", len(sink.adds))
	}

	// Low-watermark signal resumes the branch.
	busy = false
	f.OutputNoLongerBusy(peerB)
	if len(sink.adds) != 1 {
		t.Fatalf("resumed branch must drain, adds = %d", len(sink.adds))
	}
	if sink.pushes != 1 {
		t.Errorf("drain must end with a push, got %d", sink.pushes)
	}
}

func TestFanout_SkipsOriginatingPeer(t *testing.T) {
	f := NewFanoutTable(zap.NewNop())
	peerA := &PeerHandle{Name: "A", AS: 65001}
	sinkA := newCaptureTable()
	sinkB := newCaptureTable()
	f.AddBranch(sinkA, peerA, nil)
	f.AddBranch(sinkB, &PeerHandle{Name: "B", AS: 65002}, nil)

	f.AddRoute(nhMsg(peerA, "10.0.0.0/24", "192.0.2.1"), nil)
	_ = f.Push(nil)
	if len(sinkA.adds) != 0 {
		t.Error("route fanned back to its originator")
	}
	if len(sinkB.adds) != 1 {
		t.Errorf("other branch adds = %d, want 1", len(sinkB.adds))
	}
}

func TestFanout_NoDoubleDeliveryPerEpoch(t *testing.T) {
	f := NewFanoutTable(zap.NewNop())
	peerA := &PeerHandle{Name: "A", AS: 65001}
	peerB := &PeerHandle{Name: "B", AS: 65002}
	sink := newCaptureTable()
	f.AddBranch(sink, peerB, nil)

	msg := nhMsg(peerA, "10.0.0.0/24", "192.0.2.1")
	f.AddRoute(msg, nil)
	// The same (prefix, origin, genid) offered again must not queue.
	f.AddRoute(msg, nil)
	_ = f.Push(nil)
	if len(sink.adds) != 1 {
		t.Fatalf("adds = %d, want 1 (no double delivery in one epoch)", len(sink.adds))
	}

	// A new peering epoch delivers again.
	f.PeeringWentDown(peerA)
	epoch2 := nhMsg(peerA, "10.0.0.0/24", "192.0.2.1")
	epoch2.GenID = 2
	f.AddRoute(epoch2, nil)
	_ = f.Push(nil)
	if len(sink.adds) != 2 {
		t.Fatalf("adds = %d, want 2 after new epoch", len(sink.adds))
	}
}

func TestFanout_GetNextMessagePullsOne(t *testing.T) {
	f := NewFanoutTable(zap.NewNop())
	peerA := &PeerHandle{Name: "A", AS: 65001}
	peerB := &PeerHandle{Name: "B", AS: 65002}
	sink := newCaptureTable()
	f.AddBranch(sink, peerB, func() bool { return true })

	f.AddRoute(nhMsg(peerA, "10.0.0.0/24", "192.0.2.1"), nil)
	f.AddRoute(nhMsg(peerA, "10.0.1.0/24", "192.0.2.1"), nil)

	more := f.GetNextMessage(sink)
	if len(sink.adds) != 1 || !more {
		t.Fatalf("pull delivered %d (more=%v), want 1 with more pending", len(sink.adds), more)
	}
	more = f.GetNextMessage(sink)
	if len(sink.adds) != 2 || more {
		t.Fatalf("pull delivered %d (more=%v), want 2 and drained", len(sink.adds), more)
	}
}

func TestFanout_RemoveBranchDropsQueue(t *testing.T) {
	f := NewFanoutTable(zap.NewNop())
	peerA := &PeerHandle{Name: "A", AS: 65001}
	peerB := &PeerHandle{Name: "B", AS: 65002}
	sink := newCaptureTable()
	f.AddBranch(sink, peerB, nil)
	f.AddRoute(nhMsg(peerA, "10.0.0.0/24", "192.0.2.1"), nil)
	f.RemoveBranch(peerB)
	_ = f.Push(nil)
	if len(sink.adds) != 0 {
		t.Errorf("removed branch must not receive queued routes, got %d", len(sink.adds))
	}
}
