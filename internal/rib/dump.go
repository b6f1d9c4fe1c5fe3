package rib

import (
	"net/netip"

	"go.uber.org/zap"
)

// Per-peer progress of a table dump.
type peerDumpStatus int

const (
	stillToDump peerDumpStatus = iota
	currentlyDumping
	downDuringDump
	completelyDumped
)

type peerDumpState struct {
	ribin   *RibInTable
	status  peerDumpStatus
	genID   uint32
	lastNet netip.Prefix
}

// DumpIterator walks the union of peer RIB-Ins to feed the full table
// to a newly established peer. It observes snapshot semantics: a peer
// going down mid-dump is recorded with the last dumped prefix so the
// teardown withdraws exactly the routes already sent; no route is
// dumped twice.
type DumpIterator struct {
	dumpPeer *PeerHandle
	peers    []*peerDumpState
	logger   *zap.Logger
}

func NewDumpIterator(dumpPeer *PeerHandle, ribins []*RibInTable, logger *zap.Logger) *DumpIterator {
	it := &DumpIterator{dumpPeer: dumpPeer, logger: logger}
	for _, r := range ribins {
		if r.Peer() == dumpPeer {
			continue
		}
		it.peers = append(it.peers, &peerDumpState{
			ribin:  r,
			status: stillToDump,
			genID:  r.GenID(),
		})
	}
	return it
}

// Step dumps up to n routes, returning false when the dump completed.
func (it *DumpIterator) Step(n int) bool {
	remaining := n
	for _, st := range it.peers {
		if remaining == 0 {
			return true
		}
		if st.status == completelyDumped || st.status == downDuringDump {
			continue
		}
		st.status = currentlyDumping
		resume := st.lastNet
		done := true
		st.ribin.DumpWalk(resume, func(e *RouteEntry) bool {
			if remaining == 0 {
				done = false
				return false
			}
			st.ribin.DumpEntry(e, it.dumpPeer)
			st.lastNet = e.Prefix
			remaining--
			return true
		})
		if done {
			st.status = completelyDumped
		}
	}
	return !it.Done()
}

// PeerWentDown records that a source peer dropped mid-dump. Routes up
// to lastNet were already dumped; the normal teardown path withdraws
// them, and the iterator must not resume into the dead epoch.
func (it *DumpIterator) PeerWentDown(peer *PeerHandle) {
	for _, st := range it.peers {
		if st.ribin.Peer() == peer && st.status != completelyDumped {
			st.status = downDuringDump
		}
	}
}

// PeerCameUp rejoins a source peer whose session bounced during the
// dump: its new epoch starts from scratch.
func (it *DumpIterator) PeerCameUp(peer *PeerHandle) {
	for _, st := range it.peers {
		if st.ribin.Peer() == peer && st.status == downDuringDump {
			st.status = stillToDump
			st.genID = st.ribin.GenID()
			st.lastNet = netip.Prefix{}
		}
	}
}

// Done reports whether every source peer is fully dumped or down.
func (it *DumpIterator) Done() bool {
	for _, st := range it.peers {
		if st.status == stillToDump || st.status == currentlyDumping {
			return false
		}
	}
	return true
}
