package rib

import (
	"net/netip"

	"go.uber.org/zap"
)

type queueOp int

const (
	queueAdd queueOp = iota
	queueReplace
	queueDelete
)

// RouteQueueEntry is one queued operation on a fanout branch.
type RouteQueueEntry struct {
	op  queueOp
	old *InternalMessage
	msg *InternalMessage
}

// BusyFunc reports transport backpressure for a branch.
type BusyFunc func() bool

type fanoutBranch struct {
	next  RouteTable
	peer  *PeerHandle
	busy  BusyFunc
	queue []RouteQueueEntry
}

// FanoutTable replicates each route operation to every downstream
// branch except the one belonging to the route's originating peer.
// Branches are throttled independently: a busy branch accumulates its
// queue; OutputNoLongerBusy drains it.
type FanoutTable struct {
	baseTable
	branches []*fanoutBranch

	// delivered tracks (branch peer, prefix, origin genid) so no route
	// is handed to the same branch twice within one peering epoch.
	delivered map[deliveryKey]bool
}

type deliveryKey struct {
	branchPeer *PeerHandle
	prefix     netip.Prefix
	origin     *PeerHandle
	genID      uint32
}

func NewFanoutTable(logger *zap.Logger) *FanoutTable {
	t := &FanoutTable{
		baseTable: newBaseTable("fanout", KindFanout, logger),
		delivered: make(map[deliveryKey]bool),
	}
	t.selfRef = t
	return t
}

// AddBranch attaches a downstream branch serving peer.
func (t *FanoutTable) AddBranch(next RouteTable, peer *PeerHandle, busy BusyFunc) {
	t.branches = append(t.branches, &fanoutBranch{next: next, peer: peer, busy: busy})
	next.SetParent(t.self())
}

// RemoveBranch detaches the branch serving peer and drops its queue.
func (t *FanoutTable) RemoveBranch(peer *PeerHandle) {
	for i, b := range t.branches {
		if b.peer == peer {
			t.branches = append(t.branches[:i], t.branches[i+1:]...)
			return
		}
	}
}

func (t *FanoutTable) enqueue(e RouteQueueEntry) {
	for _, b := range t.branches {
		// Never fan a route back to the peer that announced it.
		if e.msg.Origin == b.peer {
			continue
		}
		if e.op == queueAdd {
			key := deliveryKey{b.peer, e.msg.Route.Prefix, e.msg.Origin, e.msg.GenID}
			if t.delivered[key] {
				continue
			}
			t.delivered[key] = true
		}
		b.queue = append(b.queue, e)
	}
}

func (t *FanoutTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	t.enqueue(RouteQueueEntry{op: queueAdd, msg: msg})
	return ResultUsed
}

func (t *FanoutTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	t.enqueue(RouteQueueEntry{op: queueReplace, old: old, msg: new})
	return ResultUsed
}

func (t *FanoutTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	t.enqueue(RouteQueueEntry{op: queueDelete, msg: msg})
	return nil
}

// Push drains every branch that is not backpressured.
func (t *FanoutTable) Push(caller RouteTable) error {
	t.checkCaller(caller)
	for _, b := range t.branches {
		t.drain(b)
	}
	return nil
}

func (t *FanoutTable) drain(b *fanoutBranch) {
	if b.next == nil {
		b.queue = nil
		return
	}
	sent := false
	for len(b.queue) > 0 {
		if b.busy != nil && b.busy() {
			return
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		switch e.op {
		case queueAdd:
			b.next.AddRoute(e.msg, t.self())
		case queueReplace:
			b.next.ReplaceRoute(e.old, e.msg, t.self())
		case queueDelete:
			if err := b.next.DeleteRoute(e.msg, t.self()); err != nil {
				t.logger.Warn("fanout delete failed",
					zap.String("branch", b.next.Name()), zap.Error(err))
			}
		}
		sent = true
	}
	if sent {
		_ = b.next.Push(t.self())
	}
}

// OutputNoLongerBusy resumes the branch serving peer. Dispatched by the
// plumbing when the peer's transport drains to its low watermark.
func (t *FanoutTable) OutputNoLongerBusy(peer *PeerHandle) {
	for _, b := range t.branches {
		if b.peer == peer {
			t.drain(b)
			return
		}
	}
}

// GetNextMessage delivers one queued entry to next; true while more
// remain.
func (t *FanoutTable) GetNextMessage(next RouteTable) bool {
	for _, b := range t.branches {
		if b.next != next || len(b.queue) == 0 {
			continue
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		switch e.op {
		case queueAdd:
			next.AddRoute(e.msg, t.self())
		case queueReplace:
			next.ReplaceRoute(e.old, e.msg, t.self())
		case queueDelete:
			_ = next.DeleteRoute(e.msg, t.self())
		}
		return len(b.queue) > 0
	}
	return false
}

// PeeringWentDown discards delivery bookkeeping for routes the downed
// peer originated; its epoch is over.
func (t *FanoutTable) PeeringWentDown(peer *PeerHandle) {
	for key := range t.delivered {
		if key.origin == peer || key.branchPeer == peer {
			delete(t.delivered, key)
		}
	}
}

func (t *FanoutTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	for _, b := range t.branches {
		if b.peer != dumpPeer || msg.Origin == b.peer {
			continue
		}
		if b.next != nil {
			return b.next.RouteDump(msg, t.self(), dumpPeer)
		}
	}
	return nil
}

func (t *FanoutTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	if t.parent == nil {
		return nil, false
	}
	return t.parent.LookupRoute(net)
}
