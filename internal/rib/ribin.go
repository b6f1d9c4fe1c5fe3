package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"go.uber.org/zap"
)

// RibInTable is the per-peer ingress store at the head of a chain. The
// peer handler feeds it decoded routes; everything downstream sees
// internal messages referencing the stored entries.
type RibInTable struct {
	baseTable
	peer  *PeerHandle
	trie  *Trie
	genID uint32
}

func NewRibInTable(peer *PeerHandle, logger *zap.Logger) *RibInTable {
	t := &RibInTable{
		baseTable: newBaseTable("rib-in."+peer.Name, KindRibIn, logger),
		peer:      peer,
		trie:      NewTrie(),
		genID:     peer.GenID(),
	}
	t.selfRef = t
	return t
}

func (t *RibInTable) Peer() *PeerHandle { return t.peer }

// GenID is the peering epoch this table is currently storing routes for.
func (t *RibInTable) GenID() uint32 { return t.genID }

// RouteCount is the number of stored routes, used for prefix-limit
// enforcement.
func (t *RibInTable) RouteCount() int { return t.trie.Len() }

// IngressAdd stores a decoded route and propagates it. Replace
// semantics: a second announcement for the same prefix becomes a
// replace downstream.
func (t *RibInTable) IngressAdd(prefix netip.Prefix, attrs *bgp.PathAttrs) Result {
	entry := &RouteEntry{Prefix: prefix, Attrs: attrs}
	old := t.trie.Insert(entry)
	if t.next == nil {
		return ResultUnused
	}
	msg := NewMessage(entry, t.peer, t.genID)
	if old != nil {
		oldMsg := NewMessage(old, t.peer, t.genID)
		return t.next.ReplaceRoute(oldMsg, msg, t.self())
	}
	return t.next.AddRoute(msg, t.self())
}

// OriginateAdd stores a locally originated route. Local routes need no
// next-hop resolution, so the entry enters the chain pre-resolved.
func (t *RibInTable) OriginateAdd(prefix netip.Prefix, attrs *bgp.PathAttrs) Result {
	entry := &RouteEntry{Prefix: prefix, Attrs: attrs, NexthopResolved: true}
	old := t.trie.Insert(entry)
	if t.next == nil {
		return ResultUnused
	}
	msg := NewMessage(entry, t.peer, t.genID)
	if old != nil {
		return t.next.ReplaceRoute(NewMessage(old, t.peer, t.genID), msg, t.self())
	}
	return t.next.AddRoute(msg, t.self())
}

// IngressDelete withdraws a route. Unknown prefixes are ignored: a
// withdraw for a route we never stored is legal.
func (t *RibInTable) IngressDelete(prefix netip.Prefix) {
	entry, ok := t.trie.Delete(prefix)
	if !ok {
		return
	}
	if t.next != nil {
		msg := NewMessage(entry, t.peer, t.genID)
		if err := t.next.DeleteRoute(msg, t.self()); err != nil {
			t.logger.Warn("delete propagation failed",
				zap.String("table", t.name), zap.Error(err))
		}
	}
}

// IngressPush flushes queued work downstream after a batch of ingress
// operations.
func (t *RibInTable) IngressPush() {
	if t.next != nil {
		_ = t.next.Push(t.self())
	}
}

// PeeringWentDown withdraws every stored route downstream with the
// from-previous-peering flag and empties the table.
func (t *RibInTable) PeeringWentDown() {
	var entries []*RouteEntry
	t.trie.Walk(func(e *RouteEntry) bool {
		entries = append(entries, e)
		return true
	})
	for _, e := range entries {
		t.trie.Delete(e.Prefix)
		if t.next != nil {
			msg := NewMessage(e, t.peer, t.genID)
			msg.FromPreviousPeering = true
			_ = t.next.DeleteRoute(msg, t.self())
		}
	}
	if t.next != nil {
		_ = t.next.Push(t.self())
	}
}

// PeeringCameUp starts a new epoch.
func (t *RibInTable) PeeringCameUp() {
	t.genID = t.peer.NewPeering()
}

// Head-of-chain: nothing may call downward into a RIB-In.

func (t *RibInTable) AddRoute(*InternalMessage, RouteTable) Result {
	panic("rib: rib-in has no parent")
}

func (t *RibInTable) ReplaceRoute(*InternalMessage, *InternalMessage, RouteTable) Result {
	panic("rib: rib-in has no parent")
}

func (t *RibInTable) DeleteRoute(*InternalMessage, RouteTable) error {
	panic("rib: rib-in has no parent")
}

func (t *RibInTable) RouteDump(*InternalMessage, RouteTable, *PeerHandle) error {
	panic("rib: rib-in has no parent")
}

func (t *RibInTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	return t.trie.Lookup(net)
}

// DumpEntry pushes one stored route down the chain addressed to
// dumpPeer only.
func (t *RibInTable) DumpEntry(e *RouteEntry, dumpPeer *PeerHandle) {
	if t.next == nil {
		return
	}
	msg := NewMessage(e, t.peer, t.genID)
	if err := t.next.RouteDump(msg, t.self(), dumpPeer); err != nil {
		t.logger.Warn("route dump failed",
			zap.String("table", t.name),
			zap.String("dump-peer", dumpPeer.Name), zap.Error(err))
	}
}

// DumpWalk iterates stored routes for the dump iterator, resuming
// after a previously dumped prefix when resumeAfter is valid.
func (t *RibInTable) DumpWalk(resumeAfter netip.Prefix, fn func(*RouteEntry) bool) {
	if resumeAfter.IsValid() {
		t.trie.WalkFrom(resumeAfter, fn)
		return
	}
	t.trie.Walk(fn)
}
