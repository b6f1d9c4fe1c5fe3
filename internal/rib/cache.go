package rib

import (
	"net/netip"

	"go.uber.org/zap"
)

// CacheTable stores per-branch copies of routes that passed through, so
// downstream tables see stable references even when an upstream table
// recomputes. One cache per fanout branch.
type CacheTable struct {
	baseTable
	trie *Trie
}

func NewCacheTable(name string, logger *zap.Logger) *CacheTable {
	t := &CacheTable{
		baseTable: newBaseTable("cache."+name, KindCache, logger),
		trie:      NewTrie(),
	}
	t.selfRef = t
	return t
}

func (t *CacheTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	stored := msg.Route.Clone()
	t.trie.Insert(stored)
	if t.next == nil {
		return ResultUnused
	}
	return t.next.AddRoute(msg.WithRoute(stored), t.self())
}

func (t *CacheTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	prevStored, had := t.trie.Lookup(old.Route.Prefix)
	stored := new.Route.Clone()
	t.trie.Insert(stored)
	if t.next == nil {
		return ResultUnused
	}
	if !had {
		return t.next.AddRoute(new.WithRoute(stored), t.self())
	}
	return t.next.ReplaceRoute(old.WithRoute(prevStored), new.WithRoute(stored), t.self())
}

func (t *CacheTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	stored, ok := t.trie.Delete(msg.Route.Prefix)
	if !ok {
		// Deleting a route the cache never saw: the upstream filtered
		// the original add, nothing to undo downstream.
		return nil
	}
	if t.next == nil {
		return nil
	}
	return t.next.DeleteRoute(msg.WithRoute(stored), t.self())
}

func (t *CacheTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	stored := msg.Route.Clone()
	t.trie.Insert(stored)
	if t.next == nil {
		return nil
	}
	return t.next.RouteDump(msg.WithRoute(stored), t.self(), dumpPeer)
}

func (t *CacheTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	return t.trie.Lookup(net)
}

// Flush drops all cached routes, used when the branch's peering goes
// down.
func (t *CacheTable) Flush() {
	t.trie = NewTrie()
}
