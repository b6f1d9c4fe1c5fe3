package rib

import "net/netip"

// Trie is a binary radix trie keyed by prefix bits. One per peer per
// address family; insert has replace semantics so no two entries share
// a prefix.
type Trie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children [2]*trieNode
	entry    *RouteEntry
}

func NewTrie() *Trie {
	return &Trie{root: &trieNode{}}
}

// Len is the number of stored routes.
func (t *Trie) Len() int { return t.size }

func prefixBit(p netip.Prefix, i int) int {
	var b []byte
	if p.Addr().Is4() {
		v := p.Addr().As4()
		b = v[:]
	} else {
		v := p.Addr().As16()
		b = v[:]
	}
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

// Insert stores entry, replacing any previous route with the same
// prefix. Returns the replaced entry, if any.
func (t *Trie) Insert(entry *RouteEntry) *RouteEntry {
	n := t.root
	for i := 0; i < entry.Prefix.Bits(); i++ {
		bit := prefixBit(entry.Prefix, i)
		if n.children[bit] == nil {
			n.children[bit] = &trieNode{}
		}
		n = n.children[bit]
	}
	old := n.entry
	n.entry = entry
	if old == nil {
		t.size++
	}
	return old
}

// Lookup finds the exact-match entry for p.
func (t *Trie) Lookup(p netip.Prefix) (*RouteEntry, bool) {
	n := t.root
	for i := 0; i < p.Bits(); i++ {
		n = n.children[prefixBit(p, i)]
		if n == nil {
			return nil, false
		}
	}
	if n.entry == nil || n.entry.Prefix != p {
		return nil, false
	}
	return n.entry, true
}

// Delete removes the exact-match entry for p and returns it.
func (t *Trie) Delete(p netip.Prefix) (*RouteEntry, bool) {
	n := t.root
	for i := 0; i < p.Bits(); i++ {
		n = n.children[prefixBit(p, i)]
		if n == nil {
			return nil, false
		}
	}
	if n.entry == nil || n.entry.Prefix != p {
		return nil, false
	}
	e := n.entry
	n.entry = nil
	t.size--
	return e, true
}

// Walk visits entries in depth-first prefix order. Return false from fn
// to stop early.
func (t *Trie) Walk(fn func(*RouteEntry) bool) {
	t.walk(t.root, fn)
}

func (t *Trie) walk(n *trieNode, fn func(*RouteEntry) bool) bool {
	if n == nil {
		return true
	}
	if n.entry != nil && !fn(n.entry) {
		return false
	}
	return t.walk(n.children[0], fn) && t.walk(n.children[1], fn)
}

// WalkFrom visits entries strictly after the given prefix in the trie's
// depth-first order. Used by dump iterators to resume.
func (t *Trie) WalkFrom(after netip.Prefix, fn func(*RouteEntry) bool) {
	passed := false
	t.walk(t.root, func(e *RouteEntry) bool {
		if !passed {
			if e.Prefix == after {
				passed = true
			}
			return true
		}
		return fn(e)
	})
}
