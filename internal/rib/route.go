package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
)

// PeerHandle identifies one peering. GenID increases on every new
// session with the same peer so stale routes from a previous peering
// can be told apart from fresh ones.
type PeerHandle struct {
	Name  string
	AS    uint32
	BGPID uint32
	Addr  netip.Addr
	IBGP  bool

	genID uint32
}

// NewPeering bumps and returns the peering epoch.
func (p *PeerHandle) NewPeering() uint32 {
	p.genID++
	return p.genID
}

// GenID is the current peering epoch.
func (p *PeerHandle) GenID() uint32 { return p.genID }

// Number of inline policy filter slots on a route: import,
// source-match, export.
const NumPolicyFilters = 3

const (
	FilterImport = iota
	FilterSourceMatch
	FilterExport
)

// RouteEntry is one stored route: the NLRI prefix plus its attribute
// list and bookkeeping flags.
type RouteEntry struct {
	Prefix netip.Prefix
	Attrs  *bgp.PathAttrs

	// IGPMetric is filled in by next-hop resolution and consulted by
	// the decision tie-break.
	IGPMetric uint32

	Winner          bool
	Filtered        bool
	NexthopResolved bool
	InUse           bool

	// FilterGen records the policy-filter generation that last touched
	// each filter slot, so a filter reconfiguration can tell which
	// routes need re-filtering.
	FilterGen [NumPolicyFilters]uint32
}

// Clone copies the entry with a deep copy of the attribute list.
func (r *RouteEntry) Clone() *RouteEntry {
	c := *r
	if r.Attrs != nil {
		c.Attrs = r.Attrs.Clone()
	}
	return &c
}

// NextHop returns the route's next hop.
func (r *RouteEntry) NextHop() (netip.Addr, bool) {
	if r.Attrs == nil {
		return netip.Addr{}, false
	}
	return r.Attrs.NextHop()
}

// InternalMessage is the transient envelope passed between tables for
// one pipeline traversal. It never outlives the traversal.
type InternalMessage struct {
	Route  *RouteEntry
	Attrs  *bgp.PathAttrs
	Origin *PeerHandle
	GenID  uint32

	Push                bool
	Changed             bool
	Copied              bool
	FromPreviousPeering bool
}

// NewMessage builds a message for route from the given peering epoch.
func NewMessage(route *RouteEntry, origin *PeerHandle, genID uint32) *InternalMessage {
	return &InternalMessage{
		Route:  route,
		Attrs:  route.Attrs,
		Origin: origin,
		GenID:  genID,
	}
}

// WithRoute derives a message carrying a replacement route, marking the
// copy so downstream tables know the attributes differ from the stored
// original.
func (m *InternalMessage) WithRoute(route *RouteEntry) *InternalMessage {
	out := *m
	out.Route = route
	out.Attrs = route.Attrs
	out.Changed = true
	out.Copied = true
	return &out
}

// Result of offering a route to a table.
type Result int

const (
	ResultUsed Result = iota
	ResultFiltered
	ResultUnused
)

func (r Result) String() string {
	switch r {
	case ResultUsed:
		return "used"
	case ResultFiltered:
		return "filtered"
	default:
		return "unused"
	}
}
