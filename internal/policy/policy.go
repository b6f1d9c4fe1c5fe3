// Package policy evaluates route filter programs against a variable
// binding of the route under consideration. Import, source-match and
// export filter flavors share the evaluator and differ only in which
// variables are bound.
package policy

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/route-beacon/routerd/internal/bgp"
)

// Flavor selects the variable bindings available to a filter.
type Flavor int

const (
	FlavorImport Flavor = iota
	FlavorSourceMatch
	FlavorExport
)

func (f Flavor) String() string {
	switch f {
	case FlavorImport:
		return "import"
	case FlavorSourceMatch:
		return "source-match"
	default:
		return "export"
	}
}

// VarRW is the variable binding a filter runs against. Neighbor is the
// originating peer for import/source-match filters and the outbound
// peer for export filters.
type VarRW struct {
	Prefix       netip.Prefix
	Attrs        *bgp.PathAttrs
	NeighborAddr netip.Addr
	NeighborAS   uint32

	modified bool
}

// Modified reports whether any action wrote through the binding.
func (v *VarRW) Modified() bool { return v.modified }

// Disposition of a filter run.
type Disposition int

const (
	Accept Disposition = iota
	Reject
)

// Match is one condition in a term. All matches in a term must hold.
type Match interface {
	Matches(v *VarRW) bool
}

// PrefixMatch matches routes inside the given prefix with a mask length
// between GE and LE (0 values default to the prefix's own length and
// the address width).
type PrefixMatch struct {
	Prefix netip.Prefix
	GE, LE int
}

func (m PrefixMatch) Matches(v *VarRW) bool {
	if !m.Prefix.Contains(v.Prefix.Addr()) && m.Prefix != v.Prefix {
		return false
	}
	ge := m.GE
	if ge == 0 {
		ge = m.Prefix.Bits()
	}
	le := m.LE
	if le == 0 {
		le = v.Prefix.Addr().BitLen()
	}
	return v.Prefix.Bits() >= ge && v.Prefix.Bits() <= le
}

// ASPathRegexMatch matches the space-joined AS path rendering.
type ASPathRegexMatch struct {
	re *regexp.Regexp
}

func NewASPathRegexMatch(expr string) (ASPathRegexMatch, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return ASPathRegexMatch{}, fmt.Errorf("policy: as-path regex: %w", err)
	}
	return ASPathRegexMatch{re: re}, nil
}

func (m ASPathRegexMatch) Matches(v *VarRW) bool {
	return m.re.MatchString(renderASPath(v.Attrs.ASPath()))
}

func renderASPath(ap *bgp.ASPathAttr) string {
	if ap == nil {
		return ""
	}
	var parts []string
	for _, seg := range ap.Segments {
		var asns []string
		for _, a := range seg.ASNs {
			asns = append(asns, fmt.Sprintf("%d", a))
		}
		if seg.Type == bgp.ASPathSegmentSet {
			parts = append(parts, "{"+strings.Join(asns, ",")+"}")
		} else {
			parts = append(parts, strings.Join(asns, " "))
		}
	}
	return strings.Join(parts, " ")
}

// CommunityMatch matches a community value.
type CommunityMatch struct{ Value uint32 }

func (m CommunityMatch) Matches(v *VarRW) bool {
	c, ok := v.Attrs.Get(bgp.AttrTypeCommunity).(*bgp.CommunityAttr)
	return ok && c.Contains(m.Value)
}

// OriginMatch matches the ORIGIN value.
type OriginMatch struct{ Value uint8 }

func (m OriginMatch) Matches(v *VarRW) bool {
	o, ok := v.Attrs.Origin()
	return ok && o == m.Value
}

// NeighborMatch matches the bound neighbor address.
type NeighborMatch struct{ Addr netip.Addr }

func (m NeighborMatch) Matches(v *VarRW) bool {
	return v.NeighborAddr == m.Addr
}

// Action mutates the binding or decides the disposition.
type Action interface {
	Apply(v *VarRW) Disposition
}

type AcceptAction struct{}

func (AcceptAction) Apply(*VarRW) Disposition { return Accept }

type RejectAction struct{}

func (RejectAction) Apply(*VarRW) Disposition { return Reject }

type SetLocalPrefAction struct{ Value uint32 }

func (a SetLocalPrefAction) Apply(v *VarRW) Disposition {
	v.Attrs.Set(&bgp.LocalPrefAttr{Value: a.Value})
	v.modified = true
	return Accept
}

type SetMEDAction struct{ Value uint32 }

func (a SetMEDAction) Apply(v *VarRW) Disposition {
	v.Attrs.Set(&bgp.MEDAttr{Value: a.Value})
	v.modified = true
	return Accept
}

type AddCommunityAction struct{ Value uint32 }

func (a AddCommunityAction) Apply(v *VarRW) Disposition {
	c, ok := v.Attrs.Get(bgp.AttrTypeCommunity).(*bgp.CommunityAttr)
	if !ok {
		v.Attrs.Set(&bgp.CommunityAttr{Values: []uint32{a.Value}})
	} else if !c.Contains(a.Value) {
		c.Values = append(c.Values, a.Value)
	}
	v.modified = true
	return Accept
}

type SetNextHopAction struct{ Addr netip.Addr }

func (a SetNextHopAction) Apply(v *VarRW) Disposition {
	if a.Addr.Is4() {
		v.Attrs.Set(&bgp.NextHopAttr{Addr: a.Addr})
	} else if mp, ok := v.Attrs.Get(bgp.AttrTypeMPReachNLRI).(*bgp.MPReachAttr); ok {
		mp.NextHop = a.Addr
	}
	v.modified = true
	return Accept
}

// Term is one ordered filter clause: when every match holds, the
// actions run in order until one rejects; if none rejects, the term
// accepts.
type Term struct {
	Name    string
	Matches []Match
	Actions []Action
}

// Filter is an ordered program of terms. Generation increases on every
// reconfiguration so tables can tell which stored routes were filtered
// by a stale program.
type Filter struct {
	Flavor     Flavor
	Terms      []Term
	Generation uint32
}

// defaultAccept is what happens when no term matches.
const defaultAccept = true

// Run evaluates the program. On Accept with modifications the caller
// must have handed in a binding over cloned attributes; the evaluator
// never copies.
func (f *Filter) Run(v *VarRW) Disposition {
	for _, term := range f.Terms {
		matched := true
		for _, m := range term.Matches {
			if !m.Matches(v) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		for _, a := range term.Actions {
			switch a.Apply(v) {
			case Reject:
				return Reject
			}
		}
		return Accept
	}
	if defaultAccept {
		return Accept
	}
	return Reject
}
