// Package nexthop tracks next-hop resolvability and IGP metrics for the
// BGP decision process. Answers come from configuration or from the
// RIB client feeding metric updates in.
package nexthop

import (
	"net/netip"

	"go.uber.org/zap"
)

// Resolution is the answer for one next hop.
type Resolution struct {
	Resolvable bool
	Metric     uint32
}

// LookupFunc receives the answer for an async lookup.
type LookupFunc func(nh netip.Addr, res Resolution)

// MetricListener is told when a known next hop's resolution changes.
type MetricListener interface {
	IGPNextHopChanged(nh netip.Addr)
}

// Resolver answers next-hop queries. Unknown next hops stay pending
// until SetResolution supplies an answer; at most one pending query per
// next hop regardless of how many routes wait on it.
type Resolver struct {
	known     map[netip.Addr]Resolution
	pending   map[netip.Addr][]LookupFunc
	refs      map[netip.Addr]int
	listeners []MetricListener
	logger    *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{
		known:   make(map[netip.Addr]Resolution),
		pending: make(map[netip.Addr][]LookupFunc),
		refs:    make(map[netip.Addr]int),
		logger:  logger,
	}
}

// AddListener registers for metric-change notifications.
func (r *Resolver) AddListener(l MetricListener) {
	r.listeners = append(r.listeners, l)
}

// Register asks for nh's resolution. A cached answer is delivered
// synchronously; otherwise cb is queued until SetResolution. Each
// Register must be balanced by Deregister.
func (r *Resolver) Register(nh netip.Addr, cb LookupFunc) {
	r.refs[nh]++
	if res, ok := r.known[nh]; ok {
		cb(nh, res)
		return
	}
	r.pending[nh] = append(r.pending[nh], cb)
}

// Deregister drops one interest in nh. When the last reference goes,
// pending callbacks for it are discarded.
func (r *Resolver) Deregister(nh netip.Addr) {
	if r.refs[nh] == 0 {
		return
	}
	r.refs[nh]--
	if r.refs[nh] == 0 {
		delete(r.refs, nh)
		delete(r.pending, nh)
	}
}

// Resolved returns the cached answer without registering interest.
func (r *Resolver) Resolved(nh netip.Addr) (Resolution, bool) {
	res, ok := r.known[nh]
	return res, ok
}

// SetResolution supplies or updates the answer for nh. Pending lookups
// are answered; an update to an already-known next hop notifies metric
// listeners so dependent prefixes re-run decision.
func (r *Resolver) SetResolution(nh netip.Addr, res Resolution) {
	prev, had := r.known[nh]
	r.known[nh] = res
	if waiting := r.pending[nh]; len(waiting) > 0 {
		delete(r.pending, nh)
		for _, cb := range waiting {
			cb(nh, res)
		}
	}
	if had && prev != res {
		r.logger.Debug("next hop changed",
			zap.Stringer("nexthop", nh),
			zap.Bool("resolvable", res.Resolvable),
			zap.Uint32("metric", res.Metric))
		for _, l := range r.listeners {
			l.IGPNextHopChanged(nh)
		}
	}
}

// Unresolve removes a next hop from the table and notifies listeners.
func (r *Resolver) Unresolve(nh netip.Addr) {
	if _, ok := r.known[nh]; !ok {
		return
	}
	delete(r.known, nh)
	for _, l := range r.listeners {
		l.IGPNextHopChanged(nh)
	}
}
