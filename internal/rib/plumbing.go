package rib

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"github.com/route-beacon/routerd/internal/nexthop"
	"github.com/route-beacon/routerd/internal/policy"
	"go.uber.org/zap"
)

// peerChain is the ingress half of one peering.
type peerChain struct {
	ribin       *RibInTable
	sourceMatch *PolicyTable
	importPol   *PolicyTable
	damping     *DampingTable
	nhLookup    *NhLookupTable
}

// peerBranch is the egress half.
type peerBranch struct {
	cache     *CacheTable
	exportPol *PolicyTable
	ribout    *RibOutTable
	output    PeerOutput
}

// PlumbingConfig parameterizes one address-family pipeline.
type PlumbingConfig struct {
	// Name labels the pipeline in metrics ("ipv4" or "ipv6").
	Name       string
	LocalAS    uint32
	LocalBGPID netip.Addr
	Decision   DecisionConfig
	Damping    DampingConfig
	Aggregates []AggregateConfig
}

// Plumbing owns the table chain for one address family and is the
// registry through which upward notifications dispatch, so tables hold
// no back-pointers beyond their immediate parent.
type Plumbing struct {
	cfg      PlumbingConfig
	resolver *nexthop.Resolver
	damping  *Damping

	decision    *DecisionTable
	aggregation *AggregationTable
	fanout      *FanoutTable

	chains   map[*PeerHandle]*peerChain
	branches map[*PeerHandle]*peerBranch
	dumps    map[*PeerHandle]*DumpIterator

	// originRibIn holds locally originated routes; it feeds decision
	// like any peer chain, under the local speaker's identity.
	originPeer  *PeerHandle
	originRibIn *RibInTable

	logger *zap.Logger
}

func NewPlumbing(cfg PlumbingConfig, resolver *nexthop.Resolver, logger *zap.Logger) *Plumbing {
	p := &Plumbing{
		cfg:      cfg,
		resolver: resolver,
		damping:  NewDamping(cfg.Damping),
		chains:   make(map[*PeerHandle]*peerChain),
		branches: make(map[*PeerHandle]*peerBranch),
		dumps:    make(map[*PeerHandle]*DumpIterator),
		logger:   logger,
	}
	p.decision = NewDecisionTable(cfg.Decision, resolver, logger)
	p.decision.afi = cfg.Name
	p.aggregation = NewAggregationTable(cfg.LocalAS, cfg.LocalBGPID, logger)
	p.aggregation.Configure(cfg.Aggregates)
	p.fanout = NewFanoutTable(logger)

	p.decision.SetNext(p.aggregation)
	p.aggregation.SetParent(p.decision)
	p.aggregation.SetNext(p.fanout)
	p.fanout.SetParent(p.aggregation)

	p.originPeer = &PeerHandle{Name: "local", AS: cfg.LocalAS, Addr: cfg.LocalBGPID, IBGP: true}
	p.originRibIn = NewRibInTable(p.originPeer, logger)
	p.originRibIn.SetNext(p.decision)
	p.decision.AddParent(p.originRibIn)

	resolver.AddListener(p.decision)
	return p
}

// OriginateRoute injects a locally originated route and flushes it.
func (p *Plumbing) OriginateRoute(prefix netip.Prefix, attrs *bgp.PathAttrs) Result {
	res := p.originRibIn.OriginateAdd(prefix, attrs)
	p.Push()
	return res
}

// WithdrawRoute removes a locally originated route.
func (p *Plumbing) WithdrawRoute(prefix netip.Prefix) {
	p.originRibIn.IngressDelete(prefix)
	p.Push()
}

// Decision exposes the shared decision table (for status queries).
func (p *Plumbing) Decision() *DecisionTable { return p.decision }

// AddPeering builds both halves of a peering and returns the ingress
// table the peer handler feeds.
func (p *Plumbing) AddPeering(peer *PeerHandle, output PeerOutput) *RibInTable {
	ribin := NewRibInTable(peer, p.logger)
	sm := NewPolicyTable(peer.Name, policy.FlavorSourceMatch, nil, p.logger)
	imp := NewPolicyTable(peer.Name, policy.FlavorImport, nil, p.logger)
	damp := NewDampingTable(peer.Name, p.damping, p.logger)
	damp.afi = p.cfg.Name
	nhl := NewNhLookupTable(peer.Name, p.resolver, p.logger)

	link(ribin, sm)
	link(sm, imp)
	link(imp, damp)
	link(damp, nhl)
	nhl.SetNext(p.decision)
	p.decision.AddParent(nhl)

	p.chains[peer] = &peerChain{ribin: ribin, sourceMatch: sm, importPol: imp, damping: damp, nhLookup: nhl}

	cache := NewCacheTable(peer.Name, p.logger)
	exp := NewPolicyTable(peer.Name, policy.FlavorExport, peer, p.logger)
	ribout := NewRibOutTable(peer, output, p.logger)
	link(cache, exp)
	link(exp, ribout)
	p.fanout.AddBranch(cache, peer, ribout.Busy)
	p.branches[peer] = &peerBranch{cache: cache, exportPol: exp, ribout: ribout, output: output}

	return ribin
}

func link(parent, next RouteTable) {
	parent.SetNext(next)
	next.SetParent(parent)
}

// RemovePeering tears down both halves.
func (p *Plumbing) RemovePeering(peer *PeerHandle) {
	if chain, ok := p.chains[peer]; ok {
		chain.ribin.PeeringWentDown()
		delete(p.chains, peer)
	}
	p.fanout.RemoveBranch(peer)
	p.fanout.PeeringWentDown(peer)
	delete(p.branches, peer)
	delete(p.dumps, peer)
}

// PeeringWentDown flushes the peer's routes but keeps the plumbing for
// a future session.
func (p *Plumbing) PeeringWentDown(peer *PeerHandle) {
	if chain, ok := p.chains[peer]; ok {
		chain.ribin.PeeringWentDown()
	}
	if branch, ok := p.branches[peer]; ok {
		branch.cache.Flush()
	}
	p.fanout.PeeringWentDown(peer)
	for _, it := range p.dumps {
		it.PeerWentDown(peer)
	}
	delete(p.dumps, peer)
}

// PeeringCameUp starts a fresh epoch and kicks off the table dump to
// the new peer.
func (p *Plumbing) PeeringCameUp(peer *PeerHandle) {
	chain, ok := p.chains[peer]
	if !ok {
		return
	}
	chain.ribin.PeeringCameUp()
	ribins := []*RibInTable{p.originRibIn}
	for _, c := range p.chains {
		ribins = append(ribins, c.ribin)
	}
	it := NewDumpIterator(peer, ribins, p.logger)
	p.dumps[peer] = it
	for _, other := range p.dumps {
		other.PeerCameUp(peer)
	}
}

// RunDumps advances all in-progress dumps by up to n routes each.
func (p *Plumbing) RunDumps(n int) {
	for peer, it := range p.dumps {
		if !it.Step(n) {
			delete(p.dumps, peer)
			if branch, ok := p.branches[peer]; ok {
				_ = branch.output.PushRoutes()
			}
		}
	}
}

// Ingress returns the head table for a peer.
func (p *Plumbing) Ingress(peer *PeerHandle) *RibInTable {
	if chain, ok := p.chains[peer]; ok {
		return chain.ribin
	}
	return nil
}

// ConfigureImportFilter installs the peer's import policy program.
func (p *Plumbing) ConfigureImportFilter(peer *PeerHandle, terms []policy.Term) {
	if chain, ok := p.chains[peer]; ok {
		chain.importPol.Configure(terms)
	}
}

// ConfigureExportFilter installs the peer's export policy program.
func (p *Plumbing) ConfigureExportFilter(peer *PeerHandle, terms []policy.Term) {
	if branch, ok := p.branches[peer]; ok {
		branch.exportPol.Configure(terms)
	}
}

// PushRoutes re-runs every stored route through its chain after a
// filter change.
func (p *Plumbing) PushRoutes() {
	for peer, chain := range p.chains {
		var entries []*RouteEntry
		chain.ribin.trie.Walk(func(e *RouteEntry) bool {
			entries = append(entries, e)
			return true
		})
		for _, e := range entries {
			old := NewMessage(e, peer, chain.ribin.GenID())
			refreshed := NewMessage(e, peer, chain.ribin.GenID())
			chain.sourceMatch.ReplaceRoute(old, refreshed, chain.ribin)
		}
	}
	p.Push()
}

// Push flushes the fanout queues.
func (p *Plumbing) Push() {
	_ = p.fanout.Push(p.aggregation)
}

// OutputNoLongerBusy resumes the peer's fanout branch; called when its
// transport drained to the low watermark.
func (p *Plumbing) OutputNoLongerBusy(peer *PeerHandle) {
	p.fanout.OutputNoLongerBusy(peer)
}

// Tick drives the damping clock, one call per second.
func (p *Plumbing) Tick() {
	p.damping.Tick()
	for _, chain := range p.chains {
		chain.damping.Tick()
	}
}

// LookupRoute consults the decision table's current winner.
func (p *Plumbing) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	return p.decision.LookupRoute(net)
}
