package rib

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"
)

// TableKind tags the table variants making up a pipeline.
type TableKind int

const (
	KindRibIn TableKind = iota
	KindPolicyImport
	KindPolicySourceMatch
	KindPolicyExport
	KindDamping
	KindNhLookup
	KindDecision
	KindAggregation
	KindFanout
	KindCache
	KindRibOut
)

func (k TableKind) String() string {
	switch k {
	case KindRibIn:
		return "rib-in"
	case KindPolicyImport:
		return "policy-import"
	case KindPolicySourceMatch:
		return "policy-source-match"
	case KindPolicyExport:
		return "policy-export"
	case KindDamping:
		return "damping"
	case KindNhLookup:
		return "nh-lookup"
	case KindDecision:
		return "decision"
	case KindAggregation:
		return "aggregation"
	case KindFanout:
		return "fanout"
	case KindCache:
		return "cache"
	case KindRibOut:
		return "rib-out"
	}
	return "unknown"
}

// RouteTable is the contract every pipeline stage implements. Tables
// form a chain per address family; downward calls must name the
// upstream table as caller, upward pulls name the downstream one.
// Caller violations are programming errors and panic.
type RouteTable interface {
	Name() string
	Kind() TableKind

	AddRoute(msg *InternalMessage, caller RouteTable) Result
	ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result
	DeleteRoute(msg *InternalMessage, caller RouteTable) error
	Push(caller RouteTable) error
	RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error
	LookupRoute(net netip.Prefix) (*RouteEntry, bool)

	// GetNextMessage asks the table to deliver one queued message to
	// next. Returns true while more remain. Only queueing tables
	// (fanout) do real work here.
	GetNextMessage(next RouteTable) bool

	SetNext(next RouteTable)
	SetParent(parent RouteTable)
}

// baseTable carries the chain links and caller checking shared by all
// table kinds.
type baseTable struct {
	name    string
	kind    TableKind
	parent  RouteTable
	next    RouteTable
	selfRef RouteTable
	logger  *zap.Logger
}

func newBaseTable(name string, kind TableKind, logger *zap.Logger) baseTable {
	return baseTable{name: name, kind: kind, logger: logger}
}

func (t *baseTable) Name() string              { return t.name }
func (t *baseTable) Kind() TableKind           { return t.kind }
func (t *baseTable) SetNext(next RouteTable)   { t.next = next }
func (t *baseTable) SetParent(p RouteTable)    { t.parent = p }
func (t *baseTable) GetNextMessage(RouteTable) bool { return false }

// checkCaller enforces that downward calls come from the parent.
func (t *baseTable) checkCaller(caller RouteTable) {
	if caller != nil && t.parent != nil && caller != t.parent {
		panic(fmt.Sprintf("rib: table %s called by %s, expected parent %s",
			t.name, caller.Name(), t.parent.Name()))
	}
}

func (t *baseTable) Push(caller RouteTable) error {
	t.checkCaller(caller)
	if t.next == nil {
		return nil
	}
	return t.next.Push(t.self())
}

// self is overridden by embedding tables through the selfRef field.
func (t *baseTable) self() RouteTable { return t.selfRef }

type selfRefSetter interface{ setSelf(RouteTable) }

func (t *baseTable) setSelf(s RouteTable) { t.selfRef = s }

var _ selfRefSetter = (*baseTable)(nil)
