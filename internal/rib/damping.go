package rib

import (
	"math"
	"net/netip"

	"github.com/route-beacon/routerd/internal/metrics"
	"go.uber.org/zap"
)

// Fixed-point scale for the figure of merit.
const meritFixed = 1000

// DampingConfig is the RFC 2439 parameter set. HalfLife and MaxHoldDown
// are in minutes.
type DampingConfig struct {
	Enabled     bool
	HalfLife    uint32
	MaxHoldDown uint32
	Reuse       uint32
	Cutoff      uint32
}

// DefaultDampingConfig mirrors the conventional defaults.
func DefaultDampingConfig() DampingConfig {
	return DampingConfig{
		HalfLife:    15,
		MaxHoldDown: 60,
		Reuse:       750,
		Cutoff:      3000,
	}
}

// Damping holds the decay table and the clock tick. The decay table is
// precomputed per second out to the maximum hold-down, in fixed point.
type Damping struct {
	cfg   DampingConfig
	decay []uint32
	tick  uint32
}

func NewDamping(cfg DampingConfig) *Damping {
	d := &Damping{cfg: cfg}
	d.init()
	return d
}

func (d *Damping) init() {
	if !d.cfg.Enabled {
		d.decay = nil
		return
	}
	size := int(d.cfg.MaxHoldDown * 60)
	d.decay = make([]uint32, size)
	decay1 := math.Exp((1.0 / (float64(d.cfg.HalfLife) * 60.0)) * math.Log(0.5))
	for i := 0; i < size; i++ {
		d.decay[i] = uint32(math.Pow(decay1, float64(i+1)) * meritFixed)
	}
}

// Tick advances the per-second clock. The node's event loop calls it
// from a one-second ticker.
func (d *Damping) Tick() { d.tick++ }

// CurrentTick is the per-second clock value.
func (d *Damping) CurrentTick() uint32 { return d.tick }

// InitialMerit is the merit charged the first time a route flaps.
func (d *Damping) InitialMerit() uint32 { return meritFixed }

// ComputeMerit decays the stored merit to now and charges one flap.
func (d *Damping) ComputeMerit(lastTime, lastMerit uint32) uint32 {
	tdiff := d.tick - lastTime
	if tdiff >= d.cfg.MaxHoldDown*60 {
		return meritFixed
	}
	return (lastMerit*d.decay[tdiff])/meritFixed + meritFixed
}

// DecayedMerit decays without charging a flap.
func (d *Damping) DecayedMerit(lastTime, lastMerit uint32) uint32 {
	tdiff := d.tick - lastTime
	if tdiff == 0 {
		return lastMerit
	}
	if tdiff >= d.cfg.MaxHoldDown*60 {
		return 0
	}
	return (lastMerit * d.decay[tdiff-1]) / meritFixed
}

// AboveCutoff reports whether merit passed the suppression threshold.
func (d *Damping) AboveCutoff(merit uint32) bool { return merit > d.cfg.Cutoff }

// AboveReuse reports whether merit is still above the reuse threshold.
func (d *Damping) AboveReuse(merit uint32) bool { return merit > d.cfg.Reuse }

// ReuseTime is how long in seconds the merit takes to decay to the
// reuse threshold, capped at the maximum hold-down.
func (d *Damping) ReuseTime(merit uint32) uint32 {
	dampTime := ((merit / d.cfg.Reuse) - 1) * d.cfg.HalfLife * 60
	maxTime := d.cfg.MaxHoldDown * 60
	if dampTime > maxTime {
		return maxTime
	}
	return dampTime
}

type dampEntry struct {
	merit      uint32
	lastTime   uint32
	suppressed bool
	up         bool
	route      *RouteEntry
	origin     *PeerHandle
	genID      uint32
}

// DampingTable charges a figure of merit per (peer, prefix) flap and
// suppresses routes past the cutoff until they decay to reuse. Sits
// between the import policy filter and next-hop lookup, one per peer
// chain.
type DampingTable struct {
	baseTable
	damping *Damping
	afi     string
	entries map[netip.Prefix]*dampEntry
}

func NewDampingTable(name string, damping *Damping, logger *zap.Logger) *DampingTable {
	t := &DampingTable{
		baseTable: newBaseTable("damping."+name, KindDamping, logger),
		damping:   damping,
		entries:   make(map[netip.Prefix]*dampEntry),
	}
	t.selfRef = t
	return t
}

func (t *DampingTable) enabled() bool { return t.damping != nil && t.damping.cfg.Enabled }

func (t *DampingTable) AddRoute(msg *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	if !t.enabled() {
		if t.next == nil {
			return ResultUnused
		}
		return t.next.AddRoute(msg, t.self())
	}
	e, seen := t.entries[msg.Route.Prefix]
	if !seen {
		// First sighting carries no penalty.
		t.entries[msg.Route.Prefix] = &dampEntry{
			merit:    0,
			lastTime: t.damping.CurrentTick(),
			up:       true,
			route:    msg.Route,
			origin:   msg.Origin,
			genID:    msg.GenID,
		}
		if t.next == nil {
			return ResultUnused
		}
		return t.next.AddRoute(msg, t.self())
	}

	// Re-announce after a withdraw: charge a flap.
	if e.merit == 0 {
		e.merit = t.damping.InitialMerit()
	} else {
		e.merit = t.damping.ComputeMerit(e.lastTime, e.merit)
	}
	e.lastTime = t.damping.CurrentTick()
	e.up = true
	e.route = msg.Route
	e.origin = msg.Origin
	e.genID = msg.GenID
	if e.suppressed || t.damping.AboveCutoff(e.merit) {
		if !e.suppressed {
			e.suppressed = true
			metrics.RoutesSuppressedTotal.WithLabelValues(t.afi).Inc()
			t.logger.Info("route suppressed",
				zap.Stringer("prefix", msg.Route.Prefix),
				zap.Uint32("merit", e.merit))
		}
		return ResultFiltered
	}
	if t.next == nil {
		return ResultUnused
	}
	return t.next.AddRoute(msg, t.self())
}

func (t *DampingTable) ReplaceRoute(old, new *InternalMessage, caller RouteTable) Result {
	t.checkCaller(caller)
	if !t.enabled() {
		if t.next == nil {
			return ResultUnused
		}
		return t.next.ReplaceRoute(old, new, t.self())
	}
	e, seen := t.entries[new.Route.Prefix]
	if !seen {
		return t.AddRoute(new, caller)
	}
	e.merit = t.damping.ComputeMerit(e.lastTime, e.merit)
	e.lastTime = t.damping.CurrentTick()
	e.up = true
	e.route = new.Route
	e.origin = new.Origin
	e.genID = new.GenID
	if e.suppressed {
		return ResultFiltered
	}
	if t.damping.AboveCutoff(e.merit) {
		e.suppressed = true
		metrics.RoutesSuppressedTotal.WithLabelValues(t.afi).Inc()
		t.logger.Info("route suppressed",
			zap.Stringer("prefix", new.Route.Prefix),
			zap.Uint32("merit", e.merit))
		if t.next != nil {
			_ = t.next.DeleteRoute(old, t.self())
		}
		return ResultFiltered
	}
	if t.next == nil {
		return ResultUnused
	}
	return t.next.ReplaceRoute(old, new, t.self())
}

func (t *DampingTable) DeleteRoute(msg *InternalMessage, caller RouteTable) error {
	t.checkCaller(caller)
	if !t.enabled() {
		if t.next == nil {
			return nil
		}
		return t.next.DeleteRoute(msg, t.self())
	}
	e, seen := t.entries[msg.Route.Prefix]
	if !seen {
		if t.next == nil {
			return nil
		}
		return t.next.DeleteRoute(msg, t.self())
	}
	e.up = false
	if msg.FromPreviousPeering {
		// Peering teardown is not a flap; forget the damping history.
		delete(t.entries, msg.Route.Prefix)
		if e.suppressed {
			return nil
		}
		if t.next == nil {
			return nil
		}
		return t.next.DeleteRoute(msg, t.self())
	}
	if e.suppressed {
		// Downstream never saw the announce; swallow the withdraw.
		return nil
	}
	if t.next == nil {
		return nil
	}
	return t.next.DeleteRoute(msg, t.self())
}

// Tick decays suppressed entries and releases those that reached the
// reuse threshold. Called once per second after Damping.Tick.
func (t *DampingTable) Tick() {
	if !t.enabled() {
		return
	}
	for prefix, e := range t.entries {
		if !e.suppressed {
			continue
		}
		merit := t.damping.DecayedMerit(e.lastTime, e.merit)
		if t.damping.AboveReuse(merit) {
			continue
		}
		e.suppressed = false
		e.merit = merit
		e.lastTime = t.damping.CurrentTick()
		if !e.up {
			delete(t.entries, prefix)
			continue
		}
		t.logger.Info("route reused", zap.Stringer("prefix", prefix))
		if t.next != nil {
			msg := NewMessage(e.route, e.origin, e.genID)
			_ = t.next.AddRoute(msg, t.self())
			_ = t.next.Push(t.self())
		}
	}
}

func (t *DampingTable) RouteDump(msg *InternalMessage, caller RouteTable, dumpPeer *PeerHandle) error {
	t.checkCaller(caller)
	if t.enabled() {
		if e, ok := t.entries[msg.Route.Prefix]; ok && e.suppressed {
			return nil
		}
	}
	if t.next == nil {
		return nil
	}
	return t.next.RouteDump(msg, t.self(), dumpPeer)
}

func (t *DampingTable) LookupRoute(net netip.Prefix) (*RouteEntry, bool) {
	if e, ok := t.entries[net]; ok && e.suppressed {
		return nil, false
	}
	if t.parent == nil {
		return nil, false
	}
	return t.parent.LookupRoute(net)
}
