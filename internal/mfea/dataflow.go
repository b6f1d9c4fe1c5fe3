package mfea

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// DataflowFilter is one (S,G) bandwidth monitor: a measurement interval
// plus at least one threshold, firing on >= (GEQ) or <= (LEQ) crossing.
type DataflowFilter struct {
	Source netip.Addr
	Group  netip.Addr

	Interval         time.Duration
	ThresholdPackets *uint64
	ThresholdBytes   *uint64
	GeqUpcall        bool
	LeqUpcall        bool

	Module string
}

// Validate enforces the argument contract: exactly one of GEQ/LEQ and
// at least one threshold.
func (f *DataflowFilter) Validate() error {
	if f.GeqUpcall == f.LeqUpcall {
		return fmt.Errorf("mfea: dataflow filter must set exactly one of geq/leq")
	}
	if f.ThresholdPackets == nil && f.ThresholdBytes == nil {
		return fmt.Errorf("mfea: dataflow filter needs a packet or byte threshold")
	}
	if f.Interval <= 0 {
		return fmt.Errorf("mfea: dataflow filter interval must be positive")
	}
	return nil
}

func (f *DataflowFilter) key() MfcKey {
	return MfcKey{Source: f.Source, Group: f.Group}
}

// matches is identity for delete: same thresholds, interval and sense.
func (f *DataflowFilter) matches(o *DataflowFilter) bool {
	eqPtr := func(a, b *uint64) bool {
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || *a == *b
	}
	return f.Source == o.Source && f.Group == o.Group &&
		f.Interval == o.Interval && f.GeqUpcall == o.GeqUpcall &&
		f.LeqUpcall == o.LeqUpcall &&
		eqPtr(f.ThresholdPackets, o.ThresholdPackets) &&
		eqPtr(f.ThresholdBytes, o.ThresholdBytes)
}

// UpcallFunc delivers a fired dataflow signal to the registered module.
type UpcallFunc func(f *DataflowFilter, measuredPackets, measuredBytes uint64)

type monitorState struct {
	filter       *DataflowFilter
	lastPackets  uint64
	lastBytes    uint64
	lastMeasured time.Time
	primed       bool
}

// DataflowMonitor tracks (S,G) bandwidth thresholds. When the kernel
// granted MRT_ADD_BW_UPCALL the filter lives in the kernel; otherwise a
// periodic poll of the (S,G) counters computes deltas in user space and
// fires the same upcall shape.
type DataflowMonitor struct {
	mroute   *KernelMroute
	upcall   UpcallFunc
	monitors map[MfcKey][]*monitorState
	logger   *zap.Logger
}

func NewDataflowMonitor(mroute *KernelMroute, upcall UpcallFunc, logger *zap.Logger) *DataflowMonitor {
	return &DataflowMonitor{
		mroute:   mroute,
		upcall:   upcall,
		monitors: make(map[MfcKey][]*monitorState),
		logger:   logger,
	}
}

// AddMonitor validates and registers a filter. Multiple monitors per
// (S,G) are allowed.
func (d *DataflowMonitor) AddMonitor(f *DataflowFilter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if d.mroute.Caps().BwUpcall() {
		if err := d.mroute.AddBwUpcall(f); err != nil {
			return err
		}
	}
	key := f.key()
	d.monitors[key] = append(d.monitors[key], &monitorState{filter: f})
	return nil
}

// DeleteMonitor removes the matching filter.
func (d *DataflowMonitor) DeleteMonitor(f *DataflowFilter) error {
	key := f.key()
	states := d.monitors[key]
	for i, st := range states {
		if st.filter.matches(f) {
			if d.mroute.Caps().BwUpcall() {
				if err := d.mroute.DelBwUpcall(st.filter); err != nil {
					d.logger.Warn("kernel bw-upcall delete failed", zap.Error(err))
				}
			}
			d.monitors[key] = append(states[:i], states[i+1:]...)
			if len(d.monitors[key]) == 0 {
				delete(d.monitors, key)
			}
			return nil
		}
	}
	return fmt.Errorf("mfea: no matching dataflow monitor for (%s,%s)", f.Source, f.Group)
}

// DeleteModuleMonitors drops every monitor owned by module.
func (d *DataflowMonitor) DeleteModuleMonitors(module string) {
	for key, states := range d.monitors {
		kept := states[:0]
		for _, st := range states {
			if st.filter.Module == module {
				if d.mroute.Caps().BwUpcall() {
					_ = d.mroute.DelBwUpcall(st.filter)
				}
				continue
			}
			kept = append(kept, st)
		}
		if len(kept) == 0 {
			delete(d.monitors, key)
		} else {
			d.monitors[key] = kept
		}
	}
}

// KernelUpcall relays a kernel-side bandwidth upcall to the owner.
func (d *DataflowMonitor) KernelUpcall(src, grp netip.Addr, measuredPackets, measuredBytes uint64) {
	for _, st := range d.monitors[MfcKey{Source: src, Group: grp}] {
		d.upcall(st.filter, measuredPackets, measuredBytes)
	}
}

// Poll is the userspace fallback: called periodically (at least as
// often as the shortest interval), it reads the kernel (S,G) counters,
// compares deltas over each filter's interval, and fires upcalls.
func (d *DataflowMonitor) Poll(now time.Time) {
	if d.mroute.Caps().BwUpcall() {
		return // kernel handles it
	}
	for key, states := range d.monitors {
		counts, err := d.mroute.SGCount(key.Source, key.Group)
		if err != nil {
			d.logger.Debug("sg counter read failed",
				zap.Stringer("source", key.Source), zap.Stringer("group", key.Group),
				zap.Error(err))
			continue
		}
		for _, st := range states {
			if !st.primed {
				st.lastPackets = counts.Packets
				st.lastBytes = counts.Bytes
				st.lastMeasured = now
				st.primed = true
				continue
			}
			if now.Sub(st.lastMeasured) < st.filter.Interval {
				continue
			}
			deltaPkts := counts.Packets - st.lastPackets
			deltaBytes := counts.Bytes - st.lastBytes
			st.lastPackets = counts.Packets
			st.lastBytes = counts.Bytes
			st.lastMeasured = now

			if d.crossed(st.filter, deltaPkts, deltaBytes) {
				d.upcall(st.filter, deltaPkts, deltaBytes)
			}
		}
	}
}

func (d *DataflowMonitor) crossed(f *DataflowFilter, pkts, bytes uint64) bool {
	if f.GeqUpcall {
		if f.ThresholdPackets != nil && pkts >= *f.ThresholdPackets {
			return true
		}
		if f.ThresholdBytes != nil && bytes >= *f.ThresholdBytes {
			return true
		}
		return false
	}
	if f.ThresholdPackets != nil && pkts <= *f.ThresholdPackets {
		return true
	}
	if f.ThresholdBytes != nil && bytes <= *f.ThresholdBytes {
		return true
	}
	return false
}
