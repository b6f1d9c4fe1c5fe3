package mfea

import (
	"fmt"
	"net/netip"
)

// MfeaVif is one multicast virtual interface. At most one protocol
// instance can be registered on a vif at a time.
type MfeaVif struct {
	Name     string
	VifIndex uint16
	// PifIndex is the underlying physical interface index. Register
	// vifs borrow a valid pif index from another up interface to
	// satisfy kernel sanity checks.
	PifIndex uint16

	Addrs []netip.Prefix

	MinTTLThreshold uint8
	MaxRateLimit    uint32

	IsPimRegister      bool
	IsP2P              bool
	IsLoopback         bool
	IsMulticastCapable bool
	IsBroadcastCapable bool
	IsUnderlyingUp     bool
	UseIfIndex         bool

	// For a register vif, MTU is copied from the chosen underlying vif
	// when the register vif starts with no MTU of its own, and
	// deliberately not refreshed afterwards, even if the underlying vif
	// later changes.
	MTU uint32

	enabled  bool
	up       bool
	inKernel bool

	// installedAddr is the primary address handed to the kernel at
	// start time; a later primary change forces a stop/start.
	installedAddr netip.Addr

	registeredModule  string
	registeredIPProto int
}

// PrimaryAddr is the first configured address.
func (v *MfeaVif) PrimaryAddr() (netip.Addr, bool) {
	if len(v.Addrs) == 0 {
		return netip.Addr{}, false
	}
	return v.Addrs[0].Addr(), true
}

// AddAddr appends an address if not already present.
func (v *MfeaVif) AddAddr(p netip.Prefix) {
	for _, a := range v.Addrs {
		if a == p {
			return
		}
	}
	v.Addrs = append(v.Addrs, p)
}

// DelAddr removes an address.
func (v *MfeaVif) DelAddr(p netip.Prefix) {
	for i, a := range v.Addrs {
		if a == p {
			v.Addrs = append(v.Addrs[:i], v.Addrs[i+1:]...)
			return
		}
	}
}

// Enabled reports administrative enablement.
func (v *MfeaVif) Enabled() bool { return v.enabled }

// IsUp reports whether the vif is started and in the kernel.
func (v *MfeaVif) IsUp() bool { return v.up }

// Enable marks the vif administratively enabled.
func (v *MfeaVif) Enable() { v.enabled = true }

// Disable clears enablement (the caller stops it first if running).
func (v *MfeaVif) Disable() { v.enabled = false }

// RegisterProtocol binds a protocol instance to the vif. Only one may
// be registered.
func (v *MfeaVif) RegisterProtocol(module string, ipProto int) error {
	if v.registeredModule != "" && v.registeredModule != module {
		return fmt.Errorf("mfea: vif %s already registered to %s", v.Name, v.registeredModule)
	}
	v.registeredModule = module
	v.registeredIPProto = ipProto
	return nil
}

// UnregisterProtocol releases the binding.
func (v *MfeaVif) UnregisterProtocol(module string) error {
	if v.registeredModule != module {
		return fmt.Errorf("mfea: vif %s not registered to %s", v.Name, module)
	}
	v.registeredModule = ""
	v.registeredIPProto = 0
	return nil
}

// RegisteredModule is the bound protocol instance name, if any.
func (v *MfeaVif) RegisteredModule() (string, bool) {
	return v.registeredModule, v.registeredModule != ""
}
