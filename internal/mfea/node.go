package mfea

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/routerd/internal/metrics"
	"go.uber.org/zap"
)

// ProtocolClient is the outbound port toward registered protocol
// instances (carried over the external RPC layer in production).
type ProtocolClient interface {
	RecvKernelSignal(module string, sig *KernelSignal) error
	RecvDataflowSignal(module string, f *DataflowFilter, measuredPackets, measuredBytes uint64) error
}

// permVifInfo remembers control-plane wishes for vifs that have not
// been observed yet, so a start request on an unseen vif defers rather
// than failing.
type permVifInfo struct {
	shouldEnable bool
	shouldStart  bool
}

// NodeConfig parameterizes one MFEA node.
type NodeConfig struct {
	Family  int // 4 or 6
	TableID uint32
	// PollInterval drives the userspace dataflow fallback.
	PollInterval time.Duration
}

// MfeaNode composes the kernel socket, the vif map, the dataflow
// monitor and the interface mirror for one address family. All methods
// run on the owner's serialized loop.
type MfeaNode struct {
	cfg    NodeConfig
	mroute *KernelMroute
	mirror *IfTreeMirror
	flow   *DataflowMonitor
	logger *zap.Logger

	vifs      map[string]*MfeaVif
	byIndex   map[uint16]*MfeaVif
	permInfo  map[string]*permVifInfo
	modules   map[string]ProtocolClient
	ipProtos  map[string]int

	enabled bool
	running bool
}

func NewMfeaNode(cfg NodeConfig, port KernelPort, logger *zap.Logger) *MfeaNode {
	n := &MfeaNode{
		cfg:      cfg,
		logger:   logger.With(zap.Int("family", cfg.Family)),
		vifs:     make(map[string]*MfeaVif),
		byIndex:  make(map[uint16]*MfeaVif),
		permInfo: make(map[string]*permVifInfo),
		modules:  make(map[string]ProtocolClient),
		ipProtos: make(map[string]int),
	}
	n.mroute = NewKernelMroute(cfg.Family, cfg.TableID, port, n.logger)
	n.mirror = NewIfTreeMirror(n, n.logger)
	n.flow = NewDataflowMonitor(n.mroute, n.dataflowUpcall, n.logger)
	return n
}

// Mroute exposes the kernel layer (status, counters).
func (n *MfeaNode) Mroute() *KernelMroute { return n.mroute }

// Mirror exposes the interface-observer consumer.
func (n *MfeaNode) Mirror() *IfTreeMirror { return n.mirror }

// Dataflow exposes the monitor registry.
func (n *MfeaNode) Dataflow() *DataflowMonitor { return n.flow }

// Enable marks the node administratively enabled.
func (n *MfeaNode) Enable() { n.enabled = true }

// Disable stops and disables the node.
func (n *MfeaNode) Disable() error {
	if err := n.Stop(); err != nil {
		return err
	}
	n.enabled = false
	return nil
}

// Start opens the kernel socket and probes capabilities.
func (n *MfeaNode) Start() error {
	if !n.enabled {
		return fmt.Errorf("mfea: node not enabled")
	}
	if n.running {
		return nil
	}
	if err := n.mroute.Start(); err != nil {
		return err
	}
	n.running = true
	return nil
}

// Stop takes every vif down and closes the kernel socket.
func (n *MfeaNode) Stop() error {
	if !n.running {
		return nil
	}
	for _, v := range n.vifs {
		if v.IsUp() {
			_ = n.stopVif(v)
		}
	}
	if err := n.mroute.Stop(); err != nil {
		return err
	}
	n.running = false
	return nil
}

// RegisterProtocol binds a protocol instance to a vif.
func (n *MfeaNode) RegisterProtocol(module string, client ProtocolClient, vifName string, ipProto int) error {
	v, ok := n.vifs[vifName]
	if !ok {
		return fmt.Errorf("mfea: register on unknown vif %s", vifName)
	}
	if err := v.RegisterProtocol(module, ipProto); err != nil {
		return err
	}
	n.modules[module] = client
	n.ipProtos[module] = ipProto
	return nil
}

// UnregisterProtocol removes the binding and every kernel state owned
// by the module.
func (n *MfeaNode) UnregisterProtocol(module string, vifName string) error {
	v, ok := n.vifs[vifName]
	if !ok {
		return fmt.Errorf("mfea: unregister on unknown vif %s", vifName)
	}
	if err := v.UnregisterProtocol(module); err != nil {
		return err
	}
	n.dropModuleIfUnused(module)
	return nil
}

func (n *MfeaNode) dropModuleIfUnused(module string) {
	for _, v := range n.vifs {
		if m, ok := v.RegisteredModule(); ok && m == module {
			return
		}
	}
	n.mroute.DeleteModuleRoutes(module)
	n.flow.DeleteModuleMonitors(module)
	delete(n.modules, module)
	delete(n.ipProtos, module)
}

func (n *MfeaNode) perm(vifName string) *permVifInfo {
	p, ok := n.permInfo[vifName]
	if !ok {
		p = &permVifInfo{}
		n.permInfo[vifName] = p
	}
	return p
}

// EnableVif records the wish and enables the vif when present.
func (n *MfeaNode) EnableVif(vifName string) {
	n.perm(vifName).shouldEnable = true
	if v, ok := n.vifs[vifName]; ok {
		v.Enable()
	}
}

// DisableVif stops and disables the vif.
func (n *MfeaNode) DisableVif(vifName string) error {
	n.perm(vifName).shouldEnable = false
	n.perm(vifName).shouldStart = false
	if v, ok := n.vifs[vifName]; ok {
		if v.IsUp() {
			if err := n.stopVif(v); err != nil {
				return err
			}
		}
		v.Disable()
	}
	return nil
}

// StartVif records the wish and starts the vif if it is ready. A start
// request for a vif not yet observed defers until it appears.
func (n *MfeaNode) StartVif(vifName string) error {
	n.perm(vifName).shouldStart = true
	v, ok := n.vifs[vifName]
	if !ok {
		n.logger.Info("start deferred for unseen vif", zap.String("vif", vifName))
		return nil
	}
	return n.startVif(v)
}

// StopVif takes the vif down but keeps the wish cleared.
func (n *MfeaNode) StopVif(vifName string) error {
	n.perm(vifName).shouldStart = false
	v, ok := n.vifs[vifName]
	if !ok {
		return fmt.Errorf("mfea: stop on unknown vif %s", vifName)
	}
	if !v.IsUp() {
		return nil
	}
	return n.stopVif(v)
}

func (n *MfeaNode) startVif(v *MfeaVif) error {
	if !n.running {
		return fmt.Errorf("mfea: node not started")
	}
	if v.IsUp() {
		return nil
	}
	if !v.Enabled() && !n.perm(v.Name).shouldEnable {
		return fmt.Errorf("mfea: vif %s not enabled", v.Name)
	}
	v.Enable()
	if !v.IsUnderlyingUp {
		n.logger.Info("start deferred, underlying vif down", zap.String("vif", v.Name))
		return nil
	}
	if v.IsPimRegister {
		// Borrow a valid pif index (and MTU) from some other up vif to
		// satisfy the kernel's checks. The MTU is captured once here.
		if donor := n.bestUnderlyingVif(); donor != nil {
			v.PifIndex = donor.PifIndex
			if v.MTU == 0 {
				v.MTU = donor.MTU
			}
		}
	}
	if err := n.mroute.AddVif(v); err != nil {
		return err
	}
	v.up = true
	v.inKernel = true
	v.installedAddr, _ = v.PrimaryAddr()
	metrics.MfeaVifsUp.WithLabelValues(fmt.Sprint(n.cfg.Family)).Inc()
	n.logger.Info("vif started",
		zap.String("vif", v.Name), zap.Uint16("index", v.VifIndex))
	return nil
}

func (n *MfeaNode) bestUnderlyingVif() *MfeaVif {
	for _, v := range n.vifs {
		if v.IsUp() && !v.IsPimRegister && !v.IsLoopback {
			return v
		}
	}
	return nil
}

func (n *MfeaNode) stopVif(v *MfeaVif) error {
	if !v.IsUp() {
		return nil
	}
	if err := n.mroute.DelVif(v); err != nil {
		return err
	}
	v.up = false
	v.inKernel = false
	metrics.MfeaVifsUp.WithLabelValues(fmt.Sprint(n.cfg.Family)).Dec()
	n.logger.Info("vif stopped", zap.String("vif", v.Name))
	return nil
}

// AddMfc validates and installs a forwarding entry proposal.
func (n *MfeaNode) AddMfc(e *MfcEntry) error {
	if _, ok := n.byIndex[e.IifVif]; !ok {
		return fmt.Errorf("mfea: add mfc with unknown incoming vif %d", e.IifVif)
	}
	metrics.MfeaMfcOpsTotal.WithLabelValues("add").Inc()
	return n.mroute.AddMfc(e)
}

// AddMfcByNames is the string form of AddMfc: vif names instead of
// indices and bitsets.
func (n *MfeaNode) AddMfcByNames(src, grp netip.Addr, iifName string, oifNames []string, module string, distance uint8) error {
	iif, ok := n.vifs[iifName]
	if !ok {
		return fmt.Errorf("mfea: unknown incoming vif %s", iifName)
	}
	e := &MfcEntry{
		Key:      MfcKey{Source: src, Group: grp},
		IifVif:   iif.VifIndex,
		Module:   module,
		Distance: distance,
	}
	for _, name := range oifNames {
		v, ok := n.vifs[name]
		if !ok {
			return fmt.Errorf("mfea: unknown outgoing vif %s", name)
		}
		e.OifTTLs[v.VifIndex] = MinTTLThreshold
	}
	return n.AddMfc(e)
}

// DelMfc removes a proposal.
func (n *MfeaNode) DelMfc(key MfcKey, distance uint8) error {
	metrics.MfeaMfcOpsTotal.WithLabelValues("delete").Inc()
	return n.mroute.DelMfc(key, distance)
}

// AddDataflowMonitor registers a bandwidth monitor.
func (n *MfeaNode) AddDataflowMonitor(f *DataflowFilter) error {
	return n.flow.AddMonitor(f)
}

// DeleteDataflowMonitor removes a bandwidth monitor.
func (n *MfeaNode) DeleteDataflowMonitor(f *DataflowFilter) error {
	return n.flow.DeleteMonitor(f)
}

// PollDataflow drives the userspace fallback.
func (n *MfeaNode) PollDataflow(now time.Time) {
	n.flow.Poll(now)
}

func (n *MfeaNode) dataflowUpcall(f *DataflowFilter, measuredPackets, measuredBytes uint64) {
	client, ok := n.modules[f.Module]
	if !ok {
		return
	}
	metrics.MfeaSignalsTotal.WithLabelValues("dataflow").Inc()
	if err := client.RecvDataflowSignal(f.Module, f, measuredPackets, measuredBytes); err != nil {
		n.logger.Warn("dataflow signal delivery failed",
			zap.String("module", f.Module), zap.Error(err))
	}
}

// ProcessKernelDatagram parses one upcall datagram from the routing
// socket and multiplexes it to every registered protocol instance.
func (n *MfeaNode) ProcessKernelDatagram(data []byte) error {
	var sig *KernelSignal
	var err error
	if n.cfg.Family == 6 {
		sig, err = ParseSignalV6(data)
	} else {
		sig, err = ParseSignalV4(data)
	}
	if err != nil {
		return err
	}

	if sig.Type == SignalWrongVif && n.wrongVifSuppressed(sig) {
		return nil
	}
	if sig.Type == SignalWholePkt && n.cfg.Family == 4 && len(sig.Payload) > 0 {
		if src, dst, derr := DecodeInnerIPv4(sig.Payload); derr == nil {
			sig.Src, sig.Dst = src, dst
		}
	}

	metrics.MfeaSignalsTotal.WithLabelValues(sig.Type.String()).Inc()
	for module, client := range n.modules {
		if err := client.RecvKernelSignal(module, sig); err != nil {
			n.logger.Warn("kernel signal delivery failed",
				zap.String("module", module), zap.Stringer("type", sig.Type),
				zap.Error(err))
		}
	}
	return nil
}

// wrongVifSuppressed honors the per-MIF disable-wrongvif flag on the
// installed MFC entry when the kernel could not (no advanced API).
func (n *MfeaNode) wrongVifSuppressed(sig *KernelSignal) bool {
	e, ok := n.mroute.InstalledEntry(MfcKey{Source: sig.Src, Group: sig.Dst})
	if !ok || int(sig.VifIndex) >= MaxVifs {
		return false
	}
	return e.OifDisableWrongVif[sig.VifIndex]
}

// --- mirrorHooks ---

func (n *MfeaNode) nextFreeVifIndex() (uint16, bool) {
	for i := uint16(0); i < MaxVifs; i++ {
		if _, taken := n.byIndex[i]; !taken {
			return i, true
		}
	}
	return 0, false
}

func (n *MfeaNode) vifCreated(ifname string, tv *IfTreeVif) {
	idx, ok := n.nextFreeVifIndex()
	if !ok {
		n.logger.Error("vif index space exhausted", zap.String("vif", tv.Name))
		return
	}
	v := &MfeaVif{
		Name:               tv.Name,
		VifIndex:           idx,
		PifIndex:           tv.PifIndex,
		MinTTLThreshold:    MinTTLThreshold,
		IsP2P:              tv.P2P,
		IsLoopback:         tv.Loopback,
		IsMulticastCapable: tv.Multicast,
		IsBroadcastCapable: tv.Broadcast,
		IsUnderlyingUp:     tv.Enabled,
	}
	if iface, ok := n.mirror.Tree().Ifaces[ifname]; ok {
		v.MTU = iface.MTU
	}
	n.vifs[tv.Name] = v
	n.byIndex[idx] = v

	if p, ok := n.permInfo[tv.Name]; ok {
		if p.shouldEnable {
			v.Enable()
		}
		if p.shouldStart {
			if err := n.startVif(v); err != nil {
				n.logger.Warn("deferred start failed",
					zap.String("vif", tv.Name), zap.Error(err))
			}
		}
	}
}

func (n *MfeaNode) vifChanged(ifname string, old, new *IfTreeVif) {
	v, ok := n.vifs[new.Name]
	if !ok {
		n.vifCreated(ifname, new)
		return
	}
	v.IsP2P = new.P2P
	v.IsLoopback = new.Loopback
	v.IsMulticastCapable = new.Multicast
	v.IsBroadcastCapable = new.Broadcast

	wasUp := v.IsUnderlyingUp
	v.IsUnderlyingUp = new.Enabled
	switch {
	case wasUp && !new.Enabled && v.IsUp():
		_ = n.stopVif(v)
	case !wasUp && new.Enabled && n.perm(v.Name).shouldStart:
		_ = n.startVif(v)
	}
}

func (n *MfeaNode) vifDeleted(ifname, vifname string) {
	v, ok := n.vifs[vifname]
	if !ok {
		return
	}
	// Unregister bound protocols first, then the kernel, then the map.
	if module, bound := v.RegisteredModule(); bound {
		_ = v.UnregisterProtocol(module)
		n.dropModuleIfUnused(module)
	}
	if v.IsUp() {
		_ = n.stopVif(v)
	}
	delete(n.vifs, vifname)
	delete(n.byIndex, v.VifIndex)
}

func (n *MfeaNode) vifAddrsChanged(ifname, vifname string, addrs []netip.Prefix) {
	v, ok := n.vifs[vifname]
	if !ok {
		return
	}
	v.Addrs = append([]netip.Prefix(nil), addrs...)
	newPrimary, hasPrimary := v.PrimaryAddr()

	// A primary-address change on an up vif means the kernel entry is
	// stale: stop, then start.
	if v.IsUp() && hasPrimary && newPrimary != v.installedAddr {
		_ = n.stopVif(v)
		_ = n.startVif(v)
	}
}

func (n *MfeaNode) updatesCompleted() {
	// Batch boundary: retry deferred starts whose vifs appeared in
	// this batch.
	for name, p := range n.permInfo {
		if !p.shouldStart {
			continue
		}
		if v, ok := n.vifs[name]; ok && !v.IsUp() && v.IsUnderlyingUp {
			_ = n.startVif(v)
		}
	}
}

// Vif returns a configured vif by name.
func (n *MfeaNode) Vif(name string) (*MfeaVif, bool) {
	v, ok := n.vifs[name]
	return v, ok
}

// VifByIndex returns a configured vif by index.
func (n *MfeaNode) VifByIndex(idx uint16) (*MfeaVif, bool) {
	v, ok := n.byIndex[idx]
	return v, ok
}
