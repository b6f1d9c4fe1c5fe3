package mfea

import (
	"net/netip"
	"testing"

	"go.uber.org/zap"
)

// fakeClient records signals delivered to a protocol module.
type fakeClient struct {
	signals   []*KernelSignal
	dataflows []*DataflowFilter
}

func (c *fakeClient) RecvKernelSignal(module string, sig *KernelSignal) error {
	c.signals = append(c.signals, sig)
	return nil
}

func (c *fakeClient) RecvDataflowSignal(module string, f *DataflowFilter, pkts, bytes uint64) error {
	c.dataflows = append(c.dataflows, f)
	return nil
}

func startedNode(t *testing.T, port *fakePort) *MfeaNode {
	t.Helper()
	n := NewMfeaNode(NodeConfig{Family: 4}, port, zap.NewNop())
	n.Enable()
	if err := n.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return n
}

// MFEA-3: the observed event stream creates the vif, and start-vif
// installs it in the kernel with the observed address.
func TestNode_VifLifecycle(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	mirror := n.Mirror()

	mirror.InterfaceUpdate(IfTreeInterface{Name: "eth0", IfIndex: 2, Enabled: true, MTU: 1500}, UpdateCreated)
	mirror.VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true, Multicast: true}, UpdateCreated)
	mirror.VifAddrUpdate("eth0", "eth0", netip.MustParsePrefix("10.0.0.1/24"), UpdateCreated)
	mirror.UpdatesCompleted()

	n.EnableVif("eth0")
	if err := n.StartVif("eth0"); err != nil {
		t.Fatalf("start vif: %v", err)
	}
	v, ok := n.Vif("eth0")
	if !ok || !v.IsUp() {
		t.Fatal("vif must be up")
	}
	calls := port.callsFor(mrtAddVif)
	if len(calls) != 1 {
		t.Fatalf("MRT_ADD_VIF calls = %d, want 1", len(calls))
	}
	// vifc_lcl_addr must carry the observed 10.0.0.1.
	buf := calls[0].value
	if buf[8] != 10 || buf[11] != 1 {
		t.Errorf("vifctl address = %v, want 10.0.0.1", buf[8:12])
	}
}

// A start request for a vif not yet observed defers until the vif
// appears in the tree.
func TestNode_DeferredStart(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)

	n.EnableVif("eth1")
	if err := n.StartVif("eth1"); err != nil {
		t.Fatalf("deferred start must not fail: %v", err)
	}
	if len(port.callsFor(mrtAddVif)) != 0 {
		t.Fatal("nothing must reach the kernel before the vif exists")
	}

	mirror := n.Mirror()
	mirror.VifUpdate("eth1", IfTreeVif{Name: "eth1", PifIndex: 3, Enabled: true, Multicast: true}, UpdateCreated)
	mirror.UpdatesCompleted()

	if len(port.callsFor(mrtAddVif)) != 1 {
		t.Fatal("deferred start must fire once the vif is observed")
	}
}

func TestNode_VifDeletedUnregistersAndRemoves(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	mirror := n.Mirror()
	mirror.VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true}, UpdateCreated)
	n.EnableVif("eth0")
	if err := n.StartVif("eth0"); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{}
	if err := n.RegisterProtocol("pim", client, "eth0", 103); err != nil {
		t.Fatal(err)
	}
	_ = n.AddMfcByNames(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("239.1.1.1"),
		"eth0", []string{"eth0"}, "pim", 2)

	mirror.VifUpdate("eth0", IfTreeVif{Name: "eth0"}, UpdateDeleted)

	if len(port.callsFor(mrtDelVif)) != 1 {
		t.Error("vif must be removed from the kernel")
	}
	if _, ok := n.Vif("eth0"); ok {
		t.Error("vif must be removed from the projection")
	}
	if _, ok := n.Mroute().InstalledEntry(MfcKey{
		Source: netip.MustParseAddr("192.0.2.1"),
		Group:  netip.MustParseAddr("239.1.1.1"),
	}); ok {
		t.Error("the unregistered module's routes must be gone")
	}
}

func TestNode_PrimaryAddressChangeRestartsVif(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	mirror := n.Mirror()
	mirror.VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true}, UpdateCreated)
	mirror.VifAddrUpdate("eth0", "eth0", netip.MustParsePrefix("10.0.0.1/24"), UpdateCreated)
	n.EnableVif("eth0")
	if err := n.StartVif("eth0"); err != nil {
		t.Fatal(err)
	}

	// Replace the primary address: the MIF stops, then starts.
	mirror.VifAddrUpdate("eth0", "eth0", netip.MustParsePrefix("10.0.0.1/24"), UpdateDeleted)
	mirror.VifAddrUpdate("eth0", "eth0", netip.MustParsePrefix("10.0.9.1/24"), UpdateCreated)

	if len(port.callsFor(mrtDelVif)) != 1 {
		t.Error("expected one MRT_DEL_VIF for the restart")
	}
	if len(port.callsFor(mrtAddVif)) != 2 {
		t.Errorf("expected re-add after address change, adds = %d", len(port.callsFor(mrtAddVif)))
	}
}

func buildIgmpmsg(msgType uint8, vif uint8, src, dst [4]byte, payload []byte) []byte {
	buf := make([]byte, igmpmsgLen+len(payload))
	buf[8] = msgType
	buf[9] = 0 // im_mbz
	buf[10] = vif
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[igmpmsgLen:], payload)
	return buf
}

func TestNode_SignalFanout(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	n.Mirror().VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true}, UpdateCreated)
	n.EnableVif("eth0")
	_ = n.StartVif("eth0")
	pim := &fakeClient{}
	if err := n.RegisterProtocol("pim", pim, "eth0", 103); err != nil {
		t.Fatal(err)
	}

	msg := buildIgmpmsg(uint8(SignalNoCache), 0, [4]byte{192, 0, 2, 1}, [4]byte{239, 1, 1, 1}, nil)
	if err := n.ProcessKernelDatagram(msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pim.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(pim.signals))
	}
	sig := pim.signals[0]
	if sig.Type != SignalNoCache || sig.Src != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("signal mismatch: %+v", sig)
	}
}

func TestNode_RejectsUnknownSignalType(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	msg := buildIgmpmsg(9, 0, [4]byte{192, 0, 2, 1}, [4]byte{239, 1, 1, 1}, nil)
	if err := n.ProcessKernelDatagram(msg); err == nil {
		t.Fatal("unknown signal type must be rejected")
	}
}

// MFEA-4: a WRONGVIF arriving on a MIF flagged disable-wrongvif in the
// installed MFC entry is propagated to no module.
func TestNode_WrongVifSuppression(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	n.Mirror().VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true}, UpdateCreated)
	n.Mirror().VifUpdate("eth2", IfTreeVif{Name: "eth2", PifIndex: 4, Enabled: true}, UpdateCreated)
	n.EnableVif("eth0")
	_ = n.StartVif("eth0")
	pim := &fakeClient{}
	if err := n.RegisterProtocol("pim", pim, "eth0", 103); err != nil {
		t.Fatal(err)
	}

	e := mfcEntry("192.0.2.1", "239.1.1.1", 0, "pim", 2, 2)
	e.OifDisableWrongVif[2] = true
	if err := n.AddMfc(e); err != nil {
		t.Fatal(err)
	}

	wrong := buildIgmpmsg(uint8(SignalWrongVif), 2, [4]byte{192, 0, 2, 1}, [4]byte{239, 1, 1, 1}, nil)
	if err := n.ProcessKernelDatagram(wrong); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pim.signals) != 0 {
		t.Fatalf("suppressed WRONGVIF leaked to %d modules", len(pim.signals))
	}

	// The same signal on an unflagged MIF goes through.
	wrong2 := buildIgmpmsg(uint8(SignalWrongVif), 1, [4]byte{192, 0, 2, 1}, [4]byte{239, 1, 1, 1}, nil)
	if err := n.ProcessKernelDatagram(wrong2); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pim.signals) != 1 {
		t.Fatalf("unflagged WRONGVIF must propagate, got %d", len(pim.signals))
	}
}

func TestNode_WholePktInnerHeaderDecode(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	n.Mirror().VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true}, UpdateCreated)
	n.EnableVif("eth0")
	_ = n.StartVif("eth0")
	pim := &fakeClient{}
	_ = n.RegisterProtocol("pim", pim, "eth0", 103)

	inner := make([]byte, 20)
	inner[0] = 0x45 // IPv4, IHL 5
	copy(inner[12:16], []byte{198, 51, 100, 7})
	copy(inner[16:20], []byte{239, 2, 2, 2})
	msg := buildIgmpmsg(uint8(SignalWholePkt), 0, [4]byte{0, 0, 0, 0}, [4]byte{0, 0, 0, 0}, inner)
	if err := n.ProcessKernelDatagram(msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pim.signals) != 1 {
		t.Fatal("wholepkt must propagate")
	}
	sig := pim.signals[0]
	if sig.Src != netip.MustParseAddr("198.51.100.7") || sig.Dst != netip.MustParseAddr("239.2.2.2") {
		t.Errorf("inner header not decoded: %+v", sig)
	}
}

func TestParseSignalV6(t *testing.T) {
	buf := make([]byte, mrt6msgLen)
	buf[0] = 0
	buf[1] = uint8(SignalNoCache)
	buf[2] = 5 // mif, little-endian low byte
	src := netip.MustParseAddr("2001:db8::1").As16()
	dst := netip.MustParseAddr("ff0e::1").As16()
	copy(buf[8:24], src[:])
	copy(buf[24:40], dst[:])

	sig, err := ParseSignalV6(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sig.Type != SignalNoCache || sig.VifIndex != 5 {
		t.Errorf("signal mismatch: %+v", sig)
	}
	if sig.Src != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("src = %v", sig.Src)
	}
}

func TestNode_RegisterVifBorrowsPifIndexAndKeepsMTU(t *testing.T) {
	port := newFakePort()
	n := startedNode(t, port)
	mirror := n.Mirror()
	mirror.InterfaceUpdate(IfTreeInterface{Name: "eth0", IfIndex: 2, Enabled: true, MTU: 1500}, UpdateCreated)
	mirror.VifUpdate("eth0", IfTreeVif{Name: "eth0", PifIndex: 2, Enabled: true}, UpdateCreated)
	n.EnableVif("eth0")
	if err := n.StartVif("eth0"); err != nil {
		t.Fatal(err)
	}

	mirror.InterfaceUpdate(IfTreeInterface{Name: "pimreg", Enabled: true}, UpdateCreated)
	mirror.VifUpdate("pimreg", IfTreeVif{Name: "pimreg", Enabled: true}, UpdateCreated)
	reg, _ := n.Vif("pimreg")
	reg.IsPimRegister = true
	n.EnableVif("pimreg")
	if err := n.StartVif("pimreg"); err != nil {
		t.Fatal(err)
	}
	if reg.PifIndex != 2 {
		t.Errorf("register vif must borrow an up pif index, got %d", reg.PifIndex)
	}
	mtu := reg.MTU

	// The donor's MTU changing later does not refresh the register
	// vif's captured MTU.
	mirror.InterfaceUpdate(IfTreeInterface{Name: "eth0", IfIndex: 2, Enabled: true, MTU: 9000}, UpdateChanged)
	if reg.MTU != mtu {
		t.Errorf("register vif MTU must stay at creation-time value %d, got %d", mtu, reg.MTU)
	}
}
