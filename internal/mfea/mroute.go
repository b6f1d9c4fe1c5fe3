package mfea

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"go.uber.org/zap"
)

// Multicast routing socket options (Linux numbering; the v6 MRT6_*
// codes share the values).
const (
	mrtInit      = 200
	mrtDone      = 201
	mrtAddVif    = 202
	mrtDelVif    = 203
	mrtAddMfc    = 204
	mrtDelMfc    = 205
	mrtVersion   = 206
	mrtAssert    = 207
	mrtPim       = 208
	mrtTable     = 209
	mrtAddBwUp   = 210
	mrtDelBwUp   = 211
	mrtAPIConfig = 212
)

// Counter ioctls.
const (
	siocGetVifCnt = 0x89e0
	siocGetSGCnt  = 0x89e1
)

// vifctl flags.
const (
	viffTunnel     = 0x1
	viffRegister   = 0x4
	viffUseIfindex = 0x8
)

// Advanced-API feature bits requested with MRT_API_CONFIG.
const (
	MrtFlagDisableWrongVif uint32 = 0x1
	MrtFlagBorderVif       uint32 = 0x2
	MrtFlagRP              uint32 = 0x8
	MrtFlagBwUpcall        uint32 = 0x10
)

// MaxVifs bounds the vif index space.
const MaxVifs = 32

// MaxDistance bounds the route-store distance space.
const MaxDistance = 16

// MinTTLThreshold is the outgoing TTL installed for member vifs.
const MinTTLThreshold = 1

// TableMode records which multicast-table API the kernel granted.
type TableMode int

const (
	// TableModeMulti is the modern MRT_TABLE API.
	TableModeMulti TableMode = iota
	// TableModeCompat is the hacked mrt_sockopt_simple payload carried
	// inside MRT_INIT.
	TableModeCompat
	// TableModeSingle is the legacy single-table kernel.
	TableModeSingle
)

func (m TableMode) String() string {
	switch m {
	case TableModeMulti:
		return "multi-table"
	case TableModeCompat:
		return "compat"
	default:
		return "single-table"
	}
}

// KernelCaps is the probe result, populated once at node start; no
// call site re-probes.
type KernelCaps struct {
	TableMode TableMode
	// Granted is the subset of requested MRT_API_CONFIG feature bits
	// the kernel accepted.
	Granted uint32
}

func (c KernelCaps) DisableWrongVif() bool { return c.Granted&MrtFlagDisableWrongVif != 0 }
func (c KernelCaps) BorderVif() bool       { return c.Granted&MrtFlagBorderVif != 0 }
func (c KernelCaps) RP() bool              { return c.Granted&MrtFlagRP != 0 }
func (c KernelCaps) BwUpcall() bool        { return c.Granted&MrtFlagBwUpcall != 0 }

// SGCounts are the per-(S,G) kernel counters.
type SGCounts struct {
	Packets uint64
	Bytes   uint64
	WrongIf uint64
}

// VifCounts are the per-vif kernel counters.
type VifCounts struct {
	InPackets  uint64
	InBytes    uint64
	OutPackets uint64
	OutBytes   uint64
}

// KernelPort is the raw multicast-routing socket. The production
// implementation wraps a SOCK_RAW descriptor via x/sys/unix; tests
// substitute a fake that simulates option support.
type KernelPort interface {
	Open() error
	Close() error
	// Setsockopt issues one option at the family's IPPROTO level.
	Setsockopt(opt int, value []byte) error
	// SGCount reads the (S,G) counter ioctl.
	SGCount(src, grp netip.Addr) (SGCounts, error)
	// VifCount reads the per-vif counter ioctl.
	VifCount(vifIndex uint16) (VifCounts, error)
	// Recv blocks for one upcall datagram from the routing socket.
	Recv(buf []byte) (int, error)
	// ReadSysctl / WriteSysctl access net.ipv{4,6} forwarding knobs.
	ReadSysctl(name string) (int, error)
	WriteSysctl(name string, value int) error
}

// MfcKey identifies one multicast forwarding entry.
type MfcKey struct {
	Source netip.Addr
	Group  netip.Addr
}

// MfcEntry is one proposed forwarding entry.
type MfcEntry struct {
	Key     MfcKey
	IifVif  uint16
	OifTTLs [MaxVifs]uint8
	// OifDisableWrongVif and OifBorder flag the corresponding vif in
	// the advanced-API flags array.
	OifDisableWrongVif [MaxVifs]bool
	OifBorder          [MaxVifs]bool
	RP                 netip.Addr
	Module             string
	Distance           uint8
}

// KernelMroute owns the multicast routing socket for one family. It
// layers the distance-keyed route store over the raw MFC calls: the
// kernel always holds the lowest-distance proposal per (S,G), and a
// delete promotes the next dormant proposal immediately.
type KernelMroute struct {
	family  int // 4 or 6
	tableID uint32
	port    KernelPort
	caps    KernelCaps
	started bool

	// routes[distance][key] holds every proposal; installed names the
	// distance currently in the kernel per key.
	routes    [MaxDistance + 1]map[MfcKey]*MfcEntry
	installed map[MfcKey]uint8

	savedForwarding int
	logger          *zap.Logger
}

func NewKernelMroute(family int, tableID uint32, port KernelPort, logger *zap.Logger) *KernelMroute {
	m := &KernelMroute{
		family:    family,
		tableID:   tableID,
		port:      port,
		installed: make(map[MfcKey]uint8),
		logger:    logger,
	}
	for i := range m.routes {
		m.routes[i] = make(map[MfcKey]*MfcEntry)
	}
	return m
}

// Caps is the cached probe result; valid after Start.
func (m *KernelMroute) Caps() KernelCaps { return m.caps }

func (m *KernelMroute) sysctlName() string {
	if m.family == 6 {
		return "net.ipv6.conf.all.mc_forwarding"
	}
	return "net.ipv4.conf.all.mc_forwarding"
}

// Start opens the socket, probes the table API, negotiates advanced
// features and enables forwarding. The probe result is cached in Caps;
// no later call re-decides.
func (m *KernelMroute) Start() error {
	if m.started {
		return nil
	}
	if err := m.port.Open(); err != nil {
		return fmt.Errorf("mfea: open mroute socket: %w", err)
	}

	version := []byte{1, 0, 0, 0}

	// Probe order: MRT_TABLE multi-table API, then the
	// mrt_sockopt_simple compat payload, then legacy single table.
	switch {
	case m.tableID != 0 && m.trySetTable():
		m.caps.TableMode = TableModeMulti
		if err := m.port.Setsockopt(mrtInit, version); err != nil {
			return fmt.Errorf("mfea: MRT_INIT after MRT_TABLE: %w", err)
		}
	case m.tableID != 0 && m.tryCompatInit():
		m.caps.TableMode = TableModeCompat
	default:
		m.caps.TableMode = TableModeSingle
		if err := m.port.Setsockopt(mrtInit, version); err != nil {
			return fmt.Errorf("mfea: MRT_INIT: %w", err)
		}
	}

	// Request the advanced API and record what was granted.
	want := MrtFlagDisableWrongVif | MrtFlagBorderVif | MrtFlagRP | MrtFlagBwUpcall
	req := binary.NativeEndian.AppendUint32(nil, want)
	if err := m.port.Setsockopt(mrtAPIConfig, req); err != nil {
		m.caps.Granted = 0
	} else {
		m.caps.Granted = binary.NativeEndian.Uint32(req) & want
	}

	// Save the forwarding sysctl so shutdown can restore it.
	saved, err := m.port.ReadSysctl(m.sysctlName())
	if err == nil {
		m.savedForwarding = saved
		if err := m.port.WriteSysctl(m.sysctlName(), 1); err != nil {
			m.logger.Warn("enable forwarding sysctl failed", zap.Error(err))
		}
	}

	m.started = true
	m.logger.Info("mroute socket started",
		zap.Int("family", m.family),
		zap.Stringer("table-mode", m.caps.TableMode),
		zap.Uint32("granted", m.caps.Granted))
	return nil
}

func (m *KernelMroute) trySetTable() bool {
	tbl := binary.NativeEndian.AppendUint32(nil, m.tableID)
	return m.port.Setsockopt(mrtTable, tbl) == nil
}

func (m *KernelMroute) tryCompatInit() bool {
	// mrt_sockopt_simple: {version, table_id} packed into MRT_INIT.
	v := binary.NativeEndian.AppendUint32(nil, 1)
	v = binary.NativeEndian.AppendUint32(v, m.tableID)
	return m.port.Setsockopt(mrtInit, v) == nil
}

// Stop tears the socket down and restores the forwarding sysctl.
func (m *KernelMroute) Stop() error {
	if !m.started {
		return nil
	}
	if err := m.port.Setsockopt(mrtDone, nil); err != nil {
		m.logger.Warn("MRT_DONE failed", zap.Error(err))
	}
	if err := m.port.WriteSysctl(m.sysctlName(), m.savedForwarding); err != nil {
		m.logger.Warn("restore forwarding sysctl failed", zap.Error(err))
	}
	m.started = false
	return m.port.Close()
}

// errExist mirrors the kernel's EEXIST; adds racing an existing entry
// are idempotent.
var errExist = errors.New("exists")

// AddVif installs a vif in the kernel.
func (m *KernelMroute) AddVif(v *MfeaVif) error {
	buf := encodeVifctl(v, m.family)
	opt := mrtAddVif
	if err := m.port.Setsockopt(opt, buf); err != nil {
		if errors.Is(err, errExist) {
			m.logger.Warn("vif already in kernel, treating as success",
				zap.String("vif", v.Name))
			return nil
		}
		return fmt.Errorf("mfea: add vif %s: %w", v.Name, err)
	}
	return nil
}

// DelVif removes a vif from the kernel.
func (m *KernelMroute) DelVif(v *MfeaVif) error {
	buf := encodeVifctl(v, m.family)
	if err := m.port.Setsockopt(mrtDelVif, buf); err != nil {
		m.logger.Warn("del vif failed, proceeding",
			zap.String("vif", v.Name), zap.Error(err))
	}
	return nil
}

// AddMfc stores the proposal and installs it in the kernel when it is
// the lowest-distance proposal for its (S,G).
func (m *KernelMroute) AddMfc(e *MfcEntry) error {
	if e.Distance > MaxDistance {
		return fmt.Errorf("mfea: distance %d exceeds maximum %d", e.Distance, MaxDistance)
	}
	m.routes[e.Distance][e.Key] = e

	if cur, ok := m.installed[e.Key]; ok && cur < e.Distance {
		// A better proposal is already in the kernel; this one stays
		// dormant.
		return nil
	}
	return m.install(e)
}

func (m *KernelMroute) install(e *MfcEntry) error {
	buf := m.encodeMfcctl(e)
	if err := m.port.Setsockopt(mrtAddMfc, buf); err != nil {
		if errors.Is(err, errExist) {
			m.logger.Warn("mfc already in kernel, treating as success",
				zap.Stringer("source", e.Key.Source), zap.Stringer("group", e.Key.Group))
		} else {
			// Keep the stored intent so a reconfiguration retry stays
			// coherent.
			return fmt.Errorf("mfea: add mfc (%s,%s): %w", e.Key.Source, e.Key.Group, err)
		}
	}
	m.installed[e.Key] = e.Distance
	return nil
}

// DelMfc removes one module's proposal. If it was the installed entry
// and a higher-distance proposal exists, that proposal is promoted into
// the kernel with no externally visible gap.
func (m *KernelMroute) DelMfc(key MfcKey, distance uint8) error {
	if distance > MaxDistance {
		return fmt.Errorf("mfea: distance %d exceeds maximum %d", distance, MaxDistance)
	}
	if _, ok := m.routes[distance][key]; !ok {
		return fmt.Errorf("mfea: no mfc (%s,%s) at distance %d", key.Source, key.Group, distance)
	}
	delete(m.routes[distance], key)

	cur, inKernel := m.installed[key]
	if !inKernel || cur != distance {
		return nil
	}
	// Promote the next-best dormant proposal, if any, before the old
	// kernel entry is replaced; MRT_ADD_MFC overwrites in place so no
	// gap is visible.
	for d := 0; d <= MaxDistance; d++ {
		if next, ok := m.routes[d][key]; ok {
			return m.install(next)
		}
	}
	delete(m.installed, key)
	buf := m.encodeMfcctl(&MfcEntry{Key: key})
	if err := m.port.Setsockopt(mrtDelMfc, buf); err != nil {
		m.logger.Warn("del mfc failed, proceeding",
			zap.Stringer("source", key.Source), zap.Stringer("group", key.Group),
			zap.Error(err))
	}
	return nil
}

// InstalledEntry is the kernel's current view for key.
func (m *KernelMroute) InstalledEntry(key MfcKey) (*MfcEntry, bool) {
	d, ok := m.installed[key]
	if !ok {
		return nil, false
	}
	e, ok := m.routes[d][key]
	return e, ok
}

// DeleteModuleRoutes drops every proposal owned by module, promoting as
// needed. Used when a protocol instance unregisters.
func (m *KernelMroute) DeleteModuleRoutes(module string) {
	type victim struct {
		key MfcKey
		d   uint8
	}
	var victims []victim
	for d := 0; d <= MaxDistance; d++ {
		for key, e := range m.routes[d] {
			if e.Module == module {
				victims = append(victims, victim{key, uint8(d)})
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].d > victims[j].d })
	for _, v := range victims {
		_ = m.DelMfc(v.key, v.d)
	}
}

// AddBwUpcall installs a kernel bandwidth-upcall filter. Callers must
// have checked Caps().BwUpcall.
func (m *KernelMroute) AddBwUpcall(f *DataflowFilter) error {
	if !m.caps.BwUpcall() {
		return fmt.Errorf("mfea: kernel lacks bw-upcall support")
	}
	return m.port.Setsockopt(mrtAddBwUp, encodeBwUpcall(f))
}

// DelBwUpcall removes a kernel bandwidth-upcall filter.
func (m *KernelMroute) DelBwUpcall(f *DataflowFilter) error {
	if !m.caps.BwUpcall() {
		return nil
	}
	return m.port.Setsockopt(mrtDelBwUp, encodeBwUpcall(f))
}

// Recv blocks for one upcall datagram.
func (m *KernelMroute) Recv(buf []byte) (int, error) {
	return m.port.Recv(buf)
}

// SGCount reads the per-(S,G) counters.
func (m *KernelMroute) SGCount(src, grp netip.Addr) (SGCounts, error) {
	return m.port.SGCount(src, grp)
}

// VifCount reads the per-vif counters.
func (m *KernelMroute) VifCount(vifIndex uint16) (VifCounts, error) {
	return m.port.VifCount(vifIndex)
}

// encodeVifctl packs a vifctl (v4) or mif6ctl (v6) in host byte order.
func encodeVifctl(v *MfeaVif, family int) []byte {
	if family == 6 {
		// mif6ctl: mif6c_mifi(2) mif6c_flags(1) vifc_threshold(1)
		// mif6c_pifi(2) pad(2) vifc_rate_limit(4).
		buf := make([]byte, 12)
		binary.NativeEndian.PutUint16(buf[0:2], v.VifIndex)
		if v.IsPimRegister {
			buf[2] = viffRegister
		}
		buf[3] = v.MinTTLThreshold
		binary.NativeEndian.PutUint16(buf[4:6], v.PifIndex)
		binary.NativeEndian.PutUint32(buf[8:12], v.MaxRateLimit)
		return buf
	}
	// vifctl: vifc_vifi(2) vifc_flags(1) vifc_threshold(1)
	// vifc_rate_limit(4) lcl(4) rmt(4).
	buf := make([]byte, 16)
	binary.NativeEndian.PutUint16(buf[0:2], v.VifIndex)
	var flags uint8
	if v.IsPimRegister {
		flags |= viffRegister
	}
	if v.UseIfIndex {
		flags |= viffUseIfindex
		binary.NativeEndian.PutUint32(buf[8:12], uint32(v.PifIndex))
	} else if a, ok := v.PrimaryAddr(); ok {
		v4 := a.As4()
		copy(buf[8:12], v4[:])
	}
	buf[2] = flags
	buf[3] = v.MinTTLThreshold
	binary.NativeEndian.PutUint32(buf[4:8], v.MaxRateLimit)
	return buf
}

// encodeMfcctl packs an mfcctl/mfcctl2. The extended flags array and
// RP field are appended only when the kernel granted the features.
func (m *KernelMroute) encodeMfcctl(e *MfcEntry) []byte {
	addrLen := 4
	if m.family == 6 {
		addrLen = 16
	}
	buf := make([]byte, 0, 2*addrLen+2+MaxVifs*2+addrLen)
	buf = append(buf, addrBytes(e.Key.Source, addrLen)...)
	buf = append(buf, addrBytes(e.Key.Group, addrLen)...)
	buf = binary.NativeEndian.AppendUint16(buf, e.IifVif)
	buf = append(buf, e.OifTTLs[:]...)
	if m.caps.DisableWrongVif() || m.caps.BorderVif() {
		var flags [MaxVifs]uint8
		for i := 0; i < MaxVifs; i++ {
			if e.OifDisableWrongVif[i] && m.caps.DisableWrongVif() {
				flags[i] |= uint8(MrtFlagDisableWrongVif)
			}
			if e.OifBorder[i] && m.caps.BorderVif() {
				flags[i] |= uint8(MrtFlagBorderVif)
			}
		}
		buf = append(buf, flags[:]...)
	}
	if m.caps.RP() {
		rp := e.RP
		if !rp.IsValid() {
			if m.family == 6 {
				rp = netip.IPv6Unspecified()
			} else {
				rp = netip.IPv4Unspecified()
			}
		}
		buf = append(buf, addrBytes(rp, addrLen)...)
	}
	return buf
}

func addrBytes(a netip.Addr, addrLen int) []byte {
	if addrLen == 16 {
		v := a.As16()
		return v[:]
	}
	v := a.As4()
	return v[:]
}

// encodeBwUpcall packs a bw_upcall filter request.
func encodeBwUpcall(f *DataflowFilter) []byte {
	addrLen := 4
	if f.Source.Is6() {
		addrLen = 16
	}
	var buf []byte
	buf = append(buf, addrBytes(f.Source, addrLen)...)
	buf = append(buf, addrBytes(f.Group, addrLen)...)
	var flags uint32
	if f.GeqUpcall {
		flags |= 0x1
	} else {
		flags |= 0x2
	}
	if f.ThresholdPackets != nil {
		flags |= 0x4
	}
	if f.ThresholdBytes != nil {
		flags |= 0x8
	}
	buf = binary.NativeEndian.AppendUint32(buf, flags)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(f.Interval.Seconds()))
	var pkts, bytes uint64
	if f.ThresholdPackets != nil {
		pkts = *f.ThresholdPackets
	}
	if f.ThresholdBytes != nil {
		bytes = *f.ThresholdBytes
	}
	buf = binary.NativeEndian.AppendUint64(buf, pkts)
	buf = binary.NativeEndian.AppendUint64(buf, bytes)
	return buf
}
