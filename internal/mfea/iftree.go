package mfea

import (
	"net/netip"

	"go.uber.org/zap"
)

// UpdateKind tags interface-observer events.
type UpdateKind int

const (
	UpdateCreated UpdateKind = iota
	UpdateChanged
	UpdateDeleted
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateCreated:
		return "CREATED"
	case UpdateChanged:
		return "CHANGED"
	default:
		return "DELETED"
	}
}

// IfTreeInterface is one observed interface.
type IfTreeInterface struct {
	Name    string
	IfIndex uint16
	Enabled bool
	MTU     uint32
}

// IfTreeVif is one observed vif on an interface.
type IfTreeVif struct {
	Name      string
	PifIndex  uint16
	Enabled   bool
	Broadcast bool
	Loopback  bool
	P2P       bool
	Multicast bool
}

// IfTree is the mirror's projection of the external observer's view.
type IfTree struct {
	Ifaces map[string]*IfTreeInterface
	// Vifs is keyed "iface/vif".
	Vifs  map[string]*IfTreeVif
	Addrs map[string][]netip.Prefix
}

func NewIfTree() *IfTree {
	return &IfTree{
		Ifaces: make(map[string]*IfTreeInterface),
		Vifs:   make(map[string]*IfTreeVif),
		Addrs:  make(map[string][]netip.Prefix),
	}
}

func vifKey(ifname, vifname string) string { return ifname + "/" + vifname }

// mirrorHooks is what the mirror asks of its owner when the projection
// changes; the node implements it against the configured-vif map.
type mirrorHooks interface {
	vifCreated(ifname string, vif *IfTreeVif)
	vifChanged(ifname string, old, new *IfTreeVif)
	vifDeleted(ifname, vifname string)
	vifAddrsChanged(ifname, vifname string, addrs []netip.Prefix)
	updatesCompleted()
}

// IfTreeMirror consumes interface events from the external observer
// and keeps the local projection, forwarding semantic changes to the
// owner.
type IfTreeMirror struct {
	tree     *IfTree
	complete bool
	hooks    mirrorHooks
	logger   *zap.Logger
}

func NewIfTreeMirror(hooks mirrorHooks, logger *zap.Logger) *IfTreeMirror {
	return &IfTreeMirror{tree: NewIfTree(), hooks: hooks, logger: logger}
}

// Tree exposes the projection.
func (m *IfTreeMirror) Tree() *IfTree { return m.tree }

// TreeComplete marks the initial sync done.
func (m *IfTreeMirror) TreeComplete() {
	m.complete = true
	m.logger.Info("interface tree complete",
		zap.Int("interfaces", len(m.tree.Ifaces)),
		zap.Int("vifs", len(m.tree.Vifs)))
}

// InterfaceUpdate applies one interface-level event. Configured-vif
// changes are driven by the per-vif events that follow.
func (m *IfTreeMirror) InterfaceUpdate(iface IfTreeInterface, kind UpdateKind) {
	switch kind {
	case UpdateCreated, UpdateChanged:
		cp := iface
		m.tree.Ifaces[iface.Name] = &cp
	case UpdateDeleted:
		// Deleting an interface first deletes every vif riding it.
		for key, v := range m.tree.Vifs {
			if key == vifKey(iface.Name, v.Name) {
				m.VifUpdate(iface.Name, *v, UpdateDeleted)
			}
		}
		delete(m.tree.Ifaces, iface.Name)
	}
}

// VifUpdate applies one vif-level event.
func (m *IfTreeMirror) VifUpdate(ifname string, vif IfTreeVif, kind UpdateKind) {
	key := vifKey(ifname, vif.Name)
	switch kind {
	case UpdateCreated:
		cp := vif
		m.tree.Vifs[key] = &cp
		m.hooks.vifCreated(ifname, &cp)
	case UpdateChanged:
		old := m.tree.Vifs[key]
		cp := vif
		m.tree.Vifs[key] = &cp
		if old != nil {
			m.hooks.vifChanged(ifname, old, &cp)
		} else {
			m.hooks.vifCreated(ifname, &cp)
		}
	case UpdateDeleted:
		m.hooks.vifDeleted(ifname, vif.Name)
		delete(m.tree.Vifs, key)
		delete(m.tree.Addrs, key)
	}
}

// VifAddrUpdate applies one address event for either family.
func (m *IfTreeMirror) VifAddrUpdate(ifname, vifname string, addr netip.Prefix, kind UpdateKind) {
	key := vifKey(ifname, vifname)
	addrs := m.tree.Addrs[key]
	switch kind {
	case UpdateCreated, UpdateChanged:
		found := false
		for _, a := range addrs {
			if a == addr {
				found = true
				break
			}
		}
		if !found {
			addrs = append(addrs, addr)
		}
	case UpdateDeleted:
		for i, a := range addrs {
			if a == addr {
				addrs = append(addrs[:i], addrs[i+1:]...)
				break
			}
		}
	}
	m.tree.Addrs[key] = addrs
	m.hooks.vifAddrsChanged(ifname, vifname, addrs)
}

// UpdatesCompleted ends one event batch.
func (m *IfTreeMirror) UpdatesCompleted() {
	m.hooks.updatesCompleted()
}
