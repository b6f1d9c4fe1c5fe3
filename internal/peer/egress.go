package peer

import (
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"github.com/route-beacon/routerd/internal/rib"
)

// Egress side: the rib-out table hands us routes one at a time; we
// batch prefixes that share an attribute list into single UPDATEs and
// split when a message would overflow the 4096-byte ceiling.

func (h *Handler) AnnounceRoute(entry *rib.RouteEntry) error {
	h.pendingAnnounce = append(h.pendingAnnounce, entry)
	return nil
}

func (h *Handler) WithdrawRoute(prefix netip.Prefix) error {
	h.pendingWithdraw = append(h.pendingWithdraw, prefix)
	return nil
}

func (h *Handler) Busy() bool {
	if h.socket == nil {
		return false
	}
	return h.socket.Busy()
}

// PushRoutes flushes accumulated announcements and withdrawals as
// UPDATE messages.
func (h *Handler) PushRoutes() error {
	withdrawV4, withdrawV6 := splitByFamily(h.pendingWithdraw)
	h.pendingWithdraw = nil
	for len(withdrawV4) > 0 {
		n := bigEnoughWithdraw(withdrawV4)
		h.send(&bgp.UpdateMessage{Withdrawn: withdrawV4[:n]}, false)
		withdrawV4 = withdrawV4[n:]
	}
	if len(withdrawV6) > 0 && h.mpIPv6 {
		attrs := &bgp.PathAttrs{}
		attrs.Set(&bgp.MPUnreachAttr{AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast, NLRI: withdrawV6})
		h.send(&bgp.UpdateMessage{Attrs: attrs}, false)
	}

	pending := h.pendingAnnounce
	h.pendingAnnounce = nil
	for len(pending) > 0 {
		attrs := pending[0].Attrs
		var v4, v6 []netip.Prefix
		rest := pending[:0]
		for _, e := range pending {
			if e.Attrs != attrs {
				rest = append(rest, e)
				continue
			}
			if e.Prefix.Addr().Is4() {
				v4 = append(v4, e.Prefix)
			} else {
				v6 = append(v6, e.Prefix)
			}
		}
		pending = rest
		h.sendAnnouncement(attrs, v4, v6)
	}
	return nil
}

func (h *Handler) sendAnnouncement(attrs *bgp.PathAttrs, v4, v6 []netip.Prefix) {
	export := h.exportAttrs(attrs)
	for len(v4) > 0 {
		u := &bgp.UpdateMessage{Attrs: export, NLRI: v4}
		frame, err := bgp.Encode(u, h.fourByteAS)
		if err == bgp.ErrMessageTooBig && len(v4) > 1 {
			half := len(v4) / 2
			u.NLRI = v4[:half]
			if frame, err = bgp.Encode(u, h.fourByteAS); err != nil {
				return
			}
			h.sendFrame(frame)
			v4 = v4[half:]
			continue
		}
		if err != nil {
			h.logger.Error("update encode failed")
			return
		}
		h.sendFrame(frame)
		v4 = nil
	}
	if len(v6) > 0 && h.mpIPv6 {
		mpAttrs := export.Clone()
		nh := netip.IPv6Unspecified()
		if existing, ok := export.NextHop(); ok && existing.Is6() {
			nh = existing
		}
		mpAttrs.Remove(bgp.AttrTypeNextHop)
		mpAttrs.Set(&bgp.MPReachAttr{
			AFI: bgp.AFIIPv6, SAFI: bgp.SAFIUnicast,
			NextHop: nh, NLRI: v6,
		})
		u := &bgp.UpdateMessage{Attrs: mpAttrs}
		frame, err := bgp.Encode(u, h.fourByteAS)
		if err != nil {
			h.logger.Error("mp update encode failed")
			return
		}
		h.sendFrame(frame)
	}
}

// exportAttrs applies the EBGP egress rewrites: AS prepend and next-hop
// self. IBGP sessions forward attributes unchanged.
func (h *Handler) exportAttrs(attrs *bgp.PathAttrs) *bgp.PathAttrs {
	if h.handle.IBGP {
		return attrs
	}
	out := attrs.Clone()
	ap := out.ASPath()
	if ap == nil {
		ap = &bgp.ASPathAttr{}
		out.Set(ap)
	}
	ap.PrependAS(h.cfg.LocalAS)
	out.Remove(bgp.AttrTypeLocalPref)
	if h.cfg.LocalAddr.IsValid() && h.cfg.LocalAddr.Is4() {
		out.Set(&bgp.NextHopAttr{Addr: h.cfg.LocalAddr})
	}
	return out
}

func (h *Handler) sendFrame(frame []byte) {
	if h.socket != nil {
		h.socket.Send(frame, false)
	}
}

func splitByFamily(prefixes []netip.Prefix) (v4, v6 []netip.Prefix) {
	for _, p := range prefixes {
		if p.Addr().Is4() {
			v4 = append(v4, p)
		} else {
			v6 = append(v6, p)
		}
	}
	return
}

// bigEnoughWithdraw is how many withdrawals fit in one UPDATE under the
// message ceiling: header(19) + withdrawn-len(2) + attr-len(2), five
// bytes worst case per prefix.
func bigEnoughWithdraw(prefixes []netip.Prefix) int {
	budget := bgp.MaxMessageLen - bgp.HeaderSize - 4
	n := 0
	for _, p := range prefixes {
		size := 1 + (p.Bits()+7)/8
		if budget < size {
			break
		}
		budget -= size
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}
