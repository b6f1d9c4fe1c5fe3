package peer

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/route-beacon/routerd/internal/bgp"
	"github.com/route-beacon/routerd/internal/fsm"
	"github.com/route-beacon/routerd/internal/metrics"
	"github.com/route-beacon/routerd/internal/rib"
	"go.uber.org/zap"
)

// Sink receives session and route events for the outbound feed.
type Sink interface {
	PeerSession(peer string, established bool)
	RouteUpdate(peer string, raw []byte)
}

// Config is everything needed to run one peering.
type Config struct {
	Name        string
	LocalAS     uint32
	LocalBGPID  netip.Addr
	PeerAS      uint32
	PeerAddr    netip.Addr
	LocalAddr   netip.Addr
	MD5Password string
	FSM         fsm.Config

	// EnableIPv6 announces the v6-unicast MP capability and wires the
	// v6 pipeline.
	EnableIPv6 bool
}

// Handler drives one peering: socket events in, FSM transitions,
// pipeline operations, and egress UPDATE assembly. All state is owned
// by the run loop goroutine.
type Handler struct {
	cfg    Config
	handle *rib.PeerHandle
	logger *zap.Logger

	plumbV4 *rib.Plumbing
	plumbV6 *rib.Plumbing
	ribinV4 *rib.RibInTable
	ribinV6 *rib.RibInTable

	machine *fsm.PeerFsm
	socket  *Socket
	sink    Sink

	events chan func()
	done   chan struct{}

	fourByteAS bool
	mpIPv6     bool

	pendingAnnounce []*rib.RouteEntry
	pendingWithdraw []netip.Prefix
}

func NewHandler(cfg Config, plumbV4, plumbV6 *rib.Plumbing, sink Sink, logger *zap.Logger) *Handler {
	h := &Handler{
		cfg:    cfg,
		logger: logger.With(zap.String("peer", cfg.Name)),
		handle: &rib.PeerHandle{
			Name:  cfg.Name,
			AS:    cfg.PeerAS,
			Addr:  cfg.PeerAddr,
			IBGP:  cfg.PeerAS == cfg.LocalAS,
			BGPID: 0,
		},
		plumbV4: plumbV4,
		plumbV6: plumbV6,
		sink:    sink,
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
	}
	h.machine = fsm.New(cfg.FSM, h, h.dispatchEvent, h.logger)
	h.ribinV4 = plumbV4.AddPeering(h.handle, h)
	if cfg.EnableIPv6 && plumbV6 != nil {
		h.ribinV6 = plumbV6.AddPeering(h.handle, h)
	}
	return h
}

// Handle is the pipeline identity of this peering.
func (h *Handler) Handle() *rib.PeerHandle { return h.handle }

// State is the FSM state (reads are loop-ordered via Do in tests; the
// race is benign for status reporting).
func (h *Handler) State() fsm.State { return h.machine.State() }

// Start launches the run loop and fires the FSM start event.
func (h *Handler) Start() {
	go h.run()
	h.Do(func() { h.machine.Handle(fsm.Event{Kind: fsm.EvStart}) })
}

// Stop tears the peering down.
func (h *Handler) Stop() {
	h.Do(func() { h.machine.Handle(fsm.Event{Kind: fsm.EvStop}) })
}

// Shutdown stops the run loop.
func (h *Handler) Shutdown() {
	close(h.done)
}

// Do schedules fn on the handler's serialized loop.
func (h *Handler) Do(fn func()) {
	select {
	case h.events <- fn:
	case <-h.done:
	}
}

func (h *Handler) dispatchEvent(ev fsm.Event) {
	h.Do(func() { h.machine.Handle(ev) })
}

func (h *Handler) run() {
	const watchdog = 10 * time.Second
	for {
		select {
		case <-h.done:
			return
		case fn := <-h.events:
			start := time.Now()
			fn()
			if d := time.Since(start); d > watchdog {
				h.logger.Warn("event handler overran watchdog", zap.Duration("took", d))
			}
		}
	}
}

// --- fsm.Actions ---

func (h *Handler) Connect() {
	go func() {
		var local net.Addr
		if h.cfg.LocalAddr.IsValid() {
			local = &net.TCPAddr{IP: h.cfg.LocalAddr.AsSlice()}
		}
		remote := &net.TCPAddr{IP: h.cfg.PeerAddr.AsSlice(), Port: BGPPort}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sock, err := Dial(ctx, local, remote, h.cfg.MD5Password, h.logger)
		if err != nil {
			h.logger.Debug("connect failed", zap.Error(err))
			h.dispatchEvent(fsm.Event{Kind: fsm.EvTransportClosed})
			return
		}
		h.Do(func() { h.adoptSocket(sock) })
		h.dispatchEvent(fsm.Event{Kind: fsm.EvTransportOpened})
	}()
}

// AdoptInbound installs an accepted socket that won collision
// resolution.
func (h *Handler) AdoptInbound(sock *Socket) {
	h.Do(func() {
		if h.socket != nil {
			h.socket.Close()
		}
		h.adoptSocket(sock)
		h.machine.PassiveOpen()
	})
}

func (h *Handler) adoptSocket(sock *Socket) {
	h.socket = sock
	sock.OnReady(func() {
		h.Do(func() {
			h.plumbV4.OutputNoLongerBusy(h.handle)
			if h.plumbV6 != nil {
				h.plumbV6.OutputNoLongerBusy(h.handle)
			}
		})
	})
	sock.OnNotificationSent(func() {
		h.dispatchEvent(fsm.Event{Kind: fsm.EvNotificationSent})
	})
	go sock.ReadLoop(
		func() bool { return h.fourByteAS },
		func(m bgp.Message) { h.Do(func() { h.deliver(m) }) },
		func(err error) {
			if nerr, ok := err.(*bgp.NotifyError); ok {
				h.Do(func() {
					h.SendNotification(nerr.Code, nerr.Subcode, nerr.Data)
				})
				return
			}
			h.dispatchEvent(fsm.Event{Kind: fsm.EvTransportClosed})
		},
	)
}

func (h *Handler) deliver(m bgp.Message) {
	switch t := m.(type) {
	case *bgp.OpenMessage:
		h.machine.Handle(fsm.Event{Kind: fsm.EvOpenReceived, Open: t})
	case *bgp.UpdateMessage:
		metrics.PeerMessagesTotal.WithLabelValues(h.cfg.Name, "update", "in").Inc()
		h.machine.Handle(fsm.Event{Kind: fsm.EvUpdateReceived, Update: t})
	case *bgp.KeepaliveMessage:
		h.machine.Handle(fsm.Event{Kind: fsm.EvKeepaliveReceived})
	case *bgp.NotificationMessage:
		h.logger.Warn("notification received",
			zap.Uint8("code", t.Code), zap.Uint8("subcode", t.Subcode))
		h.machine.Handle(fsm.Event{Kind: fsm.EvNotificationReceived, Notification: t})
	}
}

func (h *Handler) CloseTransport() {
	if h.socket != nil {
		h.socket.Close()
		h.socket = nil
	}
}

func (h *Handler) SendOpen(suppressCaps bool) {
	wireAS := uint16(bgp.ASTrans)
	if h.cfg.LocalAS <= 0xFFFF {
		wireAS = uint16(h.cfg.LocalAS)
	}
	open := &bgp.OpenMessage{
		Version:      bgp.Version,
		AS:           wireAS,
		HoldTime:     uint16(h.cfg.FSM.HoldTime / time.Second),
		BGPID:        h.cfg.LocalBGPID,
		SuppressCaps: suppressCaps,
		Capabilities: []bgp.Capability{
			bgp.MPCapability(bgp.AFIIPv4, bgp.SAFIUnicast),
			bgp.FourByteASCapability(h.cfg.LocalAS),
		},
	}
	if h.cfg.EnableIPv6 {
		open.Capabilities = append(open.Capabilities,
			bgp.MPCapability(bgp.AFIIPv6, bgp.SAFIUnicast))
	}
	h.send(open, false)
}

func (h *Handler) SendKeepalive() {
	h.send(&bgp.KeepaliveMessage{}, false)
}

func (h *Handler) SendNotification(code, subcode uint8, data []byte) {
	h.send(&bgp.NotificationMessage{Code: code, Subcode: subcode, Data: data}, true)
}

func (h *Handler) send(m bgp.Message, isNotification bool) {
	if h.socket == nil {
		if isNotification {
			h.dispatchEvent(fsm.Event{Kind: fsm.EvNotificationSent})
		}
		return
	}
	frame, err := bgp.Encode(m, h.fourByteAS)
	if err != nil {
		h.logger.Error("encode failed", zap.Error(err))
		return
	}
	kind := "keepalive"
	switch m.(type) {
	case *bgp.OpenMessage:
		kind = "open"
	case *bgp.UpdateMessage:
		kind = "update"
	case *bgp.NotificationMessage:
		kind = "notification"
	}
	metrics.PeerMessagesTotal.WithLabelValues(h.cfg.Name, kind, "out").Inc()
	h.socket.Send(frame, isNotification)
}

func (h *Handler) SessionEstablished(peerOpen *bgp.OpenMessage) {
	_, peerFourByte := peerOpen.FourByteAS()
	h.fourByteAS = peerFourByte
	h.mpIPv6 = h.cfg.EnableIPv6 && peerOpen.HasMP(bgp.AFIIPv6, bgp.SAFIUnicast)
	h.handle.BGPID = bgpIDUint32(peerOpen.BGPID)
	metrics.PeerEstablished.WithLabelValues(h.cfg.Name).Set(1)
	metrics.PeerTransitionsTotal.WithLabelValues(h.cfg.Name).Inc()
	if h.sink != nil {
		h.sink.PeerSession(h.cfg.Name, true)
	}
	h.plumbV4.PeeringCameUp(h.handle)
	h.plumbV4.RunDumps(dumpBatch)
	if h.mpIPv6 && h.plumbV6 != nil {
		h.plumbV6.PeeringCameUp(h.handle)
		h.plumbV6.RunDumps(dumpBatch)
	}
}

const dumpBatch = 1000

func (h *Handler) SessionDown() {
	metrics.PeerEstablished.WithLabelValues(h.cfg.Name).Set(0)
	if h.sink != nil {
		h.sink.PeerSession(h.cfg.Name, false)
	}
	h.plumbV4.PeeringWentDown(h.handle)
	if h.plumbV6 != nil {
		h.plumbV6.PeeringWentDown(h.handle)
	}
	h.pendingAnnounce = nil
	h.pendingWithdraw = nil
}

// ProcessUpdate applies one inbound UPDATE to the pipeline and returns
// the resulting ingress route count for prefix-limit enforcement.
func (h *Handler) ProcessUpdate(u *bgp.UpdateMessage) (int, error) {
	if h.sink != nil {
		if raw, err := bgp.Encode(u, h.fourByteAS); err == nil {
			h.sink.RouteUpdate(h.cfg.Name, raw)
		}
	}
	for _, p := range u.Withdrawn {
		h.ribinV4.IngressDelete(p)
	}
	for _, p := range u.NLRI {
		h.ribinV4.IngressAdd(p, u.Attrs)
	}
	if u.Attrs != nil {
		if unreach, ok := u.Attrs.Get(bgp.AttrTypeMPUnreachNLRI).(*bgp.MPUnreachAttr); ok && h.ribinV6 != nil {
			for _, p := range unreach.NLRI {
				h.ribinV6.IngressDelete(p)
			}
		}
		if reach, ok := u.Attrs.Get(bgp.AttrTypeMPReachNLRI).(*bgp.MPReachAttr); ok && h.ribinV6 != nil {
			for _, p := range reach.NLRI {
				h.ribinV6.IngressAdd(p, u.Attrs)
			}
		}
	}
	h.ribinV4.IngressPush()
	if h.ribinV6 != nil {
		h.ribinV6.IngressPush()
	}
	count := h.ribinV4.RouteCount()
	if h.ribinV6 != nil {
		count += h.ribinV6.RouteCount()
	}
	return count, nil
}

func bgpIDUint32(a netip.Addr) uint32 {
	v := a.As4()
	return uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
}
