package peer

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"github.com/route-beacon/routerd/internal/fsm"
	"github.com/route-beacon/routerd/internal/rib"
	"go.uber.org/zap"
)

// Server owns every configured peering plus the passive listener that
// feeds inbound connections through collision resolution.
type Server struct {
	localBGPID netip.Addr
	handlers   map[netip.Addr]*Handler
	plumbV4    *rib.Plumbing
	plumbV6    *rib.Plumbing
	listener   net.Listener
	logger     *zap.Logger
}

func NewServer(localBGPID netip.Addr, plumbV4, plumbV6 *rib.Plumbing, logger *zap.Logger) *Server {
	return &Server{
		localBGPID: localBGPID,
		handlers:   make(map[netip.Addr]*Handler),
		plumbV4:    plumbV4,
		plumbV6:    plumbV6,
		logger:     logger,
	}
}

// AddPeer configures and starts one peering.
func (s *Server) AddPeer(cfg Config, sink Sink) *Handler {
	h := NewHandler(cfg, s.plumbV4, s.plumbV6, sink, s.logger)
	s.handlers[cfg.PeerAddr] = h
	h.Start()
	return h
}

// Handlers exposes the configured peerings.
func (s *Server) Handlers() map[netip.Addr]*Handler { return s.handlers }

// ConfiguredCount implements the ops-server readiness interface.
func (s *Server) ConfiguredCount() int { return len(s.handlers) }

// EstablishedCount implements the ops-server readiness interface.
func (s *Server) EstablishedCount() int {
	n := 0
	for _, h := range s.handlers {
		if h.State() == fsm.StateEstablished {
			n++
		}
	}
	return n
}

// Listen starts accepting inbound sessions on addr (":179" by
// default).
func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", BGPPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("peer: listen %s: %w", addr, err)
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

// Close stops the listener and every peering.
func (s *Server) Close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, h := range s.handlers {
		h.Stop()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleInbound(conn)
	}
}

// handleInbound runs the collision arbiter on an accepted socket: it
// consumes messages only until the peer's OPEN arrives, compares BGP
// identifiers, and either promotes the inbound session or closes it
// with Cease.
func (s *Server) handleInbound(conn net.Conn) {
	remote, ok := tcpAddrToNetip(conn.RemoteAddr())
	if !ok {
		_ = conn.Close()
		return
	}
	h, configured := s.handlers[remote]
	if !configured {
		s.logger.Info("inbound connection from unconfigured peer",
			zap.Stringer("remote", remote))
		_ = conn.Close()
		return
	}

	sock := NewSocket(conn, s.logger)
	arbiter := fsm.NewAcceptSession(s.localBGPID, h.State, s.logger)

	// Consume frames only until the peer's OPEN shows up.
	for !arbiter.Decided() {
		msg, err := sock.ReadMessage(false)
		if err != nil {
			sock.Close()
			return
		}
		open, isOpen := msg.(*bgp.OpenMessage)
		if !isOpen {
			continue
		}
		switch arbiter.OnOpen(open) {
		case fsm.KeepInbound:
			// The outbound side loses: the handler closes its own
			// socket with Cease and adopts this one, replaying the
			// OPEN into its FSM.
			h.Do(func() {
				h.SendNotification(bgp.ErrCodeCease, 0, nil)
				h.CloseTransport()
			})
			h.AdoptInbound(sock)
			h.Do(func() {
				h.machine.Handle(fsm.Event{Kind: fsm.EvOpenReceived, Open: open})
			})
		case fsm.KeepOutbound:
			frame, err := bgp.Encode(&bgp.NotificationMessage{Code: bgp.ErrCodeCease}, false)
			if err == nil {
				sock.Send(frame, true)
			}
			sock.Close()
		}
	}
}

func tcpAddrToNetip(a net.Addr) (netip.Addr, bool) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
