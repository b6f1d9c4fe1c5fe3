package fsm

import (
	"encoding/binary"
	"net/netip"

	"github.com/route-beacon/routerd/internal/bgp"
	"go.uber.org/zap"
)

// AcceptDecision is the outcome of connection-collision resolution.
type AcceptDecision int

const (
	// KeepInbound closes the outbound session with Cease and promotes
	// the accepted one.
	KeepInbound AcceptDecision = iota
	// KeepOutbound closes the accepted socket with Cease.
	KeepOutbound
)

func bgpIDValue(a netip.Addr) uint32 {
	v := a.As4()
	return binary.BigEndian.Uint32(v[:])
}

// AcceptSession arbitrates a connection collision: an inbound TCP
// session accepted for a peer that already has an outbound session in
// flight. It runs a mini-FSM on the accepted socket that consumes
// messages only far enough to learn the peer's BGP identifier.
type AcceptSession struct {
	localID netip.Addr
	// outboundState reads the main session's FSM state at decision
	// time.
	outboundState func() State
	logger        *zap.Logger

	decided bool
}

func NewAcceptSession(localID netip.Addr, outboundState func() State, logger *zap.Logger) *AcceptSession {
	return &AcceptSession{localID: localID, outboundState: outboundState, logger: logger}
}

// OnOpen consumes the OPEN received on the accepted socket and decides
// which session survives. An outbound session already in Established
// always wins; otherwise the connection initiated by the numerically
// larger BGP identifier is kept.
func (a *AcceptSession) OnOpen(o *bgp.OpenMessage) AcceptDecision {
	a.decided = true
	st := a.outboundState()
	if st == StateEstablished {
		a.logger.Info("collision: outbound already established, closing inbound")
		return KeepOutbound
	}
	if bgpIDValue(a.localID) > bgpIDValue(o.BGPID) {
		a.logger.Info("collision: local id wins, keeping outbound",
			zap.Stringer("local", a.localID), zap.Stringer("peer", o.BGPID))
		return KeepOutbound
	}
	a.logger.Info("collision: peer id wins, keeping inbound",
		zap.Stringer("local", a.localID), zap.Stringer("peer", o.BGPID))
	return KeepInbound
}

// Decided reports whether the arbiter has run.
func (a *AcceptSession) Decided() bool { return a.decided }
