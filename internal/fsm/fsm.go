// Package fsm implements the per-peer BGP finite state machine of
// RFC 4271 §8, including the implementation-specific Stopped state that
// waits for an in-flight NOTIFICATION to drain, connection-collision
// resolution, and peer-oscillation damping.
package fsm

import (
	"net/netip"
	"time"

	"github.com/route-beacon/routerd/internal/bgp"
	"go.uber.org/zap"
)

// State of the session.
type State int

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	case StateStopped:
		return "Stopped"
	}
	return "unknown"
}

// EventKind drives the machine.
type EventKind int

const (
	EvStart EventKind = iota
	EvStop
	EvTransportOpened
	EvTransportClosed
	EvConnectRetryExpired
	EvHoldTimerExpired
	EvKeepaliveExpired
	EvDelayOpenExpired
	EvIdleHoldExpired
	EvOpenReceived
	EvKeepaliveReceived
	EvUpdateReceived
	EvNotificationReceived
	EvNotificationSent
)

// Event is one FSM input. Open/Update/Notification carry the decoded
// packet; Stop carries the restart/automatic flags.
type Event struct {
	Kind         EventKind
	Open         *bgp.OpenMessage
	Update       *bgp.UpdateMessage
	Notification *bgp.NotificationMessage
	Restart      bool
	Automatic    bool
}

// Actions is everything the machine asks of its owner. The owner runs
// all calls on the peer's serialized loop.
type Actions interface {
	// Connect starts an outbound TCP attempt; completion arrives as
	// EvTransportOpened or EvTransportClosed.
	Connect()
	CloseTransport()
	SendOpen(suppressCaps bool)
	SendKeepalive()
	// SendNotification must inject EvNotificationSent once the packet
	// has drained.
	SendNotification(code, subcode uint8, data []byte)
	SessionEstablished(peerOpen *bgp.OpenMessage)
	SessionDown()
	// ProcessUpdate feeds the pipeline; it returns the total ingress
	// route count for prefix-limit enforcement.
	ProcessUpdate(u *bgp.UpdateMessage) (int, error)
}

// Config is the per-peer FSM configuration.
type Config struct {
	LocalAS      uint32
	LocalBGPID   netip.Addr
	PeerAS       uint32
	HoldTime     time.Duration
	ConnectRetry time.Duration
	DelayOpen    time.Duration // zero disables
	IdleHold     time.Duration
	PrefixLimit  int // zero disables

	JitterEnabled bool

	// Oscillation damping: RestartThreshold restarts inside
	// RestartWindow arm the idle-hold timer before the next start.
	RestartThreshold int
	RestartWindow    time.Duration
}

// DefaultConfig fills the conventional values.
func DefaultConfig() Config {
	return Config{
		HoldTime:         90 * time.Second,
		ConnectRetry:     120 * time.Second,
		IdleHold:         120 * time.Second,
		JitterEnabled:    true,
		RestartThreshold: 10,
		RestartWindow:    300 * time.Second,
	}
}

// The hold timer armed while waiting for the peer's OPEN (RFC 4271
// §8.2.2, "large value").
const openHoldTime = 4 * time.Minute

// PeerFsm is the state machine for one configured peer.
type PeerFsm struct {
	cfg     Config
	actions Actions
	logger  *zap.Logger

	// dispatch delivers timer-generated events into the owner's
	// serialized loop.
	dispatch func(Event)

	state State

	negotiatedHold time.Duration
	keepaliveTime  time.Duration
	peerOpen       *bgp.OpenMessage

	connectRetryTimer timer
	holdTimer         timer
	keepaliveTimer    timer
	delayOpenTimer    timer
	idleHoldTimer     timer

	// suppressCaps is set after the peer rejected our capabilities
	// optional parameter; the next OPEN omits it.
	suppressCaps bool

	establishedTransitions uint64
	restartTimes           []time.Time
	idleHoldArmed          bool
}

func New(cfg Config, actions Actions, dispatch func(Event), logger *zap.Logger) *PeerFsm {
	return &PeerFsm{
		cfg:      cfg,
		actions:  actions,
		dispatch: dispatch,
		logger:   logger,
		state:    StateIdle,
	}
}

func (f *PeerFsm) State() State { return f.state }

// EstablishedTransitions counts entries into Established.
func (f *PeerFsm) EstablishedTransitions() uint64 { return f.establishedTransitions }

// NegotiatedHoldTime is the session hold time after OPEN exchange.
func (f *PeerFsm) NegotiatedHoldTime() time.Duration { return f.negotiatedHold }

func (f *PeerFsm) setState(s State) {
	if s == f.state {
		return
	}
	f.logger.Info("fsm transition",
		zap.Stringer("from", f.state), zap.Stringer("to", s))
	if f.state == StateEstablished && s != StateEstablished {
		f.actions.SessionDown()
	}
	f.state = s
}

func (f *PeerFsm) armConnectRetry() {
	f.connectRetryTimer.schedule(Jitter(f.cfg.ConnectRetry, f.cfg.JitterEnabled), func() {
		f.dispatch(Event{Kind: EvConnectRetryExpired})
	})
}

func (f *PeerFsm) armHold(d time.Duration) {
	if d == 0 {
		f.holdTimer.stop()
		return
	}
	f.holdTimer.schedule(Jitter(d, f.cfg.JitterEnabled), func() {
		f.dispatch(Event{Kind: EvHoldTimerExpired})
	})
}

func (f *PeerFsm) armKeepalive() {
	if f.keepaliveTime == 0 {
		f.keepaliveTimer.stop()
		return
	}
	f.keepaliveTimer.schedule(Jitter(f.keepaliveTime, f.cfg.JitterEnabled), func() {
		f.dispatch(Event{Kind: EvKeepaliveExpired})
	})
}

func (f *PeerFsm) stopAllTimers() {
	f.connectRetryTimer.stop()
	f.holdTimer.stop()
	f.keepaliveTimer.stop()
	f.delayOpenTimer.stop()
	f.idleHoldTimer.stop()
}

// noteRestart records a session restart for oscillation damping and
// reports whether the idle-hold should apply before the next start.
func (f *PeerFsm) noteRestart() bool {
	if f.cfg.RestartThreshold == 0 {
		return false
	}
	now := time.Now()
	cutoff := now.Add(-f.cfg.RestartWindow)
	kept := f.restartTimes[:0]
	for _, t := range f.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.restartTimes = append(kept, now)
	return len(f.restartTimes) >= f.cfg.RestartThreshold
}

// stop tears the session down toward Stopped, sending the notification
// when the transport is up.
func (f *PeerFsm) stop(code, subcode uint8, data []byte, connected bool) {
	f.stopAllTimers()
	if connected {
		// Enter Stopped first so a notification that drains at once
		// (EvNotificationSent delivered synchronously) still moves on
		// to Idle.
		f.setState(StateStopped)
		f.actions.SendNotification(code, subcode, data)
		return
	}
	f.actions.CloseTransport()
	f.setState(StateIdle)
}

// Handle processes one event. It must run on the peer's serialized
// loop.
func (f *PeerFsm) Handle(ev Event) {
	switch ev.Kind {
	case EvStart:
		f.handleStart()
	case EvStop:
		f.handleStop(ev)
	case EvTransportOpened:
		f.handleTransportOpened()
	case EvTransportClosed:
		f.handleTransportClosed()
	case EvConnectRetryExpired:
		f.handleConnectRetry()
	case EvHoldTimerExpired:
		f.handleHoldExpired()
	case EvKeepaliveExpired:
		f.handleKeepaliveExpired()
	case EvDelayOpenExpired:
		f.handleDelayOpenExpired()
	case EvIdleHoldExpired:
		// The hold has been served; the restart history starts over.
		f.idleHoldArmed = false
		f.restartTimes = nil
		f.handleStart()
	case EvOpenReceived:
		f.handleOpen(ev.Open)
	case EvKeepaliveReceived:
		f.handleKeepaliveReceived()
	case EvUpdateReceived:
		f.handleUpdate(ev.Update)
	case EvNotificationReceived:
		f.handleNotificationReceived(ev.Notification)
	case EvNotificationSent:
		if f.state == StateStopped {
			f.actions.CloseTransport()
			f.setState(StateIdle)
		}
	}
}

func (f *PeerFsm) handleStart() {
	if f.state != StateIdle {
		return
	}
	if f.idleHoldArmed {
		return // waiting out the idle hold
	}
	if f.noteRestart() {
		f.idleHoldArmed = true
		f.logger.Warn("peer oscillating, applying idle hold",
			zap.Duration("idle-hold", f.cfg.IdleHold))
		f.idleHoldTimer.schedule(Jitter(f.cfg.IdleHold, f.cfg.JitterEnabled), func() {
			f.dispatch(Event{Kind: EvIdleHoldExpired})
		})
		return
	}
	f.setState(StateConnect)
	f.armConnectRetry()
	f.actions.Connect()
}

func (f *PeerFsm) handleStop(ev Event) {
	switch f.state {
	case StateIdle:
		return
	case StateStopped:
		// Second stop: flush immediately.
		f.stopAllTimers()
		f.actions.CloseTransport()
		f.setState(StateIdle)
		return
	case StateConnect, StateActive:
		f.stop(0, 0, nil, false)
	default:
		f.stop(bgp.ErrCodeCease, 0, nil, true)
	}
	if !ev.Restart {
		f.restartTimes = nil
	}
}

// PassiveOpen installs an inbound transport that won collision
// resolution: the machine moves through Connect as if its own dial had
// completed, then sends OPEN immediately (delay-open does not apply to
// accepted sessions).
func (f *PeerFsm) PassiveOpen() {
	if f.state == StateEstablished {
		return
	}
	f.stopAllTimers()
	f.setState(StateConnect)
	f.sendOpenAndWait()
}

func (f *PeerFsm) handleTransportOpened() {
	switch f.state {
	case StateConnect, StateActive:
		f.connectRetryTimer.stop()
		if f.cfg.DelayOpen > 0 {
			f.delayOpenTimer.schedule(Jitter(f.cfg.DelayOpen, f.cfg.JitterEnabled), func() {
				f.dispatch(Event{Kind: EvDelayOpenExpired})
			})
			return
		}
		f.sendOpenAndWait()
	default:
		// A transport event in a later state is a violation of our own
		// bookkeeping, not the peer's; ignore.
	}
}

func (f *PeerFsm) sendOpenAndWait() {
	f.actions.SendOpen(f.suppressCaps)
	f.armHold(openHoldTime)
	f.setState(StateOpenSent)
}

func (f *PeerFsm) handleTransportClosed() {
	switch f.state {
	case StateConnect:
		f.setState(StateActive)
		f.armConnectRetry()
	case StateActive:
		f.armConnectRetry()
	case StateOpenSent, StateOpenConfirm, StateEstablished:
		f.stopAllTimers()
		f.setState(StateIdle)
		f.armConnectRetry()
		f.setState(StateActive)
	case StateStopped:
		f.stopAllTimers()
		f.setState(StateIdle)
	}
}

func (f *PeerFsm) handleConnectRetry() {
	switch f.state {
	case StateConnect, StateActive:
		f.actions.CloseTransport()
		f.armConnectRetry()
		f.setState(StateConnect)
		f.actions.Connect()
	}
}

func (f *PeerFsm) handleDelayOpenExpired() {
	if f.state == StateConnect || f.state == StateActive {
		f.sendOpenAndWait()
	}
}

func (f *PeerFsm) handleHoldExpired() {
	switch f.state {
	case StateOpenSent, StateOpenConfirm, StateEstablished:
		f.stop(bgp.ErrCodeHoldTimerExpired, 0, nil, true)
	}
}

func (f *PeerFsm) handleKeepaliveExpired() {
	switch f.state {
	case StateOpenConfirm, StateEstablished:
		f.actions.SendKeepalive()
		f.armKeepalive()
	}
}

// validateOpen applies RFC 4271 §6.2 checks against configuration.
func (f *PeerFsm) validateOpen(o *bgp.OpenMessage) *bgp.NotifyError {
	peerAS := uint32(o.AS)
	if as4, ok := o.FourByteAS(); ok {
		peerAS = as4
	}
	if peerAS != f.cfg.PeerAS && !(o.AS == bgp.ASTrans && f.cfg.PeerAS > 0xFFFF) {
		return &bgp.NotifyError{Code: bgp.ErrCodeOpenMessage, Subcode: bgp.SubBadPeerAS}
	}
	if !o.BGPID.Is4() || o.BGPID.IsMulticast() || o.BGPID == netip.IPv4Unspecified() {
		return &bgp.NotifyError{Code: bgp.ErrCodeOpenMessage, Subcode: bgp.SubBadBGPIdentifier}
	}
	return nil
}

func (f *PeerFsm) handleOpen(o *bgp.OpenMessage) {
	switch f.state {
	case StateOpenSent:
		if nerr := f.validateOpen(o); nerr != nil {
			f.stop(nerr.Code, nerr.Subcode, nerr.Data, true)
			return
		}
		f.peerOpen = o
		offered := time.Duration(o.HoldTime) * time.Second
		f.negotiatedHold = offered
		if f.cfg.HoldTime < offered {
			f.negotiatedHold = f.cfg.HoldTime
		}
		f.keepaliveTime = f.negotiatedHold / 3
		f.actions.SendKeepalive()
		f.armKeepalive()
		f.armHold(f.negotiatedHold)
		f.setState(StateOpenConfirm)
	case StateConnect, StateActive:
		// OPEN during delay-open: respond with ours and proceed.
		if f.cfg.DelayOpen > 0 {
			f.delayOpenTimer.stop()
			f.sendOpenAndWait()
			f.handleOpen(o)
			return
		}
		f.fsmError()
	default:
		f.fsmError()
	}
}

func (f *PeerFsm) handleKeepaliveReceived() {
	switch f.state {
	case StateOpenConfirm:
		f.establishedTransitions++
		f.setState(StateEstablished)
		f.armHold(f.negotiatedHold)
		f.actions.SessionEstablished(f.peerOpen)
	case StateEstablished:
		f.armHold(f.negotiatedHold)
	default:
		f.fsmError()
	}
}

func (f *PeerFsm) handleUpdate(u *bgp.UpdateMessage) {
	if f.state != StateEstablished {
		f.fsmError()
		return
	}
	// Hold restart precedes the prefix-limit check; updates applied
	// before the limit trips are not rolled back (the resulting
	// session teardown withdraws them wholesale).
	f.armHold(f.negotiatedHold)
	count, err := f.actions.ProcessUpdate(u)
	if err != nil {
		if nerr, ok := err.(*bgp.NotifyError); ok {
			f.stop(nerr.Code, nerr.Subcode, nerr.Data, true)
			return
		}
		f.logger.Warn("update processing failed", zap.Error(err))
		return
	}
	if f.cfg.PrefixLimit > 0 && count > f.cfg.PrefixLimit {
		f.logger.Warn("prefix limit exceeded",
			zap.Int("count", count), zap.Int("limit", f.cfg.PrefixLimit))
		f.stop(bgp.ErrCodeCease, 0, nil, true)
	}
}

func (f *PeerFsm) handleNotificationReceived(n *bgp.NotificationMessage) {
	if n.Code == bgp.ErrCodeOpenMessage && n.Subcode == bgp.SubUnsupportedOptionalParameter {
		// Retry without the capabilities parameter.
		f.suppressCaps = true
	}
	f.stopAllTimers()
	f.actions.CloseTransport()
	f.setState(StateIdle)
	f.armConnectRetry()
	f.setState(StateActive)
}

func (f *PeerFsm) fsmError() {
	switch f.state {
	case StateOpenSent, StateOpenConfirm, StateEstablished:
		f.stop(bgp.ErrCodeFSMError, 0, nil, true)
	}
}
