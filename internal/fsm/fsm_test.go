package fsm

import (
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/routerd/internal/bgp"
	"go.uber.org/zap"
)

// recorder captures FSM side effects.
type recorder struct {
	connects      int
	closes        int
	opensSent     int
	keepalives    int
	notifications []*bgp.NotificationMessage
	established   int
	downs         int

	updateCount int
	updateErr   error

	machine *PeerFsm
}

func (r *recorder) Connect()        { r.connects++ }
func (r *recorder) CloseTransport() { r.closes++ }
func (r *recorder) SendOpen(suppressCaps bool) {
	r.opensSent++
}
func (r *recorder) SendKeepalive() { r.keepalives++ }
func (r *recorder) SendNotification(code, subcode uint8, data []byte) {
	r.notifications = append(r.notifications,
		&bgp.NotificationMessage{Code: code, Subcode: subcode, Data: data})
	// The transport drains synchronously in tests.
	r.machine.Handle(Event{Kind: EvNotificationSent})
}
func (r *recorder) SessionEstablished(*bgp.OpenMessage) { r.established++ }
func (r *recorder) SessionDown()                        { r.downs++ }
func (r *recorder) ProcessUpdate(*bgp.UpdateMessage) (int, error) {
	return r.updateCount, r.updateErr
}

func newTestFsm(t *testing.T, mutate func(*Config)) (*PeerFsm, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LocalAS = 65000
	cfg.LocalBGPID = netip.MustParseAddr("10.0.0.1")
	cfg.PeerAS = 65001
	cfg.JitterEnabled = false
	cfg.RestartThreshold = 0
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &recorder{}
	m := New(cfg, rec, func(ev Event) { /* timer events unused in tests */ }, zap.NewNop())
	rec.machine = m
	return m, rec
}

func peerOpen(holdTime uint16) *bgp.OpenMessage {
	return &bgp.OpenMessage{
		Version:  bgp.Version,
		AS:       65001,
		HoldTime: holdTime,
		BGPID:    netip.MustParseAddr("10.0.0.2"),
	}
}

func driveToEstablished(t *testing.T, m *PeerFsm, rec *recorder) {
	t.Helper()
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvTransportOpened})
	m.Handle(Event{Kind: EvOpenReceived, Open: peerOpen(90)})
	m.Handle(Event{Kind: EvKeepaliveReceived})
	if m.State() != StateEstablished {
		t.Fatalf("expected Established, got %s", m.State())
	}
}

func TestFsm_HappyPath(t *testing.T) {
	m, rec := newTestFsm(t, nil)

	m.Handle(Event{Kind: EvStart})
	if m.State() != StateConnect {
		t.Fatalf("after Start: %s", m.State())
	}
	if rec.connects != 1 {
		t.Errorf("expected one connect attempt, got %d", rec.connects)
	}

	m.Handle(Event{Kind: EvTransportOpened})
	if m.State() != StateOpenSent {
		t.Fatalf("after TransportOpened: %s", m.State())
	}
	if rec.opensSent != 1 {
		t.Errorf("expected OPEN sent, got %d", rec.opensSent)
	}

	m.Handle(Event{Kind: EvOpenReceived, Open: peerOpen(90)})
	if m.State() != StateOpenConfirm {
		t.Fatalf("after OpenReceived: %s", m.State())
	}
	if rec.keepalives != 1 {
		t.Errorf("expected KEEPALIVE sent, got %d", rec.keepalives)
	}

	m.Handle(Event{Kind: EvKeepaliveReceived})
	if m.State() != StateEstablished {
		t.Fatalf("after KeepaliveReceived: %s", m.State())
	}
	if rec.established != 1 {
		t.Errorf("expected session-established callback, got %d", rec.established)
	}
	if m.EstablishedTransitions() != 1 {
		t.Errorf("expected one established transition, got %d", m.EstablishedTransitions())
	}
}

func TestFsm_HoldTimeNegotiation(t *testing.T) {
	m, _ := newTestFsm(t, func(c *Config) { c.HoldTime = 90 * time.Second })
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvTransportOpened})
	m.Handle(Event{Kind: EvOpenReceived, Open: peerOpen(30)})
	if m.NegotiatedHoldTime() != 30*time.Second {
		t.Errorf("negotiated hold = %v, want 30s (min of offered and configured)", m.NegotiatedHoldTime())
	}
}

func TestFsm_BadPeerAS(t *testing.T) {
	m, rec := newTestFsm(t, nil)
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvTransportOpened})
	open := peerOpen(90)
	open.AS = 65002
	m.Handle(Event{Kind: EvOpenReceived, Open: open})
	if len(rec.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(rec.notifications))
	}
	n := rec.notifications[0]
	if n.Code != bgp.ErrCodeOpenMessage || n.Subcode != bgp.SubBadPeerAS {
		t.Errorf("expected BadPeerAS, got %d/%d", n.Code, n.Subcode)
	}
	if m.State() != StateIdle {
		t.Errorf("expected Idle after drain, got %s", m.State())
	}
}

func TestFsm_BadBGPID(t *testing.T) {
	m, rec := newTestFsm(t, nil)
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvTransportOpened})
	open := peerOpen(90)
	open.BGPID = netip.MustParseAddr("224.0.0.1")
	m.Handle(Event{Kind: EvOpenReceived, Open: open})
	if len(rec.notifications) != 1 || rec.notifications[0].Subcode != bgp.SubBadBGPIdentifier {
		t.Fatalf("expected BadBGPIdentifier, got %+v", rec.notifications)
	}
}

func TestFsm_HoldTimerExpired(t *testing.T) {
	m, rec := newTestFsm(t, nil)
	driveToEstablished(t, m, rec)
	m.Handle(Event{Kind: EvHoldTimerExpired})
	if len(rec.notifications) != 1 || rec.notifications[0].Code != bgp.ErrCodeHoldTimerExpired {
		t.Fatalf("expected HoldTimerExpired notification, got %+v", rec.notifications)
	}
	if rec.downs != 1 {
		t.Errorf("expected session-down callback, got %d", rec.downs)
	}
	if m.State() != StateIdle {
		t.Errorf("expected Idle after drain, got %s", m.State())
	}
}

func TestFsm_PrefixLimit(t *testing.T) {
	m, rec := newTestFsm(t, func(c *Config) { c.PrefixLimit = 10 })
	driveToEstablished(t, m, rec)

	rec.updateCount = 5
	m.Handle(Event{Kind: EvUpdateReceived, Update: &bgp.UpdateMessage{}})
	if m.State() != StateEstablished {
		t.Fatalf("under limit should stay Established, got %s", m.State())
	}

	rec.updateCount = 11
	m.Handle(Event{Kind: EvUpdateReceived, Update: &bgp.UpdateMessage{}})
	if len(rec.notifications) != 1 || rec.notifications[0].Code != bgp.ErrCodeCease {
		t.Fatalf("expected Cease on prefix-limit breach, got %+v", rec.notifications)
	}
}

func TestFsm_UpdateInOpenSentIsError(t *testing.T) {
	m, rec := newTestFsm(t, nil)
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvTransportOpened})
	m.Handle(Event{Kind: EvUpdateReceived, Update: &bgp.UpdateMessage{}})
	if len(rec.notifications) != 1 || rec.notifications[0].Code != bgp.ErrCodeFSMError {
		t.Fatalf("expected FSM error, got %+v", rec.notifications)
	}
}

func TestFsm_StopSendsCease(t *testing.T) {
	m, rec := newTestFsm(t, nil)
	driveToEstablished(t, m, rec)
	m.Handle(Event{Kind: EvStop})
	if len(rec.notifications) != 1 || rec.notifications[0].Code != bgp.ErrCodeCease {
		t.Fatalf("expected Cease, got %+v", rec.notifications)
	}
	if m.State() != StateIdle {
		t.Errorf("expected Idle after drain, got %s", m.State())
	}
}

func TestFsm_UnsupportedOptionalParameterRetry(t *testing.T) {
	m, rec := newTestFsm(t, nil)
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvTransportOpened})
	m.Handle(Event{Kind: EvNotificationReceived, Notification: &bgp.NotificationMessage{
		Code:    bgp.ErrCodeOpenMessage,
		Subcode: bgp.SubUnsupportedOptionalParameter,
	}})
	if m.State() != StateActive {
		t.Fatalf("expected Active after peer notification, got %s", m.State())
	}
	if !m.suppressCaps {
		t.Error("next OPEN must omit the capabilities parameter")
	}
	_ = rec
}

func TestFsm_OscillationDamping(t *testing.T) {
	m, rec := newTestFsm(t, func(c *Config) {
		c.RestartThreshold = 3
		c.RestartWindow = time.Hour
	})
	for i := 0; i < 2; i++ {
		m.Handle(Event{Kind: EvStart})
		if m.State() != StateConnect {
			t.Fatalf("restart %d: expected Connect, got %s", i, m.State())
		}
		m.Handle(Event{Kind: EvStop, Restart: true})
	}
	// Third start inside the window trips the idle hold.
	m.Handle(Event{Kind: EvStart})
	if m.State() != StateIdle {
		t.Fatalf("expected Idle under idle-hold, got %s", m.State())
	}
	if rec.connects != 2 {
		t.Errorf("expected no third connect, got %d", rec.connects)
	}
	// The idle-hold timer firing releases the next start.
	m.Handle(Event{Kind: EvIdleHoldExpired})
	if m.State() != StateConnect {
		t.Fatalf("expected Connect after idle hold, got %s", m.State())
	}
}

func TestJitter_Bounds(t *testing.T) {
	d := 100 * time.Second
	for i := 0; i < 200; i++ {
		j := Jitter(d, true)
		if j < 75*time.Second || j > 100*time.Second {
			t.Fatalf("jitter out of [0.75,1.0] range: %v", j)
		}
	}
	if Jitter(d, false) != d {
		t.Error("disabled jitter must be identity")
	}
}

func TestCollision_LargerLocalIDKeepsOutbound(t *testing.T) {
	state := StateOpenConfirm
	a := NewAcceptSession(netip.MustParseAddr("10.0.0.9"),
		func() State { return state }, zap.NewNop())
	d := a.OnOpen(peerOpen(90)) // peer id 10.0.0.2
	if d != KeepOutbound {
		t.Errorf("local 10.0.0.9 > peer 10.0.0.2: expected KeepOutbound, got %v", d)
	}
}

func TestCollision_LargerPeerIDKeepsInbound(t *testing.T) {
	// BGP-3: local 10.0.0.1 vs peer 10.0.0.2 with outbound in
	// OpenConfirm; the inbound session wins.
	state := StateOpenConfirm
	a := NewAcceptSession(netip.MustParseAddr("10.0.0.1"),
		func() State { return state }, zap.NewNop())
	d := a.OnOpen(peerOpen(90))
	if d != KeepInbound {
		t.Errorf("expected KeepInbound, got %v", d)
	}
}

func TestCollision_EstablishedOutboundAlwaysWins(t *testing.T) {
	a := NewAcceptSession(netip.MustParseAddr("10.0.0.1"),
		func() State { return StateEstablished }, zap.NewNop())
	if d := a.OnOpen(peerOpen(90)); d != KeepOutbound {
		t.Errorf("expected KeepOutbound for established session, got %v", d)
	}
}

func TestFsm_OscillationDamping_WindowExpiry(t *testing.T) {
	m, _ := newTestFsm(t, func(c *Config) {
		c.RestartThreshold = 2
		c.RestartWindow = time.Nanosecond
	})
	m.Handle(Event{Kind: EvStart})
	m.Handle(Event{Kind: EvStop, Restart: true})
	time.Sleep(time.Millisecond)
	// The first restart aged out of the window; no idle hold.
	m.Handle(Event{Kind: EvStart})
	if m.State() != StateConnect {
		t.Fatalf("expected Connect, got %s", m.State())
	}
}
