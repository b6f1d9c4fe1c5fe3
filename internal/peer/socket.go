// Package peer binds the per-peer FSM to the TCP transport on one side
// and the route-table pipeline on the other.
package peer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/route-beacon/routerd/internal/bgp"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// BGPPort is the well-known BGP TCP port.
const BGPPort = 179

// Transport backpressure watermarks: the output queue reports busy at
// the high mark and signals ready again once drained to the low mark.
const (
	outputHighWatermark = 100
	outputLowWatermark  = 10
)

// Socket is one framed BGP TCP connection with an output queue.
type Socket struct {
	conn   net.Conn
	logger *zap.Logger

	mu       sync.Mutex
	queue    [][]byte
	busy     bool
	writing  bool
	notReady func() // called when queue drains below low watermark
	sent     func() // called after each NOTIFICATION drain

	closed bool
}

// Dial opens an outbound session. An MD5 password installs a TCP-MD5
// signature option on the socket before connecting; kernels without
// support log a warning and proceed unsigned.
func Dial(ctx context.Context, local, remote net.Addr, md5Password string, logger *zap.Logger) (*Socket, error) {
	d := net.Dialer{
		LocalAddr: local,
		Timeout:   30 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			if md5Password == "" {
				return nil
			}
			return setTCPMD5(c, address, md5Password, logger)
		},
	}
	conn, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", remote, err)
	}
	return NewSocket(conn, logger), nil
}

// NewSocket wraps an established connection (inbound accept or
// completed dial).
func NewSocket(conn net.Conn, logger *zap.Logger) *Socket {
	return &Socket{conn: conn, logger: logger}
}

func setTCPMD5(c syscall.RawConn, address string, password string, logger *zap.Logger) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	var sig unix.TCPMD5Sig
	sin := (*unix.RawSockaddrInet4)(unsafe.Pointer(&sig.Addr))
	sin.Family = unix.AF_INET
	copy(sin.Addr[:], ip.To4())
	sig.Keylen = uint16(len(password))
	copy(sig.Key[:], password)

	var serr error
	err = c.Control(func(fd uintptr) {
		serr = unix.SetsockoptTCPMD5Sig(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG, &sig)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		logger.Warn("TCP MD5 signature option unsupported, continuing unsigned", zap.Error(serr))
	}
	return nil
}

// ReadMessage reads one framed message synchronously.
func (s *Socket) ReadMessage(fourByteAS bool) (bgp.Message, error) {
	hdr := make([]byte, bgp.HeaderSize)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return nil, err
	}
	_, length, err := bgp.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, hdr)
	if _, err := io.ReadFull(s.conn, buf[bgp.HeaderSize:]); err != nil {
		return nil, err
	}
	return bgp.Decode(buf, fourByteAS)
}

// ReadLoop reads framed messages until the connection dies, delivering
// each decoded message (or protocol error) to the callbacks. Runs on
// its own goroutine; callbacks must hand off to the owner's loop.
func (s *Socket) ReadLoop(fourByteAS func() bool, onMsg func(bgp.Message), onErr func(error)) {
	for {
		msg, err := s.ReadMessage(fourByteAS())
		if err != nil {
			onErr(err)
			return
		}
		onMsg(msg)
	}
}

// Busy reports output backpressure.
func (s *Socket) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// OnReady installs the low-watermark callback.
func (s *Socket) OnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notReady = fn
}

// OnNotificationSent installs the drain callback for Stopped-state
// handling.
func (s *Socket) OnNotificationSent(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = fn
}

// Send queues one encoded message for transmission.
func (s *Socket) Send(frame []byte, isNotification bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	if len(s.queue) >= outputHighWatermark {
		s.busy = true
	}
	start := !s.writing
	s.writing = true
	notify := isNotification
	s.mu.Unlock()
	if start {
		go s.writeLoop(notify)
	}
}

func (s *Socket) writeLoop(notifyWhenDrained bool) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.writing = false
			sent := s.sent
			s.mu.Unlock()
			if notifyWhenDrained && sent != nil {
				sent()
			}
			return
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		wasBusy := s.busy
		if s.busy && len(s.queue) <= outputLowWatermark {
			s.busy = false
		}
		ready := wasBusy && !s.busy
		notReady := s.notReady
		s.mu.Unlock()

		if _, err := s.conn.Write(frame); err != nil {
			s.logger.Debug("socket write failed", zap.Error(err))
			s.Close()
			return
		}
		if ready && notReady != nil {
			notReady()
		}
	}
}

// Close tears the connection down.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	_ = s.conn.Close()
}

// RemoteAddr is the peer's address.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
