//go:build linux

package mfea

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinuxPort is the production KernelPort: a SOCK_RAW descriptor on the
// family's multicast-routing protocol.
type LinuxPort struct {
	family int
	fd     int
}

func NewLinuxPort(family int) *LinuxPort {
	return &LinuxPort{family: family, fd: -1}
}

func (p *LinuxPort) level() int {
	if p.family == 6 {
		return unix.IPPROTO_IPV6
	}
	return unix.IPPROTO_IP
}

func (p *LinuxPort) Open() error {
	var fd int
	var err error
	if p.family == 6 {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	} else {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
	}
	if err != nil {
		return fmt.Errorf("mfea: raw socket: %w", err)
	}
	p.fd = fd
	return nil
}

func (p *LinuxPort) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

func (p *LinuxPort) Setsockopt(opt int, value []byte) error {
	var err error
	if len(value) == 0 {
		err = unix.SetsockoptInt(p.fd, p.level(), opt, 0)
	} else {
		err = unix.SetsockoptString(p.fd, p.level(), opt, string(value))
	}
	if err == unix.EEXIST {
		return fmt.Errorf("mfea: setsockopt %d: %w", opt, errExist)
	}
	if err != nil {
		return fmt.Errorf("mfea: setsockopt %d: %w", opt, err)
	}
	return nil
}

// sioc_sg_req: src(4) grp(4) pktcnt(8) bytecnt(8) wrong_if(8) on
// 64-bit, with unsigned long counters.
func (p *LinuxPort) SGCount(src, grp netip.Addr) (SGCounts, error) {
	buf := make([]byte, 32)
	s := src.As4()
	g := grp.As4()
	copy(buf[0:4], s[:])
	copy(buf[4:8], g[:])
	if err := p.ioctl(siocGetSGCnt, buf); err != nil {
		return SGCounts{}, err
	}
	return SGCounts{
		Packets: binary.NativeEndian.Uint64(buf[8:16]),
		Bytes:   binary.NativeEndian.Uint64(buf[16:24]),
		WrongIf: binary.NativeEndian.Uint64(buf[24:32]),
	}, nil
}

// sioc_vif_req: vifi(2) pad(6) icount(8) ocount(8) ibytes(8) obytes(8).
func (p *LinuxPort) VifCount(vifIndex uint16) (VifCounts, error) {
	buf := make([]byte, 40)
	binary.NativeEndian.PutUint16(buf[0:2], vifIndex)
	if err := p.ioctl(siocGetVifCnt, buf); err != nil {
		return VifCounts{}, err
	}
	return VifCounts{
		InPackets:  binary.NativeEndian.Uint64(buf[8:16]),
		OutPackets: binary.NativeEndian.Uint64(buf[16:24]),
		InBytes:    binary.NativeEndian.Uint64(buf[24:32]),
		OutBytes:   binary.NativeEndian.Uint64(buf[32:40]),
	}, nil
}

func (p *LinuxPort) ioctl(req uint, buf []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(req),
		uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return fmt.Errorf("mfea: ioctl %#x: %w", req, errno)
	}
	return nil
}

func (p *LinuxPort) Recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(p.fd, buf, 0)
	return n, err
}

func sysctlPath(name string) string {
	return "/proc/sys/" + strings.ReplaceAll(name, ".", "/")
}

func (p *LinuxPort) ReadSysctl(name string) (int, error) {
	data, err := os.ReadFile(sysctlPath(name))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p *LinuxPort) WriteSysctl(name string, value int) error {
	return os.WriteFile(sysctlPath(name), []byte(strconv.Itoa(value)), 0o644)
}
