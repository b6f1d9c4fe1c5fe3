package mfea

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// fakePort simulates kernel option support for tests.
type fakePort struct {
	supportsTable  bool
	supportsCompat bool
	grantMask      uint32

	open     bool
	setCalls []setCall
	sg       map[MfcKey]SGCounts
	vif      map[uint16]VifCounts
	sysctl   map[string]int
	failNext map[int]error
}

type setCall struct {
	opt   int
	value []byte
}

func newFakePort() *fakePort {
	return &fakePort{
		sg:       make(map[MfcKey]SGCounts),
		vif:      make(map[uint16]VifCounts),
		sysctl:   map[string]int{"net.ipv4.conf.all.mc_forwarding": 0},
		failNext: make(map[int]error),
	}
}

func (p *fakePort) Open() error  { p.open = true; return nil }
func (p *fakePort) Close() error { p.open = false; return nil }

func (p *fakePort) Setsockopt(opt int, value []byte) error {
	if err, ok := p.failNext[opt]; ok {
		delete(p.failNext, opt)
		return err
	}
	switch opt {
	case mrtTable:
		if !p.supportsTable {
			return fmt.Errorf("mfea: setsockopt %d: %w", opt, errors.New("ENOPROTOOPT"))
		}
	case mrtInit:
		if len(value) == 8 && !p.supportsCompat {
			return fmt.Errorf("mfea: setsockopt %d: %w", opt, errors.New("EINVAL"))
		}
	case mrtAPIConfig:
		// The kernel echoes the granted subset back through the
		// payload.
		want := binary.NativeEndian.Uint32(value)
		binary.NativeEndian.PutUint32(value, want&p.grantMask)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	p.setCalls = append(p.setCalls, setCall{opt: opt, value: cp})
	return nil
}

func (p *fakePort) callsFor(opt int) []setCall {
	var out []setCall
	for _, c := range p.setCalls {
		if c.opt == opt {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePort) SGCount(src, grp netip.Addr) (SGCounts, error) {
	c, ok := p.sg[MfcKey{Source: src, Group: grp}]
	if !ok {
		return SGCounts{}, fmt.Errorf("mfea: no such (S,G)")
	}
	return c, nil
}

func (p *fakePort) VifCount(vifIndex uint16) (VifCounts, error) {
	return p.vif[vifIndex], nil
}

func (p *fakePort) Recv(buf []byte) (int, error) {
	return 0, fmt.Errorf("mfea: fake port has no upcalls")
}

func (p *fakePort) ReadSysctl(name string) (int, error) {
	v, ok := p.sysctl[name]
	if !ok {
		return 0, fmt.Errorf("mfea: no sysctl %s", name)
	}
	return v, nil
}

func (p *fakePort) WriteSysctl(name string, value int) error {
	p.sysctl[name] = value
	return nil
}
