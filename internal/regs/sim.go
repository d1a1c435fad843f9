package regs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coreman2200/rpi-ws2805/rpihw"
)

// Register offsets and bits the simulator reacts to. Everything else is plain
// storage.
const (
	simPCMCtl   = 0x98
	simPCMDiv   = 0x9C
	simPWMCtl   = 0xA0
	simPWMDiv   = 0xA4
	simPasswd   = 0xFF000000
	simClkBusy  = 1 << 7
	simClkKill  = 1 << 5
	simClkEnab  = 1 << 4
	simPWMSta   = 0x04
	simDMACS    = 0x00
	simDMACB    = 0x04
	simDMADebug = 0x20
	simCSReset  = 1 << 31
	simCSAbort  = 1 << 30
	simCSError  = 1 << 8
	simCSInt    = 1 << 2
	simCSEnd    = 1 << 1
	simCSActive = 1 << 0
	simDebugErr = 1 << 2 // read error
	simCBSize   = 32
	simMaxCBs   = 1024
)

// Write is one register store observed by the simulator.
type Write struct {
	Block Block
	Off   uint32
	Val   uint32
}

func (w Write) String() string {
	return fmt.Sprintf("%s[%#02x]=%#08x", w.Block, w.Off, w.Val)
}

// Sim is an in-memory register file and DMA memory allocator. It implements
// Backend, so a device can run against it without hardware.
//
// Clock generators report BUSY while enabled and read back their divider. A
// DMA engine started with ACTIVE stays active for Polls reads of CS, then
// reports END. On start the simulator walks the control block chain and
// records the bytes it would have sent in Frames.
type Sim struct {
	// Polls is the number of CS reads a transfer stays active for.
	Polls int
	// DMAError makes the next CS read of an active transfer report ERROR.
	DMAError bool
	// StuckClock keeps clock generators BUSY after a kill.
	StuckClock bool
	// MapErr and AllocErr are returned from Map and Alloc when set.
	MapErr   error
	AllocErr error

	mu      sync.Mutex
	regs    [DMA + 1][64]uint32
	log     []Write
	mems    []*simMem
	nextBus uint32
	pending int
	frames  [][]byte
	ports   int
	live    int
}

var _ Backend = (*Sim)(nil)

// Map returns a Port over the simulated register file.
func (s *Sim) Map(p *rpihw.Profile, blocks []Block, dmanum int) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MapErr != nil {
		return nil, s.MapErr
	}
	sp := &simPort{s: s, dmanum: dmanum}
	for _, b := range blocks {
		sp.mapped[b] = true
	}
	s.ports++
	return sp, nil
}

// Alloc returns zeroed memory with a fake bus address.
func (s *Sim) Alloc(p *rpihw.Profile, size int) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AllocErr != nil {
		return nil, s.AllocErr
	}
	if s.nextBus == 0 {
		s.nextBus = 0x01000000
	}
	m := &simMem{s: s, buf: make([]byte, size), bus: p.VideocoreBase | s.nextBus}
	s.nextBus += uint32(roundPage(size))
	s.mems = append(s.mems, m)
	s.live++
	return m, nil
}

// Reg returns the current value of a register.
func (s *Sim) Reg(b Block, off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[b][off/4]
}

// Set stores v without triggering any side effect and without logging.
func (s *Sim) Set(b Block, off, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[b][off/4] = v
}

// Writes returns every register store since the last ClearLog.
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.log...)
}

// ClearLog forgets the recorded writes and frames.
func (s *Sim) ClearLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	s.frames = nil
}

// Frames returns the data of every started transfer, in order.
func (s *Sim) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Mapped is the number of ports not yet closed.
func (s *Sim) Mapped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports
}

// Allocated is the number of memory regions not yet closed.
func (s *Sim) Allocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Sim) read(b Block, off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.regs[b][off/4]
	if b != DMA || off != simDMACS || v&simCSActive == 0 {
		return v
	}
	switch {
	case s.DMAError:
		v = v&^simCSActive | simCSError
		s.regs[DMA][simDMADebug/4] |= simDebugErr
	case s.pending > 0:
		s.pending--
	default:
		v = v&^simCSActive | simCSEnd | simCSInt
	}
	s.regs[DMA][simDMACS/4] = v
	return v
}

func (s *Sim) write(b Block, off, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, Write{Block: b, Off: off, Val: v})
	r := &s.regs[b]
	switch {
	case b == Clock && (off == simPCMCtl || off == simPWMCtl):
		v &^= simPasswd
		switch {
		case v&simClkKill != 0:
			v &^= simClkEnab | simClkBusy
			if s.StuckClock {
				v |= simClkBusy
			}
		case v&simClkEnab != 0:
			v |= simClkBusy
		case !s.StuckClock:
			v &^= simClkBusy
		default:
			v |= simClkBusy
		}
		r[off/4] = v
	case b == Clock && (off == simPCMDiv || off == simPWMDiv):
		r[off/4] = v &^ simPasswd
	case b == DMA && off == simDMACS:
		s.writeCS(v)
	case b == DMA && off == simDMADebug, b == PWM && off == simPWMSta:
		r[off/4] &^= v
	default:
		r[off/4] = v
	}
}

func (s *Sim) writeCS(v uint32) {
	r := &s.regs[DMA]
	if v&simCSReset != 0 {
		*r = [64]uint32{}
		s.pending = 0
		return
	}
	cur := r[simDMACS/4]
	cur &^= v & (simCSInt | simCSEnd)
	sticky := cur & (simCSInt | simCSEnd | simCSError)
	next := sticky | v&^(simCSInt|simCSEnd|simCSError|simCSReset|simCSAbort)
	wasActive := cur&simCSActive != 0
	r[simDMACS/4] = next
	switch {
	case !wasActive && next&simCSActive != 0:
		s.pending = s.Polls
		s.frames = append(s.frames, s.walk(r[simDMACB/4]))
	case wasActive && next&simCSActive == 0:
		s.pending = 0
	}
}

// walk follows a control block chain and gathers the source bytes.
func (s *Sim) walk(addr uint32) []byte {
	var out []byte
	for i := 0; addr != 0 && i < simMaxCBs; i++ {
		cb := s.slice(addr, simCBSize)
		if cb == nil {
			break
		}
		src := binary.LittleEndian.Uint32(cb[4:])
		n := binary.LittleEndian.Uint32(cb[12:])
		if data := s.slice(src, int(n)); data != nil {
			out = append(out, data...)
		}
		addr = binary.LittleEndian.Uint32(cb[20:])
	}
	return out
}

func (s *Sim) slice(addr uint32, n int) []byte {
	for _, m := range s.mems {
		if m.closed || addr < m.bus {
			continue
		}
		start := int(addr - m.bus)
		if start+n <= len(m.buf) {
			return m.buf[start : start+n]
		}
	}
	return nil
}

type simPort struct {
	s      *Sim
	dmanum int
	mapped [DMA + 1]bool
	closed bool
}

func (p *simPort) check(b Block) {
	if p.closed || !p.mapped[b] {
		panic(fmt.Sprintf("regs: access to unmapped block %s", b))
	}
}

func (p *simPort) Read32(b Block, off uint32) uint32 {
	p.check(b)
	return p.s.read(b, off)
}

func (p *simPort) Write32(b Block, off, v uint32) {
	p.check(b)
	p.s.write(b, off, v)
}

func (p *simPort) BusAddr(b Block) uint32 {
	return BusAddr(b, p.dmanum)
}

func (p *simPort) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.s.mu.Lock()
	p.s.ports--
	p.s.mu.Unlock()
	return nil
}

type simMem struct {
	s      *Sim
	buf    []byte
	bus    uint32
	closed bool
}

func (m *simMem) Bytes() []byte   { return m.buf }
func (m *simMem) BusAddr() uint32 { return m.bus }

func (m *simMem) Close() error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.s.live--
	return nil
}
