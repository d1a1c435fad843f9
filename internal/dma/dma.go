// Package dma builds control block chains for the BCM283x DMA engines and
// drives a single engine through them.
package dma

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/coreman2200/rpi-ws2805/internal/regs"
)

// Register offsets within an engine's block.
const (
	CS        = 0x00
	ConblkAd  = 0x04
	TI        = 0x08
	SourceAd  = 0x0C
	DestAd    = 0x10
	TxfrLen   = 0x14
	Stride    = 0x18
	NextConbk = 0x1C
	Debug     = 0x20
)

// CS bits.
const (
	CSReset                 = 1 << 31
	CSAbort                 = 1 << 30
	CSWaitOutstandingWrites = 1 << 28
	CSError                 = 1 << 8
	CSInt                   = 1 << 2
	CSEnd                   = 1 << 1
	CSActive                = 1 << 0
)

// CSPanicPriority and CSPriority return the AXI priority fields of CS.
func CSPanicPriority(n uint32) uint32 { return (n & 0xF) << 20 }
func CSPriority(n uint32) uint32      { return (n & 0xF) << 16 }

// TI bits.
const (
	TIIntEn        = 1 << 0
	TIWaitResp     = 1 << 3
	TIDestDreq     = 1 << 6
	TISrcInc       = 1 << 8
	TINoWideBursts = 1 << 26
)

// TIPermap returns the peripheral DREQ selection field of TI.
func TIPermap(n uint32) uint32 { return (n & 0x1F) << 16 }

// Peripheral DREQ numbers.
const (
	PermapPCMTX = 2
	PermapPWM   = 5
)

// Debug bits, cleared by writing ones.
const (
	DebugReadError      = 1 << 2
	DebugFIFOError      = 1 << 1
	DebugReadLastNotSet = 1 << 0
	debugClear          = DebugReadError | DebugFIFOError | DebugReadLastNotSet
)

const (
	// CBSize is the size of a control block. Blocks must be 32 byte aligned.
	CBSize = 32
	// MaxLen is the largest transfer of a full engine control block.
	MaxLen = 0x3FFFFFFC
	// MaxLenLite is the largest transfer of a lite engine control block.
	MaxLenLite = 65532
)

// ControlBlock is the in-memory transfer descriptor read by the engine.
type ControlBlock struct {
	TI     uint32
	Source uint32
	Dest   uint32
	Len    uint32
	Stride uint32
	Next   uint32
}

// Put writes cb in the engine's little endian layout. b must hold CBSize
// bytes; the two reserved words are zeroed.
func (cb *ControlBlock) Put(b []byte) {
	_ = b[CBSize-1]
	binary.LittleEndian.PutUint32(b[0:], cb.TI)
	binary.LittleEndian.PutUint32(b[4:], cb.Source)
	binary.LittleEndian.PutUint32(b[8:], cb.Dest)
	binary.LittleEndian.PutUint32(b[12:], cb.Len)
	binary.LittleEndian.PutUint32(b[16:], cb.Stride)
	binary.LittleEndian.PutUint32(b[20:], cb.Next)
	binary.LittleEndian.PutUint32(b[24:], 0)
	binary.LittleEndian.PutUint32(b[28:], 0)
}

// ReadControlBlock decodes a control block written by Put.
func ReadControlBlock(b []byte) ControlBlock {
	return ControlBlock{
		TI:     binary.LittleEndian.Uint32(b[0:]),
		Source: binary.LittleEndian.Uint32(b[4:]),
		Dest:   binary.LittleEndian.Uint32(b[8:]),
		Len:    binary.LittleEndian.Uint32(b[12:]),
		Stride: binary.LittleEndian.Uint32(b[16:]),
		Next:   binary.LittleEndian.Uint32(b[20:]),
	}
}

func (cb ControlBlock) String() string {
	return fmt.Sprintf("{ti:%#08x src:%#08x dst:%#08x len:%d next:%#08x}", cb.TI, cb.Source, cb.Dest, cb.Len, cb.Next)
}

// Plan splits dataLen bytes into chunks of at most maxLen bytes, each a
// multiple of 4 except possibly the last.
func Plan(dataLen, maxLen int) []int {
	maxLen &^= 3
	if dataLen <= 0 || maxLen <= 0 {
		return nil
	}
	var out []int
	for dataLen > maxLen {
		out = append(out, maxLen)
		dataLen -= maxLen
	}
	return append(out, dataLen)
}

// Spec describes one transfer program.
type Spec struct {
	// DataLen is the size of the symbol buffer.
	DataLen int
	// Dest is the bus address of the peripheral FIFO.
	Dest uint32
	// Permap selects the DREQ that paces the transfer.
	Permap uint32
	// MaxLen caps each control block; MaxLenLite for lite engines.
	MaxLen int
}

// ErrAlloc matches every AllocError.
var ErrAlloc = errors.New("dma: cannot allocate transfer memory")

// AllocError reports a failed memory allocation.
type AllocError struct {
	Size int
	Err  error
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("dma: allocate %d bytes: %v", e.Size, e.Err)
}

func (e *AllocError) Unwrap() error { return e.Err }

func (e *AllocError) Is(target error) bool { return target == ErrAlloc }

// Allocator returns DMA visible memory.
type Allocator func(size int) (regs.Memory, error)

// Program is a control block chain and the symbol buffer it sends, laid out
// in one memory region as [CBs][symbols].
type Program struct {
	spec    Spec
	mem     regs.Memory
	cbs     int
	dataOff int
}

// Build allocates and writes the chain for s.
func Build(alloc Allocator, s Spec) (*Program, error) {
	if s.MaxLen <= 0 {
		s.MaxLen = MaxLen
	}
	chunks := Plan(s.DataLen, s.MaxLen)
	if len(chunks) == 0 {
		return nil, errors.Errorf("dma: empty transfer")
	}
	p := &Program{spec: s, cbs: len(chunks), dataOff: len(chunks) * CBSize}
	size := p.dataOff + s.DataLen
	mem, err := alloc(size)
	if err != nil {
		return nil, &AllocError{Size: size, Err: err}
	}
	p.mem = mem
	buf := mem.Bytes()
	for i := range buf[:size] {
		buf[i] = 0
	}
	base := mem.BusAddr()
	src := base + uint32(p.dataOff)
	for i, n := range chunks {
		cb := ControlBlock{
			TI:     TINoWideBursts | TIWaitResp | TIDestDreq | TIPermap(s.Permap) | TISrcInc,
			Source: src,
			Dest:   s.Dest,
			Len:    uint32(n),
		}
		if i == len(chunks)-1 {
			cb.TI |= TIIntEn
		} else {
			cb.Next = base + uint32((i+1)*CBSize)
		}
		cb.Put(buf[i*CBSize:])
		src += uint32(n)
	}
	return p, nil
}

// Matches reports whether the program was built for s and can be reused.
func (p *Program) Matches(s Spec) bool {
	if s.MaxLen <= 0 {
		s.MaxLen = MaxLen
	}
	return p != nil && p.mem != nil && p.spec == s
}

// Data is the symbol buffer the chain sends.
func (p *Program) Data() []byte {
	return p.mem.Bytes()[p.dataOff : p.dataOff+p.spec.DataLen]
}

// Rewrite replaces the symbol buffer, leaving the chain untouched.
func (p *Program) Rewrite(symbols []byte) error {
	if len(symbols) > p.spec.DataLen {
		return errors.Errorf("dma: %d symbol bytes exceed %d byte program", len(symbols), p.spec.DataLen)
	}
	d := p.Data()
	n := copy(d, symbols)
	for i := n; i < len(d); i++ {
		d[i] = 0
	}
	return nil
}

// Addr is the bus address of the first control block.
func (p *Program) Addr() uint32 { return p.mem.BusAddr() }

// Blocks returns the number of control blocks in the chain.
func (p *Program) Blocks() int { return p.cbs }

// Block decodes control block i.
func (p *Program) Block(i int) ControlBlock {
	return ReadControlBlock(p.mem.Bytes()[i*CBSize:])
}

// Close frees the memory. The program must not be running.
func (p *Program) Close() error {
	if p == nil || p.mem == nil {
		return nil
	}
	err := p.mem.Close()
	p.mem = nil
	return err
}

// Fault is returned by Engine.Status when the engine flagged an error.
type Fault struct {
	CS    uint32
	Debug uint32
}

func (f *Fault) Error() string {
	var what []string
	if f.Debug&DebugReadError != 0 {
		what = append(what, "read error")
	}
	if f.Debug&DebugFIFOError != 0 {
		what = append(what, "fifo error")
	}
	if f.Debug&DebugReadLastNotSet != 0 {
		what = append(what, "read last not set")
	}
	return fmt.Sprintf("dma: engine error cs=%#08x debug=%#x %v", f.CS, f.Debug, what)
}

// sleep is replaced in tests.
var sleep = time.Sleep

const settle = 10 * time.Microsecond

// Engine drives one DMA engine mapped at regs.DMA.
type Engine struct {
	Port regs.Port
}

// Start resets the engine and runs the chain at cbAddr.
func (e Engine) Start(cbAddr uint32) {
	e.Port.Write32(regs.DMA, CS, CSReset)
	sleep(settle)
	e.Port.Write32(regs.DMA, CS, CSInt|CSEnd)
	sleep(settle)
	e.Port.Write32(regs.DMA, ConblkAd, cbAddr)
	e.Port.Write32(regs.DMA, Debug, debugClear)
	e.Port.Write32(regs.DMA, CS, CSWaitOutstandingWrites|CSPanicPriority(15)|CSPriority(15)|CSActive)
}

// Status reports whether a transfer is still running. A hardware error is
// returned as a *Fault.
func (e Engine) Status() (bool, error) {
	cs := e.Port.Read32(regs.DMA, CS)
	if cs&CSError != 0 {
		return false, &Fault{CS: cs, Debug: e.Port.Read32(regs.DMA, Debug)}
	}
	return cs&CSActive != 0, nil
}

// Stop aborts any transfer and resets the engine.
func (e Engine) Stop() {
	e.Port.Write32(regs.DMA, CS, CSReset)
	sleep(settle)
}
