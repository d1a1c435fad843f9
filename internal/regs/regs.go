// Package regs gives the driver word access to the BCM283x peripheral blocks
// it programs and hands out DMA visible memory.
//
// Two backends exist: the host backend maps /dev/mem through periph's pmem and
// allocates uncached memory from the VideoCore mailbox, and Sim emulates the
// few register behaviours the driver depends on so the whole pipeline can run
// off target.
package regs

import (
	"fmt"

	"github.com/coreman2200/rpi-ws2805/rpihw"
)

// Block identifies one peripheral register window.
type Block int

const (
	PWM Block = iota
	PCM
	GPIO
	Clock
	DMA
)

func (b Block) String() string {
	switch b {
	case PWM:
		return "pwm"
	case PCM:
		return "pcm"
	case GPIO:
		return "gpio"
	case Clock:
		return "clock"
	case DMA:
		return "dma"
	default:
		return fmt.Sprintf("Block(%d)", int(b))
	}
}

// BusBase is where the peripheral window appears to bus masters such as the
// DMA engines, independently of the ARM physical address.
const BusBase = 0x7E000000

const (
	pwmOffset   = 0x0020C000
	pcmOffset   = 0x00203000
	gpioOffset  = 0x00200000
	clockOffset = 0x00101000
	dmaOffset   = 0x00007000
	dma15Offset = 0x00E05000

	pwmSize   = 0x28
	pcmSize   = 0x24
	gpioSize  = 0xB4
	clockSize = 0xA8
	dmaSize   = 0x24

	pageSize = 4096
)

// DMAOffset returns the offset of engine n's registers from the peripheral
// base. Engine 15 sits apart from the others.
func DMAOffset(n int) uint32 {
	if n == 15 {
		return dma15Offset
	}
	return dmaOffset + uint32(n)*0x100
}

// Geometry returns the offset from the peripheral base and the size in bytes
// of block b. dmanum only matters for DMA.
func Geometry(b Block, dmanum int) (offset uint32, size int) {
	switch b {
	case PWM:
		return pwmOffset, pwmSize
	case PCM:
		return pcmOffset, pcmSize
	case GPIO:
		return gpioOffset, gpioSize
	case Clock:
		return clockOffset, clockSize
	case DMA:
		return DMAOffset(dmanum), dmaSize
	}
	return 0, 0
}

// BusAddr returns the bus address of offset 0 of block b.
func BusAddr(b Block, dmanum int) uint32 {
	off, _ := Geometry(b, dmanum)
	return BusBase + off
}

// Port is word access to a set of mapped register blocks.
//
// off is a byte offset into the block and must be 4 byte aligned.
type Port interface {
	Read32(b Block, off uint32) uint32
	Write32(b Block, off, v uint32)
	// BusAddr returns the DMA visible address of the block.
	BusAddr(b Block) uint32
	// Close unmaps every block. Calling it again is a no-op.
	Close() error
}

// Memory is a physically contiguous, uncached buffer a DMA engine can read.
type Memory interface {
	Bytes() []byte
	// BusAddr is the address of Bytes()[0] as seen by the DMA engine.
	BusAddr() uint32
	Close() error
}

// Backend acquires registers and DMA memory for one board.
type Backend interface {
	Map(p *rpihw.Profile, blocks []Block, dmanum int) (Port, error)
	Alloc(p *rpihw.Profile, size int) (Memory, error)
}

// Kind classifies a MapError.
type Kind int

const (
	KindMmap Kind = iota + 1
	KindMapRegisters
	KindMailbox
	KindMemLock
	KindAlloc
)

func (k Kind) String() string {
	switch k {
	case KindMmap:
		return "mmap"
	case KindMapRegisters:
		return "map registers"
	case KindMailbox:
		return "mailbox"
	case KindMemLock:
		return "mlock"
	case KindAlloc:
		return "alloc"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MapError is returned by a Backend when resources cannot be acquired.
type MapError struct {
	Kind  Kind
	Block Block
	Err   error
}

func (e *MapError) Error() string {
	if e.Kind == KindMapRegisters {
		return fmt.Sprintf("regs: %s %s: %v", e.Kind, e.Block, e.Err)
	}
	return fmt.Sprintf("regs: %s: %v", e.Kind, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

func roundPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
