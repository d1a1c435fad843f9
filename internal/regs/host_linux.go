//go:build linux

package regs

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"periph.io/x/host/v3/pmem"
	"periph.io/x/host/v3/videocore"

	"github.com/coreman2200/rpi-ws2805/rpihw"
)

// Host maps the real peripherals through /dev/mem. It needs root.
type Host struct{}

var _ Backend = Host{}

type hostBlock struct {
	block Block
	view  *pmem.View
	words []uint32
	bus   uint32
}

type hostPort struct {
	blocks [DMA + 1]*hostBlock
	order  []*hostBlock
	closed bool
}

// Map maps every requested block. On failure the blocks already mapped are
// released before returning.
func (Host) Map(p *rpihw.Profile, blocks []Block, dmanum int) (Port, error) {
	hp := &hostPort{}
	for _, b := range blocks {
		if hp.blocks[b] != nil {
			continue
		}
		off, size := Geometry(b, dmanum)
		v, err := pmem.Map(uint64(p.PeriphBase+off), size)
		if err != nil {
			_ = hp.Close()
			return nil, &MapError{Kind: KindMapRegisters, Block: b, Err: err}
		}
		hb := &hostBlock{block: b, view: v, words: v.Uint32(), bus: BusBase + off}
		hp.blocks[b] = hb
		hp.order = append(hp.order, hb)
	}
	return hp, nil
}

func (h *hostPort) word(b Block, off uint32) *uint32 {
	return &h.blocks[b].words[off/4]
}

func (h *hostPort) Read32(b Block, off uint32) uint32 {
	return atomic.LoadUint32(h.word(b, off))
}

func (h *hostPort) Write32(b Block, off, v uint32) {
	atomic.StoreUint32(h.word(b, off), v)
}

func (h *hostPort) BusAddr(b Block) uint32 {
	return h.blocks[b].bus
}

// Close unmaps the blocks in the reverse order they were mapped.
func (h *hostPort) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	var err error
	for i := len(h.order) - 1; i >= 0; i-- {
		hb := h.order[i]
		err = multierr.Append(err, errors.Wrapf(hb.view.Close(), "unmap %s", hb.block))
		h.blocks[hb.block] = nil
	}
	h.order = nil
	return err
}

type hostMem struct {
	mem    *videocore.Mem
	bus    uint32
	buf    []byte
	closed bool
}

// Alloc allocates size bytes, rounded up to a page, from the VideoCore and
// pins the mapping.
func (Host) Alloc(p *rpihw.Profile, size int) (Memory, error) {
	m, err := videocore.Alloc(roundPage(size))
	if err != nil {
		kind := KindMmap
		if strings.Contains(err.Error(), "mailbox") {
			kind = KindMailbox
		}
		return nil, &MapError{Kind: kind, Err: err}
	}
	buf := m.Bytes()
	if err := unix.Mlock(buf); err != nil {
		_ = m.Close()
		return nil, &MapError{Kind: KindMemLock, Err: err}
	}
	bus := uint32(m.PhysAddr())&^0xC0000000 | p.VideocoreBase
	return &hostMem{mem: m, bus: bus, buf: buf[:size]}, nil
}

func (h *hostMem) Bytes() []byte   { return h.buf }
func (h *hostMem) BusAddr() uint32 { return h.bus }

func (h *hostMem) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	err := unix.Munlock(h.mem.Bytes())
	return multierr.Append(errors.Wrap(err, "munlock"), errors.Wrap(h.mem.Close(), "release dma memory"))
}
