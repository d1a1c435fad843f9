package regs

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/rpi-ws2805/rpihw"
)

func profile(t *testing.T) *rpihw.Profile {
	p, err := rpihw.Lookup(0xa02082)
	require.NoError(t, err)
	return p
}

func TestGeometry(t *testing.T) {
	var data = []struct {
		B      Block
		DMA    int
		Offset uint32
		Bus    uint32
	}{
		{PWM, 0, 0x20C000, 0x7E20C000},
		{PCM, 0, 0x203000, 0x7E203000},
		{GPIO, 0, 0x200000, 0x7E200000},
		{Clock, 0, 0x101000, 0x7E101000},
		{DMA, 0, 0x7000, 0x7E007000},
		{DMA, 10, 0x7A00, 0x7E007A00},
		{DMA, 14, 0x7E00, 0x7E007E00},
		{DMA, 15, 0xE05000, 0x7EE05000},
	}
	for _, v := range data {
		off, size := Geometry(v.B, v.DMA)
		assert.Equal(t, v.Offset, off, "%s/%d", v.B, v.DMA)
		assert.Greater(t, size, 0)
		assert.Equal(t, v.Bus, BusAddr(v.B, v.DMA))
	}
}

func TestRoundPage(t *testing.T) {
	assert.Equal(t, 0, roundPage(0))
	assert.Equal(t, 4096, roundPage(1))
	assert.Equal(t, 4096, roundPage(4096))
	assert.Equal(t, 8192, roundPage(4097))
}

func TestMapErrorUnwrap(t *testing.T) {
	cause := errors.New("permission denied")
	var err error = &MapError{Kind: KindMapRegisters, Block: PWM, Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "regs: map registers pwm: permission denied", err.Error())
	var me *MapError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, KindMapRegisters, me.Kind)
}

func TestSimClock(t *testing.T) {
	s := &Sim{}
	port, err := s.Map(profile(t), []Block{Clock}, 10)
	require.NoError(t, err)

	port.Write32(Clock, simPWMDiv, 0x5A000000|8<<12)
	assert.Equal(t, uint32(8<<12), port.Read32(Clock, simPWMDiv))

	port.Write32(Clock, simPWMCtl, 0x5A000000|simClkEnab|1)
	assert.NotZero(t, port.Read32(Clock, simPWMCtl)&simClkBusy)

	port.Write32(Clock, simPWMCtl, 0x5A000000|simClkKill)
	assert.Zero(t, port.Read32(Clock, simPWMCtl)&simClkBusy)
	assert.Len(t, s.Writes(), 3)
}

func TestSimDMA(t *testing.T) {
	p := profile(t)
	s := &Sim{Polls: 2}
	port, err := s.Map(p, []Block{DMA}, 10)
	require.NoError(t, err)
	mem, err := s.Alloc(p, 64)
	require.NoError(t, err)

	// One control block at offset 0 pointing at 4 bytes at offset 32.
	buf := mem.Bytes()
	binary.LittleEndian.PutUint32(buf[4:], mem.BusAddr()+32)
	binary.LittleEndian.PutUint32(buf[12:], 4)
	copy(buf[32:], []byte{1, 2, 3, 4})

	port.Write32(DMA, simDMACB, mem.BusAddr())
	port.Write32(DMA, simDMACS, simCSActive)
	assert.NotZero(t, port.Read32(DMA, simDMACS)&simCSActive)
	assert.NotZero(t, port.Read32(DMA, simDMACS)&simCSActive)
	cs := port.Read32(DMA, simDMACS)
	assert.Zero(t, cs&simCSActive)
	assert.NotZero(t, cs&simCSEnd)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}}, s.Frames())

	// END is write one to clear.
	port.Write32(DMA, simDMACS, simCSEnd)
	assert.Zero(t, port.Read32(DMA, simDMACS)&simCSEnd)

	s.DMAError = true
	port.Write32(DMA, simDMACS, simCSActive)
	cs = port.Read32(DMA, simDMACS)
	assert.NotZero(t, cs&simCSError)
	assert.NotZero(t, port.Read32(DMA, simDMADebug))

	port.Write32(DMA, simDMACS, simCSReset)
	assert.Zero(t, port.Read32(DMA, simDMACS))
}

func TestSimClose(t *testing.T) {
	p := profile(t)
	s := &Sim{}
	port, err := s.Map(p, []Block{PWM, GPIO}, 5)
	require.NoError(t, err)
	mem, err := s.Alloc(p, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Mapped())
	assert.Equal(t, 1, s.Allocated())
	assert.Equal(t, uint32(0x7E20C000), port.BusAddr(PWM))
	assert.Panics(t, func() { port.Read32(PCM, 0) })

	require.NoError(t, mem.Close())
	require.NoError(t, mem.Close())
	require.NoError(t, port.Close())
	require.NoError(t, port.Close())
	assert.Equal(t, 0, s.Mapped())
	assert.Equal(t, 0, s.Allocated())
}

func TestSimInjectedErrors(t *testing.T) {
	p := profile(t)
	want := &MapError{Kind: KindMailbox, Err: errors.New("no vcio")}
	s := &Sim{MapErr: want, AllocErr: want}
	_, err := s.Map(p, []Block{PWM}, 5)
	assert.Equal(t, want, err)
	_, err = s.Alloc(p, 10)
	assert.Equal(t, want, err)
	assert.Equal(t, 0, s.Mapped())
}
