package ws2805

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/coreman2200/rpi-ws2805/internal/encode"
	"github.com/coreman2200/rpi-ws2805/internal/output"
	"github.com/coreman2200/rpi-ws2805/internal/regs"
	"github.com/coreman2200/rpi-ws2805/rpihw"
)

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) count(d time.Duration) int {
	n := 0
	for _, s := range c.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

func newTestDevice(s *regs.Sim) (*Device, *fakeClock) {
	d := New()
	d.backend = s
	d.detect = func() (*rpihw.Profile, error) { return rpihw.Lookup(0xa020d3) }
	c := &fakeClock{t: time.Unix(1000, 0)}
	d.now = func() time.Time { return c.t }
	d.sleep = func(x time.Duration) {
		c.sleeps = append(c.sleeps, x)
		c.t = c.t.Add(x)
	}
	return d, c
}

func strip(gpio, count int) Channel {
	return Channel{GPIO: gpio, Count: count, Layout: WS2812Strip, Brightness: 255}
}

func TestInitFiniNoChannels(t *testing.T) {
	s := &regs.Sim{}
	d, _ := newTestDevice(s)
	require.NoError(t, d.Init())
	assert.Equal(t, 1, s.Mapped())
	assert.Equal(t, 1, s.Allocated())
	assert.Equal(t, rpihw.Pi2, d.HW().Type)
	require.NoError(t, d.Fini())
	assert.Zero(t, s.Mapped())
	assert.Zero(t, s.Allocated())
	require.NoError(t, d.Fini())
}

func TestInitValidation(t *testing.T) {
	var data = []struct {
		Name  string
		Setup func(d *Device)
		Code  ReturnCode
	}{
		{"gpio 2", func(d *Device) { d.Channels[0] = strip(2, 1) }, IllegalGpio},
		{"pwm1 pin on channel 0", func(d *Device) { d.Channels[0] = strip(13, 1) }, IllegalGpio},
		{"mixed peripherals", func(d *Device) {
			d.Channels[0] = strip(18, 1)
			d.Channels[1] = strip(21, 1)
		}, IllegalGpio},
		{"pcm on channel 1", func(d *Device) { d.Channels[1] = strip(21, 1) }, IllegalGpio},
		{"no gpio", func(d *Device) { d.Channels[0] = strip(0, 1) }, IllegalGpio},
		{"slow", func(d *Device) {
			d.Freq = 100000
			d.Channels[0] = strip(18, 1)
		}, GenericFailure},
		{"bad layout", func(d *Device) {
			d.Channels[0] = strip(18, 1)
			d.Channels[0].Layout = 0x00101000
		}, GenericFailure},
		{"too many leds", func(d *Device) { d.Channels[0] = strip(18, MaxLeds+1) }, OutOfMemory},
		{"dma 15", func(d *Device) {
			d.DMANum = 15
			d.Channels[0] = strip(18, 1)
		}, Dma},
	}
	for _, v := range data {
		t.Run(v.Name, func(t *testing.T) {
			s := &regs.Sim{}
			d, _ := newTestDevice(s)
			v.Setup(d)
			err := d.Init()
			require.Error(t, err)
			assert.Equal(t, v.Code, CodeOf(err))
			assert.Empty(t, s.Writes())
			assert.Zero(t, s.Mapped())
			assert.Zero(t, s.Allocated())
		})
	}
}

func TestInitUnsupportedBoard(t *testing.T) {
	d, _ := newTestDevice(&regs.Sim{})
	d.detect = func() (*rpihw.Profile, error) { return rpihw.Lookup(0xd04170) }
	assert.Equal(t, HardwareNotSupported, CodeOf(d.Init()))
}

func TestInitMapErrors(t *testing.T) {
	var data = []struct {
		Sim  *regs.Sim
		Code ReturnCode
	}{
		{&regs.Sim{MapErr: &regs.MapError{Kind: regs.KindMmap, Err: errors.New("no /dev/mem")}}, Mmap},
		{&regs.Sim{MapErr: &regs.MapError{Kind: regs.KindMapRegisters, Block: regs.DMA, Err: errors.New("x")}}, MapRegisters},
		{&regs.Sim{AllocErr: &regs.MapError{Kind: regs.KindMailbox, Err: errors.New("no vcio")}}, MailboxDevice},
		{&regs.Sim{AllocErr: &regs.MapError{Kind: regs.KindMemLock, Err: errors.New("mlock")}}, MemLock},
		{&regs.Sim{AllocErr: errors.New("no memory")}, Dma},
	}
	for _, v := range data {
		d, _ := newTestDevice(v.Sim)
		d.Channels[0] = strip(18, 4)
		err := d.Init()
		assert.Equal(t, v.Code, CodeOf(err), "%v", err)
		assert.Zero(t, v.Sim.Mapped())
		assert.Zero(t, v.Sim.Allocated())
		assert.Nil(t, d.Channels[0].Leds)
	}
}

func TestInitSetsPeripheral(t *testing.T) {
	s := &regs.Sim{}
	d, _ := newTestDevice(s)
	d.Channels[0] = strip(18, 3)
	require.NoError(t, d.Init())
	defer d.Fini()

	assert.Len(t, d.Channels[0].Leds, 3)
	// GPIO 18 alt 5.
	assert.Equal(t, uint32(2<<24), s.Reg(regs.GPIO, 4)&(7<<24))
	// 19.2MHz / (3 * 800kHz).
	assert.Equal(t, uint32(8<<12), s.Reg(regs.Clock, 0xA4))
	assert.Equal(t, uint32(32), s.Reg(regs.PWM, 0x10))
	// The frame interleaves words for both channels, so both serialisers
	// must run even with channel 1 unused: PWEN1 and PWEN2.
	assert.Equal(t, uint32(1<<0|1<<8), s.Reg(regs.PWM, 0x00)&(1<<0|1<<8))
	assert.Equal(t, Idle, d.State())
}

func TestRenderPWMFrame(t *testing.T) {
	s := &regs.Sim{}
	d, _ := newTestDevice(s)
	d.Channels[0] = strip(18, 1)
	require.NoError(t, d.Init())
	defer d.Fini()

	d.Channels[0].Leds[0] = RGB(0xFF, 0, 0)
	require.NoError(t, d.Render())
	assert.Equal(t, Submitted, d.State())
	require.NoError(t, d.Wait())
	assert.Equal(t, Complete, d.State())

	frames := s.Frames()
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Len(t, f, encode.Size(encode.PWM, 1, 3, 800000))
	// G=0x00, R=0xFF, B=0x00 is 924924 DB6DB6 924924 on channel 0 words.
	assert.Equal(t, uint32(0x924924DB), binary.LittleEndian.Uint32(f[0:]))
	assert.Equal(t, uint32(0x6DB69249), binary.LittleEndian.Uint32(f[8:]))
	assert.Equal(t, uint32(0x24000000), binary.LittleEndian.Uint32(f[16:]))
	// Channel 1 words stay low.
	assert.Zero(t, binary.LittleEndian.Uint32(f[4:]))
}

func TestRenderPCMInverted(t *testing.T) {
	s := &regs.Sim{}
	d, _ := newTestDevice(s)
	d.Channels[0] = strip(21, 2)
	d.Channels[0].Invert = true
	require.NoError(t, d.Init())
	defer d.Fini()

	require.NoError(t, d.Render())
	require.NoError(t, d.Wait())
	f := s.Frames()[0]
	assert.Len(t, f, encode.Size(encode.PCM, 2, 3, 800000))
	assert.Equal(t, uint32(^uint32(0x92492492)), binary.LittleEndian.Uint32(f))
	// PCM transmit enabled.
	assert.NotZero(t, s.Reg(regs.PCM, 0)&(1<<2))
}

func TestRenderWaitsForPrevious(t *testing.T) {
	s := &regs.Sim{Polls: 5}
	d, c := newTestDevice(s)
	d.Channels[0] = strip(18, 10)
	require.NoError(t, d.Init())
	defer d.Fini()

	require.NoError(t, d.Render())
	assert.Equal(t, Submitted, d.State())
	assert.Zero(t, c.count(pollInterval))

	require.NoError(t, d.Render())
	assert.Equal(t, 5, c.count(pollInterval))
	assert.Len(t, s.Frames(), 2)
}

func TestRenderLatchDelay(t *testing.T) {
	s := &regs.Sim{}
	d, c := newTestDevice(s)
	d.Channels[0] = strip(18, 1)
	require.NoError(t, d.Init())
	defer d.Fini()

	require.NoError(t, d.Render())
	// 24 bits at 800kHz plus the reset time.
	assert.Equal(t, 330*time.Microsecond, d.RenderWaitTime)
	assert.Empty(t, c.sleeps)

	require.NoError(t, d.Render())
	assert.Equal(t, []time.Duration{330 * time.Microsecond}, c.sleeps)

	c.t = c.t.Add(time.Millisecond)
	c.sleeps = nil
	require.NoError(t, d.Render())
	assert.Empty(t, c.sleeps)

	st := d.Stats()
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, 330*time.Microsecond, st.MinInterval)
	assert.Equal(t, time.Millisecond, st.MaxInterval)
}

func TestWaitDMAError(t *testing.T) {
	s := &regs.Sim{Polls: 2}
	d, _ := newTestDevice(s)
	d.Channels[0] = strip(18, 1)
	require.NoError(t, d.Init())
	defer d.Fini()

	require.NoError(t, d.Render())
	s.DMAError = true
	err := d.Wait()
	assert.Equal(t, Dma, CodeOf(err))
	assert.Equal(t, Idle, d.State())
	assert.Contains(t, err.Error(), "DMA error")
}

func TestWaitTimeout(t *testing.T) {
	s := &regs.Sim{Polls: 1 << 30}
	d, _ := newTestDevice(s)
	d.Channels[0] = strip(18, 1)
	require.NoError(t, d.Init())
	defer d.Fini()

	require.NoError(t, d.Render())
	assert.Equal(t, Dma, CodeOf(d.Wait()))
}

func TestRenderAfterFini(t *testing.T) {
	d, _ := newTestDevice(&regs.Sim{})
	d.Channels[0] = strip(18, 1)
	require.NoError(t, d.Init())
	require.NoError(t, d.Fini())
	assert.Nil(t, d.Channels[0].Leds)
	assert.Equal(t, GenericFailure, CodeOf(d.Render()))
	assert.Equal(t, GenericFailure, CodeOf(d.Wait()))
	require.NoError(t, d.Fini())
}

func TestRenderLedsMismatch(t *testing.T) {
	d, _ := newTestDevice(&regs.Sim{})
	d.Channels[0] = strip(18, 2)
	require.NoError(t, d.Init())
	defer d.Fini()
	d.Channels[0].Leds = d.Channels[0].Leds[:1]
	assert.Equal(t, GenericFailure, CodeOf(d.Render()))
}

func TestResize(t *testing.T) {
	s := &regs.Sim{}
	d, _ := newTestDevice(s)
	d.Channels[0] = strip(18, 2)
	require.NoError(t, d.Init())
	defer d.Fini()

	d.Channels[0].Leds[1] = RGB(1, 2, 3)
	assert.Equal(t, OutOfMemory, CodeOf(d.Resize(0, MaxLeds+1)))
	assert.Equal(t, GenericFailure, CodeOf(d.Resize(2, 1)))
	assert.Equal(t, IllegalGpio, CodeOf(d.Resize(1, 1)))

	require.NoError(t, d.Resize(0, 300))
	assert.Len(t, d.Channels[0].Leds, 300)
	assert.Equal(t, RGB(1, 2, 3), d.Channels[0].Leds[1])

	require.NoError(t, d.Render())
	require.NoError(t, d.Wait())
	assert.Len(t, s.Frames()[0], encode.Size(encode.PWM, 300, 3, 800000))
	// The first program was released.
	assert.Equal(t, 1, s.Allocated())
}

func TestClearAndGamma(t *testing.T) {
	d, _ := newTestDevice(&regs.Sim{})
	d.Channels[0] = strip(18, 2)
	require.NoError(t, d.Init())
	defer d.Fini()

	d.Channels[0].Leds[0] = RGB(9, 9, 9)
	d.Clear()
	assert.Equal(t, Pixel{}, d.Channels[0].Leds[0])

	d.SetGammaFactor(2.2)
	require.NotNil(t, d.Channels[0].Gamma)
	assert.Equal(t, uint8(56), d.Channels[0].Gamma.Apply(128))
	assert.Equal(t, uint8(56), d.Channels[1].Gamma.Apply(128))
}

func TestRenderSPI(t *testing.T) {
	var buf bytes.Buffer
	d, _ := newTestDevice(&regs.Sim{})
	d.spiPort = spitest.NewRecordRaw(&buf)
	d.Channels[0] = strip(10, 2)
	require.NoError(t, d.Init())
	defer d.Fini()

	d.Channels[0].Leds[0] = RGB(0xFF, 0, 0)
	require.NoError(t, d.Render())
	assert.Equal(t, Complete, d.State())
	require.NoError(t, d.Wait())

	out := buf.Bytes()
	assert.Len(t, out, encode.Size(encode.SPI, 2, 3, 800000))
	assert.Equal(t, []byte{0x92, 0x49, 0x24, 0xDB, 0x6D, 0xB6}, out[:6])
}

func TestSPIFrameLimit(t *testing.T) {
	// 500 GRB LEDs need 4520 bytes, more than spidev's default 4096.
	require.Greater(t, encode.Size(encode.SPI, 500, 3, 800000), 4096)

	d, _ := newTestDevice(&regs.Sim{})
	d.spiPort = spitest.NewRecordRaw(&bytes.Buffer{})
	d.Channels[0] = strip(10, 500)
	err := d.Init()
	assert.Equal(t, SpiSetup, CodeOf(err))
	assert.True(t, errors.Is(err, output.ErrFrameTooLarge))
	assert.Nil(t, d.Channels[0].Leds)

	var buf bytes.Buffer
	d, _ = newTestDevice(&regs.Sim{})
	d.spiPort = spitest.NewRecordRaw(&buf)
	d.Channels[0] = strip(10, 100)
	require.NoError(t, d.Init())
	defer d.Fini()

	assert.Equal(t, SpiSetup, CodeOf(d.Resize(0, 500)))
	assert.Equal(t, 100, d.Channels[0].Count)
	assert.Len(t, d.Channels[0].Leds, 100)

	require.NoError(t, d.Resize(0, 300))
	require.NoError(t, d.Render())
	assert.Len(t, buf.Bytes(), encode.Size(encode.SPI, 300, 3, 800000))
}

func TestSimulate(t *testing.T) {
	d := New()
	d.Simulate = true
	d.sleep = func(time.Duration) {}
	d.Channels[0] = Channel{GPIO: 18, Count: 8, Layout: WS2805Strip, Brightness: 128}
	require.NoError(t, d.Init())
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Render())
		require.NoError(t, d.Wait())
	}
	assert.Equal(t, uint64(3), d.Stats().Frames)
	require.NoError(t, d.Fini())
}

func TestGRBExample(t *testing.T) {
	leds := []Pixel{RGB(255, 0, 0), RGB(0, 255, 0), RGB(0, 0, 255)}
	src := &encode.Source{Slots: WS2811StripGRB.Slots(), Brightness: 255}
	want := [][]byte{{0x00, 0xFF, 0x00}, {0xFF, 0x00, 0x00}, {0x00, 0x00, 0xFF}}
	var wire [8]byte
	for i, p := range leds {
		assert.Equal(t, want[i], encode.Components(wire[:], p.Uint64(), src))
	}
}

func TestRecoverAfterDMAError(t *testing.T) {
	s := &regs.Sim{Polls: 1}
	d, c := newTestDevice(s)
	d.Channels[0] = strip(18, 3)
	require.NoError(t, d.Init())
	defer d.Fini()

	require.NoError(t, d.Render())
	s.DMAError = true
	require.Equal(t, Dma, CodeOf(d.Wait()))

	s.DMAError = false
	c.sleeps = nil
	require.NoError(t, d.Render())
	require.NoError(t, d.Wait())
	assert.Len(t, s.Frames(), 2)
	// 3 leds at 800kHz: 90µs on the wire plus the reset time.
	assert.Equal(t, []time.Duration{390 * time.Microsecond, pollInterval}, c.sleeps)
}
