// Package ws2805 drives WS281x, SK6812 and WS2805 LED strips from a
// Raspberry Pi.
//
// Colors are encoded into an NRZ symbol stream that the PWM or PCM peripheral
// shifts out under DMA, so the CPU is free once a frame is submitted. GPIO 10
// uses the kernel SPI driver instead. Register access needs root.
//
//	d := ws2805.New()
//	d.Channels[0] = ws2805.Channel{GPIO: 18, Count: 60, Layout: ws2805.WS2812Strip, Brightness: 255}
//	if err := d.Init(); err != nil {
//		log.Fatal(err)
//	}
//	defer d.Fini()
//	d.Channels[0].Leds[0] = ws2805.RGB(255, 0, 0)
//	if err := d.Render(); err != nil { ... }
//	if err := d.Wait(); err != nil { ... }
package ws2805

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/coreman2200/rpi-ws2805/gamma"
	"github.com/coreman2200/rpi-ws2805/internal/clock"
	"github.com/coreman2200/rpi-ws2805/internal/dma"
	"github.com/coreman2200/rpi-ws2805/internal/encode"
	"github.com/coreman2200/rpi-ws2805/internal/output"
	"github.com/coreman2200/rpi-ws2805/internal/regs"
	"github.com/coreman2200/rpi-ws2805/rpihw"
)

const (
	// DefaultFreq is the WS2812 bit rate.
	DefaultFreq = 800 * physic.KiloHertz
	// MinFreq is the slowest bit rate the clock setup supports.
	MinFreq = 400 * physic.KiloHertz
	// DefaultDMA is used when DMANum is 0; engine 0 belongs to the firmware.
	DefaultDMA = 10
	// MaxLeds bounds the length of a single channel.
	MaxLeds = 1 << 18
	// simRevision is the board simulated when detection is bypassed.
	simRevision = 0xa020d3
)

// Channel is one strip.
type Channel struct {
	// GPIO is the BCM pin number; 0 leaves the channel unused.
	GPIO int
	// Invert the output, for strips behind an inverting level shifter.
	Invert bool
	// Count is the number of LEDs; 0 leaves the channel unused.
	Count  int
	Layout Layout
	// Brightness scales every component, 255 being full scale.
	Brightness uint8
	// Gamma corrects every component after brightness; nil is linear.
	Gamma *gamma.Table
	// Leds is allocated by Init and Resize with Count entries.
	Leds []Pixel
}

// SetGammaFactor replaces the channel's gamma table with the curve for f.
func (c *Channel) SetGammaFactor(f float64) {
	t := gamma.New(f)
	c.Gamma = &t
}

func (c *Channel) active() bool {
	return c.Count > 0
}

// Device is a set of up to two strips sharing one peripheral and DMA engine.
//
// A Device is owned by a single goroutine. Two Devices must not share a DMA
// engine or pins.
type Device struct {
	// Freq is the LED bit rate; 0 selects DefaultFreq.
	Freq physic.Frequency
	// DMANum is the DMA engine; 0 selects DefaultDMA.
	DMANum   int
	Channels [2]Channel
	// Logger receives driver logs; nil disables them.
	Logger *zerolog.Logger
	// Simulate runs against an in-memory register file instead of /dev/mem.
	Simulate bool
	// SPIDev names the SPI port used for GPIO 10; empty selects
	// /dev/spidev0.0.
	SPIDev string

	// RenderWaitTime is the latch interval the next Render waits for after
	// the previous one was submitted. It is set by Render.
	RenderWaitTime time.Duration

	hw  *rpihw.Profile
	dev *device

	// Hooks, for tests and for Simulate.
	backend regs.Backend
	spiPort spi.PortCloser
	detect  func() (*rpihw.Profile, error)
	now     func() time.Time
	sleep   func(time.Duration)
}

// New returns a Device with the default frequency and DMA engine and no
// channel configured.
func New() *Device {
	return &Device{Freq: DefaultFreq, DMANum: DefaultDMA}
}

// device holds everything acquired by Init.
type device struct {
	log    zerolog.Logger
	mode   output.Mode
	format encode.Format
	freq   uint32

	port      regs.Port
	engine    dma.Engine
	prog      *dma.Program
	spi       *output.SPIConn
	clockOn   bool
	periphOn  bool
	maxLen    int
	fifo      uint32
	permap    uint32
	buf       []byte
	packed    [2][]uint64
	state     State
	submitted time.Time
	stats     stats
}

// HW returns the board profile found by Init, or nil before Init.
func (d *Device) HW() *rpihw.Profile {
	return d.hw
}

// SetGammaFactor replaces the gamma table of every channel with the curve
// for f. It takes effect on the next Render.
func (d *Device) SetGammaFactor(f float64) {
	for i := range d.Channels {
		d.Channels[i].SetGammaFactor(f)
	}
}

func (d *Device) logger() zerolog.Logger {
	if d.Logger == nil {
		return zerolog.Nop()
	}
	return *d.Logger
}

func (d *Device) freqHz() uint32 {
	if d.Freq == 0 {
		return uint32(DefaultFreq / physic.Hertz)
	}
	return uint32(d.Freq / physic.Hertz)
}

func (d *Device) dmaNum() int {
	if d.DMANum == 0 {
		return DefaultDMA
	}
	return d.DMANum
}

func (d *Device) nowTime() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Device) pause(t time.Duration) {
	if t <= 0 {
		return
	}
	if d.sleep != nil {
		d.sleep(t)
		return
	}
	time.Sleep(t)
}

// validate checks the configuration without touching hardware and returns
// the peripheral it selects.
func (d *Device) validate() (output.Mode, error) {
	if d.Freq != 0 && d.Freq < MinFreq {
		return 0, &Error{Code: GenericFailure, Op: "init", Err: errors.Errorf("frequency %s below %s", d.Freq, MinFreq)}
	}
	mode, chosen := output.PWM, false
	for i := range d.Channels {
		c := &d.Channels[i]
		if c.Count < 0 || c.Count > MaxLeds {
			return 0, &Error{Code: OutOfMemory, Op: "init", Err: errors.Errorf("channel %d: %d leds", i, c.Count)}
		}
		if !c.active() {
			continue
		}
		if c.GPIO == 0 {
			return 0, &Error{Code: IllegalGpio, Op: "init", Err: errors.Errorf("channel %d: no gpio", i)}
		}
		if !c.Layout.Valid() {
			return 0, &Error{Code: GenericFailure, Op: "init", Err: errors.Errorf("channel %d: invalid layout %s", i, c.Layout)}
		}
		m := output.ModeFor(c.GPIO)
		if !chosen {
			mode, chosen = m, true
		} else if m != mode {
			return 0, &Error{Code: IllegalGpio, Op: "init", Err: errors.Errorf("channel %d: gpio %d needs %s, channel 0 uses %s", i, c.GPIO, m, mode)}
		}
		if _, err := output.AltFor(m, i, c.GPIO); err != nil {
			return 0, newError("init", err, IllegalGpio)
		}
	}
	return mode, nil
}

// Init validates the configuration, acquires the peripheral and builds the
// first transfer. On failure everything acquired is released.
func (d *Device) Init() error {
	if d.dev != nil {
		return &Error{Code: GenericFailure, Op: "init", Err: errors.New("already initialized")}
	}
	mode, err := d.validate()
	if err != nil {
		return err
	}
	log := d.logger()
	hw, err := d.profile()
	if err != nil {
		return newError("init", err, HardwareNotSupported)
	}
	d.hw = hw
	if mode != output.SPI && !hw.DMAValid(d.dmaNum()) {
		return &Error{Code: Dma, Op: "init", Err: errors.Errorf("dma %d not available on %s", d.dmaNum(), hw.Type)}
	}
	for i := range d.Channels {
		c := &d.Channels[i]
		if len(c.Leds) != c.Count {
			c.Leds = make([]Pixel, c.Count)
		}
	}

	d.dev = &device{log: log, mode: mode, freq: d.freqHz(), state: Idle}
	if err := d.acquire(); err != nil {
		_ = d.Fini()
		log.Error().Err(err).Int("code", int(CodeOf(err))).Msg("init failed")
		return err
	}
	log.Info().
		Str("board", hw.String()).
		Str("mode", mode.String()).
		Int("dma", d.dmaNum()).
		Int("gpio", d.Channels[0].GPIO).
		Msg("ws2805 initialized")
	return nil
}

func (d *Device) profile() (*rpihw.Profile, error) {
	switch {
	case d.detect != nil:
		return d.detect()
	case d.Simulate:
		return rpihw.Lookup(simRevision)
	default:
		return rpihw.Detect()
	}
}

func (d *Device) regsBackend() regs.Backend {
	switch {
	case d.backend != nil:
		return d.backend
	case d.Simulate:
		d.backend = &regs.Sim{}
		return d.backend
	default:
		return regs.Host{}
	}
}

func (d *Device) acquire() error {
	dv := d.dev
	switch dv.mode {
	case output.SPI:
		dv.format = encode.SPI
		port := d.spiPort
		if port == nil && d.Simulate {
			port = discardSPI()
		}
		s, err := output.OpenSPI(d.SPIDev, port, physic.Frequency(dv.freq)*physic.Hertz)
		if err != nil {
			return newError("init", err, SpiSetup)
		}
		dv.spi = s
		dv.log.Debug().Int("max_tx", s.MaxTx()).Msg("spi open")
		return d.program("init")
	case output.PCM:
		dv.format = encode.PCM
		dv.permap = dma.PermapPCMTX
	default:
		dv.format = encode.PWM
		dv.permap = dma.PermapPWM
	}

	setupCode := PwmSetup
	blocks := []regs.Block{regs.GPIO, regs.Clock, regs.PWM, regs.DMA}
	target := clock.PWM
	if dv.mode == output.PCM {
		setupCode = PcmSetup
		blocks[2] = regs.PCM
		target = clock.PCM
	}

	backend := d.regsBackend()
	port, err := backend.Map(d.hw, blocks, d.dmaNum())
	if err != nil {
		return newError("init", err, MapRegisters)
	}
	dv.port = port
	dv.engine = dma.Engine{Port: port}
	dv.engine.Stop()

	block, off := output.FIFO(dv.mode)
	dv.fifo = port.BusAddr(block) + off
	dv.maxLen = dma.MaxLen
	if d.hw.IsLite(d.dmaNum()) {
		dv.maxLen = dma.MaxLenLite
	}

	for i := range d.Channels {
		c := &d.Channels[i]
		if !c.active() {
			continue
		}
		alt, err := output.AltFor(dv.mode, i, c.GPIO)
		if err != nil {
			return newError("init", err, IllegalGpio)
		}
		if err := output.SetFunction(port, c.GPIO, alt); err != nil {
			return newError("init", err, GpioInit)
		}
		dv.log.Debug().Int("gpio", c.GPIO).Str("alt", alt.String()).Msg("gpio function set")
	}

	dv.clockOn = true
	actual, err := clock.Configure(port, target, d.hw.OscFreq, dv.freq)
	if err != nil {
		return newError("init", err, setupCode)
	}
	div, _, _ := clock.Divisor(d.hw.OscFreq, dv.freq)
	dv.log.Debug().Uint32("div", div).Uint32("hz", actual).Msg("clock configured")

	dv.periphOn = true
	if dv.mode == output.PCM {
		output.SetupPCM(port)
	} else {
		output.SetupPWM(port, [2]bool{d.Channels[0].Invert, d.Channels[1].Invert})
	}
	return d.program("init")
}

// frame returns the format parameters for the current channel setup: the
// buffer size and the longest wire time of any channel.
func (d *Device) frame() (int, time.Duration) {
	dv := d.dev
	maxBits, maxTime := 0, time.Duration(0)
	for i := range d.Channels {
		c := &d.Channels[i]
		if !c.active() {
			continue
		}
		n := c.Count * c.Layout.Components()
		if n > maxBits {
			maxBits = n
		}
		if t := encode.ProtocolTime(c.Count, c.Layout.Components(), dv.freq); t > maxTime {
			maxTime = t
		}
	}
	return encode.Size(dv.format, maxBits, 1, dv.freq), maxTime
}

// program makes sure the DMA program and the scratch buffer fit the current
// channel setup, rebuilding the chain only when its shape changed.
func (d *Device) program(op string) error {
	dv := d.dev
	size, _ := d.frame()
	if dv.mode == output.SPI && size > dv.spi.MaxTx() {
		err := errors.Wrapf(output.ErrFrameTooLarge, "%d byte frame, %d byte limit", size, dv.spi.MaxTx())
		return newError(op, err, SpiSetup)
	}
	if cap(dv.buf) < size {
		dv.buf = make([]byte, size)
	}
	dv.buf = dv.buf[:size]
	if dv.mode == output.SPI {
		return nil
	}
	spec := dma.Spec{DataLen: size, Dest: dv.fifo, Permap: dv.permap, MaxLen: dv.maxLen}
	if dv.prog.Matches(spec) {
		return nil
	}
	if err := dv.prog.Close(); err != nil {
		dv.log.Warn().Err(err).Msg("release dma program")
	}
	dv.prog = nil
	backend := d.regsBackend()
	p, err := dma.Build(func(n int) (regs.Memory, error) { return backend.Alloc(d.hw, n) }, spec)
	if err != nil {
		return newError(op, err, Dma)
	}
	dv.prog = p
	dv.log.Debug().Int("bytes", size).Int("blocks", p.Blocks()).Msg("dma program built")
	return nil
}

// Fini stops any transfer, releases the hardware and drops the LED buffers.
// It is safe to call more than once and after a failed Init.
func (d *Device) Fini() error {
	dv := d.dev
	if dv == nil {
		return nil
	}
	var err error
	if dv.port != nil {
		dv.engine.Stop()
		if dv.periphOn {
			if dv.mode == output.PCM {
				output.StopPCM(dv.port)
			} else {
				output.StopPWM(dv.port)
			}
		}
		if dv.clockOn {
			target := clock.PWM
			if dv.mode == output.PCM {
				target = clock.PCM
			}
			err = multierr.Append(err, clock.Stop(dv.port, target))
		}
	}
	err = multierr.Append(err, dv.prog.Close())
	if dv.port != nil {
		err = multierr.Append(err, dv.port.Close())
	}
	err = multierr.Append(err, dv.spi.Close())
	for i := range d.Channels {
		d.Channels[i].Leds = nil
	}
	d.dev = nil
	if err != nil {
		dv.log.Warn().Err(err).Msg("fini")
	}
	return err
}

// Resize changes the number of LEDs on channel ch. Existing colors are kept.
// The transfer is rebuilt on the next Render. On SPI a frame that no longer
// fits one transfer is refused with SpiSetup and the channel is unchanged.
func (d *Device) Resize(ch, count int) error {
	if ch < 0 || ch >= len(d.Channels) {
		return &Error{Code: GenericFailure, Op: "resize", Err: errors.Errorf("no channel %d", ch)}
	}
	if count < 0 || count > MaxLeds {
		return &Error{Code: OutOfMemory, Op: "resize", Err: errors.Errorf("%d leds", count)}
	}
	c := &d.Channels[ch]
	if count > 0 && !c.active() && d.dev != nil {
		return &Error{Code: IllegalGpio, Op: "resize", Err: errors.Errorf("channel %d was not configured at init", ch)}
	}
	leds := make([]Pixel, count)
	copy(leds, c.Leds)
	if d.dev != nil && d.dev.mode == output.SPI {
		// SPI writes synchronously, so the frame can be checked right away.
		prev, prevLeds := c.Count, c.Leds
		c.Count, c.Leds = count, leds
		if err := d.program("resize"); err != nil {
			c.Count, c.Leds = prev, prevLeds
			return err
		}
		return nil
	}
	c.Leds = leds
	c.Count = count
	return nil
}

// Clear sets every LED to off. Call Render to show it.
func (d *Device) Clear() {
	for i := range d.Channels {
		leds := d.Channels[i].Leds
		for j := range leds {
			leds[j] = Pixel{}
		}
	}
}
