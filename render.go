package ws2805

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/coreman2200/rpi-ws2805/internal/encode"
	"github.com/coreman2200/rpi-ws2805/internal/output"
)

const (
	// resetWait is added to the wire time of a frame before the next one may
	// start, so the strips latch.
	resetWait = 300 * time.Microsecond
	// pollInterval is the DMA status poll period of Wait.
	pollInterval = 10 * time.Microsecond
	statWindow   = 100
)

// State is where a Device is in the render cycle.
type State int

const (
	Idle State = iota
	Encoding
	Submitted
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Encoding:
		return "encoding"
	case Submitted:
		return "submitted"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// State returns Idle for a Device that is not initialized.
func (d *Device) State() State {
	if d.dev == nil {
		return Idle
	}
	return d.dev.state
}

// Stats summarizes recent renders.
type Stats struct {
	Frames      uint64
	LastEncode  time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	AvgInterval time.Duration
}

// stats keeps the submit intervals of the last statWindow frames.
type stats struct {
	frames     uint64
	lastEncode time.Duration
	intervals  [statWindow]time.Duration
	n          int
}

func (s *stats) add(encodeTime, interval time.Duration) {
	s.frames++
	s.lastEncode = encodeTime
	if interval <= 0 {
		return
	}
	s.intervals[s.n%statWindow] = interval
	s.n++
}

// Stats returns the render statistics since Init.
func (d *Device) Stats() Stats {
	if d.dev == nil {
		return Stats{}
	}
	s := &d.dev.stats
	out := Stats{Frames: s.frames, LastEncode: s.lastEncode}
	n := s.n
	if n > statWindow {
		n = statWindow
	}
	var sum time.Duration
	for i, v := range s.intervals[:n] {
		if i == 0 || v < out.MinInterval {
			out.MinInterval = v
		}
		if v > out.MaxInterval {
			out.MaxInterval = v
		}
		sum += v
	}
	if n > 0 {
		out.AvgInterval = sum / time.Duration(n)
	}
	return out
}

func discardSPI() spi.PortCloser {
	return spitest.NewRecordRaw(io.Discard)
}

// Render waits for the previous frame, encodes the LED buffers and starts
// sending them. It returns once the transfer is queued; use Wait to block
// until it is on the wire.
func (d *Device) Render() error {
	dv := d.dev
	if dv == nil {
		return &Error{Code: GenericFailure, Op: "render", Err: errors.New("not initialized")}
	}
	for i := range d.Channels {
		c := &d.Channels[i]
		if len(c.Leds) != c.Count {
			return &Error{Code: GenericFailure, Op: "render", Err: errors.Errorf("channel %d: %d leds for count %d", i, len(c.Leds), c.Count)}
		}
	}
	if err := d.Wait(); err != nil {
		return err
	}
	if err := d.program("render"); err != nil {
		return err
	}

	dv.state = Encoding
	start := d.nowTime()
	var sources [2]*encode.Source
	for i := range d.Channels {
		c := &d.Channels[i]
		if !c.active() {
			continue
		}
		packed := dv.packed[i][:0]
		for _, p := range c.Leds {
			packed = append(packed, p.Uint64())
		}
		dv.packed[i] = packed
		sources[i] = &encode.Source{
			Pixels:     packed,
			Slots:      c.Layout.Slots(),
			Brightness: c.Brightness,
			Gamma:      c.Gamma,
			Invert:     c.Invert,
		}
	}
	if err := encode.Encode(dv.buf, dv.format, sources); err != nil {
		dv.state = Idle
		return &Error{Code: GenericFailure, Op: "render", Err: err}
	}
	encodeTime := d.nowTime().Sub(start)

	if !dv.submitted.IsZero() {
		d.pause(d.RenderWaitTime - d.nowTime().Sub(dv.submitted))
	}

	switch dv.mode {
	case output.SPI:
		if err := dv.spi.Tx(dv.buf); err != nil {
			dv.state = Idle
			return newError("render", err, SpiTransfer)
		}
		dv.state = Complete
	default:
		if err := dv.prog.Rewrite(dv.buf); err != nil {
			dv.state = Idle
			return newError("render", err, Dma)
		}
		dv.engine.Start(dv.prog.Addr())
		if dv.mode == output.PCM {
			output.StartPCM(dv.port)
		} else {
			output.StartPWM(dv.port)
		}
		dv.state = Submitted
	}

	_, wire := d.frame()
	d.RenderWaitTime = wire + resetWait
	now := d.nowTime()
	var interval time.Duration
	if !dv.submitted.IsZero() {
		interval = now.Sub(dv.submitted)
	}
	dv.submitted = now
	dv.stats.add(encodeTime, interval)
	dv.log.Trace().Int("bytes", len(dv.buf)).Dur("encode", encodeTime).Msg("frame submitted")
	return nil
}

// Wait blocks until the submitted frame has been sent. It returns at once
// when nothing is in flight.
func (d *Device) Wait() error {
	dv := d.dev
	if dv == nil {
		return &Error{Code: GenericFailure, Op: "wait", Err: errors.New("not initialized")}
	}
	if dv.state != Submitted {
		return nil
	}
	deadline := dv.submitted.Add(4*d.RenderWaitTime + time.Second)
	for {
		active, err := dv.engine.Status()
		if err != nil {
			dv.engine.Stop()
			dv.state = Idle
			dv.log.Error().Err(err).Int("code", int(Dma)).Msg("dma transfer failed")
			return newError("wait", err, Dma)
		}
		if !active {
			break
		}
		if d.nowTime().After(deadline) {
			dv.engine.Stop()
			dv.state = Idle
			return &Error{Code: Dma, Op: "wait", Err: errors.New("transfer timed out")}
		}
		d.pause(pollInterval)
	}
	if dv.mode == output.PWM && output.PWMBusError(dv.port) {
		dv.log.Warn().Msg("pwm bus error")
	}
	dv.state = Complete
	return nil
}
