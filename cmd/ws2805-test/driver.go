package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/conn/v3/spi/spitest"
	"periph.io/x/devices/v3/nrzled"

	ws2805 "github.com/coreman2200/rpi-ws2805"
	"github.com/coreman2200/rpi-ws2805/internal/encode"
	"github.com/coreman2200/rpi-ws2805/internal/output"
)

// Driver abstracts an LED output sink.
type Driver interface {
	// Leds returns the buffer of every active channel, to be filled before
	// Show.
	Leds() [][]ws2805.Pixel
	// Layouts returns the strip layout of each buffer returned by Leds.
	Layouts() []ws2805.Layout
	// Show pushes the buffers to the strips.
	Show() error
	Stats() *ws2805.Stats
	Close() error
}

// dmaDriver is the full driver: PWM, PCM or SPI fed by DMA.
type dmaDriver struct {
	dev *ws2805.Device
}

func newDMADriver(dev *ws2805.Device, log zerolog.Logger) (*dmaDriver, error) {
	dev.Logger = &log
	if err := dev.Init(); err != nil {
		return nil, err
	}
	return &dmaDriver{dev: dev}, nil
}

func (d *dmaDriver) Leds() [][]ws2805.Pixel {
	var out [][]ws2805.Pixel
	for i := range d.dev.Channels {
		if d.dev.Channels[i].Count > 0 {
			out = append(out, d.dev.Channels[i].Leds)
		}
	}
	return out
}

func (d *dmaDriver) Layouts() []ws2805.Layout {
	var out []ws2805.Layout
	for i := range d.dev.Channels {
		if d.dev.Channels[i].Count > 0 {
			out = append(out, d.dev.Channels[i].Layout)
		}
	}
	return out
}

func (d *dmaDriver) Show() error {
	if err := d.dev.Render(); err != nil {
		return err
	}
	return d.dev.Wait()
}

func (d *dmaDriver) Stats() *ws2805.Stats {
	s := d.dev.Stats()
	return &s
}

func (d *dmaDriver) Close() error {
	d.dev.Clear()
	err := d.dev.Render()
	if err == nil {
		err = d.dev.Wait()
	}
	return multierr.Append(err, d.dev.Fini())
}

// nrzledDriver drives one channel through periph's nrzled over spidev. It
// does not use DMA and serves as a reference output.
//
// nrzled always clocks SPI at 2.5MHz, four symbol bits per data bit, and
// sends each RGB pixel in GRB order, so only GRB strips are accepted and the
// configured bit rate does not apply.
type nrzledDriver struct {
	port  spi.PortCloser
	dev   *nrzled.Dev
	ch    ws2805.Channel
	src   encode.Source
	wire  []byte
	stats ws2805.Stats
}

// nrzledFreq is the only SPI clock nrzled accepts.
const nrzledFreq = 2500 * physic.KiloHertz

// newNRZLEDDriver opens the channel 0 strip of dev. port is used when not
// nil; otherwise the device's SPI port is opened, or a discarding recorder
// when simulating.
func newNRZLEDDriver(dev *ws2805.Device, port spi.PortCloser) (*nrzledDriver, error) {
	ch := dev.Channels[0]
	if ch.Count == 0 || dev.Channels[1].Count != 0 {
		return nil, errors.New("nrzled backend drives exactly one channel")
	}
	if ch.Layout != ws2805.WS2811StripGRB {
		return nil, errors.Errorf("nrzled backend sends GRB only, cannot drive %s strips", ch.Layout)
	}
	if port == nil {
		p, err := openSPI(dev)
		if err != nil {
			return nil, err
		}
		port = p
	}
	d, err := nrzled.NewSPI(port, &nrzled.Opts{NumPixels: ch.Count, Channels: 3, Freq: nrzledFreq})
	if err != nil {
		_ = port.Close()
		return nil, errors.Wrap(err, "nrzled")
	}
	ch.Leds = make([]ws2805.Pixel, ch.Count)
	// nrzled reorders to GRB itself and wants R, G, B.
	return &nrzledDriver{
		port: port,
		dev:  d,
		ch:   ch,
		src:  encode.Source{Slots: ws2805.WS2811StripRGB.Slots(), Brightness: ch.Brightness, Gamma: ch.Gamma},
		wire: make([]byte, ch.Count*3),
	}, nil
}

func openSPI(dev *ws2805.Device) (spi.PortCloser, error) {
	if dev.Simulate {
		return spitest.NewRecordRaw(io.Discard), nil
	}
	name := dev.SPIDev
	if name == "" {
		name = output.DefaultSPIDev
	}
	p, err := spireg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	return p, nil
}

func (d *nrzledDriver) Leds() [][]ws2805.Pixel {
	return [][]ws2805.Pixel{d.ch.Leds}
}

func (d *nrzledDriver) Layouts() []ws2805.Layout {
	return []ws2805.Layout{d.ch.Layout}
}

func (d *nrzledDriver) Show() error {
	for i, p := range d.ch.Leds {
		encode.Components(d.wire[i*3:], p.Uint64(), &d.src)
	}
	if _, err := d.dev.Write(d.wire); err != nil {
		return err
	}
	d.stats.Frames++
	return nil
}

func (d *nrzledDriver) Stats() *ws2805.Stats { return &d.stats }

func (d *nrzledDriver) Close() error {
	return multierr.Append(d.dev.Halt(), d.port.Close())
}
