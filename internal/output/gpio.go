// Package output configures the peripheral that shifts the symbol stream out
// of a pin: PWM or PCM fed by DMA, or SPI through the kernel driver.
package output

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/coreman2200/rpi-ws2805/internal/regs"
)

// Mode is the peripheral used for a strip.
type Mode int

const (
	PWM Mode = iota
	PCM
	SPI
)

func (m Mode) String() string {
	switch m {
	case PWM:
		return "pwm"
	case PCM:
		return "pcm"
	case SPI:
		return "spi"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// SPIPin is the MOSI line of SPI0.
const SPIPin = 10

// ModeFor returns the peripheral that drives gpio.
func ModeFor(gpio int) Mode {
	switch gpio {
	case SPIPin:
		return SPI
	case 21, 31:
		return PCM
	default:
		return PWM
	}
}

// Alt is a GPFSEL function code.
type Alt uint32

const (
	In   Alt = 0
	Out  Alt = 1
	Alt0 Alt = 4
	Alt1 Alt = 5
	Alt2 Alt = 6
	Alt3 Alt = 7
	Alt4 Alt = 3
	Alt5 Alt = 2
)

func (a Alt) String() string {
	switch a {
	case In:
		return "in"
	case Out:
		return "out"
	case Alt0:
		return "alt0"
	case Alt1:
		return "alt1"
	case Alt2:
		return "alt2"
	case Alt3:
		return "alt3"
	case Alt4:
		return "alt4"
	case Alt5:
		return "alt5"
	}
	return fmt.Sprintf("Alt(%d)", uint32(a))
}

// ErrIllegalGPIO is returned when a pin cannot carry the selected output.
var ErrIllegalGPIO = errors.New("output: gpio not allowed for this channel")

// ErrGPIOInit is returned when GPFSEL does not read back as written.
var ErrGPIOInit = errors.New("output: gpio function select failed")

type pinAlt struct {
	pin int
	alt Alt
}

var (
	pwmPins = [2][]pinAlt{
		{{12, Alt0}, {18, Alt5}, {40, Alt0}, {52, Alt1}},
		{{13, Alt0}, {19, Alt5}, {41, Alt0}, {45, Alt0}, {53, Alt1}},
	}
	pcmPins = []pinAlt{{21, Alt0}, {31, Alt2}}
	spiPins = []pinAlt{{SPIPin, Alt0}}
)

// AltFor returns the function gpio must be set to so that channel of mode
// reaches it.
func AltFor(m Mode, channel, gpio int) (Alt, error) {
	var table []pinAlt
	switch m {
	case PWM:
		if channel < 0 || channel > 1 {
			return 0, errors.Wrapf(ErrIllegalGPIO, "pwm channel %d", channel)
		}
		table = pwmPins[channel]
	case PCM, SPI:
		if channel != 0 {
			return 0, errors.Wrapf(ErrIllegalGPIO, "%s supports a single channel", m)
		}
		table = pcmPins
		if m == SPI {
			table = spiPins
		}
	}
	for _, p := range table {
		if p.pin == gpio {
			return p.alt, nil
		}
	}
	return 0, errors.Wrapf(ErrIllegalGPIO, "gpio %d on %s channel %d", gpio, m, channel)
}

const gpioMaxPin = 53

// SetFunction sets the function of gpio with a read-modify-write of its
// GPFSEL register.
func SetFunction(port regs.Port, gpio int, a Alt) error {
	if gpio < 0 || gpio > gpioMaxPin {
		return errors.Wrapf(ErrIllegalGPIO, "gpio %d", gpio)
	}
	off := uint32(gpio/10) * 4
	shift := uint(gpio%10) * 3
	v := port.Read32(regs.GPIO, off)
	v = v&^(7<<shift) | uint32(a)<<shift
	port.Write32(regs.GPIO, off, v)
	if got := Alt(port.Read32(regs.GPIO, off)>>shift) & 7; got != a {
		return errors.Wrapf(ErrGPIOInit, "gpio %d: want %s, read %s", gpio, a, got)
	}
	return nil
}
