// Package clock programs the PWM and PCM clock generators of the BCM283x
// clock manager.
package clock

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/coreman2200/rpi-ws2805/internal/regs"
)

var (
	ErrDivisor  = errors.New("clock: no divisor in range for requested frequency")
	ErrTimeout  = errors.New("clock: generator did not settle")
	ErrReadback = errors.New("clock: divisor readback mismatch")
)

const (
	// 31:24 password
	passwdCtl Ctl = 0x5A << 24 // PASSWD
	busy      Ctl = 1 << 7     // BUSY
	kill      Ctl = 1 << 5     // KILL
	enable    Ctl = 1 << 4     // ENAB
	srcMask   Ctl = 0xF        // SRC
	srcOsc    Ctl = 1          // crystal oscillator
)

// Ctl is a clock generator control register value.
//
// It must not be changed while BUSY is set or the output may glitch.
type Ctl uint32

func (c Ctl) GoString() string {
	var out []string
	if c&0xFF000000 == passwdCtl {
		c &^= 0xFF000000
		out = append(out, "PWD")
	}
	if c&busy != 0 {
		out = append(out, "Busy")
		c &^= busy
	}
	if c&kill != 0 {
		out = append(out, "Kill")
		c &^= kill
	}
	if c&enable != 0 {
		out = append(out, "Enable")
		c &^= enable
	}
	switch x := c & srcMask; x {
	case 0:
		out = append(out, "GND")
	case srcOsc:
		out = append(out, "Osc")
	default:
		out = append(out, fmt.Sprintf("Src(%d)", x))
	}
	c &^= srcMask
	if c != 0 {
		out = append(out, fmt.Sprintf("Ctl(%#x)", uint32(c)))
	}
	return strings.Join(out, "|")
}

const (
	passwdDiv Div = 0x5A << 24 // PASSWD
	diviShift     = 12
	// MaxDivisor is the largest integer divisor.
	MaxDivisor     = (1 << 12) - 1
	diviMask   Div = MaxDivisor << diviShift // DIVI
	divfMask   Div = (1 << 12) - 1           // DIVF
)

// Div is a 12.12 fixed point divisor. Only the integer part is used; the
// fractional part adds jitter the LEDs do not tolerate.
type Div uint32

func (d Div) GoString() string {
	d &^= 0xFF000000
	i := (d & diviMask) >> diviShift
	if f := d & divfMask; f != 0 {
		return fmt.Sprintf("%d.(%d/%d)", i, f, MaxDivisor)
	}
	return fmt.Sprintf("%d.0", i)
}

// Target selects the generator.
type Target int

const (
	PWM Target = iota
	PCM
)

func (t Target) String() string {
	if t == PCM {
		return "pcm"
	}
	return "pwm"
}

func (t Target) offsets() (ctl, div uint32) {
	if t == PCM {
		return 0x98, 0x9C
	}
	return 0xA0, 0xA4
}

// SymbolsPerBit is the number of clock periods the encoder spends on each
// data bit.
const SymbolsPerBit = 3

// Divisor returns the integer divisor that brings oscHz closest to
// SymbolsPerBit*bitHz, and the bit rate it actually yields.
func Divisor(oscHz, bitHz uint32) (div, actualHz uint32, err error) {
	if bitHz == 0 {
		return 0, 0, errors.Wrap(ErrDivisor, "zero frequency")
	}
	sym := uint64(bitHz) * SymbolsPerBit
	d := (uint64(oscHz) + sym/2) / sym
	if d < 1 || d > MaxDivisor {
		return 0, 0, errors.Wrapf(ErrDivisor, "%dHz from %dHz needs divisor %d", bitHz, oscHz, d)
	}
	return uint32(d), oscHz / (uint32(d) * SymbolsPerBit), nil
}

const (
	pollInterval = time.Microsecond
	pollLimit    = 10000
	settle       = 10 * time.Microsecond
)

// sleep is replaced in tests.
var sleep = time.Sleep

func waitBusy(port regs.Port, off uint32, want bool) bool {
	for i := 0; i < pollLimit; i++ {
		if (Ctl(port.Read32(regs.Clock, off))&busy != 0) == want {
			return true
		}
		sleep(pollInterval)
	}
	return false
}

// Configure stops generator t, programs it to tick SymbolsPerBit times per
// data bit at bitHz from the crystal, and restarts it. It returns the bit
// rate achieved.
func Configure(port regs.Port, t Target, oscHz, bitHz uint32) (uint32, error) {
	div, actual, err := Divisor(oscHz, bitHz)
	if err != nil {
		return 0, err
	}
	ctl, divOff := t.offsets()

	port.Write32(regs.Clock, ctl, uint32(passwdCtl|kill))
	if !waitBusy(port, ctl, false) {
		return 0, errors.Wrapf(ErrTimeout, "%s: stop", t)
	}
	d := Div(div << diviShift)
	port.Write32(regs.Clock, divOff, uint32(passwdDiv|d))
	sleep(settle)
	port.Write32(regs.Clock, ctl, uint32(passwdCtl|srcOsc))
	sleep(settle)
	port.Write32(regs.Clock, ctl, uint32(passwdCtl|srcOsc|enable))
	if !waitBusy(port, ctl, true) {
		return 0, errors.Wrapf(ErrTimeout, "%s: start", t)
	}
	if got := Div(port.Read32(regs.Clock, divOff)) &^ 0xFF000000; got != d {
		return 0, errors.Wrapf(ErrReadback, "%s: wrote %#v, read %#v", t, d, got)
	}
	return actual, nil
}

// Stop kills generator t and waits for it to go idle.
func Stop(port regs.Port, t Target) error {
	ctl, _ := t.offsets()
	port.Write32(regs.Clock, ctl, uint32(passwdCtl|kill))
	if !waitBusy(port, ctl, false) {
		return errors.Wrapf(ErrTimeout, "%s: stop", t)
	}
	return nil
}
