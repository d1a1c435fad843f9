package output

import (
	"time"

	"github.com/coreman2200/rpi-ws2805/internal/regs"
)

// PWM registers.
const (
	pwmCtl  = 0x00
	pwmSta  = 0x04
	pwmDmac = 0x08
	pwmRng1 = 0x10
	pwmDat1 = 0x14
	pwmFif1 = 0x18
	pwmRng2 = 0x20
	pwmDat2 = 0x24
)

const (
	pwmCtlMSEN2 = 1 << 15
	pwmCtlUSEF2 = 1 << 13
	pwmCtlPOLA2 = 1 << 12
	pwmCtlSBIT2 = 1 << 11
	pwmCtlRPTL2 = 1 << 10
	pwmCtlMODE2 = 1 << 9
	pwmCtlPWEN2 = 1 << 8
	pwmCtlMSEN1 = 1 << 7
	pwmCtlCLRF1 = 1 << 6
	pwmCtlUSEF1 = 1 << 5
	pwmCtlPOLA1 = 1 << 4
	pwmCtlSBIT1 = 1 << 3
	pwmCtlRPTL1 = 1 << 2
	pwmCtlMODE1 = 1 << 1
	pwmCtlPWEN1 = 1 << 0

	pwmStaBERR   = 1 << 8
	pwmStaGAPO2  = 1 << 5
	pwmStaGAPO1  = 1 << 4
	pwmStaRERR1  = 1 << 3
	pwmStaWERR1  = 1 << 2
	pwmStaErrors = pwmStaBERR | pwmStaGAPO2 | pwmStaGAPO1 | pwmStaRERR1 | pwmStaWERR1

	pwmDmacEnab = 1 << 31
)

func pwmDmacPanic(n uint32) uint32 { return (n & 0xFF) << 8 }
func pwmDmacDreq(n uint32) uint32  { return n & 0xFF }

// pwmWordBits is the serialiser range: one FIFO word per period.
const pwmWordBits = 32

// sleep is replaced in tests. The PWM block is known to lock up when
// reprogrammed without short pauses.
var sleep = time.Sleep

const settle = 10 * time.Microsecond

// FIFO returns the block and offset a DMA transfer for m writes into.
func FIFO(m Mode) (regs.Block, uint32) {
	if m == PCM {
		return regs.PCM, pcmFifo
	}
	return regs.PWM, pwmFif1
}

// SetupPWM programs both PWM channels for serialised FIFO output paced by
// DMA. Inversion is done by the peripheral so the idle level follows it.
//
// Both serialisers are always enabled: they take FIFO words in turn, which
// is the interleaved frame layout the encoder writes. An unused channel
// shifts zero words to a pin that is not routed to it.
func SetupPWM(port regs.Port, invert [2]bool) {
	port.Write32(regs.PWM, pwmCtl, 0)
	sleep(settle)
	port.Write32(regs.PWM, pwmSta, pwmStaErrors)
	port.Write32(regs.PWM, pwmRng1, pwmWordBits)
	port.Write32(regs.PWM, pwmRng2, pwmWordBits)
	sleep(settle)
	port.Write32(regs.PWM, pwmCtl, pwmCtlCLRF1)
	sleep(settle)
	port.Write32(regs.PWM, pwmDmac, pwmDmacEnab|pwmDmacPanic(7)|pwmDmacDreq(3))
	sleep(settle)
	ctl := uint32(pwmCtlUSEF1 | pwmCtlMODE1 | pwmCtlUSEF2 | pwmCtlMODE2)
	if invert[0] {
		ctl |= pwmCtlPOLA1
	}
	if invert[1] {
		ctl |= pwmCtlPOLA2
	}
	port.Write32(regs.PWM, pwmCtl, ctl)
	sleep(settle)
	port.Write32(regs.PWM, pwmCtl, ctl|pwmCtlPWEN1|pwmCtlPWEN2)
}

// StartPWM is a no-op: the enabled serialiser starts as soon as DMA fills
// the FIFO.
func StartPWM(port regs.Port) {}

// PWMBusError reports whether the PWM block flagged a bus error since setup.
func PWMBusError(port regs.Port) bool {
	return port.Read32(regs.PWM, pwmSta)&pwmStaBERR != 0
}

// StopPWM disables both channels.
func StopPWM(port regs.Port) {
	port.Write32(regs.PWM, pwmCtl, 0)
	sleep(settle)
}
