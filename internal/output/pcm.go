package output

import "github.com/coreman2200/rpi-ws2805/internal/regs"

// PCM registers.
const (
	pcmCs   = 0x00
	pcmFifo = 0x04
	pcmMode = 0x08
	pcmTxc  = 0x10
	pcmDreq = 0x14
)

const (
	pcmCsEN    = 1 << 0
	pcmCsTXON  = 1 << 2
	pcmCsTXCLR = 1 << 3
	pcmCsDMAEN = 1 << 9

	pcmTxcCH1WEX = 1 << 31
	pcmTxcCH1EN  = 1 << 30
)

func pcmTxcCH1POS(n uint32) uint32   { return (n & 0x3FF) << 20 }
func pcmTxcCH1WID(n uint32) uint32   { return (n & 0xF) << 16 }
func pcmModeFLEN(n uint32) uint32    { return (n & 0x3FF) << 10 }
func pcmModeFSLEN(n uint32) uint32   { return n & 0x3FF }
func pcmDreqTX(n uint32) uint32      { return (n & 0x7F) << 8 }
func pcmDreqTXPanic(n uint32) uint32 { return (n & 0x7F) << 24 }

// SetupPCM programs PCM for a single 32 bit channel per frame fed by DMA.
// Transmission starts with StartPCM.
func SetupPCM(port regs.Port) {
	port.Write32(regs.PCM, pcmCs, 0)
	sleep(settle)
	// 8 + 16 (WEX) + 8 = 32 bit channel at position 0.
	port.Write32(regs.PCM, pcmTxc, pcmTxcCH1WEX|pcmTxcCH1EN|pcmTxcCH1POS(0)|pcmTxcCH1WID(8))
	port.Write32(regs.PCM, pcmMode, pcmModeFLEN(31)|pcmModeFSLEN(1))
	cs := uint32(pcmCsTXCLR)
	port.Write32(regs.PCM, pcmCs, cs)
	sleep(settle)
	port.Write32(regs.PCM, pcmDreq, pcmDreqTX(0x3F)|pcmDreqTXPanic(0x10))
	cs |= pcmCsDMAEN
	port.Write32(regs.PCM, pcmCs, cs)
	sleep(settle)
	cs |= pcmCsEN
	port.Write32(regs.PCM, pcmCs, cs)
}

// StartPCM turns the transmitter on.
func StartPCM(port regs.Port) {
	port.Write32(regs.PCM, pcmCs, port.Read32(regs.PCM, pcmCs)|pcmCsTXON)
}

// StopPCM disables the block.
func StopPCM(port regs.Port) {
	port.Write32(regs.PCM, pcmCs, 0)
	sleep(settle)
}
