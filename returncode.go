package ws2805

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/coreman2200/rpi-ws2805/internal/dma"
	"github.com/coreman2200/rpi-ws2805/internal/output"
	"github.com/coreman2200/rpi-ws2805/internal/regs"
	"github.com/coreman2200/rpi-ws2805/rpihw"
)

// ReturnCode is the outcome of a driver operation. The numeric values are
// stable and match the C library's ws2811_return_t.
type ReturnCode int

const (
	Success              ReturnCode = 0
	GenericFailure       ReturnCode = -1
	OutOfMemory          ReturnCode = -2
	HardwareNotSupported ReturnCode = -3
	MemLock              ReturnCode = -4
	Mmap                 ReturnCode = -5
	MapRegisters         ReturnCode = -6
	GpioInit             ReturnCode = -7
	PwmSetup             ReturnCode = -8
	MailboxDevice        ReturnCode = -9
	Dma                  ReturnCode = -10
	IllegalGpio          ReturnCode = -11
	PcmSetup             ReturnCode = -12
	SpiSetup             ReturnCode = -13
	SpiTransfer          ReturnCode = -14
)

var returnCodes = []struct {
	code ReturnCode
	name string
	text string
}{
	{Success, "Success", "Success"},
	{GenericFailure, "GenericFailure", "Generic failure"},
	{OutOfMemory, "OutOfMemory", "Out of memory"},
	{HardwareNotSupported, "HardwareNotSupported", "Hardware revision is not supported"},
	{MemLock, "MemLock", "Memory lock failed"},
	{Mmap, "Mmap", "mmap() failed"},
	{MapRegisters, "MapRegisters", "Unable to map registers into userspace"},
	{GpioInit, "GpioInit", "Unable to initialize GPIO"},
	{PwmSetup, "PwmSetup", "Unable to initialize PWM"},
	{MailboxDevice, "MailboxDevice", "Failed to create mailbox device"},
	{Dma, "Dma", "DMA error"},
	{IllegalGpio, "IllegalGpio", "Selected GPIO not possible"},
	{PcmSetup, "PcmSetup", "Unable to initialize PCM"},
	{SpiSetup, "SpiSetup", "Unable to initialize SPI"},
	{SpiTransfer, "SpiTransfer", "SPI transfer error"},
}

// ReturnCodes lists every defined code, from Success down.
func ReturnCodes() []ReturnCode {
	out := make([]ReturnCode, len(returnCodes))
	for i, r := range returnCodes {
		out[i] = r.code
	}
	return out
}

// ReturnCodeText returns the human readable description of c.
func ReturnCodeText(c ReturnCode) string {
	if i := -int(c); i >= 0 && i < len(returnCodes) {
		return returnCodes[i].text
	}
	return fmt.Sprintf("Unknown return code %d", int(c))
}

// Name returns the identifier of c, such as "IllegalGpio".
func (c ReturnCode) Name() string {
	if i := -int(c); i >= 0 && i < len(returnCodes) {
		return returnCodes[i].name
	}
	return fmt.Sprintf("ReturnCode(%d)", int(c))
}

func (c ReturnCode) String() string { return ReturnCodeText(c) }

// Error lets a bare code be used as an error and as an errors.Is target.
func (c ReturnCode) Error() string { return "ws2805: " + ReturnCodeText(c) }

// Error is returned by every Device operation that fails.
type Error struct {
	Code ReturnCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ws2805: %s: %s", e.Op, ReturnCodeText(e.Code))
	}
	return fmt.Sprintf("ws2805: %s: %s: %v", e.Op, ReturnCodeText(e.Code), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the ReturnCode of the error.
func (e *Error) Is(target error) bool {
	c, ok := target.(ReturnCode)
	return ok && c == e.Code
}

// CodeOf returns the ReturnCode carried by err: Success for nil and
// GenericFailure for errors that did not come from this package.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c ReturnCode
	if errors.As(err, &c) {
		return c
	}
	return GenericFailure
}

// classify maps an internal error to its ReturnCode, or fallback when the
// error carries no more specific meaning.
func classify(err error, fallback ReturnCode) ReturnCode {
	var me *regs.MapError
	if errors.As(err, &me) {
		switch me.Kind {
		case regs.KindMmap:
			return Mmap
		case regs.KindMapRegisters:
			return MapRegisters
		case regs.KindMailbox:
			return MailboxDevice
		case regs.KindMemLock:
			return MemLock
		case regs.KindAlloc:
			return OutOfMemory
		}
	}
	var fault *dma.Fault
	switch {
	case errors.Is(err, rpihw.ErrNotSupported):
		return HardwareNotSupported
	case errors.Is(err, output.ErrIllegalGPIO):
		return IllegalGpio
	case errors.Is(err, output.ErrGPIOInit):
		return GpioInit
	case errors.Is(err, dma.ErrAlloc), errors.As(err, &fault):
		return Dma
	}
	return fallback
}

func newError(op string, err error, fallback ReturnCode) *Error {
	return &Error{Code: classify(err, fallback), Op: op, Err: err}
}
