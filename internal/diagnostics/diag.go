// Package diagnostics explains driver failures in terms a user can act on.
package diagnostics

import (
	"github.com/rs/zerolog"

	ws2805 "github.com/coreman2200/rpi-ws2805"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Value          int            `json:"value"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

var _ zerolog.LogObjectMarshaler = Diagnostic{}

func (d Diagnostic) MarshalZerologObject(e *zerolog.Event) {
	e.Str("severity", string(d.Severity)).
		Str("code", d.Code).
		Int("value", d.Value).
		Str("summary", d.Summary)
	if d.Detail != "" {
		e.Str("detail", d.Detail)
	}
	if len(d.LikelyCauses) > 0 {
		e.Strs("likely_causes", d.LikelyCauses)
	}
	if len(d.SuggestedFixes) > 0 {
		e.Strs("suggested_fixes", d.SuggestedFixes)
	}
	if len(d.Evidence) > 0 {
		e.Fields(d.Evidence)
	}
}

type advice struct {
	causes []string
	fixes  []string
}

var catalog = map[ws2805.ReturnCode]advice{
	ws2805.GenericFailure: {
		causes: []string{"frequency below 400kHz", "unknown strip layout", "LED buffer resized without Resize"},
		fixes:  []string{"check freq_hz and strip in the configuration", "use Device.Resize to change the LED count"},
	},
	ws2805.OutOfMemory: {
		causes: []string{"LED count negative or larger than the driver limit"},
		fixes:  []string{"split very long strips over two channels"},
	},
	ws2805.HardwareNotSupported: {
		causes: []string{"board revision not in the table", "Raspberry Pi 5, whose PWM and PCM sit behind RP1"},
		fixes:  []string{"run on a Pi 1 to 4, Zero or Compute Module", "use GPIO 10 with the SPI driver where available"},
	},
	ws2805.MemLock: {
		causes: []string{"RLIMIT_MEMLOCK too low"},
		fixes:  []string{"run as root or raise the memlock limit"},
	},
	ws2805.Mmap: {
		causes: []string{"not running as root", "/dev/mem missing or restricted"},
		fixes:  []string{"run with sudo", "use GPIO 10 (SPI) which only needs access to /dev/spidev0.0"},
	},
	ws2805.MapRegisters: {
		causes: []string{"peripheral base does not match the board", "kernel lockdown blocks /dev/mem"},
		fixes:  []string{"check the detected board revision", "boot without lockdown or use SPI"},
	},
	ws2805.GpioInit: {
		causes: []string{"GPIO function select did not read back"},
		fixes:  []string{"make sure no other driver owns the pin", "check /boot/config.txt overlays"},
	},
	ws2805.PwmSetup: {
		causes: []string{"PWM clock stayed busy", "analog audio is using the PWM block"},
		fixes:  []string{"add dtparam=audio=off to /boot/config.txt", "blacklist snd_bcm2835"},
	},
	ws2805.MailboxDevice: {
		causes: []string{"/dev/vcio missing", "firmware refused the memory allocation"},
		fixes:  []string{"run as root", "check that the vcio device exists"},
	},
	ws2805.Dma: {
		causes: []string{"DMA engine in use by another driver", "transfer did not complete in time", "DMA memory allocation failed"},
		fixes:  []string{"pick another engine with --dma (10 is usually free)", "avoid engines 0, 1, 2, 3, 6 and 7 used by the firmware"},
	},
	ws2805.IllegalGpio: {
		causes: []string{"pin cannot be driven by PWM, PCM or SPI", "channels on different peripherals", "PCM or SPI pin on channel 1"},
		fixes:  []string{"use GPIO 12 or 18 (PWM0), 13 or 19 (PWM1), 21 (PCM) or 10 (SPI)"},
	},
	ws2805.PcmSetup: {
		causes: []string{"PCM clock stayed busy", "an I2S overlay owns the PCM block"},
		fixes:  []string{"remove I2S audio overlays from /boot/config.txt"},
	},
	ws2805.SpiSetup: {
		causes: []string{"SPI disabled", "/dev/spidev0.0 missing or busy", "frame larger than the spidev buffer"},
		fixes:  []string{"add dtparam=spi=on to /boot/config.txt", "set core_freq=250 so the SPI clock is stable", "raise spidev.bufsiz on the kernel command line"},
	},
	ws2805.SpiTransfer: {
		causes: []string{"bus error", "spidev device removed"},
		fixes:  []string{"check the SPI wiring and that no other process uses the port"},
	},
}

// For returns the diagnostic for code. Success yields an Info diagnostic.
func For(code ws2805.ReturnCode) Diagnostic {
	d := Diagnostic{
		Severity: Err,
		Code:     code.Name(),
		Value:    int(code),
		Summary:  ws2805.ReturnCodeText(code),
	}
	if code == ws2805.Success {
		d.Severity = Info
		return d
	}
	if a, ok := catalog[code]; ok {
		d.LikelyCauses = a.causes
		d.SuggestedFixes = a.fixes
	}
	return d
}

// FromError builds the diagnostic for err, recording its message as detail
// and any evidence given.
func FromError(err error, evidence map[string]any) Diagnostic {
	d := For(ws2805.CodeOf(err))
	if err != nil {
		d.Detail = err.Error()
	}
	if len(evidence) > 0 {
		d.Evidence = evidence
	}
	return d
}

// Catalog returns the diagnostic of every return code, in code order.
func Catalog() []Diagnostic {
	codes := ws2805.ReturnCodes()
	out := make([]Diagnostic, len(codes))
	for i, c := range codes {
		out[i] = For(c)
	}
	return out
}
