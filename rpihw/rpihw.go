// Package rpihw identifies the Raspberry Pi board the process runs on and
// derives the peripheral addresses and oscillator rate the LED driver needs.
package rpihw

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/host/v3/distro"
)

// ErrNotSupported is returned when the board revision matches no known profile.
var ErrNotSupported = errors.New("rpihw: hardware revision is not supported")

// Type is the SoC family, which decides the register layout.
type Type int

const (
	Pi1 Type = iota + 1 // BCM2835
	Pi2                 // BCM2836/BCM2837
	Pi4                 // BCM2711
)

func (t Type) String() string {
	switch t {
	case Pi1:
		return "BCM2835"
	case Pi2:
		return "BCM2836/7"
	case Pi4:
		return "BCM2711"
	default:
		return "Type(" + strconv.Itoa(int(t)) + ")"
	}
}

const (
	periphBasePi1 = 0x20000000
	periphBasePi2 = 0x3F000000
	periphBasePi4 = 0xFE000000

	videocoreBasePi1 = 0x40000000
	videocoreBasePi2 = 0xC0000000

	oscFreq     = 19200000
	oscFreqPi4  = 54000000
	dmaMask     = 0x7FFF // engines 0..14
	dmaMaskPi4  = 0x87FF // 0..10 and 15; 11..14 are DMA4 engines with another register layout
	liteMaskAll = 0x7F80 // engines 7..14 are DMA lite
)

// Profile describes one board revision.
type Profile struct {
	Revision      uint32
	Type          Type
	PeriphBase    uint32 // ARM physical address of the peripheral window
	VideocoreBase uint32 // bus alias used for DMA-visible memory
	OscFreq       uint32 // crystal feeding the clock manager, in Hz
	DMAMask       uint16 // engines usable by the driver
	Desc          string
}

// DMAValid reports whether DMA engine n exists on this board.
func (p *Profile) DMAValid(n int) bool {
	return n >= 0 && n < 16 && p.DMAMask&(1<<uint(n)) != 0
}

// IsLite reports whether engine n is a "lite" engine, whose control blocks
// are limited to 16 bit transfer lengths.
func (p *Profile) IsLite(n int) bool {
	return n >= 0 && n < 16 && liteMaskAll&(1<<uint(n)) != 0
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s (rev %#06x, %s)", p.Desc, p.Revision, p.Type)
}

var legacy = map[uint32]string{
	0x0002: "Model B Rev 1.0",
	0x0003: "Model B Rev 1.0",
	0x0004: "Model B Rev 2.0",
	0x0005: "Model B Rev 2.0",
	0x0006: "Model B Rev 2.0",
	0x0007: "Model A",
	0x0008: "Model A",
	0x0009: "Model A",
	0x000d: "Model B Rev 2.0",
	0x000e: "Model B Rev 2.0",
	0x000f: "Model B Rev 2.0",
	0x0010: "Model B+",
	0x0011: "Compute Module 1",
	0x0012: "Model A+",
	0x0013: "Model B+",
	0x0014: "Compute Module 1",
	0x0015: "Model A+",
}

var boardNames = map[uint32]string{
	0x00: "Model A",
	0x01: "Model B",
	0x02: "Model A+",
	0x03: "Model B+",
	0x04: "Pi 2 Model B",
	0x06: "Compute Module 1",
	0x08: "Pi 3 Model B",
	0x09: "Pi Zero",
	0x0a: "Compute Module 3",
	0x0c: "Pi Zero W",
	0x0d: "Pi 3 Model B+",
	0x0e: "Pi 3 Model A+",
	0x10: "Compute Module 3+",
	0x11: "Pi 4 Model B",
	0x12: "Pi Zero 2 W",
	0x13: "Pi 400",
	0x14: "Compute Module 4",
	0x15: "Compute Module 4S",
}

const (
	newStyleFlag   = 1 << 23
	legacyMask     = 0x00FFFFFF // strips the overvolt/warranty bits of old codes
	processorShift = 12
	processorMask  = 0xF
	boardShift     = 4
	boardMask      = 0xFF
)

// Lookup returns the profile for a board revision code.
func Lookup(rev uint32) (*Profile, error) {
	if rev&newStyleFlag == 0 {
		desc, ok := legacy[rev&legacyMask]
		if !ok {
			return nil, errors.Wrapf(ErrNotSupported, "revision %#x", rev)
		}
		return newProfile(rev, Pi1, desc), nil
	}
	desc, ok := boardNames[(rev>>boardShift)&boardMask]
	if !ok {
		desc = fmt.Sprintf("board %#x", (rev>>boardShift)&boardMask)
	}
	switch (rev >> processorShift) & processorMask {
	case 0:
		return newProfile(rev, Pi1, desc), nil
	case 1, 2:
		return newProfile(rev, Pi2, desc), nil
	case 3:
		return newProfile(rev, Pi4, desc), nil
	default:
		// The BCM2712 moves PWM/PCM behind RP1; nothing here applies.
		return nil, errors.Wrapf(ErrNotSupported, "revision %#x (%s)", rev, desc)
	}
}

func newProfile(rev uint32, t Type, desc string) *Profile {
	p := &Profile{Revision: rev, Type: t, Desc: desc, OscFreq: oscFreq, DMAMask: dmaMask}
	switch t {
	case Pi1:
		p.PeriphBase, p.VideocoreBase = periphBasePi1, videocoreBasePi1
	case Pi2:
		p.PeriphBase, p.VideocoreBase = periphBasePi2, videocoreBasePi2
	case Pi4:
		p.PeriphBase, p.VideocoreBase = periphBasePi4, videocoreBasePi2
		p.OscFreq = oscFreqPi4
		p.DMAMask = dmaMaskPi4
	}
	return p
}

const dtRevision = "/proc/device-tree/system/linux,revision"

var (
	detectOnce sync.Once
	detected   *Profile
	detectErr  error
)

// Detect probes the running board once per process and returns its profile.
func Detect() (*Profile, error) {
	detectOnce.Do(func() {
		rev, err := readRevision()
		if err != nil {
			detectErr = err
			return
		}
		detected, detectErr = Lookup(rev)
		if detectErr == nil {
			if model := distro.DTModel(); model != "" && model != "<unknown>" {
				detected.Desc = model
			}
		}
	})
	return detected, detectErr
}

func readRevision() (uint32, error) {
	if b, err := os.ReadFile(dtRevision); err == nil && len(b) >= 4 {
		return binary.BigEndian.Uint32(b[:4]), nil
	}
	return ParseRevision(distro.CPUInfo()["Revision"])
}

// ParseRevision parses the hexadecimal Revision field of /proc/cpuinfo.
func ParseRevision(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, errors.Wrap(ErrNotSupported, "no board revision found")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrNotSupported, "bad revision %q", s)
	}
	return uint32(v), nil
}
