package ws2805

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Layout describes the component order a strip expects on the wire.
//
// Bytes 3, 2, 1 and 0 hold the bit shift of the packed Pixel component sent
// in the W, first, second and third wire slot. A non-zero top nibble marks a
// white channel.
type Layout uint32

// 3 color R, G and B ordering.
const (
	WS2811StripRGB Layout = 0x00100800
	WS2811StripRBG Layout = 0x00100008
	WS2811StripGRB Layout = 0x00081000
	WS2811StripGBR Layout = 0x00080010
	WS2811StripBRG Layout = 0x00001008
	WS2811StripBGR Layout = 0x00000810
)

// 4 color R, G, B and W ordering.
const (
	SK6812StripRGBW Layout = 0x18100800
	SK6812StripRBGW Layout = 0x18100008
	SK6812StripGRBW Layout = 0x18081000
	SK6812StripGBRW Layout = 0x18080010
	SK6812StripBRGW Layout = 0x18001008
	SK6812StripBGRW Layout = 0x18000810
)

// WS2805StripRGBCW is a 5 channel strip sent as R, G, B, cold white (Pixel.W)
// and warm white (Pixel.WW), 40 bits per LED.
const WS2805StripRGBCW Layout = 0x1F000000

// Aliases for common parts.
const (
	WS2812Strip  = WS2811StripGRB
	SK6812Strip  = WS2811StripGRB
	SK6812WStrip = SK6812StripGRBW
	WS2805Strip  = WS2805StripRGBCW
)

var layoutNames = map[Layout]string{
	WS2811StripRGB:   "RGB",
	WS2811StripRBG:   "RBG",
	WS2811StripGRB:   "GRB",
	WS2811StripGBR:   "GBR",
	WS2811StripBRG:   "BRG",
	WS2811StripBGR:   "BGR",
	SK6812StripRGBW:  "RGBW",
	SK6812StripRBGW:  "RBGW",
	SK6812StripGRBW:  "GRBW",
	SK6812StripGBRW:  "GBRW",
	SK6812StripBRGW:  "BRGW",
	SK6812StripBGRW:  "BGRW",
	WS2805StripRGBCW: "RGBCW",
}

var layoutAliases = map[string]Layout{
	"WS2811":  WS2811StripRGB,
	"WS2812":  WS2812Strip,
	"WS2812B": WS2812Strip,
	"SK6812":  SK6812Strip,
	"SK6812W": SK6812WStrip,
	"WS2805":  WS2805Strip,
}

// Shifts is the decoded form of a Layout.
type Shifts struct {
	W, R, G, B uint8
}

// Shifts decodes l. It is the inverse of Shifts.Layout for every value.
func (l Layout) Shifts() Shifts {
	return Shifts{W: uint8(l >> 24), R: uint8(l >> 16), G: uint8(l >> 8), B: uint8(l)}
}

// Layout encodes s.
func (s Shifts) Layout() Layout {
	return Layout(s.W)<<24 | Layout(s.R)<<16 | Layout(s.G)<<8 | Layout(s.B)
}

// HasWhite reports whether the strip has a white channel.
func (l Layout) HasWhite() bool {
	return l&0xF0000000 != 0
}

// Components is the number of bytes sent per LED.
func (l Layout) Components() int {
	switch {
	case l == WS2805StripRGBCW:
		return 5
	case l.HasWhite():
		return 4
	default:
		return 3
	}
}

// Slots returns the packed Pixel shift for each wire slot in transmit order.
func (l Layout) Slots() []uint8 {
	if l == WS2805StripRGBCW {
		return []uint8{RedOffset, GreenOffset, BlueOffset, WhiteOffset, WarmWhiteOffset}
	}
	s := l.Shifts()
	if l.HasWhite() {
		return []uint8{s.R, s.G, s.B, s.W}
	}
	return []uint8{s.R, s.G, s.B}
}

// Valid reports whether l can be encoded: every shift byte aligned, distinct
// and inside the packed color.
func (l Layout) Valid() bool {
	if l == WS2805StripRGBCW {
		return true
	}
	limit := uint8(BlueOffset + 16)
	if l.HasWhite() {
		limit = WhiteOffset
	} else if l.Shifts().W != 0 {
		return false
	}
	var seen uint32
	for _, sh := range l.Slots() {
		if sh%8 != 0 || sh > limit || seen&(1<<sh) != 0 {
			return false
		}
		seen |= 1 << sh
	}
	return true
}

func (l Layout) String() string {
	if n, ok := layoutNames[l]; ok {
		return n
	}
	return fmt.Sprintf("Layout(0x%08x)", uint32(l))
}

// ParseLayout accepts a component order ("GRB", "rgbw", "RGBCW"), a part
// name ("WS2812", "SK6812W", "WS2805"), a C style constant name
// ("WS2811_STRIP_GRB") or a hexadecimal code ("0x00081000").
func ParseLayout(s string) (Layout, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if strings.HasPrefix(name, "0X") {
		v, err := strconv.ParseUint(name[2:], 16, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "layout %q", s)
		}
		l := Layout(v)
		if !l.Valid() {
			return 0, errors.Errorf("layout %q: invalid shifts", s)
		}
		return l, nil
	}
	if l, ok := layoutAliases[name]; ok {
		return l, nil
	}
	if i := strings.Index(name, "_STRIP_"); i >= 0 {
		name = name[i+len("_STRIP_"):]
	}
	for l, n := range layoutNames {
		if n == name {
			return l, nil
		}
	}
	return 0, errors.Errorf("unknown strip layout %q", s)
}
