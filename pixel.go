package ws2805

import "image/color"

// Bit offsets of each component in the packed form of a Pixel.
const (
	WarmWhiteOffset uint8 = 0x20
	WhiteOffset     uint8 = 0x18
	RedOffset       uint8 = 0x10
	GreenOffset     uint8 = 0x08
	BlueOffset      uint8 = 0x00
)

// Pixel is the color of one LED. W is the white channel of RGBW strips and
// the cold white of WS2805 strips; WW is the WS2805 warm white.
type Pixel struct {
	R, G, B, W, WW uint8
}

// Uint64 packs p as WW<<32 | W<<24 | R<<16 | G<<8 | B.
func (p Pixel) Uint64() uint64 {
	return uint64(p.WW)<<WarmWhiteOffset |
		uint64(p.W)<<WhiteOffset |
		uint64(p.R)<<RedOffset |
		uint64(p.G)<<GreenOffset |
		uint64(p.B)<<BlueOffset
}

func component(v uint64, off uint8) uint8 {
	return uint8(v >> off)
}

// PixelFromUint64 unpacks a value built by Pixel.Uint64.
func PixelFromUint64(v uint64) Pixel {
	return Pixel{
		R:  component(v, RedOffset),
		G:  component(v, GreenOffset),
		B:  component(v, BlueOffset),
		W:  component(v, WhiteOffset),
		WW: component(v, WarmWhiteOffset),
	}
}

// RGB returns an opaque color with no white component.
func RGB(r, g, b uint8) Pixel {
	return Pixel{R: r, G: g, B: b}
}

// RGBA implements color.Color. The white channels are not represented.
func (p Pixel) RGBA() (r, g, b, a uint32) {
	r = uint32(p.R)
	r |= r << 8
	g = uint32(p.G)
	g |= g << 8
	b = uint32(p.B)
	b |= b << 8
	return r, g, b, 0xFFFF
}

// PixelModel converts any color to a Pixel, dropping alpha by
// premultiplication.
var PixelModel = color.ModelFunc(func(c color.Color) color.Color {
	return PixelFromColor(c)
})

// PixelFromColor converts c. Pixels are returned unchanged.
func PixelFromColor(c color.Color) Pixel {
	if p, ok := c.(Pixel); ok {
		return p
	}
	r, g, b, _ := c.RGBA()
	return Pixel{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8)}
}
