// Package encode turns pixel values into the NRZ symbol stream the serial
// peripherals shift out.
//
// Every data bit becomes three symbol bits, 110 for a one and 100 for a zero,
// so the symbol clock runs at three times the LED bit rate. Bits are sent most
// significant first.
package encode

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/coreman2200/rpi-ws2805/gamma"
)

// Format is the word layout the peripheral expects.
type Format int

const (
	// PWM uses 32 bit words alternating between channel 0 and 1.
	PWM Format = iota
	// PCM uses 32 bit words for a single channel.
	PCM
	// SPI uses bytes for a single channel.
	SPI
)

func (f Format) String() string {
	switch f {
	case PWM:
		return "pwm"
	case PCM:
		return "pcm"
	case SPI:
		return "spi"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

func (f Format) wordBits() int {
	if f == SPI {
		return 8
	}
	return 32
}

const (
	// SymbolBits is the number of symbol bits per data bit.
	SymbolBits = 3
	// ResetTime is the low time appended to every frame so the strip latches.
	ResetTime = 55 * time.Microsecond

	symbolOne  = 0x6 // 110
	symbolZero = 0x4 // 100
	symbolMask = 0xFFFFFF
)

// ErrShort is returned when the destination cannot hold the frame.
var ErrShort = errors.New("encode: buffer too small")

// symbols maps a data byte to its 24 symbol bits.
var symbols [256]uint32

func init() {
	for v := 0; v < 256; v++ {
		out := uint32(0)
		for i := 7; i >= 0; i-- {
			if (v>>uint(i))&1 == 1 {
				out = out<<SymbolBits | symbolOne
			} else {
				out = out<<SymbolBits | symbolZero
			}
		}
		symbols[v] = out
	}
}

// Symbols returns the 24 symbol bits for data byte v.
func Symbols(v byte) uint32 {
	return symbols[v]
}

// Source is one channel's input to the encoder.
type Source struct {
	// Pixels are packed as WW<<32 | W<<24 | R<<16 | G<<8 | B.
	Pixels []uint64
	// Slots holds, for each wire slot in transmit order, the bit shift of the
	// packed component sent in it.
	Slots      []uint8
	Brightness uint8
	Gamma      *gamma.Table
	// Invert flips every symbol bit. Only honoured for PCM and SPI; PWM
	// inverts in the peripheral.
	Invert bool
}

// Components writes the wire bytes of one pixel into dst, in transmit order,
// after brightness scaling and gamma correction. It returns dst[:len(Slots)].
func Components(dst []byte, packed uint64, src *Source) []byte {
	dst = dst[:len(src.Slots)]
	for i, sh := range src.Slots {
		dst[i] = src.Gamma.Apply(Scale(byte(packed>>sh), src.Brightness))
	}
	return dst
}

// Scale returns v*brightness/255 rounded to nearest. Brightness 255 leaves v
// unchanged.
func Scale(v, brightness byte) byte {
	return byte((uint(v)*uint(brightness) + 127) / 255)
}

// Size returns the buffer size in bytes for a frame of count pixels of the
// given number of components, including the reset tail. For PWM, count and
// components describe the larger of the two channels and the size covers
// both.
func Size(f Format, count, components int, freqHz uint32) int {
	bits := count*components*8*SymbolBits + resetBits(freqHz)
	n := ((bits >> 3) &^ 7) + 8
	if f == PWM {
		n *= 2
	}
	return n
}

func resetBits(freqHz uint32) int {
	return int(uint64(ResetTime/time.Microsecond) * uint64(freqHz) * SymbolBits / 1000000)
}

// ProtocolTime is the time needed to shift out count pixels at freqHz.
func ProtocolTime(count, components int, freqHz uint32) time.Duration {
	if freqHz == 0 {
		return 0
	}
	bits := uint64(count) * uint64(components) * 8
	return time.Duration(bits * uint64(time.Second) / uint64(freqHz))
}

// stream writes symbol bits into consecutive words of one channel.
type stream struct {
	dst  []byte
	bits int
	word int
	bit  int
	step int
}

func newStream(dst []byte, f Format, channel int) *stream {
	s := &stream{dst: dst, bits: f.wordBits(), word: 0, step: 1}
	if f == PWM {
		s.word, s.step = channel, 2
	}
	s.bit = s.bits - 1
	return s
}

// room reports whether n more symbol bits fit.
func (s *stream) room(n int) bool {
	used := s.bits - 1 - s.bit
	words := (used + n + s.bits - 1) / s.bits
	last := s.word + (words-1)*s.step
	return (last+1)*s.bits/8 <= len(s.dst)
}

func (s *stream) put(sym uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		if (sym>>uint(i))&1 != 0 {
			if s.bits == 8 {
				s.dst[s.word] |= 1 << uint(s.bit)
			} else {
				// 32 bit words are little endian in memory.
				s.dst[s.word*4+s.bit/8] |= 1 << uint(s.bit%8)
			}
		}
		s.bit--
		if s.bit < 0 {
			s.bit = s.bits - 1
			s.word += s.step
		}
	}
}

// Encode clears dst and writes every pixel of the sources, in ascending index
// order. Only PWM accepts a second source.
func Encode(dst []byte, f Format, sources [2]*Source) error {
	for i := range dst {
		dst[i] = 0
	}
	if f != PWM && sources[1] != nil {
		return errors.Errorf("encode: %s drives a single channel", f)
	}
	var wire [8]byte
	for ch, src := range sources {
		if src == nil {
			continue
		}
		s := newStream(dst, f, ch)
		if !s.room(len(src.Pixels) * len(src.Slots) * 8 * SymbolBits) {
			return errors.Wrapf(ErrShort, "%s channel %d: %d pixels in %d bytes", f, ch, len(src.Pixels), len(dst))
		}
		invert := src.Invert && f != PWM
		for _, px := range src.Pixels {
			for _, v := range Components(wire[:], px, src) {
				sym := symbols[v]
				if invert {
					sym = ^sym & symbolMask
				}
				s.put(sym, 8*SymbolBits)
			}
		}
	}
	return nil
}
