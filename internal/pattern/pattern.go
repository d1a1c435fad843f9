// Package pattern generates frames for checking strip wiring and color order.
package pattern

import (
	"github.com/pkg/errors"

	ws2805 "github.com/coreman2200/rpi-ws2805"
)

type Kind string

const (
	IndexSweep Kind = "index_sweep"
	RGBCycle   Kind = "rgb_channels"
	Rainbow    Kind = "rainbow"
	Solid      Kind = "solid"
	Off        Kind = "off"
)

// Kinds lists every pattern.
func Kinds() []Kind {
	return []Kind{IndexSweep, RGBCycle, Rainbow, Solid, Off}
}

// ParseKind validates a pattern name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.Errorf("unknown pattern %q", s)
}

type Plan struct {
	Kind Kind
	// Color is used by Solid.
	Color ws2805.Pixel
	// White lights the white components too, for RGBW and RGBCW strips.
	White bool
}

// Runner produces the frames of one plan.
type Runner struct {
	plan Plan
	step int
}

func NewRunner(plan Plan) *Runner { return &Runner{plan: plan} }

func (r *Runner) Kind() Kind { return r.plan.Kind }

// Reset starts the plan over.
func (r *Runner) Reset() { r.step = 0 }

// Step fills leds with the next frame; it returns false when the plan is
// complete and leds were left dark.
func (r *Runner) Step(leds []ws2805.Pixel) bool {
	for i := range leds {
		leds[i] = ws2805.Pixel{}
	}
	n := len(leds)

	switch r.plan.Kind {
	case IndexSweep:
		if r.step >= n {
			return false
		}
		leds[r.step] = ws2805.RGB(255, 255, 255)
	case RGBCycle:
		phases := 3
		if r.plan.White {
			phases = 5
		}
		var p ws2805.Pixel
		switch r.step % phases {
		case 0:
			p.R = 255
		case 1:
			p.G = 255
		case 2:
			p.B = 255
		case 3:
			p.W = 255
		case 4:
			p.WW = 255
		}
		for i := range leds {
			leds[i] = p
		}
	case Rainbow:
		for i := range leds {
			leds[i] = Wheel(uint8((i*256/max(n, 1) + r.step) & 0xFF))
		}
	case Solid:
		for i := range leds {
			leds[i] = r.plan.Color
		}
	case Off:
	default:
		return false
	}
	r.step++
	return true
}

// Wheel maps 0..255 around the hue circle: red, green, blue and back.
func Wheel(pos uint8) ws2805.Pixel {
	switch {
	case pos < 85:
		return ws2805.RGB(255-pos*3, pos*3, 0)
	case pos < 170:
		pos -= 85
		return ws2805.RGB(0, 255-pos*3, pos*3)
	default:
		pos -= 170
		return ws2805.RGB(pos*3, 0, 255-pos*3)
	}
}
