// Package config loads strip setups from YAML or TOML files.
package config

import (
	"encoding"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	ws2805 "github.com/coreman2200/rpi-ws2805"
	"github.com/coreman2200/rpi-ws2805/internal/pattern"
)

// Backends accepted in Config.Backend.
const (
	BackendDMA    = "dma"
	BackendNRZLED = "nrzled"
)

// Duration is a time.Duration written as "50ms" in config files.
type Duration time.Duration

var (
	_ encoding.TextUnmarshaler = (*Duration)(nil)
	_ encoding.TextMarshaler   = Duration(0)
)

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type ChannelConfig struct {
	GPIO       int     `yaml:"gpio" toml:"gpio"`
	Invert     bool    `yaml:"invert,omitempty" toml:"invert"`
	Count      int     `yaml:"count" toml:"count"`
	Strip      string  `yaml:"strip" toml:"strip"` // e.g. GRB, SK6812W, WS2805
	Brightness int     `yaml:"brightness" toml:"brightness"`
	Gamma      float64 `yaml:"gamma,omitempty" toml:"gamma"` // 0 keeps output linear
}

type Preview struct {
	Addr     string   `yaml:"addr,omitempty" toml:"addr"` // e.g. :8080, empty disables
	Throttle Duration `yaml:"throttle" toml:"throttle"`
}

type Config struct {
	FreqHz   int    `yaml:"freq_hz" toml:"freq_hz"`
	DMA      int    `yaml:"dma" toml:"dma"`
	Simulate bool   `yaml:"simulate,omitempty" toml:"simulate"`
	Backend  string `yaml:"backend" toml:"backend"` // "dma" | "nrzled"
	SPIDev   string `yaml:"spi_dev,omitempty" toml:"spi_dev"`
	FPS      int    `yaml:"fps" toml:"fps"`
	Pattern  string `yaml:"pattern" toml:"pattern"`

	Channels []ChannelConfig `yaml:"channels" toml:"channel"`
	Preview  Preview         `yaml:"preview" toml:"preview"`
}

// Default returns a single WS2812 strip of 16 LEDs on GPIO 18.
func Default() *Config {
	return &Config{
		FreqHz:  int(ws2805.DefaultFreq / physic.Hertz),
		DMA:     ws2805.DefaultDMA,
		Backend: BackendDMA,
		FPS:     30,
		Pattern: string(pattern.Rainbow),
		Channels: []ChannelConfig{
			{GPIO: 18, Count: 16, Strip: "GRB", Brightness: 64},
		},
		Preview: Preview{Throttle: Duration(50 * time.Millisecond)},
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads path and fills unset values from Default. Files ending in .toml
// are TOML, anything else YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if isTOML(path) {
		err = toml.Unmarshal(b, c)
	} else {
		err = yaml.Unmarshal(b, c)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	c.applyDefaults()
	return c, nil
}

// applyDefaults fills every unset scalar from Default. Channels are left as
// written.
func (c *Config) applyDefaults() {
	def := Default()
	if c.FreqHz == 0 {
		c.FreqHz = def.FreqHz
	}
	if c.DMA == 0 {
		c.DMA = def.DMA
	}
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.FPS == 0 {
		c.FPS = def.FPS
	}
	if c.Pattern == "" {
		c.Pattern = def.Pattern
	}
	if c.Preview.Throttle == 0 {
		c.Preview.Throttle = def.Preview.Throttle
	}
}

func Save(path string, c *Config) error {
	var (
		b   []byte
		err error
	)
	if isTOML(path) {
		b, err = toml.Marshal(c)
	} else {
		b, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Validate checks c without touching hardware.
func (c *Config) Validate() error {
	if c.FreqHz != 0 && physic.Frequency(c.FreqHz)*physic.Hertz < ws2805.MinFreq {
		return errors.Errorf("freq_hz %d below %s", c.FreqHz, ws2805.MinFreq)
	}
	if c.DMA < 0 || c.DMA > 15 {
		return errors.Errorf("dma %d out of range", c.DMA)
	}
	if c.FPS <= 0 {
		return errors.Errorf("fps must be positive, got %d", c.FPS)
	}
	switch c.Backend {
	case "", BackendDMA, BackendNRZLED:
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := pattern.ParseKind(c.Pattern); err != nil {
		return err
	}
	if len(c.Channels) == 0 || len(c.Channels) > 2 {
		return errors.Errorf("%d channels configured, want 1 or 2", len(c.Channels))
	}
	for i, ch := range c.Channels {
		if ch.Count < 0 || ch.Count > ws2805.MaxLeds {
			return errors.Errorf("channel %d: count %d out of range", i, ch.Count)
		}
		if ch.Brightness < 0 || ch.Brightness > 255 {
			return errors.Errorf("channel %d: brightness %d out of range", i, ch.Brightness)
		}
		if ch.Gamma < 0 {
			return errors.Errorf("channel %d: negative gamma", i)
		}
		if _, err := ws2805.ParseLayout(ch.Strip); err != nil {
			return errors.Wrapf(err, "channel %d", i)
		}
	}
	if c.Preview.Throttle < 0 {
		return errors.New("preview throttle is negative")
	}
	return nil
}

// Device validates c and returns an uninitialized Device for it.
func (c *Config) Device() (*ws2805.Device, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := ws2805.New()
	if c.FreqHz != 0 {
		d.Freq = physic.Frequency(c.FreqHz) * physic.Hertz
	}
	if c.DMA != 0 {
		d.DMANum = c.DMA
	}
	d.Simulate = c.Simulate
	d.SPIDev = c.SPIDev

	channels := deepcopy.Copy(c.Channels).([]ChannelConfig)
	for i, ch := range channels {
		l, _ := ws2805.ParseLayout(ch.Strip)
		d.Channels[i] = ws2805.Channel{
			GPIO:       ch.GPIO,
			Invert:     ch.Invert,
			Count:      ch.Count,
			Layout:     l,
			Brightness: uint8(ch.Brightness),
		}
		if ch.Gamma > 0 {
			d.Channels[i].SetGammaFactor(ch.Gamma)
		}
	}
	return d, nil
}
