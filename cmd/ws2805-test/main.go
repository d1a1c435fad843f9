// Command ws2805-test lights a strip with test patterns and reports driver
// failures with likely causes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"periph.io/x/host/v3"

	ws2805 "github.com/coreman2200/rpi-ws2805"
	"github.com/coreman2200/rpi-ws2805/config"
	diag "github.com/coreman2200/rpi-ws2805/internal/diagnostics"
	"github.com/coreman2200/rpi-ws2805/internal/pattern"
	"github.com/coreman2200/rpi-ws2805/internal/preview"
)

var (
	configPath  = ""
	gpio        = 18
	count       = 16
	strip       = "GRB"
	brightness  = 64
	gammaFactor = 0.0
	freq        = 800000
	dmaNum      = ws2805.DefaultDMA
	fps         = 30
	patternName = string(pattern.Rainbow)
	simulate    = false
	backend     = config.BackendDMA
	previewAddr = ""
	frames      = 0
	listCodes   = false
	verbose     = false
)

func init() {
	pflag.StringVarP(&configPath, "config", "c", configPath, "YAML or TOML configuration file")
	pflag.IntVar(&gpio, "gpio", gpio, "data pin (BCM number) of channel 0")
	pflag.IntVar(&count, "count", count, "LEDs on channel 0")
	pflag.StringVar(&strip, "strip", strip, "strip type or color order (GRB, SK6812W, WS2805, ...)")
	pflag.IntVar(&brightness, "brightness", brightness, "brightness 0..255")
	pflag.Float64Var(&gammaFactor, "gamma", gammaFactor, "gamma factor, 0 for linear output")
	pflag.IntVar(&freq, "freq", freq, "LED bit rate in Hz")
	pflag.IntVar(&dmaNum, "dma", dmaNum, "DMA engine")
	pflag.IntVar(&fps, "fps", fps, "frames per second")
	pflag.StringVar(&patternName, "pattern", patternName, "index_sweep | rgb_channels | rainbow | solid | off")
	pflag.BoolVar(&simulate, "sim", simulate, "run against simulated registers")
	pflag.StringVar(&backend, "backend", backend, "dma | nrzled")
	pflag.StringVar(&previewAddr, "preview-addr", previewAddr, "serve the websocket frame monitor on this address")
	pflag.IntVar(&frames, "frames", frames, "stop after this many frames, 0 runs until interrupted")
	pflag.BoolVar(&listCodes, "list-codes", listCodes, "print every return code with its diagnostic and exit")
	pflag.BoolVarP(&verbose, "verbose", "v", verbose, "debug logging")
}

func main() {
	pflag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if listCodes {
		for _, d := range diag.Catalog() {
			fmt.Printf("%4d  %-22s %s\n", d.Value, d.Code, d.Summary)
			for _, f := range d.SuggestedFixes {
				fmt.Printf("      - %s\n", f)
			}
		}
		return
	}

	if err := run(); err != nil {
		log.Error().Err(err).Int("code", int(ws2805.CodeOf(err))).Msg("ws2805-test failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file when given and applies the flags that were
// set explicitly on top of it.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	set := pflag.CommandLine.Changed
	if len(cfg.Channels) == 0 {
		cfg.Channels = config.Default().Channels
	}
	ch := &cfg.Channels[0]
	if set("gpio") || configPath == "" {
		ch.GPIO = gpio
	}
	if set("count") || configPath == "" {
		ch.Count = count
	}
	if set("strip") || configPath == "" {
		ch.Strip = strip
	}
	if set("brightness") || configPath == "" {
		ch.Brightness = brightness
	}
	if set("gamma") || configPath == "" {
		ch.Gamma = gammaFactor
	}
	if set("freq") || configPath == "" {
		cfg.FreqHz = freq
	}
	if set("dma") || configPath == "" {
		cfg.DMA = dmaNum
	}
	if set("fps") || configPath == "" {
		cfg.FPS = fps
	}
	if set("pattern") || configPath == "" {
		cfg.Pattern = patternName
	}
	if set("backend") || configPath == "" {
		cfg.Backend = backend
	}
	if set("preview-addr") || configPath == "" {
		cfg.Preview.Addr = previewAddr
	}
	if simulate {
		cfg.Simulate = true
	}
	return cfg, cfg.Validate()
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !cfg.Simulate {
		if _, err := host.Init(); err != nil {
			return errors.Wrap(err, "periph host init")
		}
	}

	dev, err := cfg.Device()
	if err != nil {
		return err
	}
	drv, err := openDriver(cfg, dev)
	if err != nil {
		log.Error().
			Object("diagnostic", diag.FromError(err, map[string]any{"gpio": dev.Channels[0].GPIO, "dma": dev.DMANum})).
			Msg("init failed")
		return err
	}
	defer func() {
		if err := drv.Close(); err != nil {
			log.Warn().Err(err).Msg("close driver")
		}
	}()

	var hub *preview.Hub
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Preview.Addr != "" {
		hub = preview.New(log.Logger, topology(cfg), time.Duration(cfg.Preview.Throttle))
		g.Go(func() error { return hub.Run(ctx, cfg.Preview.Addr) })
	}
	g.Go(func() error {
		defer cancel()
		return loop(ctx, cfg, drv, hub)
	})
	return g.Wait()
}

func openDriver(cfg *config.Config, dev *ws2805.Device) (Driver, error) {
	switch cfg.Backend {
	case config.BackendNRZLED:
		return newNRZLEDDriver(dev, nil)
	default:
		return newDMADriver(dev, log.Logger)
	}
}

func topology(cfg *config.Config) preview.Topology {
	top := preview.Topology{Backend: cfg.Backend, FPS: cfg.FPS}
	for _, ch := range cfg.Channels {
		top.Channels = append(top.Channels, preview.ChannelInfo{GPIO: ch.GPIO, Count: ch.Count, Layout: ch.Strip})
	}
	return top
}

// loop renders the configured pattern at cfg.FPS until ctx is done or the
// frame limit is reached.
func loop(ctx context.Context, cfg *config.Config, drv Driver, hub *preview.Hub) error {
	kind, _ := pattern.ParseKind(cfg.Pattern)
	leds := drv.Leds()
	layouts := drv.Layouts()
	runners := make([]*pattern.Runner, len(leds))
	for i := range runners {
		white := layouts[i].HasWhite()
		runners[i] = pattern.NewRunner(pattern.Plan{Kind: kind, Color: ws2805.RGB(255, 255, 255), White: white})
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.FPS))
	defer ticker.Stop()
	log.Info().Str("pattern", cfg.Pattern).Int("fps", cfg.FPS).Str("backend", cfg.Backend).Msg("rendering")

	for n := 1; ; n++ {
		for i, r := range runners {
			if !r.Step(leds[i]) {
				r.Reset()
				r.Step(leds[i])
			}
		}
		if err := drv.Show(); err != nil {
			if hub != nil {
				hub.PushDiag(diag.FromError(err, nil))
			}
			return err
		}
		if hub != nil {
			hub.Publish(leds, drv.Stats())
		}
		if n%(cfg.FPS*10) == 0 {
			st := drv.Stats()
			log.Debug().
				Uint64("frames", st.Frames).
				Dur("encode", st.LastEncode).
				Dur("avg_interval", st.AvgInterval).
				Msg("stats")
		}
		if frames > 0 && n >= frames {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
