package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cjeanneret/sortcam/internal/config"
	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/hw/rig"
	"github.com/cjeanneret/sortcam/internal/logic/bayer"
	"github.com/cjeanneret/sortcam/internal/logic/capture"
	"github.com/cjeanneret/sortcam/internal/logic/framepool"
	"github.com/cjeanneret/sortcam/internal/logic/pump"
	"github.com/cjeanneret/sortcam/internal/store/record"
	"github.com/cjeanneret/sortcam/internal/web"
)

// Exit codes.
const (
	exitOK    = 0
	exitUsage = 1
	exitIO    = 2
	exitFatal = 3
	exitInit  = 4
)

const (
	previewQuality  = 80
	previewInterval = 200 * time.Millisecond
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// options are the parsed command line flags.
type options struct {
	demosaic   bool
	exposureUs int
	help       bool
	configPath string
	input      string
	full       bool
	pattern    string
	web        webPortFlag
	record     string
}

// parseFlags parses args. -h prints the usage and parsing goes on.
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{web: webPortFlag{defaultPort: 8080}}
	fset := flag.NewFlagSet("sortcam", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.BoolVar(&opts.demosaic, "d", false, "demosaic frames to RGB (fast strategy unless -full)")
	fset.IntVar(&opts.exposureUs, "s", 0, "exposure in microseconds, forwarded to the sensor (0 = config)")
	fset.BoolVar(&opts.help, "h", false, "print usage")
	fset.StringVar(&opts.configPath, "config", config.DefaultPath, "path to config file")
	fset.StringVar(&opts.input, "input", "", "read raw frames from a file, or - for stdin, instead of the sensor")
	fset.BoolVar(&opts.full, "full", false, "full resolution bilinear demosaicing")
	fset.StringVar(&opts.pattern, "pattern", "", "override the CFA pattern (BGGR, RGGB, GBRG, GRBG)")
	fset.Var(&opts.web, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	fset.StringVar(&opts.record, "record", "", "record demosaiced frames to an MJPEG AVI file")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if fset.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fset.Arg(0))
	}
	if opts.help {
		fset.Usage()
	}
	if opts.exposureUs < 0 {
		return nil, fmt.Errorf("-s must be positive, got %d", opts.exposureUs)
	}
	return opts, nil
}

// loadConfig reads the config file. A missing default file falls back
// to the built-in configuration.
func loadConfig(path string) (*config.Config, error) {
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		return config.Default(), nil
	}
	return cfg, err
}

// applyOverrides mutates cfg with the command line flags.
func applyOverrides(cfg *config.Config, opts *options) error {
	if opts.pattern != "" {
		p, err := bayer.ParsePattern(opts.pattern)
		if err != nil {
			return err
		}
		cfg.Sensor.Pattern = p.String()
	}
	if opts.exposureUs > 0 {
		cfg.Capture.ExposureUs = opts.exposureUs
	}
	if opts.demosaic {
		cfg.Pipeline.Demosaic = true
	}
	if opts.full {
		cfg.Pipeline.Strategy = bayer.Bilinear.String()
	}
	return nil
}

// exitCode maps a pump outcome to the process exit status.
func exitCode(o pump.Outcome) int {
	switch o {
	case pump.OutcomeDone, pump.OutcomeCanceled:
		return exitOK
	case pump.OutcomeIOError:
		return exitIO
	default:
		return exitFatal
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "sortcam: %v\n", err)
		}
		return exitUsage
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "sortcam: load config: %v\n", err)
		return exitInit
	}
	if err := applyOverrides(cfg, opts); err != nil {
		fmt.Fprintf(stderr, "sortcam: %v\n", err)
		return exitUsage
	}

	debug.Init(cfg.Defaults.DebugLevel)
	defer debug.Sync()
	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.PrintStruct("Sensor", cfg.Sensor)
	debug.PrintStruct("Pipeline", cfg.Pipeline)

	// Pipeline setup
	pcfg := pump.Config{
		Width:    cfg.Sensor.Width,
		Height:   cfg.Sensor.Height,
		Pattern:  cfg.CFAPattern(),
		Strategy: cfg.Strategy(),
		Demosaic: cfg.Pipeline.Demosaic,
	}
	pool, err := framepool.New(pcfg.FrameSize())
	if err != nil {
		fmt.Fprintf(stderr, "sortcam: %v\n", err)
		return exitInit
	}

	var (
		src pump.Source
		hw  *pump.HardwareSource
	)
	if opts.input != "" {
		r, err := openInput(opts.input, stdin)
		if err != nil {
			fmt.Fprintf(stderr, "sortcam: %v\n", err)
			return exitInit
		}
		src = pump.NewStreamSource(r, pool)
	} else {
		rg, err := rig.Open(ctx, cfg)
		if err != nil {
			fmt.Fprintf(stderr, "sortcam: %v\n", err)
			return exitInit
		}
		defer rg.Close()
		hw, err = pump.NewHardwareSource(rg.Sensor, pool, capture.RetryPolicy{
			Backoff:     cfg.TriggerBackoff(),
			MaxAttempts: cfg.Retry.MaxAttempts,
		})
		if err != nil {
			fmt.Fprintf(stderr, "sortcam: %v\n", err)
			return exitInit
		}
		src = hw
	}
	defer src.Close()

	var taps []pump.Tap
	var preview *web.Preview
	if opts.web.port() > 0 {
		preview = web.NewPreview(previewQuality, previewInterval)
		taps = append(taps, preview.Tap)
	}
	if opts.record != "" {
		if !pcfg.Demosaic {
			debug.Warn("-record needs demosaicing, nothing will be recorded")
		} else {
			w, h := bayer.OutputSize(pcfg.Width, pcfg.Height, pcfg.Strategy)
			rec, err := record.Create(opts.record, w, h, record.DefaultFPS, record.DefaultQuality)
			if err != nil {
				fmt.Fprintf(stderr, "sortcam: %v\n", err)
				return exitInit
			}
			defer rec.Close()
			taps = append(taps, rec.Tap)
		}
	}

	p, err := pump.New(pcfg, taps...)
	if err != nil {
		fmt.Fprintf(stderr, "sortcam: %v\n", err)
		return exitInit
	}

	if port := opts.web.port(); port > 0 {
		webCtx, stopWeb := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer wg.Wait()
		defer stopWeb()

		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stderr, web.BroadcastWriter(broadcaster)))
		defer debug.SetOutput(os.Stderr)

		handlers := web.NewHandlers(broadcaster, preview, snapshotFunc(p, hw))
		srv := web.NewServer(fmt.Sprintf(":%d", port), handlers)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(webCtx); err != nil {
				debug.Warn("web server: %v", err)
			}
		}()
	}

	outcome, err := p.Run(ctx, src, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "sortcam: %s: %v\n", outcome, err)
	}
	debug.Info("Exit: %s", outcome)
	return exitCode(outcome)
}

// openInput opens the raw frame stream; "-" is stdin.
func openInput(path string, stdin io.Reader) (io.Reader, error) {
	if path == "-" {
		return stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// snapshotFunc reports pump counters, plus trigger counters when the
// hardware source is in use.
func snapshotFunc(p *pump.Pump, hw *pump.HardwareSource) web.StatsFunc {
	return func() web.Snapshot {
		s := web.Snapshot{Pump: p.Stats()}
		if hw != nil {
			ts := hw.Trigger().Stats()
			s.Trigger = &ts
			s.TriggerState = hw.Trigger().State()
		}
		return s
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
