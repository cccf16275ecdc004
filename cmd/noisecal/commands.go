package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/noisecal/calib"
	"github.jpl.nasa.gov/bdube/noisecal/camera"
	"github.jpl.nasa.gov/bdube/noisecal/dataset"
	"github.jpl.nasa.gov/bdube/noisecal/frame"
	"github.jpl.nasa.gov/bdube/noisecal/gain"
	"github.jpl.nasa.gov/bdube/noisecal/imgrec"
	"github.jpl.nasa.gov/bdube/noisecal/server"
	"github.jpl.nasa.gov/bdube/noisecal/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/noisecal/usbcam"
)

// spinner wraps a yacspin.Spinner that may be disabled
type spinner struct {
	s *yacspin.Spinner
}

func newSpinner(c Config, msg string) spinner {
	if !c.Spinner {
		return spinner{}
	}
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            os.Stderr,
	})
	if err != nil {
		return spinner{}
	}
	if err := s.Start(); err != nil {
		return spinner{}
	}
	return spinner{s}
}

func (s spinner) progress(what string) func(done, total int) {
	return func(done, total int) {
		if s.s != nil {
			s.s.Message(fmt.Sprintf("%s %d/%d", what, done, total))
		}
	}
}

func (s spinner) stop(err error) {
	if s.s == nil {
		return
	}
	if err != nil {
		s.s.StopFail()
		return
	}
	s.s.Stop()
}

// signalContext is cancelled on interrupt
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func options(c Config, tbl gain.Table, log zerolog.Logger) calib.Options {
	return calib.Options{
		Region:  c.Region,
		Gain:    tbl,
		Workers: c.Workers,
		Log:     log,
	}
}

// reduce discovers a dataset and reduces all of its groups
func reduce(ctx context.Context, c Config, root string, tbl gain.Table, log zerolog.Logger) ([]calib.GroupStats, error) {
	groups, err := dataset.Discover(root, c.ISOs)
	if err != nil {
		return nil, err
	}
	log.Info().Str("root", root).Int("groups", len(groups)).Msg("dataset discovered")
	sp := newSpinner(c, "reducing "+root)
	opts := options(c, tbl, log)
	opts.Progress = sp.progress("reducing " + root)
	stats := calib.ReduceAll(ctx, groups, opts)
	sp.stop(ctx.Err())
	return stats, ctx.Err()
}

func printSeries(series []calib.Series) {
	for _, s := range series {
		fmt.Printf("ISO %d (%s)\n", s.ISO, s.Units)
		if s.Fit == nil {
			fmt.Printf("no fit: %s\n\n", s.Error)
			continue
		}
		fmt.Println(s.Fit.String())
		fmt.Println()
	}
}

func gainCalibration(ctx context.Context, c Config, log zerolog.Logger) ([]calib.GroupStats, calib.GainReport, error) {
	log = log.With().Str("component", "gain").Logger()
	stats, err := reduce(ctx, c, c.Flats, nil, log)
	if err != nil {
		return stats, calib.GainReport{}, err
	}
	return stats, calib.Gain(stats, log), nil
}

func noiseCalibration(ctx context.Context, c Config, log zerolog.Logger) ([]calib.GroupStats, calib.NoiseReport, error) {
	log = log.With().Str("component", "noise").Logger()
	tbl, err := gain.Load(c.GainFile)
	if err != nil {
		return nil, calib.NoiseReport{}, err
	}
	if len(tbl) == 0 {
		log.Warn().Str("file", c.GainFile).Msg("no gain table, results are in ADU")
	}
	stats, err := reduce(ctx, c, c.Darks, tbl, log)
	if err != nil {
		return stats, calib.NoiseReport{}, err
	}
	return stats, calib.DarkNoise(stats, c.MinDarkPoints, log), nil
}

func runGain(c Config, log zerolog.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()
	_, rep, err := gainCalibration(ctx, c, log)
	if err != nil {
		return err
	}
	printSeries(rep.Series)
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ISO\tgain [ADU/e-]\t+/-\te-/ADU")
	for _, iso := range rep.Table.ISOs() {
		e := rep.Table[iso]
		fmt.Fprintf(tw, "%d\t%.5g\t%.2g\t%.5g\n", iso, e.Gain, e.Err, 1/e.Gain)
	}
	tw.Flush()
	if err := rep.Table.Save(c.GainFile); err != nil {
		return err
	}
	log.Info().Str("file", c.GainFile).Msg("gain table saved")
	return nil
}

func runNoise(c Config, log zerolog.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()
	_, rep, err := noiseCalibration(ctx, c, log)
	if err != nil {
		return err
	}
	printSeries(rep.Series)
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ISO\tunits\tread noise\tdark current [/s]")
	for _, s := range rep.Series {
		if s.Fit == nil {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4g\t%.4g\n", s.ISO, s.Units, math.Sqrt(s.Fit.Intercept), s.Fit.Slope)
	}
	tw.Flush()
	return nil
}

func runBias(c Config, log zerolog.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()
	log = log.With().Str("component", "bias").Logger()
	groups, err := dataset.Discover(c.Bias, c.ISOs)
	if err != nil {
		return err
	}
	sp := newSpinner(c, "investigating "+c.Bias)
	opts := options(c, nil, log)
	opts.Progress = sp.progress("investigating " + c.Bias)
	maps := imgrec.MapWriter{Root: c.MapDir, Gzip: c.GzipMaps}
	reps := calib.Bias(ctx, "bias", groups, opts, maps)
	sp.stop(ctx.Err())

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ISO\texposure\tframes\tmean\tmean p1\tmean p99\tstd\tstd p99.9\tmedian std")
	for _, r := range reps {
		if r.Err != nil {
			fmt.Fprintf(tw, "%d\t%g\t%d\t%s\n", r.ISO, r.Exposure, r.Frames, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%d\t%g\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n", r.ISO, r.Exposure, r.Frames,
			r.Mean.Mean, r.Mean.P1, r.Mean.P99, r.Std.Mean, r.Std.P99p9, float64(r.MedianStd))
	}
	tw.Flush()
	return ctx.Err()
}

func mock(c Config, kind string) *camera.Mock {
	cc := c.Acquire.Camera
	m := camera.NewMock(cc.Seed)
	m.Gain = cc.Gain
	m.ReadNoise = cc.ReadNoise
	m.Offset = cc.Offset
	m.DarkCurrent = cc.DarkCurrent
	m.FullScale = cc.FullScale
	m.Height, m.Width = cc.Height, cc.Width
	m.FailEvery = cc.FailEvery
	if kind == "flat" {
		m.Flux = cc.Flux
	}
	return m
}

func runAcquire(c Config, kind string, log zerolog.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()
	log = log.With().Str("component", "acquire").Logger()
	roots := map[string]string{"flat": c.Flats, "dark": c.Darks, "bias": c.Bias}
	root, ok := roots[kind]
	if !ok {
		return fmt.Errorf("unknown acquisition %q, use flat, dark, or bias", kind)
	}
	rec := &imgrec.Recorder{Root: root, Gzip: c.Acquire.Gzip}
	opts := camera.AcquireOptions{
		Interval:     time.Duration(c.Acquire.IntervalSec * float64(time.Second)),
		RetryTimeout: time.Duration(c.Acquire.RetrySec * float64(time.Second)),
		Region:       c.Region,
		Log:          log,
	}
	return camera.WithCamera(mock(c, kind), func(cam camera.Camera) error {
		isos, err := cam.ISOs()
		if err != nil {
			return err
		}
		shutters, err := cam.ShutterSpeeds()
		if err != nil {
			return err
		}
		var plan camera.Plan
		switch kind {
		case "flat":
			plan, err = camera.FlatPlan(isos, shutters, c.Acquire.SkipFastest)
		case "dark":
			plan, err = camera.DarkPlan(isos, shutters)
		default:
			plan, err = camera.BiasPlan(isos, shutters)
		}
		if err != nil {
			return err
		}
		if len(c.ISOs) > 0 {
			plan.Steps = onlyISOs(plan.Steps, c.ISOs)
		}
		sp := newSpinner(c, "acquiring "+kind)
		steps, err := camera.Acquire(ctx, cam, plan, c.Acquire.Frames, progressSink{rec, sp, c.Acquire.Frames}, opts)
		sp.stop(err)
		frames := 0
		for _, s := range steps {
			frames += s.Frames
		}
		log.Info().Int("steps", len(steps)).Int("frames", frames).Str("root", root).Msg("acquisition finished")
		return err
	})
}

// progressSink forwards frames to a recorder and counts them on a spinner
type progressSink struct {
	rec *imgrec.Recorder
	sp  spinner
	n   int
}

func (p progressSink) Record(s camera.Shot, f frame.Frame) error {
	if err := p.rec.Record(s, f); err != nil {
		return err
	}
	p.sp.progress(fmt.Sprintf("ISO %d shutter %s frame", s.ISO, s.Shutter))(s.Index, p.n)
	return nil
}

func onlyISOs(steps []camera.Step, isos []int) []camera.Step {
	want := map[int]bool{}
	for _, iso := range isos {
		want[iso] = true
	}
	out := steps[:0]
	for _, s := range steps {
		if iso, err := camera.ParseISO(s.ISO); err == nil && want[iso] {
			out = append(out, s)
		}
	}
	return out
}

// calibrate runs the gain and noise calibrations one after the other
func calibrate(c Config, log zerolog.Logger) calib.Runner {
	return func(ctx context.Context) (calib.Report, error) {
		rep := calib.Report{}
		stats, g, err := gainCalibration(ctx, c, log)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return rep, err
		}
		if err == nil {
			rep.Groups = append(rep.Groups, stats...)
			rep.Gain = &g
			if err := g.Table.Save(c.GainFile); err != nil {
				return rep, err
			}
		} else {
			log.Warn().Err(err).Msg("no flat field dataset")
		}
		stats, n, err := noiseCalibration(ctx, c, log)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return rep, err
		}
		if err == nil {
			rep.Groups = append(rep.Groups, stats...)
			rep.Noise = &n
		} else {
			log.Warn().Err(err).Msg("no dark dataset")
		}
		rep.Finished = time.Now()
		return rep, nil
	}
}

func runServe(c Config, log zerolog.Logger) error {
	log = log.With().Str("component", "serve").Logger()
	c.Spinner = false
	run := calibrate(c, log)
	rep, err := run(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("initial calibration failed")
	}
	h := calib.NewHTTPWrapper(rep, run, log)
	r, rt := router(c, h)
	log.Info().Str("addr", c.Addr).Str("stem", server.SubMuxSanitize(c.Stem)).
		Strs("endpoints", rt.Endpoints()).Msg("now listening for requests")
	return http.ListenAndServe(c.Addr, r)
}

// router binds the routes of h and a locker under c.Stem
func router(c Config, h *calib.HTTPWrapper) (http.Handler, server.RouteTable) {
	rt := h.RT()
	l := locker.New()
	locker.Inject(rt, l)
	sub := chi.NewRouter()
	rt.Bind(sub)

	root := chi.NewRouter()
	root.Use(l.Check)
	root.Mount(server.SubMuxSanitize(c.Stem), sub)
	return root, rt
}

func runCameras() error {
	devs, err := usbcam.List()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no still image cameras found")
		return nil
	}
	for _, d := range devs {
		fmt.Println(d)
	}
	return nil
}
