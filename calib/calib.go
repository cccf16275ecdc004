/*Package calib drives the sensor noise calibration.

Frames are grouped by exposure setting (ISO and shutter speed).  Each group is
streamed through its own onlinestats.Accumulator and the resulting mean and
variance maps are reduced to one representative value with a median.  The
per-group values are then fit against each other with linfit:

	Gain      median variance vs. median mean of flat frames, per ISO
	DarkNoise median variance vs. exposure time of dark frames, per ISO

Groups share no state, so they are reduced concurrently.  A group that cannot
be reduced is reported with its error and NaN values; the remaining groups are
unaffected.
*/
package calib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
	"github.jpl.nasa.gov/bdube/noisecal/gain"
	"github.jpl.nasa.gov/bdube/noisecal/mathx"
	"github.jpl.nasa.gov/bdube/noisecal/onlinestats"
)

// ErrNoFrames is generated when a group yields no usable frames at all
var ErrNoFrames = errors.New("no usable frames in group")

// Source provides the frames of one exposure group.  An error from Frame
// means that one frame could not be decoded; it is skipped.
type Source interface {
	Len() int
	Frame(i int) (frame.Frame, error)
}

// Frames is an in-memory Source
type Frames []frame.Frame

// Len implements Source
func (f Frames) Len() int { return len(f) }

// Frame implements Source
func (f Frames) Frame(i int) (frame.Frame, error) { return f[i], nil }

// Group is a set of frames sharing one exposure configuration
type Group struct {
	// ISO is the ISO setting
	ISO int

	// Exposure is the exposure time in seconds
	Exposure float64

	// Label is a human readable name for the group, e.g. its folder
	Label string

	// Source yields the frames
	Source Source
}

// Options controls how groups are reduced
type Options struct {
	// Region is cropped from every frame before accumulation.  Empty uses the whole frame.
	Region frame.Region

	// Gain, if not nil, converts frames to electrons at ISOs it has an entry for
	Gain gain.Table

	// Workers is the number of groups reduced concurrently.  <= 0 uses GOMAXPROCS.
	Workers int

	// Log receives per-frame and per-group messages
	Log zerolog.Logger

	// Progress, if not nil, is called after each group finishes.  It may be called
	// from multiple goroutines, but never concurrently.
	Progress func(done, total int)
}

// GroupStats is the reduction of one Group
type GroupStats struct {
	ISO      int     `json:"iso"`
	Exposure float64 `json:"exposure"`
	Label    string  `json:"label"`

	// Mean, Variance, and Std are the medians over pixels of the per-pixel statistics
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Std      float64 `json:"std"`

	// Frames is the number of frames accumulated, Skipped the number that were rejected
	Frames  int `json:"frames"`
	Skipped int `json:"skipped"`

	// Scale is the gain the frames were divided by, 1 for ADU
	Scale float64 `json:"scale"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON encodes the NaN statistics of failed groups as nulls
func (g GroupStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ISO      int             `json:"iso"`
		Exposure float64         `json:"exposure"`
		Label    string          `json:"label"`
		Mean     mathx.JSONFloat `json:"mean"`
		Variance mathx.JSONFloat `json:"variance"`
		Std      mathx.JSONFloat `json:"std"`
		Frames   int             `json:"frames"`
		Skipped  int             `json:"skipped"`
		Scale    float64         `json:"scale"`
		Error    string          `json:"error,omitempty"`
	}{g.ISO, g.Exposure, g.Label, mathx.JSONFloat(g.Mean), mathx.JSONFloat(g.Variance),
		mathx.JSONFloat(g.Std), g.Frames, g.Skipped, g.Scale, g.Error})
}

// OK is true if the group was reduced successfully
func (g GroupStats) OK() bool {
	return g.Err == nil
}

func failed(g Group, err error) GroupStats {
	return GroupStats{
		ISO:      g.ISO,
		Exposure: g.Exposure,
		Label:    g.Label,
		Mean:     math.NaN(),
		Variance: math.NaN(),
		Std:      math.NaN(),
		Scale:    1,
		Err:      err,
		Error:    err.Error()}
}

// accumulate streams the frames of g through a new accumulator.
// The accumulator's shape is taken from the first usable frame.
func accumulate(g Group, opts Options) (acc *onlinestats.Accumulator, scale float64, skipped int, err error) {
	log := opts.Log.With().Int("iso", g.ISO).Str("group", g.Label).Logger()
	scale = 1
	if opts.Gain != nil {
		scale = opts.Gain.ScaleFor(g.ISO)
	}
	n := g.Source.Len()
	for i := 0; i < n; i++ {
		f, err := g.Source.Frame(i)
		if err == nil {
			f, err = f.Crop(opts.Region)
		}
		if err != nil {
			log.Warn().Err(err).Int("frame", i).Msg("error reading frame, skipping")
			skipped++
			continue
		}
		if scale != 1 {
			f = f.Clone()
			f.Scale(scale)
		}
		if acc == nil {
			acc, err = onlinestats.New(f.Shape...)
			if err != nil {
				log.Warn().Err(err).Int("frame", i).Msg("unusable frame shape, skipping")
				skipped++
				continue
			}
		}
		if err = acc.Add(f); err != nil {
			log.Warn().Err(err).Int("frame", i).Msg("frame rejected")
			skipped++
			continue
		}
	}
	if acc == nil {
		return nil, scale, skipped, ErrNoFrames
	}
	return acc, scale, skipped, nil
}

// Reduce accumulates one group and collapses its maps to medians.
// Fewer than two usable frames is an error, since variance is undefined.
func Reduce(g Group, opts Options) GroupStats {
	acc, scale, skipped, err := accumulate(g, opts)
	if err != nil {
		out := failed(g, err)
		out.Skipped = skipped
		return out
	}
	out := GroupStats{
		ISO:      g.ISO,
		Exposure: g.Exposure,
		Label:    g.Label,
		Frames:   acc.Count(),
		Skipped:  skipped,
		Scale:    scale}
	mean, err := acc.Mean()
	if err == nil {
		var variance, std frame.Frame
		variance, err = acc.SampleVariance()
		if err == nil {
			std, err = acc.SampleStd()
			out.Mean = mathx.Median(mean.Data)
			out.Variance = mathx.Median(variance.Data)
			out.Std = mathx.Median(std.Data)
		}
	}
	if err != nil {
		f := failed(g, err)
		f.Frames, f.Skipped, f.Scale = out.Frames, out.Skipped, scale
		return f
	}
	return out
}

// parallel calls fcn(i) for i in [0, n) on up to workers goroutines.
// Indices not started before ctx is done are passed to cancelled instead.
func parallel(ctx context.Context, n, workers int, fcn func(int), cancelled func(int)) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	work := make(chan int)
	wg := sync.WaitGroup{}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range work {
				fcn(i)
			}
		}()
	}
	i := 0
feed:
	for ; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case work <- i:
		}
	}
	close(work)
	wg.Wait()
	for ; i < n; i++ {
		cancelled(i)
	}
}

// progress returns a concurrency safe counter that reports to opts.Progress
func progress(opts Options, total int) func() {
	mu := sync.Mutex{}
	done := 0
	return func() {
		if opts.Progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done++
		opts.Progress(done, total)
	}
}

// ReduceAll reduces every group, concurrently.  The output is in the order of groups.
func ReduceAll(ctx context.Context, groups []Group, opts Options) []GroupStats {
	out := make([]GroupStats, len(groups))
	tick := progress(opts, len(groups))
	parallel(ctx, len(groups), opts.Workers, func(i int) {
		out[i] = Reduce(groups[i], opts)
		g := out[i]
		if g.OK() {
			opts.Log.Info().Int("iso", g.ISO).Str("group", g.Label).Int("frames", g.Frames).
				Float64("mean", g.Mean).Float64("variance", g.Variance).Msg("group reduced")
		} else {
			opts.Log.Error().Err(g.Err).Int("iso", g.ISO).Str("group", g.Label).Msg("group failed")
		}
		tick()
	}, func(i int) {
		out[i] = failed(groups[i], fmt.Errorf("group not started: %w", ctx.Err()))
	})
	return out
}

// byISO buckets stats by ISO, ISOs ascending
func byISO(stats []GroupStats) ([]int, map[int][]GroupStats) {
	m := map[int][]GroupStats{}
	for _, s := range stats {
		m[s.ISO] = append(m[s.ISO], s)
	}
	isos := make([]int, 0, len(m))
	for iso := range m {
		isos = append(isos, iso)
	}
	sort.Ints(isos)
	return isos, m
}
