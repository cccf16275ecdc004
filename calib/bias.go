package calib

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
	"github.jpl.nasa.gov/bdube/noisecal/mathx"
)

// MapWriter stores a per-pixel map under a name
type MapWriter interface {
	WriteMap(name string, m frame.Frame, cards []fitsio.Card) error
}

// BiasReport describes the mean and standard deviation maps of one group of
// bias or dark frames
type BiasReport struct {
	ISO      int     `json:"iso"`
	Exposure float64 `json:"exposure"`
	Label    string  `json:"label"`
	Frames   int     `json:"frames"`
	Skipped  int     `json:"skipped"`

	Mean mathx.Summary `json:"mean"`
	Std  mathx.Summary `json:"std"`

	// MedianStd is the median of the standard deviation map
	MedianStd mathx.JSONFloat `json:"medianStd"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// MapName is the name a group's map is stored under, e.g. dark_mean_iso800_30s.
// A group with an unknown exposure is named by the last element of its label,
// or "unknown" without one.
func MapName(kind, stat string, g Group) string {
	if finite(g.Exposure) {
		return fmt.Sprintf("%s_%s_iso%d_%gs", kind, stat, g.ISO, g.Exposure)
	}
	return fmt.Sprintf("%s_%s_iso%d_%s", kind, stat, g.ISO, labelStem(g.Label))
}

// labelStem reduces a label to a file name friendly word
func labelStem(label string) string {
	stem := filepath.Base(filepath.ToSlash(label))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, stem)
	if stem == "" || stem == "." || stem == "_" {
		return "unknown"
	}
	return stem
}

// Bias reduces each group to its mean and standard deviation maps, summarizes
// them, and hands them to w (if not nil) under MapName(kind, ...).
// Groups are processed concurrently; the output is in the order of groups.
func Bias(ctx context.Context, kind string, groups []Group, opts Options, w MapWriter) []BiasReport {
	out := make([]BiasReport, len(groups))
	tick := progress(opts, len(groups))
	parallel(ctx, len(groups), opts.Workers, func(i int) {
		out[i] = bias(kind, groups[i], opts, w)
		r := out[i]
		if r.Err != nil {
			opts.Log.Error().Err(r.Err).Int("iso", r.ISO).Str("group", r.Label).Msg("bias group failed")
		} else {
			opts.Log.Info().Int("iso", r.ISO).Float64("exposure", r.Exposure).Int("frames", r.Frames).
				Float64("meanP50", r.Mean.P50).Float64("stdP50", r.Std.P50).Msg("bias group reduced")
		}
		tick()
	}, func(i int) {
		g := groups[i]
		err := fmt.Errorf("group not started: %w", ctx.Err())
		out[i] = BiasReport{ISO: g.ISO, Exposure: g.Exposure, Label: g.Label,
			MedianStd: mathx.JSONFloat(math.NaN()), Err: err, Error: err.Error()}
	})
	return out
}

func bias(kind string, g Group, opts Options, w MapWriter) BiasReport {
	r := BiasReport{ISO: g.ISO, Exposure: g.Exposure, Label: g.Label, MedianStd: mathx.JSONFloat(math.NaN())}
	fail := func(err error) BiasReport {
		r.Err = err
		r.Error = err.Error()
		return r
	}
	acc, scale, skipped, err := accumulate(g, opts)
	r.Skipped = skipped
	if err != nil {
		return fail(err)
	}
	r.Frames = acc.Count()
	mean, err := acc.Mean()
	if err != nil {
		return fail(err)
	}
	std, err := acc.SampleStd()
	if err != nil {
		return fail(err)
	}
	r.Mean = mathx.Summarize(mean.Data)
	r.Std = mathx.Summarize(std.Data)
	r.MedianStd = mathx.JSONFloat(r.Std.P50)
	if w == nil {
		return r
	}
	// FITS has no representation of NaN, an unknown exposure is left out
	cards := []fitsio.Card{{Name: "ISO", Value: g.ISO}}
	if finite(g.Exposure) {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: g.Exposure, Comment: "exposure time [s]"})
	}
	cards = append(cards,
		fitsio.Card{Name: "NFRAMES", Value: r.Frames, Comment: "frames accumulated"},
		fitsio.Card{Name: "GAINDIV", Value: scale, Comment: "frames divided by this gain"},
	)
	for _, m := range []struct {
		stat string
		f    frame.Frame
	}{{"mean", mean}, {"std", std}} {
		if err := w.WriteMap(MapName(kind, m.stat, g), m.f, cards); err != nil {
			return fail(fmt.Errorf("writing %s map: %w", m.stat, err))
		}
	}
	return r
}
