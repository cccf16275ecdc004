package calib

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.jpl.nasa.gov/bdube/noisecal/gain"
	"github.jpl.nasa.gov/bdube/noisecal/linfit"
)

// DefaultMinDarkPoints is the number of exposure times needed before a dark series is fit
const DefaultMinDarkPoints = 7

// Series is the calibration series of one ISO: one (x, y) pair per exposure group
type Series struct {
	ISO    int       `json:"iso"`
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
	Labels []string  `json:"labels"`

	// Units of the pixel values, "e-" when converted with a gain table, else "ADU"
	Units string `json:"units"`

	// Fit is nil when the series could not be fit; Err says why
	Fit   *linfit.Result `json:"fit,omitempty"`
	Err   error          `json:"-"`
	Error string         `json:"error,omitempty"`
}

// GainReport is the result of a flat field gain calibration
type GainReport struct {
	Series []Series   `json:"series"`
	Table  gain.Table `json:"table"`
}

// NoiseReport is the result of a dark frame noise calibration
type NoiseReport struct {
	Series []Series `json:"series"`

	// Std holds the median standard deviation of each group, in the order of
	// the matching Series' X
	Std map[int][]float64 `json:"std"`
}

// collect builds a series from the usable groups of one ISO, ordered by x
func collect(iso int, stats []GroupStats, x, y func(GroupStats) float64) Series {
	s := Series{ISO: iso, Units: "ADU"}
	ok := make([]GroupStats, 0, len(stats))
	for _, g := range stats {
		if !g.OK() || !finite(x(g)) || !finite(y(g)) {
			continue
		}
		ok = append(ok, g)
	}
	sort.SliceStable(ok, func(i, j int) bool { return x(ok[i]) < x(ok[j]) })
	for _, g := range ok {
		s.X = append(s.X, x(g))
		s.Y = append(s.Y, y(g))
		s.Labels = append(s.Labels, g.Label)
	}
	return s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// fitSeries fits s in place if it has at least minPoints points
func fitSeries(s *Series, minPoints int, log zerolog.Logger) {
	if minPoints < linfit.MinPoints {
		minPoints = linfit.MinPoints
	}
	if len(s.X) < minPoints {
		s.Err = fmt.Errorf("%w: ISO %d has %d usable groups, need %d", linfit.ErrInsufficientData, s.ISO, len(s.X), minPoints)
		s.Error = s.Err.Error()
		log.Warn().Int("iso", s.ISO).Int("points", len(s.X)).Msg("too few groups to fit")
		return
	}
	res, err := linfit.Fit(s.X, s.Y)
	if err != nil {
		s.Err = fmt.Errorf("ISO %d: %w", s.ISO, err)
		s.Error = s.Err.Error()
		log.Error().Err(err).Int("iso", s.ISO).Msg("fit failed")
		return
	}
	s.Fit = &res
	log.Info().Int("iso", s.ISO).Int("points", res.N).Float64("slope", res.Slope).
		Float64("slopeErr", res.SlopeErr).Float64("intercept", res.Intercept).
		Float64("r2", res.R2).Msg("fit")
}

// Gain fits median variance against median mean for each ISO.  The slope is the
// gain in ADU/e-, the reciprocal of the e-/ADU conversion factor that is also
// commonly called gain; frames are converted to electrons by dividing by it.
// An ISO whose fit fails is kept in the table with a NaN gain.
func Gain(stats []GroupStats, log zerolog.Logger) GainReport {
	isos, m := byISO(stats)
	rep := GainReport{Table: gain.Table{}}
	for _, iso := range isos {
		s := collect(iso, m[iso],
			func(g GroupStats) float64 { return g.Mean },
			func(g GroupStats) float64 { return g.Variance })
		fitSeries(&s, linfit.MinPoints, log)
		if s.Fit != nil {
			rep.Table[iso] = gain.Entry{Gain: s.Fit.Slope, Err: s.Fit.SlopeErr}
		} else {
			rep.Table[iso] = gain.Entry{Gain: math.NaN(), Err: math.NaN()}
		}
		rep.Series = append(rep.Series, s)
	}
	return rep
}

// DarkNoise fits median variance against exposure time for each ISO.  The slope
// is the dark current (variance per second) and the intercept the read noise
// variance.  Only ISOs with at least minPoints exposure times are fit.
func DarkNoise(stats []GroupStats, minPoints int, log zerolog.Logger) NoiseReport {
	if minPoints <= 0 {
		minPoints = DefaultMinDarkPoints
	}
	isos, m := byISO(stats)
	rep := NoiseReport{Std: map[int][]float64{}}
	for _, iso := range isos {
		s := collect(iso, m[iso],
			func(g GroupStats) float64 { return g.Exposure },
			func(g GroupStats) float64 { return g.Variance })
		std := collect(iso, m[iso],
			func(g GroupStats) float64 { return g.Exposure },
			func(g GroupStats) float64 { return g.Std })
		rep.Std[iso] = std.Y
		for _, g := range m[iso] {
			if g.OK() && g.Scale != 1 {
				s.Units = "e-"
			}
		}
		fitSeries(&s, minPoints, log)
		rep.Series = append(rep.Series, s)
	}
	return rep
}
