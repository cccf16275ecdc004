package calib

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
	"github.jpl.nasa.gov/bdube/noisecal/gain"
	"github.jpl.nasa.gov/bdube/noisecal/imgrec"
	"github.jpl.nasa.gov/bdube/noisecal/linfit"
	"github.jpl.nasa.gov/bdube/noisecal/onlinestats"
)

func mustFrame(t *testing.T, data []float64, shape ...int) frame.Frame {
	t.Helper()
	f, err := frame.FromData(data, shape...)
	require.NoError(t, err)
	return f
}

// flaky is a Source whose frames at the indices in bad fail to decode
type flaky struct {
	frames Frames
	bad    map[int]bool
}

func (f flaky) Len() int { return len(f.frames) }

func (f flaky) Frame(i int) (frame.Frame, error) {
	if f.bad[i] {
		return frame.Frame{}, errors.New("truncated file")
	}
	return f.frames[i], nil
}

// three frames whose every pixel has sample variance 4
func threeFrames(t *testing.T) Frames {
	return Frames{
		mustFrame(t, []float64{1, 2, 3, 4}, 2, 2),
		mustFrame(t, []float64{3, 4, 5, 6}, 2, 2),
		mustFrame(t, []float64{5, 6, 7, 8}, 2, 2),
	}
}

func TestReduce(t *testing.T) {
	g := Group{ISO: 100, Exposure: 0.01, Label: "100th", Source: threeFrames(t)}
	s := Reduce(g, Options{})
	require.NoError(t, s.Err)
	assert.True(t, s.OK())
	assert.Equal(t, 3, s.Frames)
	assert.Equal(t, 0, s.Skipped)
	assert.InDelta(t, 4.5, s.Mean, 1e-12)
	assert.InDelta(t, 4, s.Variance, 1e-12)
	assert.InDelta(t, 2, s.Std, 1e-12)
	assert.Equal(t, 1., s.Scale)
}

func TestReduceSkipsBadFrames(t *testing.T) {
	frames := threeFrames(t)
	frames = append(frames[:1], append(Frames{mustFrame(t, []float64{1, 2, 3}, 1, 3)}, frames[1:]...)...)
	frames = append(frames, mustFrame(t, []float64{9, 9, 9, 9}, 2, 2))
	// 0 good, 1 wrong shape, 2 good, 3 good, 4 unreadable
	src := flaky{frames: frames, bad: map[int]bool{4: true}}
	s := Reduce(Group{ISO: 100, Source: src}, Options{})
	require.NoError(t, s.Err)
	assert.Equal(t, 3, s.Frames)
	assert.Equal(t, 2, s.Skipped)
	assert.InDelta(t, 4, s.Variance, 1e-12)
}

func TestReduceOneFrameFails(t *testing.T) {
	g := Group{ISO: 200, Label: "lonely", Source: Frames{mustFrame(t, []float64{1, 2}, 1, 2)}}
	s := Reduce(g, Options{})
	assert.ErrorIs(t, s.Err, onlinestats.ErrInsufficientSamples)
	assert.False(t, s.OK())
	assert.Equal(t, 1, s.Frames)
	assert.True(t, math.IsNaN(s.Mean))
	assert.True(t, math.IsNaN(s.Variance))
	assert.NotEmpty(t, s.Error)
}

func TestReduceNoFrames(t *testing.T) {
	s := Reduce(Group{ISO: 200, Source: flaky{frames: Frames{{}}, bad: map[int]bool{0: true}}}, Options{})
	assert.ErrorIs(t, s.Err, ErrNoFrames)
	assert.Equal(t, 1, s.Skipped)
}

func TestReduceCropsAndScales(t *testing.T) {
	opts := Options{
		Region: frame.Region{Top: 0, Left: 1, Height: 2, Width: 1},
		Gain:   gain.Table{100: {Gain: 2, Err: 0.1}},
	}
	frames := threeFrames(t)
	s := Reduce(Group{ISO: 100, Source: frames}, opts)
	require.NoError(t, s.Err)
	// right column is {2,4,6} and {4,6,8}, halved
	assert.InDelta(t, 2.5, s.Mean, 1e-12)
	assert.InDelta(t, 1, s.Variance, 1e-12)
	assert.Equal(t, 2., s.Scale)
	// the source frames are not modified
	assert.Equal(t, []float64{1, 2, 3, 4}, frames[0].Data)
}

func TestReduceAllKeepsOrderAndIsolatesFailures(t *testing.T) {
	groups := []Group{
		{ISO: 100, Label: "a", Source: threeFrames(t)},
		{ISO: 100, Label: "b", Source: Frames{mustFrame(t, []float64{1}, 1, 1)}},
		{ISO: 400, Label: "c", Source: threeFrames(t)},
	}
	mu := sync.Mutex{}
	calls := 0
	opts := Options{Workers: 2, Log: zerolog.Nop(), Progress: func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		assert.Equal(t, 3, total)
	}}
	out := ReduceAll(context.Background(), groups, opts)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Label)
	assert.Equal(t, "b", out[1].Label)
	assert.Equal(t, "c", out[2].Label)
	assert.True(t, out[0].OK())
	assert.False(t, out[1].OK())
	assert.True(t, out[2].OK())
	assert.Equal(t, 3, calls)
}

func TestReduceAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := ReduceAll(ctx, []Group{{ISO: 100, Source: threeFrames(t)}}, Options{})
	require.Len(t, out, 1)
	assert.ErrorIs(t, out[0].Err, context.Canceled)
}

func line(iso int, xs []float64, slope, intercept float64, x func(*GroupStats, float64)) []GroupStats {
	out := make([]GroupStats, len(xs))
	for i, v := range xs {
		out[i] = GroupStats{ISO: iso, Label: "g", Scale: 1, Variance: slope*v + intercept, Std: math.Sqrt(slope*v + intercept)}
		x(&out[i], v)
	}
	return out
}

func TestGain(t *testing.T) {
	setMean := func(g *GroupStats, v float64) { g.Mean = v }
	stats := line(100, []float64{500, 100, 300, 200, 400}, 2, 5, setMean)
	stats = append(stats, failed(Group{ISO: 100}, errors.New("bad")))
	stats = append(stats, GroupStats{ISO: 100, Label: "clipped", Scale: 1, Mean: math.Inf(1), Variance: 1, Std: 1})
	stats = append(stats, line(800, []float64{100, 200}, 1, 0, setMean)...)

	rep := Gain(stats, zerolog.Nop())
	require.Len(t, rep.Series, 2)

	s := rep.Series[0]
	assert.Equal(t, 100, s.ISO)
	assert.Equal(t, []float64{100, 200, 300, 400, 500}, s.X)
	require.NotNil(t, s.Fit)
	assert.InDelta(t, 2, s.Fit.Slope, 1e-12)
	assert.InDelta(t, 5, s.Fit.Intercept, 1e-9)
	e, ok := rep.Table.Lookup(100)
	assert.True(t, ok)
	assert.InDelta(t, 2, e.Gain, 1e-12)

	s = rep.Series[1]
	assert.Nil(t, s.Fit)
	assert.ErrorIs(t, s.Err, linfit.ErrInsufficientData)
	_, ok = rep.Table.Lookup(800)
	assert.False(t, ok)
	assert.True(t, math.IsNaN(rep.Table[800].Gain))
}

func TestDarkNoise(t *testing.T) {
	setExp := func(g *GroupStats, v float64) { g.Exposure = v }
	seven := []float64{1, 2, 4, 8, 15, 30, 60}
	stats := line(1600, seven, 0.5, 9, setExp)
	for i := range stats {
		stats[i].Scale = 3.2
	}
	stats = append(stats, line(3200, seven[:6], 1, 1, setExp)...)

	rep := DarkNoise(stats, 0, zerolog.Nop())
	require.Len(t, rep.Series, 2)
	s := rep.Series[0]
	require.NotNil(t, s.Fit)
	assert.Equal(t, "e-", s.Units)
	assert.InDelta(t, 0.5, s.Fit.Slope, 1e-12)
	assert.InDelta(t, 9, s.Fit.Intercept, 1e-9)
	assert.Len(t, rep.Std[1600], 7)
	assert.InDelta(t, math.Sqrt(9.5), rep.Std[1600][0], 1e-12)

	s = rep.Series[1]
	assert.Nil(t, s.Fit)
	assert.Equal(t, "ADU", s.Units)
	assert.ErrorIs(t, s.Err, linfit.ErrInsufficientData)

	rep = DarkNoise(stats, 5, zerolog.Nop())
	assert.NotNil(t, rep.Series[1].Fit)
}

type mapSink struct {
	mu    sync.Mutex
	names []string
	maps  map[string]frame.Frame
}

func (m *mapSink) WriteMap(name string, f frame.Frame, cards []fitsio.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maps == nil {
		m.maps = map[string]frame.Frame{}
	}
	m.names = append(m.names, name)
	m.maps[name] = f
	return nil
}

func TestBias(t *testing.T) {
	groups := []Group{
		{ISO: 100, Exposure: 30, Label: "30s", Source: threeFrames(t)},
		{ISO: 100, Exposure: 60, Label: "60s", Source: Frames{}},
	}
	sink := &mapSink{}
	out := Bias(context.Background(), "dark", groups, Options{Log: zerolog.Nop()}, sink)
	require.Len(t, out, 2)

	r := out[0]
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Frames)
	assert.InDelta(t, 4.5, r.Mean.P50, 1e-12)
	assert.InDelta(t, 3, r.Mean.Min, 1e-12)
	assert.InDelta(t, 6, r.Mean.Max, 1e-12)
	assert.InDelta(t, 2, float64(r.MedianStd), 1e-12)

	assert.ErrorIs(t, out[1].Err, ErrNoFrames)

	assert.ElementsMatch(t, []string{"dark_mean_iso100_30s", "dark_std_iso100_30s"}, sink.names)
	assert.Equal(t, []float64{3, 4, 5, 6}, sink.maps["dark_mean_iso100_30s"].Data)
}

func TestMapName(t *testing.T) {
	cases := []struct {
		g        Group
		expected string
	}{
		{Group{ISO: 800, Exposure: 0.00025}, "bias_std_iso800_0.00025s"},
		{Group{ISO: 800, Exposure: math.NaN(), Label: filepath.Join("ISO800", "misc run")}, "bias_std_iso800_misc_run"},
		{Group{ISO: 800, Exposure: math.Inf(1)}, "bias_std_iso800_unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, MapName("bias", "std", c.g))
	}
}

func TestBiasMapsWithUnknownExposureReadBack(t *testing.T) {
	w := imgrec.MapWriter{Root: t.TempDir()}
	g := Group{ISO: 800, Exposure: math.NaN(), Label: filepath.Join("ISO800", "misc"), Source: threeFrames(t)}
	out := Bias(context.Background(), "bias", []Group{g}, Options{Log: zerolog.Nop()}, w)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)

	for _, stat := range []string{"mean", "std"} {
		fid, err := os.Open(w.Path(MapName("bias", stat, g)))
		require.NoError(t, err)
		f, hdr, err := frame.ReadFITS(fid)
		fid.Close()
		require.NoError(t, err, stat)
		assert.Equal(t, []int{2, 2}, f.Shape)
		iso, ok := hdr.Int("ISO")
		assert.True(t, ok)
		assert.Equal(t, 800, iso)
		_, ok = hdr.Float("EXPTIME")
		assert.False(t, ok, "EXPTIME written for an unknown exposure")
	}
}
