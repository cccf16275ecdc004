package camera_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/noisecal/calib"
	"github.jpl.nasa.gov/bdube/noisecal/camera"
	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

// memSink keeps frames in memory, grouped by step
type memSink struct {
	order  []string
	shots  map[string]camera.Shot
	frames map[string]calib.Frames
	fail   error
}

func newMemSink() *memSink {
	return &memSink{shots: map[string]camera.Shot{}, frames: map[string]calib.Frames{}}
}

func (m *memSink) Record(s camera.Shot, f frame.Frame) error {
	if m.fail != nil {
		return m.fail
	}
	k := fmt.Sprintf("%d/%s", s.ISO, s.Shutter)
	if _, ok := m.frames[k]; !ok {
		m.order = append(m.order, k)
		m.shots[k] = s
	}
	m.frames[k] = append(m.frames[k], f)
	return nil
}

func (m *memSink) groups() []calib.Group {
	out := []calib.Group{}
	for _, k := range m.order {
		s := m.shots[k]
		out = append(out, calib.Group{ISO: s.ISO, Exposure: s.Exposure, Label: k, Source: m.frames[k]})
	}
	return out
}

var fast = camera.AcquireOptions{RetryInterval: time.Millisecond, RetryTimeout: time.Second, Log: zerolog.Nop()}

func TestAcquireRecoversGain(t *testing.T) {
	m := camera.NewMock(3)
	m.Height, m.Width = 32, 32
	m.Flux = 1e5
	m.ISOChoices = []string{"Auto", "100", "400"}
	m.ShutterChoices = []string{"bulb", "1/30", "1/60", "1/125", "1/250", "1/500", "1/1000"}
	sink := newMemSink()

	err := camera.WithCamera(m, func(c camera.Camera) error {
		isos, err := c.ISOs()
		require.NoError(t, err)
		shutters, err := c.ShutterSpeeds()
		require.NoError(t, err)
		plan, err := camera.FlatPlan(isos, shutters, 0)
		require.NoError(t, err)
		res, err := camera.Acquire(context.Background(), c, plan, 20, sink, fast)
		require.NoError(t, err)
		require.Len(t, res, 12)
		for _, r := range res {
			assert.Equal(t, 20, r.Frames, r.Step)
			assert.False(t, r.Saturated, r.Step)
		}
		return nil
	})
	require.NoError(t, err)

	stats := calib.ReduceAll(context.Background(), sink.groups(), calib.Options{Log: zerolog.Nop()})
	rep := calib.Gain(stats, zerolog.Nop())
	require.Len(t, rep.Series, 2)
	// the median of the per-pixel sample variances sits a few percent below
	// the true variance for 20 frames
	e, ok := rep.Table.Lookup(100)
	require.True(t, ok)
	assert.InEpsilon(t, 0.5, e.Gain, 0.1)
	e, ok = rep.Table.Lookup(400)
	require.True(t, ok)
	assert.InEpsilon(t, 2, e.Gain, 0.1)
	assert.Greater(t, rep.Series[0].Fit.R2, 0.99)
}

func TestAcquireStopsAtSaturation(t *testing.T) {
	m := camera.NewMock(5)
	m.Height, m.Width = 16, 16
	m.Flux = 20000
	m.ISOChoices = []string{"100", "200"}
	m.ShutterChoices = []string{"2", "1", "0.5"}
	require.NoError(t, m.Open())
	defer m.Close()
	plan, err := camera.FlatPlan(m.ISOChoices, m.ShutterChoices, 0)
	require.NoError(t, err)

	sink := newMemSink()
	res, err := camera.Acquire(context.Background(), m, plan, 3, sink, fast)
	require.NoError(t, err)
	require.Len(t, res, 6)

	type row struct {
		iso, shutter       string
		frames             int
		saturated, skipped bool
	}
	got := []row{}
	for _, r := range res {
		got = append(got, row{r.ISO, r.Shutter, r.Frames, r.Saturated, r.Skipped})
	}
	assert.Equal(t, []row{
		{"200", "0.5", 3, false, false},
		{"200", "1", 0, true, false},
		{"200", "2", 0, false, true},
		{"100", "0.5", 3, false, false},
		{"100", "1", 3, false, false},
		{"100", "2", 0, true, false},
	}, got)
	keys := append([]string(nil), sink.order...)
	sort.Strings(keys)
	assert.Equal(t, []string{"100/0.5", "100/1", "200/0.5"}, keys)
}

func TestAcquireRetriesDeviceErrors(t *testing.T) {
	m := camera.NewMock(0)
	m.Height, m.Width = 4, 4
	m.FailEvery = 3
	require.NoError(t, m.Open())
	defer m.Close()
	plan := camera.Plan{Name: "dark", Steps: []camera.Step{{ISO: "800", Shutter: "1"}}}
	sink := newMemSink()
	res, err := camera.Acquire(context.Background(), m, plan, 5, sink, fast)
	require.NoError(t, err)
	assert.Equal(t, 5, res[0].Frames)
	assert.Len(t, sink.frames["800/1"], 5)
	assert.Equal(t, 1, sink.shots["800/1"].Index)
	assert.Equal(t, 1., sink.shots["800/1"].Exposure)
}

// counting wraps a camera and counts SetISO calls
type counting struct {
	camera.Camera
	setISO int
}

func (c *counting) SetISO(s string) error {
	c.setISO++
	return c.Camera.SetISO(s)
}

func TestAcquireDoesNotRetryInvalidChoice(t *testing.T) {
	m := camera.NewMock(0)
	require.NoError(t, m.Open())
	defer m.Close()
	c := &counting{Camera: m}
	plan := camera.Plan{Name: "dark", Steps: []camera.Step{{ISO: "125", Shutter: "1"}}}
	_, err := camera.Acquire(context.Background(), c, plan, 1, newMemSink(), fast)
	assert.ErrorIs(t, err, camera.ErrInvalidChoice)
	assert.Equal(t, 1, c.setISO)
}

func TestAcquireSinkErrorAborts(t *testing.T) {
	m := camera.NewMock(0)
	m.Height, m.Width = 2, 2
	require.NoError(t, m.Open())
	defer m.Close()
	sink := newMemSink()
	sink.fail = errors.New("disk full")
	plan := camera.Plan{Name: "dark", Steps: []camera.Step{{ISO: "100", Shutter: "1"}, {ISO: "200", Shutter: "1"}}}
	res, err := camera.Acquire(context.Background(), m, plan, 2, sink, fast)
	assert.ErrorIs(t, err, sink.fail)
	assert.Len(t, res, 1)
}

func TestAcquireCancelled(t *testing.T) {
	m := camera.NewMock(0)
	m.Height, m.Width = 2, 2
	require.NoError(t, m.Open())
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := camera.Plan{Name: "dark", Steps: []camera.Step{{ISO: "100", Shutter: "1"}}}
	_, err := camera.Acquire(ctx, m, plan, 2, newMemSink(), fast)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquirePaces(t *testing.T) {
	m := camera.NewMock(0)
	m.Height, m.Width = 2, 2
	require.NoError(t, m.Open())
	defer m.Close()
	opts := fast
	opts.Interval = 20 * time.Millisecond
	plan := camera.Plan{Name: "dark", Steps: []camera.Step{{ISO: "100", Shutter: "1"}}}
	start := time.Now()
	_, err := camera.Acquire(context.Background(), m, plan, 4, newMemSink(), opts)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}
