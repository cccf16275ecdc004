package camera

import (
	"context"
	"errors"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

// Mock is a simulated sensor.  Each pixel collects Poisson distributed
// electrons from the scene and from dark current, which are amplified by the
// gain of the current ISO, offset by a bias level, blurred by Gaussian read
// noise, rounded to integer ADU, and clipped at the ADC full scale.
//
// The gain is proportional to ISO; Gain is its value at ISO 100.
type Mock struct {
	mu sync.Mutex

	// Gain is the gain at ISO 100, ADU/e-
	Gain float64

	// ReadNoise is the rms read noise, ADU
	ReadNoise float64

	// Offset is the bias level, ADU
	Offset float64

	// DarkCurrent is in e-/s/pixel
	DarkCurrent float64

	// Flux is the scene illumination in e-/s/pixel; zero simulates a capped lens
	Flux float64

	// FullScale is the largest ADU the ADC can produce
	FullScale float64

	// Height and Width are the frame size
	Height, Width int

	// ISOChoices and ShutterChoices are the settings the camera reports
	ISOChoices     []string
	ShutterChoices []string

	// FailEvery, when > 0, makes every FailEvery-th capture fail with a *DeviceError
	FailEvery int

	// Seed seeds the noise source when the camera is opened
	Seed uint64

	open     bool
	iso      string
	shutter  string
	captures int
	src      rand.Source
}

// NewMock returns a 64x64 mock with the choices of a typical DSLR and a 14-bit ADC
func NewMock(seed uint64) *Mock {
	return &Mock{
		Gain:        0.5,
		ReadNoise:   3,
		Offset:      2048,
		DarkCurrent: 0.05,
		FullScale:   16383,
		Height:      64,
		Width:       64,
		ISOChoices:  []string{"Auto", "100", "200", "400", "800", "1600", "3200", "6400"},
		ShutterChoices: []string{"bulb", "30", "15", "8", "4", "2", "1", "0.5",
			"1/4", "1/8", "1/15", "1/30", "1/60", "1/125", "1/250", "1/500",
			"1/1000", "1/2000", "1/4000"},
		Seed: seed,
	}
}

// Open implements Camera.  The camera starts at its first fixed ISO and
// fastest shutter speed.
func (m *Mock) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.src = rand.NewSource(m.Seed)
	m.captures = 0
	m.iso = ""
	for _, iso := range m.ISOChoices {
		if _, err := ParseISO(iso); err == nil {
			m.iso = iso
			break
		}
	}
	shutters, _ := timed(m.ShutterChoices)
	if len(shutters) > 0 {
		m.shutter = shutters[0]
	}
	m.open = true
	return nil
}

// Close implements Camera
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// ISOs implements Camera
func (m *Mock) ISOs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, ErrNotOpen
	}
	return append([]string(nil), m.ISOChoices...), nil
}

// ShutterSpeeds implements Camera
func (m *Mock) ShutterSpeeds() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, ErrNotOpen
	}
	return append([]string(nil), m.ShutterChoices...), nil
}

// SetISO implements Camera
func (m *Mock) SetISO(iso string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	if err := checkChoice("ISO", iso, m.ISOChoices); err != nil {
		return err
	}
	m.iso = iso
	return nil
}

// SetShutterSpeed implements Camera
func (m *Mock) SetShutterSpeed(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	if err := checkChoice("shutter speed", s, m.ShutterChoices); err != nil {
		return err
	}
	m.shutter = s
	return nil
}

// Capture implements Camera.  It does not sleep for the exposure time.
func (m *Mock) Capture(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return frame.Frame{}, ErrNotOpen
	}
	m.captures++
	if m.FailEvery > 0 && m.captures%m.FailEvery == 0 {
		return frame.Frame{}, &DeviceError{Op: "capture", Err: errors.New("PTP timeout")}
	}
	t, err := ParseShutter(m.shutter)
	if err != nil {
		return frame.Frame{}, err
	}
	iso, err := ParseISO(m.iso)
	if err != nil {
		iso = 100
	}
	g := m.Gain * float64(iso) / 100

	f, err := frame.New(m.Height, m.Width)
	if err != nil {
		return frame.Frame{}, err
	}
	lambda := (m.Flux + m.DarkCurrent) * t
	electrons := distuv.Poisson{Lambda: lambda, Src: m.src}
	read := distuv.Normal{Mu: m.Offset, Sigma: m.ReadNoise, Src: m.src}
	for i := range f.Data {
		e := 0.
		if lambda > 0 {
			e = electrons.Rand()
		}
		v := math.Round(e*g + read.Rand())
		f.Data[i] = math.Max(0, math.Min(v, m.FullScale))
	}
	return f, nil
}
