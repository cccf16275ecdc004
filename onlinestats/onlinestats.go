/*Package onlinestats computes per-element running mean and variance over a
stream of equally shaped frames using Welford's method.

Only the running mean and the running sum of squared deviations are held, so
memory is proportional to one frame no matter how many frames are added.

The result depends on the order frames are added in, but only in the last few
bits; this is floating point rounding and not a bug.

An Accumulator is not safe for concurrent use.  Use one per exposure group.
*/
package onlinestats

import (
	"errors"
	"fmt"
	"math"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

var (
	// ErrShapeMismatch is generated when a sample does not have the accumulator's shape
	ErrShapeMismatch = errors.New("sample shape does not match accumulator")

	// ErrInsufficientSamples is generated when a statistic is requested before
	// enough samples exist to define it
	ErrInsufficientSamples = errors.New("insufficient samples")
)

// Accumulator holds the running statistics
type Accumulator struct {
	shape []int
	mean  []float64
	ss    []float64
	n     int
}

// New creates an empty accumulator for frames of the given shape
func New(shape ...int) (*Accumulator, error) {
	f, err := frame.New(shape...)
	if err != nil {
		return nil, err
	}
	return &Accumulator{
		shape: f.Shape,
		mean:  f.Data,
		ss:    make([]float64, f.Len())}, nil
}

// Count is the number of samples added so far
func (a *Accumulator) Count() int {
	return a.n
}

// Shape returns a copy of the shape the accumulator was created with
func (a *Accumulator) Shape() []int {
	return append([]int(nil), a.shape...)
}

// Add updates the statistics with a new sample.
// A sample of the wrong shape is rejected and the state is left untouched.
func (a *Accumulator) Add(s frame.Frame) error {
	if !s.SameShape(a.shape) || s.Len() != len(a.mean) {
		return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, s.Shape, a.shape)
	}
	a.n++
	n := float64(a.n)
	for i, x := range s.Data {
		delta := x - a.mean[i]
		a.mean[i] += delta / n
		a.ss[i] += delta * (x - a.mean[i])
	}
	return nil
}

// Mean returns a copy of the running mean
func (a *Accumulator) Mean() (frame.Frame, error) {
	if a.n < 1 {
		return frame.Frame{}, fmt.Errorf("%w: mean needs 1, have %d", ErrInsufficientSamples, a.n)
	}
	return frame.Frame{Shape: a.Shape(), Data: append([]float64(nil), a.mean...)}, nil
}

// SampleVariance returns the unbiased (n-1) variance of each element
func (a *Accumulator) SampleVariance() (frame.Frame, error) {
	if a.n < 2 {
		return frame.Frame{}, fmt.Errorf("%w: variance needs 2, have %d", ErrInsufficientSamples, a.n)
	}
	out := make([]float64, len(a.ss))
	div := float64(a.n - 1)
	for i, v := range a.ss {
		out[i] = v / div
	}
	return frame.Frame{Shape: a.Shape(), Data: out}, nil
}

// SampleStd returns the square root of SampleVariance
func (a *Accumulator) SampleStd() (frame.Frame, error) {
	v, err := a.SampleVariance()
	if err != nil {
		return v, err
	}
	v.ApplyInPlace(math.Sqrt)
	return v, nil
}
