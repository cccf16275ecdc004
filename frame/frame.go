// Package frame contains the n-dimensional sample type consumed by the noise
// calibration and the codecs that move it on and off disk.
//
// A Frame is row-major, so a 2-D frame of Shape [H, W] is strided by W.
package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrBadShape is generated when a shape has a non-positive dimension or
	// does not describe the length of the data it is paired with
	ErrBadShape = errors.New("shape does not describe the data")

	// ErrNot2D is generated when a 2-D operation is applied to a frame of another rank
	ErrNot2D = errors.New("operation requires a 2-D frame")

	// ErrRegionOutOfBounds is generated when a crop region does not fit in the frame
	ErrRegionOutOfBounds = errors.New("region exceeds frame bounds")
)

// Frame is a fixed-shape array of real values
type Frame struct {
	// Shape holds the extent of each dimension, slowest varying first
	Shape []int

	// Data holds the values in row-major order
	Data []float64
}

// Region is a 2-D window of a frame.  Indices are 0-based.
type Region struct {
	// Top is the first row
	Top int `json:"top" yaml:"top" koanf:"top"`

	// Left is the first column
	Left int `json:"left" yaml:"left" koanf:"left"`

	// Height is the number of rows
	Height int `json:"height" yaml:"height" koanf:"height"`

	// Width is the number of columns
	Width int `json:"width" yaml:"width" koanf:"width"`
}

// Empty is true if the region selects nothing, in which case consumers use the whole frame
func (r Region) Empty() bool {
	return r.Height == 0 || r.Width == 0
}

// numel returns the product of the dimensions, or -1 if any is non-positive
func numel(shape []int) int {
	if len(shape) == 0 {
		return -1
	}
	n := 1
	for _, s := range shape {
		if s <= 0 {
			return -1
		}
		n *= s
	}
	return n
}

// New returns a zero-valued frame of the given shape
func New(shape ...int) (Frame, error) {
	n := numel(shape)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadShape, shape)
	}
	return Frame{Shape: append([]int(nil), shape...), Data: make([]float64, n)}, nil
}

// FromData wraps data in a frame of the given shape.  data is not copied.
func FromData(data []float64, shape ...int) (Frame, error) {
	n := numel(shape)
	if n < 0 || n != len(data) {
		return Frame{}, fmt.Errorf("%w: %v for %d values", ErrBadShape, shape, len(data))
	}
	return Frame{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Len is the number of elements in the frame
func (f Frame) Len() int {
	return len(f.Data)
}

// SameShape is true if f has the given shape
func (f Frame) SameShape(shape []int) bool {
	if len(f.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if f.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of f
func (f Frame) Clone() Frame {
	return Frame{
		Shape: append([]int(nil), f.Shape...),
		Data:  append([]float64(nil), f.Data...)}
}

// Crop returns a copy of the region of a 2-D frame.
// An empty region returns f unchanged.
func (f Frame) Crop(r Region) (Frame, error) {
	if r.Empty() {
		return f, nil
	}
	if len(f.Shape) != 2 {
		return Frame{}, ErrNot2D
	}
	h, w := f.Shape[0], f.Shape[1]
	if r.Top < 0 || r.Left < 0 || r.Height < 0 || r.Width < 0 || r.Top+r.Height > h || r.Left+r.Width > w {
		return Frame{}, fmt.Errorf("%w: %+v in %dx%d", ErrRegionOutOfBounds, r, h, w)
	}
	out := make([]float64, 0, r.Height*r.Width)
	for row := r.Top; row < r.Top+r.Height; row++ {
		start := row*w + r.Left
		out = append(out, f.Data[start:start+r.Width]...)
	}
	return Frame{Shape: []int{r.Height, r.Width}, Data: out}, nil
}

// Scale divides every element of f by div in place, e.g. to convert ADU to
// electrons with a gain in ADU/e-
func (f Frame) Scale(div float64) {
	for i := range f.Data {
		f.Data[i] /= div
	}
}

// ApplyInPlace replaces every element x of f with fcn(x)
func (f Frame) ApplyInPlace(fcn func(float64) float64) {
	for i, v := range f.Data {
		f.Data[i] = fcn(v)
	}
}
