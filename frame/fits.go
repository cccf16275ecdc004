package frame

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/astrogo/fitsio"
)

var (
	// ErrNotImage is generated when the primary HDU of a FITS file is not an image
	ErrNotImage = errors.New("primary HDU is not an image")

	// ErrBitpix is generated for a BITPIX that cannot be read or written
	ErrBitpix = errors.New("unsupported BITPIX")

	// ErrNoFrames is generated when WriteFITS is called with nothing to write
	ErrNoFrames = errors.New("no frames to write")
)

// Header holds the card values of a decoded FITS image, keyed by card name
type Header map[string]interface{}

// Float returns the value of a numeric card as a float64
func (h Header) Float(name string) (float64, bool) {
	return toFloat(h[name])
}

// Int returns the value of a numeric card as an int
func (h Header) Int(name string) (int, bool) {
	f, ok := toFloat(h[name])
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// reverse returns a reversed copy of s.  FITS lists the fastest varying axis
// first, the opposite of a row-major shape.
func reverse(s []int) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// ReadFITS decodes the primary image of a FITS stream.  BZERO and BSCALE are applied.
func ReadFITS(r io.Reader) (Frame, Header, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return Frame{}, nil, err
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return Frame{}, nil, ErrNotImage
	}
	hdr := img.Header()
	meta := Header{}
	for _, k := range hdr.Keys() {
		if c := hdr.Get(k); c != nil {
			meta[k] = c.Value
		}
	}
	shape := reverse(hdr.Axes())
	n := numel(shape)
	if n < 0 {
		return Frame{}, meta, fmt.Errorf("%w: axes %v", ErrBadShape, hdr.Axes())
	}
	data := make([]float64, n)
	switch hdr.Bitpix() {
	case 8:
		buf := make([]uint8, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case 16:
		buf := make([]int16, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case 32:
		buf := make([]int32, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case 64:
		buf := make([]int64, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case -32:
		buf := make([]float32, n)
		err = img.Read(&buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case -64:
		err = img.Read(&data)
	default:
		return Frame{}, meta, fmt.Errorf("%w: %d", ErrBitpix, hdr.Bitpix())
	}
	if err != nil {
		return Frame{}, meta, err
	}
	bscale, ok := meta.Float("BSCALE")
	if !ok {
		bscale = 1
	}
	bzero, _ := meta.Float("BZERO")
	if bscale != 1 || bzero != 0 {
		for i, v := range data {
			data[i] = v*bscale + bzero
		}
	}
	return Frame{Shape: shape, Data: data}, meta, nil
}

// WriteFITS streams frames to w as a single image HDU.  More than one frame
// produces a cube with the frame index as the slowest axis.
//
// bitpix 16 stores unsigned 16-bit data with the usual BZERO=32768 offset,
// 32 rounds to int32, -32 and -64 store floats.
func WriteFITS(w io.Writer, metadata []fitsio.Card, bitpix int, frames ...Frame) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	shape := frames[0].Shape
	for _, f := range frames[1:] {
		if !f.SameShape(shape) {
			return fmt.Errorf("%w: frames in a cube must share a shape", ErrBadShape)
		}
	}
	dims := reverse(shape)
	if len(frames) > 1 {
		dims = append(dims, len(frames))
	}
	total := len(frames) * frames[0].Len()

	var payload interface{}
	switch bitpix {
	case 16:
		metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
		buf := make([]int16, 0, total)
		for _, f := range frames {
			for _, v := range f.Data {
				u := uint16(math.Max(0, math.Min(math.Round(v), math.MaxUint16)))
				buf = append(buf, int16(int32(u)-32768))
			}
		}
		payload = buf
	case 32:
		buf := make([]int32, 0, total)
		for _, f := range frames {
			for _, v := range f.Data {
				buf = append(buf, int32(math.Round(v)))
			}
		}
		payload = buf
	case -32:
		buf := make([]float32, 0, total)
		for _, f := range frames {
			for _, v := range f.Data {
				buf = append(buf, float32(v))
			}
		}
		payload = buf
	case -64:
		buf := make([]float64, 0, total)
		for _, f := range frames {
			buf = append(buf, f.Data...)
		}
		payload = buf
	default:
		return fmt.Errorf("%w: %d", ErrBitpix, bitpix)
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(bitpix, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(payload)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
