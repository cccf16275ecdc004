package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadShape(t *testing.T) {
	_, err := New(3, 0)
	if !errors.Is(err, ErrBadShape) {
		t.Errorf("expected ErrBadShape, got %v", err)
	}
	_, err = New()
	if !errors.Is(err, ErrBadShape) {
		t.Errorf("expected ErrBadShape for empty shape, got %v", err)
	}
}

func TestFromDataLengthMustMatch(t *testing.T) {
	_, err := FromData([]float64{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrBadShape)

	f, err := FromData([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Len())
	assert.True(t, f.SameShape([]int{2, 2}))
	assert.False(t, f.SameShape([]int{4}))
}

func TestCropSelectsWindow(t *testing.T) {
	// 3x4, value = 10*row + col
	data := []float64{
		0, 1, 2, 3,
		10, 11, 12, 13,
		20, 21, 22, 23,
	}
	f, err := FromData(data, 3, 4)
	require.NoError(t, err)

	c, err := f.Crop(Region{Top: 1, Left: 1, Height: 2, Width: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, c.Shape)
	assert.Equal(t, []float64{11, 12, 21, 22}, c.Data)

	// the crop is a copy
	c.Data[0] = -1
	assert.Equal(t, 11., f.Data[5])
}

func TestCropEmptyRegionIsIdentity(t *testing.T) {
	f, _ := New(2, 2)
	c, err := f.Crop(Region{})
	require.NoError(t, err)
	assert.Equal(t, f.Shape, c.Shape)
}

func TestCropOutOfBounds(t *testing.T) {
	f, _ := New(4, 4)
	_, err := f.Crop(Region{Top: 2, Left: 0, Height: 3, Width: 1})
	assert.ErrorIs(t, err, ErrRegionOutOfBounds)

	g, _ := New(4)
	_, err = g.Crop(Region{Height: 1, Width: 1})
	assert.ErrorIs(t, err, ErrNot2D)
}

func TestScaleDivides(t *testing.T) {
	f, _ := FromData([]float64{2, 4, 6}, 3)
	f.Scale(2)
	assert.Equal(t, []float64{1, 2, 3}, f.Data)
}

func TestCloneIsDeep(t *testing.T) {
	f, _ := FromData([]float64{1, 2}, 2)
	g := f.Clone()
	g.Data[0] = 5
	g.Shape[0] = 7
	assert.Equal(t, 1., f.Data[0])
	assert.Equal(t, 2, f.Shape[0])
}

func TestFITSFloatRoundTrip(t *testing.T) {
	f, err := FromData([]float64{0.5, 1.5, 2.5, 3.5, 4.5, 5.5}, 2, 3)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	cards := []fitsio.Card{{Name: "ISO", Value: 800}, {Name: "EXPTIME", Value: 0.25}}
	require.NoError(t, WriteFITS(buf, cards, -64, f))

	g, hdr, err := ReadFITS(buf)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, g.Shape)
	assert.InDeltaSlice(t, f.Data, g.Data, 1e-12)

	iso, ok := hdr.Int("ISO")
	require.True(t, ok)
	assert.Equal(t, 800, iso)
	exp, ok := hdr.Float("EXPTIME")
	require.True(t, ok)
	assert.InDelta(t, 0.25, exp, 1e-12)
}

func TestWriteFITSRejectsMixedShapes(t *testing.T) {
	a, _ := New(2, 2)
	b, _ := New(2, 3)
	err := WriteFITS(&bytes.Buffer{}, nil, -64, a, b)
	assert.ErrorIs(t, err, ErrBadShape)
	assert.ErrorIs(t, WriteFITS(&bytes.Buffer{}, nil, -64), ErrNoFrames)
	assert.ErrorIs(t, WriteFITS(&bytes.Buffer{}, nil, 12, a), ErrBitpix)
}

func TestHeaderConversions(t *testing.T) {
	h := Header{"A": int64(3), "B": float32(1.5), "C": "text"}
	v, ok := h.Int("A")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	f, ok := h.Float("B")
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)
	_, ok = h.Float("C")
	assert.False(t, ok)
	_, ok = h.Float("missing")
	assert.False(t, ok)
}
