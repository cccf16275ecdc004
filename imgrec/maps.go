package imgrec

import (
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

// MapWriter writes per-pixel maps as 64-bit float FITS files named
// <Root>/<name>.fits, or .fits.gz with Gzip
type MapWriter struct {
	Root string
	Gzip bool
}

// Path returns the file a map is written to
func (m MapWriter) Path(name string) string {
	ext := ".fits"
	if m.Gzip {
		ext = ".fits.gz"
	}
	return filepath.Join(m.Root, name+ext)
}

// WriteMap implements calib.MapWriter
func (m MapWriter) WriteMap(name string, f frame.Frame, cards []fitsio.Card) error {
	if err := os.MkdirAll(m.Root, 0777); err != nil {
		return err
	}
	return writeFile(m.Path(name), m.Gzip, cards, -64, f)
}
