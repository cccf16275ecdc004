// Package imgrec contains an image recorder used to automatically save captured frames to disk.
package imgrec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/klauspost/compress/gzip"

	"github.jpl.nasa.gov/bdube/noisecal/camera"
	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

// Recorder records frames as FITS files with incrementing numbers, in
//
//	<Root>/ISO<iso>/shutter<label>/<Prefix>_ISO<iso>_shutter<label>_<NNNN>.fits
//
// where label is camera.ShutterLabel of the shutter speed.  Numbering resumes
// after the highest existing file of a folder, so a second run adds frames
// rather than overwriting them.  It is safe for concurrent use.
type Recorder struct {
	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames; empty uses the plan name
	Prefix string

	// Gzip compresses the files, which then end in .fits.gz
	Gzip bool

	mu       sync.Mutex
	counters map[string]int
}

// fileExt returns the extension files are written with
func (r *Recorder) fileExt() string {
	if r.Gzip {
		return ".fits.gz"
	}
	return ".fits"
}

// Dir returns the folder frames of an ISO and shutter speed are recorded in
func (r *Recorder) Dir(iso int, shutter string) string {
	return filepath.Join(r.Root, fmt.Sprintf("ISO%d", iso), "shutter"+camera.ShutterLabel(shutter))
}

// base is the file name up to the counter
func (r *Recorder) base(s camera.Shot) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = s.Plan
	}
	return fmt.Sprintf("%s_ISO%d_shutter%s_", prefix, s.ISO, camera.ShutterLabel(s.Shutter))
}

// scan returns the highest counter of the files in dir starting with base.
// Files that do not parse are ignored.
func scan(dir, base string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		// skip directories, non-fits, and wrong prefix
		if e.IsDir() {
			continue
		}
		fn := e.Name()
		if !strings.HasPrefix(fn, base) {
			continue
		}
		bit := strings.TrimPrefix(fn, base)
		switch {
		case strings.HasSuffix(bit, ".fits.gz"):
			bit = strings.TrimSuffix(bit, ".fits.gz")
		case strings.HasSuffix(bit, ".fits"):
			bit = strings.TrimSuffix(bit, ".fits")
		default:
			continue
		}
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count, nil
}

// next makes the folder for s and returns the path of the next file in it
func (r *Recorder) next(s camera.Shot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir := r.Dir(s.ISO, s.Shutter)
	base := r.base(s)
	key := filepath.Join(dir, base)
	if r.counters == nil {
		r.counters = map[string]int{}
	}
	n, ok := r.counters[key]
	if !ok {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return "", err
		}
		var err error
		n, err = scan(dir, base)
		if err != nil {
			return "", err
		}
	}
	n++
	r.counters[key] = n
	return filepath.Join(dir, fmt.Sprintf("%s%04d%s", base, n, r.fileExt())), nil
}

// Record implements camera.Sink.  Frames are written as 32-bit integers with
// ISO and EXPTIME header cards.
func (r *Recorder) Record(s camera.Shot, f frame.Frame) error {
	fn, err := r.next(s)
	if err != nil {
		return err
	}
	cards := []fitsio.Card{
		{Name: "ISO", Value: s.ISO, Comment: "ISO setting"},
		{Name: "EXPTIME", Value: s.Exposure, Comment: "exposure time [s]"},
		{Name: "SHUTTER", Value: s.Shutter, Comment: "shutter speed setting"},
		{Name: "FRAMENUM", Value: s.Index, Comment: "frame number within the setting"},
	}
	return writeFile(fn, r.Gzip, cards, 32, f)
}

// writeFile writes f as a FITS file, optionally gzipped
func writeFile(fn string, gz bool, cards []fitsio.Card, bitpix int, f frame.Frame) (err error) {
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		cerr := fid.Close()
		if err == nil {
			err = cerr
		}
	}()
	var w io.Writer = fid
	if gz {
		zw := gzip.NewWriter(fid)
		defer func() {
			cerr := zw.Close()
			if err == nil {
				err = cerr
			}
		}()
		w = zw
	}
	return frame.WriteFITS(w, cards, bitpix, f)
}
