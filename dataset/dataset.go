// Package dataset finds recorded calibration frames on disk and serves them
// to the calibration drivers.
//
// A dataset is laid out as
//
//	<root>/ISO<iso>/<setting>/*.fits
//
// with one folder per exposure setting, the way imgrec.Recorder writes it.
// Gzipped files (.fits.gz) are read transparently.
package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"github.jpl.nasa.gov/bdube/noisecal/calib"
	"github.jpl.nasa.gov/bdube/noisecal/camera"
	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

var (
	// ErrDuplicate is generated when a file has the same contents as another
	// file of its group
	ErrDuplicate = errors.New("duplicate frame")

	// ErrNoISOs is generated when the root holds no ISO<n> folders
	ErrNoISOs = errors.New("no ISO folders found")

	// ErrISOMismatch is generated when the ISO card of a frame disagrees with
	// the ISO<n> folder it is stored in
	ErrISOMismatch = errors.New("ISO card does not match folder")
)

// IsFrameFile is true for the file names frames are read from
func IsFrameFile(name string) bool {
	return strings.HasSuffix(name, ".fits") || strings.HasSuffix(name, ".fits.gz")
}

// Files is a calib.Source reading one frame per file
type Files struct {
	Paths []string

	mu   sync.Mutex
	seen map[uint64]int
}

// Len implements calib.Source
func (f *Files) Len() int {
	return len(f.Paths)
}

// Frame implements calib.Source.  A file whose contents match an earlier
// file of the group is rejected with ErrDuplicate.
func (f *Files) Frame(i int) (frame.Frame, error) {
	fr, _, err := f.read(i)
	return fr, err
}

func (f *Files) read(i int) (frame.Frame, frame.Header, error) {
	path := f.Paths[i]
	b, err := os.ReadFile(path)
	if err != nil {
		return frame.Frame{}, nil, err
	}
	if err := f.fingerprint(i, b); err != nil {
		return frame.Frame{}, nil, err
	}
	var r io.Reader = bytes.NewReader(b)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return frame.Frame{}, nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	fr, hdr, err := frame.ReadFITS(r)
	if err != nil {
		return frame.Frame{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return fr, hdr, nil
}

// fingerprint records the hash of file i, failing if another file had it first
func (f *Files) fingerprint(i int, b []byte) error {
	h := xxhash.Sum64(b)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[uint64]int{}
	}
	if j, ok := f.seen[h]; ok && j != i {
		return fmt.Errorf("%w: %s has the contents of %s", ErrDuplicate, f.Paths[i], f.Paths[j])
	}
	f.seen[h] = i
	return nil
}

// isoDirs returns the ISO<n> folders of root by ISO
func isoDirs(root string) (map[int]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	out := map[int]string{}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "ISO") {
			continue
		}
		iso, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "ISO"))
		if err != nil {
			continue
		}
		out[iso] = filepath.Join(root, e.Name())
	}
	return out, nil
}

// settings reads the header of the first readable file of a group.  The
// exposure is its EXPTIME, else the duration encoded in a shutter<label>
// folder name, else NaN.  iso is the ISO card, if there is one.
func settings(dir string, files *Files) (exposure float64, iso int, hasISO bool) {
	exposure = math.NaN()
	hasExp := false
	for i := range files.Paths {
		_, hdr, err := files.read(i)
		if err != nil {
			continue
		}
		exposure, hasExp = hdr.Float("EXPTIME")
		iso, hasISO = hdr.Int("ISO")
		break
	}
	if hasExp {
		return exposure, iso, hasISO
	}
	exposure = math.NaN()
	name := filepath.Base(dir)
	if strings.HasPrefix(name, "shutter") {
		if t, err := camera.ParseShutterLabel(strings.TrimPrefix(name, "shutter")); err == nil {
			exposure = t
		}
	}
	return exposure, iso, hasISO
}

// Discover finds the exposure groups under root, one per setting folder that
// holds frames.  If isos is not empty only those ISOs are searched, and a
// missing one is an error.  Groups are sorted by ISO, then exposure.
//
// A group whose exposure cannot be determined has a NaN Exposure; it can
// still be used for gain calibration.  A group whose frames carry an ISO card
// other than the folder's fails with ErrISOMismatch.
func Discover(root string, isos []int) ([]calib.Group, error) {
	dirs, err := isoDirs(root)
	if err != nil {
		return nil, err
	}
	isos = append([]int(nil), isos...)
	if len(isos) == 0 {
		for iso := range dirs {
			isos = append(isos, iso)
		}
		if len(isos) == 0 {
			return nil, fmt.Errorf("%w in %s", ErrNoISOs, root)
		}
	}
	sort.Ints(isos)
	groups := []calib.Group{}
	for _, iso := range isos {
		isoDir, ok := dirs[iso]
		if !ok {
			return nil, fmt.Errorf("%w: ISO%d in %s", os.ErrNotExist, iso, root)
		}
		entries, err := os.ReadDir(isoDir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(isoDir, e.Name())
			files, err := frameFiles(dir)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				continue
			}
			src := &Files{Paths: files}
			exp, card, ok := settings(dir, src)
			if ok && card != iso {
				return nil, fmt.Errorf("%w: %s holds ISO %d frames", ErrISOMismatch, dir, card)
			}
			groups = append(groups, calib.Group{
				ISO:      iso,
				Exposure: exp,
				Label:    filepath.Join(fmt.Sprintf("ISO%d", iso), e.Name()),
				Source:   src,
			})
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].ISO != groups[j].ISO {
			return groups[i].ISO < groups[j].ISO
		}
		return groups[i].Exposure < groups[j].Exposure
	})
	return groups, nil
}

// frameFiles lists the frame files of dir, sorted by name
func frameFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if !e.IsDir() && IsFrameFile(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
