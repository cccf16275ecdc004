// Package gain persists the per-ISO gain measured by the flat-field calibration
// so the dark noise calibration can express its results in electrons.
//
// A missing gain file is not an error: it means no gain correction.
package gain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/go-yaml/yaml"
	"github.com/snksoft/crc"

	"github.jpl.nasa.gov/bdube/noisecal/mathx"
)

var (
	// ErrCorrupt is generated when the stored checksum does not match the entries
	ErrCorrupt = errors.New("gain file checksum mismatch")

	crcTable = crc.NewTable(crc.CRC32)
)

// Entry is the gain of one ISO setting and its standard error.
// Gain is the slope of variance against mean, in ADU per electron.
type Entry struct {
	Gain float64 `yaml:"gain" json:"gain"`
	Err  float64 `yaml:"err" json:"err"`
}

// MarshalJSON encodes the NaN entries of failed fits as nulls
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Gain mathx.JSONFloat `json:"gain"`
		Err  mathx.JSONFloat `json:"err"`
	}{mathx.JSONFloat(e.Gain), mathx.JSONFloat(e.Err)})
}

// Table maps ISO settings to their gain
type Table map[int]Entry

// document is the on-disk layout
type document struct {
	Checksum uint32        `yaml:"checksum"`
	Entries  map[int]Entry `yaml:"entries"`
}

// checksum computes a CRC-32 over the entries in ascending ISO order
func (t Table) checksum() uint32 {
	isos := t.ISOs()
	buf := make([]byte, 0, 24*len(isos))
	var tmp [8]byte
	for _, iso := range isos {
		e := t[iso]
		binary.BigEndian.PutUint64(tmp[:], uint64(int64(iso)))
		buf = append(buf, tmp[:]...)
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(e.Gain))
		buf = append(buf, tmp[:]...)
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(e.Err))
		buf = append(buf, tmp[:]...)
	}
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, buf)
	return crcTable.CRC32(c)
}

// ISOs returns the ISO settings in the table, ascending
func (t Table) ISOs() []int {
	out := make([]int, 0, len(t))
	for iso := range t {
		out = append(out, iso)
	}
	sort.Ints(out)
	return out
}

// Lookup returns the entry for an ISO.  NaN gains, from failed fits, are not found.
func (t Table) Lookup(iso int) (Entry, bool) {
	e, ok := t[iso]
	if !ok || math.IsNaN(e.Gain) || e.Gain == 0 {
		return Entry{}, false
	}
	return e, true
}

// ScaleFor returns the divisor that converts ADU to electrons at iso,
// or 1 if the table has no usable gain for it
func (t Table) ScaleFor(iso int) float64 {
	e, ok := t.Lookup(iso)
	if !ok {
		return 1
	}
	return e.Gain
}

// Marshal encodes the table as YAML
func (t Table) Marshal() ([]byte, error) {
	return yaml.Marshal(document{Checksum: t.checksum(), Entries: t})
}

// Unmarshal decodes a table from YAML and verifies its checksum
func Unmarshal(b []byte) (Table, error) {
	doc := document{}
	err := yaml.Unmarshal(b, &doc)
	if err != nil {
		return nil, err
	}
	t := Table(doc.Entries)
	if t == nil {
		t = Table{}
	}
	if got := t.checksum(); got != doc.Checksum {
		return nil, fmt.Errorf("%w: stored %08x computed %08x", ErrCorrupt, doc.Checksum, got)
	}
	return t, nil
}

// Load reads a table from path.  A file that does not exist yields an empty table and no error.
func Load(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Table{}, nil
		}
		return nil, err
	}
	return Unmarshal(b)
}

// Save writes the table to path
func (t Table) Save(path string) error {
	b, err := t.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0666)
}
