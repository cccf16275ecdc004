package camera

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrNotTimed is generated when a shutter choice has no fixed duration, e.g. "bulb"
var ErrNotTimed = errors.New("shutter speed has no fixed duration")

// ParseShutter converts a shutter speed choice such as "1/4000", "0.5" or "15"
// to seconds
func ParseShutter(s string) (float64, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotTimed, s)
	}
	if r.Sign() <= 0 {
		return 0, fmt.Errorf("shutter speed %q is not positive", s)
	}
	f, _ := r.Float64()
	return f, nil
}

// ShutterLabel converts a shutter speed choice to the form used in folder and
// file names: "1/4000" becomes "4000th" and "0.5" becomes "0p5"
func ShutterLabel(s string) string {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i+1:] + "th"
	}
	return strings.ReplaceAll(s, ".", "p")
}

// ParseShutterLabel inverts ShutterLabel, returning seconds
func ParseShutterLabel(label string) (float64, error) {
	if strings.HasSuffix(label, "th") {
		den, err := strconv.ParseFloat(strings.TrimSuffix(label, "th"), 64)
		if err != nil || den <= 0 {
			return 0, fmt.Errorf("%w: label %q", ErrNotTimed, label)
		}
		return 1 / den, nil
	}
	return ParseShutter(strings.ReplaceAll(label, "p", "."))
}

// ParseISO converts an ISO choice to an integer.  Choices like "Auto" are an error.
func ParseISO(s string) (int, error) {
	iso, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || iso <= 0 {
		return 0, fmt.Errorf("ISO %q is not a fixed setting", s)
	}
	return iso, nil
}
