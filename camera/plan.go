package camera

import (
	"errors"
	"sort"
)

// ErrEmptyPlan is generated when the camera offers no usable setting for a plan
var ErrEmptyPlan = errors.New("no usable ISO or shutter speed choices")

// Step is one exposure setting of a plan
type Step struct {
	ISO     string `json:"iso"`
	Shutter string `json:"shutter"`
}

// Plan is the ordered list of settings to acquire frames at
type Plan struct {
	// Name is used in file names, e.g. "flat" or "dark"
	Name string

	Steps []Step

	// StopOnSaturation skips the remaining steps of an ISO once the first
	// frame of a step is saturated
	StopOnSaturation bool
}

// fixedISOs returns the numeric ISO choices, highest first
func fixedISOs(isos []string) []string {
	type pair struct {
		s string
		v int
	}
	ps := []pair{}
	for _, s := range isos {
		if v, err := ParseISO(s); err == nil {
			ps = append(ps, pair{s, v})
		}
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].v > ps[j].v })
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.s
	}
	return out
}

// timed returns the shutter choices with a fixed duration and their
// durations, fastest first
func timed(shutters []string) ([]string, []float64) {
	type pair struct {
		s string
		t float64
	}
	ps := []pair{}
	for _, s := range shutters {
		if t, err := ParseShutter(s); err == nil {
			ps = append(ps, pair{s, t})
		}
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].t < ps[j].t })
	names := make([]string, len(ps))
	times := make([]float64, len(ps))
	for i, p := range ps {
		names[i], times[i] = p.s, p.t
	}
	return names, times
}

func grid(name string, isos, shutters []string) (Plan, error) {
	if len(isos) == 0 || len(shutters) == 0 {
		return Plan{}, ErrEmptyPlan
	}
	p := Plan{Name: name}
	for _, iso := range isos {
		for _, s := range shutters {
			p.Steps = append(p.Steps, Step{ISO: iso, Shutter: s})
		}
	}
	return p, nil
}

// FlatPlan steps every fixed ISO, highest first, through the timed shutter
// speeds from fastest to slowest, leaving out the skipFastest fastest ones.
// Each ISO stops at the first saturated step.
func FlatPlan(isos, shutters []string, skipFastest int) (Plan, error) {
	s, _ := timed(shutters)
	if skipFastest > len(s) {
		skipFastest = len(s)
	}
	if skipFastest > 0 {
		s = s[skipFastest:]
	}
	p, err := grid("flat", fixedISOs(isos), s)
	p.StopOnSaturation = true
	return p, err
}

// DarkPlan steps every fixed ISO, highest first, through the fastest shutter
// speed and every shutter speed of one second or longer
func DarkPlan(isos, shutters []string) (Plan, error) {
	names, times := timed(shutters)
	var use []string
	for i, t := range times {
		if i == 0 || t >= 1 {
			use = append(use, names[i])
		}
	}
	return grid("dark", fixedISOs(isos), use)
}

// BiasPlan steps every fixed ISO, highest first, through the fastest shutter speed only
func BiasPlan(isos, shutters []string) (Plan, error) {
	names, _ := timed(shutters)
	if len(names) > 1 {
		names = names[:1]
	}
	return grid("bias", fixedISOs(isos), names)
}
