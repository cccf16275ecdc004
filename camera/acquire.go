package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
	"github.jpl.nasa.gov/bdube/noisecal/mathx"
)

// Shot identifies one captured frame
type Shot struct {
	Plan     string
	ISO      int
	Shutter  string
	Exposure float64

	// Index counts frames within a step from 1
	Index int
}

// Sink receives captured frames
type Sink interface {
	Record(Shot, frame.Frame) error
}

// AcquireOptions controls Acquire
type AcquireOptions struct {
	// Interval is the least time between two captures; 0 does not pace
	Interval time.Duration

	// RetryInterval is the first wait after a device error; 0 uses 50 ms
	RetryInterval time.Duration

	// RetryTimeout bounds the time spent retrying one operation; 0 uses 10 s
	RetryTimeout time.Duration

	// Region is checked for saturation; empty checks the whole frame
	Region frame.Region

	Log zerolog.Logger
}

// StepResult reports what was acquired at one step
type StepResult struct {
	Step
	Frames    int  `json:"frames"`
	Saturated bool `json:"saturated"`
	Skipped   bool `json:"skipped"`
}

// Saturated is true if the 99th percentile of f equals its maximum
func Saturated(f frame.Frame) bool {
	if f.Len() == 0 {
		return false
	}
	s := mathx.Summarize(f.Data)
	return s.P99 == s.Max
}

// retry calls op until it succeeds, returns an error that is not transient,
// or the retry budget runs out
func retry(ctx context.Context, opts AcquireOptions, what string, op func() error) error {
	first := opts.RetryInterval
	if first <= 0 {
		first = 50 * time.Millisecond
	}
	budget := opts.RetryTimeout
	if budget <= 0 {
		budget = 10 * time.Second
	}
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		opts.Log.Warn().Err(err).Str("op", what).Msg("transient camera error, retrying")
		return err
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     first,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      budget,
		Clock:               backoff.SystemClock}
	err := backoff.Retry(wrapped, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Acquire captures n frames at every step of plan and hands them to sink.
//
// Device errors are retried; anything else, including an error from sink,
// aborts the acquisition.  The results of the steps attempted so far are
// returned either way.
func Acquire(ctx context.Context, cam Camera, plan Plan, n int, sink Sink, opts AcquireOptions) ([]StepResult, error) {
	var lim *rate.Limiter
	if opts.Interval > 0 {
		lim = rate.NewLimiter(rate.Every(opts.Interval), 1)
	}
	saturated := map[string]bool{}
	out := make([]StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		res := StepResult{Step: step}
		if saturated[step.ISO] {
			res.Skipped = true
			out = append(out, res)
			continue
		}
		iso, err := ParseISO(step.ISO)
		if err != nil {
			return out, err
		}
		exposure, err := ParseShutter(step.Shutter)
		if err != nil {
			return out, err
		}
		log := opts.Log.With().Str("plan", plan.Name).Str("iso", step.ISO).Str("shutter", step.Shutter).Logger()
		log.Info().Int("frames", n).Msg("acquiring")

		err = retry(ctx, opts, "set ISO", func() error { return cam.SetISO(step.ISO) })
		if err == nil {
			err = retry(ctx, opts, "set shutter speed", func() error { return cam.SetShutterSpeed(step.Shutter) })
		}
		if err != nil {
			return out, fmt.Errorf("configuring ISO %s shutter %s: %w", step.ISO, step.Shutter, err)
		}

		for i := 1; i <= n; i++ {
			if lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return append(out, res), err
				}
			}
			var f frame.Frame
			err := retry(ctx, opts, "capture", func() error {
				var err error
				f, err = cam.Capture(ctx)
				return err
			})
			if err != nil {
				return append(out, res), fmt.Errorf("capturing ISO %s shutter %s frame %d: %w", step.ISO, step.Shutter, i, err)
			}
			if i == 1 && plan.StopOnSaturation {
				roi, err := f.Crop(opts.Region)
				if err != nil {
					return append(out, res), err
				}
				if Saturated(roi) {
					log.Info().Msg("saturated, moving to next ISO")
					res.Saturated = true
					saturated[step.ISO] = true
					break
				}
			}
			shot := Shot{Plan: plan.Name, ISO: iso, Shutter: step.Shutter, Exposure: exposure, Index: i}
			if err := sink.Record(shot, f); err != nil {
				return append(out, res), fmt.Errorf("recording frame: %w", err)
			}
			res.Frames++
		}
		out = append(out, res)
	}
	return out, nil
}
