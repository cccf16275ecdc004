/*Package camera describes the camera a noise calibration acquires frames from

A Camera exposes its ISO and shutter speed settings as the string choices the
device reports, e.g. "800" and "1/4000".  Settings not among the choices are
rejected with ErrInvalidChoice and never retried; failures of the device itself
are reported as a *DeviceError, which Acquire retries with a backoff.

*/
package camera

import (
	"context"
	"errors"
	"fmt"

	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

var (
	// ErrInvalidChoice is generated when a setting is not one of the camera's choices
	ErrInvalidChoice = errors.New("not one of the allowed choices")

	// ErrNotOpen is generated when a closed camera is used
	ErrNotOpen = errors.New("camera is not open")
)

// DeviceError is a transient failure of the camera hardware or its link
type DeviceError struct {
	// Op is the operation that failed, e.g. "capture"
	Op string

	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsTransient is true if err is or wraps a *DeviceError
func IsTransient(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// Camera describes a camera with discrete ISO and shutter speed settings
type Camera interface {
	// Open acquires the device.  It must be called before any other method.
	Open() error

	// Close releases the device
	Close() error

	// ISOs returns the allowed ISO choices
	ISOs() ([]string, error)

	// ShutterSpeeds returns the allowed shutter speed choices
	ShutterSpeeds() ([]string, error)

	// SetISO sets the ISO, one of ISOs()
	SetISO(string) error

	// SetShutterSpeed sets the shutter speed, one of ShutterSpeeds()
	SetShutterSpeed(string) error

	// Capture exposes and reads out one raw frame
	Capture(context.Context) (frame.Frame, error)
}

// WithCamera opens cam, calls fn, and closes cam no matter how fn returns.
// An error from fn takes precedence over an error closing the camera.
func WithCamera(cam Camera, fn func(Camera) error) (err error) {
	if err = cam.Open(); err != nil {
		return fmt.Errorf("opening camera: %w", err)
	}
	defer func() {
		cerr := cam.Close()
		if err == nil && cerr != nil {
			err = fmt.Errorf("closing camera: %w", cerr)
		}
	}()
	return fn(cam)
}

// checkChoice returns ErrInvalidChoice if v is not in choices
func checkChoice(kind, v string, choices []string) error {
	for _, c := range choices {
		if c == v {
			return nil
		}
	}
	return fmt.Errorf("%s %q is %w %v", kind, v, ErrInvalidChoice, choices)
}
