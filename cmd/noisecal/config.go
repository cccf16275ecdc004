package main

import (
	"github.jpl.nasa.gov/bdube/noisecal/frame"
)

// CameraConfig describes the simulated camera used by the acquire command
type CameraConfig struct {
	// Seed seeds the noise
	Seed uint64 `yaml:"seed" koanf:"seed"`

	// Gain is the gain at ISO 100 in ADU/e-
	Gain float64 `yaml:"gain" koanf:"gain"`

	// ReadNoise is in ADU rms
	ReadNoise float64 `yaml:"readnoise" koanf:"readnoise"`

	// Offset is the bias level in ADU
	Offset float64 `yaml:"offset" koanf:"offset"`

	// DarkCurrent is in e-/s/pixel
	DarkCurrent float64 `yaml:"darkcurrent" koanf:"darkcurrent"`

	// Flux is the illumination of flat frames in e-/s/pixel
	Flux float64 `yaml:"flux" koanf:"flux"`

	// FullScale is the largest ADU
	FullScale float64 `yaml:"fullscale" koanf:"fullscale"`

	Height int `yaml:"height" koanf:"height"`
	Width  int `yaml:"width" koanf:"width"`

	// FailEvery makes every n-th capture fail, to exercise the retries
	FailEvery int `yaml:"failevery" koanf:"failevery"`
}

// AcquireConfig controls frame acquisition
type AcquireConfig struct {
	// Frames is the number of frames per setting
	Frames int `yaml:"frames" koanf:"frames"`

	// SkipFastest is the number of fastest shutter speeds left out of a flat plan
	SkipFastest int `yaml:"skipfastest" koanf:"skipfastest"`

	// IntervalSec is the least time between two captures, seconds
	IntervalSec float64 `yaml:"intervalsec" koanf:"intervalsec"`

	// RetrySec bounds the time spent retrying one camera operation, seconds
	RetrySec float64 `yaml:"retrysec" koanf:"retrysec"`

	// Gzip compresses the recorded frames
	Gzip bool `yaml:"gzip" koanf:"gzip"`

	Camera CameraConfig `yaml:"camera" koanf:"camera"`
}

// Config is the noisecal configuration
type Config struct {
	// Flats is the root of the flat field dataset
	Flats string `yaml:"flats" koanf:"flats"`

	// Darks is the root of the dark frame dataset
	Darks string `yaml:"darks" koanf:"darks"`

	// Bias is the root of the dataset the bias command investigates
	Bias string `yaml:"bias" koanf:"bias"`

	// GainFile is where the gain command stores its table and the noise command reads it
	GainFile string `yaml:"gainfile" koanf:"gainfile"`

	// MapDir receives the mean and std maps of the bias command
	MapDir string `yaml:"mapdir" koanf:"mapdir"`

	// GzipMaps compresses the maps
	GzipMaps bool `yaml:"gzipmaps" koanf:"gzipmaps"`

	// ISOs limits the calibration to some ISOs; empty uses all found
	ISOs []int `yaml:"isos" koanf:"isos"`

	// Region is cropped from every frame; a zero height or width uses the whole frame
	Region frame.Region `yaml:"region" koanf:"region"`

	// Workers is the number of groups processed concurrently; 0 uses every CPU
	Workers int `yaml:"workers" koanf:"workers"`

	// MinDarkPoints is the number of exposure times needed to fit dark noise
	MinDarkPoints int `yaml:"mindarkpoints" koanf:"mindarkpoints"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"loglevel" koanf:"loglevel"`

	// Spinner shows progress on the terminal
	Spinner bool `yaml:"spinner" koanf:"spinner"`

	// Addr is the address the serve command listens on
	Addr string `yaml:"addr" koanf:"addr"`

	// Stem prefixes the routes of the serve command, e.g. "camera/noise"
	// serves /camera/noise/gain.  Empty serves them at the root.
	Stem string `yaml:"stem" koanf:"stem"`

	Acquire AcquireConfig `yaml:"acquire" koanf:"acquire"`
}

// defaults returns the configuration used when no file or environment overrides it
func defaults() Config {
	return Config{
		Flats:         "walldata",
		Darks:         "darkdata",
		Bias:          "biasdata",
		GainFile:      "gain.yml",
		MapDir:        "maps",
		ISOs:          []int{},
		MinDarkPoints: 7,
		LogLevel:      "info",
		Spinner:       true,
		Addr:          ":8000",
		Acquire: AcquireConfig{
			Frames:      10,
			SkipFastest: 8,
			RetrySec:    10,
			Camera: CameraConfig{
				Seed:        1,
				Gain:        0.5,
				ReadNoise:   3,
				Offset:      2048,
				DarkCurrent: 0.05,
				Flux:        2000,
				FullScale:   16383,
				Height:      256,
				Width:       256,
			},
		},
	}
}
