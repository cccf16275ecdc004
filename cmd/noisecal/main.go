package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "noisecal.yml"

	// EnvPrefix marks environment variables that override the config file,
	// e.g. NOISECAL_ACQUIRE_FRAMES=20
	EnvPrefix = "NOISECAL_"

	k = koanf.New(".")
)

func setupconfig() error {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	}), nil)
}

func loadConfig() (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

// newLogger returns a console logger at the configured level
func newLogger(c Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func root() {
	str := `noisecal characterizes the noise of a camera sensor.  It measures the gain of
each ISO setting from flat field frames, and the read noise and dark current
from dark frames.

Usage:
	noisecal <command>

Commands:
	gain
	noise
	bias
	acquire [flat|dark|bias]
	serve
	cameras
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `noisecal is amenable to configuration via its .yml file, and any key may be
overridden with an environment variable: NOISECAL_ followed by the key path with
underscores, for example NOISECAL_ACQUIRE_FRAMES=20.  For a primer on YAML, see
https://yaml.org/start.html

Datasets are folders laid out as
	<root>/ISO<iso>/shutter<label>/*.fits
one folder per exposure setting, the way the acquire command writes them.
Files may be gzipped (.fits.gz).

gain     reduces the flat field dataset ("flats") and fits variance against mean
         for each ISO.  The slope is the gain in ADU/e-; the table is written
         to "gainfile".
noise    reduces the dark dataset ("darks") and fits variance against exposure
         time for each ISO with at least "mindarkpoints" exposure times.  The
         intercept is the read noise variance, the slope the dark current.
         When "gainfile" exists the frames are converted to electrons first.
bias     writes mean and std maps of every group of the "bias" dataset to
         "mapdir" and prints their distribution.
acquire  records a flat, dark, or bias dataset from the simulated camera.
serve    runs gain and noise and serves the results over HTTP at "addr";
         POST /run recomputes them.
cameras  lists the still image cameras attached over USB.`
	fmt.Println(str)
}

func mkconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("noisecal version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	fatal := func(err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	fatal(setupconfig())
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		fatal(mkconf())
		return
	case "conf":
		fatal(printconf())
		return
	case "version":
		pversion()
		return
	}

	c, err := loadConfig()
	fatal(err)
	log := newLogger(c)
	switch cmd {
	case "gain":
		err = runGain(c, log)
	case "noise":
		err = runNoise(c, log)
	case "bias":
		err = runBias(c, log)
	case "acquire":
		kind := "flat"
		if len(args) > 2 {
			kind = strings.ToLower(args[2])
		}
		err = runAcquire(c, kind, log)
	case "serve":
		err = runServe(c, log)
	case "cameras":
		err = runCameras()
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("failed")
		os.Exit(1)
	}
}
