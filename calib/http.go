package calib

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.jpl.nasa.gov/bdube/noisecal/gain"
	"github.jpl.nasa.gov/bdube/noisecal/server"
)

// Report is the most recent calibration result
type Report struct {
	Groups   []GroupStats `json:"groups"`
	Gain     *GainReport  `json:"gain,omitempty"`
	Noise    *NoiseReport `json:"noise,omitempty"`
	Finished time.Time    `json:"finished"`
}

// Runner performs a calibration and returns its report
type Runner func(ctx context.Context) (Report, error)

// HTTPWrapper serves the latest Report over HTTP and can trigger a new run
type HTTPWrapper struct {
	mu      sync.Mutex
	rep     Report
	run     Runner
	running bool
	log     zerolog.Logger
}

// NewHTTPWrapper returns a wrapper that serves rep.  run may be nil, in which
// case POST /run is not offered.
func NewHTTPWrapper(rep Report, run Runner, log zerolog.Logger) *HTTPWrapper {
	return &HTTPWrapper{rep: rep, run: run, log: log}
}

// Report returns the current report
func (h *HTTPWrapper) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rep
}

// SetReport replaces the current report
func (h *HTTPWrapper) SetReport(rep Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rep = rep
}

func isoParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	iso, err := strconv.Atoi(chi.URLParam(r, "iso"))
	if err != nil {
		http.Error(w, "ISO must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return iso, true
}

func findSeries(series []Series, iso int) (Series, bool) {
	for _, s := range series {
		if s.ISO == iso {
			return s, true
		}
	}
	return Series{}, false
}

// GetGain sends the gain report
func (h *HTTPWrapper) GetGain(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	if rep.Gain == nil {
		http.Error(w, "no gain calibration available", http.StatusNotFound)
		return
	}
	server.Respond(w, http.StatusOK, rep.Gain)
}

// GetGainISO sends the gain series and table entry of one ISO
func (h *HTTPWrapper) GetGainISO(w http.ResponseWriter, r *http.Request) {
	iso, ok := isoParam(w, r)
	if !ok {
		return
	}
	rep := h.Report()
	if rep.Gain == nil {
		http.Error(w, "no gain calibration available", http.StatusNotFound)
		return
	}
	s, ok := findSeries(rep.Gain.Series, iso)
	if !ok {
		http.Error(w, "ISO "+strconv.Itoa(iso)+" not calibrated", http.StatusNotFound)
		return
	}
	server.Respond(w, http.StatusOK, struct {
		Series Series     `json:"series"`
		Entry  gain.Entry `json:"entry"`
	}{s, rep.Gain.Table[iso]})
}

// GetNoise sends the noise report
func (h *HTTPWrapper) GetNoise(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	if rep.Noise == nil {
		http.Error(w, "no noise calibration available", http.StatusNotFound)
		return
	}
	server.Respond(w, http.StatusOK, rep.Noise)
}

// GetNoiseISO sends the noise series of one ISO
func (h *HTTPWrapper) GetNoiseISO(w http.ResponseWriter, r *http.Request) {
	iso, ok := isoParam(w, r)
	if !ok {
		return
	}
	rep := h.Report()
	if rep.Noise == nil {
		http.Error(w, "no noise calibration available", http.StatusNotFound)
		return
	}
	s, ok := findSeries(rep.Noise.Series, iso)
	if !ok {
		http.Error(w, "ISO "+strconv.Itoa(iso)+" not calibrated", http.StatusNotFound)
		return
	}
	server.Respond(w, http.StatusOK, struct {
		Series Series    `json:"series"`
		Std    []float64 `json:"std"`
	}{s, rep.Noise.Std[iso]})
}

// GetGroups sends the per-group statistics
func (h *HTTPWrapper) GetGroups(w http.ResponseWriter, r *http.Request) {
	server.Respond(w, http.StatusOK, h.Report().Groups)
}

// Run performs a new calibration and sends its report.  Only one run may be
// in progress at a time.
func (h *HTTPWrapper) Run(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "calibration already running", http.StatusConflict)
		return
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	h.log.Info().Str("remote", r.RemoteAddr).Msg("calibration run requested")
	rep, err := h.run(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("calibration run failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rep.Finished.IsZero() {
		rep.Finished = time.Now()
	}
	h.SetReport(rep)
	server.Respond(w, http.StatusOK, rep)
}

// RT returns the wrapper's route table
func (h *HTTPWrapper) RT() server.RouteTable {
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/gain"}:        h.GetGain,
		{Method: http.MethodGet, Path: "/gain/{iso}"}:  h.GetGainISO,
		{Method: http.MethodGet, Path: "/noise"}:       h.GetNoise,
		{Method: http.MethodGet, Path: "/noise/{iso}"}: h.GetNoiseISO,
		{Method: http.MethodGet, Path: "/groups"}:      h.GetGroups,
	}
	if h.run != nil {
		rt[server.MethodPath{Method: http.MethodPost, Path: "/run"}] = h.Run
	}
	return rt
}
