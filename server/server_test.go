package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubMuxSanitize(t *testing.T) {
	cases := map[string]string{
		"omc/nkt":    "/omc/nkt",
		"/omc/nkt/*": "/omc/nkt",
		"/":          "/",
	}
	for in, expected := range cases {
		if out := SubMuxSanitize(in); out != expected {
			t.Errorf("expected %s got %s", expected, out)
		}
	}
}

func TestBindServesRoutesAndEndpoints(t *testing.T) {
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/b"}: func(w http.ResponseWriter, r *http.Request) {
			Respond(w, http.StatusOK, map[string]int{"x": 1})
		},
		{Method: http.MethodPost, Path: "/a"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		},
	}
	r := chi.NewRouter()
	rt.Bind(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"x":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/a", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var eps []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eps))
	assert.Equal(t, []string{"POST /a", "GET /b"}, eps)
}
