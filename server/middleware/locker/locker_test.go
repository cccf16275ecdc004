package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.jpl.nasa.gov/bdube/noisecal/server"
)

func do(h http.Handler, method, path, body string) int {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestLockerRefusesMutationsWhileLocked(t *testing.T) {
	l := New()
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/run"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodGet, Path: "/gain"}: func(w http.ResponseWriter, r *http.Request) {},
	}
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.Bind(r)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/run", ""))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/lock", `{"locked": true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(r, http.MethodPost, "/run", ""))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/gain", ""))

	req := httptest.NewRequest(http.MethodGet, "/lock", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"locked": true}`, w.Body.String())

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/lock", `{"locked": false}`))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/run", ""))
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/lock", `nope`))
}
