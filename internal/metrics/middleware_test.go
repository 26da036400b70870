package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/v1/archive", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil),
		httptest.NewRequest(http.MethodGet, "/v1/jobs/def", nil),
		httptest.NewRequest(http.MethodPost, "/v1/archive", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val != 2 {
		t.Errorf("expected 2 GET 404 requests, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")); val != 1 {
		t.Errorf("expected 1 POST 202 request, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val != 2 {
		t.Errorf("expected two route series, got %d", val)
	}
}
