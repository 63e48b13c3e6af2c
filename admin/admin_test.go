package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStatus(st Status) StatusFunc {
	return func() Status { return st }
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	router := NewRouter(NewHandlers(fixedStatus(Status{
		ClientID:    "c1",
		State:       "STREAMING",
		Committed:   "mysql-bin.000001:300",
		Outstanding: 2,
		Healthy:     true,
	})), "")

	rec := get(t, router, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, "mysql-bin.000001:300", got.Committed)
	assert.Equal(t, 2, got.Outstanding)
}

func TestHealthEndpoint(t *testing.T) {
	healthy := NewRouter(NewHandlers(fixedStatus(Status{State: "STREAMING", Healthy: true})), "")
	assert.Equal(t, http.StatusOK, get(t, healthy, "/health", nil).Code)

	failed := NewRouter(NewHandlers(fixedStatus(Status{State: "FAILED", Error: "boom"})), "")
	rec := get(t, failed, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"FAILED"`)
}

func TestStatusRequiresToken(t *testing.T) {
	router := NewRouter(NewHandlers(fixedStatus(Status{Healthy: true})), "s3cret")

	tests := []struct {
		name   string
		header map[string]string
		code   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"malformed", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"wrong", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"header", map[string]string{"X-Binflow-Token": "s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, router, "/status", tt.header).Code)
		})
	}

	// health stays open for probes
	assert.Equal(t, http.StatusOK, get(t, router, "/health", nil).Code)
}

func TestMetricsAbsentWhenTelemetryDisabled(t *testing.T) {
	router := NewRouter(NewHandlers(fixedStatus(Status{})), "")
	assert.Equal(t, http.StatusNotFound, get(t, router, "/metrics", nil).Code)
}
