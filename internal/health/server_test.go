package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	status Status
}

func (f fakeProvider) Status() Status { return f.status }

func TestHandleHealth_OKStatus(t *testing.T) {
	ts := int64(1234)
	provider := fakeProvider{status: Status{
		Status:       "ok",
		LastTickTsMs: &ts,
		QueueSize:    5,
		QueueMaxSize: 100,
		Connected:    true,
		TradingDay:   "2026-08-01",
	}}
	s := New(Config{Host: "127.0.0.1", Port: 0}, provider, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.True(t, got.Connected)
	require.NotNil(t, got.LastTickTsMs)
	assert.Equal(t, int64(1234), *got.LastTickTsMs)
}

func TestHandleHealth_DegradedReturns503(t *testing.T) {
	provider := fakeProvider{status: Status{Status: "degraded", Connected: false}}
	s := New(Config{Host: "127.0.0.1", Port: 0}, provider, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
