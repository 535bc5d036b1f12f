package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFetchSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/series/LNS14000000", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"series_id":"LNS14000000","title":"Unemployment Rate","area":"US","period":"2025-M01","value":4.1,"unit":"percent"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zap.NewNop())
	obs, raw, err := c.FetchSeries(context.Background(), "LNS14000000", "test-key")
	require.NoError(t, err)
	assert.Equal(t, "LNS14000000", obs.SeriesID)
	assert.Equal(t, 4.1, obs.Value)
	assert.NotEmpty(t, raw)
	assert.NoError(t, obs.Validate())
}

func TestFetchSeriesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zap.NewNop())
	_, _, err := c.FetchSeries(context.Background(), "X", "k")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.True(t, IsKeyRejected(err))
	assert.False(t, IsRetriable(err))
}

func TestFetchFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zap.New(core))
	_, _, err := c.FetchSeries(context.Background(), "LNS14000000", "k")
	require.Error(t, err)

	entries := logs.FilterMessage("upstream returned error status").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "LNS14000000", entries[0].ContextMap()["series_id"])
	assert.Equal(t, int64(http.StatusServiceUnavailable), entries[0].ContextMap()["status"])
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetriable(&StatusError{Code: 503}))
	assert.True(t, IsRetriable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetriable(&StatusError{Code: 404}))
	assert.False(t, IsRetriable(nil))

	assert.True(t, IsKeyRejected(&StatusError{Code: 401}))
	assert.True(t, IsKeyRejected(&StatusError{Code: 403}))
	assert.False(t, IsKeyRejected(&StatusError{Code: 500}))
	assert.False(t, IsKeyRejected(errors.New("timeout")))
}

func TestObservationValidate(t *testing.T) {
	valid := Observation{SeriesID: "A", Period: "2025-M01", Value: 1}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&Observation{Period: "2025-M01"}).Validate())
	assert.Error(t, (&Observation{SeriesID: "A"}).Validate())
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zap.NewNop())
	assert.NoError(t, c.Probe(context.Background()))
}

func TestProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zap.NewNop())
	assert.Error(t, c.Probe(context.Background()))
}
