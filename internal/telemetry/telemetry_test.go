package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetry_IsNoop(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()
	boom := errors.New("boom")

	called := false
	err := tel.InstrumentCycle(ctx, func(context.Context) error {
		called = true

		return boom
	})

	assert.True(t, called)
	assert.ErrorIs(t, err, boom)

	assert.NotPanics(t, func() {
		tel.RecordCopy(ctx, "success", 10, time.Second)
		tel.RecordReap(ctx, "success")
		tel.RecordRecords(ctx, map[string]int64{"synced": 1})
		tel.RecordClientOperation(ctx, "transmission", "list", "error")
		tel.RecordDBOperation(ctx, "put", "success", time.Millisecond)
	})

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	err = tel.InstrumentClientOperation(context.Background(), "deluge", "list", func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestEnabledTelemetry_ExposesMetrics(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "seedbox_mirror_test", ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	require.NoError(t, tel.InstrumentCycle(ctx, func(context.Context) error { return nil }))
	tel.RecordCopy(ctx, "success", 1024, time.Second)
	_ = tel.InstrumentDBOperation(ctx, "put", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sync_cycles_total")
	assert.Contains(t, string(body), "copied_bytes")
	assert.Contains(t, string(body), "db_operations_total")
}

func TestHTTPLogging_RequestID(t *testing.T) {
	handler := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}
