package tracing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestNewTracingManager_DisabledReturnsNoopTracer(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, newTestLogger())
	require.NoError(t, err)
	require.NotNil(t, tm.GetTracer())
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestNewTracingManager_UnsupportedExporterErrors(t *testing.T) {
	_, err := NewTracingManager(TracingConfig{
		Enabled:  true,
		Exporter: "bogus",
	}, newTestLogger())
	require.Error(t, err)
}

func TestTraceableContext_SetErrorRecordsStatus(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, newTestLogger())
	require.NoError(t, err)

	tc := NewTraceableContext(context.Background(), tm.GetTracer(), "test_op")
	tc.SetAttribute("key", "value")
	tc.SetError(errors.New("boom"))
	tc.End()
}

func TestInstrumentedFunction_ExecutePropagatesError(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, newTestLogger())
	require.NoError(t, err)

	fn := NewInstrumentedFunction(tm.GetTracer(), "op")
	wantErr := errors.New("failed")

	err = fn.Execute(context.Background(), func(tc *TraceableContext) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
}

func TestInstrumentedFunction_ExecuteSucceeds(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, newTestLogger())
	require.NoError(t, err)

	fn := NewInstrumentedFunction(tm.GetTracer(), "op")
	err = fn.Execute(context.Background(), func(tc *TraceableContext) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestTraceHandler_WrapsNextHandler(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, newTestLogger())
	require.NoError(t, err)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := TraceHandler(tm.GetTracer(), "test_handler")(next)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInjectTraceToLogEntry_NoSpanLeavesEntryUnchanged(t *testing.T) {
	entry := map[string]interface{}{"message": "hello"}
	InjectTraceToLogEntry(context.Background(), entry)

	_, hasTraceID := entry["trace_id"]
	assert.False(t, hasTraceID)
}
