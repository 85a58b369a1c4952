package app

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMockConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "db_mode: mock\n" +
		"ingest:\n" +
		"  alias_cache_path: " + filepath.Join(dir, "aliases.json") + "\n" +
		"  classification_path: " + filepath.Join(dir, "missing_classification.json") + "\n" +
		"cdc:\n" +
		"  checkpoint_backend: memory\n" +
		"metrics:\n" +
		"  listen_addr: 127.0.0.1:0\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNew_WiresComponentsWithMockRepository(t *testing.T) {
	app, err := New(writeMockConfig(t))
	require.NoError(t, err)
	defer app.cancel()

	assert.NotNil(t, app.repo)
	assert.Nil(t, app.pool)
	assert.NotNil(t, app.pipeline)
	assert.NotNil(t, app.listener)
	assert.NotNil(t, app.egressClt)
	assert.Nil(t, app.dlqStore) // no pool in mock mode, nothing to back the dead-letter table
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	app, err := New(writeMockConfig(t))
	require.NoError(t, err)
	defer app.cancel()

	router := mux.NewRouter()
	app.registerHandlers(router)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func TestHandleReadyz_ReadyWithNoTasksStarted(t *testing.T) {
	app, err := New(writeMockConfig(t))
	require.NoError(t, err)
	defer app.cancel()

	router := mux.NewRouter()
	app.registerHandlers(router)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func TestHandleReadyz_UnreadyWhenBreakerOpen(t *testing.T) {
	app, err := New(writeMockConfig(t))
	require.NoError(t, err)
	defer app.cancel()
	app.breaker.ForceOpen()

	router := mux.NewRouter()
	app.registerHandlers(router)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, 503, rec.Code)
}
