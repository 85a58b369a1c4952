package tests

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/secil-uns/canary-sync/internal/app"
)

// TestNoGoroutineLeaks starts a full App against the mock repository,
// lets every background task run briefly, then stops it and verifies no
// goroutine outlives Stop — the mqtt client library and logrus's own
// background writers are exempted since neither is ours to clean up.
func TestNoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/eclipse/paho.mqtt.golang.(*client).connect"),
		goleak.IgnoreTopFunction("github.com/eclipse/paho.mqtt.golang.(*router).matchAndDispatch"),
		goleak.IgnoreTopFunction("github.com/sirupsen/logrus.*"),
	)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	body := "db_mode: mock\n" +
		"ingest:\n" +
		"  alias_cache_path: " + filepath.Join(dir, "aliases.json") + "\n" +
		"cdc:\n" +
		"  checkpoint_backend: memory\n" +
		"metrics:\n" +
		"  listen_addr: 127.0.0.1:0\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	application, err := app.New(configPath)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	if err := application.Start(); err != nil {
		t.Fatalf("app.Start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := application.Stop(); err != nil {
		t.Fatalf("app.Stop: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
}
