package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/secil-uns/canary-sync/internal/app"
	"github.com/secil-uns/canary-sync/internal/ingest"
)

// fixtureFile is the on-disk shape `ingest-fixture` reads: one captured
// MQTT frame, topic plus base64-encoded Sparkplug payload bytes.
type fixtureFile struct {
	Topic         string `json:"topic"`
	PayloadBase64 string `json:"payload_base64"`
}

// runIngestFixture implements `ingest-fixture --path <file>`: replays one
// captured frame through the full decode/alias/normalize/plan/apply chain
// outside the MQTT intake loop, for operator reproduction of a decode or
// planning bug (§6 operator CLI).
func runIngestFixture(args []string) error {
	fs := flag.NewFlagSet("ingest-fixture", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to configuration file")
	path := fs.String("path", "", "path to a fixture JSON file ({topic, payload_base64})")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-path is required")
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("reading fixture file: %w", err)
	}
	var fixture fixtureFile
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return fmt.Errorf("parsing fixture file: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(fixture.PayloadBase64)
	if err != nil {
		return fmt.Errorf("decoding fixture payload: %w", err)
	}

	application, err := app.New(resolveConfigFile(*configFile))
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	defer application.Close()

	if err := application.Pipeline().ProcessOne(context.Background(), ingest.RawFrame{
		Topic:   fixture.Topic,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("processing fixture frame: %w", err)
	}

	fmt.Printf(`{"topic":%q,"status":"applied"}`+"\n", fixture.Topic)
	return nil
}
