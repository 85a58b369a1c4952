package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/secil-uns/canary-sync/internal/app"
	"github.com/secil-uns/canary-sync/internal/dlq"
	"github.com/secil-uns/canary-sync/internal/egress"
	"github.com/secil-uns/canary-sync/internal/model"
)

// runReplayDLQ implements `replay-dlq [--limit N] [--execute]`: reads
// pending dead-lettered entries and re-enters C11's deliver pipeline for
// each. Without --execute it only reports what would be replayed (§6
// operator CLI, §4.12).
func runReplayDLQ(args []string) error {
	fs := flag.NewFlagSet("replay-dlq", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to configuration file")
	limit := fs.Int("limit", 200, "maximum entries to replay in one invocation")
	execute := fs.Bool("execute", false, "actually replay; without this flag, only report the pending count")
	if err := fs.Parse(args); err != nil {
		return err
	}

	application, err := app.New(resolveConfigFile(*configFile))
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	defer application.Close()

	store := application.DLQStore()
	if store == nil {
		return fmt.Errorf("no dlq store configured (db_mode=mock has no backing table)")
	}

	ctx := context.Background()

	if !*execute {
		depth, err := store.Depth(ctx)
		if err != nil {
			return fmt.Errorf("reading dlq depth: %w", err)
		}
		fmt.Printf(`{"pending":%d,"limit":%d,"execute":false}`+"\n", depth, *limit)
		return nil
	}

	client := application.EgressClient()
	replayed, err := store.Replay(ctx, *limit, func(ctx context.Context, entry dlq.Entry) error {
		var diff model.AggregatedDiff
		if err := json.Unmarshal(entry.Payload, &diff); err != nil {
			return fmt.Errorf("decoding dlq payload for canary_id %s: %w", entry.CanaryID, err)
		}
		outcome, err := client.Deliver(ctx, diff)
		if err != nil {
			return err
		}
		if outcome != egress.Delivered {
			return fmt.Errorf("redelivery dead-lettered again for canary_id %s", entry.CanaryID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replaying dlq entries: %w", err)
	}

	fmt.Printf(`{"replayed":%d,"limit":%d,"execute":true}`+"\n", replayed, *limit)
	return nil
}
