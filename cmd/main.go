package main

import (
	"fmt"
	"os"
)

// canary-sync dispatches on its first positional argument: `serve` (also
// the default with none), `migrate`, `replay-dlq`, `ingest-fixture`. Every
// subcommand resolves its config file the same way: -config flag, then
// CANARY_CONFIG_FILE, then /app/configs/config.yaml.
func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "migrate":
		err = runMigrate(args)
	case "replay-dlq":
		err = runReplayDLQ(args)
	case "ingest-fixture":
		err = runIngestFixture(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve|migrate|replay-dlq|ingest-fixture)\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func resolveConfigFile(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envConfigFile := os.Getenv("CANARY_CONFIG_FILE"); envConfigFile != "" {
		return envConfigFile
	}
	return "/app/configs/config.yaml"
}
