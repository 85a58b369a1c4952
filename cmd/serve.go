package main

import (
	"flag"
	"fmt"

	"github.com/secil-uns/canary-sync/internal/app"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := resolveConfigFile(*configFile)
	fmt.Printf("using configuration file: %s\n", path)

	application, err := app.New(path)
	if err != nil {
		return fmt.Errorf("creating application: %w", err)
	}

	return application.Run()
}
