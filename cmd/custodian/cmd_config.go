package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/custodian-project/custodian/internal/core"
	"gopkg.in/yaml.v3"
)

// cmdConfig writes or prints configuration.
func cmdConfig(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: custodian config {init|show} ...")
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	switch sub {
	case "init":
		path := "custodian.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			fatal(fmt.Errorf("%s already exists, refusing to overwrite", path))
		}
		if err := core.SaveConfig(core.DefaultConfig(), path); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", path)

	case "show":
		fs := flag.NewFlagSet("config show", flag.ExitOnError)
		configPath := fs.String("config", "", "config file path")
		fs.Parse(args)

		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			fatal(err)
		}
		os.Stdout.Write(data)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown config command %q\n", sub)
		os.Exit(1)
	}
}
