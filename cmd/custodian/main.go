package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the custodian CLI
//
// This file is intentionally slim. Command implementations live in their
// own files (cmd_*.go).
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "run":
		cmdRun(args)
	case "check":
		cmdCheck(args)
	case "vault":
		cmdVault(args)
	case "config":
		cmdConfig(args)
	case "version", "--version", "-V":
		fmt.Printf("custodian %s (%s, built %s)\n", version, commit, buildDate)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `custodian — anti-forensics detection and evidence preservation

Usage:
  custodian run [--config FILE]          run the detection pipeline
  custodian check PAYLOAD                classify a payload locally
  custodian vault list [--dir DIR]       list vaulted snapshots
  custodian vault verify [--dir DIR] ID  verify snapshot integrity
  custodian vault custody [--dir DIR] ID print a snapshot's custody log
  custodian config init [FILE]           write the default config
  custodian config show [--config FILE]  print the effective config
  custodian version                      print version
`)
}
