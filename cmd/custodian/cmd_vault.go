package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/custodian-project/custodian/internal/core"
	"github.com/custodian-project/custodian/internal/vault"
	"github.com/rs/zerolog"
)

// cmdVault exposes read-side vault operations: list, verify, custody.
func cmdVault(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: custodian vault {list|verify|custody} ...")
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	fs := flag.NewFlagSet("vault "+sub, flag.ExitOnError)
	dir := fs.String("dir", core.DefaultConfig().Vault.Dir, "vault directory")

	switch sub {
	case "list":
		fs.Parse(args)
		v := openVault(*dir)
		defer v.Close()
		ids, err := v.List()
		if err != nil {
			fatal(err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}

	case "verify":
		fs.Parse(args)
		rest := fs.Args()
		if len(rest) != 1 {
			fatal(fmt.Errorf("usage: custodian vault verify SNAPSHOT_ID"))
		}
		v := openVault(*dir)
		defer v.Close()
		if err := v.Verify(rest[0]); err != nil {
			if core.IsIntegrityViolation(err) {
				fmt.Fprintf(os.Stderr, "INTEGRITY VIOLATION: %v\n", err)
				os.Exit(2)
			}
			fatal(err)
		}
		fmt.Printf("%s: all artifacts verified\n", rest[0])

	case "custody":
		fs.Parse(args)
		rest := fs.Args()
		if len(rest) != 1 {
			fatal(fmt.Errorf("usage: custodian vault custody SNAPSHOT_ID"))
		}
		v := openVault(*dir)
		defer v.Close()
		entries, err := v.CustodyLog(rest[0])
		if err != nil {
			fatal(err)
		}
		for _, entry := range entries {
			line, err := json.Marshal(entry)
			if err != nil {
				fatal(err)
			}
			fmt.Println(string(line))
		}

	default:
		fmt.Fprintf(os.Stderr, "error: unknown vault command %q\n", sub)
		os.Exit(1)
	}
}

func openVault(dir string) *vault.Vault {
	v, err := vault.New(dir, zerolog.Nop())
	if err != nil {
		fatal(err)
	}
	return v
}
