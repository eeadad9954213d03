package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/infodancer/magmad/internal/cluster"
	"github.com/infodancer/magmad/internal/config"
	"github.com/infodancer/magmad/internal/datatier"
	"github.com/infodancer/magmad/internal/metauser"
)

// runProvisionUser creates a new account in the datatier database, running
// the account's password through the STACIE pipeline so the plaintext
// password is never written to disk, only its salted, round-stretched
// verification token.
func runProvisionUser(args []string) {
	fs := flag.NewFlagSet("provision-user", flag.ExitOnError)
	configPath := fs.String("config", "./magmad.toml", "path to configuration file")
	usernum := fs.Uint64("usernum", 0, "numeric user id to provision; defaults to a deterministic hash of -username, matching what a live login derives")
	username := fs.String("username", "", "account username (e.g. alice@example.com)")
	password := fs.String("password", "", "account password")
	fs.Parse(args)

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "provision-user requires -username and -password")
		os.Exit(1)
	}

	if *usernum == 0 {
		*usernum = metauser.DeriveUsernum(*username)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Datatier.DSN == "" {
		fmt.Fprintln(os.Stderr, "provision-user requires [datatier] dsn to be configured")
		os.Exit(1)
	}

	pool, err := cluster.NewStatementPool(cfg.Datatier.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening datatier pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.DB().Exec(datatier.Schema); err != nil {
		fmt.Fprintf(os.Stderr, "error applying datatier schema: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := datatier.Provision(ctx, pool, *usernum, *username, []byte(*password)); err != nil {
		fmt.Fprintf(os.Stderr, "error provisioning user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("provisioned usernum=%d username=%s\n", *usernum, *username)
}
