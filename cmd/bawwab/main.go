// bawwab is the gateway between browser clients and the compute host.
//
// Usage:
//
//	bawwab [--check] [serve]
//	bawwab useradd [flags] <name>
//	bawwab action [flags] --user <name> -- <command> [args...]
//	bawwab genkey
//
// Configuration is read from BAWWAB_* environment variables and the YAML
// file named by BAWWAB_SETTINGS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/leibniz-psychology/bawwab/internal/config"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("bawwab", pflag.ContinueOnError)
	showVersion := flagSet.Bool("version", false, "print version and exit")
	check := flagSet.Bool("check", false, "verify configuration, database and backend reachability, then exit")
	flagSet.BoolP("help", "h", false, "show help")
	// Flags after the subcommand belong to the subcommand.
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if *showVersion {
		fmt.Println("bawwab " + VersionInfo())
		return nil
	}

	command := "serve"
	rest := flagSet.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	// genkey is needed before a configuration can be valid.
	if command == "genkey" {
		key, err := store.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		if *check {
			return checkSetup(ctx, cfg, log)
		}
		return serve(ctx, cfg, log)
	case "useradd":
		return userAdd(ctx, cfg, log, rest)
	case "action":
		return mintAction(ctx, cfg, log, rest)
	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: bawwab [flags] [command]

Commands:
  serve     run the gateway (default)
  useradd   create a gateway account
  action    mint an action token
  genkey    print a new sealing key

Flags:
%s`, flagSet.FlagUsages())
}
