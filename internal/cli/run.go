// Package cli parses command-line arguments and assembles the daemon.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Run is the main CLI entry point. It dispatches to a subcommand and
// returns a process exit code. With no subcommand the daemon runs.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runServe(ctx, nil)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "version", "--version", "-v":
		fmt.Println("hleaddon", Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`hleaddon - tunnel lifecycle controller and access-control daemon

Usage:
  hleaddon [serve] [flags]   run the daemon (default)
  hleaddon version           print the version
  hleaddon help              show this help

Serve flags:
  -listen addr       management API listen address (default ":8099")
  -db path           sqlite database path (default "/data/hle.db")
  -log-level level   debug | info | warn | error (default "info")
  -log-format fmt    text | json (default "text")

Environment (flags win): HLE_LISTEN, HLE_DB_PATH, HLE_RELAY_HOST,
HLE_API_KEY, HLE_MGMT_KEY, HLE_TOKEN_PEPPER, HLE_CLIENT_IMAGE, HLE_POLL_INTERVAL,
HLE_CONFIRM_WINDOW, HLE_SPAWN_TIMEOUT, HLE_TERMINATE_TIMEOUT,
HLE_CRASHLOOP_THRESHOLD, HLE_CRASHLOOP_WINDOW, HLE_PPROF_ADDR.
`)
}
