// Command lanedeck runs the workspace control plane daemon and its
// operator tools.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 0
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "lanedeck v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printHelp(stdout)
		return 0
	case "serve":
		return handleServe(args[1:], stdout, stderr)
	case "audit":
		return handleAudit(args[1:], stdout, stderr)
	case "check":
		return handleCheck(args[1:], stdout, stderr)
	case "orphans":
		return handleOrphans(args[1:], stdout, stderr)
	}

	fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
	printHelp(stderr)
	return 1
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "lanedeck v%s\n", Version)
	fmt.Fprintln(w, "Workspace control plane for agent lanes, sessions and terminals.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: lanedeck <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Run the daemon (bus, PTY manager, watchdog, web API)")
	fmt.Fprintln(w, "  audit      Print durable audit records")
	fmt.Fprintln(w, "  check      Scan the latest checkpoint (or the daemon with --live) for drift")
	fmt.Fprintln(w, "  orphans    Ask the daemon to reconcile orphaned shells now")
	fmt.Fprintln(w, "  version    Show version")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  LANEDECK_HOME   Data directory (default ~/.lanedeck)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  lanedeck serve --listen 127.0.0.1:7420")
	fmt.Fprintln(w, "  lanedeck audit --since 1h --json")
	fmt.Fprintln(w, "  lanedeck check --live")
}
