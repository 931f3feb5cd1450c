package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/asheshgoplani/lanedeck/internal/pty"
)

func handleOrphans(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("orphans", flag.ContinueOnError)
	addr := fs.String("addr", "", "Daemon address (default from [web] listen)")
	token := fs.String("token", "", "Daemon token (default from [web] token)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: lanedeck orphans [options]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Ask the running daemon to reattach or terminate orphaned shells.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}

	ws := loadConfig(stderr).WebSettings()
	client := newDaemonClient(firstNonEmpty(*addr, ws.Listen), firstNonEmpty(*token, ws.Token))
	var sum pty.OrphanSummary
	if err := client.do(http.MethodPost, "/api/orphans", &sum); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if wantJSON(*jsonOut, stdout) {
		if err := printJSON(stdout, sum); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "Found %d orphaned shell(s): %d reattached, %d terminated, %d error(s) in %dms\n",
		sum.Found, sum.Reattached, sum.Terminated, sum.Errors, sum.DurationMs)
	if sum.Errors > 0 {
		return 1
	}
	return 0
}
