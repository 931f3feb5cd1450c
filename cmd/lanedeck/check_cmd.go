package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/recovery"
	"github.com/asheshgoplani/lanedeck/internal/statedb"
)

// exitDrift is returned by check when findings need attention.
const exitDrift = 2

type checkResult struct {
	Source    string             `json:"source"`
	CheckedAt time.Time          `json:"checked_at"`
	Findings  []recovery.Finding `json:"findings"`
	Reconcile int                `json:"reconcile"`
	Reattach  int                `json:"reattach"`
	Cleanup   int                `json:"cleanup"`
}

func (r checkResult) drifted() bool {
	return r.Reconcile+r.Reattach+r.Cleanup > 0
}

func handleCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	live := fs.Bool("live", false, "Ask the running daemon for a fresh watchdog scan")
	addr := fs.String("addr", "", "Daemon address for --live (default from [web] listen)")
	token := fs.String("token", "", "Daemon token for --live (default from [web] token)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: lanedeck check [options]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Scan lanes, sessions and terminals for drift. Exits 2 when drift is found.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if done, code := parseFlags(fs, args, stderr); done {
		return code
	}

	cfg := loadConfig(stderr)
	var (
		res checkResult
		ok  bool
		err error
	)
	if *live {
		ws := cfg.WebSettings()
		client := newDaemonClient(firstNonEmpty(*addr, ws.Listen), firstNonEmpty(*token, ws.Token))
		res, err = checkLive(client)
		ok = err == nil
	} else {
		st, serr := cfg.StorageSettings()
		if serr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", serr)
			return 1
		}
		res, ok, err = checkOffline(st.DBPath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(stdout, "No checkpoint recorded yet.")
		return 0
	}

	if wantJSON(*jsonOut, stdout) {
		if err := printJSON(stdout, res); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		printCheck(stdout, res)
	}
	if res.drifted() {
		return exitDrift
	}
	return 0
}

func checkLive(client *daemonClient) (checkResult, error) {
	res := checkResult{Source: "daemon"}
	if err := client.do(http.MethodGet, "/api/drift?fresh=1", &res); err != nil {
		return checkResult{}, err
	}
	res.Source = "daemon"
	return res, nil
}

// checkOffline scans the newest checkpoint in the state database at path.
func checkOffline(path string) (checkResult, bool, error) {
	db, err := statedb.Open(path)
	if err != nil {
		return checkResult{}, false, err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return checkResult{}, false, err
	}
	cp, ok, err := recovery.Load(context.Background(), db)
	if err != nil || !ok {
		return checkResult{}, ok, err
	}
	return scanCheckpoint(cp), true, nil
}

func scanCheckpoint(cp recovery.Checkpoint) checkResult {
	findings := recovery.Scan(cp)
	rep := recovery.Report{CheckedAt: cp.TakenAt, Findings: findings}
	return checkResult{
		Source:    "checkpoint",
		CheckedAt: cp.TakenAt,
		Findings:  findings,
		Reconcile: rep.Count(recovery.ActionReconcile),
		Reattach:  rep.Count(recovery.ActionReattach),
		Cleanup:   rep.Count(recovery.ActionCleanup),
	}
}

func printCheck(w io.Writer, res checkResult) {
	fmt.Fprintf(w, "Source: %s (checked %s)\n", res.Source, res.CheckedAt.Format(time.RFC3339))
	if len(res.Findings) == 0 {
		fmt.Fprintln(w, "No drift.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "KIND\tID\tREF\tACTION\tREASON")
	for _, f := range res.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Kind, f.ID, dash(f.Ref), f.Action, f.Reason)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d to reconcile, %d to reattach, %d to clean up\n", res.Reconcile, res.Reattach, res.Cleanup)
}
